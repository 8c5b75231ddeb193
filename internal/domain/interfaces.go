package domain

import "context"

// SettingsStore is the flat key/value namespace shared by every context.
// Implementations may be backed by a primary and a secondary store.
type SettingsStore interface {
	// Get returns the stored values for keys; missing keys are absent from the map
	Get(ctx context.Context, keys []string) (map[string]any, error)

	// Set writes all items as one batch and reports whether the primary store accepted it
	Set(ctx context.Context, items map[string]any) (bool, error)

	// Remove deletes keys from every backing store
	Remove(ctx context.Context, keys []string) error
}

// LivenessProber confirms whether a context still exists.
// A returned error means the answer is unknown, never that the context is gone.
//
//go:generate mockgen -destination=../orchestrator/mocks/prober_mock.go -package=mocks github.com/genricoloni/solo/internal/domain LivenessProber
type LivenessProber interface {
	Probe(ctx context.Context, contextID string) (ContextInfo, error)
}

// Classifier decides whether a locator belongs to a media-capable source
type Classifier interface {
	IsMediaSource(locator string) bool
}

// ClassifierFunc adapts a function to Classifier
type ClassifierFunc func(locator string) bool

// IsMediaSource calls f(locator)
func (f ClassifierFunc) IsMediaSource(locator string) bool { return f(locator) }

// AnySource classifies every locator as a media source
var AnySource Classifier = ClassifierFunc(func(string) bool { return true })

// Notifier surfaces non-blocking notices to the user
type Notifier interface {
	Notify(ctx context.Context, n Notice)
}

// Config defines the interface for application configuration
type Config interface {
	// GetListenAddr returns the control API address
	GetListenAddr() string

	// GetDataDir returns the directory holding the settings stores
	GetDataDir() string

	// GetReconcileSpec returns the cron spec for reconciliation passes
	GetReconcileSpec() string
}
