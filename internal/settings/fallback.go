package settings

import (
	"context"
	"fmt"
	"sync"

	"github.com/genricoloni/solo/internal/domain"
	"go.uber.org/zap"
)

// FallbackStore reads from the primary store and falls back to the secondary
// when the primary fails or returns nothing. Writes are mirrored to the
// secondary as a backup.
type FallbackStore struct {
	logger    *zap.Logger
	primary   domain.SettingsStore
	secondary domain.SettingsStore
}

// NewFallbackStore combines two stores. primary may be nil when it could not be opened.
func NewFallbackStore(logger *zap.Logger, primary, secondary domain.SettingsStore) *FallbackStore {
	return &FallbackStore{logger: logger, primary: primary, secondary: secondary}
}

func (s *FallbackStore) Get(ctx context.Context, keys []string) (map[string]any, error) {
	var primaryErr error
	if s.primary != nil {
		items, err := s.primary.Get(ctx, keys)
		if err == nil && len(items) > 0 {
			return items, nil
		}
		primaryErr = err
		if err != nil {
			s.logger.Warn("Primary settings store read failed, using secondary", zap.Error(err))
		}
	}

	if s.secondary == nil {
		if primaryErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, primaryErr)
		}
		return map[string]any{}, nil
	}

	items, err := s.secondary.Get(ctx, keys)
	if err != nil {
		if primaryErr != nil || s.primary == nil {
			return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
		// primary answered (empty); the secondary failing changes nothing
		return map[string]any{}, nil
	}
	return items, nil
}

// Set reports whether the primary accepted the batch. It only errors when
// neither store did.
func (s *FallbackStore) Set(ctx context.Context, items map[string]any) (bool, error) {
	primaryOK := false
	var primaryErr error
	if s.primary != nil {
		primaryOK, primaryErr = s.primary.Set(ctx, items)
		if primaryErr != nil {
			s.logger.Warn("Primary settings store write failed", zap.Error(primaryErr))
		}
	}

	secondaryOK := false
	if s.secondary != nil {
		ok, err := s.secondary.Set(ctx, items)
		if err != nil {
			s.logger.Warn("Secondary settings store write failed", zap.Error(err))
		}
		secondaryOK = ok && err == nil
	}

	if !primaryOK && !secondaryOK {
		return false, fmt.Errorf("%w: no store accepted the write", ErrStorageUnavailable)
	}
	return primaryOK, nil
}

func (s *FallbackStore) Remove(ctx context.Context, keys []string) error {
	var errs []error
	stores := 0
	for _, st := range []domain.SettingsStore{s.primary, s.secondary} {
		if st == nil {
			continue
		}
		stores++
		if err := st.Remove(ctx, keys); err != nil {
			errs = append(errs, err)
		}
	}
	if stores > 0 && len(errs) == stores {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, errs[0])
	}
	return nil
}

// MemoryStore is an in-process store, used when nothing on disk is writable.
type MemoryStore struct {
	mu     sync.Mutex
	values map[string]any
}

func NewMemoryStore(initial map[string]any) *MemoryStore {
	values := make(map[string]any, len(initial))
	for k, v := range initial {
		values[k] = v
	}
	return &MemoryStore{values: values}
}

func (m *MemoryStore) Get(_ context.Context, keys []string) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		if v, ok := m.values[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

func (m *MemoryStore) Set(_ context.Context, items map[string]any) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range items {
		m.values[k] = v
	}
	return true, nil
}

func (m *MemoryStore) Remove(_ context.Context, keys []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.values, k)
	}
	return nil
}

// Load reads every recognized key through store.
func Load(ctx context.Context, store domain.SettingsStore) (Settings, error) {
	items, err := store.Get(ctx, AllKeys)
	if err != nil {
		return Defaults(), err
	}
	return FromMap(items)
}
