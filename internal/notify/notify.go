// Package notify surfaces user-visible notices. Notices are always logged;
// the desktop notifier also shows them through org.freedesktop.Notifications.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/genricoloni/solo/internal/domain"
	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	notificationsName   = "org.freedesktop.Notifications"
	notificationsPath   = "/org/freedesktop/Notifications"
	notificationsMethod = "org.freedesktop.Notifications.Notify"

	appName       = "solo"
	expireTimeout = int32(4000)
	queueSize     = 16
)

// Caller invokes a D-Bus method. monitor.DBusClient satisfies it.
type Caller interface {
	Call(dest, path, method string, out []interface{}, args ...interface{}) error
}

// CallerSource returns the session bus connection once one exists
type CallerSource func() (Caller, bool)

// Desktop shows notices as desktop notifications. Notify never blocks:
// notices are queued for a worker and dropped when the queue is full.
type Desktop struct {
	logger  *zap.Logger
	source  CallerSource
	queue   chan domain.Notice
	limiter *rate.Limiter

	dropWarn rate.Sometimes
	wg       sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

var _ domain.Notifier = (*Desktop)(nil)

// NewDesktop starts the delivery worker. Popups are limited to one per second
// with a small burst; notices over the limit are only logged.
func NewDesktop(logger *zap.Logger, source CallerSource) *Desktop {
	d := &Desktop{
		logger:   logger,
		source:   source,
		queue:    make(chan domain.Notice, queueSize),
		limiter:  rate.NewLimiter(rate.Every(time.Second), 3),
		dropWarn: rate.Sometimes{Interval: 5 * time.Second},
	}
	d.wg.Add(1)
	go d.run()
	return d
}

// Notify logs n and queues it for display
func (d *Desktop) Notify(_ context.Context, n domain.Notice) {
	logNotice(d.logger, n)

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	select {
	case d.queue <- n:
	default:
		d.dropWarn.Do(func() {
			d.logger.Warn("Notification queue full, dropping notice", zap.String("kind", string(n.Kind)))
		})
	}
}

// Close stops the worker after the queued notices are handled
func (d *Desktop) Close() error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()
	d.wg.Wait()
	return nil
}

func (d *Desktop) run() {
	defer d.wg.Done()
	for n := range d.queue {
		if !d.limiter.Allow() {
			continue
		}
		d.show(n)
	}
}

func (d *Desktop) show(n domain.Notice) {
	if d.source == nil {
		return
	}
	caller, ok := d.source()
	if !ok || caller == nil {
		return
	}
	var id uint32
	err := caller.Call(notificationsName, notificationsPath, notificationsMethod, []interface{}{&id},
		appName, uint32(0), "", summary(n.Kind), n.Message, []string{}, map[string]dbus.Variant{}, expireTimeout)
	if err != nil {
		d.logger.Debug("Desktop notification failed", zap.Error(err))
	}
}

func summary(kind domain.NoticeKind) string {
	switch kind {
	case domain.NoticeUnsupported:
		return "Not supported"
	case domain.NoticeStorage:
		return "Settings not saved"
	}
	return "Solo"
}

func logNotice(logger *zap.Logger, n domain.Notice) {
	logger.Warn("Notice",
		zap.String("kind", string(n.Kind)),
		zap.String("context", n.ContextID),
		zap.String("message", n.Message))
}

// Log only logs notices. Used when no session bus is available.
type Log struct {
	logger *zap.Logger
}

// NewLog creates a log-only notifier
func NewLog(logger *zap.Logger) *Log {
	return &Log{logger: logger}
}

// Notify logs n
func (l *Log) Notify(_ context.Context, n domain.Notice) {
	logNotice(l.logger, n)
}

// Recorder keeps notices in memory
type Recorder struct {
	mu      sync.Mutex
	notices []domain.Notice
}

// Notify records n
func (r *Recorder) Notify(_ context.Context, n domain.Notice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n)
}

// Notices returns a copy of everything recorded so far
func (r *Recorder) Notices() []domain.Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Notice(nil), r.notices...)
}
