package notify

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/genricoloni/solo/internal/domain"
	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type call struct {
	method string
	args   []interface{}
}

type fakeCaller struct {
	mu    sync.Mutex
	calls []call
	err   error
}

func (f *fakeCaller) Call(_, _, method string, out []interface{}, args ...interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{method: method, args: args})
	if f.err != nil {
		return f.err
	}
	if len(out) == 1 {
		if id, ok := out[0].(*uint32); ok {
			*id = uint32(len(f.calls))
		}
	}
	return nil
}

func (f *fakeCaller) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func sourceOf(c Caller) CallerSource {
	return func() (Caller, bool) { return c, c != nil }
}

// TestDesktop_ShowsNotice verifies a notice becomes a desktop notification call.
func TestDesktop_ShowsNotice(t *testing.T) {
	caller := &fakeCaller{}
	d := NewDesktop(zap.NewNop(), sourceOf(caller))

	d.Notify(context.Background(), domain.Notice{
		Kind:      domain.NoticeUnsupported,
		ContextID: "chromium.instance1",
		Message:   "Speed cannot be changed on a live stream",
	})
	require.NoError(t, d.Close())

	require.Equal(t, 1, caller.count())
	c := caller.calls[0]
	require.Equal(t, notificationsMethod, c.method)
	require.Len(t, c.args, 8)
	require.Equal(t, appName, c.args[0])
	require.Equal(t, "Not supported", c.args[3])
	require.Equal(t, "Speed cannot be changed on a live stream", c.args[4])
	require.IsType(t, map[string]dbus.Variant{}, c.args[6])
}

// TestDesktop_LimitsPopups verifies a burst of notices is rate limited.
func TestDesktop_LimitsPopups(t *testing.T) {
	caller := &fakeCaller{}
	d := NewDesktop(zap.NewNop(), sourceOf(caller))
	for i := 0; i < 10; i++ {
		d.Notify(context.Background(), domain.Notice{Kind: domain.NoticeStorage, Message: "disk full"})
	}
	require.NoError(t, d.Close())

	// burst of three, then at most one more within the test's runtime
	require.GreaterOrEqual(t, caller.count(), 3)
	require.LessOrEqual(t, caller.count(), 4)
}

// TestDesktop_WithoutBusOnlyLogs verifies notices without a session bus are only logged.
func TestDesktop_WithoutBusOnlyLogs(t *testing.T) {
	d := NewDesktop(zap.NewNop(), sourceOf(nil))
	d.Notify(context.Background(), domain.Notice{Kind: domain.NoticeStorage})
	require.NoError(t, d.Close())
}

// TestDesktop_CallFailureIsSwallowed verifies a failing notification service does not surface an error.
func TestDesktop_CallFailureIsSwallowed(t *testing.T) {
	caller := &fakeCaller{err: errors.New("service unknown")}
	d := NewDesktop(zap.NewNop(), sourceOf(caller))
	d.Notify(context.Background(), domain.Notice{Kind: domain.NoticeUnsupported})
	require.NoError(t, d.Close())
	require.Equal(t, 1, caller.count())
}

// TestDesktop_CloseIsIdempotent verifies Close can be called twice.
func TestDesktop_CloseIsIdempotent(t *testing.T) {
	d := NewDesktop(zap.NewNop(), nil)
	require.NoError(t, d.Close())
	require.NoError(t, d.Close())
}

// TestRecorder verifies notices are recorded in order and returned as copies.
func TestRecorder(t *testing.T) {
	var r Recorder
	r.Notify(context.Background(), domain.Notice{Kind: domain.NoticeStorage, Message: "a"})
	r.Notify(context.Background(), domain.Notice{Kind: domain.NoticeUnsupported, Message: "b"})

	got := r.Notices()
	require.Len(t, got, 2)
	require.Equal(t, "b", got[1].Message)

	got[0].Message = "changed"
	require.Equal(t, "a", r.Notices()[0].Message)
}
