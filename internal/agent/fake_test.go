package agent

import (
	"context"
	"errors"
	"math"
	"sync"

	"github.com/genricoloni/solo/internal/domain"
	"github.com/genricoloni/solo/internal/protocol"
	"github.com/genricoloni/solo/internal/settings"
)

// fakeElement is a scriptable producer. Tests raise signals with emit.
type fakeElement struct {
	mu       sync.Mutex
	id       string
	kind     domain.ElementKind
	paused   bool
	rate     float64
	duration float64
	position float64
	ready    bool
	setRates []float64
	subs     map[int]func(Signal)
	nextSub  int
	gain     *fakeGain
}

func newElement(id string, kind domain.ElementKind, playing bool) *fakeElement {
	return &fakeElement{
		id:       id,
		kind:     kind,
		paused:   !playing,
		rate:     1.0,
		duration: 600,
		ready:    true,
		subs:     make(map[int]func(Signal)),
	}
}

func (e *fakeElement) ID() string               { return e.id }
func (e *fakeElement) Kind() domain.ElementKind { return e.kind }

func (e *fakeElement) Subscribe(fn func(Signal)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextSub++
	n := e.nextSub
	e.subs[n] = fn
	return func() {
		e.mu.Lock()
		delete(e.subs, n)
		e.mu.Unlock()
	}
}

func (e *fakeElement) Paused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

func (e *fakeElement) Pause() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.paused = true
	return nil
}

func (e *fakeElement) PlaybackRate() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rate
}

func (e *fakeElement) SetPlaybackRate(r float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rate = r
	e.setRates = append(e.setRates, r)
	return nil
}

func (e *fakeElement) Duration() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.duration
}

func (e *fakeElement) CurrentTime() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.position
}

func (e *fakeElement) Seek(offset float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.position = math.Max(0, e.position+offset)
	return nil
}

func (e *fakeElement) Ready() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ready
}

func (e *fakeElement) AttachGain() (GainControl, bool) {
	if e.gain == nil {
		return nil, false
	}
	return e.gain, true
}

func (e *fakeElement) setReady(v bool) {
	e.mu.Lock()
	e.ready = v
	e.mu.Unlock()
}

func (e *fakeElement) rates() []float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]float64(nil), e.setRates...)
}

func (e *fakeElement) subscribers() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subs)
}

// play, stop, external rate changes: update state then raise the signal
func (e *fakeElement) play()  { e.set(func() { e.paused = false }, SignalPlay) }
func (e *fakeElement) pause() { e.set(func() { e.paused = true }, SignalPause) }
func (e *fakeElement) end()   { e.set(func() { e.paused = true }, SignalEnded) }
func (e *fakeElement) externalRate(r float64) {
	e.set(func() { e.rate = r }, SignalRateChange)
}

func (e *fakeElement) set(mutate func(), sig Signal) {
	e.mu.Lock()
	mutate()
	subs := make([]func(Signal), 0, len(e.subs))
	for _, fn := range e.subs {
		subs = append(subs, fn)
	}
	e.mu.Unlock()
	for _, fn := range subs {
		fn(sig)
	}
}

type fakeGain struct {
	mu sync.Mutex
	v  float64
}

func (g *fakeGain) SetGain(v float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.v = v
	return nil
}

func (g *fakeGain) Gain() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.v
}

type fakeHost struct {
	mu       sync.Mutex
	locator  string
	label    string
	elements []Element
	watcher  func(StructureChange)
}

func newHost(locator string, els ...*fakeElement) *fakeHost {
	h := &fakeHost{locator: locator, label: "Test page"}
	for _, el := range els {
		h.elements = append(h.elements, el)
	}
	return h
}

func (h *fakeHost) Locator() string { return h.locator }
func (h *fakeHost) Label() string   { return h.label }

func (h *fakeHost) Elements() []Element {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Element(nil), h.elements...)
}

func (h *fakeHost) WatchStructure(fn func(StructureChange)) func() {
	h.mu.Lock()
	h.watcher = fn
	h.mu.Unlock()
	return func() {
		h.mu.Lock()
		h.watcher = nil
		h.mu.Unlock()
	}
}

func (h *fakeHost) change(ch StructureChange) {
	h.mu.Lock()
	fn := h.watcher
	h.mu.Unlock()
	if fn != nil {
		fn(ch)
	}
}

type recordingSender struct {
	mu   sync.Mutex
	msgs []protocol.Message
}

func (s *recordingSender) Send(_ context.Context, msg protocol.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return nil
}

func (s *recordingSender) count(kind protocol.Kind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.msgs {
		if m.Kind() == kind {
			n++
		}
	}
	return n
}

func (s *recordingSender) last(kind protocol.Kind) protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.msgs) - 1; i >= 0; i-- {
		if s.msgs[i].Kind() == kind {
			return s.msgs[i]
		}
	}
	return nil
}

type recordingNotifier struct {
	mu      sync.Mutex
	notices []domain.Notice
}

func (n *recordingNotifier) Notify(_ context.Context, notice domain.Notice) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, notice)
}

func (n *recordingNotifier) all() []domain.Notice {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]domain.Notice(nil), n.notices...)
}

// brokenStore fails every call the way a FallbackStore does when both
// backing stores are gone.
type brokenStore struct{}

var errBroken = errors.New("disk gone")

func (brokenStore) Get(context.Context, []string) (map[string]any, error) {
	return nil, errors.Join(settings.ErrStorageUnavailable, errBroken)
}

func (brokenStore) Set(context.Context, map[string]any) (bool, error) {
	return false, errors.Join(settings.ErrStorageUnavailable, errBroken)
}

func (brokenStore) Remove(context.Context, []string) error {
	return errors.Join(settings.ErrStorageUnavailable, errBroken)
}
