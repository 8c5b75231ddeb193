// Package bus connects agents and the orchestrator inside one process.
// Delivery is at-most-once and ordered per context: every attached context
// gets its own queues, and a full queue drops the message.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/genricoloni/solo/internal/metrics"
	"github.com/genricoloni/solo/internal/protocol"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// OrchestratorID is the sender id agents see on orchestrator messages
const OrchestratorID = "orchestrator"

var (
	// ErrTransport marks every delivery failure. It never implies the
	// receiving context is gone.
	ErrTransport = errors.New("transport failure")
	// ErrTimeout is returned when a request is not answered in time
	ErrTimeout = fmt.Errorf("%w: timed out", ErrTransport)
	// ErrUnknownContext is returned when no endpoint is attached for a context
	ErrUnknownContext = fmt.Errorf("%w: no endpoint for context", ErrTransport)
	// ErrQueueFull is returned when a message was dropped
	ErrQueueFull = fmt.Errorf("%w: queue full", ErrTransport)
	// ErrClosed is returned after the bus or link was closed
	ErrClosed = fmt.Errorf("%w: closed", ErrTransport)
)

// Handler consumes messages delivered by the bus.
type Handler interface {
	HandleMessage(ctx context.Context, from string, msg protocol.Message) protocol.Response
}

// Deliverer is implemented by endpoints that can take a fire-and-forget
// message without producing a response, such as remote connections.
type Deliverer interface {
	Deliver(ctx context.Context, from string, msg protocol.Message) error
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, from string, msg protocol.Message) protocol.Response

func (f HandlerFunc) HandleMessage(ctx context.Context, from string, msg protocol.Message) protocol.Response {
	return f(ctx, from, msg)
}

// Local is the in-process bus. It implements the orchestrator's Dispatcher.
type Local struct {
	logger    *zap.Logger
	metrics   *metrics.Metrics
	queueSize int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	orch   Handler
	boxes  map[string]*mailbox
	closed bool

	dropWarn rate.Sometimes
}

type mailbox struct {
	id       string
	endpoint Handler
	in       chan protocol.Message // agent -> orchestrator
	out      chan protocol.Message // orchestrator -> agent
	done     chan struct{}
	once     sync.Once
}

func (m *mailbox) stop() {
	m.once.Do(func() { close(m.done) })
}

// NewLocal creates a bus whose per-context queues hold queueSize messages.
func NewLocal(logger *zap.Logger, m *metrics.Metrics, queueSize int) *Local {
	if queueSize <= 0 {
		queueSize = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Local{
		logger:    logger,
		metrics:   m,
		queueSize: queueSize,
		ctx:       ctx,
		cancel:    cancel,
		boxes:     make(map[string]*mailbox),
		dropWarn:  rate.Sometimes{Interval: 5 * time.Second},
	}
}

// Bind sets the orchestrator that receives agent messages.
func (b *Local) Bind(orch Handler) {
	b.mu.Lock()
	b.orch = orch
	b.mu.Unlock()
}

// Attach connects an endpoint for context id. A second Attach for the same
// id replaces the previous endpoint.
func (b *Local) Attach(id string, endpoint Handler) (*Link, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	if old, ok := b.boxes[id]; ok {
		old.stop()
	}
	box := &mailbox{
		id:       id,
		endpoint: endpoint,
		in:       make(chan protocol.Message, b.queueSize),
		out:      make(chan protocol.Message, b.queueSize),
		done:     make(chan struct{}),
	}
	b.boxes[id] = box
	b.mu.Unlock()

	b.wg.Add(2)
	go b.pumpIn(box)
	go b.pumpOut(box)

	b.logger.Debug("Endpoint attached", zap.String("context", id))
	return &Link{bus: b, box: box}, nil
}

// detach disconnects box, unregistering it if it is still current for its id.
func (b *Local) detach(box *mailbox) {
	b.mu.Lock()
	if cur, ok := b.boxes[box.id]; ok && cur == box {
		delete(b.boxes, box.id)
	}
	b.mu.Unlock()
	box.stop()
	b.logger.Debug("Endpoint detached", zap.String("context", box.id))
}

// Contexts lists the attached context ids, sorted.
func (b *Local) Contexts() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := make([]string, 0, len(b.boxes))
	for id := range b.boxes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Notify queues msg for context id without blocking.
func (b *Local) Notify(ctx context.Context, id string, msg protocol.Message) error {
	box, err := b.box(id)
	if err != nil {
		return err
	}
	return b.enqueue(box, box.out, "outbound", msg)
}

// Request delivers msg to context id and waits for its answer or ctx expiry.
func (b *Local) Request(ctx context.Context, id string, msg protocol.Message) (protocol.Response, error) {
	box, err := b.box(id)
	if err != nil {
		return protocol.Response{}, err
	}

	ch := make(chan protocol.Response, 1)
	go func() {
		ch <- box.endpoint.HandleMessage(ctx, OrchestratorID, msg)
	}()

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return protocol.Response{}, fmt.Errorf("%w: %s to %s", ErrTimeout, msg.Kind(), id)
	case <-box.done:
		return protocol.Response{}, fmt.Errorf("%w: %s detached", ErrClosed, id)
	}
}

// Broadcast notifies every attached context except the listed ones.
func (b *Local) Broadcast(ctx context.Context, msg protocol.Message, except ...string) error {
	b.mu.RLock()
	boxes := make([]*mailbox, 0, len(b.boxes))
	for id, box := range b.boxes {
		skip := false
		for _, e := range except {
			if e == id {
				skip = true
				break
			}
		}
		if !skip {
			boxes = append(boxes, box)
		}
	}
	b.mu.RUnlock()

	var errs []error
	for _, box := range boxes {
		if err := b.enqueue(box, box.out, "outbound", msg); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", box.id, err))
		}
	}
	return errors.Join(errs...)
}

// Ask sends a request to the orchestrator on behalf of from and waits for
// the answer. Transports use it for agent-initiated requests.
func (b *Local) Ask(ctx context.Context, from string, msg protocol.Message) (protocol.Response, error) {
	b.mu.RLock()
	orch := b.orch
	b.mu.RUnlock()
	if orch == nil {
		return protocol.Response{}, fmt.Errorf("%w: no orchestrator bound", ErrTransport)
	}

	ch := make(chan protocol.Response, 1)
	go func() {
		ch <- orch.HandleMessage(ctx, from, msg)
	}()
	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return protocol.Response{}, fmt.Errorf("%w: %s from %s", ErrTimeout, msg.Kind(), from)
	}
}

// Close detaches every endpoint and waits for the queues to stop.
func (b *Local) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for id, box := range b.boxes {
		box.stop()
		delete(b.boxes, id)
	}
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()
	b.logger.Info("Message bus closed")
}

func (b *Local) box(id string) (*mailbox, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrClosed
	}
	box, ok := b.boxes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownContext, id)
	}
	return box, nil
}

func (b *Local) enqueue(box *mailbox, q chan protocol.Message, direction string, msg protocol.Message) error {
	select {
	case <-box.done:
		return ErrClosed
	default:
	}

	select {
	case q <- msg:
		return nil
	default:
		b.metrics.Dropped("bus")
		b.dropWarn.Do(func() {
			b.logger.Warn("Bus queue full, dropping message",
				zap.String("context", box.id),
				zap.String("direction", direction),
				zap.String("type", string(msg.Kind())))
		})
		return ErrQueueFull
	}
}

// pumpIn delivers one context's messages to the orchestrator in order.
func (b *Local) pumpIn(box *mailbox) {
	defer b.wg.Done()
	for {
		select {
		case <-box.done:
			return
		case msg := <-box.in:
			b.mu.RLock()
			orch := b.orch
			b.mu.RUnlock()
			if orch == nil {
				b.logger.Warn("No orchestrator bound, message dropped",
					zap.String("context", box.id), zap.String("type", string(msg.Kind())))
				continue
			}
			orch.HandleMessage(b.ctx, box.id, msg)
		}
	}
}

// pumpOut delivers fire-and-forget messages to one endpoint in order.
func (b *Local) pumpOut(box *mailbox) {
	defer b.wg.Done()
	for {
		select {
		case <-box.done:
			return
		case msg := <-box.out:
			if d, ok := box.endpoint.(Deliverer); ok {
				if err := d.Deliver(b.ctx, OrchestratorID, msg); err != nil {
					b.logger.Debug("Delivery failed",
						zap.String("context", box.id),
						zap.String("type", string(msg.Kind())),
						zap.Error(err))
				}
				continue
			}
			resp := box.endpoint.HandleMessage(b.ctx, OrchestratorID, msg)
			if err := resp.Err(); err != nil {
				b.logger.Debug("Endpoint rejected message",
					zap.String("context", box.id),
					zap.String("type", string(msg.Kind())),
					zap.Error(err))
			}
		}
	}
}

// Link is an endpoint's handle on the bus.
type Link struct {
	bus *Local
	box *mailbox
}

// ID returns the context id the link was attached for.
func (l *Link) ID() string { return l.box.id }

// Send queues msg for the orchestrator without blocking.
func (l *Link) Send(ctx context.Context, msg protocol.Message) error {
	return l.bus.enqueue(l.box, l.box.in, "inbound", msg)
}

// Ask sends a request to the orchestrator and waits for the answer.
func (l *Link) Ask(ctx context.Context, msg protocol.Message) (protocol.Response, error) {
	select {
	case <-l.box.done:
		return protocol.Response{}, ErrClosed
	default:
	}
	return l.bus.Ask(ctx, l.box.id, msg)
}

// Done is closed once the link is detached.
func (l *Link) Done() <-chan struct{} { return l.box.done }

// Close detaches the endpoint. Queued messages are discarded.
func (l *Link) Close() {
	l.bus.detach(l.box)
}
