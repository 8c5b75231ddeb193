// Package ws carries protocol envelopes over WebSocket connections so that
// agents running outside the daemon can join the bus.
package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/genricoloni/solo/internal/bus"
	"github.com/genricoloni/solo/internal/protocol"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20

	defaultRequestTimeout = 5 * time.Second
)

// ErrConnectionClosed is returned for calls on a closed connection
var ErrConnectionClosed = fmt.Errorf("%w: websocket closed", bus.ErrTransport)

// peer is one end of a connection: it writes envelopes, matches responses to
// pending requests and hands everything else to onMessage.
type peer struct {
	conn    *websocket.Conn
	self    string
	logger  *zap.Logger
	timeout time.Duration

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan protocol.Response

	closed    chan struct{}
	closeOnce sync.Once
}

func newPeer(conn *websocket.Conn, self string, logger *zap.Logger, timeout time.Duration) *peer {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return &peer{
		conn:    conn,
		self:    self,
		logger:  logger,
		timeout: timeout,
		pending: make(map[string]chan protocol.Response),
		closed:  make(chan struct{}),
	}
}

func (p *peer) write(env protocol.Envelope) error {
	select {
	case <-p.closed:
		return ErrConnectionClosed
	default:
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if err := p.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return fmt.Errorf("%w: %v", bus.ErrTransport, err)
	}
	if err := p.conn.WriteJSON(env); err != nil {
		return fmt.Errorf("%w: write %s: %v", bus.ErrTransport, env.Type, err)
	}
	return nil
}

// send writes a fire-and-forget message.
func (p *peer) send(msg protocol.Message) error {
	env, err := protocol.Wrap(p.self, msg)
	if err != nil {
		return err
	}
	return p.write(env)
}

// request writes msg and waits for the matching response. Without a
// deadline on ctx the peer's default timeout applies.
func (p *peer) request(ctx context.Context, msg protocol.Message) (protocol.Response, error) {
	env, err := protocol.Wrap(p.self, msg)
	if err != nil {
		return protocol.Response{}, err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	ch := make(chan protocol.Response, 1)
	p.mu.Lock()
	p.pending[env.ID] = ch
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.pending, env.ID)
		p.mu.Unlock()
	}()

	if err := p.write(env); err != nil {
		return protocol.Response{}, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return protocol.Response{}, fmt.Errorf("%w: %s", bus.ErrTimeout, msg.Kind())
	case <-p.closed:
		return protocol.Response{}, ErrConnectionClosed
	}
}

func (p *peer) reply(req protocol.Envelope, resp protocol.Response) {
	if err := p.write(protocol.Reply(req, resp)); err != nil {
		p.logger.Debug("Reply not delivered", zap.String("type", string(req.Type)), zap.Error(err))
	}
}

// readLoop runs until the connection fails. Requests are answered on their
// own goroutine; fire-and-forget messages are handled in arrival order.
func (p *peer) readLoop(handle func(ctx context.Context, msg protocol.Message) protocol.Response) error {
	p.conn.SetReadLimit(maxMessageSize)
	_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var env protocol.Envelope
		if err := p.conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				p.logger.Warn("WebSocket read failed", zap.Error(err))
			}
			return err
		}

		if env.IsResponse() {
			p.resolve(env)
			continue
		}

		msg, err := env.Message()
		if err != nil {
			p.logger.Warn("Dropping undecodable envelope", zap.String("type", string(env.Type)), zap.Error(err))
			if env.Type.IsRequest() || errors.Is(err, protocol.ErrUnknownMessage) {
				p.reply(env, protocol.Fail(err))
			}
			continue
		}

		if msg.Kind().IsRequest() {
			go func(env protocol.Envelope) {
				ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
				defer cancel()
				p.reply(env, handle(ctx, msg))
			}(env)
			continue
		}
		handle(context.Background(), msg)
	}
}

func (p *peer) resolve(env protocol.Envelope) {
	p.mu.Lock()
	ch, ok := p.pending[env.ReplyTo]
	p.mu.Unlock()
	if !ok || env.Response == nil {
		// late answer to a request that already timed out, or to a notification
		return
	}
	select {
	case ch <- *env.Response:
	default:
	}
}

// pingLoop keeps the connection alive until it closes.
func (p *peer) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-p.closed:
			return
		case <-ticker.C:
			p.writeMu.Lock()
			err := p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			p.writeMu.Unlock()
			if err != nil {
				p.logger.Debug("Ping failed", zap.Error(err))
				return
			}
		}
	}
}

func (p *peer) close() {
	p.closeOnce.Do(func() {
		close(p.closed)
		p.writeMu.Lock()
		_ = p.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		p.writeMu.Unlock()
		_ = p.conn.Close()
	})
}
