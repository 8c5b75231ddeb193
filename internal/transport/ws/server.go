package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/genricoloni/solo/internal/bus"
	"github.com/genricoloni/solo/internal/protocol"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	// agents connect from browser extension pages with their own origins
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Server attaches remote agents to the bus.
type Server struct {
	bus     *bus.Local
	logger  *zap.Logger
	timeout time.Duration
}

// NewServer creates a server. timeout bounds requests in both directions.
func NewServer(logger *zap.Logger, b *bus.Local, timeout time.Duration) *Server {
	return &Server{bus: b, logger: logger, timeout: timeout}
}

// ServeAgent upgrades the request and serves contextID's endpoint until the
// connection closes. A later connection for the same context replaces it.
func (s *Server) ServeAgent(w http.ResponseWriter, r *http.Request, contextID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Agent upgrade failed", zap.String("context", contextID), zap.Error(err))
		return
	}

	logger := s.logger.With(zap.String("context", contextID))
	p := newPeer(conn, bus.OrchestratorID, logger, s.timeout)
	defer p.close()

	link, err := s.bus.Attach(contextID, &remoteEndpoint{peer: p})
	if err != nil {
		logger.Warn("Agent rejected", zap.Error(err))
		return
	}
	defer link.Close()

	go p.pingLoop()
	go func() {
		select {
		case <-link.Done():
			p.close()
		case <-p.closed:
		}
	}()

	logger.Info("Remote agent connected", zap.String("remote", r.RemoteAddr))
	_ = p.readLoop(func(ctx context.Context, msg protocol.Message) protocol.Response {
		if msg.Kind().IsRequest() {
			resp, err := link.Ask(ctx, msg)
			if err != nil {
				return protocol.Fail(err)
			}
			return resp
		}
		if err := link.Send(ctx, msg); err != nil {
			logger.Debug("Agent message dropped", zap.String("type", string(msg.Kind())), zap.Error(err))
		}
		return protocol.OK(nil)
	})
	logger.Info("Remote agent disconnected")
}

// remoteEndpoint is the bus's view of a connected agent.
type remoteEndpoint struct {
	peer *peer
}

func (e *remoteEndpoint) HandleMessage(ctx context.Context, _ string, msg protocol.Message) protocol.Response {
	if !msg.Kind().IsRequest() {
		if err := e.peer.send(msg); err != nil {
			return protocol.Fail(err)
		}
		return protocol.OK(nil)
	}
	resp, err := e.peer.request(ctx, msg)
	if err != nil {
		return protocol.Fail(err)
	}
	return resp
}

func (e *remoteEndpoint) Deliver(_ context.Context, _ string, msg protocol.Message) error {
	return e.peer.send(msg)
}
