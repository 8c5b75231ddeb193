package ws

import (
	"context"
	"fmt"
	"time"

	"github.com/genricoloni/solo/internal/bus"
	"github.com/genricoloni/solo/internal/protocol"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Client is a remote agent's connection to the daemon. It satisfies the
// agent's Sender and hands orchestrator commands to handler.
type Client struct {
	peer *peer
	done chan struct{}
	err  error
}

// Dial connects to url (the daemon's /v1/agents/{id}/ws endpoint) as contextID.
func Dial(ctx context.Context, url, contextID string, handler bus.Handler, logger *zap.Logger, timeout time.Duration) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", bus.ErrTransport, url, err)
	}

	c := &Client{
		peer: newPeer(conn, contextID, logger.With(zap.String("context", contextID)), timeout),
		done: make(chan struct{}),
	}
	go c.peer.pingLoop()
	go func() {
		defer close(c.done)
		c.err = c.peer.readLoop(func(ctx context.Context, msg protocol.Message) protocol.Response {
			return handler.HandleMessage(ctx, bus.OrchestratorID, msg)
		})
		c.peer.close()
	}()
	return c, nil
}

// Send writes a fire-and-forget message to the orchestrator.
func (c *Client) Send(_ context.Context, msg protocol.Message) error {
	return c.peer.send(msg)
}

// Ask sends a request to the orchestrator and waits for the answer.
func (c *Client) Ask(ctx context.Context, msg protocol.Message) (protocol.Response, error) {
	return c.peer.request(ctx, msg)
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns the error that ended the connection. Valid after Done.
func (c *Client) Err() error { return c.err }

// Close ends the connection and waits for the reader to stop.
func (c *Client) Close() error {
	c.peer.close()
	<-c.done
	return nil
}
