package whatsapp

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"wadispatch/internal/transport"
	logx "wadispatch/pkg/logx"
)

// Client is a transport.Client backed by one whatsmeow connection.
type Client struct {
	name      string
	cli       *whatsmeow.Client
	container *sqlstore.Container
	log       logx.Logger

	onClose   transport.CloseFunc
	closeOnce sync.Once
	closed    atomic.Bool

	connectedOnce sync.Once
	connected     chan struct{}
}

func (c *Client) SendText(ctx context.Context, to, text string) (transport.MessageRef, error) {
	jid, err := ToJID(to)
	if err != nil {
		return transport.MessageRef{}, err
	}
	if c.closed.Load() {
		return transport.MessageRef{}, fmt.Errorf("session %s: %w", c.name, transport.ErrClosed)
	}
	if !c.cli.IsConnected() {
		return transport.MessageRef{}, fmt.Errorf("session %s: %w", c.name, whatsmeow.ErrNotConnected)
	}
	resp, err := c.cli.SendMessage(ctx, jid, &waE2E.Message{Conversation: proto.String(text)})
	if err != nil {
		return transport.MessageRef{}, err
	}
	return transport.MessageRef{ID: resp.ID, To: to, Timestamp: resp.Timestamp}, nil
}

func (c *Client) Connected() bool { return !c.closed.Load() && c.cli.IsConnected() }

// Close disconnects and releases the credential store. It does not fire
// the close callback: the registry already knows.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {})
	c.closed.Store(true)
	c.cli.Disconnect()
	return c.container.Close()
}

// handleEvent is registered on the whatsmeow client. Credential updates are
// persisted by the sqlstore device itself; here we only track liveness.
func (c *Client) handleEvent(evt any) {
	switch e := evt.(type) {
	case *events.Connected:
		c.log.Info("session connected")
		c.connectedOnce.Do(func() { close(c.connected) })
	case *events.Disconnected:
		c.log.Warn("session disconnected; whatsmeow will reconnect")
	case events.PermanentDisconnect:
		reason := e.PermanentDisconnectDescription()
		c.log.Warn("session closed permanently", logx.String("reason", reason))
		c.fireClose(reason)
	}
}

func (c *Client) fireClose(reason string) {
	c.closed.Store(true)
	c.closeOnce.Do(func() {
		if c.onClose != nil {
			c.onClose(reason)
		}
	})
}

// waitConnected blocks until the first Connected event or ctx is done.
func (c *Client) waitConnected(ctx context.Context) error {
	select {
	case <-c.connected:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("session %s: waiting for connection: %w", c.name, context.Cause(ctx))
	}
}

var _ transport.Client = (*Client)(nil)
