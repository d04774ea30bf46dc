// Package devicesim simulates devices walking around and streaming position
// reports to a pairing server, for load and field-behavior testing.
package devicesim

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/proxipair/pairing-server/internal/protocol"
)

// Client is one simulated device connection. Incoming messages are routed to
// handlers by type from a background read loop.
type Client struct {
	conn      net.Conn
	writeMu   sync.Mutex
	connID    chan string
	handlers  map[string]func(json.RawMessage)
	done      chan struct{}
	closeOnce sync.Once

	ConnectLatency time.Duration
}

// Dial connects to a pairing server. Handlers must be registered with On
// before Start.
func Dial(ctx context.Context, url string) (*Client, error) {
	start := time.Now()
	conn, br, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("devicesim: dial %s: %w", url, err)
	}
	if br != nil {
		// Frames sent right after the handshake are already buffered in br.
		conn = &handshakeConn{Conn: conn, br: br}
	}
	return &Client{
		conn:           conn,
		connID:         make(chan string, 1),
		handlers:       make(map[string]func(json.RawMessage)),
		done:           make(chan struct{}),
		ConnectLatency: time.Since(start),
	}, nil
}

// On registers the handler for a server message type.
func (c *Client) On(msgType string, handler func(json.RawMessage)) {
	c.handlers[msgType] = handler
}

// Start begins reading server messages.
func (c *Client) Start() {
	go c.readLoop()
}

// WaitConnected blocks until the server acknowledges the connection and
// returns the assigned connection id.
func (c *Client) WaitConnected(ctx context.Context) (string, error) {
	select {
	case id := <-c.connID:
		return id, nil
	case <-c.done:
		return "", fmt.Errorf("devicesim: connection closed before acknowledgement")
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Send writes msg as a JSON text frame.
func (c *Client) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("devicesim: marshal: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteClientMessage(c.conn, ws.OpText, data)
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close closes the connection. It is safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// handshakeConn drains the reader returned by the dial before reading from
// the socket again. Only the read loop reads from it.
type handshakeConn struct {
	net.Conn
	br *bufio.Reader
}

func (c *handshakeConn) Read(p []byte) (int, error) {
	if c.br != nil {
		if c.br.Buffered() > 0 {
			return c.br.Read(p)
		}
		ws.PutReader(c.br)
		c.br = nil
	}
	return c.Conn.Read(p)
}

func (c *Client) readLoop() {
	defer c.Close()
	for {
		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			return
		}

		var env struct {
			Type         string `json:"type"`
			ConnectionID string `json:"connection_id"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		if env.Type == protocol.TypeConnected {
			select {
			case c.connID <- env.ConnectionID:
			default:
			}
		}
		if handler, ok := c.handlers[env.Type]; ok {
			handler(json.RawMessage(data))
		}
	}
}
