package vsock

import (
	"fmt"
	"net"
	"sync"

	mvsock "github.com/mdlayher/vsock"

	"github.com/kylape/fact/internal/wire"
)

// Client is the guest-side connection to the host listener. Every frame is
// acknowledged by the host before Send returns.
type Client struct {
	mu   sync.Mutex
	conn net.Conn
}

// Dial connects to the host's listener over AF_VSOCK.
func Dial(port uint32) (*Client, error) {
	if port == 0 {
		port = DefaultPort
	}
	conn, err := mvsock.Dial(mvsock.Host, port, nil)
	if err != nil {
		return nil, fmt.Errorf("dial vsock host port %d: %w", port, err)
	}
	return NewClient(conn), nil
}

// NewClient wraps an existing connection; tests use in-memory pipes.
func NewClient(conn net.Conn) *Client {
	return &Client{conn: conn}
}

// Send frames the payload, writes it, and waits for the host's ack.
func (c *Client) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := wire.WriteFrame(c.conn, payload); err != nil {
		return err
	}
	status, err := wire.ReadStatus(c.conn)
	if err != nil {
		return err
	}
	if status != wire.StatusOK {
		return fmt.Errorf("host rejected frame: %s", status)
	}
	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Close()
}

// Available reports whether the local machine has a VSOCK transport.
func Available() bool {
	_, err := mvsock.ContextID()
	return err == nil
}
