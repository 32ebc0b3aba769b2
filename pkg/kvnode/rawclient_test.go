package kvnode

import (
	"net"
	"sync"
	"testing"

	"github.com/Voskan/mica-node/internal/wire"
)

// rawClient is a bare UDP socket standing in for a client process: it has
// no Worker, no CacheIndex, nothing but a listener, so tests can assert on
// exactly what a node writes back to a client address.
type rawClient struct {
	conn *net.UDPConn

	mu   sync.Mutex
	resp *wire.Response
}

func newRawClient(t *testing.T) (*rawClient, error) {
	t.Helper()
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, err
	}
	c := &rawClient{conn: conn}
	t.Cleanup(func() { _ = conn.Close() })
	go c.readLoop()
	return c, nil
}

func (c *rawClient) readLoop() {
	buf := make([]byte, 4096)
	for {
		n, err := c.conn.Read(buf)
		if err != nil {
			return
		}
		resp, err := wire.DecodeResponse(buf[:n])
		if err != nil {
			continue
		}
		c.mu.Lock()
		c.resp = &resp
		c.mu.Unlock()
	}
}

func (c *rawClient) addr() wire.Address {
	return wire.Address(c.conn.LocalAddr().String())
}

func (c *rawClient) received() *wire.Response {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resp
}
