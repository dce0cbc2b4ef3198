package replication

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"sync"
)

// streamConn wraps a net.Conn with newline-delimited JSON framing. Sends
// are serialized with a mutex since the leader's live-stream writer and
// ack-reader run on separate goroutines over the same connection;
// reads are only ever performed by one goroutine at a time by
// convention, same as the teacher's client (one Execute call in flight
// per connection).
type streamConn struct {
	nc net.Conn
	r  *bufio.Reader

	wmu sync.Mutex
	w   *bufio.Writer
}

func newStreamConn(nc net.Conn) *streamConn {
	return &streamConn{nc: nc, r: bufio.NewReader(nc), w: bufio.NewWriter(nc)}
}

func (c *streamConn) send(t frameType, payload any) error {
	f, err := encodeFrame(t, payload)
	if err != nil {
		return fmt.Errorf("replication: encode %s: %w", t, err)
	}
	line, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("replication: marshal frame: %w", err)
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.w.Write(line); err != nil {
		return fmt.Errorf("replication: write: %w", err)
	}
	if err := c.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("replication: write newline: %w", err)
	}
	return c.w.Flush()
}

func (c *streamConn) recv() (frame, error) {
	line, err := c.r.ReadBytes('\n')
	if err != nil {
		return frame{}, err
	}
	var f frame
	if err := json.Unmarshal(line, &f); err != nil {
		return frame{}, fmt.Errorf("replication: decode frame: %w", err)
	}
	return f, nil
}

func (c *streamConn) Close() error { return c.nc.Close() }
