// Per-peer request channel: a REQ socket serialized by a mutex.
//
// Failure semantics: each attempt gets a 1s send timeout and a 1s receive
// timeout; after a failed attempt the REQ socket is torn down and redialed
// (a REQ that missed its reply cannot send again). Up to 50 attempts with
// 1s spacing, then the request is reported as a hard failure and the
// enclosing broadcast continues under its own timeouts.

package transport

import (
	"fmt"
	"sync"
	"time"

	zmq "github.com/pebbe/zmq4"
)

const (
	// connectAttempts bounds the retry loop for one request.
	connectAttempts = 50

	// attemptSpacing separates consecutive attempts.
	attemptSpacing = time.Second

	// ioTimeout is the per-attempt send/receive timeout.
	ioTimeout = time.Second
)

type peerChannel struct {
	mu   sync.Mutex
	addr string
	sock *zmq.Socket
}

func newPeerChannel(addr string) *peerChannel {
	return &peerChannel{addr: addr}
}

// dial creates and connects the REQ socket. Caller holds mu.
func (c *peerChannel) dial() error {
	sock, err := zmq.NewSocket(zmq.REQ)
	if err != nil {
		return fmt.Errorf("transport: new req socket: %w", err)
	}
	if err := sock.SetSndtimeo(ioTimeout); err != nil {
		sock.Close()
		return fmt.Errorf("transport: set send timeout: %w", err)
	}
	if err := sock.SetRcvtimeo(ioTimeout); err != nil {
		sock.Close()
		return fmt.Errorf("transport: set recv timeout: %w", err)
	}
	if err := sock.SetLinger(0); err != nil {
		sock.Close()
		return fmt.Errorf("transport: set linger: %w", err)
	}
	if err := sock.Connect(c.addr); err != nil {
		sock.Close()
		return fmt.Errorf("transport: connect %s: %w", c.addr, err)
	}
	c.sock = sock
	return nil
}

// reset tears down the socket after a failed attempt. Caller holds mu.
func (c *peerChannel) reset() {
	if c.sock != nil {
		c.sock.Close()
		c.sock = nil
	}
}

// dialed reports whether the channel currently has a live socket.
func (c *peerChannel) dialed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sock != nil
}

// ensure dials the socket in the background so readiness probes see the
// channel as open before the first request uses it.
func (c *peerChannel) ensure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sock == nil {
		_ = c.dial()
	}
}

// request sends the frames and waits for the single-frame reply, holding
// the channel mutex across write and read so requests never interleave.
func (c *peerChannel) request(frames [][]byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt < connectAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(attemptSpacing)
		}
		if c.sock == nil {
			if err := c.dial(); err != nil {
				lastErr = err
				continue
			}
		}

		parts := make([]interface{}, len(frames))
		for i, f := range frames {
			parts[i] = f
		}
		if _, err := c.sock.SendMessage(parts...); err != nil {
			lastErr = fmt.Errorf("transport: send to %s: %w", c.addr, err)
			c.reset()
			continue
		}

		reply, err := c.sock.RecvMessageBytes(0)
		if err != nil {
			lastErr = fmt.Errorf("transport: recv from %s: %w", c.addr, err)
			c.reset()
			continue
		}
		if len(reply) == 0 {
			lastErr = fmt.Errorf("transport: empty reply from %s", c.addr)
			c.reset()
			continue
		}
		return reply[len(reply)-1], nil
	}
	return nil, fmt.Errorf("transport: request to %s failed after %d attempts: %w",
		c.addr, connectAttempts, lastErr)
}

// close shuts the channel down.
func (c *peerChannel) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reset()
}
