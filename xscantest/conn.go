// Copyright 2018 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package xscantest

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/maruel/go-xscan/transport"
)

// Conn is an in-memory transport.Conn. Datagrams queued with Send are
// returned by ReadBatch in order.
type Conn struct {
	// Timeout bounds ReadBatch when nothing is queued.
	Timeout time.Duration

	mu     sync.Mutex
	queue  [][]byte
	closed bool
	notify chan struct{}
	// Drained is signaled each time ReadBatch empties the queue.
	drained chan struct{}
}

// NewConn returns an empty Conn.
func NewConn() *Conn {
	return &Conn{
		Timeout: 10 * time.Millisecond,
		notify:  make(chan struct{}, 1),
		drained: make(chan struct{}, 1),
	}
}

// Listen implements the signature of xscan.Options.Listen.
func (c *Conn) Listen(*transport.Config) (transport.Conn, error) {
	return c, nil
}

// Send queues datagrams.
func (c *Conn) Send(datagrams ...[]byte) {
	c.mu.Lock()
	c.queue = append(c.queue, datagrams...)
	c.mu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// Drained returns a channel signaled when the queue was emptied.
func (c *Conn) Drained() <-chan struct{} {
	return c.drained
}

// Pending returns the number of queued datagrams.
func (c *Conn) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

func (c *Conn) String() string {
	return "xscantest.Conn"
}

// LocalAddr implements transport.Conn.
func (c *Conn) LocalAddr() net.Addr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)}
}

// ReadBatch implements transport.Conn.
func (c *Conn) ReadBatch(bufs [][]byte, sizes []int) (int, error) {
	deadline := time.NewTimer(c.Timeout)
	defer deadline.Stop()
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return 0, io.ErrClosedPipe
		}
		n := 0
		for ; n < len(bufs) && len(c.queue) != 0; n++ {
			sizes[n] = copy(bufs[n], c.queue[0])
			c.queue[0] = nil
			c.queue = c.queue[1:]
		}
		empty := len(c.queue) == 0
		c.mu.Unlock()
		if n != 0 {
			if empty {
				select {
				case c.drained <- struct{}{}:
				default:
				}
			}
			return n, nil
		}
		select {
		case <-c.notify:
		case <-deadline.C:
			return 0, transport.ErrTimeout
		}
	}
}

// Close implements transport.Conn.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return io.ErrClosedPipe
	}
	c.closed = true
	return nil
}

var _ transport.Conn = &Conn{}
