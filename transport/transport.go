// Copyright 2018 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package transport receives image datagrams from a detector.
//
// Two implementations exist behind Conn: Blocking reads one datagram per
// system call, Batch reads up to a batch of datagrams per system call
// (recvmmsg on Linux) to sustain higher packet rates.
package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"
)

// Defaults.
const (
	DefaultRecvBuffer  = 8 * 1024 * 1024
	DefaultRecvTimeout = 100 * time.Millisecond
	DefaultBatchSize   = 64
)

// ErrTimeout is returned when no datagram arrived within the receive timeout.
var ErrTimeout = errors.New("transport: receive timeout")

// Kind selects the implementation.
type Kind int

// Valid values for Kind.
const (
	Blocking Kind = iota
	Batch
)

func (k Kind) String() string {
	switch k {
	case Blocking:
		return "Blocking"
	case Batch:
		return "Batch"
	default:
		return "Kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Conn receives datagrams.
type Conn interface {
	io.Closer
	fmt.Stringer
	// ReadBatch reads up to len(bufs) datagrams, storing the size of each in
	// sizes. It returns the number of entries used, or ErrTimeout if none
	// arrived within the receive timeout. Datagrams from an unexpected peer
	// have a size of 0.
	ReadBatch(bufs [][]byte, sizes []int) (int, error)
	// LocalAddr returns the bound address.
	LocalAddr() net.Addr
}

// Config configures a Conn.
type Config struct {
	Kind        Kind
	LocalAddr   string        // host:port to bind to.
	Peer        string        // If set, datagrams from other IPs are dropped.
	RecvBuffer  int           // SO_RCVBUF; 0 means DefaultRecvBuffer.
	RecvTimeout time.Duration // 0 means DefaultRecvTimeout.
	BatchSize   int           // Datagrams per system call for Batch; 0 means DefaultBatchSize.
}

// Open binds a socket as described by c.
func Open(c *Config) (Conn, error) {
	addr, err := net.ResolveUDPAddr("udp4", c.LocalAddr)
	if err != nil {
		return nil, err
	}
	var peer net.IP
	if c.Peer != "" {
		if peer = net.ParseIP(c.Peer); peer == nil {
			return nil, fmt.Errorf("transport: invalid peer %q", c.Peer)
		}
	}
	u, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, err
	}
	size := c.RecvBuffer
	if size == 0 {
		size = DefaultRecvBuffer
	}
	if err := u.SetReadBuffer(size); err != nil {
		u.Close()
		return nil, err
	}
	timeout := c.RecvTimeout
	if timeout == 0 {
		timeout = DefaultRecvTimeout
	}
	switch c.Kind {
	case Blocking:
		return &blocking{conn: u, peer: peer, timeout: timeout}, nil
	case Batch:
		n := c.BatchSize
		if n == 0 {
			n = DefaultBatchSize
		}
		return newBatch(u, peer, timeout, n), nil
	default:
		u.Close()
		return nil, fmt.Errorf("transport: unknown kind %s", c.Kind)
	}
}

// blocking reads one datagram at a time.
type blocking struct {
	conn    *net.UDPConn
	peer    net.IP
	timeout time.Duration
}

func (b *blocking) String() string {
	return "Blocking(" + b.conn.LocalAddr().String() + ")"
}

func (b *blocking) LocalAddr() net.Addr {
	return b.conn.LocalAddr()
}

func (b *blocking) Close() error {
	return b.conn.Close()
}

func (b *blocking) ReadBatch(bufs [][]byte, sizes []int) (int, error) {
	if len(bufs) == 0 {
		return 0, nil
	}
	if err := b.conn.SetReadDeadline(time.Now().Add(b.timeout)); err != nil {
		return 0, err
	}
	for {
		n, from, err := b.conn.ReadFromUDP(bufs[0])
		if err != nil {
			return 0, wrapErr(err)
		}
		if b.peer != nil && !from.IP.Equal(b.peer) {
			continue
		}
		sizes[0] = n
		return 1, nil
	}
}

func wrapErr(err error) error {
	if e, ok := err.(net.Error); ok && e.Timeout() {
		return ErrTimeout
	}
	return err
}
