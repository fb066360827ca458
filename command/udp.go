// Copyright 2018 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package command

import (
	"fmt"
	"net"
	"time"

	"periph.io/x/periph/conn"
)

// DefaultTimeout is the default time to wait for a response.
const DefaultTimeout = 500 * time.Millisecond

// UDPConn is a conn.Conn to the command port of a detector.
type UDPConn struct {
	conn    *net.UDPConn
	timeout time.Duration
	buf     [respHeader + MaxData + crcSize]byte
}

// DialUDP connects to remote ("ip:port") from local, which may be empty.
func DialUDP(local, remote string, timeout time.Duration) (*UDPConn, error) {
	r, err := net.ResolveUDPAddr("udp4", remote)
	if err != nil {
		return nil, err
	}
	var l *net.UDPAddr
	if local != "" {
		if l, err = net.ResolveUDPAddr("udp4", local); err != nil {
			return nil, err
		}
	}
	c, err := net.DialUDP("udp4", l, r)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &UDPConn{conn: c, timeout: timeout}, nil
}

func (u *UDPConn) String() string {
	return "udp(" + u.conn.RemoteAddr().String() + ")"
}

// Duplex implements conn.Conn.
func (u *UDPConn) Duplex() conn.Duplex {
	return conn.Half
}

// Tx sends w as one datagram then, if r is not empty, waits for one datagram
// of up to len(r) bytes. A shorter datagram, like an error response without
// data, is copied at the start of r and the rest of r is zeroed.
//
// It is not safe for concurrent use; Channel serializes calls.
func (u *UDPConn) Tx(w, r []byte) error {
	if _, err := u.conn.Write(w); err != nil {
		return err
	}
	if len(r) == 0 {
		return nil
	}
	if err := u.conn.SetReadDeadline(time.Now().Add(u.timeout)); err != nil {
		return err
	}
	n, err := u.conn.Read(u.buf[:])
	if err != nil {
		if e, ok := err.(net.Error); ok && e.Timeout() {
			return ErrTimeout
		}
		return err
	}
	if n > len(r) {
		return fmt.Errorf("command: response of %d bytes, expected at most %d", n, len(r))
	}
	copy(r, u.buf[:n])
	for i := n; i < len(r); i++ {
		r[i] = 0
	}
	return nil
}

// Close closes the socket.
func (u *UDPConn) Close() error {
	return u.conn.Close()
}

var _ conn.Conn = &UDPConn{}
