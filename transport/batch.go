// Copyright 2018 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package transport

import (
	"net"
	"time"

	"golang.org/x/net/ipv4"
)

// batch reads many datagrams per system call.
//
// The message array is registered once and reused for every call, similar to
// a completion queue of preposted receive requests.
type batch struct {
	conn    *net.UDPConn
	pc      *ipv4.PacketConn
	peer    net.IP
	timeout time.Duration
	msgs    []ipv4.Message
}

func newBatch(u *net.UDPConn, peer net.IP, timeout time.Duration, n int) *batch {
	b := &batch{
		conn:    u,
		pc:      ipv4.NewPacketConn(u),
		peer:    peer,
		timeout: timeout,
		msgs:    make([]ipv4.Message, n),
	}
	for i := range b.msgs {
		b.msgs[i].Buffers = make([][]byte, 1)
	}
	return b
}

func (b *batch) String() string {
	return "Batch(" + b.conn.LocalAddr().String() + ")"
}

func (b *batch) LocalAddr() net.Addr {
	return b.conn.LocalAddr()
}

func (b *batch) Close() error {
	return b.pc.Close()
}

func (b *batch) ReadBatch(bufs [][]byte, sizes []int) (int, error) {
	n := len(bufs)
	if n > len(b.msgs) {
		n = len(b.msgs)
	}
	if n == 0 {
		return 0, nil
	}
	msgs := b.msgs[:n]
	for i := range msgs {
		msgs[i].Buffers[0] = bufs[i]
		msgs[i].N = 0
		msgs[i].Addr = nil
	}
	if err := b.pc.SetReadDeadline(time.Now().Add(b.timeout)); err != nil {
		return 0, err
	}
	got, err := b.pc.ReadBatch(msgs, 0)
	if err != nil {
		return 0, wrapErr(err)
	}
	valid := 0
	for i := 0; i < got; i++ {
		sizes[i] = msgs[i].N
		if b.peer != nil {
			if a, ok := msgs[i].Addr.(*net.UDPAddr); ok && !a.IP.Equal(b.peer) {
				sizes[i] = 0
				continue
			}
		}
		valid++
	}
	if valid == 0 {
		return 0, ErrTimeout
	}
	return got, nil
}
