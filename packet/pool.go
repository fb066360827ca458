// Copyright 2018 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package packet

import (
	"context"
	"errors"
)

// Buffer is one receive slot of a Pool.
type Buffer struct {
	Data [MaxSize]byte
	N    int
}

// Bytes returns the valid part of the buffer.
func (b *Buffer) Bytes() []byte {
	return b.Data[:b.N]
}

// Pool is a fixed ring of receive buffers shared by exactly one producer
// (socket reads) and one consumer (the parser).
//
// Buffers are allocated once in NewPool and cycle between the free and the
// filled queues.
type Pool struct {
	bufs   []Buffer
	free   chan *Buffer
	filled chan *Buffer
}

// NewPool allocates n buffers.
func NewPool(n int) (*Pool, error) {
	if n <= 0 {
		return nil, errors.New("packet: pool size must be positive")
	}
	p := &Pool{
		bufs:   make([]Buffer, n),
		free:   make(chan *Buffer, n),
		filled: make(chan *Buffer, n),
	}
	for i := range p.bufs {
		p.free <- &p.bufs[i]
	}
	return p, nil
}

// Len returns the number of buffers.
func (p *Pool) Len() int {
	return len(p.bufs)
}

// Get returns a free buffer, waiting until one is recycled or ctx is done.
func (p *Pool) Get(ctx context.Context) (*Buffer, error) {
	select {
	case b := <-p.free:
		b.N = 0
		return b, nil
	default:
	}
	select {
	case b := <-p.free:
		b.N = 0
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Put queues a filled buffer for the consumer.
func (p *Pool) Put(b *Buffer) {
	p.filled <- b
}

// Next returns the oldest filled buffer, waiting until one is available or
// ctx is done.
func (p *Pool) Next(ctx context.Context) (*Buffer, error) {
	select {
	case b := <-p.filled:
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Recycle hands a consumed buffer back to the producer.
func (p *Pool) Recycle(b *Buffer) {
	p.free <- b
}

// Pending returns the number of filled buffers waiting for the consumer.
func (p *Pool) Pending() int {
	return len(p.filled)
}

// Drain recycles all filled buffers. It must only be called while neither the
// producer nor the consumer runs.
func (p *Pool) Drain() {
	for {
		select {
		case b := <-p.filled:
			p.free <- b
		default:
			return
		}
	}
}
