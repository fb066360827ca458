// Copyright 2018 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package frame

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// ErrExhausted is returned by PutLine when the next slot is still borrowed by
// the consumer.
var ErrExhausted = errors.New("frame: pool exhausted")

// Pool is a fixed ring of preallocated frames.
//
// One producer writes lines with PutLine. Once a frame is complete its index
// is handed to one consumer, which reads Frame(i) and calls Release(i). A slot
// is busy from its first line until it is released or discarded; the
// producer never writes into a busy slot, so the depth bounds how far it may
// run ahead.
type Pool struct {
	frames []Frame
	busy   []int32
	cur    int // Slot being written.
	line   int // Next line in the current slot.
}

// NewPool allocates depth frames of the given geometry. dataOffset bytes are
// reserved at the start of each line.
func NewPool(width, height, depth, dataOffset, n int) (*Pool, error) {
	if width <= 0 || height <= 0 || depth <= 0 || dataOffset < 0 {
		return nil, fmt.Errorf("frame: invalid geometry %dx%d@%d+%d", width, height, depth, dataOffset)
	}
	if n <= 0 {
		return nil, errors.New("frame: pool depth must be positive")
	}
	p := &Pool{frames: make([]Frame, n), busy: make([]int32, n)}
	for i := range p.frames {
		p.frames[i] = *New(width, height, depth, dataOffset)
	}
	return p, nil
}

// Len returns the pool depth.
func (p *Pool) Len() int {
	return len(p.frames)
}

// Frame returns the frame at index i.
//
// The consumer may only read a frame between its completion and Release.
func (p *Pool) Frame(i int) *Frame {
	return &p.frames[i]
}

// Line returns the line number that the next PutLine call writes.
func (p *Pool) Line() int {
	return p.line
}

// PutLine copies one line of pixel cells into the current frame. A short
// line is zero padded.
//
// It returns the slot index and whether this line completed the frame. When
// the line is the first of a frame and the slot is still busy, ErrExhausted
// is returned and nothing is written.
func (p *Pool) PutLine(data []byte) (int, bool, error) {
	if p.line == 0 && !atomic.CompareAndSwapInt32(&p.busy[p.cur], 0, 1) {
		return p.cur, false, ErrExhausted
	}
	f := &p.frames[p.cur]
	row := f.Row(p.line)
	n := copy(row, data)
	for i := n; i < len(row); i++ {
		row[i] = 0
	}
	p.line++
	if p.line < f.Height {
		return p.cur, false, nil
	}
	i := p.cur
	p.line = 0
	p.cur = (p.cur + 1) % len(p.frames)
	return i, true, nil
}

// Discard drops the frame being written, if any, and frees its slot.
//
// It returns true if a partial frame was dropped.
func (p *Pool) Discard() bool {
	if p.line == 0 {
		return false
	}
	p.line = 0
	atomic.StoreInt32(&p.busy[p.cur], 0)
	return true
}

// Release hands slot i back to the producer.
func (p *Pool) Release(i int) {
	atomic.StoreInt32(&p.busy[i], 0)
}

// Free returns the number of slots not currently busy.
func (p *Pool) Free() int {
	n := 0
	for i := range p.busy {
		if atomic.LoadInt32(&p.busy[i]) == 0 {
			n++
		}
	}
	return n
}

// Reset frees all the slots and rewinds to slot 0. It must only be called
// while neither the producer nor the consumer runs.
func (p *Pool) Reset() {
	for i := range p.busy {
		atomic.StoreInt32(&p.busy[i], 0)
	}
	p.cur = 0
	p.line = 0
}
