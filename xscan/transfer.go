// Copyright 2018 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package xscan

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maruel/go-xscan/frame"
)

// Transfer hands completed frames from a frame.Pool to a FrameSink.
//
// The parser pushes the index of each completed slot; Run borrows the frame,
// calls OnFrameReady then releases the slot. Transfer also owns the metrics
// queue and the capture counters so that everything reported to the sink is
// accounted in one place.
type Transfer struct {
	pool    *frame.Pool
	sink    FrameSink
	metrics *Metrics
	ready   chan int
	stats   counters

	lineInfo int32
	lastErr  int32
	onError  func(Code) // Optional, set before Run.

	mu        sync.Mutex
	delivered int
	last      *frame.Frame
	hasLast   bool
}

// NewTransfer returns a Transfer delivering frames of pool to sink.
func NewTransfer(pool *frame.Pool, sink FrameSink, metrics *Metrics) *Transfer {
	if metrics == nil {
		metrics = NewMetrics(0)
	}
	f := pool.Frame(0)
	return &Transfer{
		pool:    pool,
		sink:    sink,
		metrics: metrics,
		ready:   make(chan int, pool.Len()),
		last:    frame.New(f.Width, f.Height, f.Depth, f.Offset),
	}
}

// Run delivers frames until target frames were delivered, or until ctx is
// done. A target of 0 means until ctx is done. Frames still queued when ctx
// is done are released without being delivered.
//
// OnFrameComplete is called exactly once, just before returning. Run returns
// true if the target was reached.
func (t *Transfer) Run(ctx context.Context, target int) bool {
	defer t.Complete()
	return t.Deliver(ctx, target)
}

// Deliver is Run without the call to OnFrameComplete, for callers that must
// quiesce the producers first.
func (t *Transfer) Deliver(ctx context.Context, target int) bool {
	for {
		select {
		case <-ctx.Done():
			t.drop()
			return false
		case i := <-t.ready:
			// Prefer stopping over delivering when both are ready.
			if ctx.Err() != nil {
				t.pool.Release(i)
				t.drop()
				return false
			}
			if t.deliver(i) == target && target != 0 {
				return true
			}
		}
	}
}

// Complete calls OnFrameComplete.
func (t *Transfer) Complete() {
	t.sink.OnFrameComplete()
}

// PushFrame queues a completed slot for delivery.
func (t *Transfer) PushFrame(i int) {
	// The channel holds as many entries as the pool has slots and a slot is
	// only pushed once until released, so this never blocks.
	t.ready <- i
}

// Frame returns the frame in slot i of the pool.
func (t *Transfer) Frame(i int) *frame.Frame {
	return t.pool.Frame(i)
}

// LastFrame returns a copy of the last delivered frame, or nil.
func (t *Transfer) LastFrame() *frame.Frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.hasLast {
		return nil
	}
	return t.last.Clone()
}

// Delivered returns the number of frames delivered since the last Reset.
func (t *Transfer) Delivered() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.delivered
}

// Metrics returns the diagnostics queue.
func (t *Transfer) Metrics() *Metrics {
	return t.metrics
}

// EnableLineInfo enables line records in the metrics queue.
func (t *Transfer) EnableLineInfo(on bool) {
	v := int32(0)
	if on {
		v = 1
	}
	atomic.StoreInt32(&t.lineInfo, v)
}

// LineInfo returns true if line records are collected.
func (t *Transfer) LineInfo() bool {
	return atomic.LoadInt32(&t.lineInfo) != 0
}

// Event accounts for an event and forwards it to the sink.
func (t *Transfer) Event(e Event, n int) {
	t.stats.event(e, n)
	t.sink.OnEvent(e, n)
}

// Error records code as the last error and forwards it to the sink.
func (t *Transfer) Error(code Code, msg string) {
	atomic.AddInt64(&t.stats.errors, 1)
	atomic.StoreInt32(&t.lastErr, int32(code))
	if t.onError != nil {
		t.onError(code)
	}
	log.Printf("xscan: %s: %s", code, msg)
	t.sink.OnError(code, msg)
}

// LastError returns the last error code recorded.
func (t *Transfer) LastError() Code {
	return Code(atomic.LoadInt32(&t.lastErr))
}

// Stats returns a snapshot of the counters.
func (t *Transfer) Stats() Stats {
	return t.stats.snapshot()
}

// Reset drops queued frames and clears the metrics, the counters and the
// last error. It must not be called while Run is running.
func (t *Transfer) Reset() {
	t.drop()
	t.metrics.Reset()
	t.stats.reset()
	atomic.StoreInt32(&t.lastErr, int32(CodeOK))
	t.mu.Lock()
	t.delivered = 0
	t.mu.Unlock()
}

func (t *Transfer) header(id uint16, stamp, size, status uint32) {
	t.metrics.Push(Record{Kind: HeaderRecord, Time: time.Now(), FrameID: id, LineStamp: stamp, FrameSize: size, MonitorStatus: status})
}

func (t *Transfer) line(id, line uint16, lost int) {
	t.metrics.Push(Record{Kind: LineRecord, Time: time.Now(), FrameID: id, LineID: line, Lost: lost})
}

func (t *Transfer) deliver(i int) int {
	f := t.pool.Frame(i)
	t.mu.Lock()
	f.Seq = t.delivered
	copy(t.last.Pix, f.Pix)
	t.last.ID, t.last.Seq, t.last.Lost, t.last.Timestamp = f.ID, f.Seq, f.Lost, f.Timestamp
	t.hasLast = true
	t.mu.Unlock()

	t.sink.OnFrameReady(f)
	t.pool.Release(i)
	atomic.AddInt64(&t.stats.goodFrames, 1)

	t.mu.Lock()
	t.delivered++
	n := t.delivered
	t.mu.Unlock()
	return n
}

func (t *Transfer) drop() {
	for {
		select {
		case i := <-t.ready:
			t.pool.Release(i)
		default:
			return
		}
	}
}
