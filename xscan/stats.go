// Copyright 2018 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package xscan

import (
	"sync"
	"sync/atomic"
	"time"
)

// Stats is a snapshot of the counters of the current or last capture. They
// are reset by Grab.
type Stats struct {
	Datagrams     int64 // Datagrams received from the detector.
	GoodFrames    int64 // Frames delivered.
	DroppedFrames int64 // Unfinished frames discarded.
	LostBytes     int64 // Bytes zero-filled.
	LostPackets   int64 // Payload datagrams never received.
	Malformed     int64 // Datagrams rejected by the parser.
	MonitorErrors int64 // Headers with a non-zero monitor status.
	BufferFull    int64 // Frame pool exhaustions.
	Errors        int64 // Calls to OnError.
}

// counters is updated concurrently by the pipeline goroutines.
type counters struct {
	datagrams     int64
	goodFrames    int64
	droppedFrames int64
	lostBytes     int64
	lostPackets   int64
	malformed     int64
	monitorErrors int64
	bufferFull    int64
	errors        int64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Datagrams:     atomic.LoadInt64(&c.datagrams),
		GoodFrames:    atomic.LoadInt64(&c.goodFrames),
		DroppedFrames: atomic.LoadInt64(&c.droppedFrames),
		LostBytes:     atomic.LoadInt64(&c.lostBytes),
		LostPackets:   atomic.LoadInt64(&c.lostPackets),
		Malformed:     atomic.LoadInt64(&c.malformed),
		MonitorErrors: atomic.LoadInt64(&c.monitorErrors),
		BufferFull:    atomic.LoadInt64(&c.bufferFull),
		Errors:        atomic.LoadInt64(&c.errors),
	}
}

func (c *counters) reset() {
	for _, p := range []*int64{&c.datagrams, &c.goodFrames, &c.droppedFrames, &c.lostBytes, &c.lostPackets, &c.malformed, &c.monitorErrors, &c.bufferFull, &c.errors} {
		atomic.StoreInt64(p, 0)
	}
}

// event accounts for one event of kind e.
func (c *counters) event(e Event, n int) {
	switch e {
	case EventDataLost:
		atomic.AddInt64(&c.lostBytes, int64(n))
	case EventPacketLost:
		atomic.AddInt64(&c.lostPackets, int64(n))
	case EventFrameDropped:
		atomic.AddInt64(&c.droppedFrames, int64(n))
	case EventBufferFull:
		atomic.AddInt64(&c.bufferFull, 1)
	case EventMonitorStatus:
		atomic.AddInt64(&c.monitorErrors, 1)
	case EventMalformed:
		atomic.AddInt64(&c.malformed, int64(n))
	}
}

// RecordKind distinguishes metrics records.
type RecordKind int

// Valid values for RecordKind.
const (
	HeaderRecord RecordKind = iota
	LineRecord
)

// Record is one diagnostics record of the metrics queue.
type Record struct {
	Kind          RecordKind
	Time          time.Time
	FrameID       uint16
	LineID        uint16 // LineRecord only.
	Lost          int    // LineRecord only: bytes zero-filled in this line group.
	LineStamp     uint32 // HeaderRecord only.
	FrameSize     uint32 // HeaderRecord only.
	MonitorStatus uint32 // HeaderRecord only.
}

// DefaultMetricsDepth is the default capacity of Metrics.
const DefaultMetricsDepth = 16384

// Metrics is a bounded queue of header and line records kept for
// diagnostics. When full, the oldest records are overwritten.
type Metrics struct {
	mu      sync.Mutex
	ring    []Record
	start   int
	n       int
	dropped int
}

// NewMetrics returns a queue holding up to depth records.
func NewMetrics(depth int) *Metrics {
	if depth <= 0 {
		depth = DefaultMetricsDepth
	}
	return &Metrics{ring: make([]Record, depth)}
}

// Push appends a record.
func (m *Metrics) Push(r Record) {
	m.mu.Lock()
	if m.n == len(m.ring) {
		m.ring[m.start] = r
		m.start = (m.start + 1) % len(m.ring)
		m.dropped++
	} else {
		m.ring[(m.start+m.n)%len(m.ring)] = r
		m.n++
	}
	m.mu.Unlock()
}

// Len returns the number of queued records.
func (m *Metrics) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.n
}

// Drain returns the queued records, oldest first, and empties the queue. It
// also returns the number of records overwritten since the last Drain.
func (m *Metrics) Drain() ([]Record, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, m.n)
	for i := range out {
		out[i] = m.ring[(m.start+i)%len(m.ring)]
	}
	d := m.dropped
	m.start, m.n, m.dropped = 0, 0, 0
	return out, d
}

// Reset empties the queue.
func (m *Metrics) Reset() {
	m.mu.Lock()
	m.start, m.n, m.dropped = 0, 0, 0
	m.mu.Unlock()
}
