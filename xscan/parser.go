// Copyright 2018 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package xscan

import (
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/maruel/go-xscan/frame"
	"github.com/maruel/go-xscan/packet"
)

// ParserKind selects a Parser implementation.
type ParserKind int

// Valid values for ParserKind.
const (
	// HeaderAware starts a frame only on a header datagram and validates its
	// announced size.
	HeaderAware ParserKind = iota
	// Raw ignores header datagrams and starts a frame on the first payload of
	// line 0 with a new frame_id.
	Raw
)

func (p ParserKind) String() string {
	switch p {
	case HeaderAware:
		return "HeaderAware"
	case Raw:
		return "Raw"
	default:
		return "ParserKind(" + strconv.Itoa(int(p)) + ")"
	}
}

// Parser turns datagrams into lines of a frame.Pool.
//
// Lines are written in increasing order. Missing packets and missing line
// groups are zero-filled so every line keeps its full length; the loss is
// reported once per datagram that revealed it. A frame that is still
// unfinished when the next one starts is discarded.
type Parser interface {
	// Parse consumes one datagram. It returns frame.ErrExhausted when the
	// frame pool has no free slot, which ends the capture. Every other
	// problem is reported through the Transfer and Parse keeps going.
	Parse(b []byte) error
	// Reset forgets any frame in progress. The frame pool must be reset
	// separately.
	Reset()
}

// NewParser returns a Parser of the requested kind writing into pool and
// reporting to t.
func NewParser(kind ParserKind, l packet.Layout, pool *frame.Pool, t *Transfer) (Parser, error) {
	if f := pool.Frame(0); f.Height != l.Height || f.Width*f.PixelBytes() != l.LineBytes {
		return nil, fmt.Errorf("xscan: layout %d lines of %d bytes does not match frames %dx%d", l.Height, l.LineBytes, f.Width, f.Height)
	}
	switch kind {
	case HeaderAware:
		return newAssembler(l, pool, t, false), nil
	case Raw:
		return newAssembler(l, pool, t, true), nil
	default:
		return nil, fmt.Errorf("xscan: unknown parser %s", kind)
	}
}

// assembler implements both parsers; raw selects how frames start.
type assembler struct {
	layout packet.Layout
	pool   *frame.Pool
	out    *Transfer
	raw    bool
	group  []byte
	h      packet.Header

	synced       bool // A frame is in progress.
	everSynced   bool
	frameID      uint16
	start        time.Time
	nextGroup    int  // Next group to write to the pool.
	open         bool // nextGroup received at least one packet.
	nextPacket   int
	frameLost    int
	groupLost    int
	skipping     bool // Datagrams of skipID are ignored.
	skipID       uint16
	sizeReported bool

	// Loss found while handling the current datagram.
	lostBytes   int
	lostPackets int
}

func newAssembler(l packet.Layout, pool *frame.Pool, t *Transfer, raw bool) *assembler {
	return &assembler{
		layout: l,
		pool:   pool,
		out:    t,
		raw:    raw,
		group:  make([]byte, l.GroupBytes),
	}
}

func (a *assembler) Parse(b []byte) error {
	atomic.AddInt64(&a.out.stats.datagrams, 1)
	p, err := packet.Decode(b, &a.h)
	if err != nil {
		a.out.Event(EventMalformed, 1)
		return nil
	}
	if a.h.IsHeader {
		a.onHeader()
	} else {
		err = a.onPayload(p)
	}
	if a.lostBytes != 0 {
		a.out.Event(EventDataLost, a.lostBytes)
		a.out.Event(EventPacketLost, a.lostPackets)
		a.lostBytes = 0
		a.lostPackets = 0
	}
	return err
}

func (a *assembler) Reset() {
	*a = assembler{layout: a.layout, pool: a.pool, out: a.out, raw: a.raw, group: a.group}
}

func (a *assembler) onHeader() {
	h := &a.h
	a.out.header(h.FrameID, h.LineStamp, h.FrameSize, h.MonitorStatus)
	if h.MonitorStatus != 0 {
		a.out.Event(EventMonitorStatus, int(h.MonitorStatus))
	}
	if a.raw {
		return
	}
	if a.synced {
		a.drop()
	}
	a.skipping = false
	if want := a.layout.Height * a.layout.LineBytes; h.FrameSize != 0 && int64(h.FrameSize) != int64(want) {
		if !a.sizeReported {
			a.sizeReported = true
			a.out.Error(CodeFrameSize, fmt.Sprintf("frame %d announces %d bytes, expected %d", h.FrameID, h.FrameSize, want))
		}
		a.skipping = true
		a.skipID = h.FrameID
		a.out.Event(EventFrameDropped, 1)
		return
	}
	a.begin(h.FrameID)
}

func (a *assembler) onPayload(p []byte) error {
	h := &a.h
	l := &a.layout
	g := int(h.LineID) / l.GroupLines
	k := int(h.PacketID)
	if int(h.LineID)%l.GroupLines != 0 || g >= l.GroupCount || k >= l.PacketCount || len(p) != l.PacketSize(k) {
		a.out.Event(EventMalformed, 1)
		return nil
	}
	if a.synced && h.FrameID != a.frameID {
		// The header of the next frame was lost.
		a.drop()
	}
	if !a.synced {
		if a.skipping && a.skipID == h.FrameID {
			return nil
		}
		if a.raw {
			if g != 0 {
				return nil
			}
			a.begin(h.FrameID)
		} else {
			if a.everSynced {
				a.out.Event(EventFrameDropped, 1)
			}
			a.skipping = true
			a.skipID = h.FrameID
			return nil
		}
	}
	if g < a.nextGroup || (g == a.nextGroup && a.open && k < a.nextPacket) {
		// Late or duplicate; its loss was already accounted for.
		return nil
	}
	for a.nextGroup < g {
		if a.open {
			a.zero(a.nextPacket*l.MaxPayload, l.GroupBytes, l.PacketCount-a.nextPacket)
		} else {
			a.zero(0, l.GroupBytes, l.PacketCount)
		}
		if err := a.forward(); err != nil {
			return err
		}
	}
	if !a.open {
		a.open = true
		a.nextPacket = 0
	}
	if k > a.nextPacket {
		a.zero(a.nextPacket*l.MaxPayload, k*l.MaxPayload, k-a.nextPacket)
	}
	copy(a.group[k*l.MaxPayload:], p)
	a.nextPacket = k + 1
	if a.nextPacket == l.PacketCount {
		return a.forward()
	}
	return nil
}

func (a *assembler) begin(id uint16) {
	a.synced = true
	a.everSynced = true
	a.skipping = false
	a.frameID = id
	a.start = time.Now()
	a.nextGroup = 0
	a.open = false
	a.nextPacket = 0
	a.frameLost = 0
	a.groupLost = 0
}

// drop discards the frame in progress.
func (a *assembler) drop() {
	a.pool.Discard()
	a.synced = false
	a.out.Event(EventFrameDropped, 1)
}

func (a *assembler) zero(from, to, packets int) {
	z := a.group[from:to]
	for i := range z {
		z[i] = 0
	}
	a.lostBytes += to - from
	a.lostPackets += packets
	a.frameLost += to - from
	a.groupLost += to - from
}

// forward writes group nextGroup to the pool.
func (a *assembler) forward() error {
	l := &a.layout
	lineInfo := a.out.LineInfo()
	for i := 0; i < l.GroupLines; i++ {
		idx, done, err := a.pool.PutLine(a.group[i*l.LineBytes : (i+1)*l.LineBytes])
		if err != nil {
			a.out.Error(CodePoolExhausted, fmt.Sprintf("no free frame buffer for frame %d", a.frameID))
			a.out.Event(EventBufferFull, a.pool.Len())
			a.synced = false
			a.skipping = true
			a.skipID = a.frameID
			return err
		}
		if lineInfo {
			a.out.line(a.frameID, uint16(a.nextGroup*l.GroupLines+i), a.groupLost)
		}
		if done {
			a.finish(idx)
		}
	}
	a.nextGroup++
	a.open = false
	a.nextPacket = 0
	a.groupLost = 0
	return nil
}

func (a *assembler) finish(idx int) {
	f := a.pool.Frame(idx)
	f.ID = a.frameID
	f.Lost = a.frameLost
	f.Timestamp = a.start
	f.Corrected = false
	a.synced = false
	a.skipping = true
	a.skipID = a.frameID
	a.out.PushFrame(idx)
}
