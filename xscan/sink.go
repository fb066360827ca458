// Copyright 2018 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package xscan

import (
	"strconv"

	"github.com/maruel/go-xscan/frame"
)

// Code identifies an error reported through FrameSink.OnError.
type Code int

// Valid values for Code.
const (
	CodeOK Code = iota
	CodeOpenSocket
	CodeRecv
	CodeFrameSize
	CodePoolExhausted
	CodeStopTimeout
	CodeCommand
)

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "OK"
	case CodeOpenSocket:
		return "OpenSocket"
	case CodeRecv:
		return "Recv"
	case CodeFrameSize:
		return "FrameSize"
	case CodePoolExhausted:
		return "PoolExhausted"
	case CodeStopTimeout:
		return "StopTimeout"
	case CodeCommand:
		return "Command"
	default:
		return "Code(" + strconv.Itoa(int(c)) + ")"
	}
}

// Event identifies a protocol event reported through FrameSink.OnEvent.
type Event int

// Valid values for Event. The unit of the data passed along is documented on
// each kind.
const (
	EventDataLost      Event = iota + 1 // Bytes zero-filled, once per datagram revealing a gap.
	EventPacketLost                     // Packets missing, sent right after EventDataLost.
	EventFrameDropped                   // Unfinished frames discarded, always 1.
	EventBufferFull                     // Frame pool depth when the producer caught up with the consumer.
	EventMonitorStatus                  // Non-zero monitor_status word of a header.
	EventMalformed                      // Datagrams dropped as malformed, always 1.
)

func (e Event) String() string {
	switch e {
	case EventDataLost:
		return "DataLost"
	case EventPacketLost:
		return "PacketLost"
	case EventFrameDropped:
		return "FrameDropped"
	case EventBufferFull:
		return "BufferFull"
	case EventMonitorStatus:
		return "MonitorStatus"
	case EventMalformed:
		return "Malformed"
	default:
		return "Event(" + strconv.Itoa(int(e)) + ")"
	}
}

// FrameSink is implemented by the application to receive the output of a
// capture.
//
// OnEvent is called from the parse goroutine. OnError is called from the
// parse goroutine, from the receive goroutine for socket errors and from the
// goroutine calling Open, Stop or a parameter method of the Acquisition.
// OnFrameReady and OnFrameComplete are called from the transfer goroutine.
// All must return quickly.
type FrameSink interface {
	OnError(code Code, msg string)
	OnEvent(e Event, n int)
	// OnFrameReady is called for each complete frame in arrival order. The
	// frame is borrowed from the pool until the call returns; use Clone to
	// keep it.
	OnFrameReady(f *frame.Frame)
	// OnFrameComplete is called exactly once per Grab, after the last
	// OnFrameReady.
	OnFrameComplete()
}
