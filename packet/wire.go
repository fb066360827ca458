// Copyright 2018 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package packet decodes the image datagrams sent by the detector and
// implements a fixed pool of receive buffers.
//
// Two datagram kinds exist. A header announces a frame:
//
//   [0:2]   sync 0xBCBC
//   [2]     cmd flag 0xE1
//   [3:5]   frame id
//   [5:9]   line stamp
//   [9:13]  frame size in bytes
//   [13:17] monitor status
//   [22:24] trailer 0xFCFC
//
// A payload carries pixels for a line group:
//
//   [0:2]   sync 0xBCBC
//   [2]     cmd flag 0xE2
//   [3:5]   frame id
//   [5:7]   line id, first line of the group
//   [7]     packet id within the group
//   [8:10]  payload size
//   [10:]   payload
//
// All fields are big endian.
package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Byte positions.
const (
	posCmd           = 2
	posFrameID       = 3
	posLineStamp     = 5
	posFrameSize     = 9
	posMonitorStatus = 13
	posTrailer       = 22
	posLineID        = 5
	posPacketID      = 7
	posPayloadSize   = 8

	// PayloadOffset is where pixel data starts in a payload datagram.
	PayloadOffset = 10
	// HeaderSize is the size of a header datagram.
	HeaderSize = 24
	// MaxSize is the largest datagram accepted.
	MaxSize = 9 * 1024
)

// Magic values.
const (
	Sync       = 0xBCBC
	Trailer    = 0xFCFC
	CmdHeader  = 0xE1
	CmdPayload = 0xE2
)

// ErrMalformed is returned by Decode for datagrams that cannot be used.
var ErrMalformed = errors.New("packet: malformed")

// Header is the decoded form of either datagram kind.
type Header struct {
	Cmd      uint8
	FrameID  uint16
	IsHeader bool

	// Header datagram.
	LineStamp     uint32
	FrameSize     uint32
	MonitorStatus uint32

	// Payload datagram.
	LineID      uint16
	PacketID    uint8
	PayloadSize uint16
}

func (h *Header) String() string {
	if h.IsHeader {
		return fmt.Sprintf("Header{frame:%d stamp:%d size:%d status:0x%08X}", h.FrameID, h.LineStamp, h.FrameSize, h.MonitorStatus)
	}
	return fmt.Sprintf("Payload{frame:%d line:%d packet:%d size:%d}", h.FrameID, h.LineID, h.PacketID, h.PayloadSize)
}

// Decode parses b into h and returns the pixel payload, if any.
//
// The returned slice aliases b.
func Decode(b []byte, h *Header) ([]byte, error) {
	if len(b) < PayloadOffset || binary.BigEndian.Uint16(b) != Sync {
		return nil, ErrMalformed
	}
	h.Cmd = b[posCmd]
	h.FrameID = binary.BigEndian.Uint16(b[posFrameID:])
	switch h.Cmd {
	case CmdHeader:
		if len(b) < HeaderSize {
			return nil, ErrMalformed
		}
		h.IsHeader = true
		h.LineStamp = binary.BigEndian.Uint32(b[posLineStamp:])
		h.FrameSize = binary.BigEndian.Uint32(b[posFrameSize:])
		h.MonitorStatus = binary.BigEndian.Uint32(b[posMonitorStatus:])
		h.LineID, h.PacketID, h.PayloadSize = 0, 0, 0
		return nil, nil
	case CmdPayload:
		h.IsHeader = false
		h.LineStamp, h.FrameSize, h.MonitorStatus = 0, 0, 0
		h.LineID = binary.BigEndian.Uint16(b[posLineID:])
		h.PacketID = b[posPacketID]
		h.PayloadSize = binary.BigEndian.Uint16(b[posPayloadSize:])
		end := PayloadOffset + int(h.PayloadSize)
		if end > len(b) {
			return nil, ErrMalformed
		}
		return b[PayloadOffset:end], nil
	default:
		return nil, ErrMalformed
	}
}

// AppendHeader appends a header datagram to b.
func AppendHeader(b []byte, frameID uint16, lineStamp, frameSize, monitorStatus uint32) []byte {
	var p [HeaderSize]byte
	binary.BigEndian.PutUint16(p[:], Sync)
	p[posCmd] = CmdHeader
	binary.BigEndian.PutUint16(p[posFrameID:], frameID)
	binary.BigEndian.PutUint32(p[posLineStamp:], lineStamp)
	binary.BigEndian.PutUint32(p[posFrameSize:], frameSize)
	binary.BigEndian.PutUint32(p[posMonitorStatus:], monitorStatus)
	binary.BigEndian.PutUint16(p[posTrailer:], Trailer)
	return append(b, p[:]...)
}

// AppendPayload appends a payload datagram to b.
func AppendPayload(b []byte, frameID, lineID uint16, packetID uint8, payload []byte) []byte {
	var p [PayloadOffset]byte
	binary.BigEndian.PutUint16(p[:], Sync)
	p[posCmd] = CmdPayload
	binary.BigEndian.PutUint16(p[posFrameID:], frameID)
	binary.BigEndian.PutUint16(p[posLineID:], lineID)
	p[posPacketID] = packetID
	binary.BigEndian.PutUint16(p[posPayloadSize:], uint16(len(payload)))
	b = append(b, p[:]...)
	return append(b, payload...)
}

// Layout describes how a frame is cut into datagrams.
type Layout struct {
	Height      int // Lines per frame.
	LineBytes   int // Bytes per line.
	GroupLines  int // Lines per group.
	MaxPayload  int // Largest payload per datagram.
	GroupBytes  int
	GroupCount  int // Groups per frame.
	PacketCount int // Packets per group.
}

// NewLayout computes the layout of a frame.
func NewLayout(height, lineBytes, groupLines, maxPayload int) (Layout, error) {
	if height <= 0 || lineBytes <= 0 || groupLines <= 0 || maxPayload <= 0 {
		return Layout{}, errors.New("packet: invalid layout")
	}
	if height%groupLines != 0 {
		return Layout{}, fmt.Errorf("packet: %d lines is not a multiple of %d lines per group", height, groupLines)
	}
	if maxPayload > MaxSize-PayloadOffset {
		maxPayload = MaxSize - PayloadOffset
	}
	l := Layout{
		Height:     height,
		LineBytes:  lineBytes,
		GroupLines: groupLines,
		MaxPayload: maxPayload,
		GroupBytes: groupLines * lineBytes,
	}
	l.GroupCount = height / groupLines
	l.PacketCount = (l.GroupBytes + maxPayload - 1) / maxPayload
	if l.PacketCount > 256 {
		return Layout{}, fmt.Errorf("packet: %d packets per group exceeds packet id range", l.PacketCount)
	}
	if l.GroupCount*groupLines > 0xFFFF {
		return Layout{}, fmt.Errorf("packet: %d lines exceeds line id range", height)
	}
	return l, nil
}

// PacketSize returns the payload size of packet k in a group.
func (l *Layout) PacketSize(k int) int {
	if k == l.PacketCount-1 {
		return l.GroupBytes - k*l.MaxPayload
	}
	return l.MaxPayload
}
