// Copyright 2018 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package command implements the binary command channel of a detector.
//
// A request is:
//
//	[0]    0x5A
//	[1]    command code
//	[2]    operation
//	[3]    data module id
//	[4:6]  data size, big endian
//	[6:n]  data
//	[n:+4] CRC-32 (IEEE) of all the preceding bytes, big endian
//
// The response echoes the first 4 bytes with 0xA5 as the sync byte, followed
// by an error code byte, the data size, the data and the CRC-32.
//
// The channel runs over any periph conn.Conn; UDPConn provides the network
// one. A request that times out fails, it is never retried.
package command

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"strings"
	"sync"

	"periph.io/x/periph/conn"
)

// MaxData is the largest data payload of a request or a response.
const MaxData = 1024

const (
	reqSync    = 0x5A
	respSync   = 0xA5
	reqHeader  = 6
	respHeader = 7
	crcSize    = 4
)

// Op is the operation of a request.
type Op uint8

// Valid values for Op.
const (
	OpWrite   Op = 0
	OpRead    Op = 1
	OpExecute Op = 2
)

var (
	// ErrCRC is returned when a response fails its CRC check.
	ErrCRC = errors.New("command: bad response crc")
	// ErrTimeout is returned when the detector did not answer in time.
	ErrTimeout = errors.New("command: timeout")
)

// DeviceError is a non-zero error code returned by the detector.
type DeviceError struct {
	Cmd  uint8
	Code uint8
}

func (d *DeviceError) Error() string {
	return fmt.Sprintf("command: detector returned error 0x%02x for command 0x%02x", d.Code, d.Cmd)
}

// Channel serializes requests on a connection to the command port.
//
// It is safe for concurrent use; one request is in flight at a time.
type Channel struct {
	mu sync.Mutex
	c  conn.Conn
	w  [reqHeader + MaxData + crcSize]byte
	r  [respHeader + MaxData + crcSize]byte
}

// New returns a Channel over c.
func New(c conn.Conn) *Channel {
	return &Channel{c: c}
}

func (ch *Channel) String() string {
	return "command.Channel{" + ch.c.String() + "}"
}

// SendCommand sends one request and waits for its response, whose data is
// copied into recv. A successful response must carry exactly len(recv)
// bytes; an error response may carry less, usually none.
func (ch *Channel) SendCommand(cmd uint8, op Op, dm uint8, data, recv []byte) error {
	if len(data) > MaxData || len(recv) > MaxData {
		return fmt.Errorf("command: data too large: %d/%d", len(data), len(recv))
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	w := AppendRequest(ch.w[:0], cmd, op, dm, data)

	r := ch.r[:respHeader+len(recv)+crcSize]
	if err := ch.c.Tx(w, r); err != nil {
		return err
	}
	// The response may be shorter than r; its length field tells where the
	// CRC is.
	n := int(binary.BigEndian.Uint16(r[5:]))
	end := respHeader + n
	if end+crcSize > len(r) {
		return fmt.Errorf("command: response carries %d bytes, expected %d", n, len(recv))
	}
	if crc32.ChecksumIEEE(r[:end]) != binary.BigEndian.Uint32(r[end:]) {
		return ErrCRC
	}
	if r[0] != respSync || r[1] != cmd || r[2] != byte(op) || r[3] != dm {
		return fmt.Errorf("command: unexpected response % x to command 0x%02x", r[:4], cmd)
	}
	if r[4] != 0 {
		return &DeviceError{Cmd: cmd, Code: r[4]}
	}
	if n != len(recv) {
		return fmt.Errorf("command: response carries %d bytes, expected %d", n, len(recv))
	}
	copy(recv, r[respHeader:end])
	return nil
}

// SetPara writes a numeric parameter.
func (ch *Channel) SetPara(p Para, v uint64) error {
	s := p.Size()
	if s <= 0 {
		return fmt.Errorf("command: %s cannot be set", p)
	}
	if s < 8 && v>>(8*uint(s)) != 0 {
		return fmt.Errorf("command: %d overflows %s", v, p)
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return ch.SendCommand(uint8(p), OpWrite, 0, buf[8-s:], nil)
}

// GetPara reads a numeric parameter.
func (ch *Channel) GetPara(p Para) (uint64, error) {
	s := p.Size()
	if s <= 0 || s > 8 || p == ParaDasSerial {
		return 0, fmt.Errorf("command: %s cannot be read as a number", p)
	}
	var buf [8]byte
	if err := ch.SendCommand(uint8(p), OpRead, 0, nil, buf[8-s:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

// GetParaString reads a text parameter, e.g. ParaDasSerial.
func (ch *Channel) GetParaString(p Para) (string, error) {
	s := p.Size()
	if s <= 0 {
		return "", fmt.Errorf("command: %s cannot be read", p)
	}
	buf := make([]byte, s)
	if err := ch.SendCommand(uint8(p), OpRead, 0, nil, buf); err != nil {
		return "", err
	}
	return strings.TrimRight(string(buf), "\x00 "), nil
}

// ExecutePara runs an action parameter like ParaSavePara. A non-zero v is
// sent as a 32 bits argument.
func (ch *Channel) ExecutePara(p Para, v uint32) error {
	if p.Size() != 0 || p == ParaDasHealth {
		return fmt.Errorf("command: %s cannot be executed", p)
	}
	var data []byte
	if v != 0 {
		var buf [4]byte
		binary.BigEndian.PutUint32(buf[:], v)
		data = buf[:]
	}
	return ch.SendCommand(uint8(p), OpExecute, 0, data, nil)
}

// GetHealth reads the health telemetry of data module dm. version selects the
// record layout, see device.Descriptor.HealthVersion.
func (ch *Channel) GetHealth(version int, dm uint8) (*Health, error) {
	n := healthSize(version)
	if n == 0 {
		return nil, fmt.Errorf("command: unknown health version %d", version)
	}
	buf := make([]byte, n)
	if err := ch.SendCommand(uint8(ParaDasHealth), OpRead, dm, nil, buf); err != nil {
		return nil, err
	}
	return ParseHealth(version, buf)
}

// AppendRequest appends an encoded request to b.
func AppendRequest(b []byte, cmd uint8, op Op, dm uint8, data []byte) []byte {
	var h [reqHeader]byte
	h[0] = reqSync
	h[1] = cmd
	h[2] = byte(op)
	h[3] = dm
	binary.BigEndian.PutUint16(h[4:], uint16(len(data)))
	start := len(b)
	b = append(append(b, h[:]...), data...)
	return appendCRC(b, b[start:])
}

// AppendResponse appends an encoded response to b.
func AppendResponse(b []byte, cmd uint8, op Op, dm, code uint8, data []byte) []byte {
	var h [respHeader]byte
	h[0] = respSync
	h[1] = cmd
	h[2] = byte(op)
	h[3] = dm
	h[4] = code
	binary.BigEndian.PutUint16(h[5:], uint16(len(data)))
	start := len(b)
	b = append(append(b, h[:]...), data...)
	return appendCRC(b, b[start:])
}

// Request is a decoded request.
type Request struct {
	Cmd  uint8
	Op   Op
	DM   uint8
	Data []byte
}

// ParseRequest decodes a request. Data aliases b.
func ParseRequest(b []byte) (Request, error) {
	if len(b) < reqHeader+crcSize || b[0] != reqSync {
		return Request{}, errors.New("command: malformed request")
	}
	n := int(binary.BigEndian.Uint16(b[4:]))
	if len(b) != reqHeader+n+crcSize {
		return Request{}, fmt.Errorf("command: request of %d bytes announces %d bytes of data", len(b), n)
	}
	if crc32.ChecksumIEEE(b[:reqHeader+n]) != binary.BigEndian.Uint32(b[reqHeader+n:]) {
		return Request{}, ErrCRC
	}
	return Request{Cmd: b[1], Op: Op(b[2]), DM: b[3], Data: b[reqHeader : reqHeader+n]}, nil
}

func appendCRC(b, msg []byte) []byte {
	var c [crcSize]byte
	binary.BigEndian.PutUint32(c[:], crc32.ChecksumIEEE(msg))
	return append(b, c[:]...)
}
