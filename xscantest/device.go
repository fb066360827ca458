// Copyright 2018 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package xscantest

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/maruel/go-xscan/command"
	"github.com/maruel/go-xscan/device"
	"periph.io/x/periph/conn"
	"periph.io/x/periph/conn/physic"
)

// Device is a fake command port implementing conn.Conn.
//
// It keeps parameters in memory and answers health requests with Health.
type Device struct {
	mu     sync.Mutex
	Paras  map[command.Para]uint64
	Serial string
	Health command.Health
	// Saved counts ParaSavePara executions.
	Saved int
}

// NewDevice returns a Device with the parameters of dev.
func NewDevice(dev *device.Descriptor) *Device {
	t := dev.Type
	if t == nil {
		t = device.Unknown
	}
	return &Device{
		Paras: map[command.Para]uint64{
			command.ParaFramePeriod: 100000,
			command.ParaGainRange:   device.GainLow,
			command.ParaBinningMode: uint64(dev.BinningMode),
			command.ParaPixelNumber: uint64(dev.Columns),
			command.ParaDasFirmVer:  uint64(dev.FirmVersion),
			command.ParaDeviceType:  uint64(t.ID),
		},
		Serial: dev.SerialNumber,
		Health: command.Health{
			Version:  dev.HealthVersion(),
			V24:      24 * physic.Volt,
			VIn:      24 * physic.Volt,
			V3V3:     3300 * physic.MilliVolt,
			V2V5:     2500 * physic.MilliVolt,
			CIS:      physic.ZeroCelsius + 30*physic.Kelvin,
			DAS:      [3]physic.Temperature{physic.ZeroCelsius + 35*physic.Kelvin, physic.ZeroCelsius + 36*physic.Kelvin, physic.ZeroCelsius + 37*physic.Kelvin},
			Humidity: 40 * physic.PercentRH,
		},
	}
}

func (d *Device) String() string {
	return "xscantest.Device"
}

// Duplex implements conn.Conn.
func (d *Device) Duplex() conn.Duplex {
	return conn.Half
}

// Tx implements conn.Conn. Like a UDP socket, a response shorter than r is
// copied at its start and the rest of r is zeroed.
func (d *Device) Tx(w, r []byte) error {
	resp, err := d.Handle(w)
	if err != nil {
		return err
	}
	if len(resp) > len(r) {
		return fmt.Errorf("xscantest: response of %d bytes, expected at most %d", len(resp), len(r))
	}
	copy(r, resp)
	for i := len(resp); i < len(r); i++ {
		r[i] = 0
	}
	return nil
}

// Handle returns the response to an encoded request.
func (d *Device) Handle(w []byte) ([]byte, error) {
	req, err := command.ParseRequest(w)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	p := command.Para(req.Cmd)
	var data []byte
	code := uint8(0)
	switch req.Op {
	case command.OpWrite:
		var buf [8]byte
		copy(buf[8-len(req.Data):], req.Data)
		d.Paras[p] = binary.BigEndian.Uint64(buf[:])
	case command.OpRead:
		switch p {
		case command.ParaDasHealth:
			if data, err = command.EncodeHealth(&d.Health); err != nil {
				return nil, err
			}
		case command.ParaDasSerial:
			data = make([]byte, p.Size())
			copy(data, d.Serial)
		default:
			s := p.Size()
			if s <= 0 {
				code = 1
				break
			}
			var buf [8]byte
			binary.BigEndian.PutUint64(buf[:], d.Paras[p])
			data = buf[8-s:]
		}
	case command.OpExecute:
		if p == command.ParaSavePara {
			d.Saved++
		}
	default:
		code = 2
	}
	return command.AppendResponse(nil, req.Cmd, req.Op, req.DM, code, data), nil
}

// Serve answers requests on a UDP socket until it is closed.
func (d *Device) Serve(c net.PacketConn) error {
	var buf [2048]byte
	for {
		n, from, err := c.ReadFrom(buf[:])
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}
		resp, err := d.Handle(buf[:n])
		if err != nil {
			continue
		}
		if _, err := c.WriteTo(resp, from); err != nil {
			return err
		}
	}
}

var _ conn.Conn = &Device{}
