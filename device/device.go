// Copyright 2018 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package device describes a network attached flat panel detector.
//
// A Descriptor is owned by the application. The acquisition core only
// references it and expects it to stay unchanged while a capture is running.
package device

import (
	"errors"
	"fmt"
	"net"
	"strconv"
)

// Defaults inherited from the detector firmware.
const (
	DefaultRows       = 1100
	DefaultColumns    = 1450
	DefaultPixelDepth = 14
	DefaultCmdPort    = 3000
	DefaultImgPort    = 4001

	// DefaultMaxPayload is the largest pixel payload carried by a single
	// datagram. A line group larger than this is split across packets.
	DefaultMaxPayload = 4700

	// DefaultFrameDepth is the number of preallocated frame buffers. It is
	// smaller on 32 bits platforms where address space is scarce.
	DefaultFrameDepth = 400 + 300*(strconv.IntSize/64)
)

// Binning modes as understood by the detector.
const (
	BinningFull = 0 // Full resolution.
	Binning2x2  = 1 // 2x2 binned.
)

// Gain ranges as understood by the detector.
const (
	GainLow  = 1
	GainHigh = 256
)

// Descriptor is the static description of one detector.
type Descriptor struct {
	IP           string           `yaml:"ip"`
	HostIP       string           `yaml:"host_ip,omitempty"` // Local address to bind to; empty means any.
	CmdPort      uint16           `yaml:"cmd_port"`
	ImgPort      uint16           `yaml:"img_port"`
	MAC          net.HardwareAddr `yaml:"-"`
	SerialNumber string           `yaml:"serial,omitempty"`
	FirmVersion  uint32           `yaml:"firm_version,omitempty"`
	FirmBuild    uint32           `yaml:"firm_build,omitempty"`
	Type         *Type            `yaml:"-"`

	Rows       int `yaml:"rows"`
	Columns    int `yaml:"columns"`
	PixelDepth int `yaml:"pixel_depth"` // Significant bits per pixel, 14 nominal.
	MaxPayload int `yaml:"max_payload,omitempty"`

	BinningMode uint32 `yaml:"binning_mode,omitempty"`
	GainRange   uint32 `yaml:"gain_range,omitempty"`

	ROI ROI `yaml:"roi,omitempty"`
}

// ROI is a sub-rectangle of the sensor, inclusive bounds.
type ROI struct {
	Enable      bool   `yaml:"enable"`
	RowStart    uint16 `yaml:"row_start"`
	RowEnd      uint16 `yaml:"row_end"`
	ColumnStart uint16 `yaml:"column_start"`
	ColumnEnd   uint16 `yaml:"column_end"`
}

// New returns a Descriptor for a known device type with its native geometry.
func New(ip string, t *Type) *Descriptor {
	d := &Descriptor{
		IP:         ip,
		CmdPort:    DefaultCmdPort,
		ImgPort:    DefaultImgPort,
		Rows:       DefaultRows,
		Columns:    DefaultColumns,
		PixelDepth: DefaultPixelDepth,
		MaxPayload: DefaultMaxPayload,
		Type:       t,
	}
	if t == nil {
		d.Type = Unknown
	} else if t.Rows != 0 {
		d.Rows = t.Rows
		d.Columns = t.Columns
	}
	return d
}

func (d *Descriptor) String() string {
	return fmt.Sprintf("%s(%s, %dx%d@%d)", d.Type, d.IP, d.Width(), d.Height(), d.PixelDepth)
}

// Validate returns an error if the descriptor cannot be used for acquisition.
func (d *Descriptor) Validate() error {
	if d.Rows <= 0 || d.Columns <= 0 {
		return fmt.Errorf("device: invalid geometry %dx%d", d.Columns, d.Rows)
	}
	if d.PixelDepth <= 0 || d.PixelDepth > 32 {
		return fmt.Errorf("device: invalid pixel depth %d", d.PixelDepth)
	}
	if d.ImgPort == 0 {
		return errors.New("device: image port is not set")
	}
	if d.IP != "" && net.ParseIP(d.IP) == nil {
		return fmt.Errorf("device: invalid ip %q", d.IP)
	}
	if d.MaxPayload < 0 {
		return fmt.Errorf("device: invalid max payload %d", d.MaxPayload)
	}
	if d.BinningMode == Binning2x2 && (d.Rows < 2 || d.Columns < 2) {
		return errors.New("device: geometry too small for 2x2 binning")
	}
	return nil
}

// Width is the number of pixels per line sent by the detector.
func (d *Descriptor) Width() int {
	if d.BinningMode == Binning2x2 {
		return d.Columns / 2
	}
	return d.Columns
}

// Height is the number of lines per frame sent by the detector.
func (d *Descriptor) Height() int {
	if d.BinningMode == Binning2x2 {
		return d.Rows / 2
	}
	return d.Rows
}

// PixelBytes is the storage size of one pixel cell.
func (d *Descriptor) PixelBytes() int {
	return PixelBytes(d.PixelDepth)
}

// LineBytes is the number of pixel bytes in one line.
func (d *Descriptor) LineBytes() int {
	return d.Width() * d.PixelBytes()
}

// FrameBytes is the number of pixel bytes in one frame.
func (d *Descriptor) FrameBytes() int {
	return d.LineBytes() * d.Height()
}

// LinesPerPacket is the number of consecutive lines carried by a line group.
func (d *Descriptor) LinesPerPacket() int {
	if d.Type == nil || d.Type.LinesPerPacket < 1 {
		return 1
	}
	return d.Type.LinesPerPacket
}

// HealthVersion is the layout version of the health telemetry record.
func (d *Descriptor) HealthVersion() int {
	if d.Type == nil || d.Type.HealthVersion == 0 {
		return 1
	}
	return d.Type.HealthVersion
}

// Payload returns the maximum payload per datagram.
func (d *Descriptor) Payload() int {
	if d.MaxPayload == 0 {
		return DefaultMaxPayload
	}
	return d.MaxPayload
}

// PixelBytes returns the cell size in bytes for a pixel depth in bits.
func PixelBytes(depth int) int {
	if depth > 16 {
		return 4
	}
	return 2
}
