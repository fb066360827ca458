// Copyright 2018 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package correction

import (
	"encoding/binary"
	"io/ioutil"
	"math"

	"github.com/maruel/go-xscan/device"
)

// Calibration files are flat arrays of width*height little endian values in
// row order: pixel cells for the offset, float32 for the gain.

// SaveOffsetFile writes the offset image.
func (e *Engine) SaveOffsetFile(path string) error {
	e.mu.Lock()
	if e.offset == nil {
		e.mu.Unlock()
		return ErrNotReady
	}
	pb := device.PixelBytes(e.depth)
	b := make([]byte, len(e.offset)*pb)
	for i, v := range e.offset {
		if pb == 4 {
			binary.LittleEndian.PutUint32(b[4*i:], v)
		} else {
			binary.LittleEndian.PutUint16(b[2*i:], uint16(v))
		}
	}
	e.mu.Unlock()
	return ioutil.WriteFile(path, b, 0644)
}

// LoadOffsetFile replaces the offset image. The gain is kept.
func (e *Engine) LoadOffsetFile(path string) error {
	b, err := ioutil.ReadFile(path)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	pb := device.PixelBytes(e.depth)
	n := e.width * e.height
	if len(b) != n*pb {
		return ErrGeometry
	}
	max := e.max()
	offset := make([]uint32, n)
	for i := range offset {
		var v uint32
		if pb == 4 {
			v = binary.LittleEndian.Uint32(b[4*i:])
		} else {
			v = uint32(binary.LittleEndian.Uint16(b[2*i:]))
		}
		if v > max {
			v = max
		}
		offset[i] = v
	}
	e.offset = offset
	return nil
}

// SaveGainFile writes the gain coefficients.
func (e *Engine) SaveGainFile(path string) error {
	e.mu.Lock()
	if e.gain == nil {
		e.mu.Unlock()
		return ErrNotReady
	}
	b := make([]byte, 4*len(e.gain))
	for i, g := range e.gain {
		binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(g))
	}
	e.mu.Unlock()
	return ioutil.WriteFile(path, b, 0644)
}

// LoadGainFile replaces the gain coefficients. Coefficients of 0 mark dead
// pixels.
func (e *Engine) LoadGainFile(path string) error {
	b, err := ioutil.ReadFile(path)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	n := e.width * e.height
	if len(b) != 4*n {
		return ErrGeometry
	}
	gain := make([]float32, n)
	for i := range gain {
		g := math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
		if math.IsNaN(float64(g)) || math.IsInf(float64(g), 0) || g < 0 {
			g = 0
		}
		gain[i] = g
	}
	e.gain = gain
	e.rebuildMask()
	return nil
}
