// Copyright 2018 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package frame holds detector images and the fixed pool they are assembled
// into.
package frame

import (
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
	"time"
)

// Frame is one detector image.
//
// Each line occupies Pitch bytes: Offset bytes reserved for per-line data
// followed by Width little endian pixel cells. Cells are 16 bits wide for a
// Depth up to 16 bits and 32 bits wide above.
//
// Frame implements image.Image with a Gray16 color model; values wider than 16
// bits are saturated.
type Frame struct {
	Width  int
	Height int
	Depth  int // Significant bits per pixel.
	Offset int // Bytes reserved at the start of each line.
	Pitch  int // Bytes per line, including Offset.
	Pix    []byte

	ID        uint16    // frame_id as sent by the detector.
	Seq       int       // Position in the capture, starting at 0.
	Lost      int       // Bytes zero-filled because of packet loss.
	Timestamp time.Time // Arrival of the first datagram.
	Corrected bool      // Set once offset/gain/defect correction was applied.
}

// New allocates a zeroed frame.
func New(width, height, depth, offset int) *Frame {
	f := &Frame{Width: width, Height: height, Depth: depth, Offset: offset}
	f.Pitch = offset + width*f.PixelBytes()
	f.Pix = make([]byte, f.Pitch*height)
	return f
}

func (f *Frame) String() string {
	return fmt.Sprintf("Frame(%d, %dx%d@%d)", f.ID, f.Width, f.Height, f.Depth)
}

// PixelBytes is the size of one cell.
func (f *Frame) PixelBytes() int {
	if f.Depth > 16 {
		return 4
	}
	return 2
}

// Max is the largest valid pixel value.
func (f *Frame) Max() uint32 {
	if f.Depth >= 32 {
		return 0xFFFFFFFF
	}
	return 1<<uint(f.Depth) - 1
}

// Line returns line y including its reserved per-line data.
func (f *Frame) Line(y int) []byte {
	return f.Pix[y*f.Pitch : (y+1)*f.Pitch]
}

// Row returns the pixel cells of line y.
func (f *Frame) Row(y int) []byte {
	o := y*f.Pitch + f.Offset
	return f.Pix[o : o+f.Width*f.PixelBytes()]
}

// Value returns the pixel at (x, y).
func (f *Frame) Value(x, y int) uint32 {
	o := y*f.Pitch + f.Offset
	if f.Depth > 16 {
		return binary.LittleEndian.Uint32(f.Pix[o+4*x:])
	}
	return uint32(binary.LittleEndian.Uint16(f.Pix[o+2*x:]))
}

// SetValue stores v at (x, y) without clamping.
func (f *Frame) SetValue(x, y int, v uint32) {
	o := y*f.Pitch + f.Offset
	if f.Depth > 16 {
		binary.LittleEndian.PutUint32(f.Pix[o+4*x:], v)
		return
	}
	binary.LittleEndian.PutUint16(f.Pix[o+2*x:], uint16(v))
}

// SameGeometry returns true if both frames have the same size and depth.
func (f *Frame) SameGeometry(o *Frame) bool {
	return f.Width == o.Width && f.Height == o.Height && f.Depth == o.Depth
}

// Clone returns a deep copy.
func (f *Frame) Clone() *Frame {
	c := *f
	c.Pix = make([]byte, len(f.Pix))
	copy(c.Pix, f.Pix)
	return &c
}

// Fill sets every pixel to v.
func (f *Frame) Fill(v uint32) {
	for y := 0; y < f.Height; y++ {
		for x := 0; x < f.Width; x++ {
			f.SetValue(x, y, v)
		}
	}
}

// ColorModel implements image.Image.
func (f *Frame) ColorModel() color.Model {
	return color.Gray16Model
}

// Bounds implements image.Image.
func (f *Frame) Bounds() image.Rectangle {
	return image.Rect(0, 0, f.Width, f.Height)
}

// At implements image.Image.
func (f *Frame) At(x, y int) color.Color {
	return f.Gray16At(x, y)
}

// Gray16At returns the pixel at (x, y) saturated to 16 bits.
func (f *Frame) Gray16At(x, y int) color.Gray16 {
	v := f.Value(x, y)
	if v > 0xFFFF {
		return color.Gray16{0xFFFF}
	}
	return color.Gray16{uint16(v)}
}
