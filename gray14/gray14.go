// Copyright 2018 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package gray14 reduces detector intensities to 8 bits for display.
//
// Zero is never a real reading: it is what lost packets are filled with, so
// it is ignored when computing the range.
package gray14

import (
	"image"
	"image/color"
)

// Image is implemented by *image.Gray16 and *frame.Frame.
type Image interface {
	Bounds() image.Rectangle
	Gray16At(x, y int) color.Gray16
}

// Min returns the lowest non-zero value, 65535 if there is none.
func Min(img Image) uint16 {
	m := uint16(0xFFFF)
	r := img.Bounds()
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			if v := img.Gray16At(x, y).Y; v != 0 && v < m {
				m = v
			}
		}
	}
	return m
}

// Max returns the highest value.
func Max(img Image) uint16 {
	m := uint16(0)
	r := img.Bounds()
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			if v := img.Gray16At(x, y).Y; v > m {
				m = v
			}
		}
	}
	return m
}

// AGCLinear stretches [Min, Max] linearly to [0, 255] without gamma.
func AGCLinear(img Image) *image.Gray {
	r := img.Bounds()
	dst := image.NewGray(r)
	floor := Min(img)
	ceil := Max(img)
	if ceil <= floor {
		return dst
	}
	AGC(dst, img, floor, ceil)
	return dst
}

// AGC maps [floor, ceil] of img linearly to [0, 255] into dst. Values out of
// range are clamped.
func AGC(dst *image.Gray, img Image, floor, ceil uint16) {
	delta := int(ceil) - int(floor)
	if delta <= 0 {
		delta = 1
	}
	r := img.Bounds().Intersect(dst.Bounds())
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			v := (int(img.Gray16At(x, y).Y) - int(floor)) * 255 / delta
			if v < 0 {
				v = 0
			} else if v > 255 {
				v = 255
			}
			dst.Pix[dst.PixOffset(x, y)] = uint8(v)
		}
	}
}
