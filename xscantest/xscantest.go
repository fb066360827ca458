// Copyright 2018 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package xscantest implements a fake detector.
//
// Detector renders frames and cuts them into datagrams exactly like the
// firmware does, optionally dropping some. Conn feeds those datagrams to an
// Acquisition without a network and Stream sends them over UDP. Device is a
// fake command port.
package xscantest

import (
	"context"
	"math/rand"
	"net"
	"time"

	"github.com/maruel/go-xscan/device"
	"github.com/maruel/go-xscan/frame"
	"github.com/maruel/go-xscan/packet"
)

// DropFunc returns true to drop a payload datagram. frame is the index of the
// frame since the Detector was created, line is the first line of the group
// and pkt the packet index in the group.
type DropFunc func(frame, line, pkt int) bool

// Detector generates the datagrams of a detector.
type Detector struct {
	Layout packet.Layout
	// MonitorStatus is copied in each header.
	MonitorStatus uint32

	dev   *device.Descriptor
	noise *noise
	img   *frame.Frame
	count int
	id    uint16
	stamp uint32
}

// NewDetector returns a Detector sending frames as described by dev.
func NewDetector(dev *device.Descriptor) (*Detector, error) {
	if err := dev.Validate(); err != nil {
		return nil, err
	}
	l, err := packet.NewLayout(dev.Height(), dev.LineBytes(), dev.LinesPerPacket(), dev.Payload())
	if err != nil {
		return nil, err
	}
	img := frame.New(dev.Width(), dev.Height(), dev.PixelDepth, 0)
	return &Detector{Layout: l, dev: dev, noise: makeNoise(img.Width, img.Height), img: img}, nil
}

// Frame returns the last rendered frame.
func (d *Detector) Frame() *frame.Frame {
	return d.img
}

// Next renders the next frame and returns its datagrams, header first.
// drop may be nil.
func (d *Detector) Next(drop DropFunc) [][]byte {
	d.noise.update()
	d.noise.render(d.img)
	return d.Packetize(d.img, drop)
}

// Packetize cuts f into datagrams, header first. drop may be nil.
func (d *Detector) Packetize(f *frame.Frame, drop DropFunc) [][]byte {
	l := &d.Layout
	id := d.id
	n := d.count
	d.id++
	d.count++
	d.stamp += uint32(l.Height)
	out := make([][]byte, 0, 1+l.GroupCount*l.PacketCount)
	out = append(out, packet.AppendHeader(nil, id, d.stamp, uint32(l.Height*l.LineBytes), d.MonitorStatus))
	group := make([]byte, l.GroupBytes)
	for g := 0; g < l.GroupCount; g++ {
		line := g * l.GroupLines
		for i := 0; i < l.GroupLines; i++ {
			copy(group[i*l.LineBytes:], f.Row(line+i))
		}
		for k := 0; k < l.PacketCount; k++ {
			if drop != nil && drop(n, line, k) {
				continue
			}
			p := group[k*l.MaxPayload : k*l.MaxPayload+l.PacketSize(k)]
			out = append(out, packet.AppendPayload(make([]byte, 0, packet.PayloadOffset+len(p)), id, uint16(line), uint8(k), p))
		}
	}
	return out
}

// Stream sends frames to addr over UDP at fps frames per second until ctx is
// done or n frames were sent, n 0 meaning unbounded.
func Stream(ctx context.Context, d *Detector, addr string, fps float64, n int, drop DropFunc) error {
	c, err := net.Dial("udp4", addr)
	if err != nil {
		return err
	}
	defer c.Close()
	if fps <= 0 {
		fps = 10
	}
	t := time.NewTicker(time.Duration(float64(time.Second) / fps))
	defer t.Stop()
	for i := 0; n == 0 || i < n; i++ {
		for _, p := range d.Next(drop) {
			if _, err := c.Write(p); err != nil {
				return err
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
	return nil
}

//

type vector struct {
	intensity float64
	x         float64
	y         float64
}

// noise is cheezy but gets us going for testing without a device.
type noise struct {
	rand    *rand.Rand
	vectors []vector
	w, h    float64
}

func makeNoise(w, h int) *noise {
	n := &noise{rand: rand.New(rand.NewSource(0)), w: float64(w), h: float64(h)}
	n.vectors = make([]vector, 10)
	for i := range n.vectors {
		n.vectors[i].intensity = n.rand.NormFloat64() * 10 * n.w * n.h
		n.vectors[i].x = n.rand.NormFloat64()*n.w/6 + n.w/2
		n.vectors[i].y = n.rand.NormFloat64()*n.h/6 + n.h/2
	}
	return n
}

func (n *noise) update() {
	for i := range n.vectors {
		n.vectors[i].intensity += n.rand.NormFloat64() * 0.01 * n.w * n.h
		n.vectors[i].x += n.rand.NormFloat64() * n.w / 500
		n.vectors[i].y += n.rand.NormFloat64() * n.h / 500
	}
}

func (n *noise) render(f *frame.Frame) {
	mid := float64(f.Max()/2 + 1)
	dynamicRange := mid / 2
	for y := 0; y < f.Height; y++ {
		fy := float64(y)
		for x := 0; x < f.Width; x++ {
			fx := float64(x)
			value := mid
			for _, vect := range n.vectors {
				distance := (vect.x-fx)*(vect.x-fx) + (vect.y-fy)*(vect.y-fy) + 1
				value += vect.intensity / distance
			}
			if value >= mid+dynamicRange {
				value = mid + dynamicRange
			}
			if value < mid-dynamicRange {
				value = mid - dynamicRange
			}
			f.SetValue(x, y, uint32(value))
		}
	}
}
