// Copyright 2018 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package xscan

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/maruel/go-xscan/command"
	"github.com/maruel/go-xscan/device"
	"github.com/maruel/go-xscan/frame"
	"github.com/maruel/go-xscan/packet"
	"github.com/maruel/go-xscan/transport"
	"github.com/maruel/go-xscan/xscantest"
)

func TestParser_gap(t *testing.T) {
	dev := smallDevice()
	p, tr, pool, r := newParser(t, HeaderAware, dev, 2)
	det := newDetector(t, dev)
	for _, b := range det.Next(func(f, line, k int) bool { return line == 2 && k == 1 }) {
		if err := p.Parse(b); err != nil {
			t.Fatal(err)
		}
	}
	if got := r.log(); !reflect.DeepEqual(got, []string{"DataLost:6", "PacketLost:1"}) {
		t.Fatal(got)
	}
	if !tr.Run(context.Background(), 1) {
		t.Fatal("target not reached")
	}
	if got := r.log(); !reflect.DeepEqual(got, []string{"DataLost:6", "PacketLost:1", "ready:0", "complete"}) {
		t.Fatal(got)
	}
	f := r.frames[0]
	if f.Lost != 6 || f.Height != 4 || len(f.Row(2)) != 16 {
		t.Fatalf("%#v", f)
	}
	want := det.Frame()
	for y := 0; y < 4; y++ {
		exp := append([]byte(nil), want.Row(y)...)
		if y == 2 {
			copy(exp[6:12], make([]byte, 6))
		}
		if !bytes.Equal(f.Row(y), exp) {
			t.Fatalf("line %d: % x != % x", y, f.Row(y), exp)
		}
	}
	if pool.Free() != 2 {
		t.Fatal(pool.Free())
	}
	if s := tr.Stats(); s.GoodFrames != 1 || s.LostBytes != 6 || s.LostPackets != 1 || s.Datagrams != 12 {
		t.Fatalf("%#v", s)
	}
}

func TestParser_missingGroups(t *testing.T) {
	dev := smallDevice()
	p, tr, _, r := newParser(t, HeaderAware, dev, 2)
	det := newDetector(t, dev)
	// Lines 1 and 2 are entirely lost, and the tail of line 0.
	parseAll(t, p, det.Next(func(f, line, k int) bool { return line == 1 || line == 2 || (line == 0 && k == 2) }))
	if got := r.log(); !reflect.DeepEqual(got, []string{"DataLost:36", "PacketLost:7"}) {
		t.Fatal(got)
	}
	tr.Run(context.Background(), 1)
	if f := r.frames[0]; f.Lost != 36 || !bytes.Equal(f.Row(1), make([]byte, 16)) {
		t.Fatalf("%#v", f)
	}
}

func TestParser_unfinishedFrame(t *testing.T) {
	dev := smallDevice()
	p, tr, pool, r := newParser(t, HeaderAware, dev, 2)
	det := newDetector(t, dev)
	// The last packet of the first frame is lost, so it never completes.
	parseAll(t, p, det.Next(func(f, line, k int) bool { return line == 3 && k == 2 }))
	parseAll(t, p, det.Next(nil))
	tr.Run(context.Background(), 1)
	if got := r.log(); !reflect.DeepEqual(got, []string{"FrameDropped:1", "ready:1", "complete"}) {
		t.Fatal(got)
	}
	if pool.Free() != 2 {
		t.Fatal(pool.Free())
	}
}

func TestParser_lostHeader(t *testing.T) {
	dev := smallDevice()
	p, tr, _, r := newParser(t, HeaderAware, dev, 4)
	det := newDetector(t, dev)
	parseAll(t, p, det.Next(nil))
	// Without a header the frame cannot be trusted.
	parseAll(t, p, det.Next(nil)[1:])
	parseAll(t, p, det.Next(nil))
	tr.Run(context.Background(), 2)
	if got := r.log(); !reflect.DeepEqual(got, []string{"FrameDropped:1", "ready:0", "ready:2", "complete"}) {
		t.Fatal(got)
	}
	if s := tr.Stats(); s.DroppedFrames != 1 || s.GoodFrames != 2 {
		t.Fatalf("%#v", s)
	}
}

func TestParser_resync(t *testing.T) {
	dev := smallDevice()
	p, tr, _, r := newParser(t, HeaderAware, dev, 2)
	det := newDetector(t, dev)
	// Starting in the middle of a frame is silent.
	parseAll(t, p, det.Next(nil)[5:])
	parseAll(t, p, det.Next(nil))
	tr.Run(context.Background(), 1)
	if got := r.log(); !reflect.DeepEqual(got, []string{"ready:1", "complete"}) {
		t.Fatal(got)
	}
}

func TestParser_malformed(t *testing.T) {
	dev := smallDevice()
	p, _, _, r := newParser(t, HeaderAware, dev, 2)
	parseAll(t, p, [][]byte{
		{0x00, 0x01},
		packet.AppendPayload(nil, 0, 1000, 0, make([]byte, 6)),
		packet.AppendPayload(nil, 0, 0, 0, make([]byte, 5)),
	})
	if got := r.log(); !reflect.DeepEqual(got, []string{"Malformed:1", "Malformed:1", "Malformed:1"}) {
		t.Fatal(got)
	}
}

func TestParser_monitorStatus(t *testing.T) {
	dev := smallDevice()
	p, tr, _, r := newParser(t, HeaderAware, dev, 2)
	det := newDetector(t, dev)
	det.MonitorStatus = 0x80
	parseAll(t, p, det.Next(nil))
	tr.Run(context.Background(), 1)
	if got := r.log(); !reflect.DeepEqual(got, []string{"MonitorStatus:128", "ready:0", "complete"}) {
		t.Fatal(got)
	}
	recs, _ := tr.Metrics().Drain()
	if len(recs) != 1 || recs[0].Kind != HeaderRecord || recs[0].MonitorStatus != 0x80 {
		t.Fatalf("%#v", recs)
	}
}

func TestParser_frameSize(t *testing.T) {
	dev := smallDevice()
	p, _, _, r := newParser(t, HeaderAware, dev, 2)
	parseAll(t, p, [][]byte{packet.AppendHeader(nil, 1, 0, 10, 0), packet.AppendHeader(nil, 2, 0, 10, 0)})
	if got := r.log(); !reflect.DeepEqual(got, []string{"error:FrameSize", "FrameDropped:1", "FrameDropped:1"}) {
		t.Fatal(got)
	}
}

func TestParser_exhausted(t *testing.T) {
	dev := smallDevice()
	p, tr, _, r := newParser(t, HeaderAware, dev, 1)
	det := newDetector(t, dev)
	parseAll(t, p, det.Next(nil))
	var err error
	for _, b := range det.Next(nil) {
		if err = p.Parse(b); err != nil {
			break
		}
	}
	if err != frame.ErrExhausted {
		t.Fatal(err)
	}
	if got := r.log(); !reflect.DeepEqual(got, []string{"error:PoolExhausted", "BufferFull:1"}) {
		t.Fatal(got)
	}
	if tr.LastError() != CodePoolExhausted {
		t.Fatal(tr.LastError())
	}
}

func TestParser_raw(t *testing.T) {
	dev := smallDevice()
	p, tr, _, r := newParser(t, Raw, dev, 4)
	det := newDetector(t, dev)
	// Headers are not needed.
	parseAll(t, p, det.Next(nil)[1:])
	parseAll(t, p, det.Next(nil)[1:])
	tr.Run(context.Background(), 2)
	if got := r.log(); !reflect.DeepEqual(got, []string{"ready:0", "ready:1", "complete"}) {
		t.Fatal(got)
	}
	if r.frames[1].ID != 1 {
		t.Fatal(r.frames[1].ID)
	}
}

func TestParser_lineInfo(t *testing.T) {
	dev := smallDevice()
	p, tr, _, _ := newParser(t, HeaderAware, dev, 2)
	tr.EnableLineInfo(true)
	parseAll(t, p, newDetector(t, dev).Next(nil))
	recs, dropped := tr.Metrics().Drain()
	if len(recs) != 5 || dropped != 0 {
		t.Fatal(len(recs), dropped)
	}
	if recs[4].Kind != LineRecord || recs[4].LineID != 3 {
		t.Fatalf("%#v", recs[4])
	}
}

func TestNewParser_fail(t *testing.T) {
	pool, err := frame.NewPool(8, 4, 14, 0, 1)
	if err != nil {
		t.Fatal(err)
	}
	tr := NewTransfer(pool, &recorder{}, nil)
	l, err := packet.NewLayout(4, 16, 1, 6)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewParser(ParserKind(5), l, pool, tr); err == nil {
		t.Fatal("kind")
	}
	l.LineBytes = 10
	if _, err := NewParser(HeaderAware, l, pool, tr); err == nil {
		t.Fatal("geometry")
	}
}

func TestMetrics(t *testing.T) {
	m := NewMetrics(2)
	for i := 0; i < 3; i++ {
		m.Push(Record{FrameID: uint16(i)})
	}
	if m.Len() != 2 {
		t.Fatal(m.Len())
	}
	recs, dropped := m.Drain()
	if dropped != 1 || len(recs) != 2 || recs[0].FrameID != 1 || recs[1].FrameID != 2 {
		t.Fatal(recs, dropped)
	}
	m.Push(Record{})
	m.Reset()
	if m.Len() != 0 {
		t.Fatal("reset")
	}
}

func TestStrings(t *testing.T) {
	if CodeFrameSize.String() != "FrameSize" || Code(99).String() != "Code(99)" {
		t.Fatal("Code")
	}
	if EventDataLost.String() != "DataLost" || Event(99).String() != "Event(99)" {
		t.Fatal("Event")
	}
	if Raw.String() != "Raw" || Grabbing.String() != "Grabbing" {
		t.Fatal("String")
	}
}

// A 1400x1200 16 bits detector with 50 packets per line loses packet #23 of
// line 600 of the second frame.
func TestAcquisition_lostPacket(t *testing.T) {
	dev := device.New("", device.DT1412Armi)
	dev.PixelDepth = 16
	dev.MaxPayload = 56
	c := xscantest.NewConn()
	r := &recorder{ready: make(chan int, 2)}
	a := New(r)
	if err := a.Open(dev, nil, &Options{FrameDepth: 4, PacketDepth: 1024, Transport: transport.Batch, Listen: c.Listen}); err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	det := newDetector(t, dev)
	if det.Layout.PacketCount != 50 {
		t.Fatal(det.Layout.PacketCount)
	}
	if err := a.Grab(2); err != nil {
		t.Fatal(err)
	}
	c.Send(det.Next(nil)...)
	<-r.ready
	c.Send(det.Next(func(f, line, k int) bool { return f == 1 && line == 600 && k == 23 })...)
	wait(t, a)
	if got := r.log(); !reflect.DeepEqual(got, []string{"ready:0", "DataLost:56", "PacketLost:1", "ready:1", "complete"}) {
		t.Fatal(got)
	}
	f := r.frames[1]
	if f.Height != 1200 || f.Width != 1400 || f.Lost != 56 {
		t.Fatalf("%s lost %d", f, f.Lost)
	}
	if !bytes.Equal(f.Row(600)[23*56:24*56], make([]byte, 56)) {
		t.Fatal("not zero-filled")
	}
	if !bytes.Equal(f.Row(600)[24*56:], det.Frame().Row(600)[24*56:]) {
		t.Fatal("data after the gap is misaligned")
	}
	if s := a.Stats(); s.GoodFrames != 2 || s.LostBytes != 56 || s.LostPackets != 1 {
		t.Fatalf("%#v", s)
	}
	if a.State() != Idle {
		t.Fatal(a.State())
	}
}

func TestAcquisition_grabN(t *testing.T) {
	dev := smallDevice()
	c := xscantest.NewConn()
	r := &recorder{}
	a := New(r)
	if err := a.Open(dev, nil, &Options{FrameDepth: 8, PacketDepth: 64, Listen: c.Listen}); err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	det := newDetector(t, dev)
	for i := 0; i < 2; i++ {
		r.reset()
		if err := a.Grab(3); err != nil {
			t.Fatal(err)
		}
		for j := 0; j < 3; j++ {
			c.Send(det.Next(nil)...)
		}
		wait(t, a)
		want := []string{"ready:0", "ready:1", "ready:2", "complete"}
		if i == 1 {
			want = []string{"ready:3", "ready:4", "ready:5", "complete"}
		}
		if got := r.log(); !reflect.DeepEqual(got, want) {
			t.Fatal(i, got)
		}
		if f := a.LastFrame(); f == nil || f.Seq != 2 {
			t.Fatal(f)
		}
		if a.State() != Idle {
			t.Fatal(a.State())
		}
	}
}

// Datagrams queued past the last frame of a bounded capture may be parsed
// while it completes, but nothing reaches the sink after OnFrameComplete.
func TestAcquisition_quietAfterComplete(t *testing.T) {
	dev := smallDevice()
	c := xscantest.NewConn()
	r := &recorder{}
	a := New(r)
	if err := a.Open(dev, nil, &Options{FrameDepth: 4, PacketDepth: 64, Listen: c.Listen}); err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	det := newDetector(t, dev)
	for i := 0; i < 20; i++ {
		r.reset()
		if err := a.Grab(1); err != nil {
			t.Fatal(err)
		}
		var d [][]byte
		d = append(d, det.Next(nil)...)
		d = append(d, det.Next(func(f, line, k int) bool { return line == 1 })...)
		d = append(d, []byte{1, 2, 3})
		c.Send(d...)
		wait(t, a)
		// Leave time for a late callback to show up.
		time.Sleep(5 * time.Millisecond)
		got := r.log()
		n := 0
		for _, e := range got {
			if e == "complete" {
				n++
			}
		}
		if n != 1 || got[len(got)-1] != "complete" {
			t.Fatal(i, got)
		}
	}
}

func TestAcquisition_snap(t *testing.T) {
	dev := smallDevice()
	c := xscantest.NewConn()
	r := &recorder{}
	a := New(r)
	if err := a.Open(dev, nil, &Options{FrameDepth: 2, Listen: c.Listen}); err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	if err := a.Snap(); err != nil {
		t.Fatal(err)
	}
	if err := a.Grab(1); err != ErrGrabbing {
		t.Fatal(err)
	}
	c.Send(newDetector(t, dev).Next(nil)...)
	wait(t, a)
	if got := r.log(); !reflect.DeepEqual(got, []string{"ready:0", "complete"}) {
		t.Fatal(got)
	}
}

func TestAcquisition_continuous(t *testing.T) {
	dev := smallDevice()
	c := xscantest.NewConn()
	r := &recorder{ready: make(chan int, 10)}
	a := New(r)
	if err := a.Open(dev, nil, &Options{FrameDepth: 4, Listen: c.Listen}); err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	if err := a.Grab(0); err != nil {
		t.Fatal(err)
	}
	det := newDetector(t, dev)
	for i := 0; i < 3; i++ {
		c.Send(det.Next(nil)...)
	}
	for i := 0; i < 3; i++ {
		<-r.ready
	}
	if err := a.Stop(); err != nil {
		t.Fatal(err)
	}
	if got := r.log(); !reflect.DeepEqual(got, []string{"ready:0", "ready:1", "ready:2", "complete"}) {
		t.Fatal(got)
	}
	if a.State() != Idle {
		t.Fatal(a.State())
	}
	if s := a.s.frames; s.Free() != s.Len() {
		t.Fatalf("leaked %d slots", s.Len()-s.Free())
	}
	if err := a.Stop(); err != nil {
		t.Fatal(err)
	}
}

func TestAcquisition_stopMidFrame(t *testing.T) {
	dev := smallDevice()
	c := xscantest.NewConn()
	r := &recorder{}
	a := New(r)
	if err := a.Open(dev, nil, &Options{FrameDepth: 4, Listen: c.Listen}); err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	if err := a.Grab(0); err != nil {
		t.Fatal(err)
	}
	c.Send(newDetector(t, dev).Next(nil)[:6]...)
	<-c.Drained()
	if err := a.Stop(); err != nil {
		t.Fatal(err)
	}
	if got := r.log(); !reflect.DeepEqual(got, []string{"complete"}) {
		t.Fatal(got)
	}
	if s := a.s.frames; s.Free() != s.Len() {
		t.Fatalf("leaked %d slots", s.Len()-s.Free())
	}
}

func TestAcquisition_stopTimeout(t *testing.T) {
	dev := smallDevice()
	c := xscantest.NewConn()
	block := make(chan struct{})
	r := &recorder{block: block}
	a := New(r)
	if err := a.Open(dev, nil, &Options{FrameDepth: 4, StopTimeout: 20 * time.Millisecond, Listen: c.Listen}); err != nil {
		t.Fatal(err)
	}
	if err := a.Grab(0); err != nil {
		t.Fatal(err)
	}
	c.Send(newDetector(t, dev).Next(nil)...)
	<-c.Drained()
	// Let the parser hand the frame to the blocked sink.
	for r.count() == 0 {
		time.Sleep(time.Millisecond)
	}
	if err := a.Stop(); err != ErrStopTimeout {
		t.Fatal(err)
	}
	if a.State() != Broken || a.LastError() != CodeStopTimeout {
		t.Fatal(a.State(), a.LastError())
	}
	if err := a.Grab(1); err != ErrStopTimeout {
		t.Fatal(err)
	}
	close(block)
	if err := a.Close(); err != nil {
		t.Fatal(err)
	}
	if a.State() != Closed {
		t.Fatal(a.State())
	}
}

func TestAcquisition_open(t *testing.T) {
	dev := smallDevice()
	r := &recorder{}
	a := New(r)
	if err := a.Grab(1); err != ErrNotOpen {
		t.Fatal(err)
	}
	if err := a.EnableLineInfo(true); err != ErrNotOpen {
		t.Fatal(err)
	}
	fail := func(*transport.Config) (transport.Conn, error) { return nil, errors.New("bind") }
	if err := a.Open(dev, nil, &Options{FrameDepth: 2, Listen: fail}); err == nil {
		t.Fatal("expected failure")
	}
	if a.State() != Closed || a.LastError() != CodeOpenSocket {
		t.Fatal(a.State(), a.LastError())
	}
	if got := r.log(); !reflect.DeepEqual(got, []string{"error:OpenSocket"}) {
		t.Fatal(got)
	}

	// Binning is read from the detector.
	fake := xscantest.NewDevice(dev)
	fake.Paras[command.ParaBinningMode] = device.Binning2x2
	ch := command.New(fake)
	c := xscantest.NewConn()
	if err := a.Open(dev, ch, &Options{FrameDepth: 2, Listen: c.Listen}); err != nil {
		t.Fatal(err)
	}
	if d := a.Device(); d.Width() != 4 || d.Height() != 2 {
		t.Fatal(d.Width(), d.Height())
	}
	if err := a.Open(dev, nil, nil); err == nil {
		t.Fatal("already open")
	}
	if err := a.SetFramePeriod(50000); err != nil {
		t.Fatal(err)
	}
	if v, err := a.FramePeriod(); err != nil || v != 50000 {
		t.Fatal(v, err)
	}
	if err := a.SetGainRange(device.GainHigh); err != nil {
		t.Fatal(err)
	}
	if err := a.SetGainRange(3); err == nil {
		t.Fatal("invalid gain")
	}
	if fake.Paras[command.ParaGainRange] != device.GainHigh {
		t.Fatal(fake.Paras)
	}
	if err := a.Close(); err != nil {
		t.Fatal(err)
	}
	if err := a.Close(); err != nil {
		t.Fatal(err)
	}
}

//

// smallDevice has 4 lines of 8 pixels, each line cut in 3 packets of 6, 6
// and 4 bytes.
func smallDevice() *device.Descriptor {
	d := device.New("", &device.Type{ID: 0xFF, Name: "TEST", LinesPerPacket: 1, HealthVersion: 1, Rows: 4, Columns: 8})
	d.MaxPayload = 6
	return d
}

func newDetector(t *testing.T, dev *device.Descriptor) *xscantest.Detector {
	d, err := xscantest.NewDetector(dev)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func newParser(t *testing.T, kind ParserKind, dev *device.Descriptor, depth int) (Parser, *Transfer, *frame.Pool, *recorder) {
	pool, err := frame.NewPool(dev.Width(), dev.Height(), dev.PixelDepth, 0, depth)
	if err != nil {
		t.Fatal(err)
	}
	r := &recorder{}
	tr := NewTransfer(pool, r, nil)
	l, err := packet.NewLayout(dev.Height(), dev.LineBytes(), dev.LinesPerPacket(), dev.Payload())
	if err != nil {
		t.Fatal(err)
	}
	p, err := NewParser(kind, l, pool, tr)
	if err != nil {
		t.Fatal(err)
	}
	return p, tr, pool, r
}

func parseAll(t *testing.T, p Parser, datagrams [][]byte) {
	for _, b := range datagrams {
		if err := p.Parse(b); err != nil {
			t.Fatal(err)
		}
	}
}

func wait(t *testing.T, a *Acquisition) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Wait(ctx); err != nil {
		t.Fatal(err)
	}
}

// recorder is a FrameSink keeping everything in order.
type recorder struct {
	ready chan int      // Optional, receives the Seq of each frame.
	block chan struct{} // Optional, OnFrameReady blocks until closed.

	mu     sync.Mutex
	events []string
	frames []*frame.Frame
}

func (r *recorder) OnError(code Code, msg string) {
	r.add("error:" + code.String())
}

func (r *recorder) OnEvent(e Event, n int) {
	r.add(fmt.Sprintf("%s:%d", e, n))
}

func (r *recorder) OnFrameReady(f *frame.Frame) {
	r.mu.Lock()
	r.events = append(r.events, fmt.Sprintf("ready:%d", f.ID))
	r.frames = append(r.frames, f.Clone())
	r.mu.Unlock()
	if r.block != nil {
		<-r.block
	}
	if r.ready != nil {
		r.ready <- f.Seq
	}
}

func (r *recorder) OnFrameComplete() {
	r.add("complete")
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	r.events = append(r.events, s)
	r.mu.Unlock()
}

func (r *recorder) log() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.events = nil
	r.frames = nil
	r.mu.Unlock()
}
