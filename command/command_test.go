// Copyright 2018 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package command

import (
	"errors"
	"net"
	"testing"
	"time"

	"periph.io/x/periph/conn/conntest"
	"periph.io/x/periph/conn/physic"
)

func TestSetPara(t *testing.T) {
	c := conntest.Playback{
		Ops: []conntest.IO{
			{
				W: AppendRequest(nil, uint8(ParaGainRange), OpWrite, 0, []byte{0x01, 0x00}),
				R: AppendResponse(nil, uint8(ParaGainRange), OpWrite, 0, 0, nil),
			},
		},
	}
	ch := New(&c)
	if err := ch.SetPara(ParaGainRange, 256); err != nil {
		t.Fatal(err)
	}
	if err := ch.SetPara(ParaBinningMode, 256); err == nil {
		t.Fatal("overflow")
	}
	if err := ch.SetPara(ParaSavePara, 1); err == nil {
		t.Fatal("execute only")
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestGetPara(t *testing.T) {
	c := conntest.Playback{
		Ops: []conntest.IO{
			{
				W: AppendRequest(nil, uint8(ParaFramePeriod), OpRead, 0, nil),
				R: AppendResponse(nil, uint8(ParaFramePeriod), OpRead, 0, 0, []byte{0x00, 0x01, 0x86, 0xA0}),
			},
			{
				W: AppendRequest(nil, uint8(ParaDasSerial), OpRead, 0, nil),
				R: AppendResponse(nil, uint8(ParaDasSerial), OpRead, 0, 0, []byte("24465001\x00\x00\x00\x00\x00\x00\x00\x00")),
			},
		},
	}
	ch := New(&c)
	v, err := ch.GetPara(ParaFramePeriod)
	if err != nil {
		t.Fatal(err)
	}
	if v != 100000 {
		t.Fatal(v)
	}
	s, err := ch.GetParaString(ParaDasSerial)
	if err != nil {
		t.Fatal(err)
	}
	if s != "24465001" {
		t.Fatalf("%q", s)
	}
	if _, err := ch.GetPara(ParaDasSerial); err == nil {
		t.Fatal("serial is not a number")
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestExecutePara(t *testing.T) {
	c := conntest.Playback{
		Ops: []conntest.IO{
			{
				W: AppendRequest(nil, uint8(ParaSavePara), OpExecute, 0, nil),
				R: AppendResponse(nil, uint8(ParaSavePara), OpExecute, 0, 0, nil),
			},
		},
	}
	ch := New(&c)
	if err := ch.ExecutePara(ParaSavePara, 0); err != nil {
		t.Fatal(err)
	}
	if err := ch.ExecutePara(ParaFramePeriod, 0); err == nil {
		t.Fatal("not an action")
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestSendCommand_fail(t *testing.T) {
	bad := AppendResponse(nil, uint8(ParaEnLed), OpRead, 0, 0, []byte{1})
	bad[len(bad)-1] ^= 0xFF
	c := conntest.Playback{
		Ops: []conntest.IO{
			// CRC mismatch.
			{W: AppendRequest(nil, uint8(ParaEnLed), OpRead, 0, nil), R: bad},
			// Answer to another command.
			{W: AppendRequest(nil, uint8(ParaEnLed), OpRead, 0, nil), R: AppendResponse(nil, uint8(ParaEnScan), OpRead, 0, 0, []byte{1})},
			// Detector error.
			{W: AppendRequest(nil, uint8(ParaEnLed), OpRead, 0, nil), R: AppendResponse(nil, uint8(ParaEnLed), OpRead, 0, 3, []byte{0})},
		},
	}
	ch := New(&c)
	if _, err := ch.GetPara(ParaEnLed); err != ErrCRC {
		t.Fatal(err)
	}
	if _, err := ch.GetPara(ParaEnLed); err == nil {
		t.Fatal("mismatched command")
	}
	_, err := ch.GetPara(ParaEnLed)
	if d, ok := err.(*DeviceError); !ok || d.Code != 3 {
		t.Fatal(err)
	}
	if Classify(err) != ErrCodeDevice || Classify(ErrCRC) != ErrCodeCRC || Classify(ErrTimeout) != ErrCodeTimeout {
		t.Fatal("Classify")
	}
}

func TestParseRequest(t *testing.T) {
	b := AppendRequest(nil, 8, OpWrite, 2, []byte{1})
	r, err := ParseRequest(b)
	if err != nil {
		t.Fatal(err)
	}
	if r.Cmd != 8 || r.Op != OpWrite || r.DM != 2 || len(r.Data) != 1 || r.Data[0] != 1 {
		t.Fatalf("%#v", r)
	}
	b[6] = 2
	if _, err := ParseRequest(b); err != ErrCRC {
		t.Fatal(err)
	}
	if _, err := ParseRequest(b[:5]); err == nil {
		t.Fatal("short")
	}
}

func TestHealth(t *testing.T) {
	h := &Health{
		Version:  1,
		V24:      24 * physic.Volt,
		V3V3:     3300 * physic.MilliVolt,
		CIS:      physic.ZeroCelsius + 31500*physic.MilliKelvin,
		DAS:      [3]physic.Temperature{physic.ZeroCelsius - 5*physic.Kelvin, physic.ZeroCelsius, physic.ZeroCelsius},
		Humidity: 45 * physic.PercentRH,
	}
	b, err := EncodeHealth(h)
	if err != nil {
		t.Fatal(err)
	}
	if len(b) != 24 || b[0] != 0x5D || b[1] != 0xC0 {
		t.Fatalf("% x", b)
	}
	got, err := ParseHealth(1, b)
	if err != nil {
		t.Fatal(err)
	}
	if *got != *h {
		t.Fatalf("%s != %s", got, h)
	}
	if _, err := ParseHealth(2, b); err == nil {
		t.Fatal("size")
	}
	if _, err := ParseHealth(3, nil); err == nil {
		t.Fatal("version")
	}
	h2 := &Health{Version: 2, VIn: 12 * physic.Volt, DAS: [3]physic.Temperature{physic.ZeroCelsius, physic.ZeroCelsius + physic.Kelvin}, CIS: physic.ZeroCelsius, Humidity: physic.PercentRH}
	b, _ = EncodeHealth(h2)
	if got, err = ParseHealth(2, b); err != nil || *got != *h2 {
		t.Fatal(got, err)
	}
}

func TestHeartbeat(t *testing.T) {
	h := &Health{Version: 2, VIn: 12 * physic.Volt, CIS: physic.ZeroCelsius, DAS: [3]physic.Temperature{physic.ZeroCelsius, physic.ZeroCelsius}}
	data, err := EncodeHealth(h)
	if err != nil {
		t.Fatal(err)
	}
	c := conntest.Playback{
		Ops: []conntest.IO{
			{
				W: AppendRequest(nil, uint8(ParaDasHealth), OpRead, 1, nil),
				R: AppendResponse(nil, uint8(ParaDasHealth), OpRead, 1, 0, data),
			},
		},
		DontPanic: true,
	}
	s := &sink{health: make(chan *Health, 1), errs: make(chan ErrCode, 1)}
	hb := NewHeartbeat(New(&c), s, 2, 1, time.Hour)
	hb.SetLog(true)
	if err := hb.Start(); err != nil {
		t.Fatal(err)
	}
	if hb.Start() == nil {
		t.Fatal("double start")
	}
	got := <-s.health
	if got.VIn != h.VIn {
		t.Fatal(got)
	}
	hb.Stop()
	if hb.Running() {
		t.Fatal("still running")
	}
	// The playback is exhausted; the next poll reports an error.
	if err := hb.Start(); err != nil {
		t.Fatal(err)
	}
	if code := <-s.errs; code != ErrCodeTransport {
		t.Fatal(code)
	}
	hb.Stop()
}

func TestUDPConn(t *testing.T) {
	srv, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Close()
	go func() {
		var buf [64]byte
		// Answer the first request only.
		n, from, err := srv.ReadFromUDP(buf[:])
		if err != nil {
			return
		}
		r, err := ParseRequest(buf[:n])
		if err != nil {
			return
		}
		srv.WriteToUDP(AppendResponse(nil, r.Cmd, r.Op, r.DM, 0, []byte{1}), from)
	}()
	u, err := DialUDP("", srv.LocalAddr().String(), 50*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	defer u.Close()
	ch := New(u)
	v, err := ch.GetPara(ParaBinningMode)
	if err != nil {
		t.Fatal(err)
	}
	if v != 1 {
		t.Fatal(v)
	}
	if _, err := ch.GetPara(ParaBinningMode); err != ErrTimeout {
		t.Fatal(err)
	}
}

func TestUDPConn_deviceError(t *testing.T) {
	srv, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Close()
	go func() {
		var buf [64]byte
		n, from, err := srv.ReadFromUDP(buf[:])
		if err != nil {
			return
		}
		r, err := ParseRequest(buf[:n])
		if err != nil {
			return
		}
		// Error responses carry no data.
		srv.WriteToUDP(AppendResponse(nil, r.Cmd, r.Op, r.DM, 3, nil), from)
	}()
	u, err := DialUDP("", srv.LocalAddr().String(), time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer u.Close()
	_, err = New(u).GetPara(ParaFramePeriod)
	var d *DeviceError
	if !errors.As(err, &d) || d.Code != 3 || d.Cmd != uint8(ParaFramePeriod) {
		t.Fatalf("%v", err)
	}
	if c := Classify(err); c != ErrCodeDevice {
		t.Fatal(c)
	}
}

func TestSendCommand_shortResponse(t *testing.T) {
	// A success response must carry all the data requested.
	c := conntest.Playback{
		Ops: []conntest.IO{
			{
				W: AppendRequest(nil, uint8(ParaFramePeriod), OpRead, 0, nil),
				R: append(AppendResponse(nil, uint8(ParaFramePeriod), OpRead, 0, 0, []byte{1, 2}), 0, 0),
			},
		},
	}
	if _, err := New(&c).GetPara(ParaFramePeriod); err == nil || Classify(err) != ErrCodeTransport {
		t.Fatal(err)
	}
}

//

type sink struct {
	health chan *Health
	errs   chan ErrCode
}

func (s *sink) OnError(code ErrCode, msg string) {
	select {
	case s.errs <- code:
	default:
	}
}

func (s *sink) OnHealthEvent(id int, h *Health) {
	select {
	case s.health <- h:
	default:
	}
}
