// Copyright 2018 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package command

import (
	"context"
	"errors"
	"log"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultHeartbeat is the default health polling interval.
const DefaultHeartbeat = 2 * time.Second

// ErrCode classifies errors reported to a Sink.
type ErrCode int

// Valid values for ErrCode.
const (
	ErrCodeTimeout ErrCode = iota + 1
	ErrCodeCRC
	ErrCodeDevice
	ErrCodeTransport
)

func (e ErrCode) String() string {
	switch e {
	case ErrCodeTimeout:
		return "Timeout"
	case ErrCodeCRC:
		return "CRC"
	case ErrCodeDevice:
		return "Device"
	case ErrCodeTransport:
		return "Transport"
	default:
		return "ErrCode(" + strconv.Itoa(int(e)) + ")"
	}
}

// EventHealth is the event id passed to Sink.OnHealthEvent.
const EventHealth = 1

// Sink receives the output of a Heartbeat. It is called from the heartbeat
// goroutine.
type Sink interface {
	OnError(code ErrCode, msg string)
	OnHealthEvent(id int, h *Health)
}

// Heartbeat polls the health telemetry of a detector in the background.
type Heartbeat struct {
	ch       *Channel
	sink     Sink
	version  int
	dm       uint8
	interval time.Duration
	log      int32

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewHeartbeat returns a stopped Heartbeat polling data module dm every
// interval.
func NewHeartbeat(ch *Channel, sink Sink, version int, dm uint8, interval time.Duration) *Heartbeat {
	if interval <= 0 {
		interval = DefaultHeartbeat
	}
	return &Heartbeat{ch: ch, sink: sink, version: version, dm: dm, interval: interval}
}

// Start starts polling. It fails if already running.
func (h *Heartbeat) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		return errors.New("command: heartbeat already running")
	}
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan struct{})
	go h.run(ctx, h.done)
	return nil
}

// Stop stops polling and waits for the goroutine to exit.
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	cancel, done := h.cancel, h.done
	h.cancel, h.done = nil, nil
	h.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

// Running returns true between Start and Stop.
func (h *Heartbeat) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancel != nil
}

// SetLog enables logging each health record.
func (h *Heartbeat) SetLog(on bool) {
	v := int32(0)
	if on {
		v = 1
	}
	atomic.StoreInt32(&h.log, v)
}

func (h *Heartbeat) run(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	t := time.NewTicker(h.interval)
	defer t.Stop()
	for {
		h.poll()
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func (h *Heartbeat) poll() {
	r, err := h.ch.GetHealth(h.version, h.dm)
	if err != nil {
		log.Printf("heartbeat: %v", err)
		h.sink.OnError(Classify(err), err.Error())
		return
	}
	if atomic.LoadInt32(&h.log) != 0 {
		log.Printf("heartbeat: %s", r)
	}
	h.sink.OnHealthEvent(EventHealth, r)
}

// Classify returns the ErrCode matching err.
func Classify(err error) ErrCode {
	var d *DeviceError
	switch {
	case errors.Is(err, ErrTimeout):
		return ErrCodeTimeout
	case errors.Is(err, ErrCRC):
		return ErrCodeCRC
	case errors.As(err, &d):
		return ErrCodeDevice
	default:
		return ErrCodeTransport
	}
}
