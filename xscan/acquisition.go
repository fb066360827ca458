// Copyright 2018 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package xscan acquires frames from a network attached X-ray line scan
// detector.
//
// An Acquisition owns three goroutines while grabbing: one receives
// datagrams into a packet.Pool, one parses them into a frame.Pool and one
// delivers completed frames to a FrameSink. Packet loss is never fatal; it
// is zero-filled, counted and reported through FrameSink.OnEvent.
package xscan

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maruel/go-xscan/command"
	"github.com/maruel/go-xscan/device"
	"github.com/maruel/go-xscan/frame"
	"github.com/maruel/go-xscan/packet"
	"github.com/maruel/go-xscan/transport"
)

var (
	// ErrNotOpen is returned when the Acquisition is not open.
	ErrNotOpen = errors.New("xscan: not open")
	// ErrGrabbing is returned when an operation requires the Acquisition to
	// be idle.
	ErrGrabbing = errors.New("xscan: grabbing")
	// ErrStopTimeout is returned by Stop when the pipeline did not exit in
	// time. The Acquisition must then be closed and opened again.
	ErrStopTimeout = errors.New("xscan: stop timed out")
)

// State is the state of an Acquisition.
type State int

// Valid values for State.
const (
	Closed State = iota
	Idle
	Grabbing
	Broken // Stop timed out; only Close is allowed.
)

func (s State) String() string {
	switch s {
	case Closed:
		return "Closed"
	case Idle:
		return "Idle"
	case Grabbing:
		return "Grabbing"
	case Broken:
		return "Broken"
	default:
		return "State(" + strconv.Itoa(int(s)) + ")"
	}
}

// Params reads and writes detector parameters. *command.Channel implements
// it.
type Params interface {
	GetPara(p command.Para) (uint64, error)
	SetPara(p command.Para, v uint64) error
}

// Options configures an Acquisition. The zero value of each field selects
// its default.
type Options struct {
	Transport    transport.Kind
	Parser       ParserKind
	SocketBuffer int           // SO_RCVBUF in bytes.
	FrameDepth   int           // Frame pool slots.
	PacketDepth  int           // Packet pool buffers.
	BatchSize    int           // Datagrams per system call with transport.Batch.
	RecvTimeout  time.Duration // Bound on each receive so Stop is prompt.
	StopTimeout  time.Duration // Grace period given to the goroutines by Stop.
	DataOffset   int           // Bytes reserved at the start of each frame line.
	MetricsDepth int           // Records kept in the metrics queue.
	LineInfo     bool          // Collect line records in the metrics queue.

	// Affinity is a CPU mask. The receive goroutine is pinned to the first
	// selected CPU and the parse goroutine to the next one.
	Affinity uint64
	// RealTime requests SCHED_FIFO for the pinned goroutines. It usually
	// needs privileges; refusal is logged and acquisition continues.
	RealTime bool

	// Listen opens the image socket; nil means transport.Open.
	Listen func(c *transport.Config) (transport.Conn, error)
}

// Defaults.
const (
	DefaultPacketDepth = 8192
	DefaultStopTimeout = 2 * time.Second
)

// DefaultOptions returns the default options.
func DefaultOptions() *Options {
	return &Options{
		SocketBuffer: transport.DefaultRecvBuffer,
		FrameDepth:   device.DefaultFrameDepth,
		PacketDepth:  DefaultPacketDepth,
		BatchSize:    transport.DefaultBatchSize,
		RecvTimeout:  transport.DefaultRecvTimeout,
		StopTimeout:  DefaultStopTimeout,
		MetricsDepth: DefaultMetricsDepth,
	}
}

func (o *Options) withDefaults() Options {
	out := *o
	d := DefaultOptions()
	if out.SocketBuffer == 0 {
		out.SocketBuffer = d.SocketBuffer
	}
	if out.FrameDepth == 0 {
		out.FrameDepth = d.FrameDepth
	}
	if out.PacketDepth == 0 {
		out.PacketDepth = d.PacketDepth
	}
	if out.BatchSize == 0 {
		out.BatchSize = d.BatchSize
	}
	if out.Transport == transport.Blocking {
		out.BatchSize = 1
	}
	if out.BatchSize > out.PacketDepth {
		out.BatchSize = out.PacketDepth
	}
	if out.RecvTimeout == 0 {
		out.RecvTimeout = d.RecvTimeout
	}
	if out.StopTimeout == 0 {
		out.StopTimeout = d.StopTimeout
	}
	if out.MetricsDepth == 0 {
		out.MetricsDepth = d.MetricsDepth
	}
	if out.Listen == nil {
		out.Listen = transport.Open
	}
	return out
}

// session holds the resources of one Open.
type session struct {
	conn     transport.Conn
	packets  *packet.Pool
	frames   *frame.Pool
	transfer *Transfer
	parser   Parser
	affinity *transport.Affinity
}

// Acquisition is the controller of a capture session.
//
// States: Closed, then Idle after Open, Grabbing between Grab and the end of
// the capture, Idle again, Closed after Close.
type Acquisition struct {
	sink    FrameSink
	lastErr int32

	mu     sync.Mutex
	state  State
	dev    device.Descriptor
	opts   Options
	params Params
	s      *session
	cancel context.CancelFunc
	done   chan struct{}
}

// New returns a closed Acquisition reporting to sink.
func New(sink FrameSink) *Acquisition {
	return &Acquisition{sink: sink}
}

// Open prepares a session for dev. params may be nil; when set, the binning
// mode is read from the detector to size the frames. opts may be nil.
//
// On failure every resource allocated so far is released.
func (a *Acquisition) Open(dev *device.Descriptor, params Params, opts *Options) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != Closed {
		return errors.New("xscan: already open")
	}
	if opts == nil {
		opts = DefaultOptions()
	}
	o := opts.withDefaults()
	d := *dev
	if params != nil {
		v, err := params.GetPara(command.ParaBinningMode)
		if err != nil {
			a.report(CodeCommand, fmt.Sprintf("reading binning mode: %v", err))
			return err
		}
		d.BinningMode = uint32(v)
	}
	if err := d.Validate(); err != nil {
		return err
	}
	l, err := packet.NewLayout(d.Height(), d.LineBytes(), d.LinesPerPacket(), d.Payload())
	if err != nil {
		return err
	}
	s := &session{affinity: transport.NewAffinity(o.Affinity)}
	if s.frames, err = frame.NewPool(d.Width(), d.Height(), d.PixelDepth, o.DataOffset, o.FrameDepth); err != nil {
		return err
	}
	if s.packets, err = packet.NewPool(o.PacketDepth); err != nil {
		return err
	}
	s.transfer = NewTransfer(s.frames, a.sink, NewMetrics(o.MetricsDepth))
	s.transfer.onError = a.setErr
	s.transfer.EnableLineInfo(o.LineInfo)
	if s.parser, err = NewParser(o.Parser, l, s.frames, s.transfer); err != nil {
		return err
	}
	c := &transport.Config{
		Kind:        o.Transport,
		LocalAddr:   net.JoinHostPort(d.HostIP, strconv.Itoa(int(d.ImgPort))),
		Peer:        d.IP,
		RecvBuffer:  o.SocketBuffer,
		RecvTimeout: o.RecvTimeout,
		BatchSize:   o.BatchSize,
	}
	if s.conn, err = o.Listen(c); err != nil {
		a.report(CodeOpenSocket, err.Error())
		return err
	}
	log.Printf("xscan: opened %s on %s: %d frames of %dx%d, %d packets per group", &d, s.conn, o.FrameDepth, d.Width(), d.Height(), l.PacketCount)
	a.dev = d
	a.opts = o
	a.params = params
	a.s = s
	a.state = Idle
	return nil
}

// Close stops any capture and releases the session.
func (a *Acquisition) Close() error {
	if err := a.Stop(); err != nil && err != ErrStopTimeout {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == Closed {
		return nil
	}
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	err := a.s.conn.Close()
	a.s = nil
	a.params = nil
	a.state = Closed
	return err
}

// Grab starts capturing n frames, 0 meaning until Stop. It returns
// immediately; progress is reported to the sink and Wait blocks until the
// capture ends. Counters and the metrics queue are reset.
//
// The state returns to Idle shortly after OnFrameComplete, once all the
// goroutines exited; call Wait before grabbing again.
func (a *Acquisition) Grab(n int) error {
	if n < 0 {
		return fmt.Errorf("xscan: invalid frame count %d", n)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	switch a.state {
	case Closed:
		return ErrNotOpen
	case Grabbing:
		return ErrGrabbing
	case Broken:
		return ErrStopTimeout
	}
	s := a.s
	s.transfer.Reset()
	s.parser.Reset()
	s.frames.Reset()
	s.packets.Drain()
	atomic.StoreInt32(&a.lastErr, int32(CodeOK))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	a.cancel = cancel
	a.done = done
	a.state = Grabbing

	// The sink hears nothing from the pipeline after OnFrameComplete: the
	// receive and parse goroutines exit before it is called.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		a.receive(ctx, s, s.affinity.Next())
	}()
	go func() {
		defer wg.Done()
		a.parse(ctx, cancel, s, s.affinity.Next())
	}()
	go func() {
		s.transfer.Deliver(ctx, n)
		cancel()
		wg.Wait()
		s.transfer.Complete()
		s.frames.Discard()
		s.transfer.drop()
		s.parser.Reset()
		s.packets.Drain()
		a.mu.Lock()
		if a.state == Grabbing && a.done == done {
			a.state = Idle
		}
		a.mu.Unlock()
		close(done)
	}()
	return nil
}

// Snap captures exactly one frame.
func (a *Acquisition) Snap() error {
	return a.Grab(1)
}

// Stop ends the capture, if any, and waits up to the stop grace period for
// the pipeline to exit. Frames completed but not yet delivered are dropped.
func (a *Acquisition) Stop() error {
	a.mu.Lock()
	if a.state != Grabbing {
		a.mu.Unlock()
		return nil
	}
	cancel, done, timeout := a.cancel, a.done, a.opts.StopTimeout
	a.mu.Unlock()
	cancel()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
	}
	a.mu.Lock()
	if a.state == Grabbing {
		a.state = Broken
	}
	a.mu.Unlock()
	a.report(CodeStopTimeout, fmt.Sprintf("pipeline still running after %s", timeout))
	return ErrStopTimeout
}

// Wait blocks until the current or last capture ended or ctx is done.
func (a *Acquisition) Wait(ctx context.Context) error {
	a.mu.Lock()
	done := a.done
	a.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the current state.
func (a *Acquisition) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Device returns the descriptor in use, as adjusted by Open.
func (a *Acquisition) Device() device.Descriptor {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dev
}

// LastError returns the last error code reported.
func (a *Acquisition) LastError() Code {
	return Code(atomic.LoadInt32(&a.lastErr))
}

// Stats returns the counters of the current or last capture.
func (a *Acquisition) Stats() Stats {
	if t := a.transfer(); t != nil {
		return t.Stats()
	}
	return Stats{}
}

// Metrics returns the diagnostics queue, nil when closed.
func (a *Acquisition) Metrics() *Metrics {
	if t := a.transfer(); t != nil {
		return t.Metrics()
	}
	return nil
}

// EnableLineInfo toggles the collection of line records.
func (a *Acquisition) EnableLineInfo(on bool) error {
	t := a.transfer()
	if t == nil {
		return ErrNotOpen
	}
	t.EnableLineInfo(on)
	return nil
}

// LastFrame returns a copy of the last delivered frame, or nil.
func (a *Acquisition) LastFrame() *frame.Frame {
	if t := a.transfer(); t != nil {
		return t.LastFrame()
	}
	return nil
}

// SetFramePeriod sets the detector frame period in µs.
func (a *Acquisition) SetFramePeriod(us uint32) error {
	return a.setPara(command.ParaFramePeriod, uint64(us))
}

// FramePeriod returns the detector frame period in µs.
func (a *Acquisition) FramePeriod() (uint32, error) {
	p, err := a.idleParams()
	if err != nil {
		return 0, err
	}
	v, err := p.GetPara(command.ParaFramePeriod)
	if err != nil {
		a.report(CodeCommand, err.Error())
	}
	return uint32(v), err
}

// SetGainRange sets device.GainLow or device.GainHigh.
func (a *Acquisition) SetGainRange(g uint32) error {
	if g != device.GainLow && g != device.GainHigh {
		return fmt.Errorf("xscan: invalid gain range %d", g)
	}
	return a.setPara(command.ParaGainRange, uint64(g))
}

func (a *Acquisition) setPara(p command.Para, v uint64) error {
	params, err := a.idleParams()
	if err != nil {
		return err
	}
	if err := params.SetPara(p, v); err != nil {
		a.report(CodeCommand, err.Error())
		return err
	}
	return nil
}

func (a *Acquisition) idleParams() (Params, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch {
	case a.state == Closed:
		return nil, ErrNotOpen
	case a.state != Idle:
		return nil, ErrGrabbing
	case a.params == nil:
		return nil, errors.New("xscan: no command channel")
	}
	return a.params, nil
}

func (a *Acquisition) transfer() *Transfer {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.s == nil {
		return nil
	}
	return a.s.transfer
}

func (a *Acquisition) setErr(c Code) {
	atomic.StoreInt32(&a.lastErr, int32(c))
}

// report is used for errors outside of the pipeline.
func (a *Acquisition) report(c Code, msg string) {
	a.setErr(c)
	log.Printf("xscan: %s: %s", c, msg)
	a.sink.OnError(c, msg)
}

// receive moves datagrams from the socket to the packet pool.
func (a *Acquisition) receive(ctx context.Context, s *session, cpu int) {
	if cpu >= 0 || a.opts.RealTime {
		unlock, err := transport.LockThread(cpu, a.opts.RealTime)
		defer unlock()
		if err != nil {
			log.Printf("xscan: receive: %v", err)
		}
	}
	n := a.opts.BatchSize
	retry := a.opts.RecvTimeout
	held := make([]*packet.Buffer, 0, n)
	bufs := make([][]byte, n)
	sizes := make([]int, n)
	defer func() {
		for _, b := range held {
			s.packets.Recycle(b)
		}
	}()
	for {
		for len(held) < n {
			b, err := s.packets.Get(ctx)
			if err != nil {
				return
			}
			held = append(held, b)
		}
		for i, b := range held {
			bufs[i] = b.Data[:]
		}
		got, err := s.conn.ReadBatch(bufs, sizes)
		if ctx.Err() != nil {
			return
		}
		if err == transport.ErrTimeout {
			continue
		}
		if err != nil {
			s.transfer.Error(CodeRecv, err.Error())
			select {
			case <-ctx.Done():
				return
			case <-time.After(retry):
			}
			continue
		}
		j := 0
		for i, b := range held {
			if i < got && sizes[i] > 0 {
				b.N = sizes[i]
				s.packets.Put(b)
			} else {
				held[j] = b
				j++
			}
		}
		held = held[:j]
	}
}

// parse feeds the parser. Pool exhaustion ends the capture.
func (a *Acquisition) parse(ctx context.Context, cancel context.CancelFunc, s *session, cpu int) {
	if cpu >= 0 || a.opts.RealTime {
		unlock, err := transport.LockThread(cpu, a.opts.RealTime)
		defer unlock()
		if err != nil {
			log.Printf("xscan: parse: %v", err)
		}
	}
	for {
		b, err := s.packets.Next(ctx)
		if err != nil {
			return
		}
		// Next picks at random when both a buffer and ctx are ready.
		if ctx.Err() != nil {
			s.packets.Recycle(b)
			return
		}
		err = s.parser.Parse(b.Bytes())
		s.packets.Recycle(b)
		if err != nil {
			cancel()
			return
		}
	}
}
