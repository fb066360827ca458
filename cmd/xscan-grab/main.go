// Copyright 2018 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// xscan-grab captures frames to a raw image file.
package main

import (
	"errors"
	"flag"
	"fmt"
	"image"
	"image/png"
	"io/ioutil"
	"log"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/maruel/go-xscan/command"
	"github.com/maruel/go-xscan/device"
	"github.com/maruel/go-xscan/frame"
	"github.com/maruel/go-xscan/gray14"
	"github.com/maruel/go-xscan/rawimage"
	"github.com/maruel/go-xscan/transport"
	"github.com/maruel/go-xscan/xscan"
	"github.com/maruel/go-xscan/xscantest"
	"github.com/maruel/interrupt"
)

// grabber keeps a copy of every frame delivered.
type grabber struct {
	mu     sync.Mutex
	frames []*frame.Frame
	done   chan struct{}
}

func (g *grabber) OnError(code xscan.Code, msg string) {
	fmt.Fprintf(os.Stderr, "error %s: %s\n", code, msg)
}

func (g *grabber) OnEvent(e xscan.Event, n int) {
	log.Printf("%s: %d", e, n)
}

func (g *grabber) OnFrameReady(f *frame.Frame) {
	g.mu.Lock()
	g.frames = append(g.frames, f.Clone())
	g.mu.Unlock()
}

func (g *grabber) OnFrameComplete() {
	close(g.done)
}

func mainImpl() error {
	config := flag.String("config", "", "YAML device descriptor")
	ip := flag.String("ip", "192.168.1.2", "detector IP address")
	typeName := flag.String("type", "", "device type, e.g. 1412_ARMI")
	n := flag.Int("n", 1, "number of frames to capture")
	depth := flag.Int("depth", 16, "frame buffers")
	batch := flag.Bool("batch", false, "use batched receive")
	raw := flag.Bool("raw", false, "ignore frame header datagrams")
	affinity := flag.Uint64("affinity", 0, "CPU mask for the receive goroutines")
	preview := flag.String("png", "", "also save the last frame as PNG")
	agc := flag.Bool("agc", false, "save a 8 bit PNG instead of the default 16 bits")
	gain := flag.Uint("gain", 0, "set the gain range first, 1 (low) or 256 (high)")
	period := flag.Uint("period", 0, "set the frame period first, in µs")
	fake := flag.Bool("fake", false, "use a simulated detector")
	verbose := flag.Bool("v", false, "verbose mode")
	flag.Parse()
	if !*verbose {
		log.SetOutput(ioutil.Discard)
	}
	log.SetFlags(log.Lmicroseconds)

	if flag.NArg() != 1 {
		return errors.New("supply path to .dat to save")
	}
	if *n <= 0 {
		return errors.New("-n must be positive")
	}
	interrupt.HandleCtrlC()

	dev, err := device.Resolve(*config, *ip, *typeName)
	if err != nil {
		return err
	}
	opts := xscan.DefaultOptions()
	opts.FrameDepth = *depth
	opts.Affinity = *affinity
	if *batch {
		opts.Transport = transport.Batch
	}
	if *raw {
		opts.Parser = xscan.Raw
	}

	var ch *command.Channel
	var sim *xscantest.Conn
	if *fake {
		sim = xscantest.NewConn()
		opts.Listen = sim.Listen
		ch = command.New(xscantest.NewDevice(dev))
	} else {
		u, err := command.DialUDP("", net.JoinHostPort(dev.IP, strconv.Itoa(int(dev.CmdPort))), 0)
		if err != nil {
			return err
		}
		defer u.Close()
		ch = command.New(u)
	}
	if *gain != 0 {
		if err := ch.SetPara(command.ParaGainRange, uint64(*gain)); err != nil {
			return err
		}
	}
	if *period != 0 {
		if err := ch.SetPara(command.ParaFramePeriod, uint64(*period)); err != nil {
			return err
		}
	}

	g := &grabber{done: make(chan struct{})}
	a := xscan.New(g)
	if err := a.Open(dev, ch, opts); err != nil {
		return err
	}
	defer a.Close()
	if err := a.Grab(*n); err != nil {
		return err
	}
	// Binning read from the detector may have changed the geometry.
	used := a.Device()
	if sim != nil {
		go simulate(sim, &used, *n)
	}
	start := time.Now()
	select {
	case <-g.done:
	case <-interrupt.Channel:
		if err := a.Stop(); err != nil {
			return err
		}
	}
	s := a.Stats()
	fmt.Printf("%d frames in %s, %d dropped, %d bytes lost in %d packets\n", s.GoodFrames, time.Since(start).Round(time.Millisecond), s.DroppedFrames, s.LostBytes, s.LostPackets)
	if len(g.frames) == 0 {
		return errors.New("no frame captured")
	}
	if err := rawimage.Save(flag.Arg(0), &used, g.frames...); err != nil {
		return err
	}
	if *preview != "" {
		return savePNG(*preview, g.frames[len(g.frames)-1], *agc)
	}
	return nil
}

func simulate(c *xscantest.Conn, dev *device.Descriptor, n int) {
	det, err := xscantest.NewDetector(dev)
	if err != nil {
		log.Printf("simulator: %v", err)
		return
	}
	for i := 0; i < n && !interrupt.IsSet(); i++ {
		c.Send(det.Next(nil)...)
		<-c.Drained()
	}
}

func savePNG(path string, f *frame.Frame, agc bool) error {
	w, err := os.Create(path)
	if err != nil {
		return err
	}
	defer w.Close()
	var img image.Image = f
	if agc {
		img = gray14.AGCLinear(f)
	}
	return png.Encode(w, img)
}

func main() {
	if err := mainImpl(); err != nil {
		fmt.Fprintf(os.Stderr, "\nxscan-grab: %s.\n", err)
		os.Exit(1)
	}
}
