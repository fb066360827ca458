// Copyright 2018 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// xscan streams the frames of a detector to a web browser.
package main

import (
	"flag"
	"fmt"
	"io/ioutil"
	"log"
	"net"
	"os"
	"runtime/pprof"
	"strconv"
	"time"

	"github.com/maruel/go-xscan/command"
	"github.com/maruel/go-xscan/device"
	"github.com/maruel/go-xscan/frame"
	"github.com/maruel/go-xscan/transport"
	"github.com/maruel/go-xscan/xscan"
	"github.com/maruel/go-xscan/xscantest"
	"github.com/maruel/interrupt"
)

// viewer forwards frames to the web server.
type viewer struct {
	s *WebServer
}

func (v *viewer) OnError(code xscan.Code, msg string) {
	log.Printf("error %s: %s", code, msg)
}

func (v *viewer) OnEvent(e xscan.Event, n int) {
	log.Printf("%s: %d", e, n)
}

func (v *viewer) OnFrameReady(f *frame.Frame) {
	// The slot is reused once this returns.
	v.s.AddImg(f.Clone())
}

func (v *viewer) OnFrameComplete() {
}

// fakeFeed renders frames at fps until Ctrl-C.
func fakeFeed(c *xscantest.Conn, dev *device.Descriptor, fps float64) {
	det, err := xscantest.NewDetector(dev)
	if err != nil {
		log.Printf("simulator: %v", err)
		return
	}
	t := time.NewTicker(time.Duration(float64(time.Second) / fps))
	defer t.Stop()
	for !interrupt.IsSet() {
		c.Send(det.Next(nil)...)
		select {
		case <-t.C:
		case <-interrupt.Channel:
		}
	}
}

func mainImpl() error {
	cpuprofile := flag.String("cpuprofile", "", "dump CPU profile in file")
	port := flag.Int("port", 8010, "http port to listen on")
	config := flag.String("config", "", "YAML device descriptor; the server exits when it changes")
	ip := flag.String("ip", "192.168.1.2", "detector IP address")
	typeName := flag.String("type", "", "device type, e.g. 1412_ARMI")
	depth := flag.Int("depth", 16, "frame buffers")
	batch := flag.Bool("batch", false, "use batched receive")
	affinity := flag.Uint64("affinity", 0, "CPU mask for the receive goroutines")
	fake := flag.Bool("fake", false, "use a simulated detector")
	fps := flag.Float64("fps", 10, "frame rate of the simulated detector")
	verbose := flag.Bool("v", false, "verbose mode")
	flag.Parse()
	if !*verbose {
		log.SetOutput(ioutil.Discard)
	}
	log.SetFlags(log.Lmicroseconds)

	if len(flag.Args()) != 0 {
		return fmt.Errorf("unexpected argument: %s", flag.Args())
	}
	if *fps <= 0 {
		return fmt.Errorf("invalid -fps %g", *fps)
	}

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			return err
		}
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
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

	s := StartWebServer(*port)
	a := xscan.New(&viewer{s: s})
	if err := a.Open(dev, ch, opts); err != nil {
		return err
	}
	defer a.Close()
	if err := a.Grab(0); err != nil {
		return err
	}
	if sim != nil {
		used := a.Device()
		go fakeFeed(sim, &used, *fps)
	}

	var watched []string
	if *config != "" {
		watched = append(watched, *config)
	}
	go func() {
		if err := watchFiles(watched...); err != nil {
			log.Printf("watch: %v", err)
		}
		interrupt.Set()
	}()

	for !interrupt.IsSet() {
		stats := a.Stats()
		s.SetStats(stats)
		fmt.Printf("\r%d frames %d dropped %d lost packets %d malformed %d buffer full %d errors", stats.GoodFrames, stats.DroppedFrames, stats.LostPackets, stats.Malformed, stats.BufferFull, stats.Errors)
		select {
		case <-time.After(time.Second):
		case <-interrupt.Channel:
		}
	}
	fmt.Print("\n")
	return a.Stop()
}

func main() {
	if err := mainImpl(); err != nil {
		fmt.Fprintf(os.Stderr, "\nxscan: %s.\n", err)
		os.Exit(1)
	}
}
