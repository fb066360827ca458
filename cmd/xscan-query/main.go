// Copyright 2018 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// xscan-query uses the command port of a detector to query its state.
package main

import (
	"flag"
	"fmt"
	"io/ioutil"
	"log"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/maruel/go-xscan/command"
	"github.com/maruel/go-xscan/device"
	"github.com/maruel/go-xscan/xscantest"
	"github.com/maruel/interrupt"
	"periph.io/x/periph/conn"
)

type printer struct{}

func (printer) OnError(code command.ErrCode, msg string) {
	fmt.Fprintf(os.Stderr, "%s: %s\n", code, msg)
}

func (printer) OnHealthEvent(id int, h *command.Health) {
	fmt.Printf("%s %s\n", time.Now().Format("15:04:05"), h)
}

func mainImpl() error {
	config := flag.String("config", "", "YAML device descriptor")
	ip := flag.String("ip", "192.168.1.2", "detector IP address")
	typeName := flag.String("type", "", "device type, e.g. 1412_ARMI")
	dm := flag.Uint("dm", 0, "data module for health queries")
	set := flag.String("set", "", "set parameters, e.g. FramePeriod=10000,GainRange=256")
	exec := flag.String("exec", "", "execute a parameter, e.g. SavePara")
	watch := flag.Duration("watch", 0, "poll health at this interval until Ctrl-C")
	fake := flag.Bool("fake", false, "use a simulated detector")
	verbose := flag.Bool("v", false, "verbose mode")
	flag.Parse()
	if !*verbose {
		log.SetOutput(ioutil.Discard)
	}
	log.SetFlags(log.Lmicroseconds)

	if len(flag.Args()) != 0 {
		return fmt.Errorf("unexpected argument: %s", flag.Args())
	}
	interrupt.HandleCtrlC()

	dev, err := device.Resolve(*config, *ip, *typeName)
	if err != nil {
		return err
	}
	var c conn.Conn
	if *fake {
		c = xscantest.NewDevice(dev)
	} else {
		u, err := command.DialUDP("", net.JoinHostPort(dev.IP, strconv.Itoa(int(dev.CmdPort))), 0)
		if err != nil {
			return err
		}
		defer u.Close()
		c = u
	}
	ch := command.New(c)

	if *set != "" {
		for _, kv := range strings.Split(*set, ",") {
			i := strings.IndexByte(kv, '=')
			if i <= 0 {
				return fmt.Errorf("invalid -set %q", kv)
			}
			p, ok := command.ParaByName(kv[:i])
			if !ok {
				return fmt.Errorf("unknown parameter %q", kv[:i])
			}
			v, err := strconv.ParseUint(kv[i+1:], 0, 64)
			if err != nil {
				return err
			}
			if err := ch.SetPara(p, v); err != nil {
				return fmt.Errorf("%s: %v", p, err)
			}
		}
	}
	if *exec != "" {
		p, ok := command.ParaByName(*exec)
		if !ok {
			return fmt.Errorf("unknown parameter %q", *exec)
		}
		if err := ch.ExecutePara(p, 0); err != nil {
			return err
		}
	}

	serial, err := ch.GetParaString(command.ParaDasSerial)
	if err != nil {
		return err
	}
	fmt.Printf("Serial:            %s\n", serial)
	id, err := ch.GetPara(command.ParaDeviceType)
	if err != nil {
		return err
	}
	t := device.TypeByID(uint32(id))
	if t == device.Unknown {
		t = device.TypeFromSerial(serial)
	}
	fmt.Printf("Type:              %s\n", t)
	for _, p := range []command.Para{command.ParaDasFirmVer, command.ParaFramePeriod, command.ParaGainRange, command.ParaBinningMode, command.ParaPixelNumber} {
		v, err := ch.GetPara(p)
		if err != nil {
			return fmt.Errorf("%s: %v", p, err)
		}
		fmt.Printf("%-18s %d\n", p.String()+":", v)
	}
	v, err := ch.GetPara(command.ParaMaxMinFramePeriod)
	if err != nil {
		return err
	}
	fmt.Printf("FramePeriod range: %dµs - %dµs\n", uint32(v), uint32(v>>32))

	version := t.HealthVersion
	if version == 0 {
		version = dev.HealthVersion()
	}
	h, err := ch.GetHealth(version, uint8(*dm))
	if err != nil {
		return err
	}
	fmt.Printf("Health:            %s\n", h)

	if *watch > 0 {
		hb := command.NewHeartbeat(ch, printer{}, version, uint8(*dm), *watch)
		hb.SetLog(*verbose)
		if err := hb.Start(); err != nil {
			return err
		}
		<-interrupt.Channel
		hb.Stop()
	}
	return nil
}

func main() {
	if err := mainImpl(); err != nil {
		fmt.Fprintf(os.Stderr, "\nxscan-query: %s.\n", err)
		os.Exit(1)
	}
}
