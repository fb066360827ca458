// Copyright 2018 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// xscan-correct calibrates a detector from raw captures and corrects raw
// images.
//
// Calibrate and correct in one go:
//
//	xscan-correct -dark dark.dat -bright bright.dat -offset-out o.bin -gain-out g.bin in.dat out.dat
//
// Correct with saved calibration:
//
//	xscan-correct -offset o.bin -gain g.bin -defects d0.bin in.dat out.dat
package main

import (
	"errors"
	"flag"
	"fmt"
	"io/ioutil"
	"log"
	"os"
	"strings"

	"github.com/maruel/go-xscan/correction"
	"github.com/maruel/go-xscan/frame"
	"github.com/maruel/go-xscan/rawimage"
	"github.com/maruel/interrupt"
)

type stringList []string

func (s *stringList) String() string {
	return strings.Join(*s, ",")
}

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func load(path string, h *rawimage.Header) ([]*frame.Frame, error) {
	h2, frames, err := rawimage.Load(path)
	if err != nil {
		return nil, err
	}
	if h != nil && (h2.Width != h.Width || h2.Height != h.Height || h2.Depth != h.Depth) {
		return nil, fmt.Errorf("%s is %dx%d@%d, expected %dx%d@%d", path, h2.Width, h2.Height, h2.Depth, h.Width, h.Height, h.Depth)
	}
	return frames, nil
}

func mainImpl() error {
	dark := flag.String("dark", "", "raw capture without exposure, to compute the offset")
	bright := flag.String("bright", "", "raw capture under flat exposure, to compute the gain")
	target := flag.Uint("target", 0, "gain target; 0 uses the mean response")
	baseline := flag.Uint("baseline", 0, "value added after offset subtraction")
	offsetIn := flag.String("offset", "", "load offset calibration")
	gainIn := flag.String("gain", "", "load gain calibration")
	offsetOut := flag.String("offset-out", "", "save the offset calibration")
	gainOut := flag.String("gain-out", "", "save the gain calibration")
	stages := flag.String("stages", "offset,gain,defect", "correction stages to apply")
	var defects stringList
	flag.Var(&defects, "defects", "defect map file, can be repeated")
	analyze := flag.Bool("analyze", false, "print the statistics of the input and corrected frames")
	verbose := flag.Bool("v", false, "verbose mode")
	flag.Parse()
	if !*verbose {
		log.SetOutput(ioutil.Discard)
	}
	log.SetFlags(log.Lmicroseconds)

	if len(defects) > correction.DefectMapCount {
		return fmt.Errorf("at most %d defect maps", correction.DefectMapCount)
	}
	t, err := parseStages(*stages)
	if err != nil {
		return err
	}
	if flag.NArg() != 2 && !(flag.NArg() == 0 && (*offsetOut != "" || *gainOut != "")) {
		return errors.New("supply input and output .dat paths")
	}
	interrupt.HandleCtrlC()

	// The geometry comes from the first raw file available.
	var ref string
	for _, p := range []string{flag.Arg(0), *dark, *bright} {
		if p != "" {
			ref = p
			break
		}
	}
	if ref == "" {
		return errors.New("no raw image to work from")
	}
	h, input, err := rawimage.Load(ref)
	if err != nil {
		return err
	}
	if ref != flag.Arg(0) {
		input = nil
	}
	e, err := correction.New(h.Width, h.Height, h.Depth)
	if err != nil {
		return err
	}
	if err := e.SetBaseline(uint32(*baseline)); err != nil {
		return err
	}

	if *offsetIn != "" {
		if err := e.LoadOffsetFile(*offsetIn); err != nil {
			return err
		}
	}
	if *dark != "" {
		frames, err := load(*dark, h)
		if err != nil {
			return err
		}
		if err := e.CalculateOffset(frames); err != nil {
			return err
		}
		log.Printf("offset from %d frames", len(frames))
	}
	if *gainIn != "" {
		if err := e.LoadGainFile(*gainIn); err != nil {
			return err
		}
	}
	if *bright != "" {
		frames, err := load(*bright, h)
		if err != nil {
			return err
		}
		if err := e.CalculateGain(frames, uint32(*target)); err != nil {
			return err
		}
		log.Printf("gain from %d frames", len(frames))
	}
	for i, p := range defects {
		if err := e.LoadDefectsFile(p, i); err != nil {
			return err
		}
	}
	fmt.Printf("%s\n", e)

	if *offsetOut != "" {
		if err := e.SaveOffsetFile(*offsetOut); err != nil {
			return err
		}
	}
	if *gainOut != "" {
		if err := e.SaveGainFile(*gainOut); err != nil {
			return err
		}
	}
	if flag.NArg() == 0 || interrupt.IsSet() {
		return nil
	}

	if input == nil {
		if input, err = load(flag.Arg(0), h); err != nil {
			return err
		}
	}
	if *analyze {
		a, err := correction.Analyze(input...)
		if err != nil {
			return err
		}
		fmt.Printf("input: %s\n", a)
	}
	out, err := e.DoCorrectAll(input, t)
	if err != nil {
		return err
	}
	if *analyze {
		a, err := correction.Analyze(out...)
		if err != nil {
			return err
		}
		fmt.Printf("corrected: %s\n", a)
	}
	if err := e.SaveCorrectedImageFile(flag.Arg(1)); err != nil {
		return err
	}
	fmt.Printf("%d frames corrected (%s)\n", len(out), t)
	return nil
}

func parseStages(s string) (correction.Type, error) {
	var t correction.Type
	for _, n := range strings.Split(s, ",") {
		switch strings.TrimSpace(strings.ToLower(n)) {
		case "offset":
			t |= correction.Offset
		case "gain":
			t |= correction.Gain
		case "defect":
			t |= correction.Defect
		case "all":
			t |= correction.All
		case "":
		default:
			return 0, fmt.Errorf("unknown stage %q", n)
		}
	}
	if t == 0 {
		return 0, errors.New("no correction stage selected")
	}
	return t, nil
}

func main() {
	if err := mainImpl(); err != nil {
		fmt.Fprintf(os.Stderr, "\nxscan-correct: %s.\n", err)
		os.Exit(1)
	}
}
