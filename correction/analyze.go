// Copyright 2018 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package correction

import (
	"errors"
	"fmt"
	"sort"

	"github.com/maruel/go-xscan/frame"
)

// Analysis summarizes the pixel values of one or more frames.
type Analysis struct {
	Average uint32   // Mean of all the pixels, rounded.
	Median  uint32   // Upper median for an even count.
	Columns []uint32 // Mean of each column over all lines and frames.
}

func (a *Analysis) String() string {
	return fmt.Sprintf("avg %d median %d over %d columns", a.Average, a.Median, len(a.Columns))
}

// Analyze computes the statistics of frames, which must share a geometry.
//
// It is used to check a dark or bright capture before calibration and the
// flatness of corrected frames.
func Analyze(frames ...*frame.Frame) (*Analysis, error) {
	if len(frames) == 0 {
		return nil, errors.New("correction: no frame")
	}
	f0 := frames[0]
	for _, f := range frames[1:] {
		if !f.SameGeometry(f0) {
			return nil, ErrGeometry
		}
	}
	cols := make([]uint64, f0.Width)
	var hist []uint32
	var all []uint32
	if f0.Depth <= 16 {
		hist = make([]uint32, 1<<uint(f0.Depth))
	} else {
		all = make([]uint32, 0, f0.Width*f0.Height*len(frames))
	}
	total := uint64(0)
	for _, f := range frames {
		for y := 0; y < f.Height; y++ {
			for x := 0; x < f.Width; x++ {
				v := f.Value(x, y)
				cols[x] += uint64(v)
				total += uint64(v)
				if hist != nil {
					if int(v) >= len(hist) {
						v = uint32(len(hist) - 1)
					}
					hist[v]++
				} else {
					all = append(all, v)
				}
			}
		}
	}
	perCol := uint64(f0.Height * len(frames))
	n := perCol * uint64(f0.Width)
	a := &Analysis{Average: uint32((total + n/2) / n), Columns: make([]uint32, f0.Width)}
	for x, c := range cols {
		a.Columns[x] = uint32((c + perCol/2) / perCol)
	}
	mid := n / 2
	if hist != nil {
		seen := uint64(0)
		for v, c := range hist {
			if seen += uint64(c); seen > mid {
				a.Median = uint32(v)
				break
			}
		}
	} else {
		sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })
		a.Median = all[mid]
	}
	return a, nil
}
