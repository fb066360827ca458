// Copyright 2018 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package correction applies flat field correction to detector frames.
//
// An Engine is calibrated with dark frames (offset) then bright frames
// (gain). Corrected pixels are (raw - offset) * gain + baseline, clamped to
// the pixel depth, then defective pixels are repaired from their neighbors.
package correction

import (
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/maruel/go-xscan/device"
	"github.com/maruel/go-xscan/frame"
	"github.com/maruel/go-xscan/rawimage"
)

var (
	// ErrNotReady is returned when a correction stage is not calibrated.
	ErrNotReady = errors.New("correction: not calibrated")
	// ErrGeometry is returned for data that does not match the engine.
	ErrGeometry = errors.New("correction: geometry mismatch")
	// ErrAlreadyCorrected is returned when correcting a corrected frame.
	ErrAlreadyCorrected = errors.New("correction: frame already corrected")
	// ErrCRC is returned when a defect map is corrupted.
	ErrCRC = errors.New("correction: defect map CRC mismatch")
)

// Type selects correction stages.
type Type uint32

// Correction stages.
const (
	Offset Type = 1 << iota
	Gain
	Defect
	All = Offset | Gain | Defect
)

func (t Type) String() string {
	if t == 0 {
		return "None"
	}
	out := ""
	for i, n := range []string{"Offset", "Gain", "Defect"} {
		if t&(1<<uint(i)) != 0 {
			if out != "" {
				out += "|"
			}
			out += n
		}
	}
	if r := t &^ All; r != 0 {
		if out != "" {
			out += "|"
		}
		out += "0x" + strconv.FormatUint(uint64(r), 16)
	}
	return out
}

// State is the calibration state of an Engine.
type State int

// Valid values for State.
const (
	Idle        State = iota // Nothing calibrated.
	OffsetReady              // Offset calibrated, gain missing.
	Ready                    // Offset and gain calibrated.
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case OffsetReady:
		return "OffsetReady"
	case Ready:
		return "Ready"
	default:
		return "State(" + strconv.Itoa(int(s)) + ")"
	}
}

// DefectMapCount is the number of defect map slots. The active mask is the
// union of all of them.
const DefectMapCount = 4

// minResponse is the smallest bright minus dark response, in counts, for a
// pixel to be considered alive.
const minResponse = 1.0

// Engine holds the calibration of one detector geometry.
type Engine struct {
	mu       sync.Mutex
	width    int
	height   int
	depth    int
	baseline uint32
	offset   []uint32  // nil until calibrated.
	gain     []float32 // nil until calibrated; 0 marks a dead pixel.
	maps     [DefectMapCount]*DefectMap

	// Active mask, rebuilt from maps.
	rows   []bool
	cols   []bool
	pixels []bool

	corrected []*frame.Frame
}

// New returns an uncalibrated Engine for frames of the given geometry.
func New(width, height, depth int) (*Engine, error) {
	if width <= 0 || height <= 0 || depth <= 0 || depth > 32 {
		return nil, fmt.Errorf("correction: invalid geometry %dx%d@%d", width, height, depth)
	}
	e := &Engine{width: width, height: height, depth: depth}
	e.rebuildMask()
	return e, nil
}

// NewForDevice returns an Engine for the frames sent by dev.
func NewForDevice(dev *device.Descriptor) (*Engine, error) {
	return New(dev.Width(), dev.Height(), dev.PixelDepth)
}

func (e *Engine) String() string {
	return fmt.Sprintf("Engine(%dx%d@%d, %s)", e.width, e.height, e.depth, e.State())
}

// State returns the calibration state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state()
}

// Reset drops the calibration, the defect maps and the corrected frames. The
// baseline is kept.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.offset = nil
	e.gain = nil
	e.maps = [DefectMapCount]*DefectMap{}
	e.corrected = nil
	e.rebuildMask()
}

// SetBaseline sets the value added to every corrected pixel.
func (e *Engine) SetBaseline(v uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if v > e.max() {
		return fmt.Errorf("correction: baseline %d exceeds %d", v, e.max())
	}
	e.baseline = v
	return nil
}

// CalculateOffset averages dark frames into the offset image. It invalidates
// the gain, which depends on it.
func (e *Engine) CalculateOffset(frames []*frame.Frame) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	avg, err := e.average(frames)
	if err != nil {
		return err
	}
	max := e.max()
	e.offset = make([]uint32, len(avg))
	for i, v := range avg {
		if v > uint64(max) {
			v = uint64(max)
		}
		e.offset[i] = uint32(v)
	}
	e.gain = nil
	e.rebuildMask()
	return nil
}

// CalculateGain averages bright frames and computes for each pixel the
// coefficient bringing its offset corrected response to target. A target of
// 0 selects the mean response of the live pixels.
//
// Pixels that barely respond get a gain of 0 and are treated as defective.
func (e *Engine) CalculateGain(frames []*frame.Frame, target uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.offset == nil {
		return ErrNotReady
	}
	avg, err := e.average(frames)
	if err != nil {
		return err
	}
	resp := make([]float64, len(avg))
	sum := 0.
	live := 0
	for i, v := range avg {
		resp[i] = float64(v) - float64(e.offset[i])
		if resp[i] >= minResponse {
			sum += resp[i]
			live++
		}
	}
	if live == 0 {
		return errors.New("correction: no pixel responds to the bright frames")
	}
	t := float64(target)
	if target == 0 {
		t = sum / float64(live)
	}
	e.gain = make([]float32, len(resp))
	for i, r := range resp {
		if r >= minResponse {
			e.gain[i] = float32(t / r)
		}
	}
	e.rebuildMask()
	return nil
}

// SetDefectMap installs m in slot i; nil clears the slot.
func (e *Engine) SetDefectMap(i int, m *DefectMap) error {
	if i < 0 || i >= DefectMapCount {
		return fmt.Errorf("correction: invalid defect map slot %d", i)
	}
	if m != nil {
		if m.Width != e.width || m.Height != e.height {
			return ErrGeometry
		}
		if err := m.validate(); err != nil {
			return err
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.maps[i] = m
	e.rebuildMask()
	return nil
}

// DefectMap returns the map in slot i, or nil.
func (e *Engine) DefectMap(i int) *DefectMap {
	e.mu.Lock()
	defer e.mu.Unlock()
	if i < 0 || i >= DefectMapCount {
		return nil
	}
	return e.maps[i]
}

// LoadDefectsFile loads a defect map file into slot i.
func (e *Engine) LoadDefectsFile(path string, i int) error {
	m, err := LoadDefectMap(path)
	if err != nil {
		return err
	}
	return e.SetDefectMap(i, m)
}

// SaveDefectsFile saves the defect map of slot i.
func (e *Engine) SaveDefectsFile(path string, i int) error {
	m := e.DefectMap(i)
	if m == nil {
		return fmt.Errorf("correction: defect map slot %d is empty", i)
	}
	return m.Save(path)
}

// IsDefect returns true if pixel (x, y) is repaired by the Defect stage.
func (e *Engine) IsDefect(x, y int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.isDefect(x, y)
}

// DoCorrect applies all the stages to f and returns the corrected copy.
func (e *Engine) DoCorrect(f *frame.Frame) (*frame.Frame, error) {
	return e.DoCorrectType(f, All)
}

// DoCorrectType applies the stages selected by t to f and returns the
// corrected copy. f is not modified.
func (e *Engine) DoCorrectType(f *frame.Frame, t Type) (*frame.Frame, error) {
	out, err := e.DoCorrectAll([]*frame.Frame{f}, t)
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// DoCorrectAll corrects frames with the stages selected by t. Every frame is
// checked before any is corrected.
func (e *Engine) DoCorrectAll(frames []*frame.Frame, t Type) ([]*frame.Frame, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t == 0 || t&^All != 0 {
		return nil, fmt.Errorf("correction: invalid type %s", t)
	}
	if t&Offset != 0 && e.offset == nil {
		return nil, ErrNotReady
	}
	if t&Gain != 0 && e.gain == nil {
		return nil, ErrNotReady
	}
	if len(frames) == 0 {
		return nil, errors.New("correction: no frame")
	}
	for _, f := range frames {
		if err := e.check(f); err != nil {
			return nil, err
		}
	}
	out := make([]*frame.Frame, len(frames))
	for i, f := range frames {
		out[i] = e.correct(f, t)
	}
	e.corrected = out
	return out, nil
}

// CorrectedImages returns the frames produced by the last correction.
func (e *Engine) CorrectedImages() []*frame.Frame {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.corrected
}

// SaveCorrectedImageFile writes the frames produced by the last correction
// as a raw image.
func (e *Engine) SaveCorrectedImageFile(path string) error {
	frames := e.CorrectedImages()
	if len(frames) == 0 {
		return errors.New("correction: nothing was corrected")
	}
	return rawimage.Save(path, nil, frames...)
}

//

func (e *Engine) state() State {
	switch {
	case e.offset != nil && e.gain != nil:
		return Ready
	case e.offset != nil:
		return OffsetReady
	default:
		return Idle
	}
}

func (e *Engine) max() uint32 {
	if e.depth >= 32 {
		return 0xFFFFFFFF
	}
	return 1<<uint(e.depth) - 1
}

func (e *Engine) check(f *frame.Frame) error {
	if f.Corrected {
		return ErrAlreadyCorrected
	}
	if f.Width != e.width || f.Height != e.height || f.Depth != e.depth {
		return ErrGeometry
	}
	return nil
}

// average returns the per pixel mean of frames.
func (e *Engine) average(frames []*frame.Frame) ([]uint64, error) {
	if len(frames) == 0 {
		return nil, errors.New("correction: no frame")
	}
	for _, f := range frames {
		if err := e.check(f); err != nil {
			return nil, err
		}
	}
	acc := make([]uint64, e.width*e.height)
	for _, f := range frames {
		for y := 0; y < e.height; y++ {
			for x := 0; x < e.width; x++ {
				acc[y*e.width+x] += uint64(f.Value(x, y))
			}
		}
	}
	n := uint64(len(frames))
	for i := range acc {
		acc[i] = (acc[i] + n/2) / n
	}
	return acc, nil
}

func (e *Engine) correct(f *frame.Frame, t Type) *frame.Frame {
	out := f.Clone()
	out.Corrected = true
	max := float64(e.max())
	base := float64(e.baseline)
	for y := 0; y < e.height; y++ {
		for x := 0; x < e.width; x++ {
			i := y*e.width + x
			v := float64(f.Value(x, y))
			if t&Offset != 0 {
				if v -= float64(e.offset[i]); v < 0 {
					v = 0
				}
			}
			if t&Gain != 0 {
				v *= float64(e.gain[i])
			}
			if t&Offset != 0 {
				v += base
			}
			if v > max {
				v = max
			}
			out.SetValue(x, y, uint32(v+0.5))
		}
	}
	if t&Defect != 0 {
		e.repair(out)
	}
	return out
}

// rebuildMask merges the defect maps and the dead pixels found by the gain
// calibration.
func (e *Engine) rebuildMask() {
	e.rows = make([]bool, e.height)
	e.cols = make([]bool, e.width)
	e.pixels = make([]bool, e.width*e.height)
	for _, m := range e.maps {
		if m == nil {
			continue
		}
		for _, y := range m.Rows {
			e.rows[y] = true
		}
		for _, x := range m.Columns {
			e.cols[x] = true
		}
		for y := 0; y < e.height; y++ {
			for x := 0; x < e.width; x++ {
				if m.IsSet(x, y) {
					e.pixels[y*e.width+x] = true
				}
			}
		}
	}
	for i, g := range e.gain {
		if g == 0 {
			e.pixels[i] = true
		}
	}
}

func (e *Engine) isDefect(x, y int) bool {
	return e.rows[y] || e.cols[x] || e.pixels[y*e.width+x]
}

// repair replaces defective columns then rows by linear interpolation
// between the nearest valid pixels across them, then isolated pixels by the
// mean of their valid 4-connected neighbors. Pixels without any valid
// neighbor are left as is.
func (e *Engine) repair(f *frame.Frame) {
	for x := 0; x < e.width; x++ {
		if !e.cols[x] {
			continue
		}
		for y := 0; y < e.height; y++ {
			if !e.rows[y] {
				e.interpolate(f, x, y, 1, 0, func(x, y int) bool { return !e.cols[x] && !e.pixels[y*e.width+x] })
			}
		}
	}
	// Repaired columns are usable from here on.
	for y := 0; y < e.height; y++ {
		if !e.rows[y] {
			continue
		}
		for x := 0; x < e.width; x++ {
			e.interpolate(f, x, y, 0, 1, func(x, y int) bool { return !e.rows[y] && !e.pixels[y*e.width+x] })
		}
	}
	for y := 0; y < e.height; y++ {
		if e.rows[y] {
			continue
		}
		for x := 0; x < e.width; x++ {
			if e.cols[x] || !e.pixels[y*e.width+x] {
				continue
			}
			sum, n := uint64(0), uint64(0)
			for _, d := range [4][2]int{{-1, 0}, {1, 0}, {0, -1}, {0, 1}} {
				nx, ny := x+d[0], y+d[1]
				if nx >= 0 && nx < e.width && ny >= 0 && ny < e.height && !e.pixels[ny*e.width+nx] {
					sum += uint64(f.Value(nx, ny))
					n++
				}
			}
			if n != 0 {
				f.SetValue(x, y, uint32((sum+n/2)/n))
			}
		}
	}
}

// interpolate repairs (x, y) from the nearest valid pixels in direction
// (dx, dy) and its opposite.
func (e *Engine) interpolate(f *frame.Frame, x, y, dx, dy int, valid func(x, y int) bool) {
	in := func(x, y int) bool {
		return x >= 0 && x < e.width && y >= 0 && y < e.height
	}
	ax, ay, da := x-dx, y-dy, 1
	for in(ax, ay) && !valid(ax, ay) {
		ax, ay, da = ax-dx, ay-dy, da+1
	}
	bx, by, db := x+dx, y+dy, 1
	for in(bx, by) && !valid(bx, by) {
		bx, by, db = bx+dx, by+dy, db+1
	}
	okA, okB := in(ax, ay), in(bx, by)
	switch {
	case okA && okB:
		va, vb := float64(f.Value(ax, ay)), float64(f.Value(bx, by))
		f.SetValue(x, y, uint32(va+(vb-va)*float64(da)/float64(da+db)+0.5))
	case okA:
		f.SetValue(x, y, f.Value(ax, ay))
	case okB:
		f.SetValue(x, y, f.Value(bx, by))
	}
}
