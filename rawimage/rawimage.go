// Copyright 2018 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package rawimage reads and writes raw captures.
//
// A capture is a pair of files: name.dat holds the frames back to back, each
// as Height lines of Pitch bytes exactly as in frame.Frame.Pix, and name.txt
// holds one key=value pair per line describing them.
package rawimage

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/maruel/go-xscan/device"
	"github.com/maruel/go-xscan/frame"
)

// Header is the content of the .txt file.
type Header struct {
	CaptureID uuid.UUID
	Created   time.Time
	Width     int
	Height    int
	Depth     int
	Offset    int // Per-line reserved bytes.
	Frames    int
	Device    string // Device type name.
	Serial    string
	Corrected bool
}

// Pitch is the number of bytes per line.
func (h *Header) Pitch() int {
	return h.Offset + h.Width*device.PixelBytes(h.Depth)
}

// FrameBytes is the size of one frame in the .dat file.
func (h *Header) FrameBytes() int {
	return h.Pitch() * h.Height
}

// TxtPath returns the header file name for a .dat file.
func TxtPath(dat string) string {
	return strings.TrimSuffix(dat, filepath.Ext(dat)) + ".txt"
}

// Writer appends frames to a .dat file and writes the .txt header on Close.
type Writer struct {
	h    Header
	path string
	f    *os.File
	w    *bufio.Writer
}

// Create creates path and its companion header file. dev may be nil.
func Create(path string, dev *device.Descriptor) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w := &Writer{
		h:    Header{CaptureID: uuid.New(), Created: time.Now()},
		path: path,
		f:    f,
		w:    bufio.NewWriterSize(f, 1<<20),
	}
	if dev != nil {
		w.h.Device = dev.Type.String()
		w.h.Serial = dev.SerialNumber
	}
	return w, nil
}

// Header returns the header as it would be written now.
func (w *Writer) Header() Header {
	return w.h
}

// Write appends one frame. All frames must share the geometry of the first.
func (w *Writer) Write(f *frame.Frame) error {
	if w.h.Frames == 0 {
		w.h.Width, w.h.Height, w.h.Depth, w.h.Offset = f.Width, f.Height, f.Depth, f.Offset
		w.h.Corrected = f.Corrected
	} else if f.Width != w.h.Width || f.Height != w.h.Height || f.Depth != w.h.Depth || f.Offset != w.h.Offset {
		return fmt.Errorf("rawimage: %s does not match %dx%d@%d", f, w.h.Width, w.h.Height, w.h.Depth)
	}
	if _, err := w.w.Write(f.Pix[:f.Pitch*f.Height]); err != nil {
		return err
	}
	w.h.Frames++
	return nil
}

// Close flushes the frames and writes the header file.
func (w *Writer) Close() error {
	err := w.w.Flush()
	if err2 := w.f.Close(); err == nil {
		err = err2
	}
	if err != nil {
		return err
	}
	t, err := os.Create(TxtPath(w.path))
	if err != nil {
		return err
	}
	_, err = WriteHeader(t, &w.h)
	if err2 := t.Close(); err == nil {
		err = err2
	}
	return err
}

// Save writes frames to path in one go.
func Save(path string, dev *device.Descriptor, frames ...*frame.Frame) error {
	if len(frames) == 0 {
		return errors.New("rawimage: no frame")
	}
	w, err := Create(path, dev)
	if err != nil {
		return err
	}
	for _, f := range frames {
		if err := w.Write(f); err != nil {
			w.Close()
			return err
		}
	}
	return w.Close()
}

// WriteHeader serializes h.
func WriteHeader(w io.Writer, h *Header) (int, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "capture_id=%s\n", h.CaptureID)
	fmt.Fprintf(&b, "created=%s\n", h.Created.Format(time.RFC3339Nano))
	fmt.Fprintf(&b, "width=%d\n", h.Width)
	fmt.Fprintf(&b, "height=%d\n", h.Height)
	fmt.Fprintf(&b, "pixel_depth=%d\n", h.Depth)
	fmt.Fprintf(&b, "pixel_bytes=%d\n", device.PixelBytes(h.Depth))
	fmt.Fprintf(&b, "data_offset=%d\n", h.Offset)
	fmt.Fprintf(&b, "frame_count=%d\n", h.Frames)
	if h.Device != "" {
		fmt.Fprintf(&b, "device_type=%s\n", h.Device)
	}
	if h.Serial != "" {
		fmt.Fprintf(&b, "serial=%s\n", h.Serial)
	}
	fmt.Fprintf(&b, "corrected=%t\n", h.Corrected)
	return io.WriteString(w, b.String())
}

// ReadHeader parses a header. Unknown keys, blank lines and lines starting
// with '#' are ignored.
func ReadHeader(r io.Reader) (*Header, error) {
	h := &Header{}
	s := bufio.NewScanner(r)
	for n := 1; s.Scan(); n++ {
		line := strings.TrimSpace(s.Text())
		if line == "" || line[0] == '#' {
			continue
		}
		i := strings.IndexByte(line, '=')
		if i <= 0 {
			return nil, fmt.Errorf("rawimage: line %d: expected key=value", n)
		}
		if err := h.set(strings.TrimSpace(line[:i]), strings.TrimSpace(line[i+1:])); err != nil {
			return nil, fmt.Errorf("rawimage: line %d: %v", n, err)
		}
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	if h.Width <= 0 || h.Height <= 0 || h.Depth <= 0 || h.Depth > 32 || h.Offset < 0 {
		return nil, fmt.Errorf("rawimage: invalid geometry %dx%d@%d+%d", h.Width, h.Height, h.Depth, h.Offset)
	}
	return h, nil
}

func (h *Header) set(k, v string) error {
	var err error
	switch k {
	case "capture_id":
		h.CaptureID, err = uuid.Parse(v)
	case "created":
		h.Created, err = time.Parse(time.RFC3339Nano, v)
	case "width":
		h.Width, err = strconv.Atoi(v)
	case "height":
		h.Height, err = strconv.Atoi(v)
	case "pixel_depth":
		h.Depth, err = strconv.Atoi(v)
	case "data_offset":
		h.Offset, err = strconv.Atoi(v)
	case "frame_count":
		h.Frames, err = strconv.Atoi(v)
	case "device_type":
		h.Device = v
	case "serial":
		h.Serial = v
	case "corrected":
		h.Corrected, err = strconv.ParseBool(v)
	}
	if err != nil {
		return fmt.Errorf("%s: %v", k, err)
	}
	return nil
}

// Load reads all the frames of a .dat file using its .txt header.
//
// The frame count is derived from the .dat size; a trailing partial frame is
// an error.
func Load(path string) (*Header, []*frame.Frame, error) {
	t, err := os.Open(TxtPath(path))
	if err != nil {
		return nil, nil, err
	}
	h, err := ReadHeader(t)
	t.Close()
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return nil, nil, err
	}
	size := int64(h.FrameBytes())
	if fi.Size()%size != 0 {
		return nil, nil, fmt.Errorf("rawimage: %s is %d bytes, not a multiple of %d", path, fi.Size(), size)
	}
	h.Frames = int(fi.Size() / size)
	frames, err := ReadFrames(bufio.NewReaderSize(f, 1<<20), h)
	if err != nil {
		return nil, nil, err
	}
	return h, frames, nil
}

// ReadFrames reads h.Frames frames from r.
func ReadFrames(r io.Reader, h *Header) ([]*frame.Frame, error) {
	out := make([]*frame.Frame, 0, h.Frames)
	for i := 0; i < h.Frames; i++ {
		f := frame.New(h.Width, h.Height, h.Depth, h.Offset)
		if _, err := io.ReadFull(r, f.Pix); err != nil {
			return nil, fmt.Errorf("rawimage: frame %d: %v", i, err)
		}
		f.Seq = i
		f.Corrected = h.Corrected
		out = append(out, f)
	}
	return out, nil
}
