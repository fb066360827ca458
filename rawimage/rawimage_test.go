// Copyright 2018 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package rawimage

import (
	"bytes"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/maruel/go-xscan/device"
	"github.com/maruel/go-xscan/frame"
)

func TestSaveLoad(t *testing.T) {
	dir, err := ioutil.TempDir("", "rawimage")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)
	p := filepath.Join(dir, "capture.dat")

	dev := device.New("192.168.1.2", device.DT1412Armi)
	dev.SerialNumber = "24117001"
	var frames []*frame.Frame
	for i := 0; i < 3; i++ {
		f := frame.New(5, 3, 14, 2)
		f.Fill(uint32(100 * (i + 1)))
		f.Line(1)[0] = byte(i)
		frames = append(frames, f)
	}
	if err := Save(p, dev, frames...); err != nil {
		t.Fatal(err)
	}
	h, got, err := Load(p)
	if err != nil {
		t.Fatal(err)
	}
	if h.Width != 5 || h.Height != 3 || h.Depth != 14 || h.Offset != 2 || h.Frames != 3 {
		t.Fatalf("%#v", h)
	}
	if h.Device != "1412_ARMI" || h.Serial != "24117001" || h.Corrected {
		t.Fatalf("%#v", h)
	}
	for i := range got {
		if !bytes.Equal(got[i].Pix, frames[i].Pix) || got[i].Seq != i {
			t.Fatal(i)
		}
	}
	txt, err := ioutil.ReadFile(filepath.Join(dir, "capture.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(txt), "pixel_bytes=2\n") {
		t.Fatal(string(txt))
	}
}

func TestWriter_geometry(t *testing.T) {
	dir, err := ioutil.TempDir("", "rawimage")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)
	w, err := Create(filepath.Join(dir, "a.dat"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Write(frame.New(4, 4, 16, 0)); err != nil {
		t.Fatal(err)
	}
	if err := w.Write(frame.New(4, 4, 18, 0)); err == nil {
		t.Fatal("expected mismatch")
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	// Truncate the data.
	if err := ioutil.WriteFile(filepath.Join(dir, "a.dat"), make([]byte, 10), 0600); err != nil {
		t.Fatal(err)
	}
	if _, _, err := Load(filepath.Join(dir, "a.dat")); err == nil {
		t.Fatal("expected partial frame error")
	}
}

func TestReadHeader(t *testing.T) {
	data := []struct {
		in string
		ok bool
	}{
		{"width=2\nheight=2\npixel_depth=14\n", true},
		{"# comment\n\nwidth=2\nheight=2\npixel_depth=18\nfoo=bar\n", true},
		{"width=2\nheight=2\n", false},
		{"width=x\n", false},
		{"width\n", false},
		{"capture_id=nope\nwidth=2\nheight=2\npixel_depth=14\n", false},
	}
	for i, line := range data {
		_, err := ReadHeader(strings.NewReader(line.in))
		if (err == nil) != line.ok {
			t.Fatal(i, err)
		}
	}
}

func TestTxtPath(t *testing.T) {
	if p := TxtPath("a/b.dat"); p != "a/b.txt" {
		t.Fatal(p)
	}
	if p := TxtPath("c"); p != "c.txt" {
		t.Fatal(p)
	}
}
