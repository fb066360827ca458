// Copyright 2018 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package correction

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io/ioutil"
	"sort"
)

// DefectMap lists the defective rows, columns and pixels of a sensor.
//
// Serialized form, little endian: "XDEF", version uint16, width uint16,
// height uint16, row count uint16, column count uint16, the rows and columns
// as uint16, a pixel bitmap of ceil(width*height/8) bytes (bit i%8 of byte
// i/8 is pixel i), then the IEEE CRC-32 of everything before it.
type DefectMap struct {
	Width   int
	Height  int
	Rows    []int
	Columns []int
	pix     []byte
}

const (
	defectMagic   = "XDEF"
	defectVersion = 1
	defectHeader  = 4 + 2*5
)

// NewDefectMap returns an empty map.
func NewDefectMap(width, height int) (*DefectMap, error) {
	if width <= 0 || height <= 0 || width > 0xFFFF || height > 0xFFFF {
		return nil, fmt.Errorf("correction: invalid defect map geometry %dx%d", width, height)
	}
	return &DefectMap{Width: width, Height: height, pix: make([]byte, (width*height+7)/8)}, nil
}

// Set marks pixel (x, y) as defective.
func (d *DefectMap) Set(x, y int) {
	i := y*d.Width + x
	d.pix[i/8] |= 1 << uint(i%8)
}

// IsSet returns true if pixel (x, y) was marked with Set.
func (d *DefectMap) IsSet(x, y int) bool {
	i := y*d.Width + x
	return d.pix[i/8]&(1<<uint(i%8)) != 0
}

// AddRow marks a whole row as defective.
func (d *DefectMap) AddRow(y int) {
	d.Rows = addSorted(d.Rows, y)
}

// AddColumn marks a whole column as defective.
func (d *DefectMap) AddColumn(x int) {
	d.Columns = addSorted(d.Columns, x)
}

// Pixels returns the number of pixels marked with Set.
func (d *DefectMap) Pixels() int {
	n := 0
	for _, b := range d.pix {
		for ; b != 0; b &= b - 1 {
			n++
		}
	}
	return n
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (d *DefectMap) MarshalBinary() ([]byte, error) {
	if err := d.validate(); err != nil {
		return nil, err
	}
	var b bytes.Buffer
	b.WriteString(defectMagic)
	for _, v := range []int{defectVersion, d.Width, d.Height, len(d.Rows), len(d.Columns)} {
		binary.Write(&b, binary.LittleEndian, uint16(v))
	}
	for _, l := range [][]int{d.Rows, d.Columns} {
		for _, v := range l {
			binary.Write(&b, binary.LittleEndian, uint16(v))
		}
	}
	b.Write(d.pix)
	binary.Write(&b, binary.LittleEndian, crc32.ChecksumIEEE(b.Bytes()))
	return b.Bytes(), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
//
// It returns ErrCRC when the checksum does not match.
func (d *DefectMap) UnmarshalBinary(b []byte) error {
	if len(b) < defectHeader+4 || string(b[:4]) != defectMagic {
		return errors.New("correction: not a defect map")
	}
	body := b[:len(b)-4]
	if crc32.ChecksumIEEE(body) != binary.LittleEndian.Uint32(b[len(b)-4:]) {
		return ErrCRC
	}
	u := func(i int) int {
		return int(binary.LittleEndian.Uint16(body[4+2*i:]))
	}
	if v := u(0); v != defectVersion {
		return fmt.Errorf("correction: unsupported defect map version %d", v)
	}
	w, h, nr, nc := u(1), u(2), u(3), u(4)
	m, err := NewDefectMap(w, h)
	if err != nil {
		return err
	}
	if len(body) != defectHeader+2*(nr+nc)+len(m.pix) {
		return fmt.Errorf("correction: defect map is %d bytes, expected %d", len(body), defectHeader+2*(nr+nc)+len(m.pix))
	}
	o := defectHeader
	for i := 0; i < nr; i++ {
		m.Rows = append(m.Rows, int(binary.LittleEndian.Uint16(body[o:])))
		o += 2
	}
	for i := 0; i < nc; i++ {
		m.Columns = append(m.Columns, int(binary.LittleEndian.Uint16(body[o:])))
		o += 2
	}
	copy(m.pix, body[o:])
	if err := m.validate(); err != nil {
		return err
	}
	*d = *m
	return nil
}

// LoadDefectMap reads a map from a file.
func LoadDefectMap(path string) (*DefectMap, error) {
	b, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	d := &DefectMap{}
	if err := d.UnmarshalBinary(b); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return d, nil
}

// Save writes the map to a file.
func (d *DefectMap) Save(path string) error {
	b, err := d.MarshalBinary()
	if err != nil {
		return err
	}
	return ioutil.WriteFile(path, b, 0644)
}

func (d *DefectMap) validate() error {
	if len(d.pix) != (d.Width*d.Height+7)/8 {
		return errors.New("correction: defect map not initialized")
	}
	for _, y := range d.Rows {
		if y < 0 || y >= d.Height {
			return fmt.Errorf("correction: defect row %d out of range", y)
		}
	}
	for _, x := range d.Columns {
		if x < 0 || x >= d.Width {
			return fmt.Errorf("correction: defect column %d out of range", x)
		}
	}
	return nil
}

func addSorted(l []int, v int) []int {
	i := sort.SearchInts(l, v)
	if i < len(l) && l[i] == v {
		return l
	}
	l = append(l, 0)
	copy(l[i+1:], l[i:])
	l[i] = v
	return l
}
