// Copyright 2018 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package device

import (
	"bytes"
	"fmt"
	"io/ioutil"
	"net"

	"gopkg.in/yaml.v3"
)

// file is the on-disk representation. Type and MAC are stored as strings.
type file struct {
	Descriptor `yaml:",inline"`
	TypeName   string `yaml:"type"`
	MAC        string `yaml:"mac,omitempty"`
}

// Load reads a YAML descriptor.
//
// Geometry not specified in the file defaults to the device type's native
// geometry.
func Load(path string) (*Descriptor, error) {
	raw, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(raw)
}

// Parse decodes a YAML descriptor.
func Parse(raw []byte) (*Descriptor, error) {
	f := file{}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("device: %v", err)
	}
	d := New(f.IP, TypeByName(f.TypeName))
	if f.TypeName == "" && f.SerialNumber != "" {
		d.Type = TypeFromSerial(f.SerialNumber)
		if d.Type.Rows != 0 {
			d.Rows, d.Columns = d.Type.Rows, d.Type.Columns
		}
	}
	if f.HostIP != "" {
		d.HostIP = f.HostIP
	}
	if f.CmdPort != 0 {
		d.CmdPort = f.CmdPort
	}
	if f.ImgPort != 0 {
		d.ImgPort = f.ImgPort
	}
	if f.Rows != 0 {
		d.Rows = f.Rows
	}
	if f.Columns != 0 {
		d.Columns = f.Columns
	}
	if f.PixelDepth != 0 {
		d.PixelDepth = f.PixelDepth
	}
	if f.MaxPayload != 0 {
		d.MaxPayload = f.MaxPayload
	}
	d.SerialNumber = f.SerialNumber
	d.FirmVersion = f.FirmVersion
	d.FirmBuild = f.FirmBuild
	d.BinningMode = f.BinningMode
	d.GainRange = f.GainRange
	d.ROI = f.ROI
	if f.MAC != "" {
		mac, err := net.ParseMAC(f.MAC)
		if err != nil {
			return nil, fmt.Errorf("device: %v", err)
		}
		d.MAC = mac
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// Resolve returns the descriptor from the YAML file at path when set,
// otherwise a descriptor of the named type at ip.
func Resolve(path, ip, typeName string) (*Descriptor, error) {
	if path != "" {
		return Load(path)
	}
	t := TypeByName(typeName)
	if typeName != "" && t == Unknown {
		return nil, fmt.Errorf("device: unknown type %q", typeName)
	}
	d := New(ip, t)
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// Marshal encodes the descriptor as YAML.
func (d *Descriptor) Marshal() ([]byte, error) {
	f := file{Descriptor: *d, TypeName: d.Type.String()}
	if d.MAC != nil {
		f.MAC = d.MAC.String()
	}
	return yaml.Marshal(&f)
}
