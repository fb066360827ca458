// Copyright 2018 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package device

import "strings"

// Type is a detector model and its read out board.
type Type struct {
	ID             uint32
	Name           string
	LinesPerPacket int
	HealthVersion  int
	Rows           int // Native geometry, 0 when not known.
	Columns        int
}

func (t *Type) String() string {
	if t == nil {
		return Unknown.Name
	}
	return t.Name
}

// Known device types.
var (
	DT1511Kikka2 = &Type{0x10001, "1511_KIKKA2", 1, 1, 1100, 1500}
	DT1511Armi   = &Type{0x10002, "1511_ARMI", 1, 1, 1100, 1500}
	DT1412Kikka2 = &Type{0x20001, "1412_KIKKA2", 1, 1, 1200, 1400}
	DT1412Kosti  = &Type{0x20002, "1412_KOSTI", 1, 1, 1200, 1400}
	DT1412Armi   = &Type{0x20003, "1412_ARMI", 1, 1, 1200, 1400}
	DT1412Elli   = &Type{0x20004, "1412_ELLI", 1, 1, 1200, 1400}
	DT1412Erica  = &Type{0x20005, "1412_ERICA", 1, 1, 1200, 1400}
	DT1412Nelli  = &Type{0x20006, "1412_NELLI", 1, 1, 1200, 1400}
	DT2301Kikka2 = &Type{0x30001, "2301_KIKKA2", 1, 1, 100, 2300}
	DT2301Armi   = &Type{0x30002, "2301_ARMI", 1, 1, 100, 2300}
	DT2301ArmiB  = &Type{0x30003, "2301_ARMIB", 1, 1, 100, 2300}
	DT1615Armi   = &Type{0x40001, "1615_ARMI", 1, 1, 1500, 1600}
	DT1501Armi   = &Type{0x50001, "1501_ARMI", 2, 1, 100, 1500}
	DT2222DAS    = &Type{0x60001, "2222_DAS", 1, 2, 2200, 2200}
	DT3030DAS    = &Type{0x70001, "3030_DAS", 1, 2, 3000, 3000}
	DT2923DAS    = &Type{0x80001, "2923_DAS", 1, 2, 2300, 2900}
	Unknown      = &Type{0, "UNKNOWN", 1, 1, 0, 0}
)

// Types lists all known device types.
var Types = []*Type{
	DT1511Kikka2, DT1511Armi,
	DT1412Kikka2, DT1412Kosti, DT1412Armi, DT1412Elli, DT1412Erica, DT1412Nelli,
	DT2301Kikka2, DT2301Armi, DT2301ArmiB,
	DT1615Armi, DT1501Armi,
	DT2222DAS, DT3030DAS, DT2923DAS,
}

// TypeByID returns the device type for an ID as reported by the detector.
//
// Returns Unknown if not found.
func TypeByID(id uint32) *Type {
	for _, t := range Types {
		if t.ID == id {
			return t
		}
	}
	return Unknown
}

// TypeByName returns the device type by name, case insensitive.
//
// Returns Unknown if not found.
func TypeByName(name string) *Type {
	for _, t := range Types {
		if strings.EqualFold(t.Name, name) {
			return t
		}
	}
	return Unknown
}

// Serial number prefixes identifying the detector family.
const (
	serialPrefix2301 = "24465"
	serialPrefix1412 = "24117"
)

// TypeFromSerial guesses the device family from the serial number. Only a few
// families encode it; other serial numbers return Unknown.
func TypeFromSerial(serial string) *Type {
	switch {
	case strings.HasPrefix(serial, serialPrefix2301):
		return DT2301Armi
	case strings.HasPrefix(serial, serialPrefix1412):
		return DT1412Armi
	default:
		return Unknown
	}
}
