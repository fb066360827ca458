// Copyright 2018 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package command

import (
	"encoding/binary"
	"fmt"

	"periph.io/x/periph/conn/physic"
)

// Health is the telemetry of a data module.
//
// Version 1 records fill the first block of voltages, the CIS temperature,
// the three DAS temperatures and the humidity. Version 2 records fill VIn,
// V3V8, V2V5, CIS, DAS[0], DAS[1] and the humidity.
type Health struct {
	Version int

	V24        physic.ElectricPotential
	V3V3       physic.ElectricPotential
	V2V5       physic.ElectricPotential
	V1V1       physic.ElectricPotential
	V3V3Analog physic.ElectricPotential
	V3V5       physic.ElectricPotential
	V1V5       physic.ElectricPotential
	VIn        physic.ElectricPotential
	V3V8       physic.ElectricPotential

	CIS      physic.Temperature
	DAS      [3]physic.Temperature
	Humidity physic.RelativeHumidity
}

func (h *Health) String() string {
	if h.Version == 2 {
		return fmt.Sprintf("VIn=%s 3V8=%s 2V5=%s CIS=%s DAS=%s/%s RH=%s",
			h.VIn, h.V3V8, h.V2V5, h.CIS, h.DAS[0], h.DAS[1], h.Humidity)
	}
	return fmt.Sprintf("24V=%s 3V3=%s 2V5=%s 1V1=%s 3V3A=%s 3V5=%s 1V5=%s CIS=%s DAS=%s/%s/%s RH=%s",
		h.V24, h.V3V3, h.V2V5, h.V1V1, h.V3V3Analog, h.V3V5, h.V1V5, h.CIS, h.DAS[0], h.DAS[1], h.DAS[2], h.Humidity)
}

// ParseHealth decodes a health record.
//
// Each field is a big endian 16 bits word: voltages in mV, temperatures in
// signed 0.1°C, humidity in 0.1%RH.
func ParseHealth(version int, b []byte) (*Health, error) {
	n := healthSize(version)
	if n == 0 {
		return nil, fmt.Errorf("command: unknown health version %d", version)
	}
	if len(b) != n {
		return nil, fmt.Errorf("command: health v%d record is %d bytes, got %d", version, n, len(b))
	}
	w := func(i int) uint16 { return binary.BigEndian.Uint16(b[2*i:]) }
	h := &Health{Version: version}
	if version == 1 {
		h.V24 = milliVolt(w(0))
		h.V3V3 = milliVolt(w(1))
		h.V2V5 = milliVolt(w(2))
		h.V1V1 = milliVolt(w(3))
		h.V3V3Analog = milliVolt(w(4))
		h.V3V5 = milliVolt(w(5))
		h.V1V5 = milliVolt(w(6))
		h.CIS = deciCelsius(w(7))
		h.DAS[0] = deciCelsius(w(8))
		h.DAS[1] = deciCelsius(w(9))
		h.DAS[2] = deciCelsius(w(10))
		h.Humidity = deciPercent(w(11))
		return h, nil
	}
	h.VIn = milliVolt(w(0))
	h.V3V8 = milliVolt(w(1))
	h.V2V5 = milliVolt(w(2))
	h.CIS = deciCelsius(w(3))
	h.DAS[0] = deciCelsius(w(4))
	h.Humidity = deciPercent(w(5))
	h.DAS[1] = deciCelsius(w(6))
	return h, nil
}

// EncodeHealth is the reverse of ParseHealth.
func EncodeHealth(h *Health) ([]byte, error) {
	var words []uint16
	switch h.Version {
	case 1:
		words = []uint16{
			toMilliVolt(h.V24), toMilliVolt(h.V3V3), toMilliVolt(h.V2V5), toMilliVolt(h.V1V1),
			toMilliVolt(h.V3V3Analog), toMilliVolt(h.V3V5), toMilliVolt(h.V1V5),
			toDeciCelsius(h.CIS), toDeciCelsius(h.DAS[0]), toDeciCelsius(h.DAS[1]), toDeciCelsius(h.DAS[2]),
			toDeciPercent(h.Humidity),
		}
	case 2:
		words = []uint16{
			toMilliVolt(h.VIn), toMilliVolt(h.V3V8), toMilliVolt(h.V2V5),
			toDeciCelsius(h.CIS), toDeciCelsius(h.DAS[0]), toDeciPercent(h.Humidity), toDeciCelsius(h.DAS[1]),
		}
	default:
		return nil, fmt.Errorf("command: unknown health version %d", h.Version)
	}
	b := make([]byte, 2*len(words))
	for i, v := range words {
		binary.BigEndian.PutUint16(b[2*i:], v)
	}
	return b, nil
}

func healthSize(version int) int {
	switch version {
	case 1:
		return 24
	case 2:
		return 14
	default:
		return 0
	}
}

func milliVolt(v uint16) physic.ElectricPotential {
	return physic.ElectricPotential(v) * physic.MilliVolt
}

func deciCelsius(v uint16) physic.Temperature {
	return physic.ZeroCelsius + physic.Temperature(int16(v))*100*physic.MilliKelvin
}

func deciPercent(v uint16) physic.RelativeHumidity {
	return physic.RelativeHumidity(v) * (physic.PercentRH / 10)
}

func toMilliVolt(e physic.ElectricPotential) uint16 {
	return uint16(e / physic.MilliVolt)
}

func toDeciCelsius(t physic.Temperature) uint16 {
	return uint16(int16((t - physic.ZeroCelsius) / (100 * physic.MilliKelvin)))
}

func toDeciPercent(r physic.RelativeHumidity) uint16 {
	return uint16(r / (physic.PercentRH / 10))
}
