// Copyright 2018 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package command

import "strconv"

// Para is a detector parameter code.
type Para uint8

// Parameter codes as understood by the detector firmware.
const (
	ParaInitPara          Para = 1  // Execute: restore factory parameters.
	ParaSavePara          Para = 2  // Execute: persist current parameters.
	ParaFramePeriod       Para = 3  // µs.
	ParaNonInttime        Para = 4  // µs.
	ParaOpeMode           Para = 5  //
	ParaGainRange         Para = 6  // device.GainLow or device.GainHigh.
	ParaEnScan            Para = 7  //
	ParaBinningMode       Para = 8  // device.BinningFull or device.Binning2x2.
	ParaOutputResolution  Para = 9  //
	ParaInputTriggerMode  Para = 10 //
	ParaEnInputTrigger    Para = 11 //
	ParaOutputTriggerMode Para = 12 //
	ParaEnOutputTrigger   Para = 13 //
	ParaPixelNumber       Para = 14 //
	ParaMaxMinFramePeriod Para = 15 // Max in the high 32 bits, min in the low 32 bits, µs.
	ParaDasFirmVer        Para = 16 //
	ParaDasTestMode       Para = 17 //
	ParaDasSerial         Para = 18 // ASCII, use GetParaString.
	ParaInit1Para         Para = 19 // Execute.
	ParaEnLed             Para = 20 //
	ParaDasHealth         Para = 21 // Use GetHealth.
	ParaConfigFirmware    Para = 22 // Execute.
	ParaEnROI             Para = 23 //
	ParaROI               Para = 24 // Row start, row end, column start, column end; 16 bits each, high to low.
	ParaReadOutPeriod     Para = 25 // µs.
	ParaReadOutTime       Para = 26 // µs.
	ParaGcuWorkTime       Para = 27 // Seconds.
	ParaDeviceType        Para = 28 // device.Type ID.
)

type paraInfo struct {
	name string
	size int // Bytes of data; 0 for execute-only parameters.
}

var paras = map[Para]paraInfo{
	ParaInitPara:          {"InitPara", 0},
	ParaSavePara:          {"SavePara", 0},
	ParaFramePeriod:       {"FramePeriod", 4},
	ParaNonInttime:        {"NonInttime", 4},
	ParaOpeMode:           {"OpeMode", 1},
	ParaGainRange:         {"GainRange", 2},
	ParaEnScan:            {"EnScan", 1},
	ParaBinningMode:       {"BinningMode", 1},
	ParaOutputResolution:  {"OutputResolution", 1},
	ParaInputTriggerMode:  {"InputTriggerMode", 1},
	ParaEnInputTrigger:    {"EnInputTrigger", 1},
	ParaOutputTriggerMode: {"OutputTriggerMode", 1},
	ParaEnOutputTrigger:   {"EnOutputTrigger", 1},
	ParaPixelNumber:       {"PixelNumber", 2},
	ParaMaxMinFramePeriod: {"MaxMinFramePeriod", 8},
	ParaDasFirmVer:        {"DasFirmVer", 4},
	ParaDasTestMode:       {"DasTestMode", 1},
	ParaDasSerial:         {"DasSerial", 16},
	ParaInit1Para:         {"Init1Para", 0},
	ParaEnLed:             {"EnLed", 1},
	ParaDasHealth:         {"DasHealth", 0},
	ParaConfigFirmware:    {"ConfigFirmware", 0},
	ParaEnROI:             {"EnROI", 1},
	ParaROI:               {"ROI", 8},
	ParaReadOutPeriod:     {"ReadOutPeriod", 4},
	ParaReadOutTime:       {"ReadOutTime", 4},
	ParaGcuWorkTime:       {"GcuWorkTime", 4},
	ParaDeviceType:        {"DeviceType", 4},
}

func (p Para) String() string {
	if i, ok := paras[p]; ok {
		return i.name
	}
	return "Para(" + strconv.Itoa(int(p)) + ")"
}

// Size returns the number of bytes of the parameter value, 0 for parameters
// that can only be executed, -1 if unknown.
func (p Para) Size() int {
	if i, ok := paras[p]; ok {
		return i.size
	}
	return -1
}

// ParaByName returns the parameter with this name, case sensitive.
func ParaByName(name string) (Para, bool) {
	for p, i := range paras {
		if i.name == name {
			return p, true
		}
	}
	return 0, false
}
