// Copyright 2018 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package xscantest

import (
	"errors"
	"testing"

	"github.com/maruel/go-xscan/command"
	"github.com/maruel/go-xscan/device"
)

func TestDevice(t *testing.T) {
	d := NewDevice(device.New("10.0.0.1", device.TypeByName("1412_ARMI")))
	ch := command.New(d)
	if err := ch.SetPara(command.ParaFramePeriod, 2500); err != nil {
		t.Fatal(err)
	}
	if v, err := ch.GetPara(command.ParaFramePeriod); err != nil || v != 2500 {
		t.Fatal(v, err)
	}
	if err := ch.ExecutePara(command.ParaSavePara, 0); err != nil || d.Saved != 1 {
		t.Fatal(d.Saved, err)
	}

	// Reading an action parameter is refused by the detector with an error
	// response carrying no data.
	err := ch.SendCommand(uint8(command.ParaInitPara), command.OpRead, 0, nil, make([]byte, 4))
	var de *command.DeviceError
	if !errors.As(err, &de) || de.Code != 1 {
		t.Fatalf("%v", err)
	}
	if c := command.Classify(err); c != command.ErrCodeDevice {
		t.Fatal(c)
	}
}
