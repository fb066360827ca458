// Copyright 2018 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package main

import (
	"testing"

	"github.com/maruel/go-xscan/correction"
)

func TestParseStages(t *testing.T) {
	data := []struct {
		in   string
		want correction.Type
	}{
		{"offset", correction.Offset},
		{"Offset, gain", correction.Offset | correction.Gain},
		{"all", correction.All},
		{"defect,", correction.Defect},
	}
	for i, line := range data {
		got, err := parseStages(line.in)
		if err != nil {
			t.Fatal(i, err)
		}
		if got != line.want {
			t.Fatalf("#%d: %s != %s", i, got, line.want)
		}
	}
	for _, in := range []string{"", "dark", ","} {
		if _, err := parseStages(in); err == nil {
			t.Fatalf("%q should fail", in)
		}
	}
}
