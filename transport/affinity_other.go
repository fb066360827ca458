// Copyright 2018 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

//go:build !linux
// +build !linux

package transport

import "errors"

func setAffinity(cpu int) error {
	return errors.New("transport: cpu pinning is not supported on this platform")
}

func setRealtime() error {
	return errors.New("transport: real-time scheduling is not supported on this platform")
}

type threadState struct{}

func saveThread() (*threadState, error) {
	return &threadState{}, nil
}

func (s *threadState) restore() error {
	return nil
}
