// Copyright 2018 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package transport

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// rtPriority is the SCHED_FIFO priority requested for the receive thread.
const rtPriority = 50

func setAffinity(cpu int) error {
	set := unix.CPUSet{}
	set.Zero()
	set.Set(cpu)
	// pid 0 is the calling thread.
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return fmt.Errorf("transport: pinning to cpu %d: %v", cpu, err)
	}
	return nil
}

func setRealtime() error {
	attr := unix.SchedAttr{
		Size:     unix.SizeofSchedAttr,
		Policy:   unix.SCHED_FIFO,
		Priority: rtPriority,
	}
	if err := unix.SchedSetAttr(0, &attr, 0); err != nil {
		return fmt.Errorf("transport: real-time scheduling: %v", err)
	}
	return nil
}

// threadState is the scheduling setup of the calling thread.
type threadState struct {
	set  unix.CPUSet
	attr *unix.SchedAttr
}

func saveThread() (*threadState, error) {
	s := &threadState{}
	if err := unix.SchedGetaffinity(0, &s.set); err != nil {
		return nil, fmt.Errorf("transport: reading cpu affinity: %v", err)
	}
	attr, err := unix.SchedGetAttr(0, 0)
	if err != nil {
		return nil, fmt.Errorf("transport: reading scheduling policy: %v", err)
	}
	s.attr = attr
	return s, nil
}

func (s *threadState) restore() error {
	if err := unix.SchedSetAttr(0, s.attr, 0); err != nil {
		return err
	}
	return unix.SchedSetaffinity(0, &s.set)
}
