// Copyright 2018 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package transport

import (
	"runtime"
	"sync"
)

// Affinity hands out CPUs from a mask, one per call, round robin.
//
// Bit n of the mask selects CPU n. A zero mask means no pinning.
type Affinity struct {
	mu   sync.Mutex
	cpus []int
	next int
}

// NewAffinity returns an Affinity for mask.
func NewAffinity(mask uint64) *Affinity {
	return &Affinity{cpus: CPUs(mask)}
}

// Next returns the next CPU, or -1 when no pinning was requested.
func (a *Affinity) Next() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.cpus) == 0 {
		return -1
	}
	c := a.cpus[a.next%len(a.cpus)]
	a.next++
	return c
}

// CPUs lists the CPUs selected by mask, lowest first.
func CPUs(mask uint64) []int {
	var out []int
	for i := 0; i < 64; i++ {
		if mask&(1<<uint(i)) != 0 {
			out = append(out, i)
		}
	}
	return out
}

// LockThread locks the calling goroutine to its OS thread, then pins the
// thread to cpu (unless cpu is negative) and optionally requests real-time
// FIFO scheduling.
//
// The goroutine stays locked even when an error is returned; the error only
// reports that pinning or scheduling was refused, typically for lack of
// privileges, and acquisition can continue. Call the returned function to
// restore the previous affinity and policy and unlock the thread. If they
// cannot be restored, the thread stays locked and is destroyed by the runtime
// when the goroutine exits.
func LockThread(cpu int, realtime bool) (func(), error) {
	runtime.LockOSThread()
	if cpu < 0 && !realtime {
		return runtime.UnlockOSThread, nil
	}
	prev, err := saveThread()
	if err != nil {
		// Nothing is changed when it could not be saved.
		return runtime.UnlockOSThread, err
	}
	changed := false
	if cpu >= 0 {
		if err = setAffinity(cpu); err == nil {
			changed = true
		}
	}
	if realtime {
		if err2 := setRealtime(); err2 == nil {
			changed = true
		} else if err == nil {
			err = err2
		}
	}
	unlock := func() {
		if changed && prev.restore() != nil {
			return
		}
		runtime.UnlockOSThread()
	}
	return unlock, err
}
