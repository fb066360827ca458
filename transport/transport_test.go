// Copyright 2018 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package transport

import (
	"net"
	"reflect"
	"testing"
	"time"
)

func TestKind(t *testing.T) {
	if Blocking.String() != "Blocking" || Batch.String() != "Batch" || Kind(9).String() != "Kind(9)" {
		t.Fatal("String()")
	}
}

func TestOpen_fail(t *testing.T) {
	if _, err := Open(&Config{LocalAddr: "127.0.0.1:0", Peer: "nope"}); err == nil {
		t.Fatal("invalid peer")
	}
	if _, err := Open(&Config{LocalAddr: "127.0.0.1:0", Kind: Kind(9)}); err == nil {
		t.Fatal("invalid kind")
	}
	if _, err := Open(&Config{LocalAddr: "not an address"}); err == nil {
		t.Fatal("invalid address")
	}
}

func TestBlocking(t *testing.T) {
	testLoopback(t, Blocking)
}

func TestBatch(t *testing.T) {
	testLoopback(t, Batch)
}

func TestCPUs(t *testing.T) {
	if got := CPUs(0); len(got) != 0 {
		t.Fatal(got)
	}
	if got := CPUs(0x8005); !reflect.DeepEqual(got, []int{0, 2, 15}) {
		t.Fatal(got)
	}
	a := NewAffinity(0x6)
	if a.Next() != 1 || a.Next() != 2 || a.Next() != 1 {
		t.Fatal("round robin")
	}
	if NewAffinity(0).Next() != -1 {
		t.Fatal("no pinning")
	}
}

func TestLockThread(t *testing.T) {
	// Pinning may be refused in a sandbox; only the unlock function matters.
	unlock, _ := LockThread(-1, false)
	unlock()
}

//

func testLoopback(t *testing.T, k Kind) {
	c, err := Open(&Config{Kind: k, LocalAddr: "127.0.0.1:0", Peer: "127.0.0.1", RecvTimeout: 20 * time.Millisecond, BatchSize: 4})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	bufs := make([][]byte, 4)
	for i := range bufs {
		bufs[i] = make([]byte, 64)
	}
	sizes := make([]int, 4)
	if _, err := c.ReadBatch(bufs, sizes); err != ErrTimeout {
		t.Fatalf("expected timeout, got %v", err)
	}

	s, err := net.DialUDP("udp4", nil, c.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	want := []string{"a", "bb", "ccc"}
	for _, w := range want {
		if _, err := s.Write([]byte(w)); err != nil {
			t.Fatal(err)
		}
	}
	var got []string
	for deadline := time.Now().Add(2 * time.Second); len(got) < len(want) && time.Now().Before(deadline); {
		n, err := c.ReadBatch(bufs, sizes)
		if err == ErrTimeout {
			continue
		}
		if err != nil {
			t.Fatal(err)
		}
		for i := 0; i < n; i++ {
			if sizes[i] != 0 {
				got = append(got, string(bufs[i][:sizes[i]]))
			}
		}
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatal(got)
	}
}
