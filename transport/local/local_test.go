// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package local

import (
	"bytes"
	"context"
	"sync"
	"testing"

	"github.com/Algebraic-Programming/DeployR"
)

func TestRequestListen(t *testing.T) {
	group := New(2)
	a, b := group.Instance(0), group.Instance(1)
	ctx := context.Background()
	go func() {
		name, arg, submit, err := b.Listen(ctx)
		if err != nil {
			t.Errorf("listen: %v", err)
			return
		}
		if name != "hello" || arg != 7 {
			t.Errorf("got (%s, %d), want (hello, 7)", name, arg)
		}
		if err := submit([]byte("world"), nil); err != nil {
			t.Errorf("submit: %v", err)
		}
	}()
	if err := a.RequestRPC(ctx, b.CurrentInstanceID(), "hello", 7); err != nil {
		t.Fatal(err)
	}
	rv, err := a.GetReturnValue(b.CurrentInstanceID())
	if err != nil {
		t.Fatal(err)
	}
	if got, want := string(rv.Bytes), "world"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if err := a.FreeReturnValue(b.CurrentInstanceID()); err != nil {
		t.Fatal(err)
	}
	if _, err := a.GetReturnValue(b.CurrentInstanceID()); err == nil {
		t.Error("expected error after FreeReturnValue")
	}
}

func TestSlotExchange(t *testing.T) {
	group := New(2)
	a, b := group.Instance(0), group.Instance(1)
	ctx := context.Background()
	slot, err := a.AllocateLocalMemorySlot("host", 16)
	if err != nil {
		t.Fatal(err)
	}
	err = a.ExchangeGlobalMemorySlots(ctx, 1, map[deployr.SlotKey]deployr.LocalMemorySlot{
		deployr.SlotPayload: slot,
	})
	if err != nil {
		t.Fatal(err)
	}
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := b.Fence(ctx, 1); err != nil {
			t.Errorf("fence: %v", err)
		}
	}()
	if err := a.Fence(ctx, 1); err != nil {
		t.Fatal(err)
	}
	wg.Wait()
	remote, err := b.GetGlobalMemorySlot(ctx, 1, deployr.SlotPayload)
	if err != nil {
		t.Fatal(err)
	}
	if err := remote.WriteAt(ctx, []byte("abcd"), 4); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, 4)
	if err := slot.ReadAt(ctx, got, 4); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte("abcd")) {
		t.Errorf("got %q, want abcd", got)
	}
	if err := remote.WriteAt(ctx, []byte("toolong"), 12); err == nil {
		t.Error("expected out-of-bounds write to fail")
	}
}

func TestChannelLock(t *testing.T) {
	group := New(2)
	a, b := group.Instance(0), group.Instance(1)
	ctx := context.Background()
	if err := a.AcquireChannelLock(ctx, 9); err != nil {
		t.Fatal(err)
	}
	acquired := make(chan struct{})
	go func() {
		if err := b.AcquireChannelLock(ctx, 9); err != nil {
			t.Errorf("acquire: %v", err)
		}
		close(acquired)
	}()
	select {
	case <-acquired:
		t.Fatal("lock acquired while held")
	default:
	}
	if err := a.ReleaseChannelLock(9); err != nil {
		t.Fatal(err)
	}
	<-acquired
	if err := b.ReleaseChannelLock(9); err != nil {
		t.Fatal(err)
	}
}

func TestListenCancel(t *testing.T) {
	group := New(1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, _, _, err := group.Instance(0).Listen(ctx)
		done <- err
	}()
	cancel()
	if err := <-done; err == nil {
		t.Error("expected cancellation error")
	}
}
