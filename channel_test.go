// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package deployr_test

import (
	"context"
	"runtime"
	"sync"
	"testing"

	"github.com/Algebraic-Programming/DeployR"
	"github.com/Algebraic-Programming/DeployR/deployrtest"
)

func mustChannel(t *testing.T, d *deployr.D, name string) *deployr.Channel {
	t.Helper()
	c, ok := d.Channel(name)
	if !ok {
		t.Fatalf("channel %s not established", name)
	}
	return c
}

// spinPush pushes p, retrying WouldBlock until it succeeds.
func spinPush(t *testing.T, c *deployr.Channel, p string) {
	t.Helper()
	for {
		err := c.Push(context.Background(), []byte(p))
		if err == nil {
			return
		}
		if !deployr.Is(deployr.WouldBlock, err) {
			t.Errorf("push %q: %v", p, err)
			return
		}
		runtime.Gosched()
	}
}

// spinPop waits for a pending token, returns a copy of it, and pops it.
func spinPop(t *testing.T, c *deployr.Channel) string {
	t.Helper()
	for {
		p, err := c.Peek()
		if deployr.Is(deployr.Empty, err) {
			runtime.Gosched()
			continue
		}
		if err != nil {
			t.Fatalf("peek: %v", err)
		}
		token := string(p)
		if err := c.Pop(); err != nil {
			t.Fatalf("pop: %v", err)
		}
		return token
	}
}

func TestChannelSingleProducer(t *testing.T) {
	c := deployrtest.New(2)
	var (
		pushedFull = make(chan struct{})
		popped     = make(chan struct{})
		repushed   = make(chan struct{})
	)
	if err := c.Register("P", func(d *deployr.D) {
		ch := mustChannel(t, d, "ch")
		ctx := context.Background()
		if err := ch.Push(ctx, []byte("hi")); err != nil {
			t.Errorf("push hi: %v", err)
		}
		if err := ch.Push(ctx, []byte("world")); err != nil {
			t.Errorf("push world: %v", err)
		}
		if err := ch.Push(ctx, []byte("!")); !deployr.Is(deployr.WouldBlock, err) {
			t.Errorf("push !: got %v, want WouldBlock", err)
		}
		close(pushedFull)
		<-popped
		if err := ch.Push(ctx, []byte("!")); err != nil {
			t.Errorf("push ! after pop: %v", err)
		}
		close(repushed)
	}); err != nil {
		t.Fatal(err)
	}
	if err := c.Register("C", func(d *deployr.D) {
		ch := mustChannel(t, d, "ch")
		<-pushedFull
		p, err := ch.Peek()
		if err != nil || string(p) != "hi" {
			t.Errorf("peek: got (%q, %v), want hi", p, err)
		}
		if err := ch.Pop(); err != nil {
			t.Errorf("pop: %v", err)
		}
		close(popped)
		<-repushed
		p, err = ch.Peek()
		if err != nil || string(p) != "world" {
			t.Errorf("peek: got (%q, %v), want world", p, err)
		}
	}); err != nil {
		t.Fatal(err)
	}
	if err := c.DeclareChannels(deployr.ChannelSpec{
		Name:           "ch",
		Producers:      []deployr.RunnerID{1},
		Consumer:       0,
		BufferCapacity: 2,
		BufferSize:     16,
	}); err != nil {
		t.Fatal(err)
	}
	if err := c.Initialize(); err != nil {
		t.Fatal(err)
	}
	dep := deployr.Deployment{
		CoordinatorInstanceID: c.InstanceID(0),
		Runners: []deployr.Runner{
			{ID: 0, FunctionName: "C", InstanceID: c.InstanceID(0), HasInstanceID: true},
			{ID: 1, FunctionName: "P", InstanceID: c.InstanceID(1), HasInstanceID: true},
		},
	}
	if err := c.Deploy(context.Background(), dep); err != nil {
		t.Fatal(err)
	}
	c.Finalize()
}

func TestChannelMPSCOrdering(t *testing.T) {
	c := deployrtest.New(3)
	producer := func(prefix string) func(*deployr.D) {
		return func(d *deployr.D) {
			ch := mustChannel(t, d, "ch")
			spinPush(t, ch, prefix+"1")
			spinPush(t, ch, prefix+"2")
		}
	}
	var tokens []string
	if err := c.Register("C", func(d *deployr.D) {
		ch := mustChannel(t, d, "ch")
		for i := 0; i < 4; i++ {
			tokens = append(tokens, spinPop(t, ch))
		}
	}); err != nil {
		t.Fatal(err)
	}
	if err := c.Register("P1", producer("a")); err != nil {
		t.Fatal(err)
	}
	if err := c.Register("P2", producer("x")); err != nil {
		t.Fatal(err)
	}
	if err := c.DeclareChannels(deployr.ChannelSpec{
		Name:           "ch",
		Producers:      []deployr.RunnerID{1, 2},
		Consumer:       0,
		BufferCapacity: 2,
		BufferSize:     8,
	}); err != nil {
		t.Fatal(err)
	}
	if err := c.Initialize(); err != nil {
		t.Fatal(err)
	}
	dep := deployr.Deployment{
		CoordinatorInstanceID: c.InstanceID(0),
		Runners: []deployr.Runner{
			{ID: 0, FunctionName: "C", InstanceID: c.InstanceID(0), HasInstanceID: true},
			{ID: 1, FunctionName: "P1", InstanceID: c.InstanceID(1), HasInstanceID: true},
			{ID: 2, FunctionName: "P2", InstanceID: c.InstanceID(2), HasInstanceID: true},
		},
	}
	if err := c.Deploy(context.Background(), dep); err != nil {
		t.Fatal(err)
	}
	c.Finalize()
	if len(tokens) != 4 {
		t.Fatalf("got %d tokens, want 4", len(tokens))
	}
	index := make(map[string]int)
	for i, tok := range tokens {
		index[tok] = i
	}
	for _, tok := range []string{"a1", "a2", "x1", "x2"} {
		if _, ok := index[tok]; !ok {
			t.Fatalf("token %q missing from %v", tok, tokens)
		}
	}
	if index["a1"] > index["a2"] || index["x1"] > index["x2"] {
		t.Errorf("per-producer order violated: %v", tokens)
	}
}

func TestChannelWrongRoleAndEmpty(t *testing.T) {
	c := deployrtest.New(2)
	handshakes := new(sync.WaitGroup)
	handshakes.Add(2)
	if err := c.Register("P", func(d *deployr.D) {
		ch := mustChannel(t, d, "ch")
		if _, err := ch.Peek(); !deployr.Is(deployr.WrongRole, err) {
			t.Errorf("producer peek: got %v, want WrongRole", err)
		}
		if err := ch.Pop(); !deployr.Is(deployr.WrongRole, err) {
			t.Errorf("producer pop: got %v, want WrongRole", err)
		}
		handshakes.Done()
	}); err != nil {
		t.Fatal(err)
	}
	if err := c.Register("C", func(d *deployr.D) {
		ch := mustChannel(t, d, "ch")
		if err := ch.Push(context.Background(), []byte("x")); !deployr.Is(deployr.WrongRole, err) {
			t.Errorf("consumer push: got %v, want WrongRole", err)
		}
		if _, err := ch.Peek(); !deployr.Is(deployr.Empty, err) {
			t.Errorf("empty peek: got %v, want Empty", err)
		}
		if err := ch.Pop(); !deployr.Is(deployr.Empty, err) {
			t.Errorf("empty pop: got %v, want Empty", err)
		}
		handshakes.Done()
	}); err != nil {
		t.Fatal(err)
	}
	if err := c.DeclareChannels(deployr.ChannelSpec{
		Name:           "ch",
		Producers:      []deployr.RunnerID{1},
		Consumer:       0,
		BufferCapacity: 1,
		BufferSize:     8,
	}); err != nil {
		t.Fatal(err)
	}
	if err := c.Initialize(); err != nil {
		t.Fatal(err)
	}
	dep := deployr.Deployment{
		CoordinatorInstanceID: c.InstanceID(0),
		Runners: []deployr.Runner{
			{ID: 0, FunctionName: "C", InstanceID: c.InstanceID(0), HasInstanceID: true},
			{ID: 1, FunctionName: "P", InstanceID: c.InstanceID(1), HasInstanceID: true},
		},
	}
	if err := c.Deploy(context.Background(), dep); err != nil {
		t.Fatal(err)
	}
	handshakes.Wait()
	c.Finalize()
}

func TestChannelPayloadBytesWouldBlock(t *testing.T) {
	c := deployrtest.New(2)
	done := make(chan struct{})
	if err := c.Register("P", func(d *deployr.D) {
		ch := mustChannel(t, d, "ch")
		ctx := context.Background()
		if err := ch.Push(ctx, []byte("abcdef")); err != nil {
			t.Errorf("push: %v", err)
		}
		// The token ring has room, but only two payload bytes are free.
		if err := ch.Push(ctx, []byte("ghijkl")); !deployr.Is(deployr.WouldBlock, err) {
			t.Errorf("got %v, want WouldBlock on payload bytes", err)
		}
		if err := ch.Push(ctx, []byte("gh")); err != nil {
			t.Errorf("push gh: %v", err)
		}
		// A token larger than the whole ring can never fit.
		if err := ch.Push(ctx, []byte("waytoolongtoken")); !deployr.Is(deployr.WouldBlock, err) {
			t.Errorf("got %v, want WouldBlock on oversized token", err)
		}
		close(done)
	}); err != nil {
		t.Fatal(err)
	}
	if err := c.Register("C", func(d *deployr.D) { <-done }); err != nil {
		t.Fatal(err)
	}
	if err := c.DeclareChannels(deployr.ChannelSpec{
		Name:           "ch",
		Producers:      []deployr.RunnerID{1},
		Consumer:       0,
		BufferCapacity: 4,
		BufferSize:     8,
	}); err != nil {
		t.Fatal(err)
	}
	if err := c.Initialize(); err != nil {
		t.Fatal(err)
	}
	dep := deployr.Deployment{
		CoordinatorInstanceID: c.InstanceID(0),
		Runners: []deployr.Runner{
			{ID: 0, FunctionName: "C", InstanceID: c.InstanceID(0), HasInstanceID: true},
			{ID: 1, FunctionName: "P", InstanceID: c.InstanceID(1), HasInstanceID: true},
		},
	}
	if err := c.Deploy(context.Background(), dep); err != nil {
		t.Fatal(err)
	}
	c.Finalize()
}

func TestChannelPayloadWrapAround(t *testing.T) {
	c := deployrtest.New(2)
	var (
		pushed   = make(chan struct{})
		popped   = make(chan struct{})
		repushed = make(chan struct{})
	)
	if err := c.Register("P", func(d *deployr.D) {
		ch := mustChannel(t, d, "ch")
		ctx := context.Background()
		if err := ch.Push(ctx, []byte("abcdef")); err != nil {
			t.Errorf("push: %v", err)
		}
		close(pushed)
		<-popped
		// This token starts at ring offset 6 of 8 and wraps.
		if err := ch.Push(ctx, []byte("ghijkl")); err != nil {
			t.Errorf("wrapped push: %v", err)
		}
		close(repushed)
	}); err != nil {
		t.Fatal(err)
	}
	if err := c.Register("C", func(d *deployr.D) {
		ch := mustChannel(t, d, "ch")
		<-pushed
		if got := spinPop(t, ch); got != "abcdef" {
			t.Errorf("got %q, want abcdef", got)
		}
		close(popped)
		<-repushed
		if got := spinPop(t, ch); got != "ghijkl" {
			t.Errorf("got %q, want ghijkl", got)
		}
		if _, err := ch.Peek(); !deployr.Is(deployr.Empty, err) {
			t.Errorf("got %v, want Empty", err)
		}
	}); err != nil {
		t.Fatal(err)
	}
	if err := c.DeclareChannels(deployr.ChannelSpec{
		Name:           "ch",
		Producers:      []deployr.RunnerID{1},
		Consumer:       0,
		BufferCapacity: 4,
		BufferSize:     8,
	}); err != nil {
		t.Fatal(err)
	}
	if err := c.Initialize(); err != nil {
		t.Fatal(err)
	}
	dep := deployr.Deployment{
		CoordinatorInstanceID: c.InstanceID(0),
		Runners: []deployr.Runner{
			{ID: 0, FunctionName: "C", InstanceID: c.InstanceID(0), HasInstanceID: true},
			{ID: 1, FunctionName: "P", InstanceID: c.InstanceID(1), HasInstanceID: true},
		},
	}
	if err := c.Deploy(context.Background(), dep); err != nil {
		t.Fatal(err)
	}
	c.Finalize()
}
