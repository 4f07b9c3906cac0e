// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package local implements an in-process deployr.Transport: every
// instance is a goroutine sharing one address space, requests travel over
// Go channels, the global memory-slot exchange is a process-wide table,
// and the channel engine's distributed lock is an ordinary mutex. It is
// the default backend for tests and single-host development.
package local

import (
	"context"
	"fmt"
	"sync"

	"github.com/Algebraic-Programming/DeployR"
	"github.com/grailbio/base/log"
)

type slotAddr struct {
	tag uint64
	key deployr.SlotKey
}

// A Group is a set of in-process instances participating in one
// deployment. The instance at index 0 is the root.
type Group struct {
	mu         sync.Mutex
	cond       *sync.Cond
	slots      map[slotAddr]*memSlot
	locks      map[uint64]*sync.Mutex
	fences     map[uint64]*fenceState
	transports []*Transport
	aborted    bool
}

type fenceState struct {
	entered    int
	generation int
}

// New creates a group of n in-process instances.
func New(n int) *Group {
	g := &Group{
		slots:  make(map[slotAddr]*memSlot),
		locks:  make(map[uint64]*sync.Mutex),
		fences: make(map[uint64]*fenceState),
	}
	g.cond = sync.NewCond(&g.mu)
	for i := 0; i < n; i++ {
		g.transports = append(g.transports, &Transport{
			group:    g,
			id:       deployr.InstanceID(fmt.Sprintf("local/%d", i)),
			requests: make(chan *request),
			returns:  make(map[deployr.InstanceID][]byte),
		})
	}
	return g
}

// Instance returns the transport of the i'th instance.
func (g *Group) Instance(i int) *Transport { return g.transports[i] }

// N returns the number of instances in the group.
func (g *Group) N() int { return len(g.transports) }

func (g *Group) byID(id deployr.InstanceID) (*Transport, bool) {
	for _, t := range g.transports {
		if t.id == id {
			return t, true
		}
	}
	return nil, false
}

// fence blocks until every instance in the group has entered the fence
// keyed by tag.
func (g *Group) fence(tag uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	fs, ok := g.fences[tag]
	if !ok {
		fs = new(fenceState)
		g.fences[tag] = fs
	}
	fs.entered++
	if fs.entered == len(g.transports) {
		fs.entered = 0
		fs.generation++
		g.cond.Broadcast()
		return
	}
	gen := fs.generation
	for fs.generation == gen {
		g.cond.Wait()
	}
}

func (g *Group) lock(tag uint64) *sync.Mutex {
	g.mu.Lock()
	defer g.mu.Unlock()
	mu, ok := g.locks[tag]
	if !ok {
		mu = new(sync.Mutex)
		g.locks[tag] = mu
	}
	return mu
}

type request struct {
	name   string
	arg    uint64
	replyc chan reply
}

type reply struct {
	data []byte
	err  error
}

// Transport is one instance's view of an in-process group. It implements
// deployr.Transport.
type Transport struct {
	group    *Group
	id       deployr.InstanceID
	requests chan *request

	mu      sync.Mutex
	returns map[deployr.InstanceID][]byte
}

var _ deployr.Transport = (*Transport)(nil)

// CurrentInstanceID implements deployr.Transport.
func (t *Transport) CurrentInstanceID() deployr.InstanceID { return t.id }

// RootInstanceID implements deployr.Transport.
func (t *Transport) RootInstanceID() deployr.InstanceID { return t.group.transports[0].id }

// Instances implements deployr.Transport.
func (t *Transport) Instances() []deployr.InstanceID {
	ids := make([]deployr.InstanceID, len(t.group.transports))
	for i, tt := range t.group.transports {
		ids[i] = tt.id
	}
	return ids
}

// RequestRPC implements deployr.Transport. The request is delivered to
// the target's Listen; RequestRPC blocks until the target has submitted
// its reply, which is then retained for GetReturnValue.
func (t *Transport) RequestRPC(ctx context.Context, target deployr.InstanceID, name string, arg uint64) error {
	tt, ok := t.group.byID(target)
	if !ok {
		return fmt.Errorf("local: no such instance %s", target)
	}
	req := &request{name: name, arg: arg, replyc: make(chan reply, 1)}
	select {
	case tt.requests <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case r := <-req.replyc:
		if r.err != nil {
			return r.err
		}
		t.mu.Lock()
		t.returns[target] = r.data
		t.mu.Unlock()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetReturnValue implements deployr.Transport.
func (t *Transport) GetReturnValue(target deployr.InstanceID) (deployr.ReturnValue, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	data, ok := t.returns[target]
	if !ok {
		return deployr.ReturnValue{}, fmt.Errorf("local: no pending return value from %s", target)
	}
	return deployr.ReturnValue{Bytes: data}, nil
}

// FreeReturnValue implements deployr.Transport.
func (t *Transport) FreeReturnValue(target deployr.InstanceID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.returns, target)
	return nil
}

// Listen implements deployr.Transport.
func (t *Transport) Listen(ctx context.Context) (string, uint64, func([]byte, error) error, error) {
	select {
	case req := <-t.requests:
		submit := func(data []byte, rpcErr error) error {
			req.replyc <- reply{data: data, err: rpcErr}
			return nil
		}
		return req.name, req.arg, submit, nil
	case <-ctx.Done():
		return "", 0, nil, ctx.Err()
	}
}

// ExchangeGlobalMemorySlots implements deployr.Transport.
func (t *Transport) ExchangeGlobalMemorySlots(ctx context.Context, tag uint64, slots map[deployr.SlotKey]deployr.LocalMemorySlot) error {
	t.group.mu.Lock()
	defer t.group.mu.Unlock()
	for key, slot := range slots {
		ms, ok := slot.(*memSlot)
		if !ok {
			return fmt.Errorf("local: slot for key %d was not allocated by this transport", key)
		}
		t.group.slots[slotAddr{tag, key}] = ms
	}
	return nil
}

// Fence implements deployr.Transport.
func (t *Transport) Fence(ctx context.Context, tag uint64) error {
	t.group.fence(tag)
	return nil
}

// GetGlobalMemorySlot implements deployr.Transport.
func (t *Transport) GetGlobalMemorySlot(ctx context.Context, tag uint64, key deployr.SlotKey) (deployr.GlobalMemorySlot, error) {
	t.group.mu.Lock()
	defer t.group.mu.Unlock()
	slot, ok := t.group.slots[slotAddr{tag, key}]
	if !ok {
		return nil, fmt.Errorf("local: no slot registered under (%d, %d)", tag, key)
	}
	return slot, nil
}

// AcquireChannelLock implements deployr.Transport.
func (t *Transport) AcquireChannelLock(ctx context.Context, tag uint64) error {
	t.group.lock(tag).Lock()
	return nil
}

// ReleaseChannelLock implements deployr.Transport.
func (t *Transport) ReleaseChannelLock(tag uint64) error {
	t.group.lock(tag).Unlock()
	return nil
}

// AllocateLocalMemorySlot implements deployr.Transport.
func (t *Transport) AllocateLocalMemorySlot(memorySpace string, size int) (deployr.LocalMemorySlot, error) {
	return &memSlot{buf: make([]byte, size)}, nil
}

// FreeLocalMemorySlot implements deployr.Transport.
func (t *Transport) FreeLocalMemorySlot(slot deployr.LocalMemorySlot) error {
	ms, ok := slot.(*memSlot)
	if !ok {
		return fmt.Errorf("local: foreign slot")
	}
	ms.mu.Lock()
	ms.buf = nil
	ms.mu.Unlock()
	return nil
}

// Abort implements deployr.Transport.
func (t *Transport) Abort(code int) {
	log.Error.Printf("local: %s aborted with code %d", t.id, code)
	t.group.mu.Lock()
	t.group.aborted = true
	t.group.mu.Unlock()
}

// Aborted reports whether any instance in the group called Abort.
func (g *Group) Aborted() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.aborted
}

// Finalize implements deployr.Transport.
func (t *Transport) Finalize() {}

// A memSlot is a byte-slice-backed memory slot. ReadAt and WriteAt are
// serialized per slot, making counter-sized accesses atomic.
type memSlot struct {
	mu  sync.Mutex
	buf []byte
}

// Bytes implements deployr.LocalMemorySlot.
func (s *memSlot) Bytes() []byte { return s.buf }

// ReadAt implements deployr.GlobalMemorySlot.
func (s *memSlot) ReadAt(ctx context.Context, p []byte, off int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if off < 0 || int(off)+len(p) > len(s.buf) {
		return fmt.Errorf("local: read [%d, %d) out of slot bounds %d", off, int(off)+len(p), len(s.buf))
	}
	copy(p, s.buf[off:])
	return nil
}

// WriteAt implements deployr.GlobalMemorySlot.
func (s *memSlot) WriteAt(ctx context.Context, p []byte, off int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if off < 0 || int(off)+len(p) > len(s.buf) {
		return fmt.Errorf("local: write [%d, %d) out of slot bounds %d", off, int(off)+len(p), len(s.buf))
	}
	copy(s.buf[off:], p)
	return nil
}
