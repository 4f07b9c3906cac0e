// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package fabric implements a networked deployr.Transport: every instance
// runs its own HTTP server and is addressed by its URL, so the control
// plane's wire behavior (gob bodies, the distinguished method-error status
// code, streaming) is genuinely exercised. Instances are pre-started
// within one process; spawning instances on remote hosts is outside this
// package's charter.
package fabric

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/Algebraic-Programming/DeployR"
	"github.com/Algebraic-Programming/DeployR/internal/filebuf"
	bigioutil "github.com/Algebraic-Programming/DeployR/internal/ioutil"
	"github.com/Algebraic-Programming/DeployR/rpc"
	"github.com/grailbio/base/log"
)

// slotStreamThreshold is the transfer size above which slot reads and
// writes stream through the RPC layer's io.Reader path instead of
// traveling as gob-encoded fields.
const slotStreamThreshold = 1 << 20

// slotChunkSize bounds how long a streamed transfer holds a slot's lock
// at a time.
const slotChunkSize = 64 << 10

type slotAddr struct {
	tag uint64
	key deployr.SlotKey
}

// A Group is a set of fabric instances participating in one deployment.
// The instance at index 0 is the root; it additionally hosts the group's
// fence and channel-lock services.
type Group struct {
	mu      sync.Mutex
	cond    *sync.Cond
	fences  map[uint64]*fenceState
	locks   map[uint64]chan struct{}
	aborted bool

	servers    []*httptest.Server
	transports []*Transport
}

type fenceState struct {
	entered    int
	generation int
}

// New creates a group of n fabric instances, each backed by its own HTTP
// server on the loopback interface.
func New(n int) (*Group, error) {
	g := &Group{
		fences: make(map[uint64]*fenceState),
		locks:  make(map[uint64]chan struct{}),
	}
	g.cond = sync.NewCond(&g.mu)
	for i := 0; i < n; i++ {
		t := &Transport{
			group:    g,
			index:    i,
			requests: make(chan *request),
			returns:  make(map[deployr.InstanceID][]byte),
			slots:    make(map[slotAddr]*memSlot),
		}
		client, err := rpc.NewClient(func() *http.Client { return &http.Client{} }, "/")
		if err != nil {
			return nil, err
		}
		t.client = client
		srv := rpc.NewServer()
		if err := srv.Register("Instance", &instanceService{t}); err != nil {
			return nil, err
		}
		if i == 0 {
			if err := srv.Register("Group", &groupService{g}); err != nil {
				return nil, err
			}
		}
		httpsrv := httptest.NewServer(srv)
		t.id = deployr.InstanceID(httpsrv.URL)
		g.servers = append(g.servers, httpsrv)
		g.transports = append(g.transports, t)
	}
	return g, nil
}

// Instance returns the transport of the i'th instance.
func (g *Group) Instance(i int) *Transport { return g.transports[i] }

// N returns the number of instances in the group.
func (g *Group) N() int { return len(g.transports) }

// Aborted reports whether any instance in the group called Abort.
func (g *Group) Aborted() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.aborted
}

// Shutdown closes every instance's HTTP server. It must be called after
// all instances have finalized.
func (g *Group) Shutdown() {
	for _, srv := range g.servers {
		srv.CloseClientConnections()
		srv.Close()
	}
}

type request struct {
	name   string
	arg    uint64
	replyc chan response
}

type response struct {
	data []byte
	err  error
}

// CallArg carries a control-plane request over the wire.
type CallArg struct {
	Name string
	Arg  uint64
}

// CallReply carries a control-plane reply. Application-level failures
// (e.g. an unknown dispatch target) travel in Failed/ErrKind/ErrMsg so
// that their classification survives the wire; method errors proper are
// reserved for transport faults.
type CallReply struct {
	Data    []byte
	Failed  bool
	ErrKind int
	ErrMsg  string
}

// SlotIOArg addresses a byte range of a registered global memory slot.
type SlotIOArg struct {
	Tag  uint64
	Key  uint32
	Off  int64
	Len  int
	Data []byte
}

// FenceArg names a collective fence.
type FenceArg struct {
	Tag uint64
	N   int
}

// instanceService is the per-instance RPC surface: request delivery into
// Listen and remote slot access.
type instanceService struct {
	t *Transport
}

// Call delivers a control-plane request to this instance's Listen and
// waits for its reply.
func (s *instanceService) Call(ctx context.Context, arg CallArg, reply *CallReply) error {
	req := &request{name: arg.Name, arg: arg.Arg, replyc: make(chan response, 1)}
	select {
	case s.t.requests <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case r := <-req.replyc:
		if r.err != nil {
			reply.Failed = true
			if e, ok := r.err.(*deployr.Error); ok {
				reply.ErrKind = int(e.Kind)
				reply.ErrMsg = e.Message
			} else {
				reply.ErrMsg = r.err.Error()
			}
			return nil
		}
		reply.Data = r.data
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SlotRead returns a byte range of a slot registered on this instance.
func (s *instanceService) SlotRead(ctx context.Context, arg SlotIOArg, reply *[]byte) error {
	slot, ok := s.t.slot(slotAddr{arg.Tag, deployr.SlotKey(arg.Key)})
	if !ok {
		return fmt.Errorf("fabric: no slot registered under (%d, %d)", arg.Tag, arg.Key)
	}
	buf := make([]byte, arg.Len)
	if err := slot.ReadAt(ctx, buf, arg.Off); err != nil {
		return err
	}
	*reply = buf
	return nil
}

// SlotWrite writes a byte range of a slot registered on this instance.
func (s *instanceService) SlotWrite(ctx context.Context, arg SlotIOArg, reply *bool) error {
	slot, ok := s.t.slot(slotAddr{arg.Tag, deployr.SlotKey(arg.Key)})
	if !ok {
		return fmt.Errorf("fabric: no slot registered under (%d, %d)", arg.Tag, arg.Key)
	}
	if err := slot.WriteAt(ctx, arg.Data, arg.Off); err != nil {
		return err
	}
	*reply = true
	return nil
}

// SlotWriteStream writes a byte range whose payload streams in the
// request body behind a fixed header of (tag, key, off), all
// little-endian. The payload is spooled to a file-backed buffer first so
// that the slot's lock is never held across a network read.
func (s *instanceService) SlotWriteStream(ctx context.Context, body io.Reader, reply *bool) error {
	var hdr [24]byte
	if _, err := io.ReadFull(body, hdr[:]); err != nil {
		return fmt.Errorf("fabric: reading stream header: %v", err)
	}
	var (
		tag = binary.LittleEndian.Uint64(hdr[0:])
		key = deployr.SlotKey(binary.LittleEndian.Uint64(hdr[8:]))
		off = int64(binary.LittleEndian.Uint64(hdr[16:]))
	)
	slot, ok := s.t.slot(slotAddr{tag, key})
	if !ok {
		return fmt.Errorf("fabric: no slot registered under (%d, %d)", tag, key)
	}
	buf, err := filebuf.New(body)
	if err != nil {
		return err
	}
	defer buf.Close()
	chunk := make([]byte, slotChunkSize)
	for {
		n, err := buf.Read(chunk)
		if n > 0 {
			if werr := slot.WriteAt(ctx, chunk[:n], off); werr != nil {
				return werr
			}
			off += int64(n)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
	}
	*reply = true
	return nil
}

// SlotReadStream streams a byte range of a slot registered on this
// instance as the reply body.
func (s *instanceService) SlotReadStream(ctx context.Context, arg SlotIOArg, reply *io.ReadCloser) error {
	slot, ok := s.t.slot(slotAddr{arg.Tag, deployr.SlotKey(arg.Key)})
	if !ok {
		return fmt.Errorf("fabric: no slot registered under (%d, %d)", arg.Tag, arg.Key)
	}
	r, w := io.Pipe()
	*reply = r
	go func() {
		chunk := make([]byte, slotChunkSize)
		off, remaining := arg.Off, arg.Len
		for remaining > 0 {
			n := len(chunk)
			if remaining < n {
				n = remaining
			}
			if err := slot.ReadAt(ctx, chunk[:n], off); err != nil {
				w.CloseWithError(err)
				return
			}
			if _, err := w.Write(chunk[:n]); err != nil {
				return
			}
			off += int64(n)
			remaining -= n
		}
		w.Close()
	}()
	return nil
}

// groupService is the root-hosted collective surface: fences and channel
// locks.
type groupService struct {
	g *Group
}

// FenceEnter blocks until arg.N instances have entered the fence keyed by
// arg.Tag.
func (s *groupService) FenceEnter(ctx context.Context, arg FenceArg, reply *bool) error {
	g := s.g
	g.mu.Lock()
	defer g.mu.Unlock()
	fs, ok := g.fences[arg.Tag]
	if !ok {
		fs = new(fenceState)
		g.fences[arg.Tag] = fs
	}
	fs.entered++
	if fs.entered == arg.N {
		fs.entered = 0
		fs.generation++
		g.cond.Broadcast()
		*reply = true
		return nil
	}
	gen := fs.generation
	for fs.generation == gen {
		g.cond.Wait()
	}
	*reply = true
	return nil
}

func (g *Group) sem(tag uint64) chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	sem, ok := g.locks[tag]
	if !ok {
		sem = make(chan struct{}, 1)
		g.locks[tag] = sem
	}
	return sem
}

// LockAcquire blocks until the caller holds the channel lock keyed by
// arg.Tag.
func (s *groupService) LockAcquire(ctx context.Context, arg FenceArg, reply *bool) error {
	select {
	case s.g.sem(arg.Tag) <- struct{}{}:
		*reply = true
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LockRelease releases the channel lock keyed by arg.Tag.
func (s *groupService) LockRelease(ctx context.Context, arg FenceArg, reply *bool) error {
	select {
	case <-s.g.sem(arg.Tag):
		*reply = true
		return nil
	default:
		return fmt.Errorf("fabric: lock %d not held", arg.Tag)
	}
}

// Transport is one instance's view of a fabric group. It implements
// deployr.Transport.
type Transport struct {
	group    *Group
	index    int
	id       deployr.InstanceID
	client   *rpc.Client
	requests chan *request

	mu      sync.Mutex
	returns map[deployr.InstanceID][]byte
	slots   map[slotAddr]*memSlot
}

var _ deployr.Transport = (*Transport)(nil)

func (t *Transport) slot(addr slotAddr) (*memSlot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.slots[addr]
	return s, ok
}

func (t *Transport) root() *Transport { return t.group.transports[0] }

// CurrentInstanceID implements deployr.Transport.
func (t *Transport) CurrentInstanceID() deployr.InstanceID { return t.id }

// RootInstanceID implements deployr.Transport.
func (t *Transport) RootInstanceID() deployr.InstanceID { return t.root().id }

// Instances implements deployr.Transport.
func (t *Transport) Instances() []deployr.InstanceID {
	ids := make([]deployr.InstanceID, len(t.group.transports))
	for i, tt := range t.group.transports {
		ids[i] = tt.id
	}
	return ids
}

// RequestRPC implements deployr.Transport.
func (t *Transport) RequestRPC(ctx context.Context, target deployr.InstanceID, name string, arg uint64) error {
	var reply CallReply
	if err := t.client.Call(ctx, string(target), "Instance.Call", CallArg{Name: name, Arg: arg}, &reply); err != nil {
		return err
	}
	if reply.Failed {
		return deployr.E(deployr.Kind(reply.ErrKind), reply.ErrMsg)
	}
	t.mu.Lock()
	t.returns[target] = reply.Data
	t.mu.Unlock()
	return nil
}

// GetReturnValue implements deployr.Transport.
func (t *Transport) GetReturnValue(target deployr.InstanceID) (deployr.ReturnValue, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	data, ok := t.returns[target]
	if !ok {
		return deployr.ReturnValue{}, fmt.Errorf("fabric: no pending return value from %s", target)
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
			req.replyc <- response{data: data, err: rpcErr}
			return nil
		}
		return req.name, req.arg, submit, nil
	case <-ctx.Done():
		return "", 0, nil, ctx.Err()
	}
}

// ExchangeGlobalMemorySlots implements deployr.Transport. Slots are
// registered on the owning instance; peers route their accesses here via
// the instance's SlotRead/SlotWrite RPCs.
func (t *Transport) ExchangeGlobalMemorySlots(ctx context.Context, tag uint64, slots map[deployr.SlotKey]deployr.LocalMemorySlot) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, slot := range slots {
		ms, ok := slot.(*memSlot)
		if !ok {
			return fmt.Errorf("fabric: slot for key %d was not allocated by this transport", key)
		}
		ms.exported = slotAddr{tag, key}
		t.slots[slotAddr{tag, key}] = ms
	}
	return nil
}

// Fence implements deployr.Transport.
func (t *Transport) Fence(ctx context.Context, tag uint64) error {
	var ok bool
	return t.client.Call(ctx, string(t.root().id), "Group.FenceEnter", FenceArg{Tag: tag, N: t.group.N()}, &ok)
}

// GetGlobalMemorySlot implements deployr.Transport. If the slot is owned
// locally it is returned directly; otherwise a remote view is returned
// whose accesses are routed to the owner over the wire.
func (t *Transport) GetGlobalMemorySlot(ctx context.Context, tag uint64, key deployr.SlotKey) (deployr.GlobalMemorySlot, error) {
	addr := slotAddr{tag, key}
	for _, tt := range t.group.transports {
		if slot, ok := tt.slot(addr); ok {
			if tt == t {
				return slot, nil
			}
			return &remoteSlot{client: t.client, owner: string(tt.id), addr: addr}, nil
		}
	}
	return nil, fmt.Errorf("fabric: no slot registered under (%d, %d)", tag, key)
}

// AcquireChannelLock implements deployr.Transport.
func (t *Transport) AcquireChannelLock(ctx context.Context, tag uint64) error {
	var ok bool
	return t.client.Call(ctx, string(t.root().id), "Group.LockAcquire", FenceArg{Tag: tag}, &ok)
}

// ReleaseChannelLock implements deployr.Transport.
func (t *Transport) ReleaseChannelLock(tag uint64) error {
	var ok bool
	return t.client.Call(context.Background(), string(t.root().id), "Group.LockRelease", FenceArg{Tag: tag}, &ok)
}

// AllocateLocalMemorySlot implements deployr.Transport.
func (t *Transport) AllocateLocalMemorySlot(memorySpace string, size int) (deployr.LocalMemorySlot, error) {
	return &memSlot{buf: make([]byte, size)}, nil
}

// FreeLocalMemorySlot implements deployr.Transport.
func (t *Transport) FreeLocalMemorySlot(slot deployr.LocalMemorySlot) error {
	ms, ok := slot.(*memSlot)
	if !ok {
		return fmt.Errorf("fabric: foreign slot")
	}
	t.mu.Lock()
	if ms.exported != (slotAddr{}) {
		delete(t.slots, ms.exported)
	}
	t.mu.Unlock()
	ms.mu.Lock()
	ms.buf = nil
	ms.mu.Unlock()
	return nil
}

// Abort implements deployr.Transport.
func (t *Transport) Abort(code int) {
	log.Error.Printf("fabric: %s aborted with code %d", t.id, code)
	t.group.mu.Lock()
	t.group.aborted = true
	t.group.mu.Unlock()
}

// Finalize implements deployr.Transport.
func (t *Transport) Finalize() {}

// A memSlot is a byte-slice-backed memory slot whose accesses are
// serialized per slot.
type memSlot struct {
	mu       sync.Mutex
	buf      []byte
	exported slotAddr
}

// Bytes implements deployr.LocalMemorySlot.
func (s *memSlot) Bytes() []byte { return s.buf }

// ReadAt implements deployr.GlobalMemorySlot.
func (s *memSlot) ReadAt(ctx context.Context, p []byte, off int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if off < 0 || int(off)+len(p) > len(s.buf) {
		return fmt.Errorf("fabric: read [%d, %d) out of slot bounds %d", off, int(off)+len(p), len(s.buf))
	}
	copy(p, s.buf[off:])
	return nil
}

// WriteAt implements deployr.GlobalMemorySlot.
func (s *memSlot) WriteAt(ctx context.Context, p []byte, off int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if off < 0 || int(off)+len(p) > len(s.buf) {
		return fmt.Errorf("fabric: write [%d, %d) out of slot bounds %d", off, int(off)+len(p), len(s.buf))
	}
	copy(s.buf[off:], p)
	return nil
}

// A remoteSlot routes slot accesses to the owning instance over the wire.
type remoteSlot struct {
	client *rpc.Client
	owner  string
	addr   slotAddr
}

// ReadAt implements deployr.GlobalMemorySlot. Large reads stream the
// reply body instead of carrying it in a gob field.
func (s *remoteSlot) ReadAt(ctx context.Context, p []byte, off int64) error {
	arg := SlotIOArg{Tag: s.addr.tag, Key: uint32(s.addr.key), Off: off, Len: len(p)}
	if len(p) > slotStreamThreshold {
		var rc io.ReadCloser
		if err := s.client.Call(ctx, s.owner, "Instance.SlotReadStream", arg, &rc); err != nil {
			return err
		}
		// The closing reader releases the stream once it has been read
		// through EOF; draining past the payload guarantees that.
		r := bigioutil.NewClosingReader(rc)
		if _, err := io.ReadFull(r, p); err != nil {
			rc.Close()
			return err
		}
		if _, err := io.Copy(io.Discard, r); err != nil {
			return err
		}
		return nil
	}
	var data []byte
	if err := s.client.Call(ctx, s.owner, "Instance.SlotRead", arg, &data); err != nil {
		return err
	}
	if len(data) != len(p) {
		return fmt.Errorf("fabric: short slot read: %d < %d", len(data), len(p))
	}
	copy(p, data)
	return nil
}

// WriteAt implements deployr.GlobalMemorySlot. Large writes stream the
// payload in the request body behind a fixed (tag, key, off) header.
func (s *remoteSlot) WriteAt(ctx context.Context, p []byte, off int64) error {
	var ok bool
	if len(p) > slotStreamThreshold {
		var hdr [24]byte
		binary.LittleEndian.PutUint64(hdr[0:], s.addr.tag)
		binary.LittleEndian.PutUint64(hdr[8:], uint64(s.addr.key))
		binary.LittleEndian.PutUint64(hdr[16:], uint64(off))
		body := io.MultiReader(bytes.NewReader(hdr[:]), bytes.NewReader(p))
		return s.client.Call(ctx, s.owner, "Instance.SlotWriteStream", body, &ok)
	}
	arg := SlotIOArg{Tag: s.addr.tag, Key: uint32(s.addr.key), Off: off, Data: p}
	return s.client.Call(ctx, s.owner, "Instance.SlotWrite", arg, &ok)
}
