// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package deployr

import (
	"context"
	"fmt"
)

// An InstanceID opaquely identifies one addressable participant in the
// transport layer. Its representation is owned by the Transport
// implementation; the core only compares instance ids for equality and
// uses them as map keys.
type InstanceID string

func instanceIDString(id InstanceID) string { return fmt.Sprintf("instance %q", string(id)) }
func runnerIDString(id RunnerID) string     { return fmt.Sprintf("runner %d", uint64(id)) }

// A SlotKey names one of the global memory slots exchanged during a
// channel's collective handshake. The four reserved keys below are fixed
// so that every Transport backend agrees on them regardless of channel
// name.
type SlotKey uint32

const (
	// SlotSizes names the consumer-owned sizes ring: (position, length)
	// pairs for pending tokens.
	SlotSizes SlotKey = 0
	// SlotCoordSizes names the consumer-owned coordination cell for the
	// sizes ring (producer-advanced head, consumer-advanced tail).
	SlotCoordSizes SlotKey = 3
	// SlotCoordPayloads names the consumer-owned coordination cell for the
	// payload ring.
	SlotCoordPayloads SlotKey = 4
	// SlotPayload names the consumer-owned payload ring.
	SlotPayload SlotKey = 5
)

// A GlobalMemorySlot is a memory slot resolved through the transport's
// global exchange: it may be local (if the resolving instance is also the
// owner) or it may be a remote view whose reads and writes the transport
// routes across the fabric. Accesses through ReadAt/WriteAt are atomic with
// respect to each other for a given slot.
type GlobalMemorySlot interface {
	// ReadAt fills p with len(p) bytes of the slot's contents starting at
	// off. It blocks if the slot is remote.
	ReadAt(ctx context.Context, p []byte, off int64) error
	// WriteAt writes p into the slot starting at off. It blocks if the
	// slot is remote.
	WriteAt(ctx context.Context, p []byte, off int64) error
}

// A LocalMemorySlot is a local allocation that can be registered with the
// transport, via ExchangeGlobalMemorySlots, so that remote peers can address
// it under a (tag, key) pair. The owner may additionally access the slot's
// backing storage directly through Bytes.
//
// Transport implementations are free to back a LocalMemorySlot however they
// like (a plain byte slice for an in-process transport, a registered RDMA
// buffer for a hardware fabric, etc.).
type LocalMemorySlot interface {
	GlobalMemorySlot
	// Bytes returns the slot's backing storage. Direct access through the
	// returned slice is not synchronized with concurrent ReadAt/WriteAt
	// calls from remote peers; owners that share a slot region with remote
	// writers must use ReadAt/WriteAt for that region instead.
	Bytes() []byte
}

// A ReturnValue is a borrowed buffer obtained via GetReturnValue after a
// successful RequestRPC. Its lifetime is bounded by a matching
// FreeReturnValue call.
type ReturnValue struct {
	Bytes []byte
}

// Transport is the single interface the DeployR core depends on. It is
// implemented by an external collaborator (see transport/local and
// transport/fabric for the backends this repository ships) and supplies:
// instance identity, the RPC primitives the control plane layers its
// target-table/listen/request logic on top of, the channel engine's
// global-memory-slot exchange and fence, and process lifecycle hooks.
//
// Implementations must serve concurrent requests to distinct targets
// independently; requests from one caller to one target are FIFO.
type Transport interface {
	// CurrentInstanceID returns this transport's own instance id.
	CurrentInstanceID() InstanceID
	// RootInstanceID returns the instance id nominated as the deployment's
	// coordinator.
	RootInstanceID() InstanceID
	// Instances returns every instance id participating in this
	// deployment, in a stable order.
	Instances() []InstanceID

	// RequestRPC sends an RPC named name to target, carrying the integer
	// argument arg, and blocks until the reply is ready. Requests from one
	// caller to one target are served in call order; concurrent requests
	// to distinct targets do not interfere with each other.
	RequestRPC(ctx context.Context, target InstanceID, name string, arg uint64) error
	// GetReturnValue returns the borrowed reply buffer for the most recent
	// RequestRPC to target.
	GetReturnValue(target InstanceID) (ReturnValue, error)
	// FreeReturnValue releases the reply buffer obtained from
	// GetReturnValue for target.
	FreeReturnValue(target InstanceID) error

	// Listen blocks until exactly one incoming RPC request arrives, then
	// returns the requested target name, the caller-supplied argument, and
	// a submit function the caller must invoke exactly once to supply the
	// reply payload (or, if rpcErr is non-nil, to report a failure to the
	// requester instead) before Listen's caller returns control to the
	// transport.
	Listen(ctx context.Context) (name string, arg uint64, submit func(data []byte, rpcErr error) error, err error)

	// ExchangeGlobalMemorySlots registers this instance's local slots
	// under tag, so that every other participant in the same collective
	// call can resolve them via GetGlobalMemorySlot once Fence(tag)
	// returns.
	ExchangeGlobalMemorySlots(ctx context.Context, tag uint64, slots map[SlotKey]LocalMemorySlot) error
	// Fence blocks until every instance participating in this deployment
	// has called Fence with the same tag.
	Fence(ctx context.Context, tag uint64) error
	// GetGlobalMemorySlot resolves the slot registered under (tag, key) by
	// a participant of the same ExchangeGlobalMemorySlots/Fence pair. It
	// must only be called after the matching Fence has returned.
	GetGlobalMemorySlot(ctx context.Context, tag uint64, key SlotKey) (GlobalMemorySlot, error)

	// AcquireChannelLock blocks until this instance holds the distributed
	// lock keyed by tag. At most one instance holds the lock for a given
	// tag at a time.
	AcquireChannelLock(ctx context.Context, tag uint64) error
	// ReleaseChannelLock releases the distributed lock keyed by tag. The
	// caller must hold it.
	ReleaseChannelLock(tag uint64) error

	// AllocateLocalMemorySlot allocates size bytes of local storage typed
	// by memorySpace (a Device memory-space type tag, used by backends
	// that distinguish e.g. host vs. device memory).
	AllocateLocalMemorySlot(memorySpace string, size int) (LocalMemorySlot, error)
	// FreeLocalMemorySlot releases a slot obtained from
	// AllocateLocalMemorySlot.
	FreeLocalMemorySlot(slot LocalMemorySlot) error

	// Abort terminates the deployment with the given exit code. It is only
	// called following a TransportFailure during a fatal phase (handshake,
	// fence).
	Abort(code int)
	// Finalize releases any resources the transport is holding for this
	// deployment. It should be called exactly once, after the deployment
	// (coordinator or worker side) has reached DONE.
	Finalize()
}
