// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package deployr

import (
	"context"
	"sync"

	"github.com/grailbio/base/log"
)

// controlPlane implements the RPC control plane: named target
// registration, a blocking single-request Listen, Request/SubmitReturnValue,
// and GetRPCArgument. It is layered entirely on top of the Transport
// contract; the Transport already carries the raw request/listen/
// submit primitives, so the control plane's job is the name -> closure
// dispatch table and the at-most-once SubmitReturnValue guard.
type controlPlane struct {
	transport Transport
	targets   *targetTable

	// mu guards the fields below, which describe the RPC currently being
	// served by a target closure invoked from within Listen. One instance
	// never runs two Listen calls concurrently, but the mutex keeps the
	// accessors correct even if that assumption is ever relaxed.
	mu        sync.Mutex
	serving   bool
	arg       uint64
	submit    func(data []byte, rpcErr error) error
	submitted bool
}

func newControlPlane(transport Transport) *controlPlane {
	return &controlPlane{transport: transport, targets: newTargetTable()}
}

// RegisterTarget adds a named RPC target. It fails with DuplicateName if
// name is already registered.
func (cp *controlPlane) RegisterTarget(name string, fn func()) error {
	return cp.targets.register(name, fn)
}

// Listen blocks until one incoming request has been served: it resolves
// the request's target name against the target table, invokes the target
// (which may call SubmitReturnValue and/or GetRPCArgument), and ensures a
// reply is sent even if the target never calls SubmitReturnValue (in which
// case an empty reply is sent). An unresolved target name is reported back
// to the caller as an UnknownFunction RPC error; this instance continues
// serving subsequent requests.
func (cp *controlPlane) Listen(ctx context.Context) error {
	name, arg, submit, err := cp.transport.Listen(ctx)
	if err != nil {
		return wrapTransportErr(err)
	}

	fn, ok := cp.targets.lookup(name)
	if !ok {
		log.Error.Printf("deployr: listen: unknown target %q", name)
		return wrapTransportErr(submit(nil, E(UnknownFunction, name)))
	}

	cp.mu.Lock()
	cp.serving = true
	cp.arg = arg
	cp.submit = submit
	cp.submitted = false
	cp.mu.Unlock()

	fn()

	cp.mu.Lock()
	submitted := cp.submitted
	cp.serving = false
	cp.submit = nil
	cp.mu.Unlock()

	if !submitted {
		return wrapTransportErr(submit(nil, nil))
	}
	return nil
}

// SubmitReturnValue declares the reply payload for the RPC currently being
// served. It may be called at most once per invocation of a target
// closure; a second call fails with ReturnAlreadySubmitted.
func (cp *controlPlane) SubmitReturnValue(data []byte) error {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if !cp.serving {
		return E(Other, "SubmitReturnValue called outside of a target invocation")
	}
	if cp.submitted {
		return E(ReturnAlreadySubmitted)
	}
	cp.submitted = true
	return wrapTransportErr(cp.submit(data, nil))
}

// GetRPCArgument returns the integer argument the current caller supplied
// (the runner id, during dispatch). It is only meaningful from within a
// target closure invoked by Listen.
func (cp *controlPlane) GetRPCArgument() uint64 {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.arg
}

// Request sends an RPC to target and blocks until the reply is ready,
// returning the borrowed reply buffer. The caller must call
// FreeReturnValue(target) once it is done reading the buffer.
func (cp *controlPlane) Request(ctx context.Context, target InstanceID, name string, arg uint64) (ReturnValue, error) {
	if err := cp.transport.RequestRPC(ctx, target, name, arg); err != nil {
		return ReturnValue{}, wrapTransportErr(err)
	}
	rv, err := cp.transport.GetReturnValue(target)
	if err != nil {
		return ReturnValue{}, wrapTransportErr(err)
	}
	return rv, nil
}

// FreeReturnValue releases a reply buffer obtained from Request.
func (cp *controlPlane) FreeReturnValue(target InstanceID) error {
	return wrapTransportErr(cp.transport.FreeReturnValue(target))
}
