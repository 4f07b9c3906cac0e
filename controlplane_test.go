// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package deployr

import (
	"context"
	"testing"
)

// scriptedTransport feeds a fixed sequence of incoming requests to
// Listen and records the replies submitted for them.
type scriptedTransport struct {
	Transport
	requests []scriptedRequest
	replies  []scriptedReply
}

type scriptedRequest struct {
	name string
	arg  uint64
}

type scriptedReply struct {
	data []byte
	err  error
}

func (t *scriptedTransport) Listen(ctx context.Context) (string, uint64, func([]byte, error) error, error) {
	req := t.requests[0]
	t.requests = t.requests[1:]
	submit := func(data []byte, rpcErr error) error {
		t.replies = append(t.replies, scriptedReply{data: append([]byte(nil), data...), err: rpcErr})
		return nil
	}
	return req.name, req.arg, submit, nil
}

func TestControlPlaneListen(t *testing.T) {
	transport := &scriptedTransport{requests: []scriptedRequest{{"T", 42}}}
	cp := newControlPlane(transport)
	var gotArg uint64
	if err := cp.RegisterTarget("T", func() {
		gotArg = cp.GetRPCArgument()
		if err := cp.SubmitReturnValue([]byte("ok")); err != nil {
			t.Errorf("submit: %v", err)
		}
	}); err != nil {
		t.Fatal(err)
	}
	if err := cp.Listen(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got, want := gotArg, uint64(42); got != want {
		t.Errorf("got arg %v, want %v", got, want)
	}
	if len(transport.replies) != 1 || string(transport.replies[0].data) != "ok" || transport.replies[0].err != nil {
		t.Errorf("bad replies: %+v", transport.replies)
	}
}

func TestControlPlaneReturnAlreadySubmitted(t *testing.T) {
	transport := &scriptedTransport{requests: []scriptedRequest{{"T", 0}}}
	cp := newControlPlane(transport)
	var second error
	if err := cp.RegisterTarget("T", func() {
		if err := cp.SubmitReturnValue([]byte("one")); err != nil {
			t.Errorf("first submit: %v", err)
		}
		second = cp.SubmitReturnValue([]byte("two"))
	}); err != nil {
		t.Fatal(err)
	}
	if err := cp.Listen(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !Is(ReturnAlreadySubmitted, second) {
		t.Errorf("got %v, want ReturnAlreadySubmitted", second)
	}
	if len(transport.replies) != 1 {
		t.Errorf("got %d replies, want 1", len(transport.replies))
	}
}

func TestControlPlaneImplicitEmptyReply(t *testing.T) {
	transport := &scriptedTransport{requests: []scriptedRequest{{"T", 0}}}
	cp := newControlPlane(transport)
	if err := cp.RegisterTarget("T", func() {}); err != nil {
		t.Fatal(err)
	}
	if err := cp.Listen(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(transport.replies) != 1 || transport.replies[0].err != nil {
		t.Errorf("bad replies: %+v", transport.replies)
	}
}

func TestControlPlaneUnknownTarget(t *testing.T) {
	transport := &scriptedTransport{requests: []scriptedRequest{{"missing", 0}}}
	cp := newControlPlane(transport)
	if err := cp.Listen(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(transport.replies) != 1 || !Is(UnknownFunction, transport.replies[0].err) {
		t.Errorf("got %+v, want an UnknownFunction reply", transport.replies)
	}
	if transport.replies[0].data != nil && len(transport.replies[0].data) != 0 {
		t.Errorf("unexpected reply payload %q", transport.replies[0].data)
	}
}

func TestSubmitOutsideInvocation(t *testing.T) {
	cp := newControlPlane(&scriptedTransport{})
	if err := cp.SubmitReturnValue(nil); err == nil {
		t.Error("expected error submitting outside a target invocation")
	}
}
