// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package deployr

import "sync"

// GetTopologyTarget is the reserved RPC target name every DeployR instance
// registers during Initialize. Its closure serializes the local topology
// and submits it as the return value.
const GetTopologyTarget = "[DeployR] Get Topology"

// functionTable is the user entry-function table (name -> closure). It is
// mutated only before Deploy/Listen are called; after that it is
// read-only.
type functionTable struct {
	mu    sync.Mutex
	funcs map[string]func()
	order []string
}

func newFunctionTable() *functionTable {
	return &functionTable{funcs: make(map[string]func())}
}

// register adds name -> fn to the table. It fails with DuplicateName if
// name is already registered; the table retains the first registration.
func (t *functionTable) register(name string, fn func()) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.funcs[name]; ok {
		return E(DuplicateName, name)
	}
	t.funcs[name] = fn
	t.order = append(t.order, name)
	return nil
}

func (t *functionTable) lookup(name string) (func(), bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn, ok := t.funcs[name]
	return fn, ok
}

func (t *functionTable) has(name string) bool {
	_, ok := t.lookup(name)
	return ok
}

// targetTable is the RPC control plane's name -> closure table. It holds
// the built-in GetTopologyTarget plus one dispatch shim per user function
// registered through (*D).RegisterFunction.
type targetTable struct {
	mu      sync.Mutex
	targets map[string]func()
}

func newTargetTable() *targetTable {
	return &targetTable{targets: make(map[string]func())}
}

func (t *targetTable) register(name string, fn func()) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.targets[name]; ok {
		return E(DuplicateName, name)
	}
	t.targets[name] = fn
	return nil
}

func (t *targetTable) lookup(name string) (func(), bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn, ok := t.targets[name]
	return fn, ok
}
