// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package deployr

import "testing"

func TestFunctionTableDuplicate(t *testing.T) {
	tab := newFunctionTable()
	var ran string
	if err := tab.register("F", func() { ran = "f1" }); err != nil {
		t.Fatal(err)
	}
	if err := tab.register("F", func() { ran = "f2" }); !Is(DuplicateName, err) {
		t.Errorf("got %v, want DuplicateName", err)
	}
	fn, ok := tab.lookup("F")
	if !ok {
		t.Fatal("F not registered")
	}
	fn()
	if got, want := ran, "f1"; got != want {
		t.Errorf("got %v, want %v: the table must retain the first registration", got, want)
	}
}

func TestTargetTableDuplicate(t *testing.T) {
	tab := newTargetTable()
	if err := tab.register("T", func() {}); err != nil {
		t.Fatal(err)
	}
	if err := tab.register("T", func() {}); !Is(DuplicateName, err) {
		t.Errorf("got %v, want DuplicateName", err)
	}
	if _, ok := tab.lookup("U"); ok {
		t.Error("unexpected target U")
	}
}

func TestDeploymentValidate(t *testing.T) {
	dep := Deployment{Runners: []Runner{
		{ID: 0, FunctionName: "W", InstanceID: "a", HasInstanceID: true},
		{ID: 0, FunctionName: "W", InstanceID: "b", HasInstanceID: true},
	}}
	if err := dep.validate(); !Is(DuplicateRunnerID, err) {
		t.Errorf("got %v, want DuplicateRunnerID", err)
	}
	dep = Deployment{Runners: []Runner{
		{ID: 0, FunctionName: "W", InstanceID: "a", HasInstanceID: true},
		{ID: 1, FunctionName: "W", InstanceID: "a", HasInstanceID: true},
	}}
	if err := dep.validate(); !Is(DuplicateInstanceID, err) {
		t.Errorf("got %v, want DuplicateInstanceID", err)
	}
	dep = Deployment{Runners: []Runner{
		{ID: 0, FunctionName: "W", InstanceID: "a", HasInstanceID: true},
		{ID: 1, FunctionName: "W", InstanceID: "b", HasInstanceID: true},
	}}
	if err := dep.validate(); err != nil {
		t.Errorf("got %v, want nil", err)
	}
}
