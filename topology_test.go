// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package deployr

import (
	"bytes"
	"reflect"
	"testing"
)

func device(typ string, mem uint64, ncompute int) Device {
	d := Device{
		Type:         typ,
		MemorySpaces: []MemorySpace{{Type: "ram", Size: mem}},
	}
	for i := 0; i < ncompute; i++ {
		d.ComputeResources = append(d.ComputeResources, ComputeResource{Type: "core"})
	}
	return d
}

func TestTopologyRoundTrip(t *testing.T) {
	topo := NewTopology(
		device("host", 64<<30, 8),
		device("gpu", 16<<30, 1024),
		Device{Type: "quantum-annealer"}, // unknown tags round-trip verbatim
	)
	b, err := topo.Serialize()
	if err != nil {
		t.Fatal(err)
	}
	got, err := Deserialize(b)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, topo) {
		t.Errorf("got %v, want %v", got, topo)
	}
	if !IsSubset(got, topo) || !IsSubset(topo, got) {
		t.Error("round-tripped topology is not mutually a subset")
	}
	b2, err := got.Serialize()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(b, b2) {
		t.Error("canonical serialization is not byte-for-byte stable")
	}
}

func TestDeserializeInvalid(t *testing.T) {
	for _, data := range [][]byte{nil, {}, []byte("not a topology")} {
		if _, err := Deserialize(data); !Is(InvalidFormat, err) {
			t.Errorf("Deserialize(%q): got %v, want InvalidFormat", data, err)
		}
	}
}

func TestMerge(t *testing.T) {
	a := NewTopology(device("host", 4<<30, 2))
	b := NewTopology(device("gpu", 16<<30, 512))
	merged := a.Merge(b)
	want := NewTopology(device("host", 4<<30, 2), device("gpu", 16<<30, 512))
	if !reflect.DeepEqual(merged, want) {
		t.Errorf("got %v, want %v", merged, want)
	}
	// Merge must not mutate its operands.
	if len(a.Devices) != 1 || len(b.Devices) != 1 {
		t.Error("merge mutated an operand")
	}
}

func TestIsSubsetSelf(t *testing.T) {
	for _, topo := range []Topology{
		{},
		NewTopology(device("host", 4<<30, 2)),
		NewTopology(device("host", 4<<30, 2), device("host", 64<<30, 16), device("gpu", 8<<30, 128)),
	} {
		if !IsSubset(topo, topo) {
			t.Errorf("IsSubset(%v, %v) = false", topo, topo)
		}
	}
}

func TestIsSubset(t *testing.T) {
	big := device("host", 64<<30, 16)
	small := device("host", 4<<30, 2)
	gpu := device("gpu", 8<<30, 128)
	for _, test := range []struct {
		host, required Topology
		want           bool
	}{
		{NewTopology(big), NewTopology(small), true},
		{NewTopology(small), NewTopology(big), false},
		{NewTopology(big, small), NewTopology(small, small), true},
		// One oversized host device cannot satisfy two required devices.
		{NewTopology(big), NewTopology(small, small), false},
		{NewTopology(big, gpu), NewTopology(gpu), true},
		{NewTopology(big), NewTopology(gpu), false},
		// Fewer compute resources disqualify a device even with more memory.
		{NewTopology(device("host", 64<<30, 1)), NewTopology(small), false},
		{NewTopology(), NewTopology(small), false},
		{NewTopology(big), NewTopology(), true},
	} {
		if got := IsSubset(test.host, test.required); got != test.want {
			t.Errorf("IsSubset(%v, %v): got %v, want %v", test.host, test.required, got, test.want)
		}
	}
}

func TestIsSubsetGreedyConsumption(t *testing.T) {
	// The first matching host device is consumed even when a later,
	// tighter fit exists; the remaining requirement must still find a
	// distinct device.
	host := NewTopology(device("host", 64<<30, 16), device("host", 4<<30, 2))
	required := NewTopology(device("host", 4<<30, 2), device("host", 64<<30, 16))
	if IsSubset(host, required) {
		t.Error("greedy declaration-order matching should consume the big device first")
	}
	required = NewTopology(device("host", 64<<30, 16), device("host", 4<<30, 2))
	if !IsSubset(host, required) {
		t.Error("expected subset when declaration order aligns")
	}
}
