// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package deployr

import (
	"bytes"
	"encoding/gob"
)

// A ComputeResource is a single unit of processing capability exposed by a
// Device, e.g. a CPU core or an accelerator's execution unit. Only its type
// tag is modeled: the subset predicate counts resources by type, it does
// not distinguish individual units.
type ComputeResource struct {
	// Type is the compute resource's type tag. Must be non-empty.
	Type string
}

// A MemorySpace is an addressable memory region exposed by a Device.
type MemorySpace struct {
	// Type is the memory space's type tag. Must be non-empty.
	Type string
	// Size is the memory space's capacity, in bytes. Must be non-negative.
	Size uint64
}

// A Device is one hardware component of a Topology: a NUMA domain, a GPU, a
// network interface, or any other discoverable unit. A device owns an
// ordered list of memory spaces and an ordered list of compute resources.
type Device struct {
	// Type is the device's type tag. Must be non-empty. Unknown type tags
	// are preserved verbatim: they are not a deserialization failure, and
	// a subset check compares them by string equality like any other tag.
	Type string
	// MemorySpaces is the device's memory spaces, in declaration order.
	MemorySpaces []MemorySpace
	// ComputeResources is the device's compute resources, in declaration
	// order.
	ComputeResources []ComputeResource
}

// totalMemoryBytes returns the sum of the sizes of d's memory spaces.
func (d Device) totalMemoryBytes() uint64 {
	var total uint64
	for _, m := range d.MemorySpaces {
		total += m.Size
	}
	return total
}

// A Topology is an unordered collection of devices describing the hardware
// available on one instance. Canonical form preserves device declaration
// order (so that Serialize/Deserialize round-trips byte-for-byte), even
// though the collection is conceptually unordered for matching purposes.
type Topology struct {
	Devices []Device
}

// NewTopology returns a Topology containing the given devices, in order.
func NewTopology(devices ...Device) Topology {
	return Topology{Devices: append([]Device(nil), devices...)}
}

// Serialize returns the canonical wire encoding of t. The encoding is
// deterministic: device, memory-space, and compute-resource order are all
// preserved, so Deserialize(t.Serialize()) reproduces t byte-for-byte when
// re-serialized.
//
// The wire codec is encoding/gob, matching the codec the RPC control plane
// (package rpc) already uses for its non-streamed arguments and replies.
func (t Topology) Serialize() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(t); err != nil {
		return nil, E(InvalidFormat, "serializing topology", err)
	}
	return buf.Bytes(), nil
}

// Deserialize decodes a Topology from its canonical wire encoding. It fails
// with a Kind of InvalidFormat on malformed input. Unknown device type tags
// are not a failure: they round-trip verbatim, and IsSubset compares them by
// string equality like any other tag.
func Deserialize(data []byte) (Topology, error) {
	var t Topology
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&t); err != nil {
		return Topology{}, E(InvalidFormat, "deserializing topology", err)
	}
	return t, nil
}

// Merge returns a new Topology with other's devices appended after t's,
// preserving the order of both. It is used to combine per-backend topology
// reports gathered on a single host (e.g. a CPU-discovery backend and a
// GPU-discovery backend reporting on the same instance) into one Topology.
func (t Topology) Merge(other Topology) Topology {
	merged := make([]Device, 0, len(t.Devices)+len(other.Devices))
	merged = append(merged, t.Devices...)
	merged = append(merged, other.Devices...)
	return Topology{Devices: merged}
}

// IsSubset reports whether host satisfies required: for every device in
// required there must exist a distinct device in host with the same type
// tag whose total memory-space bytes and compute-resource count are each at
// least as large as the required device's. Host devices are matched
// greedily in declaration order and each host device is consumed by at most
// one required device, so one oversized host device cannot simultaneously
// satisfy two smaller required devices of the same type.
//
// IsSubset(t, t) always holds, and IsSubset is O(len(host)*len(required)).
func IsSubset(host, required Topology) bool {
	consumed := make([]bool, len(host.Devices))
	for _, rd := range required.Devices {
		matched := -1
		for i, hd := range host.Devices {
			if consumed[i] {
				continue
			}
			if hd.Type != rd.Type {
				continue
			}
			if hd.totalMemoryBytes() < rd.totalMemoryBytes() {
				continue
			}
			if len(hd.ComputeResources) < len(rd.ComputeResources) {
				continue
			}
			matched = i
			break
		}
		if matched < 0 {
			return false
		}
		consumed[matched] = true
	}
	return true
}
