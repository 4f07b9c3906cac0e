// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package deployr

import (
	"encoding/json"
	"fmt"
	"io"
)

// The JSON deployment description decoded by DecodeDeployment:
//
//	{
//	  "Runners": [
//	    { "Function": "CoordinatorFc", "Topology": { ... } },
//	    { "Function": "WorkerFc",      "InstanceId": 1 }
//	  ],
//	  "Channels": [
//	    { "Name": "results", "Producers": [1], "Consumer": 0,
//	      "BufferCapacity": 16, "BufferSize": 65536 }
//	  ]
//	}
//
// Each runner names its entry function and either a required topology (to
// be matched against the available instances) or a direct instance id (an
// index into the transport's instance list). Topology JSON uses the keys
// Devices, Type, "Memory Spaces", Size, and "Compute Resources"; unknown
// keys are ignored.
type jobDescription struct {
	Runners  []jobRunner
	Channels []jobChannel
}

type jobRunner struct {
	Function   string
	Topology   *jobTopology
	InstanceId *int
}

type jobChannel struct {
	Name           string
	Producers      []uint64
	Consumer       uint64
	BufferCapacity int
	BufferSize     int
}

type jobTopology struct {
	Devices []jobDevice
}

type jobDevice struct {
	Type             string
	MemorySpaces     []jobMemorySpace `json:"Memory Spaces"`
	ComputeResources []string         `json:"Compute Resources"`
}

type jobMemorySpace struct {
	Type string
	Size uint64
}

// DecodeDeployment decodes a JSON deployment description into a
// Deployment targeting the given transport's instances. Runner ids are
// assigned by position; a runner's "InstanceId" field indexes the
// transport's instance list. A runner that supplies neither a topology
// nor an instance id, or that omits its function name, fails with
// InvalidDescription; a malformed topology fails with InvalidFormat.
func DecodeDeployment(r io.Reader, t Transport) (Deployment, error) {
	dec := json.NewDecoder(r)
	var desc jobDescription
	if err := dec.Decode(&desc); err != nil {
		return Deployment{}, E(InvalidDescription, "decoding deployment description", err)
	}
	if len(desc.Runners) == 0 {
		return Deployment{}, E(InvalidDescription, "description has no runners")
	}
	instances := t.Instances()
	dep := Deployment{CoordinatorInstanceID: t.RootInstanceID()}
	for i, jr := range desc.Runners {
		if jr.Function == "" {
			return Deployment{}, E(InvalidDescription, fmt.Sprintf("runner %d has no function name", i))
		}
		runner := Runner{ID: RunnerID(i), FunctionName: jr.Function}
		switch {
		case jr.InstanceId != nil:
			idx := *jr.InstanceId
			if idx < 0 || idx >= len(instances) {
				return Deployment{}, E(InvalidDescription, fmt.Sprintf("runner %d instance id %d out of range [0, %d)", i, idx, len(instances)))
			}
			runner.InstanceID = instances[idx]
			runner.HasInstanceID = true
		case jr.Topology != nil:
			topo, err := jr.Topology.topology()
			if err != nil {
				return Deployment{}, err
			}
			runner.RequiredTopology = topo
		default:
			return Deployment{}, E(InvalidDescription, fmt.Sprintf("runner %d has neither a topology nor an instance id", i))
		}
		dep.Runners = append(dep.Runners, runner)
	}
	for _, jc := range desc.Channels {
		spec := ChannelSpec{
			Name:           jc.Name,
			Consumer:       RunnerID(jc.Consumer),
			BufferCapacity: jc.BufferCapacity,
			BufferSize:     jc.BufferSize,
		}
		for _, p := range jc.Producers {
			spec.Producers = append(spec.Producers, RunnerID(p))
		}
		if err := spec.validate(); err != nil {
			return Deployment{}, err
		}
		dep.Channels = append(dep.Channels, spec)
	}
	return dep, nil
}

// DecodeChannelSpecs decodes just the channel specs of a JSON deployment
// description. Channel handshakes are collective, so worker instances,
// which do not construct the full Deployment, use this to declare the
// same specs the coordinator deploys with.
func DecodeChannelSpecs(r io.Reader) ([]ChannelSpec, error) {
	var desc jobDescription
	if err := json.NewDecoder(r).Decode(&desc); err != nil {
		return nil, E(InvalidDescription, "decoding deployment description", err)
	}
	var specs []ChannelSpec
	for _, jc := range desc.Channels {
		spec := ChannelSpec{
			Name:           jc.Name,
			Consumer:       RunnerID(jc.Consumer),
			BufferCapacity: jc.BufferCapacity,
			BufferSize:     jc.BufferSize,
		}
		for _, p := range jc.Producers {
			spec.Producers = append(spec.Producers, RunnerID(p))
		}
		if err := spec.validate(); err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// topology converts the JSON topology form to its canonical in-memory
// form, validating that every type tag is non-empty.
func (jt *jobTopology) topology() (Topology, error) {
	var topo Topology
	for _, jd := range jt.Devices {
		if jd.Type == "" {
			return Topology{}, E(InvalidFormat, "device with empty type tag")
		}
		dev := Device{Type: jd.Type}
		for _, jm := range jd.MemorySpaces {
			if jm.Type == "" {
				return Topology{}, E(InvalidFormat, "memory space with empty type tag")
			}
			dev.MemorySpaces = append(dev.MemorySpaces, MemorySpace{Type: jm.Type, Size: jm.Size})
		}
		for _, cr := range jd.ComputeResources {
			if cr == "" {
				return Topology{}, E(InvalidFormat, "compute resource with empty type tag")
			}
			dev.ComputeResources = append(dev.ComputeResources, ComputeResource{Type: cr})
		}
		topo.Devices = append(topo.Devices, dev)
	}
	return topo, nil
}
