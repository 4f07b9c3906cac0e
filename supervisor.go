// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package deployr

import (
	"context"
	"sync"

	"github.com/grailbio/base/log"
)

// A TopologyProvider reports the hardware topology of the local instance.
// Providers are external collaborators: discovery backends (see
// discovery/ec2) implement this interface, and tests supply static
// topologies through StaticTopology.
type TopologyProvider interface {
	// Discover returns the local topology as seen by this backend.
	Discover(ctx context.Context) (Topology, error)
}

type staticProvider struct{ t Topology }

func (p staticProvider) Discover(context.Context) (Topology, error) { return p.t, nil }

// StaticTopology returns a TopologyProvider that always reports t.
func StaticTopology(t Topology) TopologyProvider { return staticProvider{t} }

// Supervisor owns an instance's local topology and the built-in RPC
// target that serves it to the coordinator during topology gathering. One
// Supervisor is installed on every instance by (*D).Initialize.
type Supervisor struct {
	d *D

	mu        sync.Mutex
	providers []TopologyProvider
	topology  *Topology
}

func newSupervisor(d *D) *Supervisor {
	return &Supervisor{d: d}
}

func (s *Supervisor) addProvider(p TopologyProvider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.providers = append(s.providers, p)
	s.topology = nil
}

// Topology returns the local instance's topology: each provider's report,
// merged in the order the providers were registered. The merged result is
// cached after the first call.
func (s *Supervisor) Topology(ctx context.Context) (Topology, error) {
	s.mu.Lock()
	if s.topology != nil {
		t := *s.topology
		s.mu.Unlock()
		return t, nil
	}
	providers := s.providers
	s.mu.Unlock()
	var t Topology
	for _, p := range providers {
		pt, err := p.Discover(ctx)
		if err != nil {
			return Topology{}, err
		}
		t = t.Merge(pt)
	}
	s.mu.Lock()
	s.topology = &t
	s.mu.Unlock()
	return t, nil
}

// register installs the built-in topology target with the RPC control
// plane. The target serializes the local topology and submits it as the
// RPC return value.
func (s *Supervisor) register() error {
	return s.d.cp.RegisterTarget(GetTopologyTarget, func() {
		s.d.mu.Lock()
		ctx := s.d.ctx
		s.d.mu.Unlock()
		if ctx == nil {
			ctx = context.Background()
		}
		t, err := s.Topology(ctx)
		if err != nil {
			log.Error.Printf("deployr: topology discovery: %v", err)
			// Submit an empty reply; the coordinator surfaces the
			// resulting decode failure.
			if serr := s.d.cp.SubmitReturnValue(nil); serr != nil {
				log.Error.Printf("deployr: topology reply: %v", serr)
			}
			return
		}
		b, err := t.Serialize()
		if err != nil {
			log.Error.Printf("deployr: topology serialization: %v", err)
			b = nil
		}
		if err := s.d.cp.SubmitReturnValue(b); err != nil {
			log.Error.Printf("deployr: topology reply: %v", err)
		}
	})
}
