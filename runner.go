// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package deployr

// A RunnerID uniquely identifies a runner within one deployment.
type RunnerID uint64

// A Runner is one unit of user work: an entry function (named by
// FunctionName, and resolved against the function table registered with
// RegisterFunction) bound to a target instance. Runners are created by the
// caller before a deployment begins and are immutable thereafter.
type Runner struct {
	// ID uniquely identifies this runner within its deployment.
	ID RunnerID
	// FunctionName names the entry function this runner executes. It must
	// be registered (via RegisterFunction) on the instance the runner is
	// ultimately assigned to.
	FunctionName string
	// InstanceID is the instance this runner must run on. It is either
	// supplied directly by the caller, or left at its zero value and filled
	// in by the matcher from RequiredTopology.
	InstanceID InstanceID
	// RequiredTopology is the hardware topology this runner needs. It is
	// only consulted when InstanceID is unset at deployment time; the
	// matcher assigns InstanceID from the set of available instances whose
	// topology is a superset of RequiredTopology.
	RequiredTopology Topology
	// HasInstanceID reports whether InstanceID was supplied directly by the
	// caller (skipping topology-based matching for this runner).
	HasInstanceID bool
}

// A ChannelSpec describes a variable-sized MPSC channel to be established
// between a set of producer runners and one consumer runner.
type ChannelSpec struct {
	// Name identifies the channel. It is also used as the channel tag for
	// the handshake's collective global-memory-slot exchange and fence.
	Name string
	// Producers is the non-empty list of runner ids permitted to push onto
	// this channel.
	Producers []RunnerID
	// Consumer is the runner id permitted to peek/pop from this channel.
	// It must not appear in Producers.
	Consumer RunnerID
	// BufferCapacity is the maximum number of pending tokens the channel
	// may hold at once.
	BufferCapacity int
	// BufferSize is the maximum number of payload bytes the channel may
	// hold at once, across all pending tokens.
	BufferSize int
}

// A Deployment is an ordered list of runners plus the instance id of the
// coordinator that drives the deployment. A Deployment is immutable once
// Deploy begins processing it.
type Deployment struct {
	// Runners is the ordered list of runners to deploy.
	Runners []Runner
	// CoordinatorInstanceID is the instance id of the coordinator.
	CoordinatorInstanceID InstanceID
	// Channels is the optional set of channel specs to establish between
	// runners once they are launched. The handshake is collective: every
	// other participating instance must have declared the same specs, in
	// the same order, through DeclareChannels before entering Listen.
	Channels []ChannelSpec
}

// validate checks a deployment's structural invariants: runner ids are
// unique, and any runners with an explicit InstanceID have unique
// instance ids among themselves (duplicate instance ids across
// topology-matched runners are only detectable after matching, and are
// checked separately in coordinator.go).
func (d Deployment) validate() error {
	seenRunner := make(map[RunnerID]bool, len(d.Runners))
	seenInstance := make(map[InstanceID]bool, len(d.Runners))
	for _, r := range d.Runners {
		if seenRunner[r.ID] {
			return E(DuplicateRunnerID, runnerIDString(r.ID))
		}
		seenRunner[r.ID] = true
		if r.HasInstanceID {
			if seenInstance[r.InstanceID] {
				return E(DuplicateInstanceID, instanceIDString(r.InstanceID))
			}
			seenInstance[r.InstanceID] = true
		}
	}
	return nil
}

// allHaveInstanceIDs reports whether every runner in d already carries an
// explicit instance id, in which case the coordinator can skip topology
// gathering and matching entirely.
func (d Deployment) allHaveInstanceIDs() bool {
	for _, r := range d.Runners {
		if !r.HasInstanceID {
			return false
		}
	}
	return true
}
