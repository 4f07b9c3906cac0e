// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package deployr

import (
	"context"
	"sync"

	"github.com/grailbio/base/log"
	"golang.org/x/sync/errgroup"
)

// A State is the deployment lifecycle state of one instance, as seen by
// that instance.
type State int32

const (
	// Created indicates the runtime has been constructed but not
	// initialized.
	Created State = iota
	// Initialized indicates Initialize has completed: the built-in
	// topology target is registered and the instance is ready to deploy
	// or listen.
	Initialized
	// Matching indicates the coordinator is gathering topologies and
	// computing the runner-instance assignment.
	Matching
	// Dispatching indicates the coordinator is issuing launch RPCs.
	Dispatching
	// Listening indicates a worker instance is parked waiting for its
	// launch RPC.
	Listening
	// RunningLocal indicates the instance is executing its assigned
	// runner's entry function.
	RunningLocal
	// Done indicates the instance's part of the deployment has completed.
	Done
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case Created:
		return "CREATED"
	case Initialized:
		return "INITIALIZED"
	case Matching:
		return "MATCHING"
	case Dispatching:
		return "DISPATCHING"
	case Listening:
		return "LISTENING"
	case RunningLocal:
		return "RUNNING_LOCAL"
	case Done:
		return "DONE"
	default:
		return "UNKNOWN"
	}
}

// D is the deployment runtime for one instance. A D is constructed with
// New on every participating instance; the instance whose id equals the
// transport's root instance id drives the deployment with Deploy, while
// every other instance parks in Listen. See the package documentation for
// the calling convention.
//
// All of a D's registration methods (RegisterFunction, DeclareChannels)
// must be called between New and Deploy/Listen; the tables they populate
// are read-only afterwards.
type D struct {
	transport Transport
	cp        *controlPlane
	funcs     *functionTable
	super     *Supervisor

	mu        sync.Mutex
	state     State
	ctx       context.Context
	runnerID  RunnerID
	hasRunner bool
	runners   []Runner
	specs     []ChannelSpec
	channels  map[string]*Channel
}

// An Option configures a D at construction time.
type Option func(*D)

// WithTopology supplies a static local topology, as an alternative to a
// discovery-backed TopologyProvider.
func WithTopology(t Topology) Option {
	return func(d *D) { d.super.addProvider(StaticTopology(t)) }
}

// WithTopologyProvider adds a topology discovery backend. Multiple
// providers may be added; their reports are merged, in the order the
// providers were added, into this instance's topology.
func WithTopologyProvider(p TopologyProvider) Option {
	return func(d *D) { d.super.addProvider(p) }
}

// New creates a deployment runtime on top of the given transport. The
// returned D must be initialized with Initialize before use.
func New(transport Transport, opts ...Option) *D {
	d := &D{
		transport: transport,
		cp:        newControlPlane(transport),
		funcs:     newFunctionTable(),
		state:     Created,
		channels:  make(map[string]*Channel),
	}
	d.super = newSupervisor(d)
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Transport returns the transport this runtime was constructed with.
func (d *D) Transport() Transport { return d.transport }

// State returns the instance's current deployment state.
func (d *D) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *D) setState(s State) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
}

// RunnerID returns the id of the runner assigned to this instance. It is
// valid only once the instance has entered RunningLocal, i.e. from within
// a runner entry function.
func (d *D) RunnerID() RunnerID {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.runnerID
}

// Channel returns the named channel's endpoint on this instance. It is
// valid only after the channel's handshake has completed, i.e. from
// within a runner entry function.
func (d *D) Channel(name string) (*Channel, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.channels[name]
	return c, ok
}

// Initialize transitions the instance from Created to Initialized,
// registering the built-in topology target. It must be called on every
// participating instance before Deploy or Listen.
func (d *D) Initialize() error {
	d.mu.Lock()
	if d.state != Created {
		d.mu.Unlock()
		return E(Other, "Initialize called in state "+d.state.String())
	}
	d.mu.Unlock()
	if err := d.super.register(); err != nil {
		return err
	}
	d.setState(Initialized)
	log.Debug.Printf("deployr: %s initialized", d.transport.CurrentInstanceID())
	return nil
}

// RegisterFunction registers a runner entry function under name. It also
// registers the RPC dispatch shim that launches fn when the coordinator's
// dispatch request arrives. Registration fails with DuplicateName if name
// is taken; the first registration is retained.
func (d *D) RegisterFunction(name string, fn func()) error {
	if err := d.funcs.register(name, fn); err != nil {
		return err
	}
	shim := func() {
		id := RunnerID(d.cp.GetRPCArgument())
		d.mu.Lock()
		d.runnerID = id
		d.hasRunner = true
		d.state = RunningLocal
		ctx := d.ctx
		d.mu.Unlock()
		if ctx == nil {
			ctx = context.Background()
		}
		// Acknowledge the dispatch before running the entry: the reply
		// means "accepted", not "finished", so that the coordinator can
		// proceed to its own runner while this one executes.
		if err := d.cp.SubmitReturnValue(nil); err != nil {
			log.Error.Printf("deployr: dispatch %s: ack: %v", name, err)
			return
		}
		if err := d.establishDeclaredChannels(ctx); err != nil {
			log.Error.Printf("deployr: dispatch %s: channel handshake: %v", name, err)
			return
		}
		log.Printf("deployr: %s: running %s as %s", d.transport.CurrentInstanceID(), name, runnerIDString(id))
		fn()
	}
	return d.cp.RegisterTarget(name, shim)
}

// DeclareChannels declares the channels this deployment will establish.
// Every instance must declare the same channel specs in the same order
// before calling Deploy or Listen; the coordinator may alternatively
// carry them in Deployment.Channels. The handshakes themselves run after
// dispatch, immediately before each runner's entry function executes.
func (d *D) DeclareChannels(specs ...ChannelSpec) error {
	for _, spec := range specs {
		if err := spec.validate(); err != nil {
			return err
		}
	}
	d.mu.Lock()
	d.specs = append(d.specs, specs...)
	d.mu.Unlock()
	return nil
}

// validate checks a channel spec's structural invariants.
func (s ChannelSpec) validate() error {
	if s.Name == "" {
		return E(InvalidDescription, "channel with empty name")
	}
	if len(s.Producers) == 0 {
		return E(InvalidDescription, "channel "+s.Name+" has no producers")
	}
	if s.BufferCapacity <= 0 || s.BufferSize <= 0 {
		return E(InvalidDescription, "channel "+s.Name+" has non-positive buffer dimensions")
	}
	for _, p := range s.Producers {
		if p == s.Consumer {
			return E(InvalidDescription, "channel "+s.Name+" consumer is also a producer")
		}
	}
	return nil
}

// roleFor determines the part this instance's runner plays on spec.
func (d *D) roleFor(spec ChannelSpec) ChannelRole {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.hasRunner {
		return RoleNone
	}
	if d.runnerID == spec.Consumer {
		return RoleConsumer
	}
	for _, p := range spec.Producers {
		if p == d.runnerID {
			return RoleProducer
		}
	}
	return RoleNone
}

// establishDeclaredChannels runs the collective handshake for every
// declared channel, in declaration order. It runs on every instance
// between dispatch and entry execution.
func (d *D) establishDeclaredChannels(ctx context.Context) error {
	d.mu.Lock()
	specs := d.specs
	d.mu.Unlock()
	for _, spec := range specs {
		c, err := establishChannel(ctx, d.transport, spec, d.roleFor(spec))
		if err != nil {
			return err
		}
		d.mu.Lock()
		d.channels[spec.Name] = c
		d.mu.Unlock()
	}
	return nil
}

// Deploy drives the deployment from the coordinator instance: it
// validates dep, gathers topologies and matches runners to instances
// where instance ids were not supplied, dispatches every remote runner's
// entry via RPC, and finally runs the local runner, if any. Deploy
// returns once the local runner (and every channel handshake) has
// completed; remote runners may still be executing.
func (d *D) Deploy(ctx context.Context, dep Deployment) error {
	d.mu.Lock()
	if d.state != Initialized {
		d.mu.Unlock()
		return E(Other, "Deploy called in state "+d.state.String())
	}
	d.state = Matching
	d.ctx = ctx
	d.mu.Unlock()

	if err := dep.validate(); err != nil {
		return err
	}
	runners := append([]Runner(nil), dep.Runners...)
	if !dep.allHaveInstanceIDs() {
		if err := d.assignInstances(ctx, runners); err != nil {
			return err
		}
	}
	if err := d.validateAssignment(runners); err != nil {
		return err
	}
	d.mu.Lock()
	declared := len(d.specs) > 0
	d.mu.Unlock()
	if len(dep.Channels) > 0 && !declared {
		if err := d.DeclareChannels(dep.Channels...); err != nil {
			return err
		}
	}
	d.mu.Lock()
	d.runners = runners
	d.state = Dispatching
	d.mu.Unlock()

	self := d.transport.CurrentInstanceID()
	var local *Runner
	for i := range runners {
		r := &runners[i]
		if r.InstanceID == self {
			local = r
			continue
		}
		log.Printf("deployr: dispatching %s (%s) to %s", runnerIDString(r.ID), r.FunctionName, instanceIDString(r.InstanceID))
		if _, err := d.cp.Request(ctx, r.InstanceID, r.FunctionName, uint64(r.ID)); err != nil {
			return err
		}
		if err := d.cp.FreeReturnValue(r.InstanceID); err != nil {
			return err
		}
	}

	if local != nil {
		d.mu.Lock()
		d.runnerID = local.ID
		d.hasRunner = true
		d.state = RunningLocal
		d.mu.Unlock()
	}
	if err := d.establishDeclaredChannels(ctx); err != nil {
		return err
	}
	if local != nil {
		fn, _ := d.funcs.lookup(local.FunctionName)
		log.Printf("deployr: %s: running %s as %s", self, local.FunctionName, runnerIDString(local.ID))
		fn()
	}
	d.setState(Done)
	return nil
}

// assignInstances fills in the instance id of every runner that lacks
// one, by gathering the topology of every available instance and solving
// the bipartite matching of required topologies to instances. Instances
// claimed directly by id are excluded from matching.
func (d *D) assignInstances(ctx context.Context, runners []Runner) error {
	instances := d.transport.Instances()
	taken := make(map[InstanceID]bool)
	for i := range runners {
		if runners[i].HasInstanceID {
			taken[runners[i].InstanceID] = true
		}
	}
	var (
		unassigned []int
		candidates []InstanceID
	)
	for i := range runners {
		if !runners[i].HasInstanceID {
			unassigned = append(unassigned, i)
		}
	}
	for _, id := range instances {
		if !taken[id] {
			candidates = append(candidates, id)
		}
	}
	given, err := d.gatherGlobalTopology(ctx, candidates)
	if err != nil {
		return err
	}
	required := make([]Topology, len(unassigned))
	for k, i := range unassigned {
		required[k] = runners[i].RequiredTopology
	}
	assignment, ok := Match(required, given)
	if !ok {
		return E(Unmatchable, "no assignment of runners to instances satisfies the required topologies")
	}
	for k, i := range unassigned {
		runners[i].InstanceID = candidates[assignment[k]]
		runners[i].HasInstanceID = true
		log.Debug.Printf("deployr: matched %s to %s", runnerIDString(runners[i].ID), instanceIDString(runners[i].InstanceID))
	}
	return nil
}

// gatherGlobalTopology collects the topology of each listed instance,
// issuing the built-in topology RPC to every peer concurrently and
// reading the local topology directly.
func (d *D) gatherGlobalTopology(ctx context.Context, instances []InstanceID) ([]Topology, error) {
	self := d.transport.CurrentInstanceID()
	topos := make([]Topology, len(instances))
	g, ctx := errgroup.WithContext(ctx)
	for i, id := range instances {
		if id == self {
			var err error
			if topos[i], err = d.super.Topology(ctx); err != nil {
				return nil, err
			}
			continue
		}
		i, id := i, id
		g.Go(func() error {
			rv, err := d.cp.Request(ctx, id, GetTopologyTarget, 0)
			if err != nil {
				return err
			}
			t, err := Deserialize(rv.Bytes)
			if ferr := d.cp.FreeReturnValue(id); err == nil {
				err = ferr
			}
			if err != nil {
				return err
			}
			topos[i] = t
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return topos, nil
}

// validateAssignment checks the post-matching deployment invariants:
// instance ids are unique across runners and every runner's entry
// function is registered.
func (d *D) validateAssignment(runners []Runner) error {
	seen := make(map[InstanceID]bool, len(runners))
	for _, r := range runners {
		if seen[r.InstanceID] {
			return E(DuplicateInstanceID, instanceIDString(r.InstanceID))
		}
		seen[r.InstanceID] = true
		if !d.funcs.has(r.FunctionName) {
			return E(UnknownFunction, r.FunctionName)
		}
	}
	return nil
}

// Listen parks a worker instance until the coordinator's dispatch RPC has
// launched (and completed) this instance's runner. Internal requests that
// arrive first, such as the coordinator's topology gathering, are served
// transparently.
func (d *D) Listen(ctx context.Context) error {
	d.mu.Lock()
	if d.state != Initialized {
		d.mu.Unlock()
		return E(Other, "Listen called in state "+d.state.String())
	}
	d.state = Listening
	d.ctx = ctx
	d.mu.Unlock()
	for {
		if err := d.cp.Listen(ctx); err != nil {
			return err
		}
		d.mu.Lock()
		dispatched := d.hasRunner
		d.mu.Unlock()
		if dispatched {
			break
		}
	}
	d.setState(Done)
	return nil
}

// Finalize releases the local memory slots held by any established
// channels and finalizes the transport. It should be called exactly once,
// after Deploy or Listen has returned.
func (d *D) Finalize() {
	d.mu.Lock()
	channels := make([]*Channel, 0, len(d.channels))
	for _, c := range d.channels {
		channels = append(channels, c)
	}
	d.mu.Unlock()
	for _, c := range channels {
		c.release()
	}
	d.transport.Finalize()
}
