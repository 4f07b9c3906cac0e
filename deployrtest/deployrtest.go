// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package deployrtest implements a deployment harness that's useful for
// testing. Unlike a real deployment, all instances live inside the same
// process, on the in-process transport backend; no processes are spawned
// and nothing touches the network.
package deployrtest

import (
	"context"
	"errors"

	"github.com/Algebraic-Programming/DeployR"
	"github.com/Algebraic-Programming/DeployR/transport/local"
)

// A Cluster is a set of in-process instances, each with its own
// deployment runtime. The instance at index 0 is the coordinator.
type Cluster struct {
	group *local.Group
	ds    []*deployr.D
}

// New creates a cluster of n instances. If topologies are supplied there
// must be one per instance, reported as that instance's local topology
// during topology gathering.
func New(n int, topologies ...deployr.Topology) *Cluster {
	group := local.New(n)
	c := &Cluster{group: group}
	for i := 0; i < n; i++ {
		var opts []deployr.Option
		if len(topologies) > 0 {
			opts = append(opts, deployr.WithTopology(topologies[i]))
		}
		c.ds = append(c.ds, deployr.New(group.Instance(i), opts...))
	}
	return c
}

// N returns the number of instances in the cluster.
func (c *Cluster) N() int { return len(c.ds) }

// Instance returns the i'th instance's deployment runtime.
func (c *Cluster) Instance(i int) *deployr.D { return c.ds[i] }

// InstanceID returns the i'th instance's transport id.
func (c *Cluster) InstanceID(i int) deployr.InstanceID {
	return c.ds[i].Transport().CurrentInstanceID()
}

// Register registers the entry function fn under name on every instance.
// fn receives the runtime of the instance it ends up running on.
func (c *Cluster) Register(name string, fn func(d *deployr.D)) error {
	for _, d := range c.ds {
		d := d
		if err := d.RegisterFunction(name, func() { fn(d) }); err != nil {
			return err
		}
	}
	return nil
}

// DeclareChannels declares the given channel specs on every instance.
func (c *Cluster) DeclareChannels(specs ...deployr.ChannelSpec) error {
	for _, d := range c.ds {
		if err := d.DeclareChannels(specs...); err != nil {
			return err
		}
	}
	return nil
}

// Initialize initializes every instance.
func (c *Cluster) Initialize() error {
	for _, d := range c.ds {
		if err := d.Initialize(); err != nil {
			return err
		}
	}
	return nil
}

// Deploy parks every non-coordinator instance in Listen, runs the
// deployment from the coordinator, and waits for every dispatched
// instance to finish. It returns the coordinator's deployment error, or
// else the first worker failure.
func (c *Cluster) Deploy(ctx context.Context, dep deployr.Deployment) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	errc := make(chan error, len(c.ds)-1)
	for _, d := range c.ds[1:] {
		d := d
		go func() { errc <- d.Listen(ctx) }()
	}
	deployErr := c.ds[0].Deploy(ctx, dep)
	// Unblock any instance the deployment did not dispatch to.
	cancel()
	var workerErr error
	for range c.ds[1:] {
		if err := <-errc; err != nil && workerErr == nil && !errors.Is(err, context.Canceled) {
			workerErr = err
		}
	}
	if deployErr != nil {
		return deployErr
	}
	return workerErr
}

// Finalize finalizes every instance.
func (c *Cluster) Finalize() {
	for _, d := range c.ds {
		d.Finalize()
	}
}
