// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

/*
Package deployr implements a distributed-job deployment runtime. A job is
described as a set of runners: independent, self-sufficient functions that
must each run on a dedicated instance whose hardware topology satisfies the
runner's requirements. DeployR takes the job description plus the set of
available instances, solves a bipartite matching of runners to instances,
and dispatches each runner's entry function to its assigned instance over an
RPC fabric.

Computing model

A DeployR program nominates one participating instance as coordinator and
calls Initialize on every instance, then Deploy on the coordinator and
Listen on every other instance:

	d := deployr.New(transport)
	if err := d.Initialize(); err != nil {
		log.Fatal(err)
	}
	if d.Transport().CurrentInstanceID() == d.Transport().RootInstanceID() {
		err = d.Deploy(ctx, deployment)
	} else {
		err = d.Listen(ctx)
	}

Runners are registered with RegisterFunction before Deploy or Listen is
called:

	d.RegisterFunction("WorkerFc", func() {
		// Runs on the instance assigned to the runner naming "WorkerFc".
		// d.RunnerID() returns the assigned runner's id.
	})

Since runner entry functions are plain closures, no serialization of
arbitrary service values is required; only the runner id and the function
name cross the wire.

Channels

Runners that need to exchange data declare a ChannelSpec up front. The
handshake is collective, so every instance must declare the same specs, in
the same order, with DeclareChannels before Deploy or Listen (the
coordinator may instead carry them in Deployment.Channels). The handshake
for each declared channel runs on every instance between dispatch and entry
execution; entry functions then retrieve their endpoint with Channel, and
the producer side calls Push while the consumer side calls Peek and Pop
(see channel.go).

Transports

DeployR depends only on the Transport interface (see transport.go) for
instance identity, RPC, and the distributed global-memory-slot exchange the
channel engine needs. Concrete backends live in the transport/local
(in-process) and transport/fabric (networked) subpackages; hardware
discovery backends live under discovery/.
*/
package deployr
