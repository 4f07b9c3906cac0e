// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package driver provides a convenient API for DeployR driver programs.
// It should be preferred over wiring transports by hand. Programs using
// the driver package should have the following form:
//
//	func main() {
//		flag.Parse()
//		d, shutdown, err := driver.Run(register)
//		if err != nil {
//			log.Fatal(err)
//		}
//		defer shutdown()
//		// Deploy from d.
//	}
//
// where register installs the program's entry functions on each
// instance's runtime.
package driver

import (
	"context"
	"flag"
	"log"
	"sync"

	"github.com/Algebraic-Programming/DeployR"
	"github.com/Algebraic-Programming/DeployR/discovery/ec2"
	"github.com/Algebraic-Programming/DeployR/transport/fabric"
	"github.com/Algebraic-Programming/DeployR/transport/local"
)

var (
	transportFlag = flag.String("deployr.transport", "local", "transport on which to run the deployment: local or fabric")
	instancesFlag = flag.Int("deployr.instances", 3, "number of instances to run")
	ec2Flag       = flag.Bool("deployr.ec2discovery", false, "discover the local topology through the EC2 API")
)

// Run starts a deployment group as configured by the flags provided by
// this package, calling register on every instance's runtime and parking
// each non-coordinator instance in Listen. It returns the coordinator's
// runtime, from which the caller deploys, and a shutdown function that
// should be called when the driver exits in order to provide clean
// shutdown.
//
// Run selects a transport implementation according to the flags passed
// in. By default, it runs with an in-process implementation.
func Run(register func(*deployr.D) error) (*deployr.D, func(), error) {
	n := *instancesFlag
	var (
		transports []deployr.Transport
		closeGroup func()
	)
	switch *transportFlag {
	default:
		log.Fatalf("unrecognized transport %s", *transportFlag)
	case "local":
		group := local.New(n)
		for i := 0; i < n; i++ {
			transports = append(transports, group.Instance(i))
		}
		closeGroup = func() {}
	case "fabric":
		group, err := fabric.New(n)
		if err != nil {
			return nil, nil, err
		}
		for i := 0; i < n; i++ {
			transports = append(transports, group.Instance(i))
		}
		closeGroup = group.Shutdown
	}

	var opts []deployr.Option
	if *ec2Flag {
		provider, err := ec2.New()
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, deployr.WithTopologyProvider(provider))
	}
	ds := make([]*deployr.D, n)
	for i, t := range transports {
		ds[i] = deployr.New(t, opts...)
		if err := register(ds[i]); err != nil {
			return nil, nil, err
		}
		if err := ds[i].Initialize(); err != nil {
			return nil, nil, err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for _, d := range ds[1:] {
		d := d
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := d.Listen(ctx); err != nil && ctx.Err() == nil {
				log.Printf("deployr: %s: listen: %v", d.Transport().CurrentInstanceID(), err)
			}
		}()
	}
	shutdown := func() {
		cancel()
		wg.Wait()
		for _, d := range ds {
			d.Finalize()
		}
		closeGroup()
	}
	return ds[0], shutdown, nil
}
