// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Deployrctl deploys a job described by a JSON file onto a group of
// instances and runs it to completion. It serves as an example DeployR
// driver program; the demo entry functions it registers exchange
// greetings over a channel named "greetings" when the job declares one.
//
// Usage:
//
//	deployrctl -job job.json [-deployr.transport fabric] [-deployr.instances 4]
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/Algebraic-Programming/DeployR"
	"github.com/Algebraic-Programming/DeployR/driver"
	"github.com/grailbio/base/log"
)

var (
	jobFlag    = flag.String("job", "", "path of the JSON job description to deploy")
	statusFlag = flag.String("status", "", "address on which to serve the coordinator's status page")
)

func main() {
	flag.Parse()
	if *jobFlag == "" {
		fmt.Fprintln(os.Stderr, "usage: deployrctl -job job.json")
		flag.Usage()
		os.Exit(2)
	}
	job, err := os.ReadFile(*jobFlag)
	if err != nil {
		log.Fatal(err)
	}
	// Channel handshakes are collective, so the job's channel specs are
	// declared on every instance, not just the coordinator.
	specs, err := deployr.DecodeChannelSpecs(bytes.NewReader(job))
	if err != nil {
		log.Fatal(err)
	}
	d, shutdown, err := driver.Run(func(d *deployr.D) error {
		if err := register(d); err != nil {
			return err
		}
		return d.DeclareChannels(specs...)
	})
	if err != nil {
		log.Fatal(err)
	}
	defer shutdown()
	if *statusFlag != "" {
		go func() {
			log.Fatal(http.ListenAndServe(*statusFlag, d.StatusHandler()))
		}()
	}
	dep, err := deployr.DecodeDeployment(bytes.NewReader(job), d.Transport())
	if err != nil {
		log.Fatal(err)
	}
	if err := d.Deploy(context.Background(), dep); err != nil {
		log.Fatal(err)
	}
}

// register installs the demo entry functions on an instance's runtime.
func register(d *deployr.D) error {
	if err := d.RegisterFunction("WorkerFc", func() { worker(d) }); err != nil {
		return err
	}
	return d.RegisterFunction("CoordinatorFc", func() { coordinator(d) })
}

// worker greets the consumer if a greetings channel was declared.
func worker(d *deployr.D) {
	id := d.RunnerID()
	log.Printf("worker %d running on %s", id, d.Transport().CurrentInstanceID())
	c, ok := d.Channel("greetings")
	if !ok || c.Role() != deployr.RoleProducer {
		return
	}
	msg := []byte(fmt.Sprintf("hello from runner %d", id))
	for {
		err := c.Push(context.Background(), msg)
		if err == nil {
			return
		}
		if !deployr.Is(deployr.WouldBlock, err) {
			log.Error.Printf("worker %d: push: %v", id, err)
			return
		}
		time.Sleep(time.Millisecond)
	}
}

// coordinator drains the greetings channel, if one was declared, until no
// greeting has arrived for one second.
func coordinator(d *deployr.D) {
	log.Printf("coordinator %d running on %s", d.RunnerID(), d.Transport().CurrentInstanceID())
	c, ok := d.Channel("greetings")
	if !ok || c.Role() != deployr.RoleConsumer {
		return
	}
	// Drain greetings until the producers have gone quiet.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		msg, err := c.Peek()
		if deployr.Is(deployr.Empty, err) {
			time.Sleep(time.Millisecond)
			continue
		}
		if err != nil {
			log.Error.Printf("coordinator: peek: %v", err)
			return
		}
		log.Printf("coordinator received %q", msg)
		if err := c.Pop(); err != nil {
			log.Error.Printf("coordinator: pop: %v", err)
			return
		}
		deadline = time.Now().Add(time.Second)
	}
}
