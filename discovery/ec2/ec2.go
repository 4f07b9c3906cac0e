// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package ec2 implements a deployr.TopologyProvider backed by AWS EC2
// instance metadata. The provider describes the instance it runs on and
// reports its vCPUs and memory as a single host device; additional
// devices (e.g. accelerators) may be declared through instance tags of
// the form
//
//	DeployR:Device:<type> = <memory bytes>/<compute resources>
//
// which are appended to the reported topology verbatim.
package ec2

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/Algebraic-Programming/DeployR"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/ec2metadata"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"
	"github.com/grailbio/base/errors"
)

// deviceTagPrefix prefixes the instance tags interpreted as extra
// topology devices.
const deviceTagPrefix = "DeployR:Device:"

// instanceMemory maps EC2 instance types to their memory capacity, in
// bytes, for the instance families commonly used with DeployR. Types not
// listed report only their tagged devices.
var instanceMemory = map[string]uint64{
	"m3.medium":   15 << 28, // 3.75 GiB
	"m4.large":    8 << 30,
	"m4.xlarge":   16 << 30,
	"m5.large":    8 << 30,
	"m5.xlarge":   16 << 30,
	"m5.2xlarge":  32 << 30,
	"m5.4xlarge":  64 << 30,
	"m5.12xlarge": 192 << 30,
	"m5.24xlarge": 384 << 30,
	"c5.large":    4 << 30,
	"c5.xlarge":   8 << 30,
	"c5.2xlarge":  16 << 30,
	"c5.4xlarge":  32 << 30,
	"c5.9xlarge":  72 << 30,
	"r5.large":    16 << 30,
	"r5.xlarge":   32 << 30,
	"r5.2xlarge":  64 << 30,
	"r5.4xlarge":  128 << 30,
}

// vcpus maps the same instance types to their vCPU counts.
var vcpus = map[string]int{
	"m3.medium":   1,
	"m4.large":    2,
	"m4.xlarge":   4,
	"m5.large":    2,
	"m5.xlarge":   4,
	"m5.2xlarge":  8,
	"m5.4xlarge":  16,
	"m5.12xlarge": 48,
	"m5.24xlarge": 96,
	"c5.large":    2,
	"c5.xlarge":   4,
	"c5.2xlarge":  8,
	"c5.4xlarge":  16,
	"c5.9xlarge":  36,
	"r5.large":    2,
	"r5.xlarge":   4,
	"r5.2xlarge":  8,
	"r5.4xlarge":  16,
}

// Provider discovers the local instance's topology through the EC2 API.
// The zero value is not usable; construct Providers with New, or populate
// API and InstanceID directly in tests.
type Provider struct {
	// API is the EC2 API surface used to describe the instance. It is an
	// interface so that tests can substitute a fake.
	API ec2iface.EC2API
	// InstanceID is the EC2 instance id to describe. If empty, it is
	// discovered through the instance metadata service.
	InstanceID string

	metadata *ec2metadata.EC2Metadata
}

// New creates a Provider for the instance it is invoked on, deriving AWS
// configuration (region, credentials) from the environment in the usual
// SDK manner.
func New() (*Provider, error) {
	sess, err := session.NewSession()
	if err != nil {
		return nil, errors.E("ec2: creating AWS session", err)
	}
	return &Provider{
		API:      ec2.New(sess),
		metadata: ec2metadata.New(sess),
	}, nil
}

// Discover implements deployr.TopologyProvider.
func (p *Provider) Discover(ctx context.Context) (deployr.Topology, error) {
	id := p.InstanceID
	if id == "" {
		if p.metadata == nil {
			return deployr.Topology{}, errors.E(errors.Invalid, "ec2: no instance id and no metadata service")
		}
		doc, err := p.metadata.GetInstanceIdentityDocument()
		if err != nil {
			return deployr.Topology{}, errors.E("ec2: reading instance identity", err)
		}
		id = doc.InstanceID
	}
	out, err := p.API.DescribeInstancesWithContext(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []*string{aws.String(id)},
	})
	if err != nil {
		return deployr.Topology{}, errors.E(fmt.Sprintf("ec2: describing instance %s", id), err)
	}
	if len(out.Reservations) == 0 || len(out.Reservations[0].Instances) == 0 {
		return deployr.Topology{}, errors.E(errors.NotExist, fmt.Sprintf("ec2: instance %s not found", id))
	}
	inst := out.Reservations[0].Instances[0]
	var topo deployr.Topology
	if dev, ok := hostDevice(aws.StringValue(inst.InstanceType)); ok {
		topo.Devices = append(topo.Devices, dev)
	}
	for _, tag := range inst.Tags {
		key := aws.StringValue(tag.Key)
		if !strings.HasPrefix(key, deviceTagPrefix) {
			continue
		}
		dev, err := parseDeviceTag(strings.TrimPrefix(key, deviceTagPrefix), aws.StringValue(tag.Value))
		if err != nil {
			return deployr.Topology{}, err
		}
		topo.Devices = append(topo.Devices, dev)
	}
	return topo, nil
}

// hostDevice builds the host device for a known instance type.
func hostDevice(instanceType string) (deployr.Device, bool) {
	mem, ok := instanceMemory[instanceType]
	if !ok {
		return deployr.Device{}, false
	}
	dev := deployr.Device{
		Type:         "host",
		MemorySpaces: []deployr.MemorySpace{{Type: "ram", Size: mem}},
	}
	for i := 0; i < vcpus[instanceType]; i++ {
		dev.ComputeResources = append(dev.ComputeResources, deployr.ComputeResource{Type: "core"})
	}
	return dev, true
}

// parseDeviceTag parses a DeployR:Device:<type> tag value of the form
// "<memory bytes>/<compute resources>".
func parseDeviceTag(devType, value string) (deployr.Device, error) {
	parts := strings.SplitN(value, "/", 2)
	if len(parts) != 2 {
		return deployr.Device{}, errors.E(errors.Invalid, fmt.Sprintf("ec2: malformed device tag value %q", value))
	}
	mem, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return deployr.Device{}, errors.E(errors.Invalid, fmt.Sprintf("ec2: malformed device tag memory %q", parts[0]), err)
	}
	ncomp, err := strconv.Atoi(parts[1])
	if err != nil || ncomp < 0 {
		return deployr.Device{}, errors.E(errors.Invalid, fmt.Sprintf("ec2: malformed device tag compute count %q", parts[1]))
	}
	dev := deployr.Device{
		Type:         devType,
		MemorySpaces: []deployr.MemorySpace{{Type: "ram", Size: mem}},
	}
	for i := 0; i < ncomp; i++ {
		dev.ComputeResources = append(dev.ComputeResources, deployr.ComputeResource{Type: "core"})
	}
	return dev, nil
}
