// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package ec2

import (
	"context"
	"testing"

	"github.com/Algebraic-Programming/DeployR"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	ec2api "github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"
)

type fakeEC2 struct {
	ec2iface.EC2API
	instance *ec2api.Instance
}

func (f *fakeEC2) DescribeInstancesWithContext(ctx aws.Context, input *ec2api.DescribeInstancesInput, opts ...request.Option) (*ec2api.DescribeInstancesOutput, error) {
	return &ec2api.DescribeInstancesOutput{
		Reservations: []*ec2api.Reservation{
			{Instances: []*ec2api.Instance{f.instance}},
		},
	}, nil
}

func TestDiscover(t *testing.T) {
	provider := &Provider{
		API: &fakeEC2{instance: &ec2api.Instance{
			InstanceType: aws.String("m5.xlarge"),
			Tags: []*ec2api.Tag{
				{Key: aws.String("Name"), Value: aws.String("ignored")},
				{Key: aws.String("DeployR:Device:gpu"), Value: aws.String("17179869184/1024")},
			},
		}},
		InstanceID: "i-0123456789abcdef0",
	}
	topo, err := provider.Discover(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(topo.Devices), 2; got != want {
		t.Fatalf("got %d devices, want %d", got, want)
	}
	host := topo.Devices[0]
	if host.Type != "host" || len(host.ComputeResources) != 4 {
		t.Errorf("bad host device: %+v", host)
	}
	if got, want := host.MemorySpaces[0].Size, uint64(16<<30); got != want {
		t.Errorf("got %v bytes, want %v", got, want)
	}
	gpu := topo.Devices[1]
	if gpu.Type != "gpu" || len(gpu.ComputeResources) != 1024 {
		t.Errorf("bad gpu device: %+v", gpu)
	}
	if got, want := gpu.MemorySpaces[0].Size, uint64(16<<30); got != want {
		t.Errorf("got %v bytes, want %v", got, want)
	}
	// The discovered topology must satisfy a matching-shaped requirement.
	required := deployr.NewTopology(deployr.Device{
		Type:         "gpu",
		MemorySpaces: []deployr.MemorySpace{{Type: "ram", Size: 8 << 30}},
	})
	if !deployr.IsSubset(topo, required) {
		t.Error("discovered topology does not satisfy a smaller requirement")
	}
}

func TestDiscoverBadTag(t *testing.T) {
	provider := &Provider{
		API: &fakeEC2{instance: &ec2api.Instance{
			InstanceType: aws.String("m5.large"),
			Tags: []*ec2api.Tag{
				{Key: aws.String("DeployR:Device:gpu"), Value: aws.String("not/a/number")},
			},
		}},
		InstanceID: "i-0",
	}
	if _, err := provider.Discover(context.Background()); err == nil {
		t.Error("expected error for malformed device tag")
	}
}
