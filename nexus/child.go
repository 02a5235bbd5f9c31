// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package nexus

import (
	"context"
	"fmt"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/cubefs/nexus/device"
	"github.com/cubefs/nexus/metadata"
	"github.com/cubefs/nexus/partition"

	apierrors "github.com/cubefs/nexus/errors"
)

// Child is one replica of a nexus.
type Child struct {
	name   string
	uuid   string
	state  ChildState
	reason FaultReason

	dev    device.BlockDevice
	handle device.Handle
	parts  partition.Partitions

	owner   string
	claimer Resolver
}

// ChildInfo is the listing view of a child.
type ChildInfo struct {
	Name        string      `json:"name"`
	UUID        string      `json:"uuid"`
	State       ChildState  `json:"state"`
	FaultReason FaultReason `json:"fault_reason,omitempty"`
	DeviceName  string      `json:"device_name,omitempty"`
	DataBlocks  uint64      `json:"data_blocks,omitempty"`
}

func (n *Nexus) newChild(name string) *Child {
	return &Child{name: name, state: ChildInit, owner: "nexus/" + n.name, claimer: n.resolver}
}

// open binds the child to dev. Geometry that cannot hold the metadata
// reservation and the requested size is rejected with ErrBadPartitions.
func (c *Child) open(dev device.BlockDevice, reqSize uint64) error {
	parts, ok := partition.Calculate(reqSize, dev.NumBlocks(), dev.BlockLen())
	if !ok {
		c.state = ChildConfigInvalid
		return fmt.Errorf("child %s on device %s: %w", c.name, dev.Name(), apierrors.ErrBadPartitions)
	}
	if err := c.claimer.Claim(dev, c.owner); err != nil {
		c.state = ChildConfigInvalid
		return fmt.Errorf("child %s: %w", c.name, err)
	}
	h, err := dev.Open()
	if err != nil {
		c.claimer.Release(dev, c.owner)
		c.state = ChildConfigInvalid
		return fmt.Errorf("child %s on device %s: %w", c.name, dev.Name(), err)
	}
	c.dev, c.handle, c.parts = dev, h, parts
	c.uuid = dev.UUID()
	c.state = ChildOpen
	c.reason = FaultNone
	return nil
}

// release drops the I/O handle and gives the device back.
func (c *Child) release() {
	if c.handle != nil {
		c.handle.Close()
	}
	if c.dev != nil {
		c.claimer.Release(c.dev, c.owner)
	}
	c.handle = nil
	c.dev = nil
}

func (c *Child) close() {
	c.release()
	c.state = ChildClosed
}

func (c *Child) fault(reason FaultReason) {
	c.release()
	c.state = ChildFaulted
	c.reason = reason
}

func (c *Child) Name() string { return c.name }

func (c *Child) State() ChildState { return c.state }

func (c *Child) FaultReason() FaultReason { return c.reason }

func (c *Child) IsHealthy() bool { return c.state == ChildOpen }

// DataBlocks is the size of the data partition, 0 without a device.
func (c *Child) DataBlocks() uint64 {
	if c.dev == nil {
		return 0
	}
	return c.parts.DataBlocks()
}

func (c *Child) info() ChildInfo {
	info := ChildInfo{
		Name:        c.name,
		UUID:        c.uuid,
		State:       c.state,
		FaultReason: c.reason,
		DataBlocks:  c.DataBlocks(),
	}
	if c.dev != nil {
		info.DeviceName = c.dev.Name()
	}
	return info
}

func (c *Child) record(md *metadata.NexusRecord) metadata.ChildRecord {
	r := metadata.ChildRecord{
		Timestamp: md.Timestamp,
		State:     c.state.Persisted(),
		Name:      c.name,
	}
	if c.dev != nil {
		name, id := c.dev.Name(), c.dev.UUID()
		r.DeviceName, r.DeviceUUID = &name, &id
	}
	return r
}

// readMetadata returns the copy of the nexus metadata on the child device,
// or None when it is absent or unreadable.
func (c *Child) readMetadata(ctx context.Context) metadata.Metadata {
	span := trace.SpanFromContextSafe(ctx)
	if c.handle == nil {
		span.Warnf("child[%s] reading a copy of nexus metadata: no device present", c.name)
		return metadata.None
	}
	return metadata.ReadOrNone(ctx, c.handle)
}

func (c *Child) writeMetadata(ctx context.Context, buf *metadata.Buffer) {
	span := trace.SpanFromContextSafe(ctx)
	if c.handle == nil {
		span.Errorf("child[%s] writing a copy of nexus metadata: no device present", c.name)
		return
	}
	if !c.IsHealthy() {
		span.Errorf("child[%s] writing a copy of nexus metadata: not healthy", c.name)
		return
	}
	if err := buf.Write(ctx, c.handle); err != nil {
		span.Errorf("child[%s] writing a copy of nexus metadata: %s", c.name, err)
		return
	}
	span.Debugf("child[%s] wrote a copy of nexus metadata", c.name)
}
