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
	"sync"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/cubefs/nexus/device"
	"github.com/cubefs/nexus/pstore"

	apierrors "github.com/cubefs/nexus/errors"
)

// Resolver finds the device a child is configured with and keeps track of
// who uses it. A device is claimed by at most one owner.
type Resolver interface {
	Resolve(nameOrURI string) (device.BlockDevice, error)
	Claim(dev device.BlockDevice, owner string) error
	Release(dev device.BlockDevice, owner string)
}

type Option func(n *Nexus)

// WithStore mirrors the nexus health into s.
func WithStore(s pstore.Store, retryInterval time.Duration) Option {
	return func(n *Nexus) {
		n.store = s
		n.retryInterval = retryInterval
	}
}

// WithClock replaces the source of snapshot timestamps.
func WithClock(now func() time.Time) Option {
	return func(n *Nexus) {
		n.now = now
	}
}

// Nexus is a mirrored volume over a set of children. Lifecycle operations
// and metadata I/O are serialized per nexus.
type Nexus struct {
	name     string
	uuid     string
	bdevUUID string
	reqSize  uint64

	lock      sync.Mutex
	state     NexusState
	children  []*Child
	numBlocks uint64
	blockLen  uint64

	resolver      Resolver
	store         pstore.Store
	retryInterval time.Duration
	now           func() time.Time
}

// Info is the listing view of a nexus.
type Info struct {
	Name          string      `json:"name"`
	UUID          string      `json:"uuid"`
	BdevUUID      string      `json:"bdev_uuid"`
	State         NexusState  `json:"state"`
	RequestedSize uint64      `json:"requested_size"`
	NumBlocks     uint64      `json:"num_blocks"`
	BlockLen      uint64      `json:"block_len"`
	Children      []ChildInfo `json:"children"`
}

// Create opens a nexus over the configured children, reconciles the copies
// of metadata they hold and records the opened state on every healthy child.
func Create(ctx context.Context, cfg Config, resolver Resolver, opts ...Option) (*Nexus, error) {
	span := trace.SpanFromContextSafe(ctx)
	if err := cfg.normalize(); err != nil {
		return nil, err
	}

	n := &Nexus{
		name:     cfg.Name,
		uuid:     cfg.UUID,
		bdevUUID: cfg.BdevUUID,
		reqSize:  cfg.Size,
		state:    NexusInit,
		resolver: resolver,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(n)
	}

	n.lock.Lock()
	defer n.lock.Unlock()

	for _, name := range cfg.Children {
		c := n.newChild(name)
		n.children = append(n.children, c)
		dev, err := resolver.Resolve(name)
		if err != nil {
			span.Errorf("nexus[%s] child %s: %s", n.name, name, err)
			n.closeChildren()
			return nil, fmt.Errorf("child %s: %w", name, err)
		}
		if err = c.open(dev, n.reqSize); err != nil {
			span.Errorf("nexus[%s] open child failed: %s", n.name, err)
			n.closeChildren()
			return nil, err
		}
		if first := n.children[0]; first.dev.BlockLen() != dev.BlockLen() {
			n.closeChildren()
			return nil, fmt.Errorf("child %s: %w", name, apierrors.ErrDeviceBlockLengthMismatch)
		}
	}

	if err := n.applyStoreRecord(ctx); err != nil {
		n.closeChildren()
		return nil, err
	}
	n.validateChildrenMetadata(ctx)
	if !n.resize() {
		span.Errorf("nexus[%s] no healthy child left", n.name)
		n.closeChildren()
		return nil, apierrors.ErrNotEnoughDevices
	}

	n.state = NexusOpen
	n.updateMetadata(ctx)
	if err := n.persist(ctx, false); err != nil {
		n.state = NexusInit
		n.closeChildren()
		return nil, err
	}
	span.Infof("nexus[%s] opened, uuid: %s, %d x %d, children: %d", n.name, n.uuid, n.numBlocks, n.blockLen, len(n.children))
	return n, nil
}

func (n *Nexus) Name() string     { return n.name }
func (n *Nexus) UUID() string     { return n.uuid }
func (n *Nexus) BdevUUID() string { return n.bdevUUID }

func (n *Nexus) State() NexusState {
	n.lock.Lock()
	defer n.lock.Unlock()
	return n.state
}

// Size returns the usable size in bytes.
func (n *Nexus) Size() uint64 {
	n.lock.Lock()
	defer n.lock.Unlock()
	return n.numBlocks * n.blockLen
}

func (n *Nexus) Info() Info {
	n.lock.Lock()
	defer n.lock.Unlock()
	info := Info{
		Name:          n.name,
		UUID:          n.uuid,
		BdevUUID:      n.bdevUUID,
		State:         n.state,
		RequestedSize: n.reqSize,
		NumBlocks:     n.numBlocks,
		BlockLen:      n.blockLen,
		Children:      make([]ChildInfo, 0, len(n.children)),
	}
	for _, c := range n.children {
		info.Children = append(info.Children, c.info())
	}
	return info
}

// AddChild opens a new child and records it as healthy.
func (n *Nexus) AddChild(ctx context.Context, name string) error {
	span := trace.SpanFromContextSafe(ctx)
	n.lock.Lock()
	defer n.lock.Unlock()

	if n.state != NexusOpen {
		return fmt.Errorf("nexus %s is %s: %w", n.name, n.state, apierrors.ErrInvalidState)
	}
	if n.lookupChild(name) != nil {
		return fmt.Errorf("child %s: %w", name, apierrors.ErrChildExists)
	}

	return n.reconfigure(ctx, func() error {
		dev, err := n.resolver.Resolve(name)
		if err != nil {
			return fmt.Errorf("child %s: %w", name, err)
		}
		c := n.newChild(name)
		if err = c.open(dev, n.reqSize); err != nil {
			return err
		}
		if dev.BlockLen() != n.blockLen {
			c.close()
			return fmt.Errorf("child %s: %w", name, apierrors.ErrDeviceBlockLengthMismatch)
		}
		if c.DataBlocks() < n.numBlocks {
			c.close()
			return fmt.Errorf("child %s has %d blocks, nexus needs %d: %w", name, c.DataBlocks(), n.numBlocks, apierrors.ErrDeviceSizeMismatch)
		}
		n.children = append(n.children, c)
		span.Infof("nexus[%s] child %s added", n.name, name)
		return nil
	})
}

// RemoveChild closes a child and drops it from the nexus. The last healthy
// child cannot be removed.
func (n *Nexus) RemoveChild(ctx context.Context, name string) error {
	span := trace.SpanFromContextSafe(ctx)
	n.lock.Lock()
	defer n.lock.Unlock()

	if n.state != NexusOpen {
		return fmt.Errorf("nexus %s is %s: %w", n.name, n.state, apierrors.ErrInvalidState)
	}
	c := n.lookupChild(name)
	if c == nil {
		return fmt.Errorf("child %s: %w", name, apierrors.ErrChildNotFound)
	}
	if c.IsHealthy() && n.healthyChildren() == 1 {
		return apierrors.ErrLastHealthyChild
	}

	return n.reconfigure(ctx, func() error {
		c.state = ChildDestroying
		c.close()
		for i := range n.children {
			if n.children[i] == c {
				n.children = append(n.children[:i], n.children[i+1:]...)
				break
			}
		}
		span.Infof("nexus[%s] child %s removed", n.name, name)
		return nil
	})
}

// reconfigure runs a child set change with the nexus in Reconfiguring and
// records the outcome once the nexus is open again.
func (n *Nexus) reconfigure(ctx context.Context, fn func() error) error {
	n.state = NexusReconfiguring
	err := fn()
	n.state = NexusOpen
	if err != nil {
		return err
	}
	n.updateMetadata(ctx)
	return n.persist(ctx, false)
}

// FaultChild marks a healthy child faulted. The child is no longer written to
// and the last healthy child cannot be faulted.
func (n *Nexus) FaultChild(ctx context.Context, name string, reason FaultReason) error {
	span := trace.SpanFromContextSafe(ctx)
	n.lock.Lock()
	defer n.lock.Unlock()

	if n.state != NexusOpen {
		return fmt.Errorf("nexus %s is %s: %w", n.name, n.state, apierrors.ErrInvalidState)
	}
	c := n.lookupChild(name)
	if c == nil {
		return fmt.Errorf("child %s: %w", name, apierrors.ErrChildNotFound)
	}
	if !c.IsHealthy() {
		return fmt.Errorf("child %s is %s: %w", name, c.state, apierrors.ErrInvalidState)
	}
	if n.healthyChildren() == 1 {
		return apierrors.ErrLastHealthyChild
	}
	if reason == FaultNone {
		reason = FaultUnknown
	}
	c.fault(reason)
	span.Warnf("nexus[%s] child %s faulted: %s", n.name, name, reason)

	n.updateMetadata(ctx)
	return n.persist(ctx, false)
}

// CloseChild closes a healthy child and keeps it listed as closed. The last
// healthy child cannot be closed.
func (n *Nexus) CloseChild(ctx context.Context, name string) error {
	span := trace.SpanFromContextSafe(ctx)
	n.lock.Lock()
	defer n.lock.Unlock()

	if n.state != NexusOpen {
		return fmt.Errorf("nexus %s is %s: %w", n.name, n.state, apierrors.ErrInvalidState)
	}
	c := n.lookupChild(name)
	if c == nil {
		return fmt.Errorf("child %s: %w", name, apierrors.ErrChildNotFound)
	}
	if !c.IsHealthy() {
		return fmt.Errorf("child %s is %s: %w", name, c.state, apierrors.ErrInvalidState)
	}
	if n.healthyChildren() == 1 {
		return apierrors.ErrLastHealthyChild
	}
	c.close()
	span.Infof("nexus[%s] child %s closed", n.name, name)

	n.updateMetadata(ctx)
	return n.persist(ctx, false)
}

// Destroy shuts the nexus down after recording a clean shutdown.
func (n *Nexus) Destroy(ctx context.Context) error {
	span := trace.SpanFromContextSafe(ctx)
	n.lock.Lock()
	defer n.lock.Unlock()

	if n.state == NexusShutdown {
		return nil
	}
	if n.state != NexusOpen {
		return fmt.Errorf("nexus %s is %s: %w", n.name, n.state, apierrors.ErrInvalidState)
	}

	n.state = NexusShuttingDown
	if err := n.writeMetadata(ctx, NexusClosed); err != nil {
		span.Errorf("nexus[%s] writing final metadata failed: %s", n.name, err)
	}
	err := n.persist(ctx, true)
	if err != nil {
		span.Errorf("nexus[%s] recording clean shutdown failed: %s", n.name, err)
	}
	n.closeChildren()
	n.state = NexusShutdown
	span.Infof("nexus[%s] shut down", n.name)
	return err
}

func (n *Nexus) lookupChild(name string) *Child {
	for _, c := range n.children {
		if c.name == name {
			return c
		}
	}
	return nil
}

func (n *Nexus) healthyChildren() int {
	cnt := 0
	for _, c := range n.children {
		if c.IsHealthy() {
			cnt++
		}
	}
	return cnt
}

func (n *Nexus) closeChildren() {
	for _, c := range n.children {
		if c.state == ChildOpen || c.handle != nil {
			c.close()
		}
	}
}

// resize sets the nexus geometry from its healthy children and reports
// whether any is left.
func (n *Nexus) resize() bool {
	n.numBlocks, n.blockLen = 0, 0
	for _, c := range n.children {
		if !c.IsHealthy() {
			continue
		}
		if n.blockLen == 0 || c.DataBlocks() < n.numBlocks {
			n.numBlocks = c.DataBlocks()
		}
		if n.blockLen == 0 {
			n.blockLen = c.dev.BlockLen()
		}
	}
	return n.blockLen != 0
}
