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

	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/cubefs/nexus/metadata"
	"github.com/cubefs/nexus/metrics"
)

// ChildMetadata is the copy of the nexus metadata held by one child.
type ChildMetadata struct {
	Child    string            `json:"child"`
	Metadata metadata.Metadata `json:"metadata"`
}

// SelectLatest returns the most recent copy written for the nexus identified
// by nexusUUID and bdevUUID. Copies of other nexuses are ignored. On equal
// timestamps the copy listed first wins. It returns nil when nothing
// qualifies.
func SelectLatest(ctx context.Context, copies []ChildMetadata, nexusUUID, bdevUUID string) *metadata.NexusRecord {
	span := trace.SpanFromContextSafe(ctx)
	var latest *metadata.NexusRecord
	for _, cp := range copies {
		if cp.Metadata.IsNone() {
			span.Debugf("child[%s] has no metadata copy", cp.Child)
			continue
		}
		md := cp.Metadata.V1
		if md.NexusUUID != nexusUUID || md.BdevUUID != bdevUUID {
			span.Warnf("child[%s] has metadata for a different nexus: %s", cp.Child, md.NexusUUID)
			continue
		}
		if latest == nil || md.Timestamp.After(latest.Timestamp) {
			latest = md
		}
	}
	return latest
}

// validateChildrenMetadata closes every child the latest copy of the
// metadata does not record as open. It runs while the nexus is initializing.
func (n *Nexus) validateChildrenMetadata(ctx context.Context) {
	span := trace.SpanFromContextSafe(ctx)

	latest := SelectLatest(ctx, n.readChildrenMetadata(ctx), n.uuid, n.bdevUUID)
	if latest == nil {
		span.Debugf("nexus[%s] no metadata found on child devices", n.name)
		return
	}
	span.Debugf("nexus[%s] using metadata written at %s", n.name, latest.Timestamp)

	for _, mc := range latest.Children {
		if mc.State == metadata.StateOpen {
			continue
		}
		c := n.lookupChild(mc.Name)
		if c == nil {
			span.Debugf("nexus[%s] child %s from metadata not found", n.name, mc.Name)
			continue
		}
		if !c.IsHealthy() {
			continue
		}
		span.Warnf("nexus[%s] metadata records child %s as %s, closing it", n.name, mc.Name, mc.State)
		c.close()
		metrics.QuorumClosedChildren.Inc()
	}
}

// ReadChildrenMetadata returns the copy of the metadata of every child in
// child order.
func (n *Nexus) ReadChildrenMetadata(ctx context.Context) []ChildMetadata {
	n.lock.Lock()
	defer n.lock.Unlock()
	return n.readChildrenMetadata(ctx)
}

func (n *Nexus) readChildrenMetadata(ctx context.Context) []ChildMetadata {
	trace.SpanFromContextSafe(ctx).Debugf("nexus[%s] reading nexus metadata copies from all child devices", n.name)
	copies := make([]ChildMetadata, 0, len(n.children))
	for _, c := range n.children {
		copies = append(copies, ChildMetadata{Child: c.name, Metadata: c.readMetadata(ctx)})
	}
	return copies
}

// UpdateMetadata writes a snapshot of the current state to every healthy
// child. Only a snapshot that cannot be encoded is an error, failures of
// single children are logged.
func (n *Nexus) UpdateMetadata(ctx context.Context) error {
	n.lock.Lock()
	defer n.lock.Unlock()
	return n.writeMetadata(ctx, n.state)
}

func (n *Nexus) updateMetadata(ctx context.Context) {
	if err := n.writeMetadata(ctx, n.state); err != nil {
		trace.SpanFromContextSafe(ctx).Errorf("nexus[%s] updating nexus metadata failed: %s", n.name, err)
	}
}

func (n *Nexus) writeMetadata(ctx context.Context, state NexusState) error {
	trace.SpanFromContextSafe(ctx).Debugf("nexus[%s] updating nexus metadata on all child devices", n.name)
	buf, err := metadata.NewBuffer(metadata.NewV1(n.currentMetadata(state)))
	if err != nil {
		return err
	}
	for _, c := range n.children {
		c.writeMetadata(ctx, buf)
	}
	return nil
}

// currentMetadata snapshots the nexus as if it were in state.
func (n *Nexus) currentMetadata(state NexusState) *metadata.NexusRecord {
	md := &metadata.NexusRecord{
		Timestamp:     n.now().UTC(),
		State:         state.Persisted(),
		Name:          n.name,
		NexusUUID:     n.uuid,
		BdevUUID:      n.bdevUUID,
		RequestedSize: n.reqSize,
		Children:      make([]metadata.ChildRecord, 0, len(n.children)),
	}
	for _, c := range n.children {
		md.Children = append(md.Children, c.record(md))
	}
	return md
}
