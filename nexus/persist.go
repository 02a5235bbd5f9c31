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

	"github.com/cubefs/nexus/pstore"

	apierrors "github.com/cubefs/nexus/errors"
)

func (n *Nexus) storeInfo(cleanShutdown bool) *pstore.NexusInfo {
	info := &pstore.NexusInfo{
		CleanShutdown: cleanShutdown,
		Children:      make([]pstore.ChildInfo, 0, len(n.children)),
	}
	for _, c := range n.children {
		if c.uuid == "" {
			continue
		}
		info.Children = append(info.Children, pstore.ChildInfo{UUID: c.uuid, Healthy: c.IsHealthy()})
	}
	return info
}

// persist records the nexus health in the store, waiting for the store to
// accept it.
func (n *Nexus) persist(ctx context.Context, cleanShutdown bool) error {
	return pstore.PutStalled(ctx, n.store, n.uuid, n.storeInfo(cleanShutdown), n.retryInterval)
}

// applyStoreRecord closes the children recorded unhealthy when the last
// shutdown was not clean.
func (n *Nexus) applyStoreRecord(ctx context.Context) error {
	if n.store == nil {
		return nil
	}
	span := trace.SpanFromContextSafe(ctx)
	info, err := n.store.Get(ctx, n.uuid)
	if err != nil {
		span.Errorf("nexus[%s] get persisted info failed: %s", n.name, err)
		return fmt.Errorf("nexus %s: %s: %w", n.name, err, apierrors.ErrStoreUnavailable)
	}
	if info == nil {
		span.Debugf("nexus[%s] no persisted info", n.name)
		return nil
	}
	if info.CleanShutdown {
		return nil
	}

	for _, c := range n.children {
		ci, ok := info.Child(c.uuid)
		if !ok || ci.Healthy || !c.IsHealthy() {
			continue
		}
		span.Warnf("nexus[%s] child %s was unhealthy before an unclean shutdown, closing it", n.name, c.name)
		c.close()
	}
	return nil
}
