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

package pstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"golang.org/x/time/rate"

	"github.com/cubefs/nexus/common/kvstore"
	apierrors "github.com/cubefs/nexus/errors"
	"github.com/cubefs/nexus/metrics"
)

const (
	nexusCF     = kvstore.CF("nexus")
	nexusPrefix = "nexus/"

	defaultRetryIntervalMS = 500
)

type Config struct {
	Path            string         `json:"path"`
	KVOption        kvstore.Option `json:"kv_option"`
	RetryIntervalMS int            `json:"retry_interval_ms"`
	Disable         bool           `json:"disable"`
}

// NexusInfo is the health record kept for a nexus outside its children.
type NexusInfo struct {
	CleanShutdown bool        `json:"clean_shutdown"`
	Children      []ChildInfo `json:"children"`
}

type ChildInfo struct {
	UUID    string `json:"uuid"`
	Healthy bool   `json:"healthy"`
}

// Child returns the record of the child with the given uuid.
func (n *NexusInfo) Child(uuid string) (ChildInfo, bool) {
	for _, c := range n.Children {
		if c.UUID == uuid {
			return c, true
		}
	}
	return ChildInfo{}, false
}

type Store interface {
	// Get returns nil info and nil error when nothing is recorded for uuid.
	Get(ctx context.Context, uuid string) (*NexusInfo, error)
	Put(ctx context.Context, uuid string, info *NexusInfo) error
	Delete(ctx context.Context, uuid string) error
	List(ctx context.Context) (map[string]*NexusInfo, error)
	Close()
}

type store struct {
	kvStore kvstore.Store
}

// Open returns a nil Store when the store is disabled.
func Open(ctx context.Context, cfg *Config) (Store, error) {
	span := trace.SpanFromContextSafe(ctx)
	if cfg.Disable {
		span.Info("persistent store disabled")
		return nil, nil
	}

	opt := cfg.KVOption
	opt.CreateIfMissing = true
	opt.ColumnFamily = append(opt.ColumnFamily[:0:0], nexusCF)
	kvStore, err := kvstore.NewKVStore(ctx, cfg.Path, kvstore.RocksdbLsmKVType, &opt)
	if err != nil {
		span.Errorf("open persistent store at %s failed: %s", cfg.Path, err)
		return nil, apierrors.ErrStoreUnavailable
	}
	return &store{kvStore: kvStore}, nil
}

func (s *store) Get(ctx context.Context, uuid string) (*NexusInfo, error) {
	raw, err := s.kvStore.GetRaw(ctx, nexusCF, nexusKey(uuid))
	if err != nil {
		if err == kvstore.ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	info := &NexusInfo{}
	if err = json.Unmarshal(raw, info); err != nil {
		return nil, err
	}
	return info, nil
}

func (s *store) Put(ctx context.Context, uuid string, info *NexusInfo) error {
	raw, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return s.kvStore.SetRaw(ctx, nexusCF, nexusKey(uuid), raw)
}

func (s *store) Delete(ctx context.Context, uuid string) error {
	return s.kvStore.Delete(ctx, nexusCF, nexusKey(uuid))
}

func (s *store) List(ctx context.Context) (map[string]*NexusInfo, error) {
	lr := s.kvStore.List(ctx, nexusCF, []byte(nexusPrefix))
	defer lr.Close()

	ret := make(map[string]*NexusInfo)
	for {
		k, v, err := lr.ReadNextCopy()
		if err != nil {
			return nil, err
		}
		if k == nil {
			break
		}
		info := &NexusInfo{}
		if err = json.Unmarshal(v, info); err != nil {
			return nil, err
		}
		ret[string(k[len(nexusPrefix):])] = info
	}
	return ret, nil
}

func (s *store) Close() {
	s.kvStore.Close()
}

// PutStalled keeps retrying the put until it succeeds or ctx is done.
// A nil store is a no-op.
func PutStalled(ctx context.Context, s Store, uuid string, info *NexusInfo, interval time.Duration) error {
	if s == nil {
		return nil
	}
	if interval <= 0 {
		interval = defaultRetryIntervalMS * time.Millisecond
	}
	span := trace.SpanFromContextSafe(ctx)
	limiter := rate.NewLimiter(rate.Every(interval), 1)
	for {
		if err := limiter.Wait(ctx); err != nil {
			span.Errorf("put nexus %s info abandoned: %s", uuid, err)
			return apierrors.ErrStoreUnavailable
		}
		err := s.Put(ctx, uuid, info)
		if err == nil {
			return nil
		}
		metrics.PstorePutRetries.Inc()
		span.Warnf("put nexus %s info failed, retry after %s: %s", uuid, interval, err)
	}
}

// RetryInterval returns the configured pacing of stalled puts.
func (cfg *Config) RetryInterval() time.Duration {
	if cfg.RetryIntervalMS <= 0 {
		return defaultRetryIntervalMS * time.Millisecond
	}
	return time.Duration(cfg.RetryIntervalMS) * time.Millisecond
}

func nexusKey(uuid string) []byte {
	return []byte(nexusPrefix + uuid)
}
