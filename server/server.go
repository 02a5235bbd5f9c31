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

package server

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/cubefs/cubefs/blobstore/common/rpc"
	"github.com/cubefs/cubefs/blobstore/common/rpc/auditlog"
	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"golang.org/x/sync/singleflight"

	"github.com/cubefs/nexus/bdev"
	"github.com/cubefs/nexus/nexus"
	"github.com/cubefs/nexus/pstore"

	apierrors "github.com/cubefs/nexus/errors"
)

type Config struct {
	// Devices are created in order, so arrays follow their members.
	Devices         []string        `json:"devices"`
	Nexuses         []nexus.Config  `json:"nexuses"`
	PersistentStore pstore.Config   `json:"persistent_store"`
	AuditLog        auditlog.Config `json:"audit_log"`
}

type Stats struct {
	Nexuses         int `json:"nexuses"`
	OpenNexuses     int `json:"open_nexuses"`
	Devices         int `json:"devices"`
	HealthyChildren int `json:"healthy_children"`
	Children        int `json:"children"`
}

// Server owns the devices and the nexuses of the process.
type Server struct {
	cfg      *Config
	registry *bdev.Registry
	store    pstore.Store

	lock        sync.RWMutex
	nexuses     map[string]*nexus.Nexus
	createGroup singleflight.Group

	auditLogRecorder auditlog.LogCloser
	auditLogHandler  rpc.ProgressHandler
}

// NewServer opens the persistent store, creates the configured devices and
// opens the configured nexuses.
func NewServer(ctx context.Context, cfg *Config) (*Server, error) {
	span := trace.SpanFromContextSafe(ctx)
	s := &Server{
		cfg:      cfg,
		registry: bdev.NewRegistry(),
		nexuses:  make(map[string]*nexus.Nexus),
	}

	store, err := pstore.Open(ctx, &cfg.PersistentStore)
	if err != nil {
		return nil, errors.Info(err, "open persistent store")
	}
	s.store = store

	for _, uri := range cfg.Devices {
		if _, err = s.registry.Create(ctx, uri); err != nil {
			s.Close(ctx)
			return nil, errors.Info(err, "create device", uri)
		}
	}
	for i := range cfg.Nexuses {
		if _, err = s.CreateNexus(ctx, cfg.Nexuses[i]); err != nil {
			s.Close(ctx)
			return nil, errors.Info(err, "create nexus", cfg.Nexuses[i].Name)
		}
	}

	if cfg.AuditLog.LogDir != "" {
		handler, logFile, err := auditlog.Open("NEXUS", &cfg.AuditLog)
		if err != nil {
			s.Close(ctx)
			return nil, errors.Info(err, "open audit log")
		}
		s.auditLogHandler, s.auditLogRecorder = handler, logFile
	}

	span.Infof("server started, devices: %d, nexuses: %d", len(cfg.Devices), len(cfg.Nexuses))
	return s, nil
}

func (s *Server) CreateNexus(ctx context.Context, cfg nexus.Config) (*nexus.Nexus, error) {
	v, err, _ := s.createGroup.Do(cfg.Name, func() (interface{}, error) {
		s.lock.RLock()
		_, ok := s.nexuses[cfg.Name]
		s.lock.RUnlock()
		if ok {
			return nil, apierrors.ErrNexusExists
		}

		n, err := nexus.Create(ctx, cfg, s.registry, nexus.WithStore(s.store, s.cfg.PersistentStore.RetryInterval()))
		if err != nil {
			return nil, err
		}
		s.lock.Lock()
		s.nexuses[cfg.Name] = n
		s.lock.Unlock()
		return n, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*nexus.Nexus), nil
}

func (s *Server) GetNexus(name string) (*nexus.Nexus, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	n, ok := s.nexuses[name]
	if !ok {
		return nil, apierrors.ErrNexusNotFound
	}
	return n, nil
}

func (s *Server) ListNexuses() []nexus.Info {
	s.lock.RLock()
	infos := make([]nexus.Info, 0, len(s.nexuses))
	for _, n := range s.nexuses {
		infos = append(infos, n.Info())
	}
	s.lock.RUnlock()
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// DestroyNexus shuts a nexus down. With purge the nexus is gone for good and
// its persistent store record is deleted too.
func (s *Server) DestroyNexus(ctx context.Context, name string, purge bool) error {
	span := trace.SpanFromContextSafe(ctx)
	s.lock.Lock()
	n, ok := s.nexuses[name]
	if !ok {
		s.lock.Unlock()
		return apierrors.ErrNexusNotFound
	}
	delete(s.nexuses, name)
	s.lock.Unlock()

	if err := n.Destroy(ctx); err != nil {
		return err
	}
	if !purge || s.store == nil {
		return nil
	}
	if err := s.store.Delete(ctx, n.UUID()); err != nil {
		span.Errorf("delete nexus %s store record failed: %s", name, err)
		return fmt.Errorf("delete nexus %s record: %s: %w", name, err, apierrors.ErrStoreUnavailable)
	}
	span.Infof("nexus %s purged, uuid: %s", name, n.UUID())
	return nil
}

// StoreRecords returns the persistent store records by nexus uuid.
func (s *Server) StoreRecords(ctx context.Context) (map[string]*pstore.NexusInfo, error) {
	if s.store == nil {
		return nil, apierrors.ErrStoreUnavailable
	}
	records, err := s.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list nexus records: %s: %w", err, apierrors.ErrStoreUnavailable)
	}
	return records, nil
}

func (s *Server) ChildMetadata(ctx context.Context, name string) ([]nexus.ChildMetadata, error) {
	n, err := s.GetNexus(name)
	if err != nil {
		return nil, err
	}
	return n.ReadChildrenMetadata(ctx), nil
}

func (s *Server) FaultChild(ctx context.Context, name, child string, reason nexus.FaultReason) error {
	n, err := s.GetNexus(name)
	if err != nil {
		return err
	}
	return n.FaultChild(ctx, child, reason)
}

// AddChild adds uri to a nexus, creating the device first when uri names
// one that does not exist yet.
func (s *Server) AddChild(ctx context.Context, name, uri string) error {
	n, err := s.GetNexus(name)
	if err != nil {
		return err
	}
	if strings.Contains(uri, "://") {
		if _, err = s.registry.Resolve(uri); err == apierrors.ErrDeviceNotFound {
			if _, err = s.registry.Create(ctx, uri); err != nil {
				return err
			}
		}
	}
	return n.AddChild(ctx, uri)
}

func (s *Server) RemoveChild(ctx context.Context, name, child string) error {
	n, err := s.GetNexus(name)
	if err != nil {
		return err
	}
	return n.RemoveChild(ctx, child)
}

func (s *Server) Devices() []bdev.Info {
	return s.registry.List()
}

func (s *Server) Stats() Stats {
	stats := Stats{Devices: len(s.registry.Names())}
	for _, info := range s.ListNexuses() {
		stats.Nexuses++
		if info.State == nexus.NexusOpen {
			stats.OpenNexuses++
		}
		for _, c := range info.Children {
			stats.Children++
			if c.State == nexus.ChildOpen {
				stats.HealthyChildren++
			}
		}
	}
	return stats
}

// Close shuts every nexus down before releasing the devices and the store.
func (s *Server) Close(ctx context.Context) {
	span := trace.SpanFromContextSafe(ctx)
	s.lock.Lock()
	nexuses := s.nexuses
	s.nexuses = make(map[string]*nexus.Nexus)
	s.lock.Unlock()

	for name, n := range nexuses {
		if err := n.Destroy(ctx); err != nil {
			span.Warnf("destroy nexus %s failed: %s", name, errors.Detail(err))
		}
	}
	s.registry.Close(ctx)
	if s.store != nil {
		s.store.Close()
	}
	if s.auditLogRecorder != nil {
		s.auditLogRecorder.Close()
	}
}
