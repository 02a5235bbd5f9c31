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

package bdev

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/cubefs/nexus/array"
	"github.com/cubefs/nexus/device"

	apierrors "github.com/cubefs/nexus/errors"
)

const (
	SchemeMalloc = "malloc"
	SchemeFile   = "file"
	SchemeArray  = array.Scheme

	defaultBlockLen = 512
	mib             = 1 << 20
)

// Info is the listing view of a registered device.
type Info struct {
	Name      string   `json:"name"`
	UUID      string   `json:"uuid"`
	Kind      string   `json:"kind"`
	BlockLen  uint64   `json:"block_len"`
	NumBlocks uint64   `json:"num_blocks"`
	Members   []string `json:"members,omitempty"`
	ClaimedBy string   `json:"claimed_by,omitempty"`
}

// Registry owns every block device of the process by name.
type Registry struct {
	lock    sync.RWMutex
	devices map[string]device.BlockDevice
	// device name -> owning array or nexus
	claims map[string]string
}

func NewRegistry() *Registry {
	return &Registry{
		devices: make(map[string]device.BlockDevice),
		claims:  make(map[string]string),
	}
}

// Create builds a device from uri and registers it.
func (r *Registry) Create(ctx context.Context, uri string) (device.BlockDevice, error) {
	span := trace.SpanFromContextSafe(ctx)
	u, err := url.Parse(uri)
	if err != nil {
		return nil, apierrors.ErrInvalidURI
	}

	var dev device.BlockDevice
	switch u.Scheme {
	case SchemeMalloc:
		dev, err = createMalloc(u)
	case SchemeFile:
		dev, err = createFile(u)
	case SchemeArray:
		return r.createArray(ctx, uri)
	default:
		return nil, apierrors.ErrUnsupportedScheme
	}
	if err != nil {
		span.Warnf("create device %s failed: %s", uri, err)
		return nil, err
	}
	if err = r.Register(dev); err != nil {
		dev.Close()
		return nil, err
	}
	span.Infof("device %s created, uuid: %s, %d x %d", dev.Name(), dev.UUID(), dev.NumBlocks(), dev.BlockLen())
	return dev, nil
}

func (r *Registry) createArray(ctx context.Context, uri string) (device.BlockDevice, error) {
	span := trace.SpanFromContextSafe(ctx)
	u, err := array.ParseURI(uri)
	if err != nil {
		return nil, err
	}

	r.lock.Lock()
	defer r.lock.Unlock()
	if _, ok := r.devices[u.Name]; ok {
		return nil, apierrors.ErrDeviceExists
	}
	members := make([]device.BlockDevice, 0, len(u.Disks))
	for _, name := range u.Disks {
		dev, ok := r.devices[name]
		if !ok {
			return nil, fmt.Errorf("array member %s: %w", name, apierrors.ErrDeviceNotFound)
		}
		if owner, ok := r.claims[name]; ok {
			return nil, fmt.Errorf("array member %s claimed by %s: %w", name, owner, apierrors.ErrInvalidState)
		}
		members = append(members, dev)
	}

	dev, err := array.Create(array.KindSpan, array.Params{Name: u.Name, UUID: u.UUID, Devices: members})
	if err != nil {
		span.Warnf("create array %s failed: %s", u.Name, err)
		return nil, err
	}
	r.devices[u.Name] = dev
	for _, name := range u.Disks {
		r.claims[name] = u.Name
	}
	span.Infof("array %s created over %v, uuid: %s", u.Name, u.Disks, u.UUID)
	return dev, nil
}

func (r *Registry) Register(dev device.BlockDevice) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if _, ok := r.devices[dev.Name()]; ok {
		return apierrors.ErrDeviceExists
	}
	r.devices[dev.Name()] = dev
	return nil
}

func (r *Registry) Lookup(name string) (device.BlockDevice, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	dev, ok := r.devices[name]
	if !ok {
		return nil, apierrors.ErrDeviceNotFound
	}
	return dev, nil
}

// Claim marks dev as used by owner. A device has at most one owner.
func (r *Registry) Claim(dev device.BlockDevice, owner string) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	name := dev.Name()
	if _, ok := r.devices[name]; !ok {
		return fmt.Errorf("device %s: %w", name, apierrors.ErrDeviceNotFound)
	}
	if claimedBy, ok := r.claims[name]; ok {
		return fmt.Errorf("device %s claimed by %s: %w", name, claimedBy, apierrors.ErrInvalidState)
	}
	r.claims[name] = owner
	return nil
}

// Release drops the claim of owner on dev, if it holds one.
func (r *Registry) Release(dev device.BlockDevice, owner string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.claims[dev.Name()] == owner {
		delete(r.claims, dev.Name())
	}
}

// Resolve looks a device up by name or by the uri it was created from.
func (r *Registry) Resolve(nameOrURI string) (device.BlockDevice, error) {
	if !strings.Contains(nameOrURI, "://") {
		return r.Lookup(nameOrURI)
	}
	name, err := NameFromURI(nameOrURI)
	if err != nil {
		return nil, err
	}
	return r.Lookup(name)
}

// Destroy closes and unregisters a device. Array members cannot be destroyed
// while their array exists.
func (r *Registry) Destroy(ctx context.Context, name string) error {
	span := trace.SpanFromContextSafe(ctx)
	r.lock.Lock()
	defer r.lock.Unlock()
	dev, ok := r.devices[name]
	if !ok {
		return apierrors.ErrDeviceNotFound
	}
	if owner, ok := r.claims[name]; ok {
		return fmt.Errorf("device %s claimed by %s: %w", name, owner, apierrors.ErrInvalidState)
	}
	if s, ok := dev.(*array.Span); ok {
		for _, member := range s.Members() {
			delete(r.claims, member)
		}
	}
	delete(r.devices, name)
	if err := dev.Close(); err != nil {
		span.Warnf("close device %s failed: %s", name, err)
		return err
	}
	span.Infof("device %s destroyed", name)
	return nil
}

// Names returns the registered device names in order.
func (r *Registry) Names() []string {
	r.lock.RLock()
	names := make([]string, 0, len(r.devices))
	for name := range r.devices {
		names = append(names, name)
	}
	r.lock.RUnlock()
	sort.Strings(names)
	return names
}

func (r *Registry) List() []Info {
	r.lock.RLock()
	defer r.lock.RUnlock()
	infos := make([]Info, 0, len(r.devices))
	for name, dev := range r.devices {
		info := Info{
			Name:      name,
			UUID:      dev.UUID(),
			BlockLen:  dev.BlockLen(),
			NumBlocks: dev.NumBlocks(),
			ClaimedBy: r.claims[name],
		}
		switch d := dev.(type) {
		case *array.Span:
			info.Kind = array.KindSpan.String()
			info.Members = d.Members()
		case *device.FileDevice:
			info.Kind = SchemeFile
		default:
			info.Kind = SchemeMalloc
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Close destroys every device, arrays before their members.
func (r *Registry) Close(ctx context.Context) {
	span := trace.SpanFromContextSafe(ctx)
	r.lock.Lock()
	var arrays, others []string
	for name, dev := range r.devices {
		if _, ok := dev.(*array.Span); ok {
			arrays = append(arrays, name)
		} else {
			others = append(others, name)
		}
	}
	r.lock.Unlock()

	for _, name := range append(arrays, others...) {
		if err := r.Destroy(ctx, name); err != nil {
			span.Warnf("destroy device %s on close failed: %s", name, err)
		}
	}
}

// NameFromURI returns the registry name a uri creates.
func NameFromURI(uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", apierrors.ErrInvalidURI
	}
	switch u.Scheme {
	case SchemeMalloc:
		return mallocName(u)
	case SchemeFile:
		if u.Path == "" {
			return "", apierrors.ErrInvalidURI
		}
		return u.Path, nil
	case SchemeArray:
		a, err := array.ParseURI(uri)
		if err != nil {
			return "", err
		}
		return a.Name, nil
	default:
		return "", apierrors.ErrUnsupportedScheme
	}
}

func mallocName(u *url.URL) (string, error) {
	name := u.Host + u.Path
	name = strings.Trim(name, "/")
	if name == "" {
		return "", apierrors.ErrInvalidURI
	}
	return name, nil
}

func createMalloc(u *url.URL) (device.BlockDevice, error) {
	name, err := mallocName(u)
	if err != nil {
		return nil, err
	}
	sizeMB, blockLen, err := parseGeometry(u.Query())
	if err != nil {
		return nil, err
	}
	if sizeMB == 0 {
		return nil, apierrors.ErrInvalidURI
	}
	return device.NewMemDevice(name, u.Query().Get("uuid"), sizeMB*mib, blockLen)
}

func createFile(u *url.URL) (device.BlockDevice, error) {
	if u.Path == "" {
		return nil, apierrors.ErrInvalidURI
	}
	sizeMB, blockLen, err := parseGeometry(u.Query())
	if err != nil {
		return nil, err
	}
	return device.OpenFileDevice(u.Path, u.Path, sizeMB*mib, blockLen)
}

func parseGeometry(query url.Values) (sizeMB, blockLen uint64, err error) {
	blockLen = defaultBlockLen
	if v := query.Get("size_mb"); v != "" {
		if sizeMB, err = strconv.ParseUint(v, 10, 64); err != nil {
			return 0, 0, apierrors.ErrInvalidURI
		}
	}
	if v := query.Get("blk_size"); v != "" {
		if blockLen, err = strconv.ParseUint(v, 10, 64); err != nil {
			return 0, 0, apierrors.ErrInvalidURI
		}
		if blockLen != 512 && blockLen != 4096 {
			return 0, 0, apierrors.ErrInvalidURI
		}
	}
	return sizeMB, blockLen, nil
}
