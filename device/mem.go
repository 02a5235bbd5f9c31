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

package device

import (
	"errors"
	"sync"

	"github.com/google/uuid"

	apierrors "github.com/cubefs/nexus/errors"
)

const defaultAlignment = 512

var (
	errUnaligned  = errors.New("unaligned offset or length")
	errOutOfRange = errors.New("beyond the end of device")
)

// MemDevice is a RAM backed block device.
type MemDevice struct {
	name      string
	uuid      string
	blockLen  uint64
	numBlocks uint64

	lock   sync.RWMutex
	data   []byte
	closed bool
}

// NewMemDevice creates a device of size bytes, truncated to whole blocks.
// An empty id generates a random uuid.
func NewMemDevice(name, id string, size, blockLen uint64) (*MemDevice, error) {
	if blockLen == 0 || size < blockLen {
		return nil, apierrors.ErrBadPartitions
	}
	if id == "" {
		id = uuid.NewString()
	}
	numBlocks := size / blockLen
	return &MemDevice{
		name:      name,
		uuid:      id,
		blockLen:  blockLen,
		numBlocks: numBlocks,
		data:      make([]byte, numBlocks*blockLen),
	}, nil
}

func (d *MemDevice) Name() string      { return d.name }
func (d *MemDevice) UUID() string      { return d.uuid }
func (d *MemDevice) BlockLen() uint64  { return d.blockLen }
func (d *MemDevice) NumBlocks() uint64 { return d.numBlocks }
func (d *MemDevice) Alignment() uint64 { return defaultAlignment }

func (d *MemDevice) Open() (Handle, error) {
	d.lock.RLock()
	defer d.lock.RUnlock()
	if d.closed {
		return nil, apierrors.ErrDeviceClosed
	}
	return newHandle(d, d), nil
}

func (d *MemDevice) Close() error {
	d.lock.Lock()
	d.closed = true
	d.data = nil
	d.lock.Unlock()
	return nil
}

func (d *MemDevice) ReadAt(p []byte, off int64) (int, error) {
	d.lock.RLock()
	defer d.lock.RUnlock()
	if d.closed {
		return 0, apierrors.ErrDeviceClosed
	}
	if off < 0 || off+int64(len(p)) > int64(len(d.data)) {
		return 0, errOutOfRange
	}
	return copy(p, d.data[off:]), nil
}

func (d *MemDevice) WriteAt(p []byte, off int64) (int, error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	if d.closed {
		return 0, apierrors.ErrDeviceClosed
	}
	if off < 0 || off+int64(len(p)) > int64(len(d.data)) {
		return 0, errOutOfRange
	}
	return copy(d.data[off:], p), nil
}
