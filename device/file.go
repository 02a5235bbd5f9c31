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
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	apierrors "github.com/cubefs/nexus/errors"
)

// FileDevice is a block device backed by a regular file or a block special
// file. The device uuid is derived from the absolute path so it survives
// restarts.
type FileDevice struct {
	name      string
	path      string
	uuid      string
	blockLen  uint64
	numBlocks uint64

	lock sync.RWMutex
	f    *os.File
}

// OpenFileDevice opens the file at path. A non zero size creates the file
// when missing and grows it to size bytes.
func OpenFileDevice(name, path string, size, blockLen uint64) (*FileDevice, error) {
	if blockLen == 0 {
		return nil, apierrors.ErrBadPartitions
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	flag := os.O_RDWR
	if size > 0 {
		flag |= os.O_CREATE
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return nil, err
		}
	}
	f, err := os.OpenFile(abs, flag, 0o644)
	if err != nil {
		return nil, err
	}

	cur, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		f.Close()
		return nil, err
	}
	if size > 0 && uint64(cur) < size {
		if err := f.Truncate(int64(size)); err != nil {
			f.Close()
			return nil, err
		}
		cur = int64(size)
	}
	if uint64(cur) < blockLen {
		f.Close()
		return nil, apierrors.ErrBadPartitions
	}

	return &FileDevice{
		name:      name,
		path:      abs,
		uuid:      uuid.NewSHA1(uuid.NameSpaceURL, []byte("file://"+abs)).String(),
		blockLen:  blockLen,
		numBlocks: uint64(cur) / blockLen,
		f:         f,
	}, nil
}

func (d *FileDevice) Name() string      { return d.name }
func (d *FileDevice) UUID() string      { return d.uuid }
func (d *FileDevice) Path() string      { return d.path }
func (d *FileDevice) BlockLen() uint64  { return d.blockLen }
func (d *FileDevice) NumBlocks() uint64 { return d.numBlocks }
func (d *FileDevice) Alignment() uint64 { return defaultAlignment }

func (d *FileDevice) Open() (Handle, error) {
	d.lock.RLock()
	defer d.lock.RUnlock()
	if d.f == nil {
		return nil, apierrors.ErrDeviceClosed
	}
	return newHandle(d, d), nil
}

func (d *FileDevice) Close() error {
	d.lock.Lock()
	defer d.lock.Unlock()
	if d.f == nil {
		return nil
	}
	err := d.f.Close()
	d.f = nil
	return err
}

func (d *FileDevice) ReadAt(p []byte, off int64) (int, error) {
	d.lock.RLock()
	defer d.lock.RUnlock()
	if d.f == nil {
		return 0, apierrors.ErrDeviceClosed
	}
	return d.f.ReadAt(p, off)
}

func (d *FileDevice) WriteAt(p []byte, off int64) (int, error) {
	d.lock.RLock()
	defer d.lock.RUnlock()
	if d.f == nil {
		return 0, apierrors.ErrDeviceClosed
	}
	n, err := d.f.WriteAt(p, off)
	if err != nil {
		return n, err
	}
	return n, d.f.Sync()
}
