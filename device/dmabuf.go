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
	"unsafe"

	"github.com/cubefs/cubefs/blobstore/util/bytespool"

	apierrors "github.com/cubefs/nexus/errors"
)

// DmaBuf is an I/O buffer whose first byte is aligned for device access.
type DmaBuf struct {
	raw []byte
	buf []byte
}

// NewDmaBuf allocates a zeroed buffer of size bytes aligned to alignment,
// which must be a power of two.
func NewDmaBuf(size, alignment uint64) (*DmaBuf, error) {
	if size == 0 || alignment == 0 || alignment&(alignment-1) != 0 {
		return nil, apierrors.ErrDmaAllocationFailed
	}

	raw := bytespool.Alloc(int(size + alignment))
	if uint64(len(raw)) < size+alignment {
		return nil, apierrors.ErrDmaAllocationFailed
	}
	addr := uintptr(unsafe.Pointer(&raw[0]))
	shift := (alignment - uint64(addr)%alignment) % alignment

	buf := raw[shift : shift+size]
	for i := range buf {
		buf[i] = 0
	}
	return &DmaBuf{raw: raw, buf: buf}, nil
}

func (b *DmaBuf) Bytes() []byte {
	return b.buf
}

func (b *DmaBuf) Len() uint64 {
	return uint64(len(b.buf))
}

// Slice returns a view of n bytes at off sharing the memory of b. Freeing the
// view is a no-op.
func (b *DmaBuf) Slice(off, n uint64) *DmaBuf {
	return &DmaBuf{buf: b.buf[off : off+n : off+n]}
}

// Free returns the memory to the pool. The buffer must not be used afterwards.
func (b *DmaBuf) Free() {
	if b.raw == nil {
		return
	}
	bytespool.Free(b.raw)
	b.raw = nil
	b.buf = nil
}
