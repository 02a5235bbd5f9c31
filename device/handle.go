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
	"context"
	"io"
	"sync/atomic"

	"github.com/cubefs/nexus/partition"

	apierrors "github.com/cubefs/nexus/errors"
)

type backend interface {
	io.ReaderAt
	io.WriterAt
}

// handle serves block I/O for devices backed by a plain byte store.
type handle struct {
	dev    BlockDevice
	be     backend
	closed int32
}

func newHandle(dev BlockDevice, be backend) *handle {
	return &handle{dev: dev, be: be}
}

func (h *handle) Device() BlockDevice {
	return h.dev
}

func (h *handle) DmaMalloc(size uint64) (*DmaBuf, error) {
	return DmaMalloc(h.dev, size)
}

func (h *handle) DmaBufFrom(b []byte) (*DmaBuf, error) {
	buf, err := h.DmaMalloc(uint64(len(b)))
	if err != nil {
		return nil, err
	}
	copy(buf.Bytes(), b)
	return buf, nil
}

func (h *handle) ReadAt(ctx context.Context, offset uint64, buf *DmaBuf) (uint64, error) {
	if err := h.check(ctx, "read", offset, buf); err != nil {
		return 0, err
	}
	n, err := h.be.ReadAt(buf.Bytes(), int64(offset))
	if err != nil {
		return uint64(n), &IoError{Op: "read", Device: h.dev.Name(), Offset: offset, Len: buf.Len(), Kind: apierrors.ErrIoFailed, Err: err}
	}
	return uint64(n), nil
}

func (h *handle) WriteAt(ctx context.Context, offset uint64, buf *DmaBuf) (uint64, error) {
	if err := h.check(ctx, "write", offset, buf); err != nil {
		return 0, err
	}
	n, err := h.be.WriteAt(buf.Bytes(), int64(offset))
	if err != nil {
		return uint64(n), &IoError{Op: "write", Device: h.dev.Name(), Offset: offset, Len: buf.Len(), Kind: apierrors.ErrIoFailed, Err: err}
	}
	return uint64(n), nil
}

func (h *handle) Close() {
	atomic.StoreInt32(&h.closed, 1)
}

func (h *handle) check(ctx context.Context, op string, offset uint64, buf *DmaBuf) error {
	if err := ValidateIO(ctx, h.dev, op, offset, buf); err != nil {
		return err
	}
	if atomic.LoadInt32(&h.closed) == 1 {
		return &IoError{Op: op, Device: h.dev.Name(), Offset: offset, Len: buf.Len(), Kind: apierrors.ErrIoFailed, Err: apierrors.ErrDeviceClosed}
	}
	return nil
}

// ValidateIO checks an I/O request against the device geometry and ctx.
func ValidateIO(ctx context.Context, dev BlockDevice, op string, offset uint64, buf *DmaBuf) error {
	ioErr := &IoError{Op: op, Device: dev.Name(), Offset: offset, Kind: apierrors.ErrIoFailed}
	if buf != nil {
		ioErr.Len = buf.Len()
	}

	if err := ctx.Err(); err != nil {
		ioErr.Kind, ioErr.Err = apierrors.ErrCanceled, err
		return ioErr
	}
	if buf == nil || buf.Len() == 0 {
		ioErr.Err = io.ErrShortBuffer
		return ioErr
	}

	blockLen := dev.BlockLen()
	if offset%blockLen != 0 || buf.Len()%blockLen != 0 {
		ioErr.Err = errUnaligned
		return ioErr
	}
	if offset+buf.Len() > Size(dev) {
		ioErr.Err = errOutOfRange
		return ioErr
	}
	return nil
}

// DmaMalloc allocates a zeroed buffer of whole dev blocks aligned for dev.
func DmaMalloc(dev BlockDevice, size uint64) (*DmaBuf, error) {
	blockLen := dev.BlockLen()
	return NewDmaBuf(partition.BytesToAlignedBlocks(size, blockLen)*blockLen, dev.Alignment())
}
