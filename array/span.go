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

package array

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cubefs/nexus/device"
	"github.com/cubefs/nexus/partition"

	apierrors "github.com/cubefs/nexus/errors"
)

type Kind uint8

const (
	KindSpan Kind = iota + 1
)

func (k Kind) String() string {
	switch k {
	case KindSpan:
		return "span"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

type Params struct {
	Name    string
	UUID    string
	Devices []device.BlockDevice
}

// Create builds an array of the given kind over params.Devices.
func Create(kind Kind, params Params) (device.BlockDevice, error) {
	switch kind {
	case KindSpan:
		return NewSpan(params)
	default:
		return nil, fmt.Errorf("array kind %s: %w", kind, apierrors.ErrUnsupportedScheme)
	}
}

type extent struct {
	member   Member
	start    uint64 // first span byte served by the member
	size     uint64
	dataBase uint64 // byte offset of the member data partition
}

// Span concatenates the data partitions of its members.
type Span struct {
	name     string
	uuid     string
	blockLen uint64
	extents  []extent

	lock  sync.RWMutex
	group *Group
}

// NewSpan validates the members and opens them as one group.
func NewSpan(params Params) (*Span, error) {
	if len(params.Devices) == 0 {
		return nil, apierrors.ErrNotEnoughDevices
	}
	first := params.Devices[0]
	parts := make([]partition.Partitions, 0, len(params.Devices))
	for _, dev := range params.Devices {
		if dev.BlockLen() != first.BlockLen() {
			return nil, fmt.Errorf("%s: %w", dev.Name(), apierrors.ErrDeviceBlockLengthMismatch)
		}
		if dev.NumBlocks() != first.NumBlocks() {
			return nil, fmt.Errorf("%s: %w", dev.Name(), apierrors.ErrDeviceSizeMismatch)
		}
		p, ok := partition.CalculateForDevice(dev)
		if !ok {
			return nil, fmt.Errorf("%s: %w", dev.Name(), apierrors.ErrBadPartitions)
		}
		parts = append(parts, p)
	}

	group, err := OpenGroup(params.Name, params.Devices)
	if err != nil {
		return nil, err
	}
	s := &Span{
		name:     params.Name,
		uuid:     params.UUID,
		blockLen: first.BlockLen(),
		extents:  make([]extent, 0, len(parts)),
		group:    group,
	}
	var start uint64
	for i, p := range parts {
		s.extents = append(s.extents, extent{
			member:   group.Members[i],
			start:    start,
			size:     p.DataSize(),
			dataBase: p.DataStartOffset(),
		})
		start += p.DataSize()
	}
	return s, nil
}

func (s *Span) Name() string     { return s.name }
func (s *Span) UUID() string     { return s.uuid }
func (s *Span) BlockLen() uint64 { return s.blockLen }

func (s *Span) NumBlocks() uint64 {
	var size uint64
	for _, e := range s.extents {
		size += e.size
	}
	return size / s.blockLen
}

func (s *Span) Alignment() uint64 {
	var align uint64 = 1
	for _, e := range s.extents {
		if a := e.member.Device.Alignment(); a > align {
			align = a
		}
	}
	return align
}

// Members returns the names of the member devices in span order.
func (s *Span) Members() []string {
	names := make([]string, 0, len(s.extents))
	for _, e := range s.extents {
		names = append(names, e.member.Device.Name())
	}
	return names
}

func (s *Span) Open() (device.Handle, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	if s.group == nil {
		return nil, apierrors.ErrDeviceClosed
	}
	return &spanHandle{span: s}, nil
}

// Close releases the member handles. Member devices stay open.
func (s *Span) Close() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.group != nil {
		s.group.Close()
		s.group = nil
	}
	return nil
}

type ioFunc func(h device.Handle, ctx context.Context, offset uint64, buf *device.DmaBuf) (uint64, error)

func (s *Span) do(ctx context.Context, op string, offset uint64, buf *device.DmaBuf, fn ioFunc) (uint64, error) {
	if err := device.ValidateIO(ctx, s, op, offset, buf); err != nil {
		return 0, err
	}
	s.lock.RLock()
	defer s.lock.RUnlock()
	if s.group == nil {
		return 0, &device.IoError{Op: op, Device: s.name, Offset: offset, Len: buf.Len(), Kind: apierrors.ErrIoFailed, Err: apierrors.ErrDeviceClosed}
	}

	var done uint64
	end := offset + buf.Len()
	for _, e := range s.extents {
		if offset >= end {
			break
		}
		if offset >= e.start+e.size {
			continue
		}
		n := e.start + e.size - offset
		if n > end-offset {
			n = end - offset
		}
		_, err := fn(e.member.Handle, ctx, e.dataBase+offset-e.start, buf.Slice(done, n))
		if err != nil {
			return done, err
		}
		done += n
		offset += n
	}
	return done, nil
}

type spanHandle struct {
	span   *Span
	closed int32
}

func (h *spanHandle) Device() device.BlockDevice {
	return h.span
}

func (h *spanHandle) DmaMalloc(size uint64) (*device.DmaBuf, error) {
	return device.DmaMalloc(h.span, size)
}

func (h *spanHandle) DmaBufFrom(b []byte) (*device.DmaBuf, error) {
	buf, err := h.DmaMalloc(uint64(len(b)))
	if err != nil {
		return nil, err
	}
	copy(buf.Bytes(), b)
	return buf, nil
}

func (h *spanHandle) ReadAt(ctx context.Context, offset uint64, buf *device.DmaBuf) (uint64, error) {
	if err := h.check("read", offset, buf); err != nil {
		return 0, err
	}
	return h.span.do(ctx, "read", offset, buf, device.Handle.ReadAt)
}

func (h *spanHandle) WriteAt(ctx context.Context, offset uint64, buf *device.DmaBuf) (uint64, error) {
	if err := h.check("write", offset, buf); err != nil {
		return 0, err
	}
	return h.span.do(ctx, "write", offset, buf, device.Handle.WriteAt)
}

func (h *spanHandle) Close() {
	atomic.StoreInt32(&h.closed, 1)
}

func (h *spanHandle) check(op string, offset uint64, buf *device.DmaBuf) error {
	if atomic.LoadInt32(&h.closed) == 0 {
		return nil
	}
	ioErr := &device.IoError{Op: op, Device: h.span.name, Offset: offset, Kind: apierrors.ErrIoFailed, Err: apierrors.ErrDeviceClosed}
	if buf != nil {
		ioErr.Len = buf.Len()
	}
	return ioErr
}
