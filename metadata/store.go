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

package metadata

import (
	"context"
	"errors"
	"fmt"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/cubefs/nexus/device"
	apierrors "github.com/cubefs/nexus/errors"
	"github.com/cubefs/nexus/metrics"
	"github.com/cubefs/nexus/partition"
)

// Buffer is an encoded envelope ready to be written to child devices.
type Buffer struct {
	buf []byte
}

// NewBuffer builds the envelope of md.
func NewBuffer(md Metadata) (*Buffer, error) {
	buf, err := BuildEnvelope(md)
	if err != nil {
		return nil, err
	}
	return &Buffer{buf: buf}, nil
}

func (b *Buffer) Bytes() []byte {
	return b.buf
}

func (b *Buffer) Len() int {
	return len(b.buf)
}

// Write stores the envelope at the start of the device's metadata partition
// with a single I/O.
func (b *Buffer) Write(ctx context.Context, h device.Handle) error {
	err := b.write(ctx, h)
	if err != nil {
		metrics.MetadataWrites.WithLabelValues(metrics.ResultFailed).Inc()
		return err
	}
	metrics.MetadataWrites.WithLabelValues(metrics.ResultOK).Inc()
	return nil
}

func (b *Buffer) write(ctx context.Context, h device.Handle) error {
	parts, ok := partition.CalculateForDevice(h.Device())
	if !ok {
		return apierrors.ErrBadPartitions
	}
	if uint64(len(b.buf)) > parts.MetaSize() {
		return wrapError(apierrors.ErrNoSpace, fmt.Errorf("envelope of %d bytes, partition of %d", len(b.buf), parts.MetaSize()))
	}

	dma, err := h.DmaBufFrom(b.buf)
	if err != nil {
		return wrapError(apierrors.ErrDmaAllocationFailed, err)
	}
	defer dma.Free()

	if _, err := h.WriteAt(ctx, parts.MetaStartOffset(), dma); err != nil {
		return ioError(err)
	}
	return nil
}

// Read loads and validates the copy of the metadata stored on a device.
func Read(ctx context.Context, h device.Handle) (Metadata, error) {
	parts, ok := partition.CalculateForDevice(h.Device())
	if !ok {
		return None, apierrors.ErrBadPartitions
	}

	// the first header tells the envelope length
	dma, err := h.DmaMalloc(HeaderSize)
	if err != nil {
		return None, wrapError(apierrors.ErrDmaAllocationFailed, err)
	}
	_, err = h.ReadAt(ctx, parts.MetaStartOffset(), dma)
	if err != nil {
		dma.Free()
		return None, ioError(err)
	}
	hdr, err := ParseHeader(dma.Bytes()[:HeaderSize])
	dma.Free()
	if err != nil {
		return None, err
	}
	if err = hdr.validate(); err != nil {
		return None, err
	}
	if uint64(hdr.Length) > parts.MetaSize() {
		return None, wrapError(apierrors.ErrInvalidHeader, fmt.Errorf("length %d exceeds metadata partition", hdr.Length))
	}

	dma, err = h.DmaMalloc(uint64(hdr.Length))
	if err != nil {
		return None, wrapError(apierrors.ErrDmaAllocationFailed, err)
	}
	defer dma.Free()
	if _, err = h.ReadAt(ctx, parts.MetaStartOffset(), dma); err != nil {
		return None, ioError(err)
	}

	return ParseEnvelope(dma.Bytes()[:hdr.Length])
}

// ReadOrNone reads the copy of a device and downgrades every failure to
// None. A missing envelope is expected on fresh devices and is only logged
// at debug level.
func ReadOrNone(ctx context.Context, h device.Handle) Metadata {
	span := trace.SpanFromContextSafe(ctx)

	md, err := Read(ctx, h)
	if err != nil {
		if errors.Is(err, apierrors.ErrInvalidHeader) {
			span.Debugf("device[%s] reading a copy of nexus metadata failed: %s", h.Device().Name(), err)
		} else {
			span.Warnf("device[%s] reading a copy of nexus metadata failed: %s", h.Device().Name(), err)
		}
		metrics.MetadataReads.WithLabelValues(metrics.ResultFailed).Inc()
		return None
	}
	if md.IsNone() {
		metrics.MetadataReads.WithLabelValues(metrics.ResultNone).Inc()
	} else {
		metrics.MetadataReads.WithLabelValues(metrics.ResultOK).Inc()
	}
	return md
}

func ioError(err error) error {
	if errors.Is(err, apierrors.ErrCanceled) {
		return wrapError(apierrors.ErrCanceled, err)
	}
	return wrapError(apierrors.ErrIoFailed, err)
}
