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
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cubefs/nexus/device"
	"github.com/cubefs/nexus/partition"

	apierrors "github.com/cubefs/nexus/errors"
)

const mib = 1024 * 1024

func newMem(t *testing.T, name string, size, blockLen uint64) *device.MemDevice {
	dev, err := device.NewMemDevice(name, "", size, blockLen)
	require.NoError(t, err)
	return dev
}

func TestParseURI(t *testing.T) {
	u, err := ParseURI("array://arr0?uuid=6ba7b810-9dad-11d1-80b4-00c04fd430c8&disks=m0;m1")
	require.NoError(t, err)
	require.Equal(t, "arr0", u.Name)
	require.Equal(t, "6ba7b810-9dad-11d1-80b4-00c04fd430c8", u.UUID)
	require.Equal(t, []string{"m0", "m1"}, u.Disks)

	again, err := ParseURI(u.String())
	require.NoError(t, err)
	require.Equal(t, u, again)

	u, err = ParseURI("array://arr1?disks=m0")
	require.NoError(t, err)
	require.NotEmpty(t, u.UUID)

	for _, s := range []string{
		"array://arr0",
		"array://arr0?disks=",
		"array://arr0?disks=;;",
		"array://?disks=m0",
		"array://arr0?uuid=bad&disks=m0",
	} {
		_, err = ParseURI(s)
		require.ErrorIs(t, err, apierrors.ErrInvalidURI, s)
	}
	_, err = ParseURI("malloc:///m0")
	require.ErrorIs(t, err, apierrors.ErrUnsupportedScheme)
}

type failOpen struct {
	*device.MemDevice
}

func (f failOpen) Open() (device.Handle, error) {
	return nil, errors.New("open failed")
}

func TestOpenGroup(t *testing.T) {
	_, err := OpenGroup("g", nil)
	require.ErrorIs(t, err, apierrors.ErrNotEnoughDevices)

	m0 := newMem(t, "m0", mib, 512)
	m1 := newMem(t, "m1", mib, 512)
	g, err := OpenGroup("g", []device.BlockDevice{m0, m1})
	require.NoError(t, err)
	require.Len(t, g.Members, 2)
	first := g.Members[0].Handle
	g.Close()

	buf, err := first.DmaMalloc(512)
	require.NoError(t, err)
	defer buf.Free()
	_, err = first.ReadAt(context.TODO(), 0, buf)
	require.ErrorIs(t, err, apierrors.ErrDeviceClosed)

	_, err = OpenGroup("g", []device.BlockDevice{m0, failOpen{m1}})
	require.Error(t, err)
}

func TestSpan_Validation(t *testing.T) {
	_, err := Create(KindSpan, Params{Name: "s"})
	require.ErrorIs(t, err, apierrors.ErrNotEnoughDevices)

	_, err = Create(KindSpan, Params{Name: "s", Devices: []device.BlockDevice{
		newMem(t, "m0", 8*mib, 512), newMem(t, "m1", 8*mib, 4096),
	}})
	require.ErrorIs(t, err, apierrors.ErrDeviceBlockLengthMismatch)

	_, err = Create(KindSpan, Params{Name: "s", Devices: []device.BlockDevice{
		newMem(t, "m0", 8*mib, 512), newMem(t, "m1", 9*mib, 512),
	}})
	require.ErrorIs(t, err, apierrors.ErrDeviceSizeMismatch)

	_, err = Create(KindSpan, Params{Name: "s", Devices: []device.BlockDevice{
		newMem(t, "m0", mib, 512),
	}})
	require.ErrorIs(t, err, apierrors.ErrBadPartitions)

	_, err = Create(Kind(9), Params{Name: "s"})
	require.Error(t, err)
	require.Equal(t, "span", KindSpan.String())
}

func TestSpan_IO(t *testing.T) {
	ctx := context.TODO()
	m0 := newMem(t, "m0", 8*mib, 512)
	m1 := newMem(t, "m1", 8*mib, 512)
	p, ok := partition.CalculateForDevice(m0)
	require.True(t, ok)

	bdev, err := Create(KindSpan, Params{Name: "s", UUID: "u", Devices: []device.BlockDevice{m0, m1}})
	require.NoError(t, err)
	span := bdev.(*Span)
	require.Equal(t, "s", span.Name())
	require.Equal(t, "u", span.UUID())
	require.Equal(t, []string{"m0", "m1"}, span.Members())
	require.Equal(t, 2*p.DataBlocks(), span.NumBlocks())

	h, err := span.Open()
	require.NoError(t, err)
	defer h.Close()

	// a write straddling the member boundary
	payload := bytes.Repeat([]byte("0123456789abcdef"), 4*512/16)
	off := p.DataSize() - 2*512
	buf, err := h.DmaBufFrom(payload)
	require.NoError(t, err)
	defer buf.Free()
	n, err := h.WriteAt(ctx, off, buf)
	require.NoError(t, err)
	require.Equal(t, uint64(len(payload)), n)

	read, err := h.DmaMalloc(uint64(len(payload)))
	require.NoError(t, err)
	defer read.Free()
	_, err = h.ReadAt(ctx, off, read)
	require.NoError(t, err)
	require.Equal(t, payload, read.Bytes())

	raw := make([]byte, 2*512)
	_, err = m0.ReadAt(raw, int64(p.DataStartOffset()+off))
	require.NoError(t, err)
	require.Equal(t, payload[:1024], raw)
	_, err = m1.ReadAt(raw, int64(p.DataStartOffset()))
	require.NoError(t, err)
	require.Equal(t, payload[1024:], raw)

	_, err = h.ReadAt(ctx, device.Size(span), read)
	require.ErrorIs(t, err, apierrors.ErrIoFailed)

	require.NoError(t, span.Close())
	_, err = h.ReadAt(ctx, 0, read)
	require.ErrorIs(t, err, apierrors.ErrIoFailed)
	_, err = span.Open()
	require.ErrorIs(t, err, apierrors.ErrDeviceClosed)
}
