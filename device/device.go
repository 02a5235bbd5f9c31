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
	"fmt"
)

type (
	// BlockDevice is a block addressed device a nexus child or an array member
	// can be built on.
	BlockDevice interface {
		Name() string
		UUID() string
		BlockLen() uint64
		NumBlocks() uint64
		// Alignment is the buffer address alignment I/O requires, in bytes.
		Alignment() uint64
		Open() (Handle, error)
		Close() error
	}

	// Handle is an open I/O descriptor of a BlockDevice. Offsets and buffer
	// lengths must be multiples of the device block length.
	Handle interface {
		Device() BlockDevice
		// DmaMalloc allocates an aligned zeroed buffer of at least size bytes,
		// rounded up to whole blocks.
		DmaMalloc(size uint64) (*DmaBuf, error)
		// DmaBufFrom allocates an aligned buffer holding a copy of b, padded
		// with zeroes to whole blocks.
		DmaBufFrom(b []byte) (*DmaBuf, error)
		ReadAt(ctx context.Context, offset uint64, buf *DmaBuf) (uint64, error)
		WriteAt(ctx context.Context, offset uint64, buf *DmaBuf) (uint64, error)
		Close()
	}
)

// Size returns the device size in bytes.
func Size(dev BlockDevice) uint64 {
	return dev.NumBlocks() * dev.BlockLen()
}

// IoError describes a failed device operation. errors.Is matches both the
// error kind and the underlying cause.
type IoError struct {
	Op     string
	Device string
	Offset uint64
	Len    uint64
	Kind   error
	Err    error
}

func (e *IoError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s %s at %d+%d: %s", e.Op, e.Device, e.Offset, e.Len, e.Kind)
	}
	return fmt.Sprintf("%s %s at %d+%d: %s: %s", e.Op, e.Device, e.Offset, e.Len, e.Kind, e.Err)
}

func (e *IoError) Unwrap() error {
	return e.Err
}

func (e *IoError) Is(target error) bool {
	return target == e.Kind
}
