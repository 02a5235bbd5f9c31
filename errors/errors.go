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

package errors

import "errors"

// metadata
var (
	ErrDmaAllocationFailed = errors.New("dma buffer allocation failed")
	ErrNoSpace             = errors.New("no space on metadata partition")
	ErrBadPartitions       = errors.New("device has bad or unsupported partitions")
	ErrEncodeFailed        = errors.New("encode failed")
	ErrDecodeFailed        = errors.New("decode failed")
	ErrInvalidHeader       = errors.New("invalid header")
	ErrChecksumMismatch    = errors.New("checksum mismatch")
	ErrIoFailed            = errors.New("io failed")
	ErrCanceled            = errors.New("io canceled")
)

// nexus
var (
	ErrNexusExists      = errors.New("nexus already exists")
	ErrNexusNotFound    = errors.New("nexus not found")
	ErrChildExists      = errors.New("child already exists")
	ErrChildNotFound    = errors.New("child not found")
	ErrInvalidState     = errors.New("invalid state for the operation")
	ErrLastHealthyChild = errors.New("cannot remove the last healthy child")
	ErrInvalidConfig    = errors.New("invalid nexus config")
)

// devices and arrays
var (
	ErrDeviceNotFound            = errors.New("device not found")
	ErrDeviceExists              = errors.New("device already exists")
	ErrDeviceClosed              = errors.New("device is closed")
	ErrNotEnoughDevices          = errors.New("not enough devices")
	ErrDeviceBlockLengthMismatch = errors.New("device block length mismatch")
	ErrDeviceSizeMismatch        = errors.New("device size mismatch")
	ErrInvalidURI                = errors.New("invalid device uri")
	ErrUnsupportedScheme         = errors.New("unsupported device uri scheme")
)

var ErrStoreUnavailable = errors.New("persistent store unavailable")
