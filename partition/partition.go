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

package partition

import "fmt"

const (
	// GptTableSize is the size of a GPT partition entry table in bytes.
	GptTableSize uint64 = 128 * 128
	// MetadataReservationOffset is the offset of the reserved metadata partition in bytes.
	MetadataReservationOffset uint64 = 1024 * 1024
	// MetadataReservationSize is the size of the reserved metadata partition in bytes.
	MetadataReservationSize uint64 = 4 * 1024 * 1024
	// DataPartitionOffset is the start of the user data partition in bytes.
	DataPartitionOffset = MetadataReservationOffset + MetadataReservationSize
)

// Geometry is the part of a block device the layout is derived from.
type Geometry interface {
	BlockLen() uint64
	NumBlocks() uint64
}

type blockRange struct {
	start uint64
	end   uint64
}

func (r blockRange) blocks() uint64 {
	return r.end - r.start + 1
}

// Partitions is the block layout of a nexus child device. All ranges are
// inclusive and expressed in blocks.
type Partitions struct {
	numBlocks uint64
	blockLen  uint64
	meta      blockRange
	data      blockRange
	lba       blockRange
}

// Calculate computes the partition layout of a device.
//
// Device layout, shown for 512 byte blocks:
//
//	0           protective MBR
//	1           primary GPT header
//	2..33       GPT entries
//	34..2047    unused
//	2048..10239 4M reserved for metadata
//	10240..N-34 user data
//	N-33..N-2   copy of GPT entries
//	N-1         secondary GPT header
//
// reqSize is the requested data partition size in bytes, zero means the whole
// device. The data partition never exceeds the usable range. ok is false when
// the device cannot hold the metadata reservation.
func Calculate(reqSize, numBlocks, blockLen uint64) (p Partitions, ok bool) {
	if blockLen == 0 || numBlocks == 0 {
		return Partitions{}, false
	}

	gptBlocks := BytesToAlignedBlocks(GptTableSize, blockLen)
	// the tail holds the gpt entry copy and two header blocks
	if numBlocks < gptBlocks+2 {
		return Partitions{}, false
	}

	lbaStart := BytesToAlignedBlocks(MetadataReservationOffset, blockLen)
	lbaEnd := numBlocks - gptBlocks - 2
	metaBlocks := BytesToAlignedBlocks(MetadataReservationSize, blockLen)

	dataStart := lbaStart + metaBlocks
	if dataStart > lbaEnd {
		return Partitions{}, false
	}

	var reqBlocks uint64
	if reqSize == 0 {
		reqBlocks = numBlocks
	} else {
		reqBlocks = BytesToAlignedBlocks(reqSize, blockLen)
	}

	dataEnd := lbaEnd
	if reqBlocks <= lbaEnd-dataStart {
		dataEnd = dataStart + reqBlocks - 1
	}

	return Partitions{
		numBlocks: numBlocks,
		blockLen:  blockLen,
		meta:      blockRange{start: lbaStart, end: dataStart - 1},
		data:      blockRange{start: dataStart, end: dataEnd},
		lba:       blockRange{start: lbaStart, end: lbaEnd},
	}, true
}

// CalculateForDevice computes the layout of the whole device.
func CalculateForDevice(g Geometry) (Partitions, bool) {
	return Calculate(0, g.NumBlocks(), g.BlockLen())
}

// BytesToAlignedBlocks converts a size in bytes into a number of whole blocks,
// rounding up.
func BytesToAlignedBlocks(size, blockLen uint64) uint64 {
	blocks := size / blockLen
	if size%blockLen != 0 {
		blocks++
	}
	return blocks
}

func (p Partitions) NumBlocks() uint64 { return p.numBlocks }
func (p Partitions) BlockLen() uint64  { return p.blockLen }

func (p Partitions) MetaStartBlk() uint64 { return p.meta.start }
func (p Partitions) MetaEndBlk() uint64   { return p.meta.end }
func (p Partitions) MetaBlocks() uint64   { return p.meta.blocks() }

func (p Partitions) DataStartBlk() uint64 { return p.data.start }
func (p Partitions) DataEndBlk() uint64   { return p.data.end }
func (p Partitions) DataBlocks() uint64   { return p.data.blocks() }

func (p Partitions) LbaStartBlk() uint64 { return p.lba.start }
func (p Partitions) LbaEndBlk() uint64   { return p.lba.end }
func (p Partitions) LbaBlocks() uint64   { return p.lba.blocks() }

// MetaStartOffset is the byte offset of the metadata partition.
func (p Partitions) MetaStartOffset() uint64 {
	return p.meta.start * p.blockLen
}

// MetaSize is the size of the metadata partition in bytes.
func (p Partitions) MetaSize() uint64 {
	return p.MetaBlocks() * p.blockLen
}

// DataStartOffset is the byte offset of the data partition.
func (p Partitions) DataStartOffset() uint64 {
	return p.data.start * p.blockLen
}

// DataSize is the size of the data partition in bytes.
func (p Partitions) DataSize() uint64 {
	return p.DataBlocks() * p.blockLen
}

func (p Partitions) String() string {
	return fmt.Sprintf("%d x %d (meta=%d, full=%d)", p.DataBlocks(), p.blockLen, p.MetaBlocks(), p.numBlocks)
}
