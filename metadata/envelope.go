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
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"

	apierrors "github.com/cubefs/nexus/errors"
)

const (
	// HeaderSize is the encoded size of an envelope header.
	HeaderSize = 32

	// HeaderVersion is the only envelope version understood.
	HeaderVersion uint32 = 1000
)

// HeaderMagic identifies a nexus metadata envelope.
var HeaderMagic = [8]byte{'N', 'E', 'X', 'U', 'S', 'M', 'D', '0'}

// Header is the envelope header, stored before the payload and repeated
// verbatim after it. Fields are little endian:
//
//	0  magic       [8]byte
//	8  version     u32
//	12 length      u32, whole envelope including both headers
//	16 md_offset   u32, payload offset from the envelope start
//	20 md_length   u32, payload length
//	24 md_checksum u64, xxhash64 of the payload
type Header struct {
	Magic      [8]byte
	Version    uint32
	Length     uint32
	MdOffset   uint32
	MdLength   uint32
	MdChecksum uint64
}

func (h *Header) appendTo(b []byte) []byte {
	var buf [HeaderSize]byte
	copy(buf[0:8], h.Magic[:])
	binary.LittleEndian.PutUint32(buf[8:12], h.Version)
	binary.LittleEndian.PutUint32(buf[12:16], h.Length)
	binary.LittleEndian.PutUint32(buf[16:20], h.MdOffset)
	binary.LittleEndian.PutUint32(buf[20:24], h.MdLength)
	binary.LittleEndian.PutUint64(buf[24:32], h.MdChecksum)
	return append(b, buf[:]...)
}

// ParseHeader decodes a header and checks its magic and version. b must be
// exactly HeaderSize bytes.
func ParseHeader(b []byte) (Header, error) {
	if len(b) != HeaderSize {
		return Header{}, wrapError(apierrors.ErrInvalidHeader, fmt.Errorf("header size %d", len(b)))
	}

	h := Header{
		Version:    binary.LittleEndian.Uint32(b[8:12]),
		Length:     binary.LittleEndian.Uint32(b[12:16]),
		MdOffset:   binary.LittleEndian.Uint32(b[16:20]),
		MdLength:   binary.LittleEndian.Uint32(b[20:24]),
		MdChecksum: binary.LittleEndian.Uint64(b[24:32]),
	}
	copy(h.Magic[:], b[0:8])

	if h.Magic != HeaderMagic {
		return Header{}, wrapError(apierrors.ErrInvalidHeader, errBadMagic)
	}
	if h.Version != HeaderVersion {
		return Header{}, wrapError(apierrors.ErrInvalidHeader, fmt.Errorf("unsupported version %d", h.Version))
	}
	return h, nil
}

// validate checks the header describes a payload lying between the two
// header copies.
func (h *Header) validate() error {
	if h.Length < 2*HeaderSize {
		return wrapError(apierrors.ErrInvalidHeader, fmt.Errorf("length %d too short", h.Length))
	}
	if h.MdOffset < HeaderSize || uint64(h.MdOffset)+uint64(h.MdLength) > uint64(h.Length-HeaderSize) {
		return wrapError(apierrors.ErrInvalidHeader, fmt.Errorf("payload %d+%d outside of envelope %d", h.MdOffset, h.MdLength, h.Length))
	}
	return nil
}

var errBadMagic = errors.New("bad magic")

// Checksum is the integrity value stored for a payload.
func Checksum(payload []byte) uint64 {
	return xxhash.Sum64(payload)
}

// BuildEnvelope encodes md and wraps it as header + payload + header.
func BuildEnvelope(md Metadata) ([]byte, error) {
	payload, err := md.Encode()
	if err != nil {
		return nil, err
	}
	if uint64(len(payload))+2*HeaderSize > math.MaxUint32 {
		return nil, wrapError(apierrors.ErrEncodeFailed, fmt.Errorf("payload of %d bytes too large", len(payload)))
	}

	hdr := Header{
		Magic:      HeaderMagic,
		Version:    HeaderVersion,
		Length:     uint32(2*HeaderSize + len(payload)),
		MdOffset:   HeaderSize,
		MdLength:   uint32(len(payload)),
		MdChecksum: Checksum(payload),
	}

	buf := make([]byte, 0, hdr.Length)
	buf = hdr.appendTo(buf)
	buf = append(buf, payload...)
	buf = hdr.appendTo(buf)
	return buf, nil
}

// ParseEnvelope validates an envelope and decodes its payload. b may be
// longer than the envelope; the trailing bytes are ignored.
func ParseEnvelope(b []byte) (Metadata, error) {
	if len(b) < HeaderSize {
		return None, wrapError(apierrors.ErrInvalidHeader, fmt.Errorf("buffer of %d bytes", len(b)))
	}
	hdr, err := ParseHeader(b[:HeaderSize])
	if err != nil {
		return None, err
	}
	if err := hdr.validate(); err != nil {
		return None, err
	}
	if uint64(len(b)) < uint64(hdr.Length) {
		return None, wrapError(apierrors.ErrInvalidHeader, fmt.Errorf("envelope of %d bytes truncated to %d", hdr.Length, len(b)))
	}

	trailer := b[hdr.Length-HeaderSize : hdr.Length]
	if !bytes.Equal(b[:HeaderSize], trailer) {
		return None, wrapError(apierrors.ErrInvalidHeader, errors.New("trailing header differs"))
	}

	payload := b[hdr.MdOffset : hdr.MdOffset+hdr.MdLength]
	if Checksum(payload) != hdr.MdChecksum {
		return None, apierrors.ErrChecksumMismatch
	}
	return Decode(payload)
}

// Error carries a metadata error kind and its cause. errors.Is matches
// either.
type Error struct {
	Kind error
	Err  error
}

func wrapError(kind, err error) error {
	if err == nil {
		return kind
	}
	return &Error{Kind: kind, Err: err}
}

func (e *Error) Error() string {
	return e.Kind.Error() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	return target == e.Kind
}
