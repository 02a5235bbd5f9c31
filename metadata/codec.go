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
	"errors"
	"fmt"
	"math"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	apierrors "github.com/cubefs/nexus/errors"
)

// Payload field numbers. They are part of the on-disk format and must never
// be reused.
const (
	fieldMetadataV1 protowire.Number = 1

	fieldNexusTimestamp     protowire.Number = 1
	fieldNexusState         protowire.Number = 2
	fieldNexusName          protowire.Number = 3
	fieldNexusUUID          protowire.Number = 4
	fieldNexusBdevUUID      protowire.Number = 5
	fieldNexusRequestedSize protowire.Number = 6
	fieldNexusChild         protowire.Number = 7

	fieldChildTimestamp  protowire.Number = 1
	fieldChildState      protowire.Number = 2
	fieldChildName       protowire.Number = 3
	fieldChildDeviceName protowire.Number = 4
	fieldChildDeviceUUID protowire.Number = 5
)

var (
	minTimestamp = time.Unix(0, math.MinInt64)
	maxTimestamp = time.Unix(0, math.MaxInt64)

	errNilRecord = errors.New("nil nexus record")
)

// Encode serializes the payload.
func (m Metadata) Encode() ([]byte, error) {
	switch m.Version {
	case VersionNone:
		return []byte{}, nil
	case VersionV1:
		if m.V1 == nil {
			return nil, wrapError(apierrors.ErrEncodeFailed, errNilRecord)
		}
		nex, err := appendNexus(nil, m.V1)
		if err != nil {
			return nil, wrapError(apierrors.ErrEncodeFailed, err)
		}
		b := protowire.AppendTag(make([]byte, 0, len(nex)+8), fieldMetadataV1, protowire.BytesType)
		return protowire.AppendBytes(b, nex), nil
	default:
		return nil, wrapError(apierrors.ErrEncodeFailed, fmt.Errorf("unknown metadata version %d", m.Version))
	}
}

// Decode deserializes a payload produced by Encode. An empty payload is None.
func Decode(b []byte) (Metadata, error) {
	md := None
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldMetadataV1:
			v, n, err := consumeMessage(num, typ, b)
			if n < 0 || err != nil {
				return n, err
			}
			r := &NexusRecord{Children: []ChildRecord{}}
			if err := decodeNexus(v, r); err != nil {
				return 0, err
			}
			md = NewV1(r)
			return n, nil
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
	if err != nil {
		return None, wrapError(apierrors.ErrDecodeFailed, err)
	}
	return md, nil
}

func appendNexus(b []byte, r *NexusRecord) ([]byte, error) {
	var err error
	if b, err = appendTimestamp(b, fieldNexusTimestamp, r.Timestamp); err != nil {
		return nil, err
	}
	if b, err = appendState(b, fieldNexusState, r.State); err != nil {
		return nil, err
	}
	b = appendString(b, fieldNexusName, r.Name)
	b = appendString(b, fieldNexusUUID, r.NexusUUID)
	b = appendString(b, fieldNexusBdevUUID, r.BdevUUID)
	b = protowire.AppendTag(b, fieldNexusRequestedSize, protowire.VarintType)
	b = protowire.AppendVarint(b, r.RequestedSize)

	for i := range r.Children {
		child, err := appendChild(nil, &r.Children[i])
		if err != nil {
			return nil, fmt.Errorf("child %q: %w", r.Children[i].Name, err)
		}
		b = protowire.AppendTag(b, fieldNexusChild, protowire.BytesType)
		b = protowire.AppendBytes(b, child)
	}
	return b, nil
}

func appendChild(b []byte, c *ChildRecord) ([]byte, error) {
	var err error
	if b, err = appendTimestamp(b, fieldChildTimestamp, c.Timestamp); err != nil {
		return nil, err
	}
	if b, err = appendState(b, fieldChildState, c.State); err != nil {
		return nil, err
	}
	b = appendString(b, fieldChildName, c.Name)
	// optional fields are written only when present
	if c.DeviceName != nil {
		b = appendString(b, fieldChildDeviceName, *c.DeviceName)
	}
	if c.DeviceUUID != nil {
		b = appendString(b, fieldChildDeviceUUID, *c.DeviceUUID)
	}
	return b, nil
}

func decodeNexus(b []byte, r *NexusRecord) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldNexusTimestamp:
			return consumeTimestamp(num, typ, b, &r.Timestamp)
		case fieldNexusState:
			return consumeState(num, typ, b, &r.State)
		case fieldNexusName:
			return consumeString(num, typ, b, &r.Name)
		case fieldNexusUUID:
			return consumeString(num, typ, b, &r.NexusUUID)
		case fieldNexusBdevUUID:
			return consumeString(num, typ, b, &r.BdevUUID)
		case fieldNexusRequestedSize:
			if typ != protowire.VarintType {
				return 0, wireTypeError(num, typ)
			}
			v, n := protowire.ConsumeVarint(b)
			r.RequestedSize = v
			return n, nil
		case fieldNexusChild:
			v, n, err := consumeMessage(num, typ, b)
			if n < 0 || err != nil {
				return n, err
			}
			c := ChildRecord{}
			if err := decodeChild(v, &c); err != nil {
				return 0, err
			}
			r.Children = append(r.Children, c)
			return n, nil
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
}

func decodeChild(b []byte, c *ChildRecord) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldChildTimestamp:
			return consumeTimestamp(num, typ, b, &c.Timestamp)
		case fieldChildState:
			return consumeState(num, typ, b, &c.State)
		case fieldChildName:
			return consumeString(num, typ, b, &c.Name)
		case fieldChildDeviceName:
			var s string
			n, err := consumeString(num, typ, b, &s)
			c.DeviceName = &s
			return n, err
		case fieldChildDeviceUUID:
			var s string
			n, err := consumeString(num, typ, b, &s)
			c.DeviceUUID = &s
			return n, err
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
}

// consumeFields walks the fields of a message. fn returns the number of
// bytes of the field value it consumed, negative on a wire error.
func consumeFields(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		n, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
	}
	return nil
}

func consumeMessage(num protowire.Number, typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, wireTypeError(num, typ)
	}
	v, n := protowire.ConsumeBytes(b)
	return v, n, nil
}

func consumeString(num protowire.Number, typ protowire.Type, b []byte, s *string) (int, error) {
	if typ != protowire.BytesType {
		return 0, wireTypeError(num, typ)
	}
	v, n := protowire.ConsumeString(b)
	*s = v
	return n, nil
}

func consumeState(num protowire.Number, typ protowire.Type, b []byte, s *State) (int, error) {
	if typ != protowire.VarintType {
		return 0, wireTypeError(num, typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return n, nil
	}
	if v > math.MaxUint8 || !State(v).Valid() {
		return 0, fmt.Errorf("field %d: invalid state %d", num, v)
	}
	*s = State(v)
	return n, nil
}

func consumeTimestamp(num protowire.Number, typ protowire.Type, b []byte, t *time.Time) (int, error) {
	if typ != protowire.Fixed64Type {
		return 0, wireTypeError(num, typ)
	}
	v, n := protowire.ConsumeFixed64(b)
	if n < 0 {
		return n, nil
	}
	*t = time.Unix(0, int64(v)).UTC()
	return n, nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendState(b []byte, num protowire.Number, s State) ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("field %d: invalid state %d", num, uint8(s))
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(s)), nil
}

// appendTimestamp writes UTC nanoseconds. The zero time is left out so that
// it decodes back to the zero time.
func appendTimestamp(b []byte, num protowire.Number, t time.Time) ([]byte, error) {
	if t.IsZero() {
		return b, nil
	}
	if t.Before(minTimestamp) || t.After(maxTimestamp) {
		return nil, fmt.Errorf("field %d: timestamp %s out of range", num, t)
	}
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, uint64(t.UnixNano())), nil
}

func wireTypeError(num protowire.Number, typ protowire.Type) error {
	return fmt.Errorf("field %d: unexpected wire type %d", num, typ)
}
