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
	"fmt"
	"time"
)

// State is the persisted state of a nexus or of one of its children.
type State uint8

const (
	StateOpen State = iota
	StateClosed
	StateFaulted
	// StateDirty marks an in-flux object. A copy observed as dirty witnesses
	// an unclean shutdown.
	StateDirty
)

var stateNames = [...]string{
	StateOpen:    "open",
	StateClosed:  "closed",
	StateFaulted: "faulted",
	StateDirty:   "dirty",
}

func (s State) Valid() bool {
	return int(s) < len(stateNames)
}

func (s State) String() string {
	if !s.Valid() {
		return fmt.Sprintf("state(%d)", uint8(s))
	}
	return stateNames[s]
}

func (s State) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid state %d", uint8(s))
	}
	return []byte(stateNames[s]), nil
}

func (s *State) UnmarshalText(b []byte) error {
	for i, name := range stateNames {
		if name == string(b) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("invalid state %q", b)
}

// NexusRecord is a point-in-time snapshot of a nexus and its children.
// Decode always yields a non-nil Children slice.
type NexusRecord struct {
	Timestamp     time.Time     `json:"timestamp"`
	State         State         `json:"state"`
	Name          string        `json:"name"`
	NexusUUID     string        `json:"nexus_uuid"`
	BdevUUID      string        `json:"bdev_uuid"`
	RequestedSize uint64        `json:"requested_size"`
	Children      []ChildRecord `json:"children"`
}

// ChildRecord is the snapshot of one child. DeviceName and DeviceUUID are nil
// when the child had no device at snapshot time.
type ChildRecord struct {
	Timestamp  time.Time `json:"timestamp"`
	State      State     `json:"state"`
	Name       string    `json:"name"`
	DeviceName *string   `json:"device_name,omitempty"`
	DeviceUUID *string   `json:"device_uuid,omitempty"`
}

// Child looks up a child record by name.
func (r *NexusRecord) Child(name string) (ChildRecord, bool) {
	for i := range r.Children {
		if r.Children[i].Name == name {
			return r.Children[i], true
		}
	}
	return ChildRecord{}, false
}

// Version tags the variant held by Metadata.
type Version uint8

const (
	// VersionNone means no metadata is present or decodable.
	VersionNone Version = iota
	VersionV1
)

// Metadata is the versioned payload persisted on every child device.
type Metadata struct {
	Version Version      `json:"version"`
	V1      *NexusRecord `json:"v1,omitempty"`
}

// None is the metadata of a child without a usable copy.
var None = Metadata{}

func NewV1(r *NexusRecord) Metadata {
	return Metadata{Version: VersionV1, V1: r}
}

func (m Metadata) IsNone() bool {
	return m.Version == VersionNone || m.V1 == nil
}
