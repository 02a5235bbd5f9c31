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

package nexus

import (
	"fmt"

	"github.com/cubefs/nexus/metadata"
)

// NexusState is the live state of a nexus.
type NexusState uint8

const (
	NexusInit NexusState = iota
	NexusClosed
	NexusOpen
	NexusReconfiguring
	NexusShuttingDown
	NexusShutdown
)

var nexusStateNames = [...]string{
	NexusInit:          "init",
	NexusClosed:        "closed",
	NexusOpen:          "open",
	NexusReconfiguring: "reconfiguring",
	NexusShuttingDown:  "shutting_down",
	NexusShutdown:      "shutdown",
}

func (s NexusState) String() string {
	if int(s) < len(nexusStateNames) {
		return nexusStateNames[s]
	}
	return fmt.Sprintf("nexus_state(%d)", uint8(s))
}

func (s NexusState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Persisted maps the live state to the one recorded on child devices.
func (s NexusState) Persisted() metadata.State {
	switch s {
	case NexusOpen:
		return metadata.StateOpen
	case NexusClosed, NexusShutdown:
		return metadata.StateClosed
	default:
		return metadata.StateDirty
	}
}

// ChildState is the live state of a nexus child.
type ChildState uint8

const (
	ChildInit ChildState = iota
	ChildConfigInvalid
	ChildOpen
	ChildDestroying
	ChildClosed
	ChildFaulted
)

var childStateNames = [...]string{
	ChildInit:          "init",
	ChildConfigInvalid: "config_invalid",
	ChildOpen:          "open",
	ChildDestroying:    "destroying",
	ChildClosed:        "closed",
	ChildFaulted:       "faulted",
}

func (s ChildState) String() string {
	if int(s) < len(childStateNames) {
		return childStateNames[s]
	}
	return fmt.Sprintf("child_state(%d)", uint8(s))
}

func (s ChildState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s ChildState) Persisted() metadata.State {
	switch s {
	case ChildOpen:
		return metadata.StateOpen
	case ChildClosed:
		return metadata.StateClosed
	case ChildFaulted:
		return metadata.StateFaulted
	default:
		return metadata.StateDirty
	}
}

// FaultReason qualifies a faulted child.
type FaultReason uint8

const (
	FaultNone FaultReason = iota
	FaultIoFailure
	FaultOutOfSync
	FaultByClient
	FaultAdminFailed
	FaultUnknown
)

var faultReasonNames = [...]string{
	FaultNone:        "",
	FaultIoFailure:   "io_failure",
	FaultOutOfSync:   "out_of_sync",
	FaultByClient:    "by_client",
	FaultAdminFailed: "admin_failed",
	FaultUnknown:     "unknown",
}

func (r FaultReason) String() string {
	if int(r) < len(faultReasonNames) {
		return faultReasonNames[r]
	}
	return fmt.Sprintf("fault_reason(%d)", uint8(r))
}

func (r FaultReason) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// ParseFaultReason maps a reason name to its value, defaulting to
// FaultUnknown.
func ParseFaultReason(s string) FaultReason {
	for i, name := range faultReasonNames {
		if i > 0 && name == s {
			return FaultReason(i)
		}
	}
	return FaultUnknown
}
