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
	"github.com/cubefs/nexus/device"

	apierrors "github.com/cubefs/nexus/errors"
)

// Group is a set of opened member devices.
type Group struct {
	Name    string
	Members []Member
}

type Member struct {
	Device device.BlockDevice
	Handle device.Handle
}

// OpenGroup opens every device. When one fails, the handles opened so far
// are released before returning.
func OpenGroup(name string, devices []device.BlockDevice) (*Group, error) {
	if len(devices) == 0 {
		return nil, apierrors.ErrNotEnoughDevices
	}
	g := &Group{Name: name, Members: make([]Member, 0, len(devices))}
	for _, dev := range devices {
		h, err := dev.Open()
		if err != nil {
			g.Close()
			return nil, err
		}
		g.Members = append(g.Members, Member{Device: dev, Handle: h})
	}
	return g, nil
}

func (g *Group) Close() {
	for _, m := range g.Members {
		m.Handle.Close()
	}
	g.Members = nil
}
