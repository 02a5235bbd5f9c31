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

	"github.com/google/uuid"

	apierrors "github.com/cubefs/nexus/errors"
)

type Config struct {
	Name     string `json:"name"`
	UUID     string `json:"uuid"`
	BdevUUID string `json:"bdev_uuid"`
	// Size is the requested size in bytes, 0 for the whole of each child.
	Size     uint64   `json:"size"`
	Children []string `json:"children"`
}

// normalize fills in missing uuids and validates the rest.
func (cfg *Config) normalize() error {
	if cfg.Name == "" {
		return fmt.Errorf("nexus name is empty: %w", apierrors.ErrInvalidConfig)
	}
	if len(cfg.Children) == 0 {
		return apierrors.ErrNotEnoughDevices
	}
	if cfg.UUID == "" {
		cfg.UUID = uuid.NewSHA1(uuid.NameSpaceOID, []byte("nexus/"+cfg.Name)).String()
	} else if _, err := uuid.Parse(cfg.UUID); err != nil {
		return fmt.Errorf("nexus uuid %q: %w", cfg.UUID, apierrors.ErrInvalidConfig)
	}
	if cfg.BdevUUID == "" {
		cfg.BdevUUID = cfg.UUID
	} else if _, err := uuid.Parse(cfg.BdevUUID); err != nil {
		return fmt.Errorf("nexus bdev uuid %q: %w", cfg.BdevUUID, apierrors.ErrInvalidConfig)
	}

	seen := make(map[string]struct{}, len(cfg.Children))
	for _, c := range cfg.Children {
		if _, ok := seen[c]; ok {
			return fmt.Errorf("child %s: %w", c, apierrors.ErrChildExists)
		}
		seen[c] = struct{}{}
	}
	return nil
}
