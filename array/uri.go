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
	"net/url"
	"strings"

	"github.com/google/uuid"

	apierrors "github.com/cubefs/nexus/errors"
)

const (
	Scheme = "array"

	diskSeparator = ";"
)

// URI describes an array as array://<name>?uuid=<uuid>&disks=<dev1>;<dev2>.
type URI struct {
	Name  string
	UUID  string
	Disks []string
}

// ParseURI parses an array uri. A missing uuid is generated.
func ParseURI(s string) (*URI, error) {
	u, err := url.Parse(s)
	if err != nil {
		return nil, apierrors.ErrInvalidURI
	}
	if u.Scheme != Scheme {
		return nil, apierrors.ErrUnsupportedScheme
	}
	name := u.Host
	if name == "" {
		name = strings.Trim(u.Path, "/")
	}
	if name == "" {
		return nil, apierrors.ErrInvalidURI
	}

	query, err := parseQuery(u.RawQuery)
	if err != nil {
		return nil, apierrors.ErrInvalidURI
	}
	id := query["uuid"]
	if id == "" {
		id = uuid.NewString()
	} else if _, err := uuid.Parse(id); err != nil {
		return nil, apierrors.ErrInvalidURI
	}

	var disks []string
	for _, d := range strings.Split(query["disks"], diskSeparator) {
		if d = strings.TrimSpace(d); d != "" {
			disks = append(disks, d)
		}
	}
	if len(disks) == 0 {
		return nil, apierrors.ErrInvalidURI
	}
	return &URI{Name: name, UUID: id, Disks: disks}, nil
}

func (u *URI) String() string {
	return Scheme + "://" + u.Name + "?uuid=" + u.UUID + "&disks=" + strings.Join(u.Disks, diskSeparator)
}

// parseQuery splits on '&' only, since the disk list is ';' separated.
func parseQuery(raw string) (map[string]string, error) {
	query := make(map[string]string)
	for _, kv := range strings.Split(raw, "&") {
		if kv == "" {
			continue
		}
		k, v := kv, ""
		if i := strings.IndexByte(kv, '='); i >= 0 {
			k, v = kv[:i], kv[i+1:]
		}
		key, err := url.QueryUnescape(k)
		if err != nil {
			return nil, err
		}
		value, err := url.QueryUnescape(v)
		if err != nil {
			return nil, err
		}
		query[key] = value
	}
	return query, nil
}
