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

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "nexus"

const (
	ResultOK     = "ok"
	ResultNone   = "none"
	ResultFailed = "failed"
)

var (
	Registry = prometheus.NewRegistry()

	MetadataReads = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "metadata",
		Name:      "reads_total",
		Help:      "Child metadata reads by result.",
	}, []string{"result"})

	MetadataWrites = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "metadata",
		Name:      "writes_total",
		Help:      "Child metadata writes by result.",
	}, []string{"result"})

	QuorumClosedChildren = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "quorum",
		Name:      "closed_children_total",
		Help:      "Children closed on open because the latest metadata copy did not show them open.",
	})

	PstorePutRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pstore",
		Name:      "put_retries_total",
		Help:      "Failed persistent store puts that were retried.",
	})
)

func init() {
	Registry.MustRegister(
		MetadataReads,
		MetadataWrites,
		QuorumClosedChildren,
		PstorePutRetries,
	)
}
