// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics holds the process-internal counters the cache, sync,
// and eviction paths increment on every call. It is not wired to an
// HTTP /metrics endpoint; callers that want one can register Registry's
// collectors with their own prometheus.Registerer.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry owns one independent set of counters. Tests construct their own
// via New so assertions never race against another test's counts.
type Registry struct {
	CacheHits     prometheus.Counter
	CacheMisses   prometheus.Counter
	BytesFetched  prometheus.Counter
	SyncSuccesses *prometheus.CounterVec
	SyncFailures  *prometheus.CounterVec
	Evictions     prometheus.Counter
}

// New builds a Registry and registers its collectors with reg. Passing a
// fresh prometheus.NewRegistry() keeps it isolated from the global default
// registerer, which matters for tests run in parallel.
func New(reg prometheus.Registerer) *Registry {
	m := &Registry{
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "riverfs",
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Block reads served entirely from the local cache.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "riverfs",
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Block reads that required a remote fetch.",
		}),
		BytesFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "riverfs",
			Subsystem: "cache",
			Name:      "bytes_fetched_total",
			Help:      "Bytes pulled from the remote gateway to fill the cache.",
		}),
		SyncSuccesses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "riverfs",
			Subsystem: "sync",
			Name:      "successes_total",
			Help:      "Completed pushes/pulls, labeled by direction.",
		}, []string{"direction"}),
		SyncFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "riverfs",
			Subsystem: "sync",
			Name:      "failures_total",
			Help:      "Pushes/pulls that returned an error, labeled by direction.",
		}, []string{"direction"}),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "riverfs",
			Subsystem: "cache",
			Name:      "evictions_total",
			Help:      "Cache files removed by the eviction scan.",
		}),
	}
	reg.MustRegister(m.CacheHits, m.CacheMisses, m.BytesFetched, m.SyncSuccesses, m.SyncFailures, m.Evictions)
	return m
}

// Direction labels, matching syncworker.Direction's two values.
const (
	DirectionUpstream   = "upstream"
	DirectionDownstream = "downstream"
)
