// Package cache stores materialized tables under the fingerprints of
// the operations that produced them.  A hit lets the planner prune the
// operation's whole ancestry; entries therefore also carry the
// operation's canonical encoding as a collision witness, so a
// fingerprint that matches a different operation is detected instead
// of silently serving the wrong rows.
package cache

import (
	"context"

	"github.com/princesaroj111/kestrel-lang"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Entry is one cached result.
type Entry struct {
	Fingerprint string         `json:"fingerprint"`
	Encoding    string         `json:"encoding"`
	Table       *kestrel.Table `json:"table"`
}

// Store is a session cache.  Implementations are safe for concurrent
// use.
type Store interface {
	// Get returns the entry for a fingerprint, or false.
	Get(ctx context.Context, fingerprint string) (*Entry, bool, error)
	// Contains reports whether a fingerprint has an entry without
	// reading it.  This is the planner's pruning probe; a store that
	// cannot answer reports false, which only costs a recompute.
	Contains(ctx context.Context, fingerprint string) bool
	// Put stores entries as one batch: either every entry lands or
	// none does.
	Put(ctx context.Context, entries []*Entry) error
	// Reset drops every entry.
	Reset(ctx context.Context) error
}

type metrics struct {
	hits   *prometheus.CounterVec
	misses *prometheus.CounterVec
}

func newMetrics(registerer prometheus.Registerer) metrics {
	if registerer == nil {
		registerer = prometheus.NewRegistry()
	}
	factory := promauto.With(registerer)
	return metrics{
		hits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hunt_cache_hits_total",
				Help: "Number of hits for a cache lookup.",
			},
			[]string{"store"},
		),
		misses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hunt_cache_misses_total",
				Help: "Number of misses for a cache lookup.",
			},
			[]string{"store"},
		),
	}
}
