// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package collectives

import "sync"

// Rank isolation selects which WorkRegistry tracks pending collectives.
//
// By default (isolation disabled) there is a single process-wide registry
// shared by every caller. With isolation enabled, each logical participant
// ("rank") gets a private registry, created lazily on first use.
//
// Isolation matters when one process simulates several collective
// participants, e.g. testing an N-rank setup with one goroutine per rank:
// without it, the ranks' pending-work bookkeeping would share one table, so
// one rank's teardown could spuriously report another rank's outstanding
// work. Go deliberately hides goroutine identity, so the isolation domain
// is keyed by an explicit caller-supplied rank (see OnRank) instead of by
// the calling thread: this keeps the selection a pure, testable map lookup.
var (
	selectorMu      sync.Mutex
	rankIsolation   bool
	processRegistry = NewWorkRegistry()
	rankRegistries  = make(map[int]*WorkRegistry)
)

// SetRankIsolation sets the process-wide rank-isolation mode. It is meant
// to be set once, at configuration time, before collectives are dispatched.
func SetRankIsolation(enabled bool) {
	selectorMu.Lock()
	defer selectorMu.Unlock()
	rankIsolation = enabled
}

// RankIsolation returns the process-wide rank-isolation mode.
func RankIsolation() bool {
	selectorMu.Lock()
	defer selectorMu.Unlock()
	return rankIsolation
}

// Caller identifies the logical participant issuing collective operations.
// The zero value is rank 0, which is also what the package-level dispatch
// functions use.
//
// With rank isolation disabled all Callers resolve to the same shared
// registry, and the rank is irrelevant.
type Caller struct {
	rank int
}

// OnRank returns a Caller for the given logical rank. Typical use with
// isolation enabled, from the goroutine simulating rank r:
//
//	out := collectives.OnRank(r).AllReduce(x, "sum", "world")
//	...
//	out = collectives.OnRank(r).Wait(out)
func OnRank(rank int) Caller {
	return Caller{rank: rank}
}

// Rank returns the logical rank this Caller dispatches as.
func (c Caller) Rank() int { return c.rank }

// Registry returns the WorkRegistry tracking this Caller's pending
// collectives, resolved from the current rank-isolation mode.
func (c Caller) Registry() *WorkRegistry {
	selectorMu.Lock()
	defer selectorMu.Unlock()
	if !rankIsolation {
		return processRegistry
	}
	registry, found := rankRegistries[c.rank]
	if !found {
		registry = NewWorkRegistry()
		rankRegistries[c.rank] = registry
	}
	return registry
}

// allRegistries returns the process registry and every per-rank registry
// created so far, for the shutdown drain.
func allRegistries() []*WorkRegistry {
	selectorMu.Lock()
	defer selectorMu.Unlock()
	all := make([]*WorkRegistry, 0, 1+len(rankRegistries))
	all = append(all, processRegistry)
	for _, registry := range rankRegistries {
		all = append(all, registry)
	}
	return all
}
