// Copyright 2025 AxonMesh
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

// Package budget derives a hard wall-clock deadline and per-phase
// sub-budgets from a query mode, and exposes the deadline every downstream
// operation must honor as the sole authoritative stop signal.
package budget

import (
	"context"
	"time"

	"github.com/axonmesh/queryorch/internal/model"
)

// Phase names used as keys into Budget.PhaseMs.
const (
	PhaseRefinement = "refinement"
	PhaseRetrieval  = "retrieval"
	PhaseSynthesis  = "synthesis"
)

// ModeBudget is one row of the mode-to-budget table in spec.md §4.1.
type ModeBudget struct {
	TotalMs      int
	RefinementMs int
	RetrievalMs  int
	SynthesisMs  int
	PerLaneMs    int
	PerProviderMs int
}

// DefaultTable is the mode-to-budget table from spec.md §4.1. Callers may
// supply an overriding table via internal/config; this is the fallback.
var DefaultTable = map[model.Mode]ModeBudget{
	model.ModeSimple:     {TotalMs: 5000, RefinementMs: 800, RetrievalMs: 1500, SynthesisMs: 2500, PerLaneMs: 1500, PerProviderMs: 800},
	model.ModeTechnical:  {TotalMs: 7000, RefinementMs: 800, RetrievalMs: 2500, SynthesisMs: 3500, PerLaneMs: 2500, PerProviderMs: 800},
	model.ModeResearch:   {TotalMs: 10000, RefinementMs: 800, RetrievalMs: 4000, SynthesisMs: 4500, PerLaneMs: 4000, PerProviderMs: 1000},
	model.ModeMultimedia: {TotalMs: 10000, RefinementMs: 800, RetrievalMs: 4000, SynthesisMs: 4500, PerLaneMs: 4000, PerProviderMs: 1000},
}

// Budget is the immutable, per-Query deadline record. Once created it is
// never mutated; Remaining recomputes against wall-clock time on each call.
type Budget struct {
	TotalMs      int
	PhaseMs      map[string]int
	PerLaneMs    int
	PerProviderMs int
	DeadlineWall time.Time
	createdAt    time.Time
}

// New derives a Budget for mode, anchored at now. table lets callers inject
// a configuration-driven override of DefaultTable.
func New(mode model.Mode, now time.Time, table map[model.Mode]ModeBudget) Budget {
	if table == nil {
		table = DefaultTable
	}
	row, ok := table[mode]
	if !ok {
		row = table[model.ModeSimple]
	}
	return Budget{
		TotalMs: row.TotalMs,
		PhaseMs: map[string]int{
			PhaseRefinement: row.RefinementMs,
			PhaseRetrieval:  row.RetrievalMs,
			PhaseSynthesis:  row.SynthesisMs,
		},
		PerLaneMs:     row.PerLaneMs,
		PerProviderMs: row.PerProviderMs,
		DeadlineWall:  now.Add(time.Duration(row.TotalMs) * time.Millisecond),
		createdAt:     now,
	}
}

// ErrBudgetExceeded is returned by Remaining when the named phase's deadline
// has already passed.
var ErrBudgetExceeded = model.NewOrchestratorError(model.ErrKindBudgetExceeded, "phase deadline already passed", nil)

// Remaining returns the minimum of the phase's own budget and the wall-clock
// residual against the global deadline, evaluated at time now. It returns
// ErrBudgetExceeded once that minimum is non-positive.
func (b Budget) Remaining(phase string, now time.Time) (time.Duration, error) {
	phaseMs, ok := b.PhaseMs[phase]
	if !ok {
		phaseMs = b.TotalMs
	}
	phaseRemaining := time.Duration(phaseMs) * time.Millisecond
	wallRemaining := b.DeadlineWall.Sub(now)

	remaining := phaseRemaining
	if wallRemaining < remaining {
		remaining = wallRemaining
	}
	if remaining <= 0 {
		return 0, ErrBudgetExceeded
	}
	return remaining, nil
}

// Deadline returns the absolute deadline for phase: now + Remaining(phase),
// clamped to the global wall-clock deadline.
func (b Budget) Deadline(phase string, now time.Time) (time.Time, error) {
	remaining, err := b.Remaining(phase, now)
	if err != nil {
		return time.Time{}, err
	}
	d := now.Add(remaining)
	if d.After(b.DeadlineWall) {
		d = b.DeadlineWall
	}
	return d, nil
}

// WithDeadline returns a context bound to phase's deadline (computed against
// time.Now()) along with its cancel func. The caller must call cancel.
func (b Budget) WithDeadline(ctx context.Context, phase string) (context.Context, context.CancelFunc, error) {
	deadline, err := b.Deadline(phase, time.Now())
	if err != nil {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		return cctx, cancel, err
	}
	cctx, cancel := context.WithDeadline(ctx, deadline)
	return cctx, cancel, nil
}

// GlobalContext returns a context bound to the global wall-clock deadline.
func (b Budget) GlobalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithDeadline(ctx, b.DeadlineWall)
}

// Elapsed returns the wall-clock time since the budget was created.
func (b Budget) Elapsed(now time.Time) time.Duration {
	return now.Sub(b.createdAt)
}

// Expired reports whether the global deadline has already passed at now.
func (b Budget) Expired(now time.Time) bool {
	return !now.Before(b.DeadlineWall)
}

// SynthesisReserve returns the portion of the total budget reserved for
// synthesis, used by the Lane Executor to compute d_lane per spec.md §4.4
// step 1: d_lane = min(now + per_lane_budget_ms, global_deadline -
// synthesis_reserve).
func (b Budget) SynthesisReserve() time.Duration {
	return time.Duration(b.PhaseMs[PhaseSynthesis]) * time.Millisecond
}

// LaneDeadline computes d_lane for a single lane per spec.md §4.4 step 1.
func (b Budget) LaneDeadline(now time.Time) time.Time {
	laneLocal := now.Add(time.Duration(b.PerLaneMs) * time.Millisecond)
	reserved := b.DeadlineWall.Add(-b.SynthesisReserve())
	if reserved.Before(laneLocal) {
		return reserved
	}
	return laneLocal
}

// ProviderDeadline computes d_p for a single provider attempt per spec.md
// §4.4 step 2: d_p = min(now + per_provider_cap, d_lane).
func (b Budget) ProviderDeadline(now, laneDeadline time.Time) time.Time {
	providerLocal := now.Add(time.Duration(b.PerProviderMs) * time.Millisecond)
	if laneDeadline.Before(providerLocal) {
		return laneDeadline
	}
	return providerLocal
}
