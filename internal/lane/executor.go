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

package lane

import (
	"context"
	"sort"
	"time"
	"unicode/utf8"

	"github.com/axonmesh/queryorch/internal/model"
	"github.com/axonmesh/queryorch/internal/registry"
	"github.com/axonmesh/queryorch/internal/retry"
)

// HealthNotifier is the slice of Registry the executor needs: degrade a
// provider after a retryable failure, clear it after a success. Narrowed to
// an interface so lane tests never need a live Registry.
type HealthNotifier interface {
	NotifyRetryableFailure(providerID string)
	NotifySuccess(providerID string)
}

// Snapshot is emitted on updates chan as the lane progresses, so the
// Orchestrator can relay lane_update events before the lane terminates.
type Snapshot struct {
	Lane   model.LaneID
	Result model.LaneResult
	Final  bool
}

// Executor runs a single lane's provider chain to completion or deadline.
type Executor struct {
	providerPerCallCap time.Duration
	health             HealthNotifier
}

// New creates an Executor that reports provider outcomes to health. The
// per-provider attempt cap is not fixed here; Run takes it as perProviderMs.
func New(health HealthNotifier) *Executor {
	return &Executor{health: health}
}

// Run executes spec against the given provider chain (backend per
// registry-ordered ProviderHandle), emitting Snapshot values on updates as
// providers are attempted, and returning the terminal LaneResult. laneDeadline
// and perProviderMs come from Budget.LaneDeadline/PerProviderMs.
func (e *Executor) Run(
	ctx context.Context,
	laneID model.LaneID,
	query string,
	constraints model.Constraints,
	chain []model.ProviderHandle,
	backends map[string]Backend,
	laneDeadline time.Time,
	perProviderMs int,
	updates chan<- Snapshot,
) model.LaneResult {
	start := time.Now()
	result := model.LaneResult{LaneID: laneID, BudgetMs: int64(time.Until(laneDeadline) / time.Millisecond)}

	laneCtx, laneCancel := context.WithDeadline(ctx, laneDeadline)
	defer laneCancel()

	var anySources, timedOut bool

	for _, handle := range chain {
		result.ProviderChain = append(result.ProviderChain, handle.ID)

		if laneCtx.Err() != nil {
			break
		}
		if !registry.IsUsable(handle) {
			continue
		}
		backend, ok := backends[handle.ID]
		if !ok {
			continue
		}

		pDeadline := time.Now().Add(time.Duration(perProviderMs) * time.Millisecond)
		if laneDeadline.Before(pDeadline) {
			pDeadline = laneDeadline
		}
		pCtx, pCancel := context.WithDeadline(laneCtx, pDeadline)

		// Shared retry policy from spec.md §9: bounded backoff on the
		// per-provider attempt, gated by pCtx so a retry never outlives the
		// deadline already folded in above.
		hits, err := retry.WithBackoff(pCtx, retry.DefaultConfig(), func(ctx context.Context) ([]Hit, error) {
			return backend.Search(ctx, query, constraints)
		})
		providerTimedOut := pCtx.Err() != nil
		pCancel()

		if err == nil {
			sources := canonicalize(hits, laneID, handle)
			result.Sources = mergeDedup(result.Sources, sources)
			result.ProviderUsed = handle.ID
			result.Status = model.LaneStatusOK
			anySources = anySources || len(sources) > 0
			e.health.NotifySuccess(handle.ID)
			result.ElapsedMs = time.Since(start).Milliseconds()
			if updates != nil {
				updates <- Snapshot{Lane: laneID, Result: result}
			}
			return finalize(result, start)
		}

		if providerTimedOut || isRetryable(err) {
			timedOut = timedOut || providerTimedOut
			e.health.NotifyRetryableFailure(handle.ID)
			if updates != nil {
				updates <- Snapshot{Lane: laneID, Result: withStatus(result, model.LaneStatusPartial)}
			}
			continue
		}

		result.Err = err
		if updates != nil {
			updates <- Snapshot{Lane: laneID, Result: withStatus(result, model.LaneStatusError)}
		}
	}

	if laneCtx.Err() != nil || (timedOut && result.Err == nil) {
		if anySources {
			result.Status = model.LaneStatusPartial
		} else {
			result.Status = model.LaneStatusTimeout
		}
		return finalize(result, start)
	}

	if result.Err != nil {
		result.Status = model.LaneStatusError
	} else {
		result.Status = model.LaneStatusSkipped
	}
	return finalize(result, start)
}

func finalize(r model.LaneResult, start time.Time) model.LaneResult {
	r.ElapsedMs = time.Since(start).Milliseconds()
	return r
}

func withStatus(r model.LaneResult, s model.LaneStatus) model.LaneResult {
	r.Status = s
	return r
}

// isRetryable classifies a backend error as transient. Backends are expected
// to return *retry.APIError for HTTP-shaped failures; anything else is
// treated as non-retryable (a malformed-response bug, say).
func isRetryable(err error) bool {
	type retryable interface{ IsRetryable() bool }
	if re, ok := err.(retryable); ok {
		return re.IsRetryable()
	}
	return false
}

// canonicalize converts raw Hits into SourceRecords, applying the tie-break
// rule from spec.md §4.4: descending raw_score as supplied, or 1/(pos+1) if
// the backend doesn't score. Malformed (non-UTF-8) entries are dropped.
func canonicalize(hits []Hit, laneID model.LaneID, handle model.ProviderHandle) []model.SourceRecord {
	out := make([]model.SourceRecord, 0, len(hits))
	for i, h := range hits {
		if !utf8.ValidString(h.Title) || !utf8.ValidString(h.Excerpt) {
			continue
		}
		score := h.Score
		if !h.Scored {
			score = 1.0 / float64(i+1)
		}
		rec := model.SourceRecord{
			SourceID:      model.CanonicalSourceID(h.CanonicalKey),
			LaneIDs:       []model.LaneID{laneID},
			ProviderID:    handle.ID,
			KeyedFallback: !handle.Keyed,
			Title:         h.Title,
			URL:           h.URL,
			Domain:        h.Domain,
			Excerpt:       h.Excerpt,
			RawScore:      score,
			TS:            time.Now(),
			Language:      h.Language,
		}
		out = append(out, rec)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].RawScore > out[j].RawScore })
	return out
}

// mergeDedup collapses duplicate URLs/SourceIDs within one lane, keeping the
// earliest-ranked hit, per spec.md §4.4 edge cases.
func mergeDedup(existing, incoming []model.SourceRecord) []model.SourceRecord {
	seen := make(map[string]bool, len(existing)+len(incoming))
	out := make([]model.SourceRecord, 0, len(existing)+len(incoming))
	for _, s := range existing {
		if !seen[s.SourceID] {
			seen[s.SourceID] = true
			out = append(out, s)
		}
	}
	for _, s := range incoming {
		if !seen[s.SourceID] {
			seen[s.SourceID] = true
			out = append(out, s)
		}
	}
	return out
}
