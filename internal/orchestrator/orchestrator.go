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

// Package orchestrator is the composition root: it sequences Budget,
// Guided Refinement, the Lane Executor, Fusion, the Model Router, and the
// Synthesizer behind a single entry point, relaying every intermediate
// result onto the AnswerEnvelope event stream and recording telemetry
// regardless of outcome.
package orchestrator

import (
	"context"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/axonmesh/queryorch/internal/budget"
	"github.com/axonmesh/queryorch/internal/cache"
	"github.com/axonmesh/queryorch/internal/fusion"
	"github.com/axonmesh/queryorch/internal/lane"
	"github.com/axonmesh/queryorch/internal/llm"
	"github.com/axonmesh/queryorch/internal/llmrouter"
	"github.com/axonmesh/queryorch/internal/model"
	"github.com/axonmesh/queryorch/internal/refine"
	"github.com/axonmesh/queryorch/internal/synth"
	"github.com/axonmesh/queryorch/internal/telemetry"
)

// SynthesisModelClass is the registry class synthesis providers are
// registered under (Open Question in spec.md §9: the source material never
// names a concrete class string, only a mode-to-tier mapping; resolved in
// DESIGN.md as one fixed class with per-mode tier preference expressed
// inside internal/llmrouter).
const SynthesisModelClass = "synthesis"

// MaxQueryLen is the intake length ceiling from spec.md §6.
const MaxQueryLen = 4096

// LaneRegistry is the narrow slice of *registry.Registry the orchestrator
// needs for retrieval fan-out: the ordered chain per lane, plus health
// feedback (also required by lane.Executor's HealthNotifier).
type LaneRegistry interface {
	Chain(laneID model.LaneID) []model.ProviderHandle
	NotifyRetryableFailure(providerID string)
	NotifySuccess(providerID string)
}

// Backends maps a lane to its registered backend implementations, keyed by
// provider ID (matching the ID registered in the Registry).
type Backends map[model.LaneID]map[string]lane.Backend

// sourceKindForLane maps each retrieval lane to the intake constraint's
// SourceKind vocabulary, so constraints.sources filters lanes the caller
// didn't ask for. Vector is treated as the academic/technical-embedding
// lane (Open Question: spec.md never names this mapping explicitly).
var sourceKindForLane = map[model.LaneID]model.SourceKind{
	model.LaneWeb:     model.SourceKindWeb,
	model.LaneVector:  model.SourceKindAcademic,
	model.LaneGraph:   model.SourceKindGraph,
	model.LaneNews:    model.SourceKindNews,
	model.LaneMarkets: model.SourceKindMarkets,
}

// allLanes is the fixed iteration order lanes are attempted in; order only
// affects lane_update emission order under true concurrency ties, not
// correctness.
var allLanes = []model.LaneID{model.LaneWeb, model.LaneVector, model.LaneGraph, model.LaneNews, model.LaneMarkets}

// Orchestrator sequences C1 through C7 behind a single Run entry point. It
// holds no per-request state; every field here is shared, immutable
// infrastructure constructed once at startup.
type Orchestrator struct {
	registry    LaneRegistry
	budgetTable map[model.Mode]budget.ModeBudget
	refiner     *refine.Refiner
	laneExec    *lane.Executor
	fuser       *fusion.Fuser
	modelRouter *llmrouter.Router
	synth       *synth.Synthesizer
	cache       *cache.Cache
	sink        *telemetry.Sink

	backends     Backends
	llmProviders map[string]llm.Provider
	lanes        []model.LaneID
}

// Option configures an Orchestrator at construction.
type Option func(*Orchestrator)

// WithBudgetTable overrides budget.DefaultTable.
func WithBudgetTable(t map[model.Mode]budget.ModeBudget) Option {
	return func(o *Orchestrator) { o.budgetTable = t }
}

// WithLanes restricts which lanes are ever attempted, in iteration order.
// Defaults to all five.
func WithLanes(lanes []model.LaneID) Option {
	return func(o *Orchestrator) { o.lanes = lanes }
}

// New constructs an Orchestrator. registry, laneExec, fuser, modelRouter,
// and synth must be non-nil. refiner may be nil to skip refinement, cache
// may be nil to run every query live, and sink may be nil to discard
// telemetry (tests).
func New(
	registry LaneRegistry,
	laneExec *lane.Executor,
	refiner *refine.Refiner,
	fuser *fusion.Fuser,
	modelRouter *llmrouter.Router,
	synthesizer *synth.Synthesizer,
	c *cache.Cache,
	sink *telemetry.Sink,
	backends Backends,
	llmProviders map[string]llm.Provider,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		registry:     registry,
		budgetTable:  budget.DefaultTable,
		refiner:      refiner,
		laneExec:     laneExec,
		fuser:        fuser,
		modelRouter:  modelRouter,
		synth:        synthesizer,
		cache:        c,
		sink:         sink,
		backends:     backends,
		llmProviders: llmProviders,
		lanes:        allLanes,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// envelope accumulates the sequence counter and trace ID shared by every
// event emitted for one Run call.
type envelope struct {
	traceID string
	seq     int64
	emit    func(model.Event)
}

func (e *envelope) send(ev model.Event) {
	e.seq++
	ev.Seq = e.seq
	ev.TraceID = e.traceID
	e.emit(ev)
}

// Run executes q end to end, relaying every event to emit in causal order,
// and returns once a terminal done or error event has been emitted. It
// implements internal/httpapi.Runner.
func (o *Orchestrator) Run(ctx context.Context, q model.Query, emit func(model.Event)) {
	env := &envelope{traceID: q.TraceID, emit: emit}
	requestStart := time.Now()

	if err := validate(q); err != nil {
		env.send(model.Event{Kind: model.EventError, ErrorKind: err.Kind, ErrorMessage: err.Message})
		return
	}

	bud := budget.New(q.Mode, requestStart, o.budgetTable)
	if bud.Expired(time.Now()) {
		env.send(model.Event{Kind: model.EventSourcesFinalized, Sources: &model.FusedContextSummary{}})
		env.send(model.Event{Kind: model.EventDone, Done: &model.FinalMetrics{Truncated: true, TotalElapsed: time.Since(requestStart).Milliseconds()}})
		return
	}

	ctx, cancel := bud.GlobalContext(ctx)
	defer cancel()

	fingerprint := cache.Fingerprint(refine.Normalize(q.RawText), q.Mode, SynthesisModelClass, q.Constraints)

	var executed bool
	lanesTelemetry := make([]model.LaneTelemetry, 0, len(o.lanes))
	var modelTelemetry model.ModelTelemetry
	phaseElapsed := make(map[string]int64, 3)

	loader := func(loadCtx context.Context) (cache.Entry, error) {
		executed = true
		entry, err := o.runPipeline(loadCtx, q, bud, env, &lanesTelemetry, &modelTelemetry, phaseElapsed, requestStart)
		return entry, err
	}

	// In every branch below, the terminal done/error event has already been
	// emitted inline: by synth.Synthesizer.Run inside runPipeline for a live
	// run, or by replay for a cache hit/follower. Run itself only needs to
	// finish bookkeeping telemetry.
	var cacheTelemetry model.CacheTelemetry

	if o.cache != nil {
		result, err := o.cache.Get(ctx, fingerprint, q.Mode, loader)
		if err != nil {
			o.recordTelemetry(q, bud, phaseElapsed, lanesTelemetry, modelTelemetry, cacheTelemetry, requestStart)
			return
		}
		cacheTelemetry = model.CacheTelemetry{Hit: result.Hit, Coalesced: result.Coalesced && !executed}
		if !executed {
			o.replay(env, result.Entry, cacheTelemetry, requestStart)
			modelTelemetry = model.ModelTelemetry{FinalModel: result.Entry.ModelUsed}
		}
	} else {
		_, _ = loader(ctx)
	}

	o.recordTelemetry(q, bud, phaseElapsed, lanesTelemetry, modelTelemetry, cacheTelemetry, requestStart)
}

// validationError is the small set of intake checks from spec.md §6/§8.
type validationError struct {
	Kind    model.ErrorKind
	Message string
}

func validate(q model.Query) *validationError {
	n := len(q.RawText)
	if n == 0 {
		return &validationError{Kind: model.ErrKindValidation, Message: "query must not be empty"}
	}
	if n > MaxQueryLen {
		return &validationError{Kind: model.ErrKindValidation, Message: "query exceeds maximum length"}
	}
	if !q.Mode.Valid() {
		return &validationError{Kind: model.ErrKindValidation, Message: "unrecognized mode"}
	}
	return nil
}

// replay re-emits a cached Entry as sources_finalized + a single token event
// carrying the full stored answer text + done, annotated from_cache=true.
// This is the path taken both by a genuine Redis hit and by a singleflight
// follower whose own loader closure never ran.
func (o *Orchestrator) replay(env *envelope, entry cache.Entry, cacheTel model.CacheTelemetry, requestStart time.Time) model.FinalMetrics {
	summary := entry.FusedSummary
	summary.FromCache = true
	env.send(model.Event{Kind: model.EventSourcesFinalized, Sources: &summary})
	if entry.AnswerText != "" {
		env.send(model.Event{Kind: model.EventToken, Token: entry.AnswerText, TokenCitations: entry.Citations})
	}
	metrics := model.FinalMetrics{
		FromCache:    true,
		Coalesced:    cacheTel.Coalesced,
		ModelUsed:    entry.ModelUsed,
		TotalElapsed: time.Since(requestStart).Milliseconds(),
	}
	env.send(model.Event{Kind: model.EventDone, Done: &metrics})
	return metrics
}

// runPipeline executes Guided Refinement, the Lane Executor fan-out,
// Fusion, the Model Router, and the Synthesizer, emitting every
// intermediate event live via env. It returns the cache.Entry to persist,
// or the NoModelAvailable error if synthesis never obtained a model.
func (o *Orchestrator) runPipeline(
	ctx context.Context,
	q model.Query,
	bud budget.Budget,
	env *envelope,
	lanesOut *[]model.LaneTelemetry,
	modelOut *model.ModelTelemetry,
	phaseElapsed map[string]int64,
	requestStart time.Time,
) (cache.Entry, error) {
	refined := o.runRefinement(ctx, q, bud, phaseElapsed)

	retrievalStart := time.Now()
	laneResults := o.runLanes(ctx, refined, bud, env, lanesOut)
	phaseElapsed[budget.PhaseRetrieval] = time.Since(retrievalStart).Milliseconds()

	fused := o.fuser.Fuse(refined.Mode, laneResults)
	summary := model.FusedContextSummary{Citable: fused.Citable, ResidualTail: len(fused.Sources) - len(fused.Citable)}
	env.send(model.Event{Kind: model.EventSourcesFinalized, Sources: &summary})
	for i := range fused.Disagreements {
		env.send(model.Event{Kind: model.EventDisagreement, Disagreement: &fused.Disagreements[i]})
	}

	return o.runSynthesis(ctx, refined, bud, &fused, env, modelOut, phaseElapsed, requestStart)
}

func (o *Orchestrator) runRefinement(ctx context.Context, q model.Query, bud budget.Budget, phaseElapsed map[string]int64) model.Query {
	start := time.Now()
	defer func() { phaseElapsed[budget.PhaseRefinement] = time.Since(start).Milliseconds() }()

	if o.refiner == nil {
		return q
	}
	rctx, rcancel, err := bud.WithDeadline(ctx, budget.PhaseRefinement)
	if err != nil {
		return q
	}
	defer rcancel()
	return o.refiner.Refine(rctx, q).Query
}

// runLanes fans out one goroutine per applicable lane via errgroup, relays
// every Snapshot as a lane_update (preceded by a fallback_notice the first
// time a lane's terminal ProviderUsed differs from its preferred provider),
// and returns the terminal LaneResult for every lane attempted.
func (o *Orchestrator) runLanes(ctx context.Context, q model.Query, bud budget.Budget, env *envelope, lanesOut *[]model.LaneTelemetry) []model.LaneResult {
	var toRun []model.LaneID
	chains := make(map[model.LaneID][]model.ProviderHandle, len(o.lanes))
	for _, laneID := range o.lanes {
		if kind, ok := sourceKindForLane[laneID]; ok && !q.Constraints.WantsSource(kind) {
			continue
		}
		backends := o.backends[laneID]
		if len(backends) == 0 {
			continue
		}
		chains[laneID] = o.registry.Chain(laneID)
		toRun = append(toRun, laneID)
	}

	if len(toRun) == 0 {
		return nil
	}

	updates := make(chan lane.Snapshot, 64)
	results := make([]model.LaneResult, len(toRun))

	g, gctx := errgroup.WithContext(ctx)
	for i, laneID := range toRun {
		i, laneID := i, laneID
		g.Go(func() error {
			laneDeadline := bud.LaneDeadline(time.Now())
			results[i] = o.laneExec.Run(gctx, laneID, q.NormalizedText, q.Constraints, chains[laneID], o.backends[laneID], laneDeadline, bud.PerProviderMs, updates)
			return nil
		})
	}
	go func() {
		_ = g.Wait()
		close(updates)
	}()

	fallbackAnnounced := make(map[model.LaneID]bool, len(toRun))
	lastRelayed := make(map[model.LaneID]model.LaneStatus, len(toRun))
	announceFallbackIfNeeded := func(result model.LaneResult) {
		if result.ProviderUsed == "" || fallbackAnnounced[result.LaneID] {
			return
		}
		chain := chains[result.LaneID]
		if len(chain) == 0 || chain[0].ID == result.ProviderUsed {
			return
		}
		fallbackAnnounced[result.LaneID] = true
		env.send(model.Event{
			Kind: model.EventFallbackNotice, FallbackLane: result.LaneID,
			FallbackFrom: chain[0].ID, FallbackTo: result.ProviderUsed, FallbackWhy: "unavailable",
		})
	}

	for snap := range updates {
		announceFallbackIfNeeded(snap.Result)
		lastRelayed[snap.Result.LaneID] = snap.Result.Status
		env.send(model.Event{Kind: model.EventLaneUpdate, Lane: &snap.Result})
	}

	// lane.Executor does not always push a Snapshot carrying its true
	// terminal status (e.g. a lane that exhausts its chain under the
	// deadline without a last-attempt send): relay the authoritative
	// final LaneResult whenever it differs from what was last streamed,
	// so the client always sees the lane's real outcome.
	for _, r := range results {
		if lastRelayed[r.LaneID] != r.Status {
			announceFallbackIfNeeded(r)
			relayed := r
			env.send(model.Event{Kind: model.EventLaneUpdate, Lane: &relayed})
		}

		keyedFallback := false
		if chain := chains[r.LaneID]; len(chain) > 0 && r.ProviderUsed != "" {
			keyedFallback = chain[0].ID != r.ProviderUsed
		}
		*lanesOut = append(*lanesOut, model.LaneTelemetry{
			LaneID: r.LaneID, ProviderChainTraversed: r.ProviderChain, KeyedFallback: keyedFallback,
			Status: r.Status, ElapsedMs: r.ElapsedMs, BudgetMs: r.BudgetMs, SourceCount: len(r.Sources),
		})
	}
	return results
}

func (o *Orchestrator) runSynthesis(
	ctx context.Context,
	q model.Query,
	bud budget.Budget,
	fused *model.FusedContext,
	env *envelope,
	modelOut *model.ModelTelemetry,
	phaseElapsed map[string]int64,
	requestStart time.Time,
) (cache.Entry, error) {
	start := time.Now()
	defer func() { phaseElapsed[budget.PhaseSynthesis] = time.Since(start).Milliseconds() }()

	chain, selErr := o.modelRouter.Select(ctx, q.Mode, SynthesisModelClass, q.Constraints.CostCeiling)
	var providers []llm.Provider
	var chainIDs []string
	if selErr == nil {
		for _, h := range chain {
			if p, ok := o.llmProviders[h.ID]; ok {
				providers = append(providers, p)
				chainIDs = append(chainIDs, h.ID)
			}
		}
	}

	if len(providers) == 0 {
		*modelOut = model.ModelTelemetry{ChainTraversed: chainIDs}
		env.send(model.Event{Kind: model.EventError, ErrorKind: model.ErrKindNoModelAvailable, ErrorMessage: "no model available for synthesis"})
		return cache.Entry{}, model.NewOrchestratorError(model.ErrKindNoModelAvailable, "no model available for synthesis", nil)
	}

	deadline, derr := bud.Deadline(budget.PhaseSynthesis, time.Now())
	if derr != nil {
		deadline = time.Now()
	}

	var text strings.Builder
	var citations []model.Citation
	synthEmit := func(ev model.Event) {
		if ev.Kind == model.EventToken {
			text.WriteString(ev.Token)
			citations = append(citations, ev.TokenCitations...)
		}
		env.send(ev)
	}

	result := o.synth.Run(ctx, q.NormalizedText, fused, providers, deadline, synthEmit)
	*modelOut = model.ModelTelemetry{
		ChainTraversed: result.ChainTried, FinalModel: result.ModelUsed,
		FirstTokenMs: result.FirstTokenMs, Truncated: result.Truncated,
	}

	if result.State == synth.StateError {
		return cache.Entry{}, model.NewOrchestratorError(model.ErrKindNoModelAvailable, "no model produced an answer", nil)
	}

	return cache.Entry{
		FusedSummary: model.FusedContextSummary{Citable: fused.Citable, ResidualTail: len(fused.Sources) - len(fused.Citable)},
		AnswerText:   text.String(),
		Citations:    citations,
		ModelUsed:    result.ModelUsed,
	}, nil
}

func (o *Orchestrator) recordTelemetry(
	q model.Query,
	bud budget.Budget,
	phaseElapsed map[string]int64,
	lanes []model.LaneTelemetry,
	modelTel model.ModelTelemetry,
	cacheTel model.CacheTelemetry,
	requestStart time.Time,
) {
	if o.sink == nil {
		return
	}
	o.sink.Record(model.TelemetryRecord{
		QueryID:        q.ID,
		Mode:           q.Mode,
		TotalBudgetMs:  int64(bud.TotalMs),
		PhaseElapsedMs: phaseElapsed,
		Lanes:          lanes,
		Model:          modelTel,
		Cache:          cacheTel,
	})
}
