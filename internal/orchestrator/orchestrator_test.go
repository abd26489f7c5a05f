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

package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axonmesh/queryorch/internal/budget"
	"github.com/axonmesh/queryorch/internal/cache"
	"github.com/axonmesh/queryorch/internal/fusion"
	"github.com/axonmesh/queryorch/internal/lane"
	"github.com/axonmesh/queryorch/internal/llm"
	"github.com/axonmesh/queryorch/internal/llmrouter"
	"github.com/axonmesh/queryorch/internal/model"
	"github.com/axonmesh/queryorch/internal/refine"
	"github.com/axonmesh/queryorch/internal/registry"
	"github.com/axonmesh/queryorch/internal/synth"
)

// fakeBackend is a scripted lane.Backend: it returns hits after delay, or
// err if set.
type fakeBackend struct {
	id    string
	delay time.Duration
	hits  []lane.Hit
	err   error
	calls int32
}

func (b *fakeBackend) Name() string { return b.id }

func (b *fakeBackend) Search(ctx context.Context, query string, constraints model.Constraints) ([]lane.Hit, error) {
	atomic.AddInt32(&b.calls, 1)
	select {
	case <-time.After(b.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if b.err != nil {
		return nil, b.err
	}
	return b.hits, nil
}

// fakeProvider is a scripted llm.Provider streaming fixed chunks.
type fakeProvider struct {
	name   string
	chunks []string
	delay  time.Duration
	err    error
	calls  int32
}

func (p *fakeProvider) Name() string                    { return p.name }
func (p *fakeProvider) Type() llm.ProviderType          { return llm.ProviderTypeOpenAI }
func (p *fakeProvider) EstimateCost(pt, mt int) float64 { return 0 }

func (p *fakeProvider) Complete(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
	return llm.CompletionResponse{Content: "unused"}, nil
}

func (p *fakeProvider) HealthCheck(ctx context.Context) (llm.HealthCheckResult, error) {
	return llm.HealthCheckResult{Status: llm.HealthStatusHealthy}, nil
}

func (p *fakeProvider) CompleteStream(ctx context.Context, req llm.CompletionRequest, handler llm.StreamHandler) error {
	atomic.AddInt32(&p.calls, 1)
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if p.err != nil {
		return p.err
	}
	for _, c := range p.chunks {
		if err := handler(llm.StreamChunk{Content: c}); err != nil {
			return err
		}
	}
	return nil
}

func hit(key string) lane.Hit {
	return lane.Hit{CanonicalKey: key, Title: "Title " + key, URL: "https://example.com/" + key, Domain: "example.com", Excerpt: "excerpt"}
}

// testHarness wires a full Orchestrator over fakes, with a fast budget table
// so tests never wait out the real multi-second defaults.
type testHarness struct {
	reg      *registry.Registry
	backends Backends
	llms     map[string]llm.Provider
	orch     *Orchestrator
}

func newHarness(t *testing.T, useCache bool) *testHarness {
	t.Helper()
	reg := registry.New()
	h := &testHarness{reg: reg, backends: Backends{}, llms: map[string]llm.Provider{}}

	fastTable := map[model.Mode]budget.ModeBudget{
		model.ModeSimple:     {TotalMs: 2000, RefinementMs: 100, RetrievalMs: 500, SynthesisMs: 1000, PerLaneMs: 500, PerProviderMs: 300},
		model.ModeTechnical:  {TotalMs: 2000, RefinementMs: 100, RetrievalMs: 500, SynthesisMs: 1000, PerLaneMs: 500, PerProviderMs: 300},
		model.ModeResearch:   {TotalMs: 2000, RefinementMs: 100, RetrievalMs: 500, SynthesisMs: 1000, PerLaneMs: 500, PerProviderMs: 300},
		model.ModeMultimedia: {TotalMs: 2000, RefinementMs: 100, RetrievalMs: 500, SynthesisMs: 1000, PerLaneMs: 500, PerProviderMs: 300},
	}

	var c *cache.Cache
	if useCache {
		mr, err := miniredis.Run()
		require.NoError(t, err)
		t.Cleanup(mr.Close)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		c = cache.New(client)
	}

	laneExec := lane.New(reg)
	fuser := fusion.New()
	router := llmrouter.New(reg, llmrouter.WithTiers(llmrouter.ClassTier{}))
	synthesizer := synth.New("answer the question, citing sources with [[n]]")

	h.orch = New(reg, laneExec, refine.New(), fuser, router, synthesizer, c, nil, h.backends, h.llms, WithBudgetTable(fastTable))
	return h
}

func (h *testHarness) registerLane(laneID model.LaneID, backend *fakeBackend, keyed bool) {
	h.reg.RegisterLaneProvider(laneID, model.ProviderHandle{ID: backend.id, Kind: model.ProviderKindWeb, Keyed: keyed, Health: model.HealthHealthy}, nil)
	if h.backends[laneID] == nil {
		h.backends[laneID] = map[string]lane.Backend{}
	}
	h.backends[laneID][backend.id] = backend
}

func (h *testHarness) registerLLM(id string, p *fakeProvider) {
	h.reg.RegisterLLMProvider(SynthesisModelClass, model.ProviderHandle{ID: id, Kind: model.ProviderKindLLM, Health: model.HealthHealthy, CostClass: model.CostClassStandard}, nil)
	h.llms[id] = p
}

func (h *testHarness) run(t *testing.T, q model.Query) []model.Event {
	t.Helper()
	var events []model.Event
	var mu sync.Mutex
	done := make(chan struct{})
	go func() {
		h.orch.Run(context.Background(), q, func(ev model.Event) {
			mu.Lock()
			events = append(events, ev)
			mu.Unlock()
		})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not complete within test timeout")
	}
	mu.Lock()
	defer mu.Unlock()
	return append([]model.Event(nil), events...)
}

func containsKind(events []model.Event, kind model.EventKind) bool {
	for _, e := range events {
		if e.Kind == kind {
			return true
		}
	}
	return false
}

// Scenario 1: cache miss, every lane healthy, simple mode.
func TestRunCacheMissAllLanesHealthySimpleMode(t *testing.T) {
	h := newHarness(t, true)
	h.registerLane(model.LaneWeb, &fakeBackend{id: "web-primary", hits: []lane.Hit{hit("a"), hit("b")}}, true)
	h.registerLLM("model-a", &fakeProvider{name: "model-a", chunks: []string{"Paris is the capital", " of France [[1]]."}})

	q := model.Query{ID: "q1", RawText: "what is the capital of france", NormalizedText: "what is the capital of france", Mode: model.ModeSimple, TraceID: "t1"}
	events := h.run(t, q)

	require.NotEmpty(t, events)
	assert.True(t, containsKind(events, model.EventLaneUpdate))
	assert.True(t, containsKind(events, model.EventSourcesFinalized))
	assert.True(t, containsKind(events, model.EventToken))
	assert.True(t, containsKind(events, model.EventDone))

	for i, e := range events {
		assert.EqualValues(t, i+1, e.Seq)
		assert.Equal(t, "t1", e.TraceID)
	}
}

// Scenario 2: a repeat of the same query within TTL is served from cache.
func TestRunCacheHitWithinTTLSkipsLanesAndSynthesis(t *testing.T) {
	h := newHarness(t, true)
	backend := &fakeBackend{id: "web-primary", hits: []lane.Hit{hit("a")}}
	h.registerLane(model.LaneWeb, backend, true)
	provider := &fakeProvider{name: "model-a", chunks: []string{"an answer [[1]]"}}
	h.registerLLM("model-a", provider)

	q := model.Query{ID: "q2", RawText: "same question twice", NormalizedText: "same question twice", Mode: model.ModeSimple, TraceID: "t2"}

	first := h.run(t, q)
	require.True(t, containsKind(first, model.EventDone))
	callsAfterFirst := atomic.LoadInt32(&backend.calls)
	require.EqualValues(t, 1, callsAfterFirst)

	second := h.run(t, q)

	require.True(t, containsKind(second, model.EventSourcesFinalized))
	require.True(t, containsKind(second, model.EventToken))
	require.True(t, containsKind(second, model.EventDone))
	for _, e := range second {
		if e.Kind == model.EventDone {
			assert.True(t, e.Done.FromCache)
		}
	}
	assert.EqualValues(t, callsAfterFirst, atomic.LoadInt32(&backend.calls), "a cache hit must not re-invoke the lane backend")
	assert.EqualValues(t, 1, atomic.LoadInt32(&provider.calls), "a cache hit must not re-invoke the model provider")
}

// Scenario 3: the keyed web provider is unavailable, the keyless fallback
// serves the lane, and a fallback_notice precedes that lane's terminal
// lane_update.
func TestRunKeyedProviderDownFallsBackToKeylessWithNotice(t *testing.T) {
	h := newHarness(t, false)
	h.reg.RegisterLaneProvider(model.LaneWeb, model.ProviderHandle{ID: "web-keyed", Health: model.HealthDown}, nil)
	fallback := &fakeBackend{id: "web-keyless", hits: []lane.Hit{hit("x")}}
	h.registerLane(model.LaneWeb, fallback, false)
	h.registerLLM("model-a", &fakeProvider{name: "model-a", chunks: []string{"answer"}})

	q := model.Query{ID: "q3", RawText: "keyed provider down", NormalizedText: "keyed provider down", Mode: model.ModeSimple, TraceID: "t3"}
	events := h.run(t, q)

	var noticeIdx, laneUpdateIdx = -1, -1
	for i, e := range events {
		if e.Kind == model.EventFallbackNotice && e.FallbackLane == model.LaneWeb {
			noticeIdx = i
		}
		if e.Kind == model.EventLaneUpdate && e.Lane != nil && e.Lane.LaneID == model.LaneWeb && noticeIdx != -1 && laneUpdateIdx == -1 {
			laneUpdateIdx = i
		}
	}
	require.NotEqual(t, -1, noticeIdx, "expected a fallback_notice for the web lane")
	require.NotEqual(t, -1, laneUpdateIdx, "expected a lane_update for the web lane after the notice")
	assert.Less(t, noticeIdx, laneUpdateIdx)
}

// Scenario 4: research mode, the graph lane times out, the rest of the
// pipeline still completes.
func TestRunResearchModeGraphLaneTimeoutStillSynthesizes(t *testing.T) {
	h := newHarness(t, false)
	h.registerLane(model.LaneWeb, &fakeBackend{id: "web-primary", hits: []lane.Hit{hit("w1")}}, true)
	h.registerLane(model.LaneGraph, &fakeBackend{id: "graph-primary", delay: 10 * time.Second, hits: []lane.Hit{hit("g1")}}, true)
	h.registerLLM("model-a", &fakeProvider{name: "model-a", chunks: []string{"research answer [[1]]"}})

	q := model.Query{ID: "q4", RawText: "research topic", NormalizedText: "research topic", Mode: model.ModeResearch, TraceID: "t4"}
	events := h.run(t, q)

	require.True(t, containsKind(events, model.EventSourcesFinalized))
	require.True(t, containsKind(events, model.EventDone))

	var sawGraphTimeout bool
	for _, e := range events {
		if e.Kind == model.EventLaneUpdate && e.Lane != nil && e.Lane.LaneID == model.LaneGraph {
			if e.Lane.Status == model.LaneStatusTimeout || e.Lane.Status == model.LaneStatusError {
				sawGraphTimeout = true
			}
		}
	}
	assert.True(t, sawGraphTimeout, "graph lane should report a timeout/error status rather than hang the request")
}

// Scenario 5: sources finalize normally, but every LLM in the chain is
// exhausted; the terminal event is an error, not a done.
func TestRunAllModelsExhaustedAfterSourcesFinalized(t *testing.T) {
	h := newHarness(t, false)
	h.registerLane(model.LaneWeb, &fakeBackend{id: "web-primary", hits: []lane.Hit{hit("a")}}, true)
	h.registerLLM("model-a", &fakeProvider{name: "model-a", err: assertError("model-a down")})

	q := model.Query{ID: "q5", RawText: "every model fails", NormalizedText: "every model fails", Mode: model.ModeSimple, TraceID: "t5"}
	events := h.run(t, q)

	require.True(t, containsKind(events, model.EventSourcesFinalized))
	require.True(t, containsKind(events, model.EventError))
	assert.False(t, containsKind(events, model.EventDone), "an exhausted model chain must not also emit a done event")

	var sawSourcesBeforeError bool
	sourcesIdx, errorIdx := -1, -1
	for i, e := range events {
		if e.Kind == model.EventSourcesFinalized {
			sourcesIdx = i
		}
		if e.Kind == model.EventError {
			errorIdx = i
		}
	}
	sawSourcesBeforeError = sourcesIdx != -1 && errorIdx != -1 && sourcesIdx < errorIdx
	assert.True(t, sawSourcesBeforeError)
}

// Scenario 6: a malformed/empty query is rejected before any lane or model
// work begins.
func TestRunRejectsEmptyQueryWithoutTouchingLanesOrModels(t *testing.T) {
	h := newHarness(t, false)
	backend := &fakeBackend{id: "web-primary", hits: []lane.Hit{hit("a")}}
	h.registerLane(model.LaneWeb, backend, true)
	provider := &fakeProvider{name: "model-a", chunks: []string{"unused"}}
	h.registerLLM("model-a", provider)

	q := model.Query{ID: "q6", RawText: "", NormalizedText: "", Mode: model.ModeSimple, TraceID: "t6"}
	events := h.run(t, q)

	require.Len(t, events, 1)
	assert.Equal(t, model.EventError, events[0].Kind)
	assert.Equal(t, model.ErrKindValidation, events[0].ErrorKind)
	assert.EqualValues(t, 0, atomic.LoadInt32(&backend.calls))
	assert.EqualValues(t, 0, atomic.LoadInt32(&provider.calls))
}

func TestRunDeadlineZeroEmitsImmediateTruncatedDone(t *testing.T) {
	h := newHarness(t, false)
	h.orch = New(h.reg, lane.New(h.reg), refine.New(), fusion.New(), llmrouter.New(h.reg), synth.New(""), nil, nil, h.backends, h.llms,
		WithBudgetTable(map[model.Mode]budget.ModeBudget{model.ModeSimple: {TotalMs: 0}}))

	q := model.Query{ID: "q7", RawText: "anything", NormalizedText: "anything", Mode: model.ModeSimple, TraceID: "t7"}
	events := h.run(t, q)

	require.Len(t, events, 2)
	assert.Equal(t, model.EventSourcesFinalized, events[0].Kind)
	assert.Equal(t, model.EventDone, events[1].Kind)
	assert.True(t, events[1].Done.Truncated)
	assert.False(t, containsKind(events, model.EventToken))
}

type assertError string

func (e assertError) Error() string { return string(e) }
