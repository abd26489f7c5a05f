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

package synth

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axonmesh/queryorch/internal/llm"
	"github.com/axonmesh/queryorch/internal/model"
)

// fakeProvider is a controllable llm.Provider test double: it streams chunks
// one at a time with an optional per-chunk delay, then either succeeds or
// fails with errAfter.
type fakeProvider struct {
	name       string
	chunks     []string
	chunkDelay time.Duration
	errAfter   error // returned by CompleteStream after all chunks are sent
	neverSend  bool  // if true, blocks until ctx.Done() without sending anything
}

func (f *fakeProvider) Name() string                  { return f.name }
func (f *fakeProvider) Type() llm.ProviderType        { return llm.ProviderTypeAnthropic }
func (f *fakeProvider) EstimateCost(int, int) float64 { return 0 }

func (f *fakeProvider) Complete(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
	return llm.CompletionResponse{}, nil
}

func (f *fakeProvider) HealthCheck(ctx context.Context) (llm.HealthCheckResult, error) {
	return llm.HealthCheckResult{Status: llm.HealthStatusHealthy}, nil
}

func (f *fakeProvider) CompleteStream(ctx context.Context, req llm.CompletionRequest, handler llm.StreamHandler) error {
	if f.neverSend {
		<-ctx.Done()
		return ctx.Err()
	}
	for _, c := range f.chunks {
		if f.chunkDelay > 0 {
			select {
			case <-time.After(f.chunkDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := handler(llm.StreamChunk{Content: c}); err != nil {
			return err
		}
	}
	return f.errAfter
}

func collectEvents(emit func(model.Event)) (func(model.Event), *[]model.Event) {
	var mu sync.Mutex
	events := make([]model.Event, 0)
	return func(e model.Event) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
		if emit != nil {
			emit(e)
		}
	}, &events
}

func fusedWithSources(n int) *model.FusedContext {
	citable := make([]model.SourceRecord, n)
	for i := range citable {
		citable[i] = model.SourceRecord{SourceID: "src-" + string(rune('a'+i)), Title: "Title", Excerpt: "excerpt"}
	}
	return &model.FusedContext{Citable: citable}
}

func TestRunNoChainReturnsNoModelAvailable(t *testing.T) {
	s := New("be helpful")
	emit, events := collectEvents(nil)

	result := s.Run(context.Background(), "what is it", nil, nil, time.Now().Add(time.Second), emit)

	assert.Equal(t, StateError, result.State)
	require.Len(t, *events, 1)
	assert.Equal(t, model.EventError, (*events)[0].Kind)
	assert.Equal(t, model.ErrKindNoModelAvailable, (*events)[0].ErrorKind)
}

func TestRunSucceedsOnFirstProvider(t *testing.T) {
	s := New("be helpful")
	p := &fakeProvider{name: "model-a", chunks: []string{"The answer is ", "42 [[1]]."}}
	emit, events := collectEvents(nil)

	result := s.Run(context.Background(), "what is it", fusedWithSources(1), []llm.Provider{p}, time.Now().Add(time.Second), emit)

	require.Equal(t, StateDone, result.State)
	assert.Equal(t, "model-a", result.ModelUsed)
	assert.False(t, result.Truncated)
	assert.Equal(t, []string{"model-a"}, result.ChainTried)

	var sawCitation bool
	var sawDone bool
	for _, e := range *events {
		if e.Kind == model.EventToken {
			for _, c := range e.TokenCitations {
				if c.MarkerIndex == 1 {
					sawCitation = true
				}
			}
		}
		if e.Kind == model.EventDone {
			sawDone = true
			assert.Equal(t, "model-a", e.Done.ModelUsed)
			assert.False(t, e.Done.Truncated)
		}
	}
	assert.True(t, sawCitation, "expected a resolved [[1]] citation marker")
	assert.True(t, sawDone)
}

func TestRunDropsOutOfRangeCitationMarkers(t *testing.T) {
	s := New("be helpful")
	p := &fakeProvider{name: "model-a", chunks: []string{"See [[1]] and [[9]]."}}
	emit, events := collectEvents(nil)

	result := s.Run(context.Background(), "q", fusedWithSources(1), []llm.Provider{p}, time.Now().Add(time.Second), emit)
	require.Equal(t, StateDone, result.State)

	var markers []int
	for _, e := range *events {
		if e.Kind == model.EventToken {
			for _, c := range e.TokenCitations {
				markers = append(markers, c.MarkerIndex)
			}
		}
	}
	assert.Equal(t, []int{1}, markers, "marker [[9]] is out of range for one citable source and must be dropped")
}

func TestRunFallsThroughAfterStreamErrorWithNoFirstToken(t *testing.T) {
	s := New("be helpful")
	bad := &fakeProvider{name: "model-bad", chunks: nil, errAfter: assertErr}
	good := &fakeProvider{name: "model-good", chunks: []string{"ok"}}
	emit, _ := collectEvents(nil)

	result := s.Run(context.Background(), "q", fusedWithSources(0), []llm.Provider{bad, good}, time.Now().Add(time.Second), emit)

	require.Equal(t, StateDone, result.State)
	assert.Equal(t, "model-good", result.ModelUsed)
	assert.Equal(t, []string{"model-bad", "model-good"}, result.ChainTried)
}

func TestRunFallsThroughOnFirstTokenWatchdogTimeout(t *testing.T) {
	s := New("be helpful")
	slow := &fakeProvider{name: "model-slow", neverSend: true}
	fast := &fakeProvider{name: "model-fast", chunks: []string{"hi"}}
	emit, _ := collectEvents(nil)

	origWatchdog := FirstTokenWatchdog
	setFirstTokenWatchdog(20 * time.Millisecond)
	defer setFirstTokenWatchdog(origWatchdog)

	result := s.Run(context.Background(), "q", fusedWithSources(0), []llm.Provider{slow, fast}, time.Now().Add(time.Second), emit)

	require.Equal(t, StateDone, result.State)
	assert.Equal(t, "model-fast", result.ModelUsed)
	assert.Equal(t, []string{"model-slow", "model-fast"}, result.ChainTried)
}

func TestRunReturnsErrorWhenEveryProviderFails(t *testing.T) {
	s := New("be helpful")
	bad1 := &fakeProvider{name: "model-1", errAfter: assertErr}
	bad2 := &fakeProvider{name: "model-2", errAfter: assertErr}
	emit, events := collectEvents(nil)

	result := s.Run(context.Background(), "q", fusedWithSources(0), []llm.Provider{bad1, bad2}, time.Now().Add(time.Second), emit)

	require.Equal(t, StateError, result.State)
	var sawError bool
	for _, e := range *events {
		if e.Kind == model.EventError {
			sawError = true
			assert.Equal(t, model.ErrKindNoModelAvailable, e.ErrorKind)
		}
	}
	assert.True(t, sawError)
}

func TestRunMarksTruncatedWhenStreamErrorsAfterFirstToken(t *testing.T) {
	s := New("be helpful")
	p := &fakeProvider{name: "model-a", chunks: []string{"partial answer"}, errAfter: assertErr}
	emit, _ := collectEvents(nil)

	result := s.Run(context.Background(), "q", fusedWithSources(0), []llm.Provider{p}, time.Now().Add(time.Second), emit)

	require.Equal(t, StateDone, result.State)
	assert.True(t, result.Truncated)
}

func TestBuildPromptIncludesDisagreementInstruction(t *testing.T) {
	fused := fusedWithSources(2)
	fused.Disagreements = []model.DisagreementNote{{SourceIDA: "a", SourceIDB: "b", Summary: "conflict"}}
	prompt := buildPrompt("q", fused)
	assert.Contains(t, prompt, "disagree")
}

func TestBuildPromptNoSourcesFallback(t *testing.T) {
	prompt := buildPrompt("q", &model.FusedContext{})
	assert.Contains(t, prompt, "No supporting sources were retrieved")
}

var assertErr = &fakeStreamError{"upstream failure"}

type fakeStreamError struct{ msg string }

func (e *fakeStreamError) Error() string { return e.msg }

// setFirstTokenWatchdog overrides the package-level watchdog var for a
// single test so it doesn't have to sleep out a real 1.5s timeout.
func setFirstTokenWatchdog(d time.Duration) {
	FirstTokenWatchdog = d
}
