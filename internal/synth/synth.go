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

// Package synth streams a cited answer over a FusedContext and an ordered
// model chain, implementing the state machine from spec.md §4.7.
package synth

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/axonmesh/queryorch/internal/llm"
	"github.com/axonmesh/queryorch/internal/model"
	"github.com/axonmesh/queryorch/internal/retry"
)

// State is a node in the Synthesizer's state machine.
type State string

const (
	StateIdle         State = "IDLE"
	StateCallingModel State = "CALLING_MODEL"
	StateStreaming    State = "STREAMING"
	StateRetryNext    State = "RETRY_NEXT"
	StateDone         State = "DONE"
	StateError        State = "ERROR"
)

// FirstTokenWatchdog is the first-token latency target from spec.md §4.7.
// Declared as a var, not a const, so tests can shrink it instead of sleeping
// out a real 1.5s timeout.
var FirstTokenWatchdog = 1500 * time.Millisecond

// SoftCancelGrace is the grace window past the deadline in which the
// Synthesizer may finish its current sentence before hard-truncating.
const SoftCancelGrace = 250 * time.Millisecond

// markerRe matches an inline citation marker like [[3]] in model output.
var markerRe = regexp.MustCompile(`\[\[(\d+)\]\]`)

// sentenceEnd matches characters that plausibly end a sentence, used to
// find a safe place to stop when the grace window closes.
var sentenceEnd = regexp.MustCompile(`[.!?]\s`)

// TokenEmitter receives synthesized output as it is produced. It mirrors the
// Orchestrator's relay of token events onto the AnswerEnvelope stream.
type TokenEmitter func(event model.Event)

// Result summarizes a completed synthesis run for telemetry.
type Result struct {
	State        State
	Truncated    bool
	ModelUsed    string
	ChainTried   []string
	FirstTokenMs int64
}

// Synthesizer drives the CALLING_MODEL/STREAMING/RETRY_NEXT state machine
// over an ordered provider chain. It holds no state between calls.
type Synthesizer struct {
	// SystemPrompt is prepended to every model call; the composition root
	// sets it once from internal/config.
	SystemPrompt string
}

// New constructs a Synthesizer.
func New(systemPrompt string) *Synthesizer {
	return &Synthesizer{SystemPrompt: systemPrompt}
}

// buildPrompt renders the fused context and the raw query into the model
// prompt, numbering citable sources 1-based to match FusedContext.Citable
// order (the same order CitableIndex uses).
func buildPrompt(queryText string, fused *model.FusedContext) string {
	if fused == nil || len(fused.Citable) == 0 {
		return "Question: " + queryText + "\n\nNo supporting sources were retrieved. Answer from general knowledge and state that no sources were found."
	}

	var b strings.Builder
	b.WriteString("Question: ")
	b.WriteString(queryText)
	b.WriteString("\n\nSources (cite with [[n]] referencing the number):\n")
	for i, src := range fused.Citable {
		b.WriteString(strconv.Itoa(i + 1))
		b.WriteString(". ")
		b.WriteString(src.Title)
		b.WriteString(" — ")
		b.WriteString(src.Excerpt)
		b.WriteString("\n")
	}
	if len(fused.Disagreements) > 0 {
		b.WriteString("\nNote: some sources disagree; acknowledge this and cite both sides.\n")
	}
	return b.String()
}

// extractCitations finds every [[n]] marker in chunk that resolves against
// citable (marker n is citable[n-1]), returning the citations found in this
// chunk only.
func extractCitations(chunk string, citable []model.SourceRecord) []model.Citation {
	matches := markerRe.FindAllStringSubmatch(chunk, -1)
	if len(matches) == 0 {
		return nil
	}
	citations := make([]model.Citation, 0, len(matches))
	for _, m := range matches {
		n, err := strconv.Atoi(m[1])
		if err != nil || n < 1 || n > len(citable) {
			continue // never emit a marker outside the citable set
		}
		citations = append(citations, model.Citation{MarkerIndex: n, SourceID: citable[n-1].SourceID})
	}
	return citations
}

// errNoFirstToken marks an attempt that produced no first token before its
// watchdog or deadline fired, so retry.WithBackoff's RetryIf can treat it as
// a transient, retry-this-provider-once failure rather than an immediate
// RETRY_NEXT.
var errNoFirstToken = &retry.APIError{Type: "no_first_token"}

// synthRetryConfig bounds same-provider retries to a single attempt: the
// Synthesizer's deadline (ctx passed to WithBackoff) already caps total wall
// clock, so a second MaxRetries would just eat into the next model's budget.
func synthRetryConfig() retry.Config {
	cfg := retry.DefaultConfig()
	cfg.MaxRetries = 1
	cfg.RetryIf = func(err error) bool {
		return err == errNoFirstToken || retry.DefaultRetryable(err)
	}
	return cfg
}

// attemptOutcome is handed back from the background stream goroutine to the
// attempt loop over a channel, so the only cross-goroutine communication is
// channel sends/receives — no shared mutable state read by both sides.
type attemptOutcome struct {
	streamErr     error
	firstTokenMs  int64
	gotFirstToken bool
}

// runAttempt drives a single provider through CompleteStream, emitting token
// events as they arrive, and returns once the stream ends, the deadline plus
// grace window passes, or the first-token watchdog fires with nothing yet
// received. The returned outcome is only ever written by the goroutine that
// produced it before it is sent on the channel, so reading it back after the
// channel receive is race-free per Go's memory model.
func (s *Synthesizer) runAttempt(ctx context.Context, provider llm.Provider, prompt string, citable []model.SourceRecord, deadline, firstTokenDeadline time.Time, runStart time.Time, emit TokenEmitter) attemptOutcome {
	callCtx, cancel := context.WithDeadline(ctx, deadline.Add(SoftCancelGrace))
	defer cancel()

	firstTokenCh := make(chan int64, 1)
	var firstTokenSent bool

	done := make(chan error, 1)
	go func() {
		done <- provider.CompleteStream(callCtx, llm.CompletionRequest{
			Prompt:       prompt,
			SystemPrompt: s.SystemPrompt,
		}, func(chunk llm.StreamChunk) error {
			if chunk.Err != nil {
				return chunk.Err
			}
			if chunk.Content != "" {
				if !firstTokenSent {
					firstTokenSent = true
					firstTokenCh <- time.Since(runStart).Milliseconds()
				}
				citations := extractCitations(chunk.Content, citable)
				emit(model.Event{Kind: model.EventToken, Token: chunk.Content, TokenCitations: citations})
			}
			now := time.Now()
			if now.After(deadline) {
				// Past the deadline: allow at most SoftCancelGrace more to
				// land a sentence boundary, then hard-stop regardless.
				if now.After(deadline.Add(SoftCancelGrace)) || sentenceEnd.MatchString(chunk.Content) {
					return context.DeadlineExceeded
				}
			}
			return nil
		})
	}()

	select {
	case ms := <-firstTokenCh:
		return attemptOutcome{streamErr: <-done, firstTokenMs: ms, gotFirstToken: true}
	case err := <-done:
		select {
		case ms := <-firstTokenCh:
			return attemptOutcome{streamErr: err, firstTokenMs: ms, gotFirstToken: true}
		default:
		}
		return attemptOutcome{streamErr: err}
	case <-time.After(time.Until(firstTokenDeadline)):
		cancel()
		<-done
		return attemptOutcome{streamErr: context.DeadlineExceeded}
	}
}

// Run synthesizes a cited answer from fused, using chain as the ordered
// model fallback list, and emits token/done/error events via emit. deadline
// is the hard wall-clock cutoff the caller has derived for this phase.
func (s *Synthesizer) Run(ctx context.Context, queryText string, fused *model.FusedContext, chain []llm.Provider, deadline time.Time, emit TokenEmitter) Result {
	result := Result{State: StateIdle}
	runStart := time.Now()

	if len(chain) == 0 {
		emit(model.Event{Kind: model.EventError, ErrorKind: model.ErrKindNoModelAvailable, ErrorMessage: "no model available for synthesis"})
		result.State = StateError
		return result
	}

	prompt := buildPrompt(queryText, fused)
	var citable []model.SourceRecord
	if fused != nil {
		citable = fused.Citable
	}

	for i, provider := range chain {
		result.ChainTried = append(result.ChainTried, provider.Name())

		firstTokenDeadline := time.Now().Add(FirstTokenWatchdog)
		if firstTokenDeadline.After(deadline) {
			firstTokenDeadline = deadline
		}

		// The shared retry policy from spec.md §9: one bounded, same-provider
		// retry before falling back to the next model in chain, gated by the
		// same deadline the state machine already enforces.
		outcome, _ := retry.WithBackoff(ctx, synthRetryConfig(), func(ctx context.Context) (attemptOutcome, error) {
			o := s.runAttempt(ctx, provider, prompt, citable, deadline, firstTokenDeadline, runStart, emit)
			if !o.gotFirstToken {
				return o, errNoFirstToken
			}
			return o, nil
		})
		last := i == len(chain)-1

		if !outcome.gotFirstToken {
			if last {
				// ModelError is internal-only (it drives RETRY_NEXT above); the
				// only terminal, user-visible error once the chain is exhausted
				// with no first token is NoModelAvailable.
				result.State = StateError
				emit(model.Event{Kind: model.EventError, ErrorKind: model.ErrKindNoModelAvailable, ErrorMessage: attemptErrorMessage(outcome.streamErr)})
				return result
			}
			continue // RETRY_NEXT: fall through to the next model in chain
		}

		result.FirstTokenMs = outcome.firstTokenMs
		result.ModelUsed = provider.Name()
		result.Truncated = outcome.streamErr != nil
		result.State = StateDone
		emit(model.Event{Kind: model.EventDone, Done: &model.FinalMetrics{
			Truncated:    result.Truncated,
			FirstTokenMs: result.FirstTokenMs,
			TotalElapsed: time.Since(runStart).Milliseconds(),
			ModelUsed:    provider.Name(),
		}})
		return result
	}

	result.State = StateError
	return result
}

func attemptErrorMessage(err error) string {
	if err == nil {
		return "no model produced a first token within budget"
	}
	return err.Error()
}
