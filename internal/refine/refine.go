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

// Package refine implements guided query refinement: an optional,
// sub-budget-only pass that normalizes raw query text and, in adaptive mode,
// asks a fast model for a short list of clarifying rewrites. Refinement
// never blocks the retrieval phase past its own sub-budget and always falls
// back to the original query text on any failure or timeout.
package refine

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/axonmesh/queryorch/internal/model"
)

// Policy holds the guided-refinement configuration knobs from spec.md §4.3.
type Policy struct {
	Enabled       bool
	SuggestionCap int
	RedactPII     bool
}

// DefaultPolicy matches the teacher's convention of a conservative default:
// refinement on, at most 3 suggestions, PII redaction on.
var DefaultPolicy = Policy{Enabled: true, SuggestionCap: 3, RedactPII: true}

// Suggester produces clarifying rewrites for a normalized query. Implemented
// by an internal/llmrouter-backed adapter in production; fakeable in tests.
type Suggester interface {
	Suggest(ctx context.Context, normalized string, cap int) ([]string, error)
}

var (
	emailRe    = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phoneRe    = regexp.MustCompile(`\b(?:\+?\d{1,3}[\s.\-]?)?\(?\d{3}\)?[\s.\-]?\d{3}[\s.\-]?\d{4}\b`)
	cardRe     = regexp.MustCompile(`\b(?:\d[ \-]?){13,16}\b`)
	whitespace = regexp.MustCompile(`\s+`)
)

// Redact scrubs email addresses, phone-number-shaped strings, and
// credit-card-shaped digit runs from text, replacing each with a fixed
// placeholder. This is a heuristic, not a compliance-grade DLP pass.
func Redact(text string) string {
	text = emailRe.ReplaceAllString(text, "[redacted-email]")
	text = phoneRe.ReplaceAllString(text, "[redacted-phone]")
	text = cardRe.ReplaceAllString(text, "[redacted-number]")
	return text
}

// Normalize lowercases, trims, and collapses internal whitespace. Guided
// Refinement never mutates the query's RawText; NormalizedText is always a
// derived copy.
func Normalize(raw string) string {
	n := strings.TrimSpace(raw)
	n = whitespace.ReplaceAllString(n, " ")
	return strings.ToLower(n)
}

// acceptanceTracker keeps a running acceptance rate for adaptive-mode
// suggestion volume, grounded on the teacher's incremental-average pattern
// in routerMetricsTracker.
type acceptanceTracker struct {
	mu       sync.Mutex
	accepted int64
	total    int64
}

func (a *acceptanceTracker) record(accepted bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.total++
	if accepted {
		a.accepted++
	}
}

func (a *acceptanceTracker) rate() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.total == 0 {
		return 1.0 // optimistic prior: start at full suggestion volume
	}
	return float64(a.accepted) / float64(a.total)
}

// Refiner applies Normalize, optional Redact, and an optional suggestion
// pass bounded by a sub-budget. It is safe for concurrent use.
type Refiner struct {
	policy    Policy
	suggester Suggester
	tracker   *acceptanceTracker
}

// Option configures a Refiner at construction.
type Option func(*Refiner)

// WithPolicy overrides DefaultPolicy.
func WithPolicy(p Policy) Option {
	return func(r *Refiner) { r.policy = p }
}

// WithSuggester wires a Suggester; without one, Refine only normalizes/
// redacts and never proposes rewrites.
func WithSuggester(s Suggester) Option {
	return func(r *Refiner) { r.suggester = s }
}

// New creates a Refiner.
func New(opts ...Option) *Refiner {
	r := &Refiner{policy: DefaultPolicy, tracker: &acceptanceTracker{}}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Result is the outcome of a single Refine call.
type Result struct {
	Query       model.Query // RawText preserved, NormalizedText populated
	Suggestions []string
	Applied     bool // true if a suggestion pass actually ran and returned
}

// Refine normalizes q and, if the policy enables it and deadline allows,
// asks the Suggester for clarifying rewrites. On any error or deadline
// overrun during the suggestion pass, it falls back silently to the
// normalized-only query — refinement failure is never user-visible and
// never an OrchestratorError, per spec.md §4.3's fallback semantics.
func (r *Refiner) Refine(ctx context.Context, q model.Query) Result {
	normalized := Normalize(q.RawText)
	text := normalized
	if r.policy.RedactPII {
		text = Redact(normalized)
	}
	out := q.WithText(q.RawText, text)

	res := Result{Query: out}
	if !r.policy.Enabled || r.suggester == nil {
		return res
	}

	select {
	case <-ctx.Done():
		return res
	default:
	}

	cap := r.adaptiveCap()
	suggestions, err := r.suggester.Suggest(ctx, text, cap)
	if err != nil || ctx.Err() != nil {
		return res
	}
	res.Suggestions = suggestions
	res.Applied = true
	return res
}

// adaptiveCap scales the suggestion cap down when users rarely accept
// suggestions, per spec.md §4.3's adaptive-mode open question — resolved in
// DESIGN.md as a simple acceptance-rate-proportional cap.
func (r *Refiner) adaptiveCap() int {
	rate := r.tracker.rate()
	cap := r.policy.SuggestionCap
	if rate < 0.2 {
		cap = 1
	} else if rate < 0.5 && cap > 1 {
		cap = cap - 1
	}
	if cap < 0 {
		cap = 0
	}
	return cap
}

// RecordAcceptance feeds back whether a user accepted a prior suggestion,
// informing future adaptiveCap calls.
func (r *Refiner) RecordAcceptance(accepted bool) {
	r.tracker.record(accepted)
}

// Budgeted wraps a suggestion attempt in a sub-budget timeout, so a slow
// suggester can never eat into the retrieval phase's own budget.
func Budgeted(ctx context.Context, d time.Duration, fn func(context.Context) error) error {
	bctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	return fn(bctx)
}
