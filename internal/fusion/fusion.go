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

// Package fusion merges per-lane retrieval results into a single ranked,
// deduplicated, diversity-capped FusedContext and flags pairwise
// disagreements for the Synthesizer to acknowledge.
package fusion

import (
	"strings"

	"github.com/axonmesh/queryorch/internal/model"
)

// LaneWeights maps a lane to its contribution weight for one query mode.
type LaneWeights map[model.LaneID]float64

// DefaultWeights is the mode-to-lane-weight table (Open Question resolved
// in DESIGN.md): simple favors web/lexical; research/technical shift weight
// toward graph and vector (more structured, citation-dense) sources.
var DefaultWeights = map[model.Mode]LaneWeights{
	model.ModeSimple: {
		model.LaneWeb: 1.0, model.LaneVector: 0.6, model.LaneGraph: 0.3, model.LaneNews: 0.7, model.LaneMarkets: 0.7,
	},
	model.ModeTechnical: {
		model.LaneWeb: 0.8, model.LaneVector: 1.0, model.LaneGraph: 0.7, model.LaneNews: 0.4, model.LaneMarkets: 0.4,
	},
	model.ModeResearch: {
		model.LaneWeb: 0.6, model.LaneVector: 1.0, model.LaneGraph: 1.0, model.LaneNews: 0.6, model.LaneMarkets: 0.5,
	},
	model.ModeMultimedia: {
		model.LaneWeb: 0.8, model.LaneVector: 0.9, model.LaneGraph: 0.8, model.LaneNews: 0.6, model.LaneMarkets: 0.4,
	},
}

// DomainCap is the maximum number of top-ranked results from a single
// domain allowed into the citable set, per spec.md §4.5 step 3.
const DomainCap = 2

// CitableSize is the top-K cutoff for the citable bibliography.
const CitableSize = 8

// ContradictionDetector flags candidate pairwise disagreements among
// fused sources. Pluggable per spec.md §4.5 step 4; DefaultDetector is a
// cheap lexical-negation heuristic, not a semantic contradiction model.
type ContradictionDetector interface {
	Detect(sources []model.SourceRecord) []model.DisagreementNote
}

// Fuser merges LaneResults into a FusedContext.
type Fuser struct {
	weights   map[model.Mode]LaneWeights
	detector  ContradictionDetector
	domainCap int
	citableK  int
}

// Option configures a Fuser at construction.
type Option func(*Fuser)

func WithWeights(w map[model.Mode]LaneWeights) Option { return func(f *Fuser) { f.weights = w } }
func WithDetector(d ContradictionDetector) Option     { return func(f *Fuser) { f.detector = d } }
func WithDomainCap(n int) Option                      { return func(f *Fuser) { f.domainCap = n } }
func WithCitableSize(n int) Option                    { return func(f *Fuser) { f.citableK = n } }

// New creates a Fuser with DefaultWeights, DomainCap, CitableSize, and the
// lexical-negation ContradictionDetector unless overridden.
func New(opts ...Option) *Fuser {
	f := &Fuser{weights: DefaultWeights, detector: lexicalNegationDetector{}, domainCap: DomainCap, citableK: CitableSize}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fuse merges laneResults per spec.md §4.5. An empty input (every lane
// timed out, errored, or skipped) yields a valid, empty FusedContext rather
// than an error: fusion never fails for lack of sources.
func (f *Fuser) Fuse(mode model.Mode, laneResults []model.LaneResult) model.FusedContext {
	merged := dedupeGlobal(laneResults)

	weights := f.weights[mode]
	if weights == nil {
		weights = f.weights[model.ModeSimple]
	}
	scored := f.scoreAll(merged, laneResults, weights)
	model.SortByFusedScore(scored)

	capped, domainCapApplied := applyDomainCap(scored, f.domainCap)

	citableK := f.citableK
	if citableK > len(capped) {
		citableK = len(capped)
	}
	citable := capped[:citableK]

	disagreements := f.detector.Detect(citable)

	return model.FusedContext{
		Sources:       scored,
		Citable:       citable,
		Disagreements: disagreements,
		Metadata: model.FusionMetadata{
			LanesConsidered:  lanesOf(laneResults),
			TotalBeforeDedup: countTotal(laneResults),
			TotalAfterDedup:  len(merged),
			DomainCapApplied: domainCapApplied,
		},
	}
}

// dedupeGlobal merges SourceRecords sharing a SourceID across lanes,
// preserving the union of contributing lane IDs.
func dedupeGlobal(laneResults []model.LaneResult) []model.SourceRecord {
	byID := make(map[string]*model.SourceRecord)
	order := make([]string, 0)

	for _, lr := range laneResults {
		for _, s := range lr.Sources {
			if existing, ok := byID[s.SourceID]; ok {
				for _, l := range s.LaneIDs {
					existing.AddLane(l)
				}
				continue
			}
			cp := s
			byID[s.SourceID] = &cp
			order = append(order, s.SourceID)
		}
	}

	out := make([]model.SourceRecord, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	return out
}

// scoreAll computes FusedScore as a weighted sum of normalized per-lane rank
// contributions, per spec.md §4.5 step 2.
func (f *Fuser) scoreAll(merged []model.SourceRecord, laneResults []model.LaneResult, weights LaneWeights) []model.SourceRecord {
	rankOf := make(map[model.LaneID]map[string]int)
	sizeOf := make(map[model.LaneID]int)
	for _, lr := range laneResults {
		ranks := make(map[string]int, len(lr.Sources))
		for i, s := range lr.Sources {
			ranks[s.SourceID] = i
		}
		rankOf[lr.LaneID] = ranks
		sizeOf[lr.LaneID] = len(lr.Sources)
	}

	out := make([]model.SourceRecord, len(merged))
	copy(out, merged)

	for i := range out {
		var score float64
		for _, laneID := range out[i].LaneIDs {
			ranks := rankOf[laneID]
			size := sizeOf[laneID]
			if size == 0 {
				continue
			}
			pos, ok := ranks[out[i].SourceID]
			if !ok {
				continue
			}
			normalized := 1.0 - float64(pos)/float64(size)
			w := weights[laneID]
			if w == 0 {
				w = 0.5
			}
			score += normalized * w
		}
		out[i].FusedScore = score
	}
	return out
}

// applyDomainCap keeps at most cap top-ranked results per domain, returning
// the filtered slice and the count of entries it dropped.
func applyDomainCap(sorted []model.SourceRecord, maxPerDomain int) ([]model.SourceRecord, int) {
	if maxPerDomain <= 0 {
		return sorted, 0
	}
	counts := make(map[string]int)
	out := make([]model.SourceRecord, 0, len(sorted))
	dropped := 0
	for _, s := range sorted {
		if counts[s.Domain] >= maxPerDomain {
			dropped++
			continue
		}
		counts[s.Domain]++
		out = append(out, s)
	}
	for i := range out {
		out[i].Rank = i + 1
	}
	return out, dropped
}

func lanesOf(laneResults []model.LaneResult) []model.LaneID {
	out := make([]model.LaneID, 0, len(laneResults))
	for _, lr := range laneResults {
		out = append(out, lr.LaneID)
	}
	return out
}

func countTotal(laneResults []model.LaneResult) int {
	n := 0
	for _, lr := range laneResults {
		n += len(lr.Sources)
	}
	return n
}

// lexicalNegationDetector flags pairs of citable sources whose excerpts
// share a salient keyword but disagree on a simple negation pattern (e.g.
// one contains "is not" where another contains the same clause without
// "not"). This is a coarse heuristic, not an NLI model — see DESIGN.md.
type lexicalNegationDetector struct{}

var negationMarkers = []string{"not ", "no longer ", "isn't ", "doesn't ", "never "}

func (lexicalNegationDetector) Detect(sources []model.SourceRecord) []model.DisagreementNote {
	var notes []model.DisagreementNote
	for i := 0; i < len(sources); i++ {
		for j := i + 1; j < len(sources); j++ {
			a, b := sources[i], sources[j]
			if a.Domain == b.Domain {
				continue
			}
			if hasNegationMismatch(a.Excerpt, b.Excerpt) {
				notes = append(notes, model.DisagreementNote{
					SourceIDA: a.SourceID,
					SourceIDB: b.SourceID,
					Summary:   "sources present conflicting claims; one asserts a negation the other does not",
				})
			}
		}
	}
	return notes
}

func hasNegationMismatch(a, b string) bool {
	la, lb := strings.ToLower(a), strings.ToLower(b)
	aNeg, bNeg := containsAny(la, negationMarkers), containsAny(lb, negationMarkers)
	if aNeg == bNeg {
		return false
	}
	return sharesSignificantWord(la, lb)
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

// sharesSignificantWord is a coarse proxy for "about the same claim": true
// if the two excerpts share at least one word longer than 5 characters.
func sharesSignificantWord(a, b string) bool {
	words := make(map[string]bool)
	for _, w := range strings.Fields(a) {
		if len(w) > 5 {
			words[w] = true
		}
	}
	for _, w := range strings.Fields(b) {
		if len(w) > 5 && words[w] {
			return true
		}
	}
	return false
}
