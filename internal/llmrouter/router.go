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

// Package llmrouter selects an ordered LLM provider chain for synthesis,
// applying mode-dependent tier rules over healthy providers in the registry.
package llmrouter

import (
	"context"
	"fmt"

	"github.com/pkoukk/tiktoken-go"

	"github.com/axonmesh/queryorch/internal/model"
)

// Tier is a named quality/cost bracket a model class belongs to.
type Tier string

const (
	TierStandard Tier = "standard"
	TierCode     Tier = "code"
	TierPremium  Tier = "premium"
)

// ClassTier maps a model class (ProviderHandle.ModelClass) to its tier.
// Configured at the composition root; never hard-coded provider names here.
type ClassTier map[string]Tier

// ChainSource is the narrow slice of *registry.Registry the router needs.
type ChainSource interface {
	LLMChain(class string) []model.ProviderHandle
}

// Router selects a model chain per spec.md §4.6's mode-dependent rules.
type Router struct {
	registry ChainSource
	tiers    ClassTier
	encoding *tiktoken.Tiktoken
}

// Option configures a Router.
type Option func(*Router)

// WithTiers overrides the default (empty) class→tier map.
func WithTiers(t ClassTier) Option {
	return func(r *Router) { r.tiers = t }
}

// WithEncoding overrides the tiktoken encoding used for footprint estimation.
func WithEncoding(enc *tiktoken.Tiktoken) Option {
	return func(r *Router) { r.encoding = enc }
}

// New constructs a Router. If no encoding is supplied, CL100K_BASE is loaded;
// a load failure leaves the router with a nil encoding and EstimateTokens
// falls back to a byte-length heuristic.
func New(registry ChainSource, opts ...Option) *Router {
	r := &Router{registry: registry, tiers: ClassTier{}}
	for _, opt := range opts {
		opt(r)
	}
	if r.encoding == nil {
		if enc, err := tiktoken.GetEncoding(tiktoken.MODEL_CL100K_BASE); err == nil {
			r.encoding = enc
		}
	}
	return r
}

// EstimateTokens returns the tiktoken-encoded length of text, falling back
// to a 4-bytes-per-token heuristic if no encoding loaded.
func (r *Router) EstimateTokens(text string) int {
	if r.encoding == nil {
		return (len(text) + 3) / 4
	}
	return len(r.encoding.Encode(text, nil, nil))
}

func (r *Router) tierOf(h model.ProviderHandle) Tier {
	if t, ok := r.tiers[h.ModelClass]; ok {
		return t
	}
	return TierStandard
}

func usable(h model.ProviderHandle) bool {
	return h.Health != model.HealthDown
}

func withinCeiling(h model.ProviderHandle, ceiling model.CostCeiling) bool {
	switch ceiling {
	case model.CostCeilingFreeOnly:
		return h.CostClass == model.CostClassFree
	case model.CostCeilingLow:
		return h.CostClass == model.CostClassFree || h.CostClass == model.CostClassLow
	case model.CostCeilingStandard:
		return h.CostClass != model.CostClassPremium
	case model.CostCeilingUnlimited, "":
		return true
	default:
		return true
	}
}

// acceptableTiers returns, in preference order, the tiers spec.md §4.6
// permits for mode, each as a fallback of the last.
func acceptableTiers(mode model.Mode) []Tier {
	switch mode {
	case model.ModeTechnical:
		return []Tier{TierCode, TierStandard}
	case model.ModeResearch, model.ModeMultimedia:
		return []Tier{TierPremium, TierStandard}
	default:
		return []Tier{TierStandard}
	}
}

// Select returns an ordered provider chain for class, honoring mode's tier
// preference and constraints.CostCeiling, dropping providers whose health is
// down (degraded providers remain eligible).
// Returns a NoModelAvailable OrchestratorError if every acceptable tier is
// empty of usable providers.
func (r *Router) Select(ctx context.Context, mode model.Mode, class string, ceiling model.CostCeiling) ([]model.ProviderHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	candidates := r.registry.LLMChain(class)

	for _, tier := range acceptableTiers(mode) {
		var chain []model.ProviderHandle
		for _, h := range candidates {
			if r.tierOf(h) != tier {
				continue
			}
			if !usable(h) || !withinCeiling(h, ceiling) {
				continue
			}
			chain = append(chain, h)
		}
		if len(chain) > 0 {
			return chain, nil
		}
	}

	return nil, model.NewOrchestratorError(model.ErrKindNoModelAvailable,
		fmt.Sprintf("no healthy model within cost ceiling for mode %q, class %q", mode, class), nil)
}
