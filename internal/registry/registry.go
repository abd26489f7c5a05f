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

// Package registry holds typed handles to every retrieval backend and LLM
// provider, tracks health and rate-limit state, and yields ordered fallback
// chains per lane or LLM class. It never blocks a caller on a health probe:
// probes run on a background ticker and callers read the cached snapshot.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/axonmesh/queryorch/internal/model"
	"github.com/axonmesh/queryorch/internal/retry"
)

// DefaultCooldown is the health cool-down window applied after a retryable
// failure, per spec.md §4.2 ("default 30s").
const DefaultCooldown = 30 * time.Second

// DefaultBreakerThreshold is the number of consecutive retryable failures a
// provider tolerates before its circuit opens for the cool-down window. 1,
// not the textbook 3-5, because spec.md §4.2 degrades on the very first
// retryable failure ("registry is notified and the provider's health is
// degraded for a cool-down window") — the breaker's value here is the
// half-open probe on cool-down expiry, not failure tolerance.
const DefaultBreakerThreshold = 1

// entry is the registry's internal bookkeeping for one provider. Degradation
// is delegated entirely to a CircuitBreaker: Open/HalfOpen maps onto the
// cool-down window spec.md §4.2 describes, HalfOpen's single-probe semantics
// giving a recovered provider a chance to clear before the full window elapses.
type entry struct {
	handle  model.ProviderHandle
	lane    model.LaneID // zero value for LLM entries
	breaker *retry.CircuitBreaker
}

// Prober is implemented by anything the Registry can background-health-check.
// It is supplied at registration; a provider registered with a nil Prober is
// never probed.
type Prober interface {
	Probe(ctx context.Context) (model.Health, error)
}

// Registry manages provider handles with health/rate-limit state and yields
// ordered fallback chains. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	byLane   map[model.LaneID][]*entry
	byClass  map[string][]*entry // LLM model-class -> chain
	probers  map[string]Prober   // provider ID -> prober, optional

	cooldown time.Duration

	cancelProbe context.CancelFunc
}

// Option configures a Registry at construction.
type Option func(*Registry)

// WithCooldown overrides the default health cool-down window.
func WithCooldown(d time.Duration) Option {
	return func(r *Registry) { r.cooldown = d }
}

// New creates an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		byLane:   make(map[model.LaneID][]*entry),
		byClass:  make(map[string][]*entry),
		probers:  make(map[string]Prober),
		cooldown: DefaultCooldown,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterLaneProvider adds a provider to the ordered chain for a lane. Order
// of registration is the preference order: call this with the keyed/primary
// provider first, keyless fallbacks after.
func (r *Registry) RegisterLaneProvider(lane model.LaneID, h model.ProviderHandle, prober Prober) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byLane[lane] = append(r.byLane[lane], &entry{handle: h, lane: lane, breaker: retry.NewCircuitBreaker(DefaultBreakerThreshold, r.cooldown)})
	if prober != nil {
		r.probers[h.ID] = prober
	}
}

// RegisterLLMProvider adds a provider to the ordered chain for an LLM
// model-class (e.g. "standard", "premium", "refine").
func (r *Registry) RegisterLLMProvider(class string, h model.ProviderHandle, prober Prober) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byClass[class] = append(r.byClass[class], &entry{handle: h, breaker: retry.NewCircuitBreaker(DefaultBreakerThreshold, r.cooldown)})
	if prober != nil {
		r.probers[h.ID] = prober
	}
}

// Chain returns the ordered provider chain for a lane (empty if none is
// registered): the
// preferred (typically keyed) provider first, fallbacks (including keyless
// public providers) after. Unhealthy/rate-limited providers are not removed
// from the returned chain — callers (the Lane Executor) still see them so
// degradation can be reported — but IsUsable reports whether an entry should
// currently be attempted.
func (r *Registry) Chain(lane model.LaneID) []model.ProviderHandle {
	// Lock, not RLock: snapshot may advance a breaker Open->HalfOpen.
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := r.byLane[lane]
	out := make([]model.ProviderHandle, len(entries))
	for i, e := range entries {
		out[i] = r.snapshot(e)
	}
	return out
}

// LLMChain returns the ordered provider chain for an LLM model-class.
func (r *Registry) LLMChain(class string) []model.ProviderHandle {
	// Lock, not RLock: snapshot may advance a breaker Open->HalfOpen.
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := r.byClass[class]
	out := make([]model.ProviderHandle, len(entries))
	for i, e := range entries {
		out[i] = r.snapshot(e)
	}
	return out
}

// snapshot must be called with r.mu held for write: CircuitBreaker.Allow can
// advance Open->HalfOpen as a side effect.
func (r *Registry) snapshot(e *entry) model.ProviderHandle {
	h := e.handle
	if e.breaker != nil && !e.breaker.Allow() {
		h.Health = model.HealthDegraded
	}
	return h
}

// IsUsable reports whether a provider handle should currently be attempted:
// not down, and not within its cool-down window.
func IsUsable(h model.ProviderHandle) bool {
	return h.Health != model.HealthDown && h.Health != model.HealthDegraded
}

// NotifyRetryableFailure degrades a provider's health for the cool-down
// window after a retryable failure, per spec.md §4.2.
func (r *Registry) NotifyRetryableFailure(providerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, bucket := range r.byLane {
		for _, e := range bucket {
			if e.handle.ID == providerID && e.breaker != nil {
				e.breaker.RecordFailure()
			}
		}
	}
	for _, bucket := range r.byClass {
		for _, e := range bucket {
			if e.handle.ID == providerID && e.breaker != nil {
				e.breaker.RecordFailure()
			}
		}
	}
}

// NotifySuccess clears a provider's degraded state immediately, so a
// recovered provider doesn't have to wait out the rest of its cool-down.
func (r *Registry) NotifySuccess(providerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, bucket := range r.byLane {
		for _, e := range bucket {
			if e.handle.ID == providerID && e.breaker != nil {
				e.breaker.RecordSuccess()
			}
		}
	}
	for _, bucket := range r.byClass {
		for _, e := range bucket {
			if e.handle.ID == providerID && e.breaker != nil {
				e.breaker.RecordSuccess()
			}
		}
	}
}

// SetHealth forcibly sets a provider's health, bypassing the cool-down
// machinery. Used by tests and by the periodic background prober.
func (r *Registry) SetHealth(providerID string, h model.Health) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, bucket := range r.byLane {
		for _, e := range bucket {
			if e.handle.ID == providerID {
				e.handle.Health = h
			}
		}
	}
	for _, bucket := range r.byClass {
		for _, e := range bucket {
			if e.handle.ID == providerID {
				e.handle.Health = h
			}
		}
	}
}

// StartBackgroundProbes launches a goroutine that periodically calls Probe
// on every registered Prober and updates health accordingly. The orchestrator
// never blocks on this; it only reads the cached snapshot via Chain/LLMChain.
func (r *Registry) StartBackgroundProbes(ctx context.Context, interval time.Duration) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancelProbe = cancel

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.probeOnce(ctx)
			}
		}
	}()
}

func (r *Registry) probeOnce(ctx context.Context) {
	r.mu.RLock()
	probers := make(map[string]Prober, len(r.probers))
	for id, p := range r.probers {
		probers[id] = p
	}
	r.mu.RUnlock()

	for id, p := range probers {
		probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		health, err := p.Probe(probeCtx)
		cancel()
		if err != nil {
			health = model.HealthDown
		}
		r.SetHealth(id, health)
	}
}

// Stop cancels the background probe loop, if running.
func (r *Registry) Stop() {
	if r.cancelProbe != nil {
		r.cancelProbe()
	}
}

// Lanes returns the set of lane IDs with at least one registered provider,
// sorted for deterministic iteration.
func (r *Registry) Lanes() []model.LaneID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	lanes := make([]model.LaneID, 0, len(r.byLane))
	for l := range r.byLane {
		lanes = append(lanes, l)
	}
	sort.Slice(lanes, func(i, j int) bool { return lanes[i] < lanes[j] })
	return lanes
}
