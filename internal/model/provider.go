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

package model

// ProviderKind identifies the category of backend a ProviderHandle serves.
type ProviderKind string

const (
	ProviderKindWeb     ProviderKind = "web"
	ProviderKindLexical ProviderKind = "lexical"
	ProviderKindGraph   ProviderKind = "graph"
	ProviderKindVector  ProviderKind = "vector"
	ProviderKindNews    ProviderKind = "news"
	ProviderKindMarkets ProviderKind = "markets"
	ProviderKindLLM     ProviderKind = "llm"
)

// LaneID identifies one of the five retrieval lanes.
type LaneID string

const (
	LaneWeb     LaneID = "web"
	LaneVector  LaneID = "vector"
	LaneGraph   LaneID = "graph"
	LaneNews    LaneID = "news"
	LaneMarkets LaneID = "markets"
)

// Health is the provider health state tracked by the Registry.
type Health string

const (
	HealthHealthy  Health = "healthy"
	HealthDegraded Health = "degraded"
	HealthDown     Health = "down"
)

// CostClass is the relative cost tier of a provider.
type CostClass string

const (
	CostClassFree     CostClass = "free"
	CostClassLow      CostClass = "low"
	CostClassStandard CostClass = "standard"
	CostClassPremium  CostClass = "premium"
)

// RateLimitState snapshots a provider's current rate-limit posture.
type RateLimitState struct {
	Limited       bool
	RetryAfterSec int
}

// ProviderHandle is a typed, immutable-by-convention handle to a retrieval
// backend or LLM provider, as held by the Provider Registry.
type ProviderHandle struct {
	ID            string
	Kind          ProviderKind
	Keyed         bool
	Health        Health
	RateLimit     RateLimitState
	CostClass     CostClass
	ModelClass    string // only meaningful for ProviderKindLLM
}

// LaneSpec describes a single retrieval lane and the provider chain it will
// traverse.
type LaneSpec struct {
	LaneID        LaneID
	ProviderChain []ProviderHandle
	PerLaneMs     int
	Required      bool
}
