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

// EventKind identifies the kind of AnswerEnvelope event.
type EventKind string

const (
	EventLaneUpdate       EventKind = "lane_update"
	EventSourcesFinalized EventKind = "sources_finalized"
	EventToken            EventKind = "token"
	EventDisagreement     EventKind = "disagreement"
	EventFallbackNotice   EventKind = "fallback_notice"
	EventDone             EventKind = "done"
	EventError            EventKind = "error"
)

// Event is one entry in the AnswerEnvelope stream. Exactly the fields
// relevant to Kind are populated; the rest are zero values.
type Event struct {
	Seq     int64
	Kind    EventKind
	TraceID string

	// EventLaneUpdate
	Lane *LaneResult

	// EventSourcesFinalized
	Sources *FusedContextSummary

	// EventToken
	Token          string
	TokenCitations []Citation

	// EventDisagreement
	Disagreement *DisagreementNote

	// EventFallbackNotice
	FallbackLane LaneID
	FallbackFrom string
	FallbackTo   string
	FallbackWhy  string

	// EventDone
	Done *FinalMetrics

	// EventError
	ErrorKind    ErrorKind
	ErrorMessage string
}

// FusedContextSummary is the wire-shaped summary of a FusedContext emitted
// in a sources_finalized event: the citable bibliography plus a residual
// tail count.
type FusedContextSummary struct {
	Citable      []SourceRecord
	ResidualTail int
	FromCache    bool
}

// FinalMetrics is attached to the terminal done event.
type FinalMetrics struct {
	Truncated     bool
	FromCache     bool
	Coalesced     bool
	FirstTokenMs  int64
	TotalElapsed  int64
	ModelUsed     string
	LaneSummaries []LaneTelemetry
}

// LaneTelemetry is the per-lane telemetry record from spec.md §6.
type LaneTelemetry struct {
	LaneID              LaneID
	ProviderChainTraversed []string
	KeyedFallback       bool
	Status              LaneStatus
	ElapsedMs           int64
	BudgetMs            int64
	SourceCount         int
}

// TelemetryRecord is the full per-request record emitted to the telemetry
// sink at the end of a request, per spec.md §6.
type TelemetryRecord struct {
	QueryID        string
	Mode           Mode
	TotalBudgetMs  int64
	PhaseElapsedMs map[string]int64
	Lanes          []LaneTelemetry
	Model          ModelTelemetry
	Cache          CacheTelemetry
}

// ModelTelemetry captures the model-router/synthesis outcome.
type ModelTelemetry struct {
	ChainTraversed []string
	FinalModel     string
	FirstTokenMs   int64
	Truncated      bool
}

// CacheTelemetry captures the response-cache outcome.
type CacheTelemetry struct {
	Hit       bool
	Coalesced bool
}

// ErrorKind is the user-visible error taxonomy from spec.md §7.
type ErrorKind string

const (
	ErrKindValidation         ErrorKind = "ValidationError"
	ErrKindBudgetExceeded     ErrorKind = "BudgetExceeded"
	ErrKindLaneTimeout        ErrorKind = "LaneTimeout"
	ErrKindLaneError          ErrorKind = "LaneError"
	ErrKindProviderRateLimited ErrorKind = "ProviderRateLimited"
	ErrKindProviderUnavailable ErrorKind = "ProviderUnavailable"
	ErrKindNoModelAvailable   ErrorKind = "NoModelAvailable"
	ErrKindModelError         ErrorKind = "ModelError"
	ErrKindCancelled          ErrorKind = "Cancelled"
)

// OrchestratorError is the one error type allowed to cross component
// boundaries as a Go error value (see spec.md §7 propagation policy).
// Everywhere else, failure is represented as a status field on a result
// struct (LaneResult.Status, Router selection failure, etc.), never as a
// panic or a returned error that unwinds the request.
type OrchestratorError struct {
	Kind      ErrorKind
	Message   string
	Retryable bool
	Cause     error
}

func (e *OrchestratorError) Error() string {
	if e.Cause != nil {
		return string(e.Kind) + ": " + e.Message + ": " + e.Cause.Error()
	}
	return string(e.Kind) + ": " + e.Message
}

func (e *OrchestratorError) Unwrap() error { return e.Cause }

// NewOrchestratorError constructs an OrchestratorError.
func NewOrchestratorError(kind ErrorKind, message string, cause error) *OrchestratorError {
	return &OrchestratorError{Kind: kind, Message: message, Cause: cause}
}
