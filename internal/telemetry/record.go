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

package telemetry

import (
	"github.com/axonmesh/queryorch/internal/model"
)

// Sink accepts end-of-request TelemetryRecords (spec.md §6) off the request
// path: Record never blocks the caller, and a full buffer drops the incoming
// record rather than applying backpressure to query handling.
type Sink struct {
	logger  *Logger
	metrics *Metrics
	records chan model.TelemetryRecord
	done    chan struct{}
}

// NewSink starts a Sink with the given buffer depth, draining into logger
// (as structured JSON) and metrics (as Prometheus observations).
func NewSink(logger *Logger, metrics *Metrics, bufferSize int) *Sink {
	s := &Sink{
		logger:  logger,
		metrics: metrics,
		records: make(chan model.TelemetryRecord, bufferSize),
		done:    make(chan struct{}),
	}
	go s.run()
	return s
}

// Record enqueues rec for asynchronous processing. If the buffer is full,
// rec is dropped and logged as a warning rather than blocking the request.
func (s *Sink) Record(rec model.TelemetryRecord) {
	select {
	case s.records <- rec:
	default:
		s.logger.Warn(rec.QueryID, rec.QueryID, "telemetry sink buffer full, dropping record", map[string]interface{}{
			"mode": string(rec.Mode),
		})
	}
}

// Close stops the background drain goroutine after flushing pending records.
func (s *Sink) Close() {
	close(s.records)
	<-s.done
}

func (s *Sink) run() {
	defer close(s.done)
	for rec := range s.records {
		s.process(rec)
	}
}

func (s *Sink) process(rec model.TelemetryRecord) {
	status := "ok"
	for _, lane := range rec.Lanes {
		s.metrics.RecordLane(string(lane.LaneID), string(lane.Status))
		if lane.Status == model.LaneStatusError || lane.Status == model.LaneStatusTimeout {
			status = "degraded"
		}
	}
	for _, modelName := range rec.Model.ChainTraversed {
		outcome := "retry_next"
		if modelName == rec.Model.FinalModel {
			outcome = "done"
		}
		s.metrics.RecordModelCall(modelName, outcome)
	}
	if rec.Model.FinalModel == "" && len(rec.Model.ChainTraversed) > 0 {
		status = "error"
	}
	s.metrics.RecordFirstToken(rec.Model.FirstTokenMs)

	cacheOutcome := "miss"
	if rec.Cache.Hit {
		cacheOutcome = "hit"
	}
	if rec.Cache.Coalesced {
		cacheOutcome = "coalesced"
	}
	s.metrics.RecordCacheLookup(cacheOutcome)

	s.metrics.RecordRequest(string(rec.Mode), status, rec.TotalBudgetMs)

	fields := map[string]interface{}{
		"mode":            string(rec.Mode),
		"total_budget_ms": rec.TotalBudgetMs,
		"phase_elapsed":   rec.PhaseElapsedMs,
		"final_model":     rec.Model.FinalModel,
		"truncated":       rec.Model.Truncated,
		"cache_hit":       rec.Cache.Hit,
		"cache_coalesced": rec.Cache.Coalesced,
	}
	s.logger.Info(rec.QueryID, rec.QueryID, "query completed", fields)
}
