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
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every Prometheus collector the orchestrator records to.
// Unlike the teacher's package-level var block registered against the
// default registry in an init(), every collector here is constructed and
// registered against an explicit *prometheus.Registry the composition root
// owns — so tests and multiple in-process instances never collide on the
// default global registry.
type Metrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	laneCalls       *prometheus.CounterVec
	modelCalls      *prometheus.CounterVec
	cacheLookups    *prometheus.CounterVec
	firstTokenMs    prometheus.Histogram
}

// NewMetrics constructs and registers every collector against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "queryorch_requests_total",
			Help: "Total number of queries processed by the orchestrator.",
		}, []string{"mode", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "queryorch_request_duration_milliseconds",
			Help:    "End-to-end query duration in milliseconds.",
			Buckets: []float64{50, 100, 250, 500, 1000, 2000, 4000, 8000, 16000},
		}, []string{"mode"}),
		laneCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "queryorch_lane_calls_total",
			Help: "Total number of lane executions by lane and terminal status.",
		}, []string{"lane", "status"}),
		modelCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "queryorch_model_calls_total",
			Help: "Total number of LLM synthesis calls by model and outcome.",
		}, []string{"model", "outcome"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "queryorch_cache_lookups_total",
			Help: "Total Response Cache lookups by outcome (hit, miss, coalesced).",
		}, []string{"outcome"}),
		firstTokenMs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "queryorch_first_token_milliseconds",
			Help:    "Time to first synthesized token in milliseconds.",
			Buckets: []float64{100, 250, 500, 750, 1000, 1500, 2500, 5000},
		}),
	}
	reg.MustRegister(m.requestsTotal, m.requestDuration, m.laneCalls, m.modelCalls, m.cacheLookups, m.firstTokenMs)
	return m
}

// RecordRequest records a completed query's mode, outcome status, and total
// elapsed time.
func (m *Metrics) RecordRequest(mode, status string, elapsedMs int64) {
	m.requestsTotal.WithLabelValues(mode, status).Inc()
	m.requestDuration.WithLabelValues(mode).Observe(float64(elapsedMs))
}

// RecordLane records one lane execution's terminal status.
func (m *Metrics) RecordLane(lane, status string) {
	m.laneCalls.WithLabelValues(lane, status).Inc()
}

// RecordModelCall records one synthesis attempt's outcome (done, retry_next,
// error) against the model that was attempted.
func (m *Metrics) RecordModelCall(model, outcome string) {
	m.modelCalls.WithLabelValues(model, outcome).Inc()
}

// RecordCacheLookup records a Response Cache outcome: "hit", "miss", or
// "coalesced".
func (m *Metrics) RecordCacheLookup(outcome string) {
	m.cacheLookups.WithLabelValues(outcome).Inc()
}

// RecordFirstToken records the observed first-token latency in milliseconds.
func (m *Metrics) RecordFirstToken(ms int64) {
	m.firstTokenMs.Observe(float64(ms))
}
