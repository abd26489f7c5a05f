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

// Package httpapi is the HTTP+SSE transport in front of the orchestrator:
// it decodes and validates the intake request, derives a model.Query, hands
// it to a Runner, and relays the resulting event stream to the client as
// Server-Sent Events.
package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/axonmesh/queryorch/internal/model"
	"github.com/axonmesh/queryorch/internal/sseenc"
)

// Runner executes one query end to end, invoking emit for every event in
// causal order and returning once the terminal done/error event has been
// emitted. internal/orchestrator implements this.
type Runner interface {
	Run(ctx context.Context, q model.Query, emit func(model.Event))
}

// Server wires a Runner to the HTTP surface from spec.md §6.
type Server struct {
	runner      Runner
	apiKeys     map[string]bool
	corsOrigins []string
}

// Option configures a Server.
type Option func(*Server)

// WithAPIKeys restricts POST /v1/query to callers presenting one of these
// keys as a "Bearer <key>" Authorization header. An empty set disables
// auth, which is the default (suitable for a trusted internal deployment).
func WithAPIKeys(keys []string) Option {
	return func(s *Server) {
		for _, k := range keys {
			if k != "" {
				s.apiKeys[k] = true
			}
		}
	}
}

// WithCORSOrigins sets the allowed origins for browser clients. Defaults to
// "*" when unset, matching the teacher's permissive default.
func WithCORSOrigins(origins []string) Option {
	return func(s *Server) {
		s.corsOrigins = origins
	}
}

// NewServer builds a Server around runner.
func NewServer(runner Runner, opts ...Option) *Server {
	s := &Server{runner: runner, apiKeys: map[string]bool{}, corsOrigins: []string{"*"}}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the routed, CORS-wrapped http.Handler for this Server.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/v1/query", s.handleQuery).Methods(http.MethodPost)

	c := cors.New(cors.Options{
		AllowedOrigins:   s.corsOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	})
	return c.Handler(r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "healthy", "service": "queryorch"})
}

// queryRequest is the wire shape of POST /v1/query, per spec.md §6.
type queryRequest struct {
	Query       string            `json:"query"`
	Mode        model.Mode        `json:"mode"`
	Constraints model.Constraints `json:"constraints"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeJSONError(w, http.StatusUnauthorized, "missing or invalid API key")
		return
	}

	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeJSONError(w, http.StatusBadRequest, "query must not be empty")
		return
	}
	if !req.Mode.Valid() {
		writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("unrecognized mode %q", req.Mode))
		return
	}

	q := model.Query{
		ID:             newQueryID(),
		RawText:        req.Query,
		NormalizedText: normalizeQuery(req.Query),
		Mode:           req.Mode,
		Constraints:    req.Constraints,
		TraceID:        traceIDFromRequest(r),
		ReceivedAt:     time.Now(),
	}

	sw, err := sseenc.NewWriter(w)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	s.runner.Run(r.Context(), q, func(ev model.Event) {
		if ev.TraceID == "" {
			ev.TraceID = q.TraceID
		}
		if writeErr := sw.WriteEvent(ev); writeErr != nil {
			log.Printf("httpapi: write event for query %s: %v", q.ID, writeErr)
		}
	})
}

func (s *Server) authorize(r *http.Request) bool {
	if len(s.apiKeys) == 0 {
		return true
	}
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return false
	}
	return s.apiKeys[strings.TrimPrefix(auth, prefix)]
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func traceIDFromRequest(r *http.Request) string {
	if tid := r.Header.Get("X-Trace-Id"); tid != "" {
		return tid
	}
	return newQueryID()
}

func normalizeQuery(raw string) string {
	return strings.ToLower(strings.Join(strings.Fields(raw), " "))
}

func newQueryID() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return fmt.Sprintf("q_%d_%x", time.Now().UnixNano(), b)
}
