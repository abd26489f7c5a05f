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

// Package lane executes a single retrieval lane against its provider chain,
// canonicalizing hits into SourceRecords and honoring the per-lane and
// per-provider deadlines derived from the Budget.
package lane

import (
	"context"

	"github.com/axonmesh/queryorch/internal/model"
)

// Hit is a single raw result returned by a Backend before canonicalization.
type Hit struct {
	CanonicalKey string // URL or document key used to derive SourceID
	Title        string
	URL          string
	Domain       string
	Excerpt      string
	Score        float64 // 0 if the backend does not score; position is used instead
	Scored       bool
	Language     string
}

// Backend is the narrow, read-only capability every retrieval provider
// implements. Grounded on the teacher's connectors/base.Connector, narrowed
// to the single Search operation the Lane Executor needs — no Connect/
// Disconnect/Execute surface, since lanes never mutate backend state.
type Backend interface {
	// Name returns the provider's registry ID (must match the ID used to
	// register it, so retry/health feedback routes to the right entry).
	Name() string
	// Search performs one retrieval attempt bound by ctx's deadline.
	Search(ctx context.Context, query string, constraints model.Constraints) ([]Hit, error)
}
