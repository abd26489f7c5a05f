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

package backend

import (
	"context"
	"fmt"

	"github.com/qdrant/go-client/qdrant"

	"github.com/axonmesh/queryorch/internal/lane"
	"github.com/axonmesh/queryorch/internal/model"
)

// Embedder turns query text into a dense vector. Swappable so tests never
// need a live embedding model.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// VectorBackend is a Lane Backend over a Qdrant collection, grounded on the
// query-points pattern in the vector-store example (buildQueryPoints /
// client.Query / payload decoding), narrowed to pure retrieval.
type VectorBackend struct {
	name           string
	client         *qdrant.Client
	collectionName string
	embedder       Embedder
	topK           uint64
}

// NewVectorBackend constructs a VectorBackend against an already-connected
// qdrant.Client and collection.
func NewVectorBackend(name string, client *qdrant.Client, collectionName string, embedder Embedder, topK uint64) *VectorBackend {
	if topK == 0 {
		topK = 20
	}
	return &VectorBackend{name: name, client: client, collectionName: collectionName, embedder: embedder, topK: topK}
}

func (v *VectorBackend) Name() string { return v.name }

func (v *VectorBackend) Search(ctx context.Context, query string, c model.Constraints) ([]lane.Hit, error) {
	vector, err := v.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%s: embed query: %w", v.name, err)
	}

	points, err := v.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: v.collectionName,
		Query:          qdrant.NewQuery(vector...),
		Limit:          &v.topK,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("%s: query collection %s: %w", v.name, v.collectionName, err)
	}

	out := make([]lane.Hit, 0, len(points))
	for _, p := range points {
		payload := p.GetPayload()
		title, _ := stringField(payload, "title")
		url, _ := stringField(payload, "url")
		excerpt, _ := stringField(payload, "content")
		canonical := url
		if canonical == "" {
			canonical = p.GetId().GetUuid()
		}
		out = append(out, lane.Hit{
			CanonicalKey: canonical,
			Title:        title,
			URL:          url,
			Domain:       hostOf(url),
			Excerpt:      excerpt,
			Score:        float64(p.GetScore()),
			Scored:       true,
		})
	}
	return out, nil
}

func stringField(payload map[string]*qdrant.Value, key string) (string, bool) {
	v, ok := payload[key]
	if !ok || v == nil {
		return "", false
	}
	return v.GetStringValue(), true
}
