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

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/axonmesh/queryorch/internal/lane"
	"github.com/axonmesh/queryorch/internal/model"
)

// GraphBackend is a Lane Backend over a MongoDB collection storing entity/
// relationship documents, grounded on the teacher's MongoDBConnector (same
// driver, same context-scoped Find/aggregate style) narrowed to read-only
// text search over a single collection.
type GraphBackend struct {
	name       string
	collection *mongo.Collection
	limit      int64
}

// NewGraphBackend constructs a GraphBackend over an already-connected
// mongo.Collection expected to have a text index on "title"/"summary".
func NewGraphBackend(name string, collection *mongo.Collection, limit int64) *GraphBackend {
	if limit == 0 {
		limit = 20
	}
	return &GraphBackend{name: name, collection: collection, limit: limit}
}

func (g *GraphBackend) Name() string { return g.name }

func (g *GraphBackend) Search(ctx context.Context, query string, c model.Constraints) ([]lane.Hit, error) {
	filter := bson.M{"$text": bson.M{"$search": query}}
	opts := options.Find().
		SetProjection(bson.M{"score": bson.M{"$meta": "textScore"}}).
		SetSort(bson.M{"score": bson.M{"$meta": "textScore"}}).
		SetLimit(g.limit)

	cursor, err := g.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("%s: find: %w", g.name, err)
	}
	defer cursor.Close(ctx)

	var docs []graphDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("%s: decode cursor: %w", g.name, err)
	}

	out := make([]lane.Hit, 0, len(docs))
	for _, d := range docs {
		canonical := d.CanonicalKey
		if canonical == "" {
			canonical = d.ID.Hex()
		}
		out = append(out, lane.Hit{
			CanonicalKey: canonical,
			Title:        d.Title,
			URL:          d.URL,
			Domain:       "graph",
			Excerpt:      d.Summary,
			Score:        d.Score,
			Scored:       d.Score > 0,
		})
	}
	return out, nil
}

type graphDoc struct {
	ID           primitive.ObjectID `bson:"_id"`
	CanonicalKey string             `bson:"canonical_key"`
	Title        string             `bson:"title"`
	URL          string             `bson:"url"`
	Summary      string             `bson:"summary"`
	Score        float64            `bson:"score"`
}
