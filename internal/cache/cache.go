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

// Package cache implements the content-addressed Response Cache: fingerprint
// derivation, a Redis-backed envelope store, and singleflight coalescing of
// concurrent identical-fingerprint requests.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"golang.org/x/sync/singleflight"

	"github.com/axonmesh/queryorch/internal/model"
)

// Fingerprint derives the content-addressed cache key from the fields that
// change retrieval/synthesis behavior: normalized query text, mode, the
// model class the router would pick, and the constraint signature.
func Fingerprint(normalizedQuery string, mode model.Mode, modelClass string, constraints model.Constraints) string {
	h := sha256.New()
	h.Write([]byte(strings.ToLower(strings.TrimSpace(normalizedQuery))))
	h.Write([]byte{0})
	h.Write([]byte(mode))
	h.Write([]byte{0})
	h.Write([]byte(modelClass))
	h.Write([]byte{0})
	h.Write([]byte(constraints.Signature()))
	return hex.EncodeToString(h.Sum(nil))
}

// TTLByMode maps a query mode to how long a cached envelope remains fresh.
// Time-sensitive modes (research, multimedia — news/markets-heavy) get a
// shorter TTL than simple/technical lookups.
type TTLByMode map[model.Mode]time.Duration

// DefaultTTLByMode mirrors spec.md §6's cache.ttl_by_mode defaults.
var DefaultTTLByMode = TTLByMode{
	model.ModeSimple:     10 * time.Minute,
	model.ModeTechnical:  10 * time.Minute,
	model.ModeResearch:   3 * time.Minute,
	model.ModeMultimedia: 2 * time.Minute,
}

func (t TTLByMode) ttlFor(mode model.Mode) time.Duration {
	if d, ok := t[mode]; ok {
		return d
	}
	return 5 * time.Minute
}

// Entry is the cached, replayable AnswerEnvelope body.
type Entry struct {
	FusedSummary model.FusedContextSummary `json:"fused_summary"`
	AnswerText   string                    `json:"answer_text"`
	Citations    []model.Citation          `json:"citations"`
	ModelUsed    string                    `json:"model_used"`
	CachedAt     time.Time                 `json:"cached_at"`
}

// Loader produces a fresh Entry on a cache miss. The lane/fusion/synthesis
// pipeline is only ever invoked through this function, once per fingerprint,
// regardless of how many concurrent callers requested it.
type Loader func(ctx context.Context) (Entry, error)

// Cache is the content-addressed Response Cache (spec.md §4.9). It is safe
// for concurrent use.
type Cache struct {
	client *redis.Client
	ttl    TTLByMode
	sf     singleflight.Group
	prefix string
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTLByMode overrides the default per-mode TTL table.
func WithTTLByMode(ttl TTLByMode) Option {
	return func(c *Cache) { c.ttl = ttl }
}

// WithKeyPrefix namespaces every Redis key this Cache writes, for sharing a
// Redis instance across environments or deployments.
func WithKeyPrefix(prefix string) Option {
	return func(c *Cache) { c.prefix = prefix }
}

// New constructs a Cache over an existing Redis client. client is never
// closed by Cache; the composition root owns its lifecycle.
func New(client *redis.Client, opts ...Option) *Cache {
	c := &Cache{client: client, ttl: DefaultTTLByMode, prefix: "queryorch:answer:"}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Result reports whether Get served a cached entry and whether the Loader
// result was shared among concurrent callers for the same fingerprint.
// Coalesced is true for every caller that shared it, including the one whose
// Loader ran (spec.md's Coalesced telemetry field).
type Result struct {
	Entry     Entry
	Hit       bool
	Coalesced bool
}

// Get returns the cached entry for fingerprint if present and unexpired;
// otherwise it calls load exactly once per fingerprint even under concurrent
// callers, stores the result at mode's TTL, and returns it to every waiter.
// A Loader error is never cached and is returned to every coalesced caller.
func (c *Cache) Get(ctx context.Context, fingerprint string, mode model.Mode, load Loader) (Result, error) {
	key := c.prefix + fingerprint

	if raw, err := c.client.Get(ctx, key).Result(); err == nil {
		var entry Entry
		if jsonErr := json.Unmarshal([]byte(raw), &entry); jsonErr == nil {
			return Result{Entry: entry, Hit: true}, nil
		}
		// Corrupt cache value: fall through and reload rather than fail the request.
	} else if !errors.Is(err, redis.Nil) {
		// Redis unavailable: degrade to a live load rather than failing the query.
	}

	v, err, shared := c.sf.Do(key, func() (interface{}, error) {
		entry, loadErr := load(ctx)
		if loadErr != nil {
			return nil, loadErr
		}
		entry.CachedAt = time.Now()
		if raw, marshalErr := json.Marshal(entry); marshalErr == nil {
			_ = c.client.Set(ctx, key, raw, c.ttl.ttlFor(mode)).Err()
		}
		return entry, nil
	})
	if err != nil {
		return Result{}, err
	}
	return Result{Entry: v.(Entry), Coalesced: shared}, nil
}

// Invalidate removes a fingerprint's cached entry, if any.
func (c *Cache) Invalidate(ctx context.Context, fingerprint string) error {
	return c.client.Del(ctx, c.prefix+fingerprint).Err()
}
