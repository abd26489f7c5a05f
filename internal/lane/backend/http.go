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

// Package backend holds the concrete Lane Backend implementations: raw-HTTP
// adapters for web/news/markets providers, a qdrant-backed vector backend,
// and a mongo-backed graph backend.
package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/axonmesh/queryorch/internal/lane"
	"github.com/axonmesh/queryorch/internal/model"
	"github.com/axonmesh/queryorch/internal/retry"
)

// HTTPClient abstracts *http.Client for testability, grounded on the
// teacher's anthropic provider's HTTPClient interface.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// ResultMapper converts one decoded JSON response body into Hits. Each
// concrete HTTP backend supplies its own, since web/news/markets providers
// all shape their responses differently.
type ResultMapper func(body []byte) ([]lane.Hit, error)

// HTTPBackend is a generic raw-HTTP Lane Backend: build a request, send it,
// map the response body to Hits. Grounded on the teacher's anthropic
// Provider, which talks to its upstream via bufio/net/http directly rather
// than a vendored SDK.
type HTTPBackend struct {
	name       string
	client     HTTPClient
	baseURL    string
	apiKey     string
	buildReq   func(baseURL, apiKey, query string, c model.Constraints) (*http.Request, error)
	mapResults ResultMapper
}

// NewHTTPBackend constructs an HTTPBackend. buildReq produces the outbound
// request (query params, headers, auth); mapResults parses the JSON body.
func NewHTTPBackend(name string, client HTTPClient, baseURL, apiKey string,
	buildReq func(baseURL, apiKey, query string, c model.Constraints) (*http.Request, error),
	mapResults ResultMapper,
) *HTTPBackend {
	return &HTTPBackend{name: name, client: client, baseURL: baseURL, apiKey: apiKey, buildReq: buildReq, mapResults: mapResults}
}

func (b *HTTPBackend) Name() string { return b.name }

func (b *HTTPBackend) Search(ctx context.Context, query string, c model.Constraints) ([]lane.Hit, error) {
	req, err := b.buildReq(b.baseURL, b.apiKey, query, c)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", b.name, err)
	}
	req = req.WithContext(ctx)

	resp, err := b.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &retry.APIError{StatusCode: 0, Message: err.Error(), Type: "timeout"}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: read response body: %w", b.name, err)
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, &retry.APIError{StatusCode: resp.StatusCode, Message: fmt.Sprintf("%s: upstream status %d", b.name, resp.StatusCode)}
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%s: upstream status %d", b.name, resp.StatusCode)
	}

	return b.mapResults(body)
}

// --- web (grounded on a generic web-search JSON API shape) ---

type webSearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

type webSearchResponse struct {
	Results []webSearchResult `json:"results"`
}

// NewWebBackend builds an HTTPBackend for a generic web-search provider
// (the provider identity/base URL/key are injected, so one implementation
// serves any Bing-shaped or DuckDuckGo-shaped keyless backend).
func NewWebBackend(name string, client HTTPClient, baseURL, apiKey string) *HTTPBackend {
	return NewHTTPBackend(name, client, baseURL, apiKey, buildWebRequest, mapWebResults)
}

func buildWebRequest(baseURL, apiKey, query string, c model.Constraints) (*http.Request, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("q", query)
	if c.TimeRange != "" && c.TimeRange != model.TimeRangeAny {
		q.Set("freshness", string(c.TimeRange))
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	return req, nil
}

func mapWebResults(body []byte) ([]lane.Hit, error) {
	var parsed webSearchResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode web search response: %w", err)
	}
	out := make([]lane.Hit, 0, len(parsed.Results))
	for _, r := range parsed.Results {
		out = append(out, lane.Hit{
			CanonicalKey: r.URL,
			Title:        r.Title,
			URL:          r.URL,
			Domain:       hostOf(r.URL),
			Excerpt:      r.Snippet,
		})
	}
	return out, nil
}

// --- news ---

type newsArticle struct {
	Title       string    `json:"title"`
	URL         string    `json:"url"`
	Description string    `json:"description"`
	Source      struct{ Name string `json:"name"` } `json:"source"`
	PublishedAt time.Time `json:"publishedAt"`
}

type newsResponse struct {
	Articles []newsArticle `json:"articles"`
}

// NewNewsBackend builds an HTTPBackend for a NewsAPI-shaped provider.
func NewNewsBackend(name string, client HTTPClient, baseURL, apiKey string) *HTTPBackend {
	return NewHTTPBackend(name, client, baseURL, apiKey, buildNewsRequest, mapNewsResults)
}

func buildNewsRequest(baseURL, apiKey, query string, c model.Constraints) (*http.Request, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("q", query)
	q.Set("sortBy", "relevancy")
	u.RawQuery = q.Encode()

	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Api-Key", apiKey)
	return req, nil
}

func mapNewsResults(body []byte) ([]lane.Hit, error) {
	var parsed newsResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode news response: %w", err)
	}
	out := make([]lane.Hit, 0, len(parsed.Articles))
	for _, a := range parsed.Articles {
		out = append(out, lane.Hit{
			CanonicalKey: a.URL,
			Title:        a.Title,
			URL:          a.URL,
			Domain:       a.Source.Name,
			Excerpt:      a.Description,
		})
	}
	return out, nil
}

// --- markets ---

type marketQuote struct {
	Symbol        string  `json:"symbol"`
	Name          string  `json:"name"`
	Price         float64 `json:"price"`
	ChangePercent float64 `json:"change_percent"`
}

type marketsResponse struct {
	Quotes []marketQuote `json:"quotes"`
}

// NewMarketsBackend builds an HTTPBackend for a quote-lookup provider; each
// quote becomes a synthetic Hit summarizing the symbol's current state.
func NewMarketsBackend(name string, client HTTPClient, baseURL, apiKey string) *HTTPBackend {
	return NewHTTPBackend(name, client, baseURL, apiKey, buildMarketsRequest, mapMarketsResults)
}

func buildMarketsRequest(baseURL, apiKey, query string, c model.Constraints) (*http.Request, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("symbols", query)
	q.Set("token", apiKey)
	u.RawQuery = q.Encode()

	return http.NewRequest(http.MethodGet, u.String(), nil)
}

func mapMarketsResults(body []byte) ([]lane.Hit, error) {
	var parsed marketsResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode markets response: %w", err)
	}
	out := make([]lane.Hit, 0, len(parsed.Quotes))
	for _, q := range parsed.Quotes {
		out = append(out, lane.Hit{
			CanonicalKey: "market:" + q.Symbol,
			Title:        fmt.Sprintf("%s (%s)", q.Name, q.Symbol),
			URL:          "",
			Domain:       "markets",
			Excerpt:      fmt.Sprintf("price %.2f, change %.2f%%", q.Price, q.ChangePercent),
			Score:        1.0,
			Scored:       true,
		})
	}
	return out, nil
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
