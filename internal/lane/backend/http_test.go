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
	"bytes"
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/axonmesh/queryorch/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHTTPClient struct {
	status int
	body   string
	err    error
}

func (f fakeHTTPClient) Do(req *http.Request) (*http.Response, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &http.Response{
		StatusCode: f.status,
		Body:       io.NopCloser(bytes.NewBufferString(f.body)),
	}, nil
}

func TestWebBackendMapsResults(t *testing.T) {
	client := fakeHTTPClient{status: 200, body: `{"results":[{"title":"Go","url":"https://go.dev","snippet":"lang"}]}`}
	b := NewWebBackend("bing", client, "https://search.example/v1", "key")

	hits, err := b.Search(context.Background(), "golang", model.Constraints{})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "go.dev", hits[0].Domain)
}

func TestHTTPBackendReturnsRetryableErrorOn429(t *testing.T) {
	client := fakeHTTPClient{status: 429, body: ""}
	b := NewWebBackend("bing", client, "https://search.example/v1", "key")

	_, err := b.Search(context.Background(), "golang", model.Constraints{})
	require.Error(t, err)
	type retryable interface{ IsRetryable() bool }
	re, ok := err.(retryable)
	require.True(t, ok)
	assert.True(t, re.IsRetryable())
}

func TestHTTPBackendReturnsNonRetryableOn400(t *testing.T) {
	client := fakeHTTPClient{status: 400, body: ""}
	b := NewWebBackend("bing", client, "https://search.example/v1", "key")

	_, err := b.Search(context.Background(), "golang", model.Constraints{})
	require.Error(t, err)
	type retryable interface{ IsRetryable() bool }
	_, ok := err.(retryable)
	assert.False(t, ok)
}

func TestNewsBackendMapsResults(t *testing.T) {
	client := fakeHTTPClient{status: 200, body: `{"articles":[{"title":"Headline","url":"https://news.example/1","description":"d","source":{"name":"Reuters"}}]}`}
	b := NewNewsBackend("newsapi", client, "https://news.example/v2", "key")

	hits, err := b.Search(context.Background(), "markets", model.Constraints{})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "Reuters", hits[0].Domain)
}

func TestMarketsBackendMapsResults(t *testing.T) {
	client := fakeHTTPClient{status: 200, body: `{"quotes":[{"symbol":"AAPL","name":"Apple Inc","price":190.5,"change_percent":1.2}]}`}
	b := NewMarketsBackend("alpha", client, "https://markets.example/v1", "key")

	hits, err := b.Search(context.Background(), "AAPL", model.Constraints{})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.True(t, hits[0].Scored)
	assert.Equal(t, "market:AAPL", hits[0].CanonicalKey)
}
