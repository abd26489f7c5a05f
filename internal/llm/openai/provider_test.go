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

package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	openaisdk "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axonmesh/queryorch/internal/llm"
)

func newTestProvider(t *testing.T, server *httptest.Server) *Provider {
	t.Helper()
	client := openaisdk.NewClient(option.WithAPIKey("test-key"), option.WithBaseURL(server.URL))
	return &Provider{client: &client, model: DefaultModel}
}

func TestNewRejectsMissingAPIKey(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestCompleteSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"x","model":"gpt-4o","choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"Paris"}}],"usage":{"prompt_tokens":10,"completion_tokens":2,"total_tokens":12}}`)
	}))
	defer server.Close()

	p := newTestProvider(t, server)
	resp, err := p.Complete(context.Background(), llm.CompletionRequest{Prompt: "capital of France?"})
	require.NoError(t, err)
	assert.Equal(t, "Paris", resp.Content)
	assert.Equal(t, 12, resp.Usage.TotalTokens)
	assert.Equal(t, "stop", resp.FinishReason)
}

func TestCompleteMapsRateLimitError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"slow down","type":"rate_limit_error"}}`)
	}))
	defer server.Close()

	p := newTestProvider(t, server)
	_, err := p.Complete(context.Background(), llm.CompletionRequest{Prompt: "x"})
	require.Error(t, err)
	var provErr *llm.ProviderError
	require.ErrorAs(t, err, &provErr)
	assert.Equal(t, llm.ErrCodeRateLimit, provErr.Code)
	assert.True(t, provErr.IsRetryable())
}

func TestCompleteStreamDeliversDeltas(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		chunks := []string{
			`{"id":"x","model":"gpt-4o","choices":[{"index":0,"delta":{"content":"Hel"}}]}`,
			`{"id":"x","model":"gpt-4o","choices":[{"index":0,"delta":{"content":"lo"}}]}`,
		}
		for _, c := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", c)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	p := newTestProvider(t, server)
	var got strings.Builder
	var done bool
	err := p.CompleteStream(context.Background(), llm.CompletionRequest{Prompt: "hi"}, func(c llm.StreamChunk) error {
		got.WriteString(c.Content)
		if c.Done {
			done = true
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello", got.String())
	assert.True(t, done)
}

func TestEstimateCost(t *testing.T) {
	p := &Provider{}
	cost := p.EstimateCost(1000, 1000)
	assert.InDelta(t, 0.02, cost, 0.0001)
}

func TestBuildParamsIncludesSystemPromptAndOverrides(t *testing.T) {
	p := &Provider{model: DefaultModel}
	params := p.buildParams(llm.CompletionRequest{
		Prompt:       "hi",
		SystemPrompt: "be terse",
		Model:        "gpt-4o-mini",
		MaxTokens:    64,
		Temperature:  0.3,
	})
	assert.Equal(t, "gpt-4o-mini", params.Model)
	assert.Len(t, params.Messages, 2)
}

func TestClassifyErrorFallsBackForNonAPIError(t *testing.T) {
	err := classifyError("openai", assertJSONErr())
	var provErr *llm.ProviderError
	require.ErrorAs(t, err, &provErr)
	assert.Equal(t, llm.ErrCodeServerError, provErr.Code)
}

func assertJSONErr() error {
	var v struct{}
	return json.Unmarshal([]byte("not json"), &v)
}
