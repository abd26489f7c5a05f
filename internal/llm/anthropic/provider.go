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

// Package anthropic implements internal/llm.Provider over Anthropic's
// Messages API using a raw net/http client and hand-rolled SSE parsing,
// rather than a vendored SDK — grounded on the teacher's own anthropic
// adapter, which takes the same approach.
package anthropic

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/axonmesh/queryorch/internal/llm"
)

const (
	DefaultBaseURL    = "https://api.anthropic.com"
	DefaultAPIVersion = "2023-06-01"
	DefaultTimeout    = 30 * time.Second
	DefaultMaxTokens  = 4096
	DefaultModel      = "claude-sonnet-4-20250514"
)

// HTTPClient abstracts *http.Client for testability.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config configures the Provider.
type Config struct {
	APIKey     string
	BaseURL    string
	APIVersion string
	Model      string
	Timeout    time.Duration
	Client     HTTPClient
}

// Provider implements llm.Provider over the Anthropic Messages API.
type Provider struct {
	apiKey     string
	baseURL    string
	apiVersion string
	model      string
	client     HTTPClient
	healthy    bool
	mu         sync.RWMutex
}

// New constructs a Provider, defaulting BaseURL/APIVersion/Model/Timeout.
func New(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic: API key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAPIVersion
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Provider{apiKey: cfg.APIKey, baseURL: cfg.BaseURL, apiVersion: cfg.APIVersion, model: cfg.Model, client: cfg.Client, healthy: true}, nil
}

func (p *Provider) Name() string           { return "anthropic" }
func (p *Provider) Type() llm.ProviderType { return llm.ProviderTypeAnthropic }

func (p *Provider) setHealthy(h bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.healthy = h
}

func (p *Provider) isHealthy() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.healthy
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model         string             `json:"model"`
	MaxTokens     int                `json:"max_tokens"`
	Messages      []anthropicMessage `json:"messages"`
	System        string             `json:"system,omitempty"`
	Temperature   *float64           `json:"temperature,omitempty"`
	TopP          *float64           `json:"top_p,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
	Stream        bool               `json:"stream,omitempty"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicResponse struct {
	Content    []contentBlock `json:"content"`
	Model      string         `json:"model"`
	StopReason string         `json:"stop_reason"`
	Usage      usage          `json:"usage"`
}

func (p *Provider) buildRequest(req llm.CompletionRequest, stream bool) anthropicRequest {
	model := req.Model
	if model == "" {
		model = p.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	apiReq := anthropicRequest{
		Model:     model,
		MaxTokens: maxTokens,
		Messages:  []anthropicMessage{{Role: "user", Content: req.Prompt}},
		System:    req.SystemPrompt,
		Stream:    stream,
	}
	if req.Temperature > 0 {
		apiReq.Temperature = &req.Temperature
	}
	if req.TopP > 0 {
		apiReq.TopP = &req.TopP
	}
	if len(req.StopSequences) > 0 {
		apiReq.StopSequences = req.StopSequences
	}
	return apiReq
}

func (p *Provider) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.apiKey)
	req.Header.Set("anthropic-version", p.apiVersion)
}

func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
	start := time.Now()
	apiReq := p.buildRequest(req, false)

	body, err := json.Marshal(apiReq)
	if err != nil {
		return llm.CompletionResponse{}, fmt.Errorf("anthropic: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return llm.CompletionResponse{}, fmt.Errorf("anthropic: build request: %w", err)
	}
	p.setHeaders(httpReq)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		p.setHealthy(false)
		return llm.CompletionResponse{}, llm.NewProviderError("anthropic", llm.ErrCodeUnavailable, err.Error(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		if resp.StatusCode >= 500 {
			p.setHealthy(false)
		}
		return llm.CompletionResponse{}, parseAPIError(resp.StatusCode, respBody)
	}
	p.setHealthy(true)

	var apiResp anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return llm.CompletionResponse{}, fmt.Errorf("anthropic: decode response: %w", err)
	}

	var content strings.Builder
	for _, block := range apiResp.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	return llm.CompletionResponse{
		Content:      content.String(),
		Model:        apiResp.Model,
		FinishReason: apiResp.StopReason,
		Usage: llm.UsageStats{
			PromptTokens:     apiResp.Usage.InputTokens,
			CompletionTokens: apiResp.Usage.OutputTokens,
			TotalTokens:      apiResp.Usage.InputTokens + apiResp.Usage.OutputTokens,
		},
		Latency: time.Since(start),
	}, nil
}

type streamDelta struct {
	Type       string `json:"type"`
	Text       string `json:"text"`
	StopReason string `json:"stop_reason"`
}

type streamEvent struct {
	Type  string       `json:"type"`
	Delta *streamDelta `json:"delta"`
}

func (p *Provider) CompleteStream(ctx context.Context, req llm.CompletionRequest, handler llm.StreamHandler) error {
	apiReq := p.buildRequest(req, true)
	body, err := json.Marshal(apiReq)
	if err != nil {
		return fmt.Errorf("anthropic: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("anthropic: build request: %w", err)
	}
	p.setHeaders(httpReq)
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		p.setHealthy(false)
		return llm.NewProviderError("anthropic", llm.ErrCodeUnavailable, err.Error(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		if resp.StatusCode >= 500 {
			p.setHealthy(false)
		}
		return parseAPIError(resp.StatusCode, respBody)
	}
	p.setHealthy(true)

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		var event streamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			continue
		}

		switch event.Type {
		case "content_block_delta":
			if event.Delta != nil && event.Delta.Type == "text_delta" && event.Delta.Text != "" {
				if err := handler(llm.StreamChunk{Content: event.Delta.Text}); err != nil {
					return err
				}
			}
		case "message_stop":
			return handler(llm.StreamChunk{Done: true})
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("anthropic: stream read error: %w", err)
	}
	return handler(llm.StreamChunk{Done: true})
}

func (p *Provider) HealthCheck(ctx context.Context) (llm.HealthCheckResult, error) {
	start := time.Now()
	status := llm.HealthStatusHealthy
	if !p.isHealthy() {
		status = llm.HealthStatusDegraded
	}
	return llm.HealthCheckResult{Status: status, Latency: time.Since(start), LastChecked: time.Now()}, nil
}

// EstimateCost uses Claude Sonnet-class pricing: ~$3/1M input, $15/1M output.
func (p *Provider) EstimateCost(promptTokens, maxCompletionTokens int) float64 {
	return float64(promptTokens)*0.000003 + float64(maxCompletionTokens)*0.000015
}

func parseAPIError(statusCode int, body []byte) error {
	var errResp struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	_ = json.Unmarshal(body, &errResp)

	code := llm.ErrCodeServerError
	switch statusCode {
	case http.StatusTooManyRequests:
		code = llm.ErrCodeRateLimit
	case http.StatusUnauthorized, http.StatusForbidden:
		code = llm.ErrCodeAuth
	case http.StatusBadRequest:
		code = llm.ErrCodeInvalidRequest
	case http.StatusRequestTimeout:
		code = llm.ErrCodeTimeout
	case http.StatusServiceUnavailable:
		code = llm.ErrCodeUnavailable
	}
	msg := errResp.Error.Message
	if msg == "" {
		msg = fmt.Sprintf("anthropic API returned status %d", statusCode)
	}
	return llm.NewProviderError("anthropic", code, msg, nil)
}
