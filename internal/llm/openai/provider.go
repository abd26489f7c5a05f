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

// Package openai adapts the openai-go/v3 client to the internal/llm.Provider
// interface, grounded on the ChatCompletionStream wrapper pattern in the
// vendor example's openai extension.
package openai

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/axonmesh/queryorch/internal/llm"
)

const DefaultModel = "gpt-4o"

// Config configures the Provider.
type Config struct {
	APIKey  string
	Model   string
	Timeout time.Duration
}

// Provider implements llm.Provider over the OpenAI chat-completions API.
type Provider struct {
	client  *openai.Client
	model   string
	timeout time.Duration
}

// New constructs a Provider.
func New(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	client := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	return &Provider{client: &client, model: model, timeout: timeout}, nil
}

func (p *Provider) Name() string           { return "openai" }
func (p *Provider) Type() llm.ProviderType { return llm.ProviderTypeOpenAI }

func (p *Provider) buildParams(req llm.CompletionRequest) openai.ChatCompletionNewParams {
	model := req.Model
	if model == "" {
		model = p.model
	}
	messages := []openai.ChatCompletionMessageParamUnion{}
	if req.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(req.SystemPrompt))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	params := openai.ChatCompletionNewParams{
		Model:    model,
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	if req.TopP > 0 {
		params.TopP = openai.Float(req.TopP)
	}
	if len(req.StopSequences) > 0 {
		params.Stop.OfStringArray = req.StopSequences
	}
	return params
}

func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	params := p.buildParams(req)
	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return llm.CompletionResponse{}, classifyError("openai", err)
	}
	if len(resp.Choices) == 0 {
		return llm.CompletionResponse{}, llm.NewProviderError("openai", llm.ErrCodeServerError, "empty choices", nil)
	}

	return llm.CompletionResponse{
		Content:      resp.Choices[0].Message.Content,
		Model:        resp.Model,
		FinishReason: string(resp.Choices[0].FinishReason),
		Usage: llm.UsageStats{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
		Latency: time.Since(start),
	}, nil
}

func (p *Provider) CompleteStream(ctx context.Context, req llm.CompletionRequest, handler llm.StreamHandler) error {
	params := p.buildParams(req)
	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		if err := handler(llm.StreamChunk{Content: delta}); err != nil {
			return err
		}
	}
	if err := stream.Err(); err != nil {
		handlerErr := classifyError("openai", err)
		handler(llm.StreamChunk{Err: handlerErr, Done: true})
		return handlerErr
	}
	return handler(llm.StreamChunk{Done: true})
}

func (p *Provider) HealthCheck(ctx context.Context) (llm.HealthCheckResult, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := p.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:     p.model,
		Messages:  []openai.ChatCompletionMessageParamUnion{openai.UserMessage("ping")},
		MaxTokens: openai.Int(1),
	})
	latency := time.Since(start)
	if err != nil {
		return llm.HealthCheckResult{Status: llm.HealthStatusUnhealthy, Latency: latency, Message: err.Error(), LastChecked: time.Now()}, err
	}
	return llm.HealthCheckResult{Status: llm.HealthStatusHealthy, Latency: latency, LastChecked: time.Now()}, nil
}

// EstimateCost uses a flat standard-tier rate; per-model pricing is a
// configuration concern left to internal/config, not hard-coded here.
func (p *Provider) EstimateCost(promptTokens, maxCompletionTokens int) float64 {
	const inputPer1K = 0.005
	const outputPer1K = 0.015
	return float64(promptTokens)/1000*inputPer1K + float64(maxCompletionTokens)/1000*outputPer1K
}

func classifyError(provider string, err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		code := llm.ErrCodeServerError
		switch apiErr.StatusCode {
		case http.StatusTooManyRequests:
			code = llm.ErrCodeRateLimit
		case http.StatusUnauthorized, http.StatusForbidden:
			code = llm.ErrCodeAuth
		case http.StatusBadRequest:
			code = llm.ErrCodeInvalidRequest
		case http.StatusRequestTimeout, http.StatusGatewayTimeout:
			code = llm.ErrCodeTimeout
		case http.StatusServiceUnavailable:
			code = llm.ErrCodeUnavailable
		}
		return llm.NewProviderError(provider, code, apiErr.Message, err)
	}
	return llm.NewProviderError(provider, llm.ErrCodeServerError, err.Error(), err)
}
