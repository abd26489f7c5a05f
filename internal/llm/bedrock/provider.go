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

// Package bedrock adapts AWS Bedrock's Converse/ConverseStream API to
// internal/llm.Provider, grounded on the pack's bedrock client example.
package bedrock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"

	"github.com/axonmesh/queryorch/internal/llm"
)

const DefaultModel = "anthropic.claude-3-5-sonnet-20241022-v2:0"

// Provider implements llm.Provider over AWS Bedrock's Converse API.
type Provider struct {
	client *bedrockruntime.Client
	model  string
}

// New constructs a Provider from an already-configured bedrockruntime.Client.
func New(client *bedrockruntime.Client, model string) *Provider {
	if model == "" {
		model = DefaultModel
	}
	return &Provider{client: client, model: model}
}

func (p *Provider) Name() string           { return "bedrock" }
func (p *Provider) Type() llm.ProviderType { return llm.ProviderTypeBedrock }

func (p *Provider) buildMessages(req llm.CompletionRequest) ([]types.Message, []types.SystemContentBlock) {
	messages := []types.Message{{
		Role:    types.ConversationRoleUser,
		Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: req.Prompt}},
	}}
	var system []types.SystemContentBlock
	if req.SystemPrompt != "" {
		system = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: req.SystemPrompt}}
	}
	return messages, system
}

func (p *Provider) inferenceConfig(req llm.CompletionRequest) *types.InferenceConfiguration {
	cfg := &types.InferenceConfiguration{}
	set := false
	if req.MaxTokens > 0 {
		cfg.MaxTokens = aws.Int32(int32(req.MaxTokens))
		set = true
	}
	if req.Temperature > 0 {
		cfg.Temperature = aws.Float32(float32(req.Temperature))
		set = true
	}
	if !set {
		return nil
	}
	return cfg
}

func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
	start := time.Now()
	model := req.Model
	if model == "" {
		model = p.model
	}
	messages, system := p.buildMessages(req)

	input := &bedrockruntime.ConverseInput{
		ModelId:         aws.String(model),
		Messages:        messages,
		System:          system,
		InferenceConfig: p.inferenceConfig(req),
	}

	output, err := p.client.Converse(ctx, input)
	if err != nil {
		return llm.CompletionResponse{}, classifyError(err)
	}
	if output.Output == nil {
		return llm.CompletionResponse{}, llm.NewProviderError("bedrock", llm.ErrCodeServerError, "no output in response", nil)
	}

	var content string
	switch v := output.Output.(type) {
	case *types.ConverseOutputMemberMessage:
		for _, block := range v.Value.Content {
			if b, ok := block.(*types.ContentBlockMemberText); ok {
				content += b.Value
			}
		}
	default:
		return llm.CompletionResponse{}, llm.NewProviderError("bedrock", llm.ErrCodeServerError, "unexpected output type", nil)
	}

	resp := llm.CompletionResponse{Content: content, Model: model, Latency: time.Since(start), FinishReason: string(output.StopReason)}
	if output.Usage != nil {
		resp.Usage = llm.UsageStats{
			PromptTokens:     int(aws.ToInt32(output.Usage.InputTokens)),
			CompletionTokens: int(aws.ToInt32(output.Usage.OutputTokens)),
			TotalTokens:      int(aws.ToInt32(output.Usage.TotalTokens)),
		}
	}
	return resp, nil
}

func (p *Provider) CompleteStream(ctx context.Context, req llm.CompletionRequest, handler llm.StreamHandler) error {
	model := req.Model
	if model == "" {
		model = p.model
	}
	messages, system := p.buildMessages(req)

	input := &bedrockruntime.ConverseStreamInput{
		ModelId:         aws.String(model),
		Messages:        messages,
		System:          system,
		InferenceConfig: p.inferenceConfig(req),
	}

	output, err := p.client.ConverseStream(ctx, input)
	if err != nil {
		return classifyError(err)
	}

	eventStream := output.GetStream()
	defer eventStream.Close()

	for {
		select {
		case event, ok := <-eventStream.Events():
			if !ok {
				if err := eventStream.Err(); err != nil {
					return fmt.Errorf("bedrock: stream error: %w", err)
				}
				return handler(llm.StreamChunk{Done: true})
			}
			switch v := event.(type) {
			case *types.ConverseStreamOutputMemberContentBlockDelta:
				if d, ok := v.Value.Delta.(*types.ContentBlockDeltaMemberText); ok && d.Value != "" {
					if err := handler(llm.StreamChunk{Content: d.Value}); err != nil {
						return err
					}
				}
			case *types.ConverseStreamOutputMemberMessageStop:
				return handler(llm.StreamChunk{Done: true})
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (p *Provider) HealthCheck(ctx context.Context) (llm.HealthCheckResult, error) {
	start := time.Now()
	_, err := p.client.Converse(ctx, &bedrockruntime.ConverseInput{
		ModelId:         aws.String(p.model),
		Messages:        []types.Message{{Role: types.ConversationRoleUser, Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: "ping"}}}},
		InferenceConfig: &types.InferenceConfiguration{MaxTokens: aws.Int32(1)},
	})
	latency := time.Since(start)
	if err != nil {
		return llm.HealthCheckResult{Status: llm.HealthStatusUnhealthy, Latency: latency, Message: err.Error(), LastChecked: time.Now()}, err
	}
	return llm.HealthCheckResult{Status: llm.HealthStatusHealthy, Latency: latency, LastChecked: time.Now()}, nil
}

// EstimateCost uses Claude 3.5 Sonnet-on-Bedrock pricing as the representative rate.
func (p *Provider) EstimateCost(promptTokens, maxCompletionTokens int) float64 {
	return float64(promptTokens)*0.000003 + float64(maxCompletionTokens)*0.000015
}

// classifyError maps the Bedrock runtime's smithy API error codes to the
// shared provider error codes so retry/failover logic stays SDK-agnostic.
func classifyError(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := llm.ErrCodeServerError
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException":
			code = llm.ErrCodeRateLimit
		case "AccessDeniedException", "UnrecognizedClientException":
			code = llm.ErrCodeAuth
		case "ValidationException":
			code = llm.ErrCodeInvalidRequest
		case "ModelTimeoutException":
			code = llm.ErrCodeTimeout
		case "ServiceUnavailableException", "ModelNotReadyException":
			code = llm.ErrCodeUnavailable
		}
		return llm.NewProviderError("bedrock", code, apiErr.ErrorMessage(), err)
	}
	return llm.NewProviderError("bedrock", llm.ErrCodeServerError, err.Error(), err)
}
