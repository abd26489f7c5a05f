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

package bedrock

import (
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axonmesh/queryorch/internal/llm"
)

type fakeAPIError struct {
	code    string
	message string
}

func (f *fakeAPIError) Error() string        { return f.code + ": " + f.message }
func (f *fakeAPIError) ErrorCode() string    { return f.code }
func (f *fakeAPIError) ErrorMessage() string { return f.message }
func (f *fakeAPIError) ErrorFault() smithy.ErrorFault {
	return smithy.FaultUnknown
}

func TestNewAppliesDefaultModel(t *testing.T) {
	p := New(nil, "")
	assert.Equal(t, DefaultModel, p.model)
}

func TestNewKeepsExplicitModel(t *testing.T) {
	p := New(nil, "anthropic.claude-3-haiku")
	assert.Equal(t, "anthropic.claude-3-haiku", p.model)
}

func TestNameAndType(t *testing.T) {
	p := New(nil, "")
	assert.Equal(t, "bedrock", p.Name())
	assert.Equal(t, llm.ProviderTypeBedrock, p.Type())
}

func TestBuildMessagesIncludesSystemPromptWhenSet(t *testing.T) {
	p := New(nil, "")
	messages, system := p.buildMessages(llm.CompletionRequest{Prompt: "hi", SystemPrompt: "be terse"})
	require.Len(t, messages, 1)
	assert.Equal(t, types.ConversationRoleUser, messages[0].Role)
	require.Len(t, system, 1)
}

func TestBuildMessagesOmitsSystemBlockWhenEmpty(t *testing.T) {
	p := New(nil, "")
	_, system := p.buildMessages(llm.CompletionRequest{Prompt: "hi"})
	assert.Empty(t, system)
}

func TestInferenceConfigNilWhenNoTuningSet(t *testing.T) {
	p := New(nil, "")
	assert.Nil(t, p.inferenceConfig(llm.CompletionRequest{Prompt: "hi"}))
}

func TestInferenceConfigSetWhenMaxTokensProvided(t *testing.T) {
	p := New(nil, "")
	cfg := p.inferenceConfig(llm.CompletionRequest{Prompt: "hi", MaxTokens: 200})
	require.NotNil(t, cfg)
	assert.Equal(t, int32(200), *cfg.MaxTokens)
}

func TestEstimateCost(t *testing.T) {
	p := New(nil, "")
	cost := p.EstimateCost(1000, 1000)
	assert.InDelta(t, 0.018, cost, 0.0001)
}

func TestClassifyErrorMapsThrottling(t *testing.T) {
	err := classifyError(&fakeAPIError{code: "ThrottlingException", message: "too many requests"})
	var provErr *llm.ProviderError
	require.True(t, errors.As(err, &provErr))
	assert.Equal(t, llm.ErrCodeRateLimit, provErr.Code)
	assert.True(t, provErr.IsRetryable())
}

func TestClassifyErrorMapsAccessDenied(t *testing.T) {
	err := classifyError(&fakeAPIError{code: "AccessDeniedException", message: "nope"})
	var provErr *llm.ProviderError
	require.True(t, errors.As(err, &provErr))
	assert.Equal(t, llm.ErrCodeAuth, provErr.Code)
	assert.False(t, provErr.IsRetryable())
}

func TestClassifyErrorFallsBackForNonAPIError(t *testing.T) {
	err := classifyError(errors.New("connection reset"))
	var provErr *llm.ProviderError
	require.True(t, errors.As(err, &provErr))
	assert.Equal(t, llm.ErrCodeServerError, provErr.Code)
}
