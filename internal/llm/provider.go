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

package llm

import "context"

// Provider is the capability interface every LLM adapter implements.
// Narrowed from the teacher's orchestrator/llm.Provider to the synthesis
// path's actual needs: streaming completion plus health/cost introspection.
type Provider interface {
	Name() string
	Type() ProviderType
	Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error)
	CompleteStream(ctx context.Context, req CompletionRequest, handler StreamHandler) error
	HealthCheck(ctx context.Context) (HealthCheckResult, error)
	EstimateCost(promptTokens, maxCompletionTokens int) float64
}
