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

/*
Command orchestrator runs the Query Orchestrator service.

The Orchestrator fans a natural-language query out across the web, vector,
graph, news, and markets retrieval lanes under a per-mode wall-clock budget,
fuses and deduplicates the results, and streams a cited answer synthesized
by the first healthy LLM provider in its model chain.

# Usage

	orchestrator -config config.yaml

# Configuration

All behavior is driven by the YAML file at -config (or $QUERYORCH_CONFIG):
server address, budgets, refinement policy, fusion weights, provider
credentials/endpoints, and the response cache. See internal/config for the
full schema and internal/config.Default for the ambient-concern defaults
applied before the file is read. The class_tiers field is parsed but not
applied: each LLM vendor's tier is fixed in wireLLMProviders.

# Credentials

The Anthropic and OpenAI adapters are enabled only by an api_key under the
config file's providers section. Bedrock is enabled by providers.bedrock.region
and takes its AWS credentials from the default AWS SDK chain.

A lane or LLM provider with no credentials/endpoint configured is simply
omitted from the Provider Registry at startup rather than failing it.
*/
package main
