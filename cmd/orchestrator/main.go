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

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	goredis "github.com/go-redis/redis/v8"
	oaisdk "github.com/openai/openai-go/v3"
	oaioption "github.com/openai/openai-go/v3/option"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/qdrant/go-client/qdrant"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/axonmesh/queryorch/internal/budget"
	"github.com/axonmesh/queryorch/internal/cache"
	qoconfig "github.com/axonmesh/queryorch/internal/config"
	"github.com/axonmesh/queryorch/internal/fusion"
	"github.com/axonmesh/queryorch/internal/httpapi"
	"github.com/axonmesh/queryorch/internal/lane"
	"github.com/axonmesh/queryorch/internal/lane/backend"
	"github.com/axonmesh/queryorch/internal/llm"
	"github.com/axonmesh/queryorch/internal/llm/anthropic"
	"github.com/axonmesh/queryorch/internal/llm/bedrock"
	"github.com/axonmesh/queryorch/internal/llm/openai"
	"github.com/axonmesh/queryorch/internal/llmrouter"
	"github.com/axonmesh/queryorch/internal/model"
	"github.com/axonmesh/queryorch/internal/orchestrator"
	"github.com/axonmesh/queryorch/internal/refine"
	"github.com/axonmesh/queryorch/internal/registry"
	"github.com/axonmesh/queryorch/internal/synth"
	"github.com/axonmesh/queryorch/internal/telemetry"
)

func main() {
	configPath := flag.String("config", envOr("QUERYORCH_CONFIG", "config.yaml"), "path to the YAML config file")
	flag.Parse()

	cfg, err := qoconfig.Load(*configPath)
	if err != nil {
		log.Fatalf("orchestrator: load config: %v", err)
	}

	logger := telemetry.New("orchestrator")
	metricsReg := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(metricsReg)
	sink := telemetry.NewSink(logger, metrics, cfg.Telemetry.SinkBufferSize)
	defer sink.Close()

	reg := registry.New()

	backends := wireLaneBackends(cfg, reg, logger)
	llmProviders, classTiers := wireLLMProviders(cfg, reg, logger)

	probeCtx, cancelProbes := context.WithCancel(context.Background())
	defer cancelProbes()
	reg.StartBackgroundProbes(probeCtx, 30*time.Second)

	redisClient := goredis.NewClient(&goredis.Options{Addr: cfg.Cache.RedisAddress})
	if _, err := redisClient.Ping(context.Background()).Result(); err != nil {
		logger.Warn("", "", "response cache Redis unreachable at startup; cache reads/writes will error until it recovers", map[string]interface{}{"address": cfg.Cache.RedisAddress, "error": err.Error()})
	}
	respCache := cache.New(redisClient,
		cache.WithTTLByMode(convertTTLByMode(cfg.TTLByMode())),
		cache.WithKeyPrefix(cfg.Cache.KeyPrefix),
	)

	orch := orchestrator.New(
		reg,
		lane.New(reg),
		refine.New(refine.WithPolicy(refine.Policy{
			Enabled:       cfg.Refine.Enabled,
			SuggestionCap: cfg.Refine.SuggestionCap,
			RedactPII:     cfg.Refine.RedactPII,
		})),
		fusion.New(
			fusion.WithDomainCap(cfg.Fusion.DomainCap),
			fusion.WithCitableSize(cfg.Fusion.CitableSize),
			fusion.WithWeights(convertFusionWeights(cfg.Fusion.Weights)),
		),
		llmrouter.New(reg, llmrouter.WithTiers(classTiers)),
		synth.New(defaultSystemPrompt),
		respCache,
		sink,
		backends,
		llmProviders,
		orchestrator.WithBudgetTable(convertBudgetTable(cfg.Budget)),
	)

	srv := httpapi.NewServer(orch, httpapi.WithCORSOrigins(cfg.Server.AllowedCORSOrigins))

	mux := http.NewServeMux()
	mux.Handle("/", srv.Handler())
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))
	go func() {
		logger.Info("", "", "metrics endpoint listening", map[string]interface{}{"address": cfg.Telemetry.MetricsAddress})
		if err := http.ListenAndServe(cfg.Telemetry.MetricsAddress, metricsMux); err != nil {
			logger.Error("", "", "metrics server exited", err, nil)
		}
	}()

	logger.Info("", "", "query orchestrator listening", map[string]interface{}{"address": cfg.Server.Address})
	log.Fatal(http.ListenAndServe(cfg.Server.Address, mux))
}

const defaultSystemPrompt = "You are the Query Orchestrator's answer synthesizer. Answer the user's question " +
	"using only the numbered sources provided, citing every claim with an inline [[n]] marker matching the " +
	"source's number. If sources disagree, say so explicitly. If a claim isn't supported by any source, say you " +
	"don't have a source for it rather than inventing one."

// wireLaneBackends constructs every configured retrieval backend, registers
// it with the Provider Registry in chain order (keyed/primary first), and
// returns the orchestrator.Backends map the composition root hands to
// internal/orchestrator. A lane with no usable configuration is simply
// omitted — internal/orchestrator.runLanes skips lanes with no registered
// backend rather than failing the whole query.
func wireLaneBackends(cfg *qoconfig.Config, reg *registry.Registry, logger *telemetry.Logger) orchestrator.Backends {
	backends := orchestrator.Backends{}
	httpClient := &http.Client{Timeout: 10 * time.Second}

	if cfg.Lanes.Web.BaseURL != "" {
		b := backend.NewWebBackend("web-primary", httpClient, cfg.Lanes.Web.BaseURL, cfg.Lanes.Web.APIKey)
		registerLane(reg, backends, model.LaneWeb, b, model.ProviderKindWeb, cfg.Lanes.Web.APIKey != "")
	} else {
		logger.Info("", "", "web lane disabled: no base_url configured", nil)
	}

	if cfg.Lanes.News.BaseURL != "" {
		b := backend.NewNewsBackend("news-primary", httpClient, cfg.Lanes.News.BaseURL, cfg.Lanes.News.APIKey)
		registerLane(reg, backends, model.LaneNews, b, model.ProviderKindNews, cfg.Lanes.News.APIKey != "")
	} else {
		logger.Info("", "", "news lane disabled: no base_url configured", nil)
	}

	if cfg.Lanes.Markets.BaseURL != "" {
		b := backend.NewMarketsBackend("markets-primary", httpClient, cfg.Lanes.Markets.BaseURL, cfg.Lanes.Markets.APIKey)
		registerLane(reg, backends, model.LaneMarkets, b, model.ProviderKindMarkets, cfg.Lanes.Markets.APIKey != "")
	} else {
		logger.Info("", "", "markets lane disabled: no base_url configured", nil)
	}

	if cfg.Lanes.Vector.Address != "" {
		if b, err := wireVectorBackend(cfg); err != nil {
			logger.Error("", "", "vector lane disabled: dial failed", err, map[string]interface{}{"address": cfg.Lanes.Vector.Address})
		} else {
			registerLane(reg, backends, model.LaneVector, b, model.ProviderKindVector, false)
		}
	} else {
		logger.Info("", "", "vector lane disabled: no address configured", nil)
	}

	if cfg.Lanes.Graph.URI != "" {
		if b, err := wireGraphBackend(cfg); err != nil {
			logger.Error("", "", "graph lane disabled: dial failed", err, map[string]interface{}{"uri": cfg.Lanes.Graph.URI})
		} else {
			registerLane(reg, backends, model.LaneGraph, b, model.ProviderKindGraph, false)
		}
	} else {
		logger.Info("", "", "graph lane disabled: no uri configured", nil)
	}

	return backends
}

func registerLane(reg *registry.Registry, backends orchestrator.Backends, laneID model.LaneID, b lane.Backend, kind model.ProviderKind, keyed bool) {
	handle := model.ProviderHandle{ID: b.Name(), Kind: kind, Keyed: keyed, Health: model.HealthHealthy, CostClass: model.CostClassStandard}
	reg.RegisterLaneProvider(laneID, handle, nil)
	if backends[laneID] == nil {
		backends[laneID] = map[string]lane.Backend{}
	}
	backends[laneID][b.Name()] = b
}

// wireVectorBackend dials Qdrant and wraps an OpenAI embeddings call as the
// query-time Embedder, grounded on the vector-store client's Config{Host,
// Port} construction.
func wireVectorBackend(cfg *qoconfig.Config) (*backend.VectorBackend, error) {
	host, portStr, err := net.SplitHostPort(cfg.Lanes.Vector.Address)
	if err != nil {
		return nil, fmt.Errorf("parse vector lane address %q: %w", cfg.Lanes.Vector.Address, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("parse vector lane port %q: %w", portStr, err)
	}
	client, err := qdrant.NewClient(&qdrant.Config{Host: host, Port: port})
	if err != nil {
		return nil, fmt.Errorf("dial qdrant: %w", err)
	}

	embedder := &openAIEmbedder{client: oaisdk.NewClient(oaioption.WithAPIKey(cfg.Providers.OpenAI.APIKey))}
	return backend.NewVectorBackend("vector-qdrant", client, cfg.Lanes.Vector.Collection, embedder, cfg.Lanes.Vector.TopK), nil
}

// openAIEmbedder implements backend.Embedder over OpenAI's embeddings
// endpoint, grounded on the vector-store example's EmbeddingModel wrapper
// (same client, same single-text Input shape, narrowed to one vector).
type openAIEmbedder struct {
	client oaisdk.Client
}

func (e *openAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.Embeddings.New(ctx, oaisdk.EmbeddingNewParams{
		Model: "text-embedding-3-small",
		Input: oaisdk.EmbeddingNewParamsInputUnion{OfArrayOfStrings: []string{text}},
	})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("embed query: empty response")
	}
	vec := make([]float32, len(resp.Data[0].Embedding))
	for i, f := range resp.Data[0].Embedding {
		vec[i] = float32(f)
	}
	return vec, nil
}

// wireGraphBackend connects to MongoDB, grounded on the teacher's
// MongoDBConnector (same driver, same Connect-then-Ping handshake).
func wireGraphBackend(cfg *qoconfig.Config) (*backend.GraphBackend, error) {
	connectCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.Lanes.Graph.URI))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelPing()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	coll := client.Database(cfg.Lanes.Graph.Database).Collection(cfg.Lanes.Graph.Collection)
	return backend.NewGraphBackend("graph-mongo", coll, cfg.Lanes.Graph.Limit), nil
}

// wireLLMProviders constructs every LLM adapter with a configured key/
// region and registers it under the single synthesis model class, since the
// spec's Open Question over model-class granularity resolves to one fixed
// class (see orchestrator.SynthesisModelClass). classTiers assigns each
// provider's tier for internal/llmrouter's mode-dependent selection.
func wireLLMProviders(cfg *qoconfig.Config, reg *registry.Registry, logger *telemetry.Logger) (map[string]llm.Provider, llmrouter.ClassTier) {
	providers := map[string]llm.Provider{}
	tiers := llmrouter.ClassTier{}

	if cfg.Providers.Anthropic.APIKey != "" {
		p, err := anthropic.New(anthropic.Config{APIKey: cfg.Providers.Anthropic.APIKey, Model: cfg.Providers.Anthropic.Model})
		if err != nil {
			logger.Error("", "", "anthropic provider disabled", err, nil)
		} else {
			registerLLM(reg, providers, tiers, p.Name(), p, llmrouter.TierPremium)
		}
	}

	if cfg.Providers.OpenAI.APIKey != "" {
		p, err := openai.New(openai.Config{APIKey: cfg.Providers.OpenAI.APIKey, Model: cfg.Providers.OpenAI.Model})
		if err != nil {
			logger.Error("", "", "openai provider disabled", err, nil)
		} else {
			registerLLM(reg, providers, tiers, p.Name(), p, llmrouter.TierStandard)
		}
	}

	if cfg.Providers.Bedrock.Region != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(cfg.Providers.Bedrock.Region))
		if err != nil {
			logger.Error("", "", "bedrock provider disabled: load AWS config", err, map[string]interface{}{"region": cfg.Providers.Bedrock.Region})
		} else {
			p := bedrock.New(bedrockruntime.NewFromConfig(awsCfg), cfg.Providers.Bedrock.Model)
			registerLLM(reg, providers, tiers, p.Name(), p, llmrouter.TierStandard)
		}
	}

	return providers, tiers
}

func registerLLM(reg *registry.Registry, providers map[string]llm.Provider, tiers llmrouter.ClassTier, id string, p llm.Provider, tier llmrouter.Tier) {
	handle := model.ProviderHandle{
		ID: id, Kind: model.ProviderKindLLM, Keyed: true, Health: model.HealthHealthy,
		CostClass: model.CostClassStandard, ModelClass: id,
	}
	reg.RegisterLLMProvider(orchestrator.SynthesisModelClass, handle, nil)
	providers[id] = p
	tiers[id] = tier
}

func convertBudgetTable(cfg qoconfig.BudgetConfig) map[model.Mode]budget.ModeBudget {
	table := map[model.Mode]budget.ModeBudget{}
	for mode, row := range budget.DefaultTable {
		table[mode] = row
	}
	for modeStr, override := range cfg.Modes {
		table[model.Mode(modeStr)] = budget.ModeBudget{
			TotalMs: override.TotalMs, RefinementMs: override.RefinementMs, RetrievalMs: override.RetrievalMs,
			SynthesisMs: override.SynthesisMs, PerLaneMs: override.PerLaneMs, PerProviderMs: override.PerProviderMs,
		}
	}
	return table
}

func convertFusionWeights(cfg map[string]map[string]float64) map[model.Mode]fusion.LaneWeights {
	if len(cfg) == 0 {
		return fusion.DefaultWeights
	}
	out := map[model.Mode]fusion.LaneWeights{}
	for mode, row := range fusion.DefaultWeights {
		out[mode] = row
	}
	for modeStr, laneWeights := range cfg {
		w := fusion.LaneWeights{}
		for laneStr, weight := range laneWeights {
			w[model.LaneID(laneStr)] = weight
		}
		out[model.Mode(modeStr)] = w
	}
	return out
}

func convertTTLByMode(in map[string]time.Duration) cache.TTLByMode {
	out := make(cache.TTLByMode, len(in))
	for modeStr, d := range in {
		out[model.Mode(modeStr)] = d
	}
	return out
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
