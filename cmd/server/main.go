package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/joeshaw/envdecode"

	"menucost"
	"menucost/catalog"
	"menucost/estimator/openai"
	"menucost/orchestrator"
	"menucost/server"
	"menucost/slack"
	"menucost/state"
	"menucost/tools"
	"menucost/tools/storage"
)

func main() {
	ctx := context.Background()

	var modelConfig menucost.ModelConfig
	if err := envdecode.Decode(&modelConfig); err != nil {
		log.Fatalf("SETUP: Failed to decode: %s", err)
	}

	var pipelineConfig menucost.PipelineConfig
	if err := envdecode.Decode(&pipelineConfig); err != nil {
		log.Fatalf("SETUP: Failed to decode: %s", err)
	}

	var serverConfig menucost.ServerConfig
	if err := envdecode.Decode(&serverConfig); err != nil {
		log.Fatalf("SETUP: Failed to decode: %s", err)
	}

	index, err := catalog.LoadSource(ctx, newCatalogSource(ctx, pipelineConfig))
	if err != nil {
		log.Fatalf("SETUP: Failed to load catalog: %s", err)
	}
	slog.Info("SETUP: Catalog loaded", "entries", index.Len())

	registry, err := tools.NewRegistry(index, pipelineConfig.SearchLimit, pipelineConfig.SearchCutoff)
	if err != nil {
		log.Fatalf("SETUP: Failed to create tool registry: %s", err)
	}

	llm, err := openai.NewClient(openai.ClientOpts{
		BaseEndpoint: modelConfig.BaseEndpoint,
		APIKey:       modelConfig.APIKey,
		ModelID:      modelConfig.ModelID,
		MaxTokens:    modelConfig.MaxTokens,
		Temperature:  modelConfig.Temperature,
		HTTPClient:   http.DefaultClient,
	})
	if err != nil {
		log.Fatalf("SETUP: Failed to create LLM client: %s", err)
	}

	compactLLM, err := openai.NewClient(openai.ClientOpts{
		BaseEndpoint: modelConfig.BaseEndpoint,
		APIKey:       modelConfig.APIKey,
		ModelID:      modelConfig.CompactionModel,
		MaxTokens:    modelConfig.MaxTokens,
		Temperature:  modelConfig.Temperature,
		HTTPClient:   http.DefaultClient,
	})
	if err != nil {
		log.Fatalf("SETUP: Failed to create compaction client: %s", err)
	}

	estimator := openai.NewEstimator(llm, registry, pipelineConfig.MaxTurns, menucost.NewNoOpTurnLogger())
	estimator.SetCompactionClient(compactLLM)

	store := state.NewStore(pipelineConfig.StatePath)

	orch := orchestrator.New(estimator, store, pipelineConfig.BatchSize)
	if serverConfig.SlackWebhookURL != "" {
		orch.SetNotifier(slack.NewClient(serverConfig.SlackWebhookURL, http.DefaultClient), serverConfig.SlackChannel)
		slog.Info("SETUP: Slack notifications enabled", "channel", serverConfig.SlackChannel)
	}

	srv := server.New(orch, serverConfig.AllowedOrigin)

	slog.Info("SETUP: Listening", "addr", serverConfig.ListenAddr)
	if err := http.ListenAndServe(serverConfig.ListenAddr, srv); err != nil {
		log.Fatalf("SERVER: %s", err)
	}
}

// newCatalogSource picks S3 when a bucket is configured, local file otherwise.
func newCatalogSource(ctx context.Context, cfg menucost.PipelineConfig) storage.CatalogSource {
	if cfg.CatalogS3Bucket == "" {
		return storage.NewFileCatalogSource(cfg.CatalogPath)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		log.Fatalf("SETUP: Failed to load AWS config: %s", err)
	}
	return storage.NewS3CatalogSource(s3.NewFromConfig(awsCfg), cfg.CatalogS3Bucket, cfg.CatalogS3Key)
}
