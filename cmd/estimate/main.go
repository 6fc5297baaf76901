// Command estimate runs a pricing job synchronously from a menu file, with
// OpenTelemetry instrumentation. Re-running after a crash resumes from the
// last checkpoint; -reset starts over.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"

	"github.com/joeshaw/envdecode"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"menucost"
	"menucost/catalog"
	"menucost/estimator/openai"
	"menucost/orchestrator"
	"menucost/state"
	"menucost/tools"
	"menucost/tools/storage"
)

func main() {
	menuPath := flag.String("menu", "data/menu.json", "path to the menu JSON file")
	reset := flag.Bool("reset", false, "discard previous job state before running")
	debug := flag.Bool("debug", false, "dump the full job state after the run")
	flag.Parse()

	ctx := context.Background()

	var modelConfig menucost.ModelConfig
	if err := envdecode.Decode(&modelConfig); err != nil {
		log.Fatalf("SETUP: Failed to decode: %s", err)
	}

	var pipelineConfig menucost.PipelineConfig
	if err := envdecode.Decode(&pipelineConfig); err != nil {
		log.Fatalf("SETUP: Failed to decode: %s", err)
	}

	dishes, err := loadMenu(*menuPath)
	if err != nil {
		log.Fatalf("SETUP: Failed to load menu: %s", err)
	}
	slog.Info("SETUP: Menu loaded", "path", *menuPath, "dishes", len(dishes))

	index, err := catalog.LoadSource(ctx, storage.NewFileCatalogSource(pipelineConfig.CatalogPath))
	if err != nil {
		log.Fatalf("SETUP: Failed to load catalog: %s", err)
	}
	slog.Info("SETUP: Catalog loaded", "entries", index.Len())

	registry, err := tools.NewRegistry(index, pipelineConfig.SearchLimit, pipelineConfig.SearchCutoff)
	if err != nil {
		log.Fatalf("SETUP: Failed to create tool registry: %s", err)
	}

	logger, cleanup, err := newTurnLogger(modelConfig.ModelID)
	if err != nil {
		log.Fatalf("SETUP: Failed to create turn logger: %s", err)
	}
	defer func() {
		if err := cleanup(); err != nil {
			slog.Error("SETUP: Failed to flush turn log", "error", err)
		}
	}()

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

	tracerProvider, meterProvider, otelShutdown, err := menucost.InitOtel(ctx)
	if err != nil {
		log.Fatalf("SETUP: Failed to initialize OpenTelemetry: %s", err)
	}
	defer func() {
		if err := otelShutdown(ctx); err != nil {
			slog.Error("SETUP: Failed to shutdown OpenTelemetry", "error", err)
		}
	}()

	tracer := tracerProvider.Tracer(menucost.TracerNameEstimator)
	meter := meterProvider.Meter(menucost.TracerNameEstimator)

	ctx, span := tracer.Start(ctx, menucost.TracerNamePipeline, trace.WithAttributes(
		attribute.String("model.id", modelConfig.ModelID),
		attribute.Int("model.max_tokens", int(modelConfig.MaxTokens)),
		attribute.Float64("model.temperature", float64(modelConfig.Temperature)),
		attribute.Int("pipeline.batch_size", pipelineConfig.BatchSize),
	))
	defer span.End()

	estimator := openai.NewInstrumentedEstimator(llm, registry, pipelineConfig.MaxTurns, logger, tracer, meter)
	estimator.SetCompactionClient(compactLLM)

	store := state.NewStore(pipelineConfig.StatePath)
	if *reset {
		if err := store.Reset(); err != nil {
			log.Fatalf("SETUP: Failed to reset job state: %s", err)
		}
		slog.Info("SETUP: Job state reset")
	}

	orch := orchestrator.New(estimator, store, pipelineConfig.BatchSize)

	if err := orch.Run(ctx, dishes); err != nil {
		slog.Error("FAILURE: Estimation run failed", "error", err)
		if *debug {
			menucost.Dump(store.Snapshot())
		}
		os.Exit(1)
	}

	snap := store.Snapshot()
	fmt.Printf("Priced %d items:\n", snap.ProcessedCount)
	for _, item := range snap.ProcessedItems {
		fmt.Printf("  %-40s $%.2f/serving\n", item.ItemName, item.IngredientCostPerUnit)
	}

	if *debug {
		menucost.Dump(snap)
	}
}

// loadMenu accepts either a bare array of dishes or {"items": [...]}.
func loadMenu(path string) ([]menucost.DishRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var dishes []menucost.DishRequest
	if err := json.Unmarshal(data, &dishes); err == nil {
		return dishes, nil
	}

	var wrapped struct {
		Items []menucost.DishRequest `json:"items"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, fmt.Errorf("unrecognized menu format: %w", err)
	}
	if len(wrapped.Items) == 0 {
		return nil, fmt.Errorf("menu has no items")
	}
	return wrapped.Items, nil
}

func newTurnLogger(modelID string) (menucost.TurnLogger, func() error, error) {
	logFilePath := menucost.NewTurnLogFilePath(modelID)
	logFile, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, func() error { return err }, fmt.Errorf("failed to open log file: %w", err)
	}

	logger := menucost.NewFileTurnLogger(logFile)
	cleanup := func() error {
		return errors.Join(logger.Flush(), logFile.Close())
	}
	return logger, cleanup, nil
}
