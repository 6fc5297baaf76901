package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"menucost"
)

// InstrumentedEstimator is an instrumented version of the Estimator with
// observability metrics for estimation runs, tool usage, and latency.
type InstrumentedEstimator struct {
	llm          llmClient
	compactLLM   llmClient
	toolProvider menucost.ToolProvider
	maxTurns     int
	logger       menucost.TurnLogger
	tracer       trace.Tracer
	meter        metric.Meter
}

// NewInstrumentedEstimator initializes a new instrumented estimator.
func NewInstrumentedEstimator(llm llmClient, tp menucost.ToolProvider, maxTurns int, log menucost.TurnLogger, tracer trace.Tracer, meter metric.Meter) *InstrumentedEstimator {
	return &InstrumentedEstimator{
		llm:          llm,
		compactLLM:   llm,
		toolProvider: tp,
		maxTurns:     maxTurns,
		logger:       log,
		tracer:       tracer,
		meter:        meter,
	}
}

// SetCompactionClient routes Compact calls to a separate client.
func (e *InstrumentedEstimator) SetCompactionClient(llm llmClient) {
	if llm != nil {
		e.compactLLM = llm
	}
}

// Estimate prices a single dish with full instrumentation. Semantics match
// Estimator.Estimate.
func (e *InstrumentedEstimator) Estimate(ctx context.Context, dish menucost.DishRequest, learnings string) (menucost.LineItem, error) {
	ctx, span := e.tracer.Start(ctx, "InstrumentedEstimator.Estimate")
	defer span.End()

	span.SetAttributes(attribute.String("dish", dish.Name))
	slog.Info("ESTIMATOR: Starting instrumented estimation", "dish", dish.Name)

	runsCounter, _ := e.meter.Int64Counter("estimator_runs_total",
		metric.WithDescription("Total number of estimation runs started"))
	runsCompletedCounter, _ := e.meter.Int64Counter("estimator_runs_completed_total",
		metric.WithDescription("Total number of estimation runs completed successfully"))
	runsFailedCounter, _ := e.meter.Int64Counter("estimator_runs_failed_total",
		metric.WithDescription("Total number of estimation runs that failed"))
	turnCounter, _ := e.meter.Int64Counter("estimator_turns_total",
		metric.WithDescription("Total number of reasoning turns"))
	toolCallsCounter, _ := e.meter.Int64Counter("tool_calls_total",
		metric.WithDescription("Total number of tool calls executed"))
	toolCallsFailedCounter, _ := e.meter.Int64Counter("tool_calls_failed_total",
		metric.WithDescription("Total number of tool calls that failed"))
	invalidPayloadsCounter, _ := e.meter.Int64Counter("invalid_final_payloads_total",
		metric.WithDescription("Total number of final payloads that failed validation"))

	promptSizeGauge, _ := e.meter.Int64Gauge("prompt_size_bytes",
		metric.WithDescription("Size of the prompt sent to the reasoning service in bytes"))

	estimationDurationHist, _ := e.meter.Float64Histogram("estimation_duration_seconds",
		metric.WithDescription("Total duration of one dish estimation in seconds"))
	llmResponseTimeHist, _ := e.meter.Float64Histogram("llm_response_time_seconds",
		metric.WithDescription("Time taken to receive a response from the reasoning service in seconds"))
	toolExecutionTimeHist, _ := e.meter.Float64Histogram("tool_execution_time_seconds",
		metric.WithDescription("Time taken to execute individual tools in seconds"))

	runsCounter.Add(ctx, 1)
	startTime := time.Now()

	fail := func(err error, status string) (menucost.LineItem, error) {
		runsFailedCounter.Add(ctx, 1)
		estimationDurationHist.Record(ctx, time.Since(startTime).Seconds())
		span.SetStatus(codes.Error, status)
		span.RecordError(err)
		return menucost.LineItem{}, err
	}

	prompt, err := NewPrompt(dish, learnings, e.toolProvider)
	if err != nil {
		return fail(&menucost.EstimationError{Dish: dish.Name, Err: fmt.Errorf("failed to build prompt: %w", err)}, "Failed to build prompt")
	}

	toolsUsed := false

	for turn := 0; turn < e.maxTurns; turn++ {
		ctx, turnSpan := e.tracer.Start(ctx, fmt.Sprintf("InstrumentedEstimator.Estimate.Turn.%d", turn+1))

		turnCounter.Add(ctx, 1)
		turnLog := menucost.TurnLog{Dish: dish.Name, Turn: turn + 1, Timestamp: time.Now()}

		if b, merr := json.Marshal(prompt); merr == nil {
			turnLog.LLMInput = string(b)
			promptSizeGauge.Record(ctx, int64(len(b)))
			slog.Info("ESTIMATOR: Sending prompt",
				"dish", dish.Name,
				"turn", turn+1,
				"messages_count", len(prompt.Messages),
				"tools_count", len(prompt.Tools),
				"prompt_size_bytes", len(b),
			)
			turnSpan.AddEvent("Sending prompt", trace.WithAttributes(
				attribute.Int("turn", turn+1),
				attribute.Int("messages_count", len(prompt.Messages)),
				attribute.Int("prompt_size_bytes", len(b)),
			))
		}

		llmStart := time.Now()
		res, err := e.llm.Invoke(ctx, prompt, false)
		llmResponseTimeHist.Record(ctx, time.Since(llmStart).Seconds())

		if err != nil {
			turnLog.Error = err.Error()
			e.logTurn(turnLog)
			turnSpan.SetStatus(codes.Error, "Reasoning service invoke failed")
			turnSpan.RecordError(err)
			turnSpan.End()
			return fail(&menucost.EstimationError{Dish: dish.Name, Err: fmt.Errorf("failed to invoke reasoning service: %w", err)}, "Reasoning service invoke failed")
		}
		turnLog.LLMOutput = res

		turnSpan.AddEvent("Response received", trace.WithAttributes(
			attribute.Int("content_length", len(res.Content)),
			attribute.Int("tool_calls", len(res.ToolCalls)),
		))

		slog.Info("ESTIMATOR: Response received",
			"dish", dish.Name,
			"turn", turn+1,
			"content_length", len(res.Content),
			"tool_calls", len(res.ToolCalls),
		)

		if len(res.ToolCalls) == 0 {
			if toolsUsed {
				e.logTurn(turnLog)
				turnSpan.End()
				break
			}
			if res.Content == "" {
				err := fmt.Errorf("no tool calls and no content")
				turnLog.Error = err.Error()
				e.logTurn(turnLog)
				turnSpan.SetStatus(codes.Error, "Empty response received")
				turnSpan.RecordError(err)
				turnSpan.End()
				return fail(&menucost.EstimationError{Dish: dish.Name, Err: err}, "Empty response received")
			}
			e.logTurn(turnLog)
			turnSpan.End()

			item, err := e.finalizeInstrumented(ctx, dish, res.Content, invalidPayloadsCounter)
			if err != nil {
				return fail(err, "Final payload invalid")
			}
			runsCompletedCounter.Add(ctx, 1)
			estimationDurationHist.Record(ctx, time.Since(startTime).Seconds())
			return item, nil
		}

		toolsUsed = true

		toolCalls := dedupeToolCalls(res.ToolCalls)
		if len(toolCalls) < len(res.ToolCalls) {
			slog.Info("ESTIMATOR: Deduped tool calls", "dish", dish.Name, "requested", len(res.ToolCalls), "kept", len(toolCalls))
			turnSpan.AddEvent("Tool calls deduplicated", trace.WithAttributes(
				attribute.Int("requested", len(res.ToolCalls)),
				attribute.Int("kept", len(toolCalls)),
			))
		}

		prompt.Messages = append(prompt.Messages, assistantToolCallMessage(res.Content, toolCalls))

		var toolCallLogs []menucost.ToolCallLog

		for _, call := range toolCalls {
			slog.Info("ESTIMATOR: Handling tool call", "dish", dish.Name, "name", call.Name, "turn", turn+1)
			toolCallsCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("tool_name", call.Name)))

			toolLog := menucost.ToolCallLog{Name: call.Name, Input: call.Args}

			tool, err := e.toolProvider.GetTool(call.Name)
			if err != nil {
				toolCallsFailedCounter.Add(ctx, 1, metric.WithAttributes(
					attribute.String("tool_name", call.Name),
					attribute.String("error_type", "tool_not_found"),
				))
				toolLog.Error = err.Error()
				toolCallLogs = append(toolCallLogs, toolLog)
				turnLog.ToolCalls = toolCallLogs
				e.logTurn(turnLog)
				turnSpan.SetStatus(codes.Error, "Tool not found")
				turnSpan.RecordError(err)
				turnSpan.End()
				return fail(&menucost.EstimationError{Dish: dish.Name, Err: fmt.Errorf("failed to get tool %q: %w", call.Name, err)}, "Tool not found")
			}

			toolStart := time.Now()
			result, err := tool.Run(ctx, call.Args)
			toolExecutionTimeHist.Record(ctx, time.Since(toolStart).Seconds(), metric.WithAttributes(
				attribute.String("tool_name", call.Name),
			))

			if err != nil {
				toolCallsFailedCounter.Add(ctx, 1, metric.WithAttributes(
					attribute.String("tool_name", call.Name),
					attribute.String("error_type", "tool_execution_failed"),
				))
				toolLog.Error = err.Error()
				toolCallLogs = append(toolCallLogs, toolLog)
				turnLog.ToolCalls = toolCallLogs
				e.logTurn(turnLog)
				turnSpan.SetStatus(codes.Error, "Tool execution failed")
				turnSpan.RecordError(err)
				turnSpan.End()
				return fail(&menucost.EstimationError{Dish: dish.Name, Err: fmt.Errorf("failed to run tool %q: %w", call.Name, err)}, "Tool execution failed")
			}

			toolLog.Output = result
			toolCallLogs = append(toolCallLogs, toolLog)

			payload, err := json.Marshal(result)
			if err != nil {
				turnLog.Error = fmt.Sprintf("failed to marshal tool result: %v", err)
				e.logTurn(turnLog)
				turnSpan.SetStatus(codes.Error, "Failed to marshal tool result")
				turnSpan.RecordError(err)
				turnSpan.End()
				return fail(&menucost.EstimationError{Dish: dish.Name, Err: fmt.Errorf("failed to marshal tool result: %w", err)}, "Failed to marshal tool result")
			}

			prompt.Messages = append(
				prompt.Messages,
				Message{
					Role:       "tool",
					Name:       tool.Name(),
					ToolCallID: call.ID,
					Content:    string(payload),
				},
			)

			turnSpan.AddEvent("Tool executed", trace.WithAttributes(
				attribute.String("tool_name", call.Name),
			))
		}

		turnLog.ToolCalls = toolCallLogs
		e.logTurn(turnLog)
		turnSpan.End()
	}

	slog.Info("ESTIMATOR: Forcing structured output", "dish", dish.Name)
	span.AddEvent("Forcing structured output")

	llmStart := time.Now()
	res, err := e.llm.Invoke(ctx, prompt, true)
	llmResponseTimeHist.Record(ctx, time.Since(llmStart).Seconds())
	if err != nil {
		return fail(&menucost.EstimationError{Dish: dish.Name, Err: fmt.Errorf("failed to invoke reasoning service for synthesis: %w", err)}, "Synthesis invoke failed")
	}

	item, err := e.finalizeInstrumented(ctx, dish, res.Content, invalidPayloadsCounter)
	if err != nil {
		return fail(err, "Final payload invalid")
	}

	runsCompletedCounter.Add(ctx, 1)
	estimationDurationHist.Record(ctx, time.Since(startTime).Seconds())
	span.AddEvent("Estimation complete")
	return item, nil
}

// Compact matches Estimator.Compact, with a span around the summarization call.
func (e *InstrumentedEstimator) Compact(ctx context.Context, items []menucost.LineItem) (string, error) {
	ctx, span := e.tracer.Start(ctx, "InstrumentedEstimator.Compact")
	defer span.End()

	summary := make([]map[string]any, 0, len(items))
	for _, item := range items {
		summary = append(summary, map[string]any{
			"item":                item.ItemName,
			"missing_ingredients": item.MissingIngredients(),
		})
	}

	b, err := json.Marshal(summary)
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("failed to marshal batch summary: %w", err)
	}

	prompt := Prompt{
		Messages: []Message{
			{Role: "system", Content: "Summarize new learnings about missing ingredients or catalog quirks in 2 sentences."},
			{Role: "user", Content: string(b)},
		},
	}

	res, err := e.compactLLM.Invoke(ctx, prompt, false)
	if err != nil {
		span.SetStatus(codes.Error, "Compaction invoke failed")
		span.RecordError(err)
		return "", fmt.Errorf("failed to compact batch context: %w", err)
	}

	return strings.TrimSpace(res.Content), nil
}

func (e *InstrumentedEstimator) finalizeInstrumented(ctx context.Context, dish menucost.DishRequest, raw string, invalidCounter metric.Int64Counter) (menucost.LineItem, error) {
	cleaned := stripFences(raw)

	if err := validateLineItemJSON([]byte(cleaned)); err != nil {
		invalidCounter.Add(ctx, 1)
		slog.Error("ESTIMATOR: Final payload failed schema validation", "dish", dish.Name, "error", err)
		return menucost.LineItem{}, &menucost.EstimationError{Dish: dish.Name, RawPayload: raw, Err: err}
	}

	var item menucost.LineItem
	if err := json.Unmarshal([]byte(cleaned), &item); err != nil {
		invalidCounter.Add(ctx, 1)
		return menucost.LineItem{}, &menucost.EstimationError{Dish: dish.Name, RawPayload: raw, Err: fmt.Errorf("failed to decode line item: %w", err)}
	}

	if !item.IsValid() {
		invalidCounter.Add(ctx, 1)
		return menucost.LineItem{}, &menucost.EstimationError{Dish: dish.Name, RawPayload: raw, Err: fmt.Errorf("line item violates pricing invariants")}
	}

	total := item.TotalFromIngredients()
	if math.Abs(total-item.IngredientCostPerUnit) > 0.005 {
		slog.Warn("ESTIMATOR: Correcting reported total", "dish", dish.Name, "reported", item.IngredientCostPerUnit, "computed", total)
	}
	item.IngredientCostPerUnit = total

	return item, nil
}

// logTurn logs a turn using the configured logger, handling errors gracefully
func (e *InstrumentedEstimator) logTurn(turn menucost.TurnLog) {
	if e.logger != nil {
		if err := e.logger.LogTurn(turn); err != nil {
			slog.Error("Failed to log estimation turn", "error", err, "turn", turn.Turn)
		}
	}
}
