package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"menucost"
)

// Estimator drives the multi-turn exchange that prices one dish: reasoning
// turns with optional catalog lookups, then a structured-output synthesis
// call, then schema validation. One Estimate call is one logical pricing
// request; the number of catalog round trips in between is decided by the
// reasoning service, bounded only by maxTurns.
type Estimator struct {
	llm          llmClient
	compactLLM   llmClient
	toolProvider menucost.ToolProvider
	maxTurns     int
	logger       menucost.TurnLogger
}

// llmClient is the reasoning-service contract the estimator depends on.
type llmClient interface {
	Invoke(ctx context.Context, prompt Prompt, forceJSON bool) (Response, error)
}

// NewEstimator initializes a new estimator. The same client serves
// compaction unless SetCompactionClient swaps in a cheaper model.
func NewEstimator(llm llmClient, tp menucost.ToolProvider, maxTurns int, log menucost.TurnLogger) *Estimator {
	return &Estimator{
		llm:          llm,
		compactLLM:   llm,
		toolProvider: tp,
		maxTurns:     maxTurns,
		logger:       log,
	}
}

// SetCompactionClient routes Compact calls to a separate client, typically a
// cheaper model than the one doing estimation.
func (e *Estimator) SetCompactionClient(llm llmClient) {
	if llm != nil {
		e.compactLLM = llm
	}
}

// Estimate prices a single dish against the catalog, with the rolling
// learnings string as shared context. It fails with an EstimationError when
// the service errors or its final output does not validate against the
// LineItem shape.
func (e *Estimator) Estimate(ctx context.Context, dish menucost.DishRequest, learnings string) (menucost.LineItem, error) {
	slog.Info("ESTIMATOR: Starting estimation", "dish", dish.Name)

	prompt, err := NewPrompt(dish, learnings, e.toolProvider)
	if err != nil {
		return menucost.LineItem{}, &menucost.EstimationError{Dish: dish.Name, Err: fmt.Errorf("failed to build prompt: %w", err)}
	}

	toolsUsed := false

	// Reasoning turns: the service either requests catalog lookups or
	// signals it is done. Tool rounds repeat as long as the service keeps
	// asking, up to maxTurns.
	for turn := 0; turn < e.maxTurns; turn++ {
		turnLog := menucost.TurnLog{Dish: dish.Name, Turn: turn + 1, Timestamp: time.Now()}

		if b, merr := json.Marshal(prompt); merr == nil {
			turnLog.LLMInput = string(b)
			slog.Info("ESTIMATOR: Sending prompt",
				"dish", dish.Name,
				"turn", turn+1,
				"messages_count", len(prompt.Messages),
				"tools_count", len(prompt.Tools),
				"prompt_size_bytes", len(b),
			)
		}

		res, err := e.llm.Invoke(ctx, prompt, false)
		if err != nil {
			turnLog.Error = err.Error()
			e.logTurn(turnLog)
			return menucost.LineItem{}, &menucost.EstimationError{Dish: dish.Name, Err: fmt.Errorf("failed to invoke reasoning service: %w", err)}
		}
		turnLog.LLMOutput = res

		slog.Info("ESTIMATOR: Response received",
			"dish", dish.Name,
			"turn", turn+1,
			"content_length", len(res.Content),
			"tool_calls", len(res.ToolCalls),
		)

		if len(res.ToolCalls) == 0 {
			if toolsUsed {
				// Service is done consulting the catalog, whatever it
				// said on the way out; synthesize below.
				e.logTurn(turnLog)
				break
			}
			if res.Content == "" {
				err := fmt.Errorf("no tool calls and no content")
				turnLog.Error = err.Error()
				e.logTurn(turnLog)
				return menucost.LineItem{}, &menucost.EstimationError{Dish: dish.Name, Err: err}
			}
			e.logTurn(turnLog)

			// Zero-lookup path: the single response must already satisfy
			// the schema.
			return e.finalize(dish, res.Content)
		}

		toolsUsed = true

		toolCalls := dedupeToolCalls(res.ToolCalls)
		if len(toolCalls) < len(res.ToolCalls) {
			slog.Info("ESTIMATOR: Deduped tool calls", "dish", dish.Name, "requested", len(res.ToolCalls), "kept", len(toolCalls))
		}

		// The wire protocol requires the assistant turn that requested the
		// calls to precede their results.
		prompt.Messages = append(prompt.Messages, assistantToolCallMessage(res.Content, toolCalls))

		var toolCallLogs []menucost.ToolCallLog

		for _, call := range toolCalls {
			slog.Info("ESTIMATOR: Handling tool call", "dish", dish.Name, "name", call.Name, "turn", turn+1)

			toolLog := menucost.ToolCallLog{Name: call.Name, Input: call.Args}

			tool, err := e.toolProvider.GetTool(call.Name)
			if err != nil {
				toolLog.Error = err.Error()
				toolCallLogs = append(toolCallLogs, toolLog)
				turnLog.ToolCalls = toolCallLogs
				e.logTurn(turnLog)
				return menucost.LineItem{}, &menucost.EstimationError{Dish: dish.Name, Err: fmt.Errorf("failed to get tool %q: %w", call.Name, err)}
			}

			result, err := tool.Run(ctx, call.Args)
			if err != nil {
				toolLog.Error = err.Error()
				toolCallLogs = append(toolCallLogs, toolLog)
				turnLog.ToolCalls = toolCallLogs
				e.logTurn(turnLog)
				return menucost.LineItem{}, &menucost.EstimationError{Dish: dish.Name, Err: fmt.Errorf("failed to run tool %q: %w", call.Name, err)}
			}

			toolLog.Output = result
			toolCallLogs = append(toolCallLogs, toolLog)

			payload, err := json.Marshal(result)
			if err != nil {
				turnLog.Error = fmt.Sprintf("failed to marshal tool result: %v", err)
				e.logTurn(turnLog)
				return menucost.LineItem{}, &menucost.EstimationError{Dish: dish.Name, Err: fmt.Errorf("failed to marshal tool result: %w", err)}
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

			slog.Info("ESTIMATOR: Tool executed, appended result", "dish", dish.Name, "name", call.Name, "turn", turn+1)
		}

		turnLog.ToolCalls = toolCallLogs
		e.logTurn(turnLog)
	}

	// Synthesis: one further request in structured-output mode to obtain
	// the final LineItem payload.
	slog.Info("ESTIMATOR: Forcing structured output", "dish", dish.Name)

	res, err := e.llm.Invoke(ctx, prompt, true)
	if err != nil {
		return menucost.LineItem{}, &menucost.EstimationError{Dish: dish.Name, Err: fmt.Errorf("failed to invoke reasoning service for synthesis: %w", err)}
	}

	return e.finalize(dish, res.Content)
}

// Compact distills a completed batch into a short learnings delta: per dish,
// the ingredients that were not priced from the catalog, summarized by the
// service in two sentences. Best effort; a failure here degrades prompt
// quality, never the job.
func (e *Estimator) Compact(ctx context.Context, items []menucost.LineItem) (string, error) {
	summary := make([]map[string]any, 0, len(items))
	for _, item := range items {
		summary = append(summary, map[string]any{
			"item":                item.ItemName,
			"missing_ingredients": item.MissingIngredients(),
		})
	}

	b, err := json.Marshal(summary)
	if err != nil {
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
		return "", fmt.Errorf("failed to compact batch context: %w", err)
	}

	return strings.TrimSpace(res.Content), nil
}

// finalize validates the service's final payload against the LineItem shape
// and enforces the pricing invariants. The raw payload travels with the
// error for diagnostics; nothing is coerced or dropped.
func (e *Estimator) finalize(dish menucost.DishRequest, raw string) (menucost.LineItem, error) {
	cleaned := stripFences(raw)

	if err := validateLineItemJSON([]byte(cleaned)); err != nil {
		slog.Error("ESTIMATOR: Final payload failed schema validation", "dish", dish.Name, "error", err)
		return menucost.LineItem{}, &menucost.EstimationError{Dish: dish.Name, RawPayload: raw, Err: err}
	}

	var item menucost.LineItem
	if err := json.Unmarshal([]byte(cleaned), &item); err != nil {
		return menucost.LineItem{}, &menucost.EstimationError{Dish: dish.Name, RawPayload: raw, Err: fmt.Errorf("failed to decode line item: %w", err)}
	}

	if !item.IsValid() {
		return menucost.LineItem{}, &menucost.EstimationError{Dish: dish.Name, RawPayload: raw, Err: fmt.Errorf("line item violates pricing invariants")}
	}

	// The per-serving cost equals the sum of non-null ingredient unit
	// costs; a drifting reported total is corrected, not trusted.
	total := item.TotalFromIngredients()
	if math.Abs(total-item.IngredientCostPerUnit) > 0.005 {
		slog.Warn("ESTIMATOR: Correcting reported total", "dish", dish.Name, "reported", item.IngredientCostPerUnit, "computed", total)
	}
	item.IngredientCostPerUnit = total

	slog.Info("ESTIMATOR: Estimation complete", "dish", dish.Name, "ingredients", len(item.Ingredients), "cost_per_unit", item.IngredientCostPerUnit)
	return item, nil
}

// assistantToolCallMessage reconstructs the assistant turn that requested
// the calls, so tool results can reference their tool_call_id.
func assistantToolCallMessage(content string, calls []ToolCall) Message {
	wire := make([]WireToolCall, 0, len(calls))
	for _, call := range calls {
		args, _ := json.Marshal(call.Args)
		wire = append(wire, WireToolCall{
			ID:   call.ID,
			Type: "function",
			Function: WireFunctionCall{
				Name:      call.Name,
				Arguments: string(args),
			},
		})
	}
	return Message{Role: "assistant", Content: content, ToolCalls: wire}
}

// dedupeToolCalls keeps only the first call per (name,args) pair. This
// exists because the model may be "eager" and call the same tool multiple
// times with the same arguments.
func dedupeToolCalls(calls []ToolCall) []ToolCall {
	seen := map[string]bool{}
	out := make([]ToolCall, 0, len(calls))
	for _, c := range calls {
		b, _ := json.Marshal(c.Args)
		key := c.Name + ":" + string(b)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, c)
	}
	return out
}

// logTurn logs a turn using the configured logger, handling errors gracefully
func (e *Estimator) logTurn(turn menucost.TurnLog) {
	if e.logger != nil {
		if err := e.logger.LogTurn(turn); err != nil {
			slog.Error("Failed to log estimation turn", "error", err, "turn", turn.Turn)
		}
	}
}
