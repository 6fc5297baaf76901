package menucost

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// TurnLogger is the interface for estimation audit logging.
type TurnLogger interface {
	LogTurn(turn TurnLog) error
}

// NewTurnLogFilePath returns a file path based on a cleaned up model name or id to make it easier to identify specific logs produced with various models.
func NewTurnLogFilePath(model string) string {
	return fmt.Sprintf(
		"./logs/%d.%s.json",
		time.Now().Unix(),
		strings.ReplaceAll(strings.ToLower(model), ":", "_"),
	)
}

// TurnLog represents a single reasoning turn in a dish estimation
type TurnLog struct {
	Dish      string        `json:"dish,omitempty"`
	Turn      int           `json:"turn"`
	Timestamp time.Time     `json:"timestamp"`
	LLMInput  string        `json:"llm_input,omitempty"`
	LLMOutput any           `json:"llm_output"`
	ToolCalls []ToolCallLog `json:"tool_calls,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// ToolCallLog represents a tool execution within a turn
type ToolCallLog struct {
	Name   string         `json:"name"`
	Input  map[string]any `json:"input"`
	Output map[string]any `json:"output"`
	Error  string         `json:"error,omitempty"`
}

// FileTurnLogger logs to a file, accumulating turns and flushing at the end
type FileTurnLogger struct {
	turns  []TurnLog
	writer io.Writer
}

// NewFileTurnLogger creates a new file-based turn logger
func NewFileTurnLogger(writer io.Writer) *FileTurnLogger {
	return &FileTurnLogger{
		turns:  make([]TurnLog, 0),
		writer: writer,
	}
}

// LogTurn logs a turn to the buffer (does not flush immediately)
func (ftl *FileTurnLogger) LogTurn(turn TurnLog) error {
	ftl.turns = append(ftl.turns, turn)
	return nil
}

// Flush flushes all accumulated turns to the writer
func (ftl *FileTurnLogger) Flush() error {
	if ftl.writer == nil {
		return nil
	}

	data, err := json.MarshalIndent(map[string]any{
		"estimation_session": map[string]any{
			"timestamp": time.Now(),
			"turns":     ftl.turns,
		},
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal turn log: %w", err)
	}

	if _, err := ftl.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write turn log: %w", err)
	}

	// Clear the buffer after successful write
	ftl.turns = ftl.turns[:0]
	return nil
}

// NoOpTurnLogger is a logger that discards all log entries
type NoOpTurnLogger struct{}

// NewNoOpTurnLogger creates a new no-op turn logger
func NewNoOpTurnLogger() *NoOpTurnLogger {
	return &NoOpTurnLogger{}
}

// LogTurn discards the turn log (no-op)
func (nop *NoOpTurnLogger) LogTurn(turn TurnLog) error {
	return nil
}

// StdoutTurnLogger logs each turn as a JSON line to stdout
type StdoutTurnLogger struct{}

// NewStdoutTurnLogger creates a new stdout-based turn logger
func NewStdoutTurnLogger() *StdoutTurnLogger {
	return &StdoutTurnLogger{}
}

// LogTurn writes the turn as a JSON line to os.Stdout
func (l *StdoutTurnLogger) LogTurn(turn TurnLog) error {
	data, err := json.Marshal(turn)
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, string(data))
	return nil
}
