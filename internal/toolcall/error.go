// Package toolcall wraps every tool invocation with retry, a per-tool
// circuit breaker, and an audit trail. Tool failures surface as structured
// ToolError values so investigations degrade gracefully instead of dying.
package toolcall

import "fmt"

// ToolError is the structured failure returned when a tool exhausts its
// retries or its breaker is open. Recoverable is always false once the
// wrapper gives up; the investigation proceeds on data from other tools.
type ToolError struct {
	ToolName      string `json:"tool_name"`
	ErrorMessage  string `json:"error_message"`
	RetryCount    int    `json:"retry_count"`
	IsRecoverable bool   `json:"is_recoverable"`
	Suggestion    string `json:"suggestion"`
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s failed after %d attempts: %s", e.ToolName, e.RetryCount, e.ErrorMessage)
}

// AgentResponse renders the failure the way investigators expect to read it
// inside findings. The reflector keys off this phrasing to detect missing
// data without treating it as a fatal condition.
func (e *ToolError) AgentResponse() string {
	return fmt.Sprintf("Error: Tool %s failed after %d attempts. Proceeding without this data. (Error: %s)",
		e.ToolName, e.RetryCount, e.ErrorMessage)
}

func newToolError(tool string, attempts int, cause error) *ToolError {
	return &ToolError{
		ToolName:      tool,
		ErrorMessage:  cause.Error(),
		RetryCount:    attempts,
		IsRecoverable: false,
		Suggestion:    "Proceed with available data from other tools.",
	}
}
