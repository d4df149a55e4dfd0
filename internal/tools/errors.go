package tools

import "fmt"

// ErrToolUnavailable is returned when a tool call targets a name that
// is not present in the registry. This is a capability mismatch between
// the model and the registry, not a transient execution failure.
// Callers should stop the run rather than retrying.
type ErrToolUnavailable struct {
	ToolName string
}

// Error implements the error interface.
func (e *ErrToolUnavailable) Error() string {
	return fmt.Sprintf("tool %q is not available in this context", e.ToolName)
}

// ErrInvalidArgument is returned when tool input fails schema
// validation. It is reported back to the model as the tool's result so
// it can retry with corrected arguments.
type ErrInvalidArgument struct {
	ToolName string
	Field    string
	Reason   string
}

// Error implements the error interface.
func (e *ErrInvalidArgument) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid arguments for %s: %s", e.ToolName, e.Reason)
	}
	return fmt.Sprintf("invalid argument %s for %s: %s", e.Field, e.ToolName, e.Reason)
}
