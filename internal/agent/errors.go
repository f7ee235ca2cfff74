package agent

import (
	"errors"
	"fmt"
)

var errUnknownTool = errors.New("unknown tool")

// ValidationError means the model produced a tool call that could not be
// decoded. Payload holds the raw arguments for the logs.
type ValidationError struct {
	Tool    string
	Payload string
	Err     error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s tool call: %v", e.Tool, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// ModelError wraps a failed or empty chat completion.
type ModelError struct {
	Stage string
	Err   error
}

func (e *ModelError) Error() string {
	return fmt.Sprintf("model %s call: %v", e.Stage, e.Err)
}

func (e *ModelError) Unwrap() error {
	return e.Err
}
