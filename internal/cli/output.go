package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/firmflow/engine/internal/domain"
)

// Exit codes for enginectl commands.
const (
	ExitSuccess  = 0 // command succeeded
	ExitBadInput = 2 // invalid rule, definition, input document or flag misuse
	ExitNotFound = 3 // referenced entity does not exist
	ExitConflict = 4 // duplicate, replay or terminal-state collision
	ExitInternal = 5 // infrastructure or engine failure
)

// ExitError carries a process exit code alongside an error. Commands return
// it for failures the domain sentinels cannot express, flag misuse mostly.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		if e.Message == "" {
			return e.Err.Error()
		}
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates an ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// GetExitCode maps err to a process exit code. An explicit ExitError wins;
// otherwise the code is derived from the domain sentinels, and anything
// unrecognized counts as internal.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}

	switch {
	case errors.Is(err, domain.ErrBadRule),
		errors.Is(err, domain.ErrBadDefinition),
		errors.Is(err, domain.ErrBadInput):
		return ExitBadInput
	case errors.Is(err, domain.ErrNotFound):
		return ExitNotFound
	case errors.Is(err, domain.ErrConflict):
		return ExitConflict
	default:
		return ExitInternal
	}
}

// OutputFormatter renders command results in the configured format.
type OutputFormatter struct {
	Format string
	Writer io.Writer
}

// Print renders one result. JSON mode encodes data as an indented document;
// text mode calls render, which writes the human-readable form.
func (f *OutputFormatter) Print(data any, render func(w io.Writer)) error {
	if f.Format == "json" {
		enc := json.NewEncoder(f.Writer)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	}
	render(f.Writer)
	return nil
}
