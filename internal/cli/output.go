package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/scorelog/internal/engine"
	"github.com/roach88/scorelog/internal/reducer"
	"github.com/roach88/scorelog/internal/store"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // Operation failed (invalid event, record not found, store not empty, etc.)
	ExitCommandError = 2 // Command error (bad flags, bad config, storage unavailable, etc.)
)

// Error codes carried in JSON error responses.
const (
	ErrCodeGeneric      = "E001"
	ErrCodeInvalidInput = "E002"
	ErrCodeInvalidEvent = "E003"
	ErrCodeNotFound     = "E004"
	ErrCodeNotEmpty     = "E005"
	ErrCodeStorage      = "E006"
)

// ExitError represents an error with a specific exit code.
// Use this to return errors with meaningful exit codes from CLI commands.
type ExitError struct {
	Code    int    // Exit code (use ExitFailure or ExitCommandError)
	Message string // Error message
	Err     error  // Underlying error (optional)
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure (1) if the error is not an ExitError.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// classify maps an operation error to an exit code and a response code.
// Storage failures are environment problems; everything else the caller
// can fix by changing the request.
func classify(err error) (int, string) {
	switch {
	case reducer.IsInvalidEvent(err):
		return ExitFailure, ErrCodeInvalidEvent
	case errors.Is(err, store.ErrNotFound):
		return ExitFailure, ErrCodeNotFound
	case errors.Is(err, engine.ErrNotEmpty):
		return ExitFailure, ErrCodeNotEmpty
	case engine.IsStorageFailure(err):
		return ExitCommandError, ErrCodeStorage
	default:
		return ExitFailure, ErrCodeGeneric
	}
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer // Separate writer for verbose/diagnostic output (defaults to Writer)
	Verbose   bool
}

func newFormatter(opts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}

// CLIResponse is the standard JSON response format for CLI output.
type CLIResponse struct {
	Status string    `json:"status"`          // "ok" or "error"
	Data   any       `json:"data,omitempty"`  // success payload
	Error  *CLIError `json:"error,omitempty"` // error details
}

// CLIError is the error structure for CLI responses.
type CLIError struct {
	Code    string `json:"code"`              // "E001", "E002", etc.
	Message string `json:"message"`           // human-readable message
	Details any    `json:"details,omitempty"` // additional context
}

// texter is implemented by results with a human-readable rendering.
type texter interface {
	Text() string
}

// Success outputs a successful result in the configured format. In text
// mode strings and texters print as-is and anything else prints as
// indented JSON.
func (f *OutputFormatter) Success(data any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "ok",
			Data:   data,
		})
	}

	switch v := data.(type) {
	case string:
		_, err := fmt.Fprintln(f.Writer, v)
		return err
	case texter:
		_, err := fmt.Fprintln(f.Writer, v.Text())
		return err
	default:
		enc := json.NewEncoder(f.Writer)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	}
}

// Error outputs an error in the configured format.
func (f *OutputFormatter) Error(code, message string, details any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "error",
			Error: &CLIError{
				Code:    code,
				Message: message,
				Details: details,
			},
		})
	}

	fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, message)
	if f.Verbose && details != nil {
		fmt.Fprintf(f.Writer, "Details: %v\n", details)
	}
	return nil
}

// Fail returns err as an ExitError carrying the classified exit code. In
// JSON mode it also writes the error envelope so callers parsing stdout
// always get a response; in text mode printing is left to main.
func (f *OutputFormatter) Fail(message string, err error) error {
	exit, code := classify(err)
	if f.Format == "json" {
		var details any
		if diag, ok := reducer.CodeOf(err); ok {
			details = map[string]string{"diagnostic": string(diag)}
		}
		if outErr := f.Error(code, fmt.Sprintf("%s: %v", message, err), details); outErr != nil {
			return outErr
		}
	}
	return WrapExitError(exit, message, err)
}

// VerboseLog outputs a message only if verbose mode is enabled.
// Uses ErrWriter if set, otherwise falls back to Writer.
// When format is JSON, verbose logs go to ErrWriter to avoid corrupting JSON output.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	fmt.Fprintf(f.GetErrWriter(), format+"\n", args...)
}

// GetErrWriter returns the appropriate writer for diagnostic output.
// Returns ErrWriter if set, otherwise Writer.
func (f *OutputFormatter) GetErrWriter() io.Writer {
	if f.ErrWriter != nil {
		return f.ErrWriter
	}
	return f.Writer
}
