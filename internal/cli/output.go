package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// Process exit codes. ExitFailure covers operations that ran and failed
// (unknown document, rejected edit, failed scenario); ExitCommandError covers
// invocations that never got that far (bad flags, config or database path).
const (
	ExitSuccess      = 0
	ExitFailure      = 1
	ExitCommandError = 2
)

// ExitError carries the process exit code for a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error
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

// NewExitError returns an ExitError without a cause.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError attaches an exit code and context to err.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode maps err to a process exit code. Errors without an ExitError
// in their chain exit with ExitFailure.
func GetExitCode(err error) int {
	var exitErr *ExitError
	switch {
	case err == nil:
		return ExitSuccess
	case errors.As(err, &exitErr):
		return exitErr.Code
	default:
		return ExitFailure
	}
}

// OutputFormatter writes command results as text, JSON or YAML.
// ErrWriter receives diagnostics; when nil they go to Writer.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer
	Verbose   bool
}

// CLIResponse is the envelope for json and yaml output. Status is "ok" or
// "error".
type CLIResponse struct {
	Status string    `json:"status" yaml:"status"`
	Data   any       `json:"data,omitempty" yaml:"data,omitempty"`
	Error  *CLIError `json:"error,omitempty" yaml:"error,omitempty"`
}

// CLIError describes a failure in a CLIResponse.
type CLIError struct {
	Code    string `json:"code" yaml:"code"`
	Message string `json:"message" yaml:"message"`
	Details any    `json:"details,omitempty" yaml:"details,omitempty"`
}

// Success renders data, printing it with fmt in text mode.
func (f *OutputFormatter) Success(data any) error {
	return f.Render(data, func(w io.Writer) {
		fmt.Fprintln(w, data)
	})
}

// Render writes data as a structured response for json and yaml, and calls
// text for human-readable output.
func (f *OutputFormatter) Render(data any, text func(w io.Writer)) error {
	switch f.Format {
	case "json", "yaml":
		return f.encode(CLIResponse{Status: "ok", Data: data})
	}
	text(f.Writer)
	return nil
}

// Error renders a failure. Text mode shows details only when verbose.
func (f *OutputFormatter) Error(code, message string, details any) error {
	if f.Format == "json" || f.Format == "yaml" {
		return f.encode(CLIResponse{
			Status: "error",
			Error:  &CLIError{Code: code, Message: message, Details: details},
		})
	}

	fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, message)
	if f.Verbose && details != nil {
		fmt.Fprintf(f.Writer, "Details: %v\n", details)
	}
	return nil
}

func (f *OutputFormatter) encode(resp CLIResponse) error {
	if f.Format == "yaml" {
		enc := yaml.NewEncoder(f.Writer)
		enc.SetIndent(2)
		if err := enc.Encode(resp); err != nil {
			return err
		}
		return enc.Close()
	}
	return json.NewEncoder(f.Writer).Encode(resp)
}

// VerboseLog prints a diagnostic line when Verbose is set.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	fmt.Fprintf(f.GetErrWriter(), format+"\n", args...)
}

// GetErrWriter returns the diagnostics writer.
func (f *OutputFormatter) GetErrWriter() io.Writer {
	if f.ErrWriter != nil {
		return f.ErrWriter
	}
	return f.Writer
}
