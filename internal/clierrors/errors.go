// Package clierrors provides user-facing CLI errors with hints and exit codes.
package clierrors

import (
	"errors"
	"fmt"
)

// Exit codes.
const (
	ExitSuccess = 0
	ExitGeneral = 1
	ExitAuth    = 2
	ExitNetwork = 3
	ExitConfig  = 4
	ExitUsage   = 64
)

// CLIError is an error with actionable guidance.
type CLIError struct {
	// Message is the primary error message.
	Message string

	// Hint tells the user how to fix it.
	Hint string

	// Cause is the underlying error, if any.
	Cause error

	// Code is the process exit code.
	Code int
}

func (e *CLIError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *CLIError) Unwrap() error {
	return e.Cause
}

// New creates a CLIError.
func New(code int, message string) *CLIError {
	return &CLIError{Message: message, Code: code}
}

// Wrap wraps cause with a message.
func Wrap(code int, message string, cause error) *CLIError {
	return &CLIError{Message: message, Cause: cause, Code: code}
}

// WithHint sets the hint.
func (e *CLIError) WithHint(hint string) *CLIError {
	e.Hint = hint
	return e
}

// ExitCode returns the exit code for err; ExitGeneral for non-CLI errors.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var cliErr *CLIError
	if errors.As(err, &cliErr) {
		return cliErr.Code
	}
	return ExitGeneral
}

// AuthRequired reports that a provider account must be re-authenticated.
func AuthRequired(key string, cause error) *CLIError {
	return &CLIError{
		Message: fmt.Sprintf("Authentication required for %s", key),
		Hint:    fmt.Sprintf("Run 'arctic auth login %s' to sign in again", key),
		Cause:   cause,
		Code:    ExitAuth,
	}
}

// AccountsExhausted reports that every account of a provider has failed.
func AccountsExhausted(base string, cause error) *CLIError {
	return &CLIError{
		Message: fmt.Sprintf("All %s accounts are exhausted", base),
		Hint:    fmt.Sprintf("Wait for the rate limit to reset, or add another account with 'arctic auth login %s:<name>'", base),
		Cause:   cause,
		Code:    ExitAuth,
	}
}

// ClientRegistrationRequired reports that a tool server needs a pre-registered client.
func ClientRegistrationRequired(server string, cause error) *CLIError {
	return &CLIError{
		Message: fmt.Sprintf("Server %q does not support dynamic client registration", server),
		Hint: fmt.Sprintf("Register an OAuth client with the server's provider, then set it in config:\n"+
			"  \"mcp\": { %q: { \"oauth\": { \"clientId\": \"<id>\", \"clientSecret\": \"<secret>\" } } }\n"+
			"or run 'arctic mcp add %s <url> --client-id <id>'", server, server),
		Cause: cause,
		Code:  ExitConfig,
	}
}
