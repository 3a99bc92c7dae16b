// Package cli implements the petalcanvas subcommands: run, validate, inspect
// and serve.
package cli

import "fmt"

// Process exit codes.
const (
	exitValidation   = 1
	exitRuntime      = 2
	exitFileNotFound = 3
	exitConfig       = 4
	exitNodeFailed   = 5
	exitTimeout      = 10
)

// ExitError carries the process exit code a command failed with. main
// unwraps it with errors.As.
type ExitError struct {
	Code    int
	Message string
}

func (e *ExitError) Error() string { return e.Message }

func exitError(code int, format string, args ...any) *ExitError {
	return &ExitError{Code: code, Message: fmt.Sprintf(format, args...)}
}
