package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/jotworks/jot/internal/oracle"
	"github.com/jotworks/jot/internal/storage"
)

// Exit codes. Scripts can branch on these instead of parsing stderr.
const (
	exitInternal    = 1 // unexpected failure
	exitValidation  = 2 // bad input or arguments
	exitNotFound    = 3 // referenced record does not exist
	exitConflict    = 4 // state conflict (already resolved, name taken)
	exitUnavailable = 5 // oracle or queue unreachable
)

// exitCode maps an error to its exit code via the sentinel taxonomy.
func exitCode(err error) int {
	var sv *oracle.SchemaViolation
	switch {
	case storage.IsValidation(err), errors.As(err, &sv):
		return exitValidation
	case storage.IsNotFound(err):
		return exitNotFound
	case storage.IsConflict(err):
		return exitConflict
	case errors.Is(err, oracle.ErrUnavailable),
		errors.Is(err, oracle.ErrAPIKeyRequired),
		errors.Is(err, storage.ErrNotInitialized):
		return exitUnavailable
	default:
		return exitInternal
	}
}

// fail prints the error and exits with its mapped code.
func fail(err error) {
	if jsonOutput {
		outputJSONError(err)
	} else {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	os.Exit(exitCode(err))
}

func fatal(code int, format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(code)
}

func fatalWithHint(msg, hint string) {
	fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
	fmt.Fprintf(os.Stderr, "Hint: %s\n", hint)
	os.Exit(exitValidation)
}
