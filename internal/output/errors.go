package output

import (
	"fmt"

	"github.com/fatih/color"
)

// Process exit codes. Scripts can branch on ExitAuthError to trigger a login.
const (
	ExitSuccess     = 0
	ExitGeneral     = 1
	ExitUsageError  = 2
	ExitAPIError    = 3
	ExitConfigError = 4
	ExitTimeout     = 5
	ExitAuthError   = 6
)

// CLIError is an error annotated for the person at the terminal
type CLIError struct {
	Summary    string
	Detail     string
	Suggestion string
	ExitCode   int
	Err        error
}

func (e *CLIError) Error() string { return e.Summary }

func (e *CLIError) Unwrap() error { return e.Err }

// FormatError writes e to stderr as a summary line followed by optional cause and suggestion lines
func (p *Printer) FormatError(e *CLIError) {
	if p.useColors {
		color.New(color.FgRed, color.Bold).Fprintf(p.err, "Error: %s\n", e.Summary)
	} else {
		fmt.Fprintf(p.err, "[ERROR] %s\n", e.Summary)
	}
	if e.Detail != "" {
		fmt.Fprintf(p.err, "  Cause: %s\n", e.Detail)
	}
	if e.Suggestion == "" {
		return
	}
	if p.useColors {
		color.New(color.FgCyan).Fprintf(p.err, "  Suggestion: %s\n", e.Suggestion)
		return
	}
	fmt.Fprintf(p.err, "  Suggestion: %s\n", e.Suggestion)
}
