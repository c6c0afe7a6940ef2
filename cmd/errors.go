package cmd

import (
	"context"
	"errors"

	"github.com/dk8moore/dr-website/internal/driver"
	"github.com/dk8moore/dr-website/internal/output"
	"github.com/dk8moore/dr-website/internal/validator"
)

// usageError marks bad flag or argument combinations
type usageError struct {
	msg string
}

func (e *usageError) Error() string {
	return e.msg
}

func newUsageError(msg string) error {
	return &usageError{msg: msg}
}

// toCLIError classifies err into a user-facing error with an exit code
func toCLIError(err error) *output.CLIError {
	var cliErr *output.CLIError
	if errors.As(err, &cliErr) {
		return cliErr
	}

	var usage *usageError
	if errors.As(err, &usage) {
		return &output.CLIError{Summary: usage.msg, ExitCode: output.ExitUsageError, Err: err}
	}

	var invalid *validator.ValidationError
	if errors.As(err, &invalid) {
		return &output.CLIError{
			Summary:  "invalid input",
			Detail:   invalid.Error(),
			ExitCode: output.ExitUsageError,
			Err:      err,
		}
	}

	if errors.Is(err, driver.ErrRefreshRejected) || errors.Is(err, driver.ErrUnauthorized) {
		return &output.CLIError{
			Summary:    "not signed in",
			Detail:     err.Error(),
			Suggestion: "Run 'drctl login' to start a new session",
			ExitCode:   output.ExitAuthError,
			Err:        err,
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &output.CLIError{
			Summary:    "request timed out",
			Detail:     err.Error(),
			Suggestion: "Check api.base_url or raise api.timeout",
			ExitCode:   output.ExitTimeout,
			Err:        err,
		}
	}

	var apiErr *driver.APIError
	if errors.As(err, &apiErr) {
		return &output.CLIError{
			Summary:  apiErr.Message("the server rejected the request"),
			Detail:   apiErr.Error(),
			ExitCode: output.ExitAPIError,
			Err:      err,
		}
	}

	var decodeErr *driver.DecodeError
	if errors.As(err, &decodeErr) {
		return &output.CLIError{
			Summary:  "unexpected response from the server",
			Detail:   decodeErr.Error(),
			ExitCode: output.ExitAPIError,
			Err:      err,
		}
	}

	return &output.CLIError{Summary: err.Error(), ExitCode: output.ExitGeneral, Err: err}
}
