package validator

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Validator wraps the go-playground validator with JSON field naming
type Validator struct {
	validator *validator.Validate
}

// New creates a new validator instance
func New() *Validator {
	validate := validator.New(validator.WithRequiredStructEnabled())

	// Use JSON field names for validation error messages
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	return &Validator{
		validator: validate,
	}
}

// Validate validates a struct and returns a *ValidationError on failure
func (v *Validator) Validate(i interface{}) error {
	err := v.validator.Struct(i)
	if err == nil {
		return nil
	}

	var errs validator.ValidationErrors
	if errors.As(err, &errs) {
		return NewValidationError(errs)
	}
	return err
}

// ValidationError represents a validation error with user-friendly messages
type ValidationError struct {
	Errors map[string]string `json:"errors"`
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	fields := make([]string, 0, len(e.Errors))
	for field := range e.Errors {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	messages := make([]string, 0, len(fields))
	for _, field := range fields {
		messages = append(messages, e.Errors[field])
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(messages, ", "))
}

// NewValidationError creates a ValidationError from validator.ValidationErrors
func NewValidationError(errs validator.ValidationErrors) *ValidationError {
	messages := make(map[string]string)

	for _, err := range errs {
		field := err.Field()

		switch err.Tag() {
		case "required":
			messages[field] = fmt.Sprintf("%s is required", field)
		case "email":
			messages[field] = fmt.Sprintf("%s must be a valid email address", field)
		case "min":
			messages[field] = fmt.Sprintf("%s must be at least %s characters long", field, err.Param())
		case "max":
			messages[field] = fmt.Sprintf("%s must be at most %s characters long", field, err.Param())
		case "eqfield":
			messages[field] = "passwords do not match"
		case "nefield":
			messages[field] = fmt.Sprintf("%s must differ from the current password", field)
		case "datetime":
			messages[field] = fmt.Sprintf("%s must use the format YYYY-MM-DD", field)
		case "required_with":
			messages[field] = fmt.Sprintf("%s is required when a file is attached", field)
		default:
			messages[field] = fmt.Sprintf("%s is invalid", field)
		}
	}

	return &ValidationError{Errors: messages}
}
