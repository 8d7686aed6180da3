package custom_errors

import (
	"fmt"
	"strings"
)

// ValidationError collects every problem found in one input so they can be reported together.
type ValidationError struct {
	Errors []error `json:"errors"`
}

// Add records err. Nil errors are ignored.
func (v *ValidationError) Add(err error) {
	if err != nil {
		v.Errors = append(v.Errors, err)
	}
}

func (v *ValidationError) HasError() bool {
	return len(v.Errors) > 0
}

func (v *ValidationError) Error() string {
	switch len(v.Errors) {
	case 0:
		return ""
	case 1:
		return "validation failed: " + v.Errors[0].Error()
	}
	msgs := make([]string, len(v.Errors))
	for i, err := range v.Errors {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("validation failed with %d errors: %s", len(v.Errors), strings.Join(msgs, "; "))
}

// Unwrap exposes the collected errors to errors.Is / errors.As.
func (v *ValidationError) Unwrap() []error {
	return v.Errors
}
