package domain

import (
	"fmt"
	"strings"
)

// FieldError names one rejected agent field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError is returned when agent configuration fails validation.
type ValidationError struct {
	Fields []FieldError `json:"fields"`
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = fmt.Sprintf("%s %s", f.Field, f.Message)
	}
	return "invalid agent config: " + strings.Join(parts, "; ")
}

func (e *ValidationError) check(ok bool, field, msg string) {
	if !ok {
		e.Fields = append(e.Fields, FieldError{Field: field, Message: msg})
	}
}

func (e *ValidationError) errOrNil() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}
