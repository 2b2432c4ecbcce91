// Package form validates and normalizes user input before it reaches the
// identity provider or the story backend.
package form

import (
	"errors"
	"strings"
)

// ValidationError is a rejected field. Message is shown to the user as is.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e == nil {
		return ""
	}
	return e.Field + ": " + e.Message
}

// UserMessage is the display text of the error.
func (e *ValidationError) UserMessage() string { return e.Message }

// Errors collects every rejected field of one form.
type Errors []*ValidationError

func (es Errors) Error() string {
	msgs := make([]string, len(es))
	for i, e := range es {
		msgs[i] = e.Error()
	}
	return strings.Join(msgs, "; ")
}

// UserMessage is the message of the first rejected field.
func (es Errors) UserMessage() string {
	if len(es) == 0 {
		return ""
	}
	return es[0].Message
}

func (es Errors) Unwrap() []error {
	out := make([]error, len(es))
	for i, e := range es {
		out[i] = e
	}
	return out
}

// Field returns the message for field, or "".
func (es Errors) Field(name string) string {
	for _, e := range es {
		if e.Field == name {
			return e.Message
		}
	}
	return ""
}

func (es *Errors) add(field, msg string) {
	*es = append(*es, &ValidationError{Field: field, Message: msg})
}

func (es Errors) err() error {
	if len(es) == 0 {
		return nil
	}
	return es
}

// FieldErrors returns the per-field messages carried by err, if any.
func FieldErrors(err error) map[string]string {
	out := make(map[string]string)
	var es Errors
	if errors.As(err, &es) {
		for _, e := range es {
			if _, ok := out[e.Field]; !ok {
				out[e.Field] = e.Message
			}
		}
		return out
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		out[ve.Field] = ve.Message
	}
	return out
}
