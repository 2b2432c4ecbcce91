package client

import (
	"bytes"
	"encoding/json"
)

// Envelope is the JSON wrapper around every backend response.
type Envelope[T any] struct {
	Status  int          `json:"status"`
	Message string       `json:"message"`
	Data    T            `json:"data"`
	Error   *ErrorDetail `json:"error,omitempty"`

	// HTTPStatus is the transport status code the envelope arrived with.
	HTTPStatus int `json:"-"`
}

// ErrorDetail is the structured error of an envelope. Backends also send the
// error field as a bare string; that form lands in Text.
type ErrorDetail struct {
	Message string `json:"message,omitempty"`
	Details any    `json:"details,omitempty"`
	Text    string `json:"-"`
}

// UnmarshalJSON accepts either an object or a string. Other shapes are
// ignored rather than failing the whole envelope.
func (d *ErrorDetail) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	switch data[0] {
	case '"':
		return json.Unmarshal(data, &d.Text)
	case '{':
		var obj struct {
			Message string `json:"message"`
			Details any    `json:"details"`
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			return nil
		}
		d.Message = obj.Message
		d.Details = obj.Details
	}
	return nil
}

// rawEnvelope keeps data undecoded so presence can be told apart from a
// zero value.
type rawEnvelope struct {
	Status  int             `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Error   *ErrorDetail    `json:"error"`
}

// parseLenient decodes an error body. Any failure yields an empty envelope.
func parseLenient(body []byte) rawEnvelope {
	var env rawEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return rawEnvelope{}
	}
	return env
}
