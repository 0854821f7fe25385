package bitaxe

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedPayload indicates the device answered with JSON that cannot be used.
	ErrMalformedPayload = errors.New("malformed system info payload")

	// ErrNotAxeOS indicates the host answered but is not running AxeOS firmware.
	ErrNotAxeOS = errors.New("host is not running AxeOS firmware")
)

// APIError represents a non-success HTTP response from the device API.
type APIError struct {
	StatusCode int
	Message    string
	Endpoint   string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("axeos API error (HTTP %d) at %s: %s", e.StatusCode, e.Endpoint, e.Message)
	}
	return fmt.Sprintf("axeos API error (HTTP %d) at %s", e.StatusCode, e.Endpoint)
}

// IsNotFound returns true if the endpoint does not exist on the device.
func (e *APIError) IsNotFound() bool {
	return e.StatusCode == 404
}

// MissingFieldError reports a required snapshot field the device did not send.
type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("%s: missing required field %q", ErrMalformedPayload, e.Field)
}

// Is lets errors.Is(err, ErrMalformedPayload) match missing fields.
func (e *MissingFieldError) Is(target error) bool {
	return target == ErrMalformedPayload
}
