package bitbucket

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnexpectedShape is wrapped by APIError when a payload does not match its endpoint variant.
var ErrUnexpectedShape = errors.New("unexpected response shape")

// ConfigurationError reports missing or contradictory client settings.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "bitbucket configuration: " + e.Reason
}

// NetworkError reports a transport level failure (connect, DNS, timeout).
type NetworkError struct {
	Endpoint string
	Err      error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("bitbucket request %s: %v", e.Endpoint, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// APIError reports a non-success status or an undecodable payload.
type APIError struct {
	Endpoint   string
	StatusCode int
	Messages   []string
	Body       string
	Err        error
}

func (e *APIError) Error() string {
	builder := strings.Builder{}
	builder.WriteString("bitbucket api ")
	builder.WriteString(e.Endpoint)
	if e.StatusCode > 0 {
		builder.WriteString(fmt.Sprintf(": status %d", e.StatusCode))
	}
	if len(e.Messages) > 0 {
		builder.WriteString(": ")
		builder.WriteString(strings.Join(e.Messages, "; "))
	} else if e.Body != "" {
		builder.WriteString(": ")
		builder.WriteString(e.Body)
	}
	if e.Err != nil {
		builder.WriteString(": ")
		builder.WriteString(e.Err.Error())
	}
	return builder.String()
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err is an APIError for a 404 response.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == 404
}
