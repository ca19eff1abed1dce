package agent

import (
	"errors"
	"fmt"
)

// ErrMissingAppName is wrapped by ConfigError when the route has no app name.
var ErrMissingAppName = errors.New("route config has no appName")

// ConfigError means the route cannot be called as configured.
type ConfigError struct {
	Channel string
	Err     error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("agent config for channel %s: %v", e.Channel, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// TransportError means the agent could not be reached or did not answer in time.
type TransportError struct {
	URL     string
	Timeout bool
	Err     error
}

func (e *TransportError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("agent call to %s timed out: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("agent call to %s failed: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError means the agent answered with a non-2xx status or a body
// that is not an event array.
type ProtocolError struct {
	URL    string
	Status int
	Body   string // first bodySnippetLen bytes
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("agent %s returned an invalid response (status %d): %v", e.URL, e.Status, e.Err)
	}
	return fmt.Sprintf("agent %s returned status %d: %s", e.URL, e.Status, e.Body)
}

func (e *ProtocolError) Unwrap() error { return e.Err }
