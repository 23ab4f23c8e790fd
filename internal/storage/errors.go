// Package storage provides shared option parsing for inventory backends.
package storage

import "fmt"

// ConfigError describes an invalid or unusable backend option.
type ConfigError struct {
	Backend string
	Key     string
	Value   string
	Message string
	Cause   error
}

func (e *ConfigError) Error() string {
	switch {
	case e.Key == "":
		return fmt.Sprintf("%s: %s", e.Backend, e.Message)
	case e.Value == "":
		return fmt.Sprintf("%s: %s: %s", e.Backend, e.Key, e.Message)
	default:
		return fmt.Sprintf("%s: %s=%q: %s", e.Backend, e.Key, e.Value, e.Message)
	}
}

func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// NewConfigError reports a problem with a single option key.
func NewConfigError(backend, key, message string) *ConfigError {
	return &ConfigError{Backend: backend, Key: key, Message: message}
}

// NewConfigErrorWithValue reports a key whose value could not be used.
func NewConfigErrorWithValue(backend, key, value, message string) *ConfigError {
	return &ConfigError{Backend: backend, Key: key, Value: value, Message: message}
}

// NewConfigErrorWithCause reports a failure while acting on an option,
// such as opening the path it names.
func NewConfigErrorWithCause(backend, key, message string, cause error) *ConfigError {
	return &ConfigError{Backend: backend, Key: key, Message: message, Cause: cause}
}
