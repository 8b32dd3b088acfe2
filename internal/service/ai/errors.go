package ai

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConfigured marks a provider whose credentials are missing.
	ErrNotConfigured = errors.New("provider not configured")
	// ErrUnknownModel marks a model id outside the catalog.
	ErrUnknownModel = errors.New("unknown model")
	// ErrProviderCall marks a failed or empty provider response.
	ErrProviderCall = errors.New("provider call failed")
)

// ConfigError is raised before any network call when a model cannot be bound.
type ConfigError struct {
	kind     error
	Provider string
	Setting  string
	Message  string
}

func (e *ConfigError) Error() string {
	return e.Message
}

func (e *ConfigError) Unwrap() error {
	return e.kind
}

func missingSetting(provider, setting string) *ConfigError {
	return &ConfigError{
		kind:     ErrNotConfigured,
		Provider: provider,
		Setting:  setting,
		Message:  fmt.Sprintf("provider %s not configured: missing setting %q", provider, setting),
	}
}

func unreadableSetting(provider, setting string) *ConfigError {
	return &ConfigError{
		kind:     ErrNotConfigured,
		Provider: provider,
		Setting:  setting,
		Message:  fmt.Sprintf("provider %s not configured: setting %q cannot be decrypted with the current key", provider, setting),
	}
}

func providerError(provider string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrProviderCall, provider, err)
}
