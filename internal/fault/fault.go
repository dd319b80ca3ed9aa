package fault

import (
	"errors"
	"fmt"
)

// Kind sentinels. Callers branch with errors.Is; user-facing surfaces only
// ever see the wrapped message.
var (
	ErrValidation       = errors.New("validation failed")
	ErrNetwork          = errors.New("network error")
	ErrHTTP             = errors.New("http error")
	ErrTimeout          = errors.New("timed out")
	ErrProviderConfig   = errors.New("provider not configured")
	ErrDecode           = errors.New("decode error")
	ErrPermissionDenied = errors.New("permission denied")
)

// HTTPError carries the provider status code alongside the ErrHTTP kind.
type HTTPError struct {
	Status  int
	Message string
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("provider returned status %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("provider returned status %d", e.Status)
}

func (e *HTTPError) Unwrap() error { return ErrHTTP }

func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func Network(err error) error {
	return fmt.Errorf("%w: %v", ErrNetwork, err)
}

func HTTP(status int, message string) error {
	return &HTTPError{Status: status, Message: message}
}

func Timeout(op string) error {
	return fmt.Errorf("%s %w", op, ErrTimeout)
}

func ProviderConfig(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrProviderConfig, fmt.Sprintf(format, args...))
}

func Decode(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrDecode, fmt.Sprintf(format, args...))
}

func Permission(detail string) error {
	return fmt.Errorf("%w: %s", ErrPermissionDenied, detail)
}
