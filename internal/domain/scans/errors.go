package scans

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateID is returned when a non-terminal scan already owns the id.
	ErrDuplicateID = errors.New("scan id already in use")
	// ErrNotFound is returned for unknown scan ids.
	ErrNotFound = errors.New("scan not found")
	// ErrAlreadyTerminal reports a rejected transition out of a terminal status.
	ErrAlreadyTerminal = errors.New("scan already terminal")
	// ErrSpawnFailure wraps the reason a worker could not be started.
	ErrSpawnFailure = errors.New("worker spawn failed")
	// ErrHandleExists is returned when a worker is already live for the id.
	ErrHandleExists = errors.New("worker already running for scan")
	// ErrInvalidConfig wraps validation failures of a ScanConfig.
	ErrInvalidConfig = errors.New("invalid scan configuration")
	// ErrSubscriptionClosed is returned by Subscriber.Next after Close.
	ErrSubscriptionClosed = errors.New("subscription closed")

	// ErrHistoryDisabled is returned when no history sink is configured.
	ErrHistoryDisabled = errors.New("scan history not configured")

	// ErrLLMRejected indicates the provider refused the supplied credentials or model.
	ErrLLMRejected = errors.New("llm credentials rejected")
	// ErrLLMQuota indicates the provider returned a quota/limit error (HTTP 429 or similar).
	ErrLLMQuota = errors.New("llm quota exceeded")
)

func invalidConfig(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}
