package registry

import "errors"

var (
	ErrInvalidChannel   = errors.New("channel id is required")
	ErrDuplicateChannel = errors.New("channel already has a config entry")
	ErrUnknownChannel   = errors.New("channel has no config entry")
	ErrInvalidProperty  = errors.New("invalid channel property")
	ErrRegistryNotReady = errors.New("registry not loaded yet")

	// ErrStoreWrite wraps failures of the persistent store; the cache is left unchanged.
	ErrStoreWrite = errors.New("config store write failed")

	// ErrInconsistent means the store and the cache disagreed and the cache was reloaded.
	ErrInconsistent = errors.New("config store and cache diverged")
)
