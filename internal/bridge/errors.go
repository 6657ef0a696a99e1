package bridge

import "errors"

var (
	// ErrNoSuchSession means a follow-up arrived for a session with no live
	// or persisted record.
	ErrNoSuchSession = errors.New("bridge: no such session")

	// ErrNotSupported is returned by OnSessionCreated on socket adapters.
	ErrNotSupported = errors.New("bridge: not supported by this adapter")

	// ErrShuttingDown rejects new work during graceful shutdown.
	ErrShuttingDown = errors.New("bridge: shutting down")
)
