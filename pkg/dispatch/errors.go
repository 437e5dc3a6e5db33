package dispatch

import "errors"

var (
	// ErrNotFound reports that no registered backend can serve a tool.
	ErrNotFound = errors.New("dispatch: no backend serves tool")
	// ErrUnavailable reports that the chosen backend failed or timed out.
	ErrUnavailable = errors.New("dispatch: backend unavailable")
	// ErrCapacityExceeded reports that the caller gave up while queued for
	// an outbound slot.
	ErrCapacityExceeded = errors.New("dispatch: outbound capacity exceeded")
	// ErrUnknownServer reports an operation against an unregistered server id.
	ErrUnknownServer = errors.New("dispatch: unknown server")
	// ErrDuplicateServer rejects re-registration of an existing server id.
	ErrDuplicateServer = errors.New("dispatch: server already registered")
)
