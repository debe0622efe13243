package fleet

import "errors"

var (
	ErrTenantNotFound = errors.New("tenant not found")
	ErrAlreadyRunning = errors.New("listener already running")
	ErrNotRunning     = errors.New("listener not running")
	ErrStopped        = errors.New("orchestrator stopped")
)
