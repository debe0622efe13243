package broadcast

import "errors"

var (
	ErrInvalidTransition = errors.New("invalid job transition")
	ErrJobNotFound       = errors.New("job not found")
	ErrInvalidContent    = errors.New("invalid job content")
	ErrStopped           = errors.New("broadcast engine stopped")
)
