package custom_errors

import "errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrJobNotFound     = errors.New("job not found")
	ErrDuplicateJob    = errors.New("job with this id is already pending or running")
	ErrHandlerNotFound = errors.New("handler not found")
	ErrInvalidPayload  = errors.New("invalid job payload")
	ErrPoolExhausted   = errors.New("proxy pool exhausted")
	ErrUpstream        = errors.New("upstream request failed")
	ErrNotLinked       = errors.New("account has no linked channel")
	ErrInvalidCron     = errors.New("invalid cron expression")
)
