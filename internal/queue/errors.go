package queue

import "errors"

var (
	// ErrRateLimited is returned by AddJob when the queue's bucket is empty
	ErrRateLimited = errors.New("rate limit exceeded")
	// ErrShuttingDown is returned once Shutdown has begun
	ErrShuttingDown = errors.New("queue manager is shutting down")
	// ErrUnknownQueue is returned for unconfigured queues in strict mode
	ErrUnknownQueue = errors.New("unknown queue")
)
