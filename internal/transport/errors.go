package transport

import (
	"errors"
	"fmt"
	"time"

	"github.com/italolelis/offline_sync/internal/protocol"
)

var (
	// ErrUnsupported means the host cannot provide a worker channel at all.
	ErrUnsupported = errors.New("worker transport not supported")

	// ErrNoActiveWorker means no worker currently controls the session.
	ErrNoActiveWorker = errors.New("no active worker")

	// ErrConnectionClosed means the worker went away while a reply was due.
	ErrConnectionClosed = errors.New("worker connection closed")

	// ErrTimeout matches every *TimeoutError.
	ErrTimeout = errors.New("transport timeout")
)

// TimeoutError represents a request that did not receive its reply before the
// deadline. The request is abandoned and a late reply is discarded.
type TimeoutError struct {
	Command protocol.CommandType // Command that was sent
	After   time.Duration        // Deadline that elapsed
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Command, e.After)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// Timeout lets callers treat the error like a net.Error timeout.
func (e *TimeoutError) Timeout() bool {
	return true
}

// WorkerError represents a failure the worker reported explicitly, either in
// a reply or through an ERROR notification. Message is kept verbatim.
type WorkerError struct {
	Command protocol.CommandType // Command the worker was executing
	ItemKey string               // Item the failure relates to, if any
	Message string               // Error text as reported by the worker
}

func (e *WorkerError) Error() string {
	if e.ItemKey != "" {
		return fmt.Sprintf("worker failed %s for %s: %s", e.Command, e.ItemKey, e.Message)
	}

	return fmt.Sprintf("worker failed %s: %s", e.Command, e.Message)
}
