package coordinator

import (
	"errors"
	"fmt"

	"github.com/italolelis/offline_sync/internal/transport"
)

var (
	// ErrNotInitialized is returned by every operation that needs the worker
	// before Initialize succeeded, or after the worker went away.
	ErrNotInitialized = errors.New("coordinator not initialized")

	// ErrTransportUnavailable means no worker channel exists on this host or
	// the worker connection was lost mid-download.
	ErrTransportUnavailable = errors.New("worker connection unavailable")

	// ErrReadyTimeout means the worker never reported that it was ready.
	ErrReadyTimeout = errors.New("worker ready timeout")

	// ErrAlreadyInProgress matches every *AlreadyInProgressError.
	ErrAlreadyInProgress = errors.New("download already in progress")

	// ErrCancelled is the rejection reason of a download cancelled through
	// CancelDownload or by its caller's context.
	ErrCancelled = errors.New("download cancelled")

	ErrEmptyItemKey = errors.New("item key is required")

	// ErrRetryInProgress means another RetryPending pass is still running.
	ErrRetryInProgress = errors.New("retry pass already in progress")
)

// AlreadyInProgressError rejects a second download request for an item that
// is still being downloaded.
type AlreadyInProgressError struct {
	ItemKey string
}

func (e *AlreadyInProgressError) Error() string {
	return fmt.Sprintf("download of %s already in progress", e.ItemKey)
}

func (e *AlreadyInProgressError) Is(target error) bool {
	return target == ErrAlreadyInProgress
}

// unavailable reports a send that failed because the worker is gone as
// ErrTransportUnavailable. Other errors are returned unchanged.
func unavailable(err error) error {
	if errors.Is(err, transport.ErrConnectionClosed) || errors.Is(err, transport.ErrNoActiveWorker) {
		return fmt.Errorf("%w: %w", ErrTransportUnavailable, err)
	}

	return err
}
