package coordinator

import (
	"context"
	"errors"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/italolelis/offline_sync/internal/connectivity"
	"github.com/italolelis/offline_sync/internal/logctx"
)

// DownloadWithRetryFallback downloads itemKey and, when the failure looks like
// a connectivity problem, queues it for a background retry instead of
// returning the error.
func (c *Coordinator) DownloadWithRetryFallback(ctx context.Context, itemKey, basePath string) Outcome {
	return c.Fallback(ctx, itemKey, basePath, c.DownloadBible(ctx, itemKey, basePath))
}

// StartWithRetryFallback starts a download without waiting for it. Duplicate,
// uninitialized and invalid requests are rejected right away; every other
// outcome, including a failed start, arrives on the returned channel. ctx must
// outlive the download.
func (c *Coordinator) StartWithRetryFallback(ctx context.Context, itemKey, basePath string) (<-chan Outcome, error) {
	out := make(chan Outcome, 1)

	p, err := c.Begin(ctx, itemKey, basePath)

	switch {
	case errors.Is(err, ErrAlreadyInProgress), errors.Is(err, ErrNotInitialized), errors.Is(err, ErrEmptyItemKey):
		return nil, err
	case err != nil:
		out <- c.Fallback(ctx, itemKey, basePath, err)

		return out, nil
	}

	go func() {
		out <- c.Fallback(ctx, itemKey, basePath, p.Wait(ctx))
	}()

	return out, nil
}

// Fallback turns the result of a download attempt into an Outcome, queueing
// retryable failures.
func (c *Coordinator) Fallback(ctx context.Context, itemKey, basePath string, err error) Outcome {
	if err == nil {
		return Outcome{Success: true}
	}

	ctx = logctx.WithItemKey(ctx, itemKey)
	logger := logctx.LoggerFromContext(ctx)

	// Duplicates and cancellations are caller decisions, never queued.
	if errors.Is(err, ErrAlreadyInProgress) || errors.Is(err, ErrCancelled) {
		return Outcome{Err: err}
	}

	if !connectivity.IsRetryable(err, c.online()) {
		logger.DebugContext(ctx, "download failure is not retryable", "err", err)

		return Outcome{Err: err}
	}

	if !c.queue.Enqueue(context.WithoutCancel(ctx), itemKey, basePath) {
		return Outcome{Err: err}
	}

	logger.InfoContext(ctx, "download queued for retry", "err", err)

	return Outcome{Queued: true}
}

// RetryPending retries every queued download and blocks until the pass is
// over. Successful and permanently failed entries leave the queue; retryable
// failures stay for the next pass. Only one pass runs at a time; a call made
// while another is running returns ErrRetryInProgress.
func (c *Coordinator) RetryPending(ctx context.Context) (RetryReport, error) {
	if !c.queue.Supported() {
		return RetryReport{}, nil
	}

	if !c.Initialized() {
		return RetryReport{}, ErrNotInitialized
	}

	if !c.retrying.CompareAndSwap(false, true) {
		return RetryReport{}, ErrRetryInProgress
	}
	defer c.retrying.Store(false)

	return c.retryPass(ctx)
}

// StartRetryPending runs a RetryPending pass in the background. It returns
// false without starting anything when there is nothing to retry with or a
// pass is already running.
func (c *Coordinator) StartRetryPending(ctx context.Context) bool {
	if !c.queue.Supported() || !c.Initialized() {
		return false
	}

	if !c.retrying.CompareAndSwap(false, true) {
		logctx.LoggerFromContext(ctx).DebugContext(ctx, "retry pass already running")

		return false
	}

	go func() {
		defer c.retrying.Store(false)

		if _, err := c.retryPass(ctx); err != nil {
			logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to retry queued downloads", "err", err)
		}
	}()

	return true
}

func (c *Coordinator) retryPass(ctx context.Context) (RetryReport, error) {
	logger := logctx.LoggerFromContext(ctx)

	entries, err := c.queue.ListPending(ctx)
	if err != nil {
		return RetryReport{}, err
	}

	if len(entries) == 0 {
		return RetryReport{}, nil
	}

	logger.InfoContext(ctx, "retrying queued downloads", "count", len(entries))

	var succeeded, dropped, kept atomic.Int32

	var g errgroup.Group
	g.SetLimit(c.retryParallel)

	for _, entry := range entries {
		g.Go(func() error {
			ctx := logctx.WithItemKey(ctx, entry.ItemKey)
			logger := logctx.LoggerFromContext(ctx)

			err := c.DownloadBible(ctx, entry.ItemKey, entry.BasePath)

			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, ErrAlreadyInProgress):
				kept.Add(1)

				return nil
			case connectivity.IsRetryable(err, c.online()):
				logger.InfoContext(ctx, "queued download still failing, keeping it", "err", err)
				kept.Add(1)

				return nil
			default:
				logger.WarnContext(ctx, "dropping queued download after permanent failure", "err", err)
				dropped.Add(1)
			}

			if err := c.queue.Dequeue(ctx, entry.ItemKey); err != nil {
				logger.ErrorContext(ctx, "failed to dequeue download", "err", err)
			}

			return nil
		})
	}

	_ = g.Wait()

	report := RetryReport{
		Attempted: len(entries),
		Succeeded: int(succeeded.Load()),
		Dropped:   int(dropped.Load()),
		Kept:      int(kept.Load()),
	}

	logger.InfoContext(ctx, "retry pass finished",
		"attempted", report.Attempted,
		"succeeded", report.Succeeded,
		"dropped", report.Dropped,
		"kept", report.Kept)

	return report, nil
}
