package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle position of a download.
type Status int

const (
	StatusRequested Status = iota
	StatusInProgress
	StatusCompleted
	StatusFailed
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusRequested:
		return "requested"
	case StatusInProgress:
		return "in_progress"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// download is the state of one active item. All fields except done are
// guarded by Coordinator.mu.
type download struct {
	itemKey   string
	basePath  string
	status    Status
	completed int
	total     int
	startedAt time.Time

	err  error
	done chan struct{}
}

func newDownload(itemKey, basePath string, now time.Time) *download {
	return &download{
		itemKey:   itemKey,
		basePath:  basePath,
		status:    StatusRequested,
		startedAt: now,
		done:      make(chan struct{}),
	}
}

// Pending is the caller's handle on an accepted download.
type Pending struct {
	c *Coordinator
	d *download
}

func (p *Pending) ItemKey() string {
	return p.d.itemKey
}

// Done is closed once the download reached a terminal status.
func (p *Pending) Done() <-chan struct{} {
	return p.d.done
}

// Wait blocks until the download completes, fails or is cancelled. If ctx
// ends first the download is cancelled cooperatively and the returned error
// matches both ErrCancelled and ctx.Err().
func (p *Pending) Wait(ctx context.Context) error {
	select {
	case <-p.d.done:
		return p.result()
	case <-ctx.Done():
	}

	go p.c.cancel(context.WithoutCancel(ctx), p.d)

	<-p.d.done

	err := p.result()
	if errors.Is(err, ErrCancelled) {
		return fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
	}

	return err
}

func (p *Pending) result() error {
	p.c.mu.Lock()
	defer p.c.mu.Unlock()

	return p.d.err
}

// ItemProgress is a point-in-time view of one active download.
type ItemProgress struct {
	ItemKey   string `json:"itemKey"`
	Status    Status `json:"status"`
	Completed int    `json:"completed"`
	Total     int    `json:"total"`
	Percent   int    `json:"percent"`
}

// Progress is the result of GetDownloadProgress.
type Progress struct {
	InProgress bool                    `json:"inProgress"`
	ActiveKeys []string                `json:"activeKeys"`
	Items      map[string]ItemProgress `json:"progress"`
}

// CacheStatus summarises the whole offline cache.
type CacheStatus struct {
	ChapterCount int   `json:"chapterCount"`
	SizeBytes    int64 `json:"sizeBytes"`
}

// ItemCacheStatus summarises the offline cache for one item.
type ItemCacheStatus struct {
	ItemKey        string `json:"itemKey"`
	CachedChapters int    `json:"cachedChapters"`
	CachedBooks    int    `json:"cachedBooks"`
	TotalChapters  int    `json:"totalChapters"`
	IsFullyCached  bool   `json:"isFullyCached"`
}

// Outcome is the result of a download with retry fallback.
type Outcome struct {
	Success bool  `json:"success"`
	Queued  bool  `json:"queued"`
	Err     error `json:"-"`
}

// RetryReport summarises one RetryPending pass.
type RetryReport struct {
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Dropped   int `json:"dropped"`
	Kept      int `json:"kept"`
}
