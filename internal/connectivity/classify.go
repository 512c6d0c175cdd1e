// Package connectivity decides whether a failed download is worth retrying
// later and watches for the network coming back.
package connectivity

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/italolelis/offline_sync/internal/transport"
)

// Kind is the category of a failure.
type Kind int

const (
	KindOther Kind = iota
	KindNetwork
	KindTimeout
	KindAborted
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindTimeout:
		return "timeout"
	case KindAborted:
		return "aborted"
	default:
		return "other"
	}
}

var retryableKeywords = []string{
	"network",
	"fetch",
	"timeout",
	"connection",
	"offline",
	"unreachable",
}

// IsRetryable reports whether err looks like a connectivity problem. Anything
// is retryable while offline. A worker that explicitly rejected the request is
// not, unless its own message names a network condition; the command and item
// key around that message are never matched.
func IsRetryable(err error, online bool) bool {
	if !online {
		return true
	}

	if err == nil {
		return false
	}

	if Classify(err) != KindOther {
		return true
	}

	msg := err.Error()

	var werr *transport.WorkerError
	if errors.As(err, &werr) {
		msg = werr.Message
	}

	msg = strings.ToLower(msg)
	for _, kw := range retryableKeywords {
		if strings.Contains(msg, kw) {
			return true
		}
	}

	return false
}

// Classify maps err to a Kind by type, never by message.
func Classify(err error) Kind {
	if err == nil {
		return KindOther
	}

	switch {
	case errors.Is(err, transport.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled), errors.Is(err, syscall.ECONNABORTED):
		return KindAborted
	case errors.Is(err, transport.ErrNoActiveWorker), errors.Is(err, transport.ErrConnectionClosed):
		return KindNetwork
	case errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, syscall.ENETUNREACH),
		errors.Is(err, syscall.EHOSTUNREACH):
		return KindNetwork
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return KindNetwork
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindNetwork
	}

	return KindOther
}
