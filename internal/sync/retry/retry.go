// Package retry classifies sync failures and re-runs whole sync cycles on
// a fixed backoff schedule.
package retry

import (
	"context"
	stderrors "errors"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	apperrors "github.com/fieldsync/core/internal/errors"
	"github.com/fieldsync/core/internal/logging"
)

// Class is the retry class of an error.
type Class int

const (
	// Permanent errors are not retried.
	Permanent Class = iota
	// Retryable errors are transient: timeouts, 5xx, lost connections.
	Retryable
	// Fatal errors end retrying and require re-authentication.
	Fatal
)

func (c Class) String() string {
	switch c {
	case Retryable:
		return "retryable"
	case Fatal:
		return "fatal"
	}
	return "permanent"
}

// StatusCoder is implemented by errors that carry an HTTP status code.
type StatusCoder interface {
	StatusCode() int
}

// Classify maps an error to its retry class.
func Classify(err error) Class {
	if err == nil {
		return Permanent
	}

	var sc StatusCoder
	if stderrors.As(err, &sc) {
		return classifyStatus(sc.StatusCode())
	}

	switch {
	case apperrors.Is(err, apperrors.ErrSyncAuthFailed):
		return Fatal
	case apperrors.Is(err, apperrors.ErrSyncTimeout), apperrors.Is(err, apperrors.ErrSyncOffline):
		return Retryable
	}

	if stderrors.Is(err, context.DeadlineExceeded) {
		return Retryable
	}
	if stderrors.Is(err, io.EOF) || stderrors.Is(err, io.ErrUnexpectedEOF) {
		return Retryable
	}
	if stderrors.Is(err, syscall.ECONNREFUSED) || stderrors.Is(err, syscall.ECONNRESET) ||
		stderrors.Is(err, syscall.ECONNABORTED) || stderrors.Is(err, syscall.ENETUNREACH) ||
		stderrors.Is(err, syscall.EHOSTUNREACH) || stderrors.Is(err, syscall.EPIPE) {
		return Retryable
	}

	var dnsErr *net.DNSError
	if stderrors.As(err, &dnsErr) {
		return Retryable
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return Retryable
	}
	var opErr *net.OpError
	if stderrors.As(err, &opErr) {
		return Retryable
	}

	msg := strings.ToLower(err.Error())
	for _, s := range []string{"connection refused", "connection reset", "no such host", "timeout", "network is unreachable"} {
		if strings.Contains(msg, s) {
			return Retryable
		}
	}
	return Permanent
}

func classifyStatus(code int) Class {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return Fatal
	case code == http.StatusRequestTimeout || code >= 500:
		return Retryable
	}
	return Permanent
}

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	return Classify(err) == Retryable
}

// DefaultDelays is the fixed backoff schedule between attempts.
var DefaultDelays = []time.Duration{1 * time.Second, 3 * time.Second, 10 * time.Second}

// Policy bounds a retry loop.
type Policy struct {
	// MaxAttempts is the number of retries after the first run.
	MaxAttempts int
	// Delays[i] is the wait before retry i+1. The last entry repeats.
	Delays []time.Duration
	// Sleep waits for d or until ctx ends. Nil uses a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultPolicy retries three times after 1s, 3s and 10s.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, Delays: DefaultDelays}
}

// Delay returns the wait before retry n (1-based).
func (p Policy) Delay(n int) time.Duration {
	if len(p.Delays) == 0 || n <= 0 {
		return 0
	}
	if n > len(p.Delays) {
		return p.Delays[len(p.Delays)-1]
	}
	return p.Delays[n-1]
}

func (p Policy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do runs fn and re-runs it while it fails with a retryable error, up to
// MaxAttempts retries. It returns the last error.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	err := fn(ctx)
	for retry := 1; err != nil && retry <= p.MaxAttempts; retry++ {
		class := Classify(err)
		if class != Retryable {
			return err
		}

		delay := p.Delay(retry)
		logging.Warn("Retrying after transient failure",
			map[string]interface{}{
				"retry": retry,
				"delay": delay.String(),
				"error": err.Error(),
			})
		if serr := p.sleep(ctx, delay); serr != nil {
			return err
		}
		err = fn(ctx)
	}
	return err
}
