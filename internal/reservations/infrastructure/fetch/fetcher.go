// Package fetch retrieves raw source payloads with bounded concurrency,
// per-source timeouts, retries and circuit breakers.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/felixgeelhaar/staysync/internal/reservations/domain"
)

// Response is the raw payload of one source.
type Response struct {
	Body []byte
	// NotModified is set when the source confirmed the cached body is current.
	NotModified bool
}

// Fetcher retrieves the payload of one source. Failures are returned as
// *domain.SourceFetchError so the pool can tell transient from permanent.
type Fetcher interface {
	Fetch(ctx context.Context, src domain.SourceDescriptor) (Response, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, src domain.SourceDescriptor) (Response, error)

func (f FetcherFunc) Fetch(ctx context.Context, src domain.SourceDescriptor) (Response, error) {
	return f(ctx, src)
}

// ErrCircuitOpen is returned for a source whose breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker open")

// transient wraps err as a retryable fetch failure.
func transient(src domain.SourceDescriptor, status int, err error) error {
	return &domain.SourceFetchError{SourceID: src.ID, Transient: true, StatusCode: status, Err: err}
}

// permanent wraps err as a fetch failure that retrying cannot fix.
func permanent(src domain.SourceDescriptor, status int, err error) error {
	return &domain.SourceFetchError{SourceID: src.ID, Transient: false, StatusCode: status, Err: err}
}

// classifyStatus maps an HTTP status to a fetch error. 2xx and 304 are not errors.
func classifyStatus(src domain.SourceDescriptor, status int) error {
	switch {
	case status >= 200 && status < 300, status == http.StatusNotModified:
		return nil
	case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout, status >= 500:
		return transient(src, status, fmt.Errorf("unexpected status %s", http.StatusText(status)))
	default:
		return permanent(src, status, fmt.Errorf("unexpected status %s", http.StatusText(status)))
	}
}

// classifyTransport decides whether a request error is worth retrying.
// Timeouts and network failures are; malformed requests are not.
func classifyTransport(src domain.SourceDescriptor, err error) error {
	var fe *domain.SourceFetchError
	if errors.As(err, &fe) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return transient(src, 0, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return transient(src, 0, err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return transient(src, 0, err)
	}
	return permanent(src, 0, err)
}
