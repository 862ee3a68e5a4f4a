package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/felixgeelhaar/staysync/internal/reservations/domain"
)

// DefaultMaxBodyBytes caps a single payload.
const DefaultMaxBodyBytes = 20 << 20

type cacheEntry struct {
	etag         string
	lastModified string
	body         []byte
}

// HTTPFetcher GETs calendar feeds and portal exports. Validators from the
// last successful response are replayed as a conditional request, and a 304
// returns the cached body.
type HTTPFetcher struct {
	client       *http.Client
	userAgent    string
	maxBodyBytes int64

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// HTTPOption configures an HTTPFetcher.
type HTTPOption func(*HTTPFetcher)

// WithHTTPClient sets the client used for requests.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(f *HTTPFetcher) { f.client = c }
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) HTTPOption {
	return func(f *HTTPFetcher) { f.userAgent = ua }
}

// WithMaxBodyBytes caps the accepted payload size.
func WithMaxBodyBytes(n int64) HTTPOption {
	return func(f *HTTPFetcher) { f.maxBodyBytes = n }
}

// NewHTTPFetcher creates an HTTP fetcher.
func NewHTTPFetcher(opts ...HTTPOption) *HTTPFetcher {
	f := &HTTPFetcher{
		client:       http.DefaultClient,
		userAgent:    "staysync/1.0",
		maxBodyBytes: DefaultMaxBodyBytes,
		cache:        make(map[string]cacheEntry),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *HTTPFetcher) Fetch(ctx context.Context, src domain.SourceDescriptor) (Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.Location, nil)
	if err != nil {
		return Response{}, permanent(src, 0, fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("User-Agent", f.userAgent)

	f.mu.Lock()
	cached, hasCache := f.cache[src.Location]
	f.mu.Unlock()
	if hasCache {
		if cached.etag != "" {
			req.Header.Set("If-None-Match", cached.etag)
		}
		if cached.lastModified != "" {
			req.Header.Set("If-Modified-Since", cached.lastModified)
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return Response{}, classifyTransport(src, err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(src, resp.StatusCode); err != nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return Response{}, err
	}
	if resp.StatusCode == http.StatusNotModified {
		if !hasCache {
			return Response{}, permanent(src, resp.StatusCode, fmt.Errorf("not modified without a cached body"))
		}
		return Response{Body: cached.body, NotModified: true}, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBodyBytes+1))
	if err != nil {
		return Response{}, classifyTransport(src, fmt.Errorf("read body: %w", err))
	}
	if int64(len(body)) > f.maxBodyBytes {
		return Response{}, permanent(src, resp.StatusCode, fmt.Errorf("payload exceeds %d bytes", f.maxBodyBytes))
	}

	etag, lastModified := resp.Header.Get("ETag"), resp.Header.Get("Last-Modified")
	f.mu.Lock()
	if etag != "" || lastModified != "" {
		f.cache[src.Location] = cacheEntry{etag: etag, lastModified: lastModified, body: body}
	} else {
		delete(f.cache, src.Location)
	}
	f.mu.Unlock()

	return Response{Body: body}, nil
}
