package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultMaxBodyBytes caps how much of a response body is read.
const DefaultMaxBodyBytes = 8 << 20

// Client is the interface for the HTTP transport layer. Every call to the
// analysis service goes through it.
type Client interface {
	// Do sends an HTTP request and returns the response.
	Do(ctx context.Context, req *Request) (*Response, error)

	// SetRateLimit sets the maximum requests per second.
	SetRateLimit(rps float64)

	// Stats returns transport statistics.
	Stats() *TransportStats
}

// TransportStats holds aggregate statistics for the transport client.
type TransportStats struct {
	TotalRequests  int64
	FailedRequests int64
	TotalDuration  time.Duration
	AvgDuration    time.Duration
}

// ClientOptions holds configuration for creating a new DefaultClient.
type ClientOptions struct {
	// Timeout is the default timeout for all requests.
	Timeout time.Duration

	// MaxRPS is the maximum requests per second (0 = unlimited).
	MaxRPS float64

	// UserAgent is sent with every request that does not set one.
	UserAgent string

	// BearerToken, when set, is sent as an Authorization header.
	BearerToken string

	// MaxBodyBytes limits the response body size. Zero means
	// DefaultMaxBodyBytes.
	MaxBodyBytes int64

	// RoundTripper replaces the default transport. Nil means a clone of
	// http.DefaultTransport.
	RoundTripper http.RoundTripper
}

// DefaultClient is the default implementation of the Client interface,
// backed by net/http.
type DefaultClient struct {
	httpClient *http.Client
	opts       ClientOptions

	mu              sync.RWMutex
	limiter         *rate.Limiter
	totalRequests   int64
	failedRequests  int64
	totalDurationNs int64
}

// NewClient creates a new DefaultClient with the given options.
func NewClient(opts ClientOptions) (*DefaultClient, error) {
	if opts.Timeout < 0 {
		return nil, fmt.Errorf("invalid timeout %s", opts.Timeout)
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	rt := opts.RoundTripper
	if rt == nil {
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.ForceAttemptHTTP2 = true
		rt = t
	}

	dc := &DefaultClient{
		httpClient: &http.Client{Transport: rt, Timeout: opts.Timeout},
		opts:       opts,
	}
	dc.SetRateLimit(opts.MaxRPS)
	return dc, nil
}

// Do sends an HTTP request and returns the response. It applies rate
// limiting, timing measurement, default headers and the optional
// per-request timeout. A non-2xx status is not an error here; callers
// inspect Response.OK or use DecodeJSON.
func (c *DefaultClient) Do(ctx context.Context, req *Request) (*Response, error) {
	c.mu.RLock()
	limiter := c.limiter
	c.mu.RUnlock()
	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
	}

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if req.ContentType != "" {
		httpReq.Header.Set("Content-Type", req.ContentType)
	}
	httpReq.Header.Set("Accept", "application/json")
	if c.opts.UserAgent != "" {
		httpReq.Header.Set("User-Agent", c.opts.UserAgent)
	}
	if c.opts.BearerToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.opts.BearerToken)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	start := time.Now()
	httpResp, err := c.httpClient.Do(httpReq)
	duration := time.Since(start)
	if err != nil {
		c.record(duration, true)
		return nil, err
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, c.opts.MaxBodyBytes))
	if err != nil {
		c.record(duration, true)
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	resp := &Response{
		StatusCode: httpResp.StatusCode,
		Headers:    httpResp.Header,
		Body:       data,
		Duration:   duration,
	}
	c.record(duration, !resp.OK())
	return resp, nil
}

func (c *DefaultClient) record(d time.Duration, failed bool) {
	c.mu.Lock()
	c.totalRequests++
	if failed {
		c.failedRequests++
	}
	c.totalDurationNs += d.Nanoseconds()
	c.mu.Unlock()
}

// SetRateLimit sets the maximum number of requests per second.
// A value of 0 or less disables rate limiting.
func (c *DefaultClient) SetRateLimit(rps float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rps <= 0 {
		c.limiter = nil
		return
	}
	c.limiter = rate.NewLimiter(rate.Limit(rps), 1)
}

// Stats returns aggregate transport statistics.
func (c *DefaultClient) Stats() *TransportStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := &TransportStats{
		TotalRequests:  c.totalRequests,
		FailedRequests: c.failedRequests,
		TotalDuration:  time.Duration(c.totalDurationNs),
	}
	if c.totalRequests > 0 {
		stats.AvgDuration = time.Duration(c.totalDurationNs / c.totalRequests)
	}
	return stats
}
