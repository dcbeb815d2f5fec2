// Package transport provides the rate-limited HTTP client used to talk to
// the remote analysis service.
package transport

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"time"
)

// Request represents an HTTP request to be sent by the transport client.
type Request struct {
	// Method is the HTTP method. Empty means GET.
	Method string

	// URL is the target URL.
	URL string

	// Headers contains custom HTTP headers to include.
	Headers map[string]string

	// Body is the request body content.
	Body []byte

	// ContentType is the Content-Type header value.
	ContentType string

	// Timeout overrides the client-level timeout for this specific
	// request. Zero means use the client default.
	Timeout time.Duration
}

// NewJSONRequest builds a POST request whose body is v encoded as JSON.
func NewJSONRequest(url string, v any) (*Request, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("encoding request body: %w", err)
	}
	return &Request{
		Method:      "POST",
		URL:         url,
		Body:        buf.Bytes(),
		ContentType: "application/json",
	}, nil
}

// Clone returns a deep copy of the Request.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	clone := *r
	clone.Headers = maps.Clone(r.Headers)
	if r.Body != nil {
		clone.Body = append([]byte(nil), r.Body...)
	}
	return &clone
}
