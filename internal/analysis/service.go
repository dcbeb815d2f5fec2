package analysis

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/0x6d61/defectscan/internal/logging"
	"github.com/0x6d61/defectscan/internal/scanner"
	"github.com/0x6d61/defectscan/internal/session"
	"github.com/0x6d61/defectscan/internal/transport"
)

// AnalyzePath is the service endpoint that accepts one file.
const AnalyzePath = "/v1/analyze"

// AnalyzeRequest is the body posted to the analysis service.
type AnalyzeRequest struct {
	Path     string `json:"path"`
	Name     string `json:"name"`
	Language string `json:"language"`
	Content  string `json:"content"`
}

// AnalyzeResponse is the service's answer.
type AnalyzeResponse struct {
	Defects []session.Defect `json:"defects"`
}

// ServiceProcessor sends each file to the remote analysis service.
type ServiceProcessor struct {
	client   transport.Client
	endpoint string
	cache    *Cache
	sem      *semaphore.Weighted
	maxBytes int64
	retry    retryPolicy
	logger   *slog.Logger
}

var _ Processor = (*ServiceProcessor)(nil)

// NewServiceProcessor builds a processor over a fresh transport client.
func NewServiceProcessor(opts Options) (*ServiceProcessor, error) {
	if opts.ServiceURL == "" {
		return nil, fmt.Errorf("analysis: service URL is required")
	}
	client, err := transport.NewClient(transport.ClientOptions{
		Timeout:     opts.Timeout,
		MaxRPS:      opts.MaxRPS,
		UserAgent:   opts.UserAgent,
		BearerToken: opts.ServiceToken,
	})
	if err != nil {
		return nil, fmt.Errorf("analysis: %w", err)
	}
	return NewServiceProcessorWithClient(client, opts), nil
}

// NewServiceProcessorWithClient builds a processor over client.
func NewServiceProcessorWithClient(client transport.Client, opts Options) *ServiceProcessor {
	inFlight := opts.MaxInFlight
	if inFlight < 1 {
		inFlight = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &ServiceProcessor{
		client:   client,
		endpoint: strings.TrimRight(opts.ServiceURL, "/") + AnalyzePath,
		cache:    NewCache(opts.CacheTTL),
		sem:      semaphore.NewWeighted(int64(inFlight)),
		maxBytes: opts.MaxFileBytes,
		retry:    defaultRetry,
		logger:   logger,
	}
}

// Process posts the file content and returns the defects the service
// reports. Content already analysed during this run is answered from the
// cache.
func (p *ServiceProcessor) Process(ctx context.Context, file scanner.FileDescriptor) ([]session.Defect, error) {
	src, err := readSource(file.Path, p.maxBytes)
	if err != nil {
		return nil, err
	}
	key := Key("service", src)
	if d, ok := p.cache.Get(key); ok {
		p.logger.Debug("analysis cache hit", "path", file.Path)
		return d, nil
	}

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("analysis: acquire slot: %w", err)
	}
	defer p.sem.Release(1)

	req, err := transport.NewJSONRequest(p.endpoint, AnalyzeRequest{
		Path:     file.Path,
		Name:     file.Name,
		Language: language(file),
		Content:  string(src),
	})
	if err != nil {
		return nil, fmt.Errorf("analysis: %w", err)
	}

	var out AnalyzeResponse
	start := time.Now()
	err = p.retry.do(ctx, func(ctx context.Context) error {
		resp, err := p.client.Do(ctx, req)
		if err != nil {
			return err
		}
		return resp.DecodeJSON(&out)
	})
	if err != nil {
		return nil, fmt.Errorf("analysis: service %s: %w", file.Name, err)
	}
	p.logger.Debug("file analysed", "path", file.Path, "defects", len(out.Defects), "duration", time.Since(start))

	p.cache.Set(key, out.Defects)
	return out.Defects, nil
}

// Stats returns the underlying transport statistics.
func (p *ServiceProcessor) Stats() *transport.TransportStats {
	return p.client.Stats()
}
