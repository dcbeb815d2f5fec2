package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"golang.org/x/sync/semaphore"

	"github.com/0x6d61/defectscan/internal/logging"
	"github.com/0x6d61/defectscan/internal/scanner"
	"github.com/0x6d61/defectscan/internal/session"
)

// DefaultClaudeModel is used when no model is configured.
const DefaultClaudeModel = "claude-sonnet-4-5"

const claudeMaxTokens = 4096

const claudeSystemPrompt = `You review C-family source files for defects: memory safety, ` +
	`undefined behaviour, resource leaks, unchecked errors and injection risks. ` +
	`Answer with a JSON array only. Each element has the keys "rule" (short kebab-case id), ` +
	`"severity" (critical, high, medium or low), "line" (1-based) and "message". ` +
	`Answer [] when the file has no defects.`

var (
	codeFenceRegex = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(.*?)\\n?```")
	arrayRegex     = regexp.MustCompile(`(?s)\[.*\]`)
)

// messageCreator is the part of the Anthropic client the processor needs.
type messageCreator interface {
	New(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// ClaudeProcessor asks the Anthropic Messages API to review each file.
type ClaudeProcessor struct {
	messages messageCreator
	model    string
	cache    *Cache
	sem      *semaphore.Weighted
	maxBytes int64
	logger   *slog.Logger
}

var _ Processor = (*ClaudeProcessor)(nil)

// NewClaudeProcessor builds a processor from opts. The API key is required.
func NewClaudeProcessor(opts Options) (*ClaudeProcessor, error) {
	if opts.ClaudeAPIKey == "" {
		return nil, fmt.Errorf("analysis: anthropic API key is required for the claude processor")
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(opts.ClaudeAPIKey)}
	if opts.HTTPClient != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(opts.HTTPClient))
	}
	if opts.ClaudeBaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.ClaudeBaseURL))
	}
	client := anthropic.NewClient(reqOpts...)
	return newClaudeProcessor(&client.Messages, opts), nil
}

func newClaudeProcessor(m messageCreator, opts Options) *ClaudeProcessor {
	model := opts.ClaudeModel
	if model == "" {
		model = DefaultClaudeModel
	}
	inFlight := opts.MaxInFlight
	if inFlight < 1 {
		inFlight = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &ClaudeProcessor{
		messages: m,
		model:    model,
		cache:    NewCache(opts.CacheTTL),
		sem:      semaphore.NewWeighted(int64(inFlight)),
		maxBytes: opts.MaxFileBytes,
		logger:   logger,
	}
}

// Process sends the file to the model and parses the defect list from its
// answer.
func (p *ClaudeProcessor) Process(ctx context.Context, file scanner.FileDescriptor) ([]session.Defect, error) {
	src, err := readSource(file.Path, p.maxBytes)
	if err != nil {
		return nil, err
	}
	key := Key("claude:"+p.model, src)
	if d, ok := p.cache.Get(key); ok {
		return d, nil
	}

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("analysis: acquire slot: %w", err)
	}
	defer p.sem.Release(1)

	resp, err := p.messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: claudeMaxTokens,
		System:    []anthropic.TextBlockParam{{Text: claudeSystemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(buildPrompt(file, src))),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("analysis: anthropic API call for %s: %w", file.Name, err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	defects, err := parseDefects(text.String())
	if err != nil {
		return nil, fmt.Errorf("analysis: %s: %w", file.Name, err)
	}
	p.logger.Debug("file reviewed", "path", file.Path, "defects", len(defects),
		"input_tokens", resp.Usage.InputTokens, "output_tokens", resp.Usage.OutputTokens)

	p.cache.Set(key, defects)
	return defects, nil
}

func buildPrompt(file scanner.FileDescriptor, src []byte) string {
	var b strings.Builder
	fmt.Fprintf(&b, "File: %s (%s)\n\n", file.Name, language(file))
	b.WriteString("```\n")
	b.Write(src)
	if len(src) > 0 && src[len(src)-1] != '\n' {
		b.WriteByte('\n')
	}
	b.WriteString("```\n")
	return b.String()
}

// parseDefects extracts the JSON defect array from a model answer, which
// may be wrapped in a code fence or surrounded by prose.
func parseDefects(text string) ([]session.Defect, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("empty model response")
	}
	candidates := []string{text}
	if m := codeFenceRegex.FindStringSubmatch(text); m != nil {
		candidates = append(candidates, strings.TrimSpace(m[1]))
	}
	if m := arrayRegex.FindString(text); m != "" {
		candidates = append(candidates, m)
	}

	var lastErr error
	for _, c := range candidates {
		var defects []session.Defect
		if err := json.Unmarshal([]byte(c), &defects); err != nil {
			lastErr = err
			continue
		}
		for i := range defects {
			defects[i].Severity = normalizeSeverity(defects[i].Severity)
			if defects[i].Rule == "" {
				defects[i].Rule = "model-finding"
			}
		}
		return defects, nil
	}
	return nil, fmt.Errorf("parse model response: %w", lastErr)
}

func normalizeSeverity(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case SeverityCritical:
		return SeverityCritical
	case SeverityHigh:
		return SeverityHigh
	case SeverityLow, "info", "note":
		return SeverityLow
	default:
		return SeverityMedium
	}
}
