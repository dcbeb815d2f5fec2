package analysis

import (
	"bytes"
	"context"
	"regexp"
	"strings"

	"github.com/0x6d61/defectscan/internal/scanner"
	"github.com/0x6d61/defectscan/internal/session"
)

// Severity levels used by the built-in rules.
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
)

// Rule is one line-oriented pattern check.
type Rule struct {
	ID       string
	Severity string
	Message  string
	Pattern  *regexp.Regexp

	// Comments makes the rule match inside comments instead of code.
	Comments bool
}

// DefaultRules returns the built-in C-family rule set.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID: "unsafe-gets", Severity: SeverityCritical,
			Message: "gets() cannot bound its input; use fgets()",
			Pattern: regexp.MustCompile(`\bgets\s*\(`),
		},
		{
			ID: "unsafe-strcpy", Severity: SeverityHigh,
			Message: "strcpy() does not check the destination size",
			Pattern: regexp.MustCompile(`\bstrcpy\s*\(`),
		},
		{
			ID: "unsafe-strcat", Severity: SeverityHigh,
			Message: "strcat() does not check the destination size",
			Pattern: regexp.MustCompile(`\bstrcat\s*\(`),
		},
		{
			ID: "unsafe-sprintf", Severity: SeverityMedium,
			Message: "sprintf() can overflow; use snprintf()",
			Pattern: regexp.MustCompile(`\bv?sprintf\s*\(`),
		},
		{
			ID: "unbounded-scanf", Severity: SeverityHigh,
			Message: "%s conversion without a field width",
			Pattern: regexp.MustCompile(`\b[fs]?scanf\s*\([^;]*"[^"]*%s`),
		},
		{
			ID: "format-string", Severity: SeverityHigh,
			Message: "non-literal format string",
			Pattern: regexp.MustCompile(`\b(?:printf|syslog\s*\(\s*\w+\s*,)\s*\(?\s*[A-Za-z_]\w*\s*\)`),
		},
		{
			ID: "shell-exec", Severity: SeverityMedium,
			Message: "command executed through the shell",
			Pattern: regexp.MustCompile(`\b(?:system|popen)\s*\(`),
		},
		{
			ID: "stack-alloc", Severity: SeverityMedium,
			Message: "alloca() has no failure mode",
			Pattern: regexp.MustCompile(`\balloca\s*\(`),
		},
		{
			ID: "weak-random", Severity: SeverityLow,
			Message: "rand() is not suitable for security decisions",
			Pattern: regexp.MustCompile(`\b(?:s?rand)\s*\(`),
		},
		{
			ID: "fixme", Severity: SeverityLow,
			Message:  "unresolved marker",
			Pattern:  regexp.MustCompile(`\b(?:FIXME|XXX|HACK)\b`),
			Comments: true,
		},
	}
}

// RuleProcessor checks files against a fixed rule set without leaving the
// process.
type RuleProcessor struct {
	rules    []Rule
	maxBytes int64
}

var _ Processor = (*RuleProcessor)(nil)

// NewRuleProcessor returns a processor over rules. Files above maxBytes are
// failed; zero disables the limit.
func NewRuleProcessor(rules []Rule, maxBytes int64) *RuleProcessor {
	return &RuleProcessor{rules: rules, maxBytes: maxBytes}
}

// Process reads the file and applies every rule to every line.
func (p *RuleProcessor) Process(ctx context.Context, file scanner.FileDescriptor) ([]session.Defect, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	src, err := readSource(file.Path, p.maxBytes)
	if err != nil {
		return nil, err
	}
	return p.Check(src), nil
}

// Check applies the rules to src. At most one defect per rule is reported
// for each line.
func (p *RuleProcessor) Check(src []byte) []session.Defect {
	var defects []session.Defect
	inBlock := false
	for i, raw := range bytes.Split(src, []byte("\n")) {
		code, comment := splitComment(string(raw), &inBlock)
		for _, r := range p.rules {
			text := code
			if r.Comments {
				text = comment
			}
			if text == "" || !r.Pattern.MatchString(text) {
				continue
			}
			defects = append(defects, session.Defect{
				Rule:     r.ID,
				Severity: r.Severity,
				Line:     i + 1,
				Message:  r.Message,
			})
		}
	}
	return defects
}

// splitComment separates the code and comment text of one line, tracking
// block comments across lines through inBlock. Comment markers inside string
// literals are ignored.
func splitComment(line string, inBlock *bool) (code, comment string) {
	var cb, mb strings.Builder
	inString := byte(0)
	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case *inBlock:
			if c == '*' && i+1 < len(line) && line[i+1] == '/' {
				*inBlock = false
				i++
				continue
			}
			mb.WriteByte(c)
		case inString != 0:
			cb.WriteByte(c)
			if c == '\\' && i+1 < len(line) {
				i++
				cb.WriteByte(line[i])
				continue
			}
			if c == inString {
				inString = 0
			}
		case c == '"' || c == '\'':
			inString = c
			cb.WriteByte(c)
		case c == '/' && i+1 < len(line) && line[i+1] == '/':
			mb.WriteString(line[i+2:])
			return cb.String(), mb.String()
		case c == '/' && i+1 < len(line) && line[i+1] == '*':
			*inBlock = true
			i++
		default:
			cb.WriteByte(c)
		}
	}
	return cb.String(), mb.String()
}
