// Package security – secrets.go detects and redacts credential-shaped
// substrings in command output before it reaches the agent. The catalog is
// fixed; runtime behavior (warn/redact/block) comes from a config snapshot
// that writers publish atomically.
package security

import (
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync/atomic"
)

// DetectionMode controls what happens when secrets are found in output.
type DetectionMode string

const (
	// ModeWarn only reports findings; output passes through unmodified.
	ModeWarn DetectionMode = "warn"
	// ModeRedact replaces matched spans before the output is stored/returned.
	ModeRedact DetectionMode = "redact"
	// ModeBlock suppresses the whole output when any secret is found.
	ModeBlock DetectionMode = "block"
)

// DetectionConfig is the process-wide secrets detection configuration.
// Readers dereference an atomic snapshot; writers publish a new snapshot.
type DetectionConfig struct {
	Mode              DetectionMode `json:"mode" yaml:"mode"`
	EnableLineNumbers bool          `json:"enable_line_numbers" yaml:"enable_line_numbers"`
	MaxSecretsPerType int           `json:"max_secrets_per_type" yaml:"max_secrets_per_type"`
}

// DefaultDetectionConfig returns the defaults used when nothing is configured.
func DefaultDetectionConfig() DetectionConfig {
	return DetectionConfig{
		Mode:              ModeRedact,
		EnableLineNumbers: true,
		MaxSecretsPerType: 10,
	}
}

// OutputScanResult is what ScanOutput returns for a block of output.
type OutputScanResult struct {
	HasSecrets   bool           `json:"has_secrets"`
	Count        int            `json:"count"`
	Matches      []SecretMatch  `json:"matches,omitempty"`
	ByType       map[string]int `json:"by_type,omitempty"`
	RedactedText string         `json:"redacted_text,omitempty"`
}

// secretPattern is one named entry of the built-in catalog.
type secretPattern struct {
	name string
	re   *regexp.Regexp
}

// Catalog order matters: when two patterns match the identical span, the
// first-named type wins.
var secretCatalog = []secretPattern{
	{"AWS Access Key", regexp.MustCompile(`\b(?:AKIA|ABIA|ACCA|ASIA)[0-9A-Z]{16}\b`)},
	{"AWS Secret Key", regexp.MustCompile(`\baws_secret_access_key\s*[=:]\s*["']?([A-Za-z0-9/+=]{40})["']?`)},
	{"GitHub Personal Access Token", regexp.MustCompile(`\bghp_[A-Za-z0-9]{36}\b`)},
	{"GitHub Token", regexp.MustCompile(`\b(?:gho_|ghu_|ghs_|ghr_)[A-Za-z0-9]{36}\b`)},
	{"GitHub Fine-Grained Token", regexp.MustCompile(`\bgithub_pat_[A-Za-z0-9_]{82}\b`)},
	{"Slack Token", regexp.MustCompile(`\bxox[baprs]-[A-Za-z0-9-]{10,72}\b`)},
	{"Stripe Key", regexp.MustCompile(`\b[rs]k_live_[A-Za-z0-9]{24,}\b`)},
	{"Google API Key", regexp.MustCompile(`\bAIza[0-9A-Za-z_-]{35}\b`)},
	{"Private Key", regexp.MustCompile(`-----BEGIN (?:RSA |EC |DSA |OPENSSH |PGP )?PRIVATE KEY( BLOCK)?-----`)},
	{"Database Connection String", regexp.MustCompile(`\b(?:postgres(?:ql)?|mysql|mongodb(?:\+srv)?|redis)://[^\s:@]+:[^\s@]+@[^\s]+`)},
	{"JWT", regexp.MustCompile(`\beyJ[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\b`)},
	{"Labeled Secret", regexp.MustCompile(`(?i)\b(?:api[_-]?key|secret|token|password|passwd|auth)\s*[=:]\s*["']?([A-Za-z0-9_\-./+]{16,})["']?`)},
	{"Bearer Token", regexp.MustCompile(`(?i)\bbearer\s+([A-Za-z0-9_\-.~+/]{20,}=*)\b`)},
}

// Scanner runs the secrets catalog against text.
type Scanner struct {
	cfg    atomic.Pointer[DetectionConfig]
	logger *slog.Logger
}

// NewScanner creates a scanner with the given initial config.
func NewScanner(cfg DetectionConfig, logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeRedact
	}
	if cfg.MaxSecretsPerType <= 0 {
		cfg.MaxSecretsPerType = 10
	}
	s := &Scanner{logger: logger.With("component", "secrets")}
	s.cfg.Store(&cfg)
	return s
}

// Config returns the current detection config snapshot.
func (s *Scanner) Config() DetectionConfig {
	return *s.cfg.Load()
}

// Configure publishes a new config snapshot. Zero-valued fields keep their
// current value.
func (s *Scanner) Configure(mode DetectionMode, enableLineNumbers *bool, maxPerType int) DetectionConfig {
	cur := *s.cfg.Load()
	if mode != "" {
		cur.Mode = mode
	}
	if enableLineNumbers != nil {
		cur.EnableLineNumbers = *enableLineNumbers
	}
	if maxPerType > 0 {
		cur.MaxSecretsPerType = maxPerType
	}
	s.cfg.Store(&cur)
	s.logger.Info("secrets detection reconfigured",
		"mode", string(cur.Mode),
		"line_numbers", cur.EnableLineNumbers,
		"max_per_type", cur.MaxSecretsPerType,
	)
	return cur
}

// Scan runs every catalog pattern against the text. Matches are deduplicated
// by (start, length) with the first-named type winning, then sorted ascending
// by start offset. Overlapping matches from different patterns are kept only
// when their spans differ.
func (s *Scanner) Scan(text string) []SecretMatch {
	if text == "" {
		return nil
	}
	cfg := s.Config()

	type spanKey struct{ start, length int }
	seen := make(map[spanKey]bool)
	var matches []SecretMatch

	for _, p := range secretCatalog {
		for _, loc := range p.re.FindAllStringIndex(text, -1) {
			key := spanKey{loc[0], loc[1] - loc[0]}
			if seen[key] {
				continue
			}
			seen[key] = true

			matched := text[loc[0]:loc[1]]
			m := SecretMatch{
				Type:          p.name,
				PatternSource: p.re.String(),
				MatchedText:   matched,
				RedactedText:  redactValue(matched, p.name),
				StartOffset:   loc[0],
				EndOffset:     loc[1],
			}
			if cfg.EnableLineNumbers {
				m.LineNumber = 1 + strings.Count(text[:loc[0]], "\n")
			}
			matches = append(matches, m)
		}
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].StartOffset < matches[j].StartOffset })
	return dropOverlaps(matches)
}

// dropOverlaps keeps the earlier match when two spans overlap. Input must be
// sorted by start offset.
func dropOverlaps(matches []SecretMatch) []SecretMatch {
	if len(matches) < 2 {
		return matches
	}
	out := matches[:1]
	for _, m := range matches[1:] {
		if m.StartOffset < out[len(out)-1].EndOffset {
			continue
		}
		out = append(out, m)
	}
	return out
}

// Redact replaces every match in the text. Replacement runs in reverse order
// so earlier offsets stay valid. Redact is idempotent: redacting already
// redacted text is a no-op.
func (s *Scanner) Redact(text string) string {
	matches := s.Scan(text)
	for i := len(matches) - 1; i >= 0; i-- {
		m := matches[i]
		text = text[:m.StartOffset] + m.RedactedText + text[m.EndOffset:]
	}
	return text
}

// ScanOutput is the post-execution entry point: it scans, aggregates counts
// by type (capped by max_secrets_per_type for reporting, never for
// detection), and includes redacted text unless the mode is warn.
func (s *Scanner) ScanOutput(text string) OutputScanResult {
	cfg := s.Config()
	matches := s.Scan(text)
	if len(matches) == 0 {
		return OutputScanResult{}
	}

	byType := make(map[string]int)
	reported := make([]SecretMatch, 0, len(matches))
	for _, m := range matches {
		byType[m.Type]++
		if byType[m.Type] <= cfg.MaxSecretsPerType {
			reported = append(reported, m)
		}
	}

	res := OutputScanResult{
		HasSecrets: true,
		Count:      len(matches),
		Matches:    reported,
		ByType:     byType,
	}
	if cfg.Mode != ModeWarn {
		redacted := text
		for i := len(matches) - 1; i >= 0; i-- {
			m := matches[i]
			redacted = redacted[:m.StartOffset] + m.RedactedText + redacted[m.EndOffset:]
		}
		res.RedactedText = redacted
	}
	return res
}

// redactValue builds the replacement for a matched secret. Short matches are
// fully masked; longer ones keep four characters of context on each side.
func redactValue(matched, typeName string) string {
	if len(matched) <= 8 {
		return "[REDACTED]"
	}
	return matched[:4] + "...[REDACTED:" + typeName + "]..." + matched[len(matched)-4:]
}
