// Package security – classifier.go maps a command string to a tier/action
// decision. Custom per-caller rules are evaluated before the built-in pattern
// lists; the blocked lists always win over the allowed lists.
package security

import (
	"log/slog"
	"regexp"
	"strings"
)

// maxClassifyLen bounds regex evaluation. Longer inputs are classified
// against their prefix so a pathological command cannot stall the pipeline.
const maxClassifyLen = 10000

// Canonical classification reasons. The orchestrator prefixes these into the
// stable user-facing block messages, so they must not drift.
const (
	reasonEmptyCommand     = "Empty command"
	reasonCustomBlocked    = "Command matched custom blocked pattern"
	reasonCustomAllowed    = "Command matched custom allowed pattern"
	reasonBlockedDomain    = "Command contacts a blocked domain"
	reasonDomainNotInAllow = "Command contacts a domain outside the allowed list"
	reasonAutoApproved     = "Command matched auto-approve pattern"
	reasonDangerous        = "Command matched dangerous operation patterns"
	reasonNeedsApproval    = "Command requires approval"
	reasonSafe             = "Command matched safe operation patterns"
	reasonUnknown          = "Unknown command - requires approval for safety"
)

// Classifier evaluates commands against custom rules and the pattern store.
type Classifier struct {
	patterns *PatternStore
	logger   *slog.Logger
}

// NewClassifier creates a classifier backed by the given pattern store.
func NewClassifier(patterns *PatternStore, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{
		patterns: patterns,
		logger:   logger.With("component", "classifier"),
	}
}

// Classify runs the full precedence chain. The first matching step wins and
// stops evaluation:
//
//	1. empty command            → green/allow
//	2. custom blocked_commands  → red/block
//	3. custom allowed_commands  → green/allow
//	4. domain rules             → red/block on violation
//	5. custom auto_approve      → green/allow
//	6. built-in BLOCK           → red/block
//	7. built-in ASK             → yellow/ask
//	8. built-in ALLOW           → green/allow
//	9. default                  → yellow/ask
func (c *Classifier) Classify(command string, rules *CustomRules) Classification {
	full := command
	if strings.TrimSpace(command) == "" {
		return Classification{Command: full, Tier: TierGreen, Action: ActionAllow, Reason: reasonEmptyCommand}
	}
	if len(command) > maxClassifyLen {
		command = command[:maxClassifyLen]
	}

	if !rules.Empty() {
		if src, ok := c.matchAny(rules.BlockedCommands, command); ok {
			return Classification{Command: full, Tier: TierRed, Action: ActionBlock, Reason: reasonCustomBlocked, MatchedPattern: src}
		}
		if src, ok := c.matchAny(rules.AllowedCommands, command); ok {
			return Classification{Command: full, Tier: TierGreen, Action: ActionAllow, Reason: reasonCustomAllowed, MatchedPattern: src}
		}
		if cls, blocked := c.checkDomains(full, command, rules); blocked {
			return cls
		}
		if src, ok := c.matchAny(rules.AutoApprovePatterns, command); ok {
			return Classification{Command: full, Tier: TierGreen, Action: ActionAllow, Reason: reasonAutoApproved, MatchedPattern: src}
		}
	}

	if p, ok := c.patterns.Match(ListBlock, command); ok {
		return Classification{Command: full, Tier: TierRed, Action: ActionBlock, Reason: reasonDangerous, MatchedPattern: p.Source}
	}
	if p, ok := c.patterns.Match(ListAsk, command); ok {
		return Classification{Command: full, Tier: TierYellow, Action: ActionAsk, Reason: reasonNeedsApproval, MatchedPattern: p.Source, RequiresApproval: true}
	}
	if p, ok := c.patterns.Match(ListAllow, command); ok {
		return Classification{Command: full, Tier: TierGreen, Action: ActionAllow, Reason: reasonSafe, MatchedPattern: p.Source}
	}

	return Classification{Command: full, Tier: TierYellow, Action: ActionAsk, Reason: reasonUnknown, RequiresApproval: true}
}

// matchAny returns the first custom rule source matching the command.
// Sources go through the store's validated compile cache.
func (c *Classifier) matchAny(sources []string, command string) (string, bool) {
	for _, src := range sources {
		re, ok := c.patterns.Compile(src)
		if !ok {
			continue
		}
		if re.MatchString(command) {
			return src, true
		}
	}
	return "", false
}

// checkDomains extracts hostnames from the command and applies the domain
// rules: any blocked domain → block; a non-empty allowed list with any
// extracted domain outside it → block.
func (c *Classifier) checkDomains(full, command string, rules *CustomRules) (Classification, bool) {
	if len(rules.BlockedDomains) == 0 && len(rules.AllowedDomains) == 0 {
		return Classification{}, false
	}

	domains := ExtractDomains(command)
	if len(domains) == 0 {
		return Classification{}, false
	}

	for _, d := range domains {
		if matchesDomainList(d, rules.BlockedDomains) {
			return Classification{Command: full, Tier: TierRed, Action: ActionBlock, Reason: reasonBlockedDomain, MatchedPattern: d}, true
		}
	}
	if len(rules.AllowedDomains) > 0 {
		for _, d := range domains {
			if !matchesDomainList(d, rules.AllowedDomains) {
				return Classification{Command: full, Tier: TierRed, Action: ActionBlock, Reason: reasonDomainNotInAllow, MatchedPattern: d}, true
			}
		}
	}
	return Classification{}, false
}

// matchesDomainList reports whether the domain matches any list entry exactly
// or as a dot-suffix ("api.example.com" matches "example.com").
func matchesDomainList(domain string, list []string) bool {
	domain = strings.ToLower(domain)
	for _, entry := range list {
		entry = strings.ToLower(strings.TrimSpace(entry))
		if entry == "" {
			continue
		}
		if domain == entry || strings.HasSuffix(domain, "."+entry) {
			return true
		}
	}
	return false
}

// ---------- Domain extraction ----------

var (
	embeddedURLRe = regexp.MustCompile(`https?://([^\s/:'"]+)`)
	sshTargetRe   = regexp.MustCompile(`\b(?:ssh|scp)\s+(?:-\S+\s+)*(?:\S+@)?([a-zA-Z0-9][a-zA-Z0-9.-]*\.[a-zA-Z]{2,})`)
	ncTargetRe    = regexp.MustCompile(`\bnc\s+(?:-\S+\s+)*([a-zA-Z0-9][a-zA-Z0-9.-]*\.[a-zA-Z]{2,})\s+\d+`)
	bareHostRe    = regexp.MustCompile(`^([a-zA-Z0-9][a-zA-Z0-9.-]*\.[a-zA-Z]{2,})`)
)

// fetchCommands are commands whose arguments are scanned for bare hostnames
// in addition to embedded URLs.
var fetchCommands = map[string]bool{"curl": true, "wget": true, "fetch": true}

// ExtractDomains parses the hostnames a command would contact: curl/wget/fetch
// arguments, nc targets, ssh/scp targets, and any embedded http(s) URL.
// The result is deduplicated, in first-seen order.
func ExtractDomains(command string) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(host string) {
		host = strings.ToLower(strings.TrimSuffix(host, "."))
		if host == "" || seen[host] {
			return
		}
		seen[host] = true
		out = append(out, host)
	}

	for _, m := range embeddedURLRe.FindAllStringSubmatch(command, -1) {
		add(stripUserPort(m[1]))
	}
	for _, m := range sshTargetRe.FindAllStringSubmatch(command, -1) {
		add(m[1])
	}
	for _, m := range ncTargetRe.FindAllStringSubmatch(command, -1) {
		add(m[1])
	}

	// Bare hostname arguments of fetch-style commands (curl example.com).
	fields := strings.Fields(command)
	for i, f := range fields {
		if !fetchCommands[f] {
			continue
		}
		for j := i + 1; j < len(fields); j++ {
			arg := fields[j]
			if strings.HasPrefix(arg, "-") {
				// Flags taking a value (-X POST, -H ...) consume the next field.
				if flagTakesValue(arg) {
					j++
				}
				continue
			}
			if strings.Contains(arg, "://") {
				continue // Already handled by the URL regex.
			}
			if m := bareHostRe.FindStringSubmatch(arg); m != nil {
				add(stripUserPort(m[1]))
			}
		}
	}

	return out
}

// flagTakesValue lists short curl/wget flags that consume the next argument.
func flagTakesValue(flag string) bool {
	switch flag {
	case "-X", "-H", "-d", "-o", "-u", "-A", "-e", "-F", "-T", "--request", "--header", "--data", "--output":
		return true
	}
	return false
}

// stripUserPort removes user@ prefixes and :port suffixes from a host token.
func stripUserPort(host string) string {
	if idx := strings.LastIndex(host, "@"); idx >= 0 {
		host = host[idx+1:]
	}
	if idx := strings.Index(host, ":"); idx >= 0 {
		host = host[:idx]
	}
	return host
}
