// ABOUTME: Built-in rule set for the security scanner
// ABOUTME: Pattern matchers for instruction injection, credentials, and command injection

package security

import "regexp"

// Rule is one pattern matcher with an associated severity. Rules apply to
// all payload classes unless Classes narrows them.
type Rule struct {
	Name     string
	Severity string
	Pattern  *regexp.Regexp
	Classes  []PayloadClass // empty means all classes
}

// appliesTo reports whether the rule scans the given payload class.
func (r *Rule) appliesTo(class PayloadClass) bool {
	if len(r.Classes) == 0 {
		return true
	}
	for _, c := range r.Classes {
		if c == class {
			return true
		}
	}
	return false
}

// defaultRules is the built-in rule table. Patterns are written so that the
// neutralization marker ("[redacted:...]") never re-matches any rule, which
// keeps neutralize idempotent.
var defaultRules = []Rule{
	// Instruction injection
	{
		Name:     "override-instructions",
		Severity: "HIGH",
		Pattern:  regexp.MustCompile(`(?i)\b(ignore|disregard|forget)\b[^.\n]{0,40}\b(previous|prior|above|all|your)\b[^.\n]{0,30}\b(instructions?|directions?|rules|guidelines)\b`),
	},
	{
		Name:     "prompt-exfiltration",
		Severity: "HIGH",
		Pattern:  regexp.MustCompile(`(?i)\b(reveal|show|print|repeat|output)\b[^.\n]{0,30}\b(system prompt|hidden instructions?|initial instructions?)\b`),
	},
	{
		Name:     "role-hijack",
		Severity: "MEDIUM",
		Pattern:  regexp.MustCompile(`(?i)\b(you are now|pretend (to be|you are)|act as if you|new persona)\b`),
	},
	{
		Name:     "embedded-directive",
		Severity: "MEDIUM",
		Pattern:  regexp.MustCompile(`(?i)\bIMPORTANT:\s*(you must|always|never|do not tell)\b`),
		Classes:  []PayloadClass{ClassToolSchema, ClassToolResponse},
	},
	{
		Name:     "jailbreak-phrase",
		Severity: "MEDIUM",
		Pattern:  regexp.MustCompile(`(?i)\b(do anything now|jailbreak|without (any )?restrictions?|bypass (your )?safety)\b`),
	},

	// Credential-like strings
	{
		Name:     "aws-access-key",
		Severity: "CRITICAL",
		Pattern:  regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`),
	},
	{
		Name:     "private-key-block",
		Severity: "CRITICAL",
		Pattern:  regexp.MustCompile(`-----BEGIN (RSA |EC |DSA |OPENSSH )?PRIVATE KEY-----`),
	},
	{
		Name:     "github-token",
		Severity: "CRITICAL",
		Pattern:  regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{36,}\b`),
	},
	{
		Name:     "slack-token",
		Severity: "HIGH",
		Pattern:  regexp.MustCompile(`\bxox[baprs]-[A-Za-z0-9-]{10,}\b`),
	},
	{
		Name:     "inline-secret-assignment",
		Severity: "HIGH",
		Pattern:  regexp.MustCompile(`(?i)\b(api[_-]?key|secret|password|auth[_-]?token)\s*[:=]\s*['"][^'"\s]{12,}['"]`),
	},

	// Command injection markers
	{
		Name:     "pipe-to-shell",
		Severity: "CRITICAL",
		Pattern:  regexp.MustCompile(`\b(curl|wget)\b[^|\n]{0,120}\|\s*(ba|z)?sh\b`),
	},
	{
		Name:     "destructive-rm",
		Severity: "HIGH",
		Pattern:  regexp.MustCompile(`\brm\s+-[rRf]{2,}\s+[/~]`),
	},
	{
		Name:     "reverse-shell",
		Severity: "CRITICAL",
		Pattern:  regexp.MustCompile(`\b(nc|ncat)\s+(-[a-z]+\s+)*\d{1,3}(\.\d{1,3}){3}\s+\d{2,5}\b|/dev/tcp/\d`),
	},
	{
		Name:     "low-signal-marker",
		Severity: "LOW",
		Pattern:  regexp.MustCompile(`(?i)\btrust me and\b`),
	},
}

// DefaultRules returns a copy of the built-in rule table.
func DefaultRules() []Rule {
	rules := make([]Rule, len(defaultRules))
	copy(rules, defaultRules)
	return rules
}
