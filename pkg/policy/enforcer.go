package policy

import (
	"log/slog"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/ai-village/village/pkg/models"
)

// ViolationType classifies a recorded violation.
type ViolationType string

const (
	ViolationShellCommand   ViolationType = "shell_command"
	ViolationFilesystemPath ViolationType = "filesystem_path"
	ViolationNetworkEgress  ViolationType = "network_egress"
	ViolationSecretDetected ViolationType = "secret_detected"
)

// Severity grades a violation. Blocked actions must be refused by the
// caller; warn-level violations permit the action but emit a record.
type Severity string

const (
	SeverityBlock Severity = "block"
	SeverityWarn  Severity = "warn"
)

// Violation is a single recorded policy violation.
type Violation struct {
	Type      ViolationType `json:"type"`
	Severity  Severity      `json:"severity"`
	Rule      string        `json:"rule"`
	Detail    string        `json:"detail,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// Decision is the outcome of a policy check.
type Decision struct {
	Allowed    bool        `json:"allowed"`
	Violations []Violation `json:"violations,omitempty"`
}

// Redaction is the outcome of secret redaction.
type Redaction struct {
	Redacted     string `json:"redacted"`
	SecretsFound int    `json:"secrets_found"`
}

// rmRecursive captures the target of a recursive rm so the enforcer can
// block destructive deletes outside /tmp.
var rmRecursive = regexp.MustCompile(`\brm\s+-[a-zA-Z]*[rR][a-zA-Z]*\s+(?:-[a-zA-Z]+\s+)*([^\s;|&]+)`)

type compiledRule struct {
	name  string
	regex *regexp.Regexp
}

// Enforcer evaluates a single session's PolicySpec against the shared
// Ruleset. Rules are compiled eagerly at construction; invalid patterns are
// logged and skipped. Safe for concurrent use.
type Enforcer struct {
	policy models.PolicySpec

	literals    []string // lowercased dangerous literals
	dangerous   []compiledRule
	sensitive   []compiledRule
	secrets     []compiledRule
	egressHosts []string

	mu         sync.Mutex
	violations []Violation
	stats      map[ViolationType]int
}

// NewEnforcer compiles the ruleset for the given session policy.
func NewEnforcer(policy models.PolicySpec, rules *Ruleset) *Enforcer {
	if rules == nil {
		rules = DefaultRuleset()
	}
	e := &Enforcer{
		policy:      policy,
		egressHosts: rules.RestrictedEgressHosts,
		stats:       make(map[ViolationType]int),
	}
	for _, lit := range rules.DangerousLiterals {
		e.literals = append(e.literals, strings.ToLower(lit))
	}
	e.dangerous = compileRules(rules.DangerousPatterns)
	e.secrets = compileRules(rules.SecretPatterns)
	for _, glob := range rules.SensitivePaths {
		re, err := regexp.Compile(sensitivePathRegexp(glob))
		if err != nil {
			slog.Error("Failed to compile sensitive path glob, skipping",
				"glob", glob, "error", err)
			continue
		}
		e.sensitive = append(e.sensitive, compiledRule{name: glob, regex: re})
	}
	return e
}

func compileRules(patterns []NamedPattern) []compiledRule {
	rules := make([]compiledRule, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			slog.Error("Failed to compile policy pattern, skipping",
				"pattern", p.Name, "error", err)
			continue
		}
		rules = append(rules, compiledRule{name: p.Name, regex: re})
	}
	return rules
}

// sensitivePathRegexp converts a path glob ("*" = one component) into an
// anchored regexp matching the path itself and anything nested under it.
func sensitivePathRegexp(glob string) string {
	var b strings.Builder
	b.WriteString("^")
	for _, part := range strings.Split(glob, "*") {
		if b.Len() > 1 {
			b.WriteString(`[^/]+`)
		}
		b.WriteString(regexp.QuoteMeta(part))
	}
	b.WriteString(`(/.*)?$`)
	return b.String()
}

// CheckCommand decides whether a shell command may run under the session
// policy. Denylist entries win over allowlist entries.
func (e *Enforcer) CheckCommand(command string) Decision {
	var violations []Violation
	lowered := strings.ToLower(command)

	for _, lit := range e.literals {
		if containsLiteral(lowered, lit) {
			violations = append(violations, e.record(ViolationShellCommand, SeverityBlock,
				"dangerous_literal", command))
			break
		}
	}

	for _, rule := range e.dangerous {
		if rule.regex.MatchString(command) {
			violations = append(violations, e.record(ViolationShellCommand, SeverityBlock,
				rule.name, command))
		}
	}

	if target := recursiveRemoveTarget(command); target != "" && !underTmp(target) {
		violations = append(violations, e.record(ViolationShellCommand, SeverityBlock,
			"rm_recursive_outside_tmp", command))
	}

	for _, segment := range splitPipeline(command) {
		first := firstToken(segment)
		if first == "" {
			continue
		}
		for _, denied := range e.policy.ShellDenylist {
			if first == denied || filepath.Base(first) == denied {
				violations = append(violations, e.record(ViolationShellCommand, SeverityBlock,
					"denylist", command))
			}
		}
	}

	if len(e.policy.ShellAllowlist) > 0 && !e.allowlisted(firstToken(command)) {
		violations = append(violations, e.record(ViolationShellCommand, SeverityBlock,
			"allowlist", command))
	}

	return Decision{Allowed: len(violations) == 0, Violations: violations}
}

// containsLiteral reports whether lowered contains the dangerous literal.
// Literals ending in "/" target the filesystem root, so the match must end
// the command (or a pipeline segment) — "rm -rf /tmp/x" is not "rm -rf /".
func containsLiteral(lowered, lit string) bool {
	if !strings.HasSuffix(lit, "/") {
		return strings.Contains(lowered, lit)
	}
	for from := 0; ; {
		i := strings.Index(lowered[from:], lit)
		if i < 0 {
			return false
		}
		end := from + i + len(lit)
		if end == len(lowered) {
			return true
		}
		switch lowered[end] {
		case ' ', '\t', ';', '|', '&':
			return true
		}
		from = end
	}
}

// recursiveRemoveTarget returns the target path of a recursive rm, or "".
func recursiveRemoveTarget(command string) string {
	m := rmRecursive.FindStringSubmatch(command)
	if m == nil {
		return ""
	}
	target := m[1]
	if target == "~" || strings.HasPrefix(target, "~/") || strings.Contains(target, "$HOME") {
		return target
	}
	if filepath.IsAbs(target) {
		return target
	}
	return ""
}

func underTmp(path string) bool {
	clean := filepath.Clean(path)
	return clean == "/tmp" || strings.HasPrefix(clean, "/tmp/")
}

func splitPipeline(command string) []string {
	return strings.FieldsFunc(command, func(r rune) bool {
		return r == '|' || r == ';' || r == '&'
	})
}

func firstToken(segment string) string {
	fields := strings.Fields(segment)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func (e *Enforcer) allowlisted(token string) bool {
	if token == "" {
		return false
	}
	base := filepath.Base(token)
	for _, allowed := range e.policy.ShellAllowlist {
		if allowed == "*" || token == allowed || base == allowed {
			return true
		}
	}
	return false
}

// CheckPath decides whether the session may touch a filesystem path.
// Traversal and sensitive-path matches each produce their own violation.
func (e *Enforcer) CheckPath(path, op string) Decision {
	var violations []Violation

	if strings.Contains(path, "..") {
		violations = append(violations, e.record(ViolationFilesystemPath, SeverityBlock,
			"path_traversal", op+" "+path))
	}

	clean := filepath.Clean(path)
	for _, rule := range e.sensitive {
		if rule.regex.MatchString(clean) || rule.regex.MatchString(path) {
			violations = append(violations, e.record(ViolationFilesystemPath, SeverityBlock,
				"sensitive_path:"+rule.name, op+" "+path))
			break
		}
	}

	return Decision{Allowed: len(violations) == 0, Violations: violations}
}

// RedactSecrets masks secret-shaped substrings, keeping the first four
// characters of each match. One warn-level violation is recorded per call
// when anything matched.
func (e *Enforcer) RedactSecrets(text string) Redaction {
	found := 0
	redacted := text
	for _, rule := range e.secrets {
		redacted = rule.regex.ReplaceAllStringFunc(redacted, func(match string) string {
			found++
			return maskSecret(match)
		})
	}
	if found > 0 {
		e.record(ViolationSecretDetected, SeverityWarn, "secret_detected", "")
	}
	return Redaction{Redacted: redacted, SecretsFound: found}
}

func maskSecret(match string) string {
	const keep = 4
	if len(match) <= keep {
		return strings.Repeat("*", len(match))
	}
	return match[:keep] + strings.Repeat("*", len(match)-keep)
}

// CheckNetworkEgress decides whether a URL may be reached under the
// session's network mode. Parse failures block.
func (e *Enforcer) CheckNetworkEgress(rawURL string) Decision {
	if e.policy.NetworkMode == models.NetworkOpen {
		return Decision{Allowed: true}
	}

	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		v := e.record(ViolationNetworkEgress, SeverityBlock, "unparseable_url", rawURL)
		return Decision{Allowed: false, Violations: []Violation{v}}
	}

	host := strings.ToLower(u.Hostname())
	for _, allowed := range e.egressHosts {
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return Decision{Allowed: true}
		}
	}

	v := e.record(ViolationNetworkEgress, SeverityBlock, "restricted_host", rawURL)
	return Decision{Allowed: false, Violations: []Violation{v}}
}

// RequiresApproval reports whether the action category is gated behind
// human approval for this session.
func (e *Enforcer) RequiresApproval(category models.ApprovalCategory) bool {
	for _, c := range e.policy.RequiresApprovalFor {
		if c == category {
			return true
		}
	}
	return false
}

// ViolationStats returns a copy of the per-type violation counters.
func (e *Enforcer) ViolationStats() map[ViolationType]int {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[ViolationType]int, len(e.stats))
	for k, v := range e.stats {
		out[k] = v
	}
	return out
}

// Violations returns a copy of all recorded violations, oldest first.
func (e *Enforcer) Violations() []Violation {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Violation, len(e.violations))
	copy(out, e.violations)
	return out
}

func (e *Enforcer) record(vt ViolationType, sev Severity, rule, detail string) Violation {
	v := Violation{
		Type:      vt,
		Severity:  sev,
		Rule:      rule,
		Detail:    detail,
		Timestamp: time.Now(),
	}
	e.mu.Lock()
	e.violations = append(e.violations, v)
	e.stats[vt]++
	e.mu.Unlock()
	return v
}
