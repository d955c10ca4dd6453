// Package policy evaluates whether attempted actions are allowed under a
// session's PolicySpec and records violations.
package policy

// NamedPattern pairs a regex source with a stable rule name.
type NamedPattern struct {
	Name    string
	Pattern string
}

// Ruleset is the data half of the enforcer: blocked command literals,
// dangerous command regexes, sensitive path globs, secret patterns, and the
// restricted-egress host allowlist. Kept as values so deployments can swap
// rules without code changes.
type Ruleset struct {
	// DangerousLiterals block any command containing them (case-insensitive).
	DangerousLiterals []string

	// DangerousPatterns block any command matching them.
	DangerousPatterns []NamedPattern

	// SensitivePaths are path globs where "*" matches one path component.
	// A path equal to, or nested under, a sensitive path is blocked.
	SensitivePaths []string

	// SecretPatterns drive redaction: each match keeps its first four
	// characters and masks the rest.
	SecretPatterns []NamedPattern

	// RestrictedEgressHosts are the hosts (and their subdomains) reachable
	// in restricted network mode.
	RestrictedEgressHosts []string
}

// DefaultRuleset returns the built-in rules.
func DefaultRuleset() *Ruleset {
	return &Ruleset{
		DangerousLiterals: []string{
			"rm -rf /",
			"dd if=/dev/zero",
			"mkfs",
			":(){ :|:& };:",
			"chmod -r 777 /",
			"> /dev/sda",
			"curl|sh",
			"wget|bash",
		},
		// Recursive rm outside /tmp is a code rule in the enforcer: RE2 has
		// no lookahead, so the target path is captured and inspected instead.
		DangerousPatterns: []NamedPattern{
			{Name: "redirect_system_dir", Pattern: `>\s*/(?:etc|usr)/`},
			{Name: "chmod_world_writable", Pattern: `chmod\s+(?:-[a-zA-Z]+\s+)?777`},
			{Name: "pipe_download_to_shell", Pattern: `(?:curl|wget)[^|]*\|\s*(?:ba|z|da)?sh`},
			{Name: "eval_call", Pattern: `\beval\s*\(`},
			{Name: "subshell_rm", Pattern: `\$\([^)]*\brm\b[^)]*\)`},
		},
		SensitivePaths: []string{
			"/etc/passwd",
			"/etc/shadow",
			"/etc/sudoers",
			"/root",
			"/home/*/.ssh",
			"/home/*/.gnupg",
			"/var/log",
			"/sys",
			"/proc",
		},
		SecretPatterns: []NamedPattern{
			{Name: "github_pat", Pattern: `gh[poasur]_[A-Za-z0-9]{36}`},
			{Name: "aws_access_key", Pattern: `AKIA[0-9A-Z]{16}`},
			{Name: "aws_secret_key", Pattern: `(?i)aws_secret_access_key\s*[=:]\s*[A-Za-z0-9/+=]{40}`},
			{Name: "generic_api_key", Pattern: `(?i)api[_-]?key\s*[=:]\s*['"]?[A-Za-z0-9_\-]{16,}`},
			{Name: "generic_credential", Pattern: `(?i)(?:token|secret|password)\s*=\s*['"]?[^\s'"]{8,}`},
			{Name: "bearer_jwt", Pattern: `Bearer\s+eyJ[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+`},
			{Name: "private_key_block", Pattern: `-----BEGIN [A-Z ]*PRIVATE KEY-----`},
		},
		RestrictedEgressHosts: []string{
			"github.com",
			"gitlab.com",
			"bitbucket.org",
			"npmjs.org",
			"pypi.org",
			"registry.npmjs.org",
		},
	}
}
