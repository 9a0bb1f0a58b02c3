// Package policy gates every mutating operation. Two independent checks:
// a command allowlist matched segment by segment, and an interceptor that
// blocks known-insecure configuration values unless the run was started
// with insecure mode enabled.
//
// Both checks are read-only and return structured verdicts; they never
// panic and never reach the backend transport on denial.
package policy

import (
	"regexp"
	"strings"
)

// Policy carries the per-run policy configuration. It is constructed once
// at run start and threaded through every gate call; there is no process
// global, so concurrent runs with different settings cannot interfere.
type Policy struct {
	// AllowInsecure permits designated dangerous configuration values
	// (e.g. re-enabling SSH root login). Off by default.
	AllowInsecure bool
}

// Verdict is the result of a gate check.
type Verdict struct {
	Allowed bool
	// Reason names the offending command segment or blocked value when
	// Allowed is false.
	Reason string
}

func allow() Verdict { return Verdict{Allowed: true} }

func deny(reason string) Verdict { return Verdict{Allowed: false, Reason: reason} }

// allowedCommands is the fixed allowlist. A command segment must fully match
// at least one pattern. The set covers service control, package management,
// inspection, and narrowly scoped file operations; it is a build-time
// constant not editable by the decision-maker.
var allowedCommands = compile([]string{
	`systemctl\s+(reload|restart|stop|start|status|enable|disable|list-units|is-active|is-enabled|list-unit-files)\s+.*`,
	`service\s+[a-zA-Z0-9_.-]+\s+(reload|restart|stop|start|status)`,
	`update-rc\.d\s+[a-zA-Z0-9_.-]+\s+(enable|disable).*`,
	`chkconfig\s+[a-zA-Z0-9_.-]+\s+(on|off).*`,
	`nohup\s+.*`,
	`grep\s+-[a-zA-Z]*[nE]?\s+.+`,
	`sed\s+-[a-zA-Z]*[in]?\s+'.+'\s+[a-zA-Z0-9._/\-]+`,
	`cat\s+/[a-zA-Z0-9._/\-]+`,
	`ls\s+-[a-zA-Z]*\s*[a-zA-Z0-9._/\-]*`,
	`test\s+-[a-zA-Z]+\s+[a-zA-Z0-9._/\-]+`,
	`apt-get\s+(update|install|remove|purge|upgrade|autoremove)\s+.*`,
	`apt\s+(update|install|remove|purge|upgrade|autoremove|search|list|cache)\s+.*`,
	`apt-cache\s+(search|show|policy)\s+.*`,
	`dpkg\s+-[a-zA-Z]+\s+.*`,
	`dpkg\s+-l\s*.*`,
	`ps\s+aux?`,
	`pgrep\s+-f\s+.*`,
	`netstat\s+-[a-zA-Z]*[tulpn]*`,
	`ss\s+-[a-zA-Z]*[tulpn]*`,
	`which\s+[a-zA-Z0-9_.-]+`,
	`command\s+-v\s+[a-zA-Z0-9_.-]+`,
	`mkdir\s+-[a-zA-Z]*[p]?\s+.*`,
	`chmod\s+[0-9a-zA-Z+=-]+\s+/[a-zA-Z0-9._/\-]+`,
	`chown\s+[a-zA-Z0-9_.-]+(:[a-zA-Z0-9_.-]+)?\s+/[a-zA-Z0-9._/\-]+`,
	`find\s+/[a-zA-Z0-9._/\-]+\s+.*`,
	`sleep\s+[0-9]+`,
	`openssl\s+.*`,
	`ssh-keygen\s+.*`,
	`cd\s+[a-zA-Z0-9._/\-]+`,
	`pwd`,
	`touch\s+[a-zA-Z0-9._/\-]+`,
})

func compile(patterns []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		out[i] = regexp.MustCompile(`^` + p + `$`)
	}
	return out
}

// insecureValues enumerates (file, key, value) triples blocked unless the
// run opted into insecure mode.
var insecureValues = map[string]map[string]string{
	"/etc/ssh/sshd_config": {
		"PermitRootLogin":        "yes",
		"PasswordAuthentication": "yes",
	},
}

// CheckCommand validates a shell command against the allowlist. The command
// is split on top-level sequencing separators ("&&", then ";") and every
// non-empty segment must match; the first offending segment is reported.
func (p Policy) CheckCommand(cmd string) Verdict {
	for _, segment := range splitSegments(cmd) {
		if !segmentAllowed(segment) {
			return deny("command not allowed by policy: " + segment)
		}
	}
	return allow()
}

// CheckConfigValue intercepts known-insecure (file, key, value) settings.
// Denials are final within the call; rerunning with insecure mode enabled
// is the only override.
func (p Policy) CheckConfigValue(path, key, value string) Verdict {
	if p.AllowInsecure {
		return allow()
	}
	keys, ok := insecureValues[path]
	if !ok {
		return allow()
	}
	if blocked, ok := keys[key]; ok && strings.EqualFold(value, blocked) {
		return deny("blocked by policy: insecure setting " + key + " " + value + "; rerun with --allow-insecure")
	}
	return allow()
}

func segmentAllowed(segment string) bool {
	clean := strings.Join(strings.Fields(segment), " ")
	for _, pat := range allowedCommands {
		if pat.MatchString(clean) {
			return true
		}
	}
	return false
}

// splitSegments splits on "&&" when present, otherwise on ";", mirroring
// the sequencing forms the dispatcher accepts. Empty segments are dropped.
func splitSegments(cmd string) []string {
	parts := strings.Split(cmd, "&&")
	if len(parts) == 1 {
		parts = strings.Split(cmd, ";")
	}
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
