// Package confedit implements the idempotent line-oriented configuration
// mutation protocol: replace-or-append of canonical "key value" lines,
// verification, and unified diff generation for the audit trail.
package confedit

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// SetLine ensures exactly one canonical "key value" line exists in doc.
// Every line whose first token is the key (optionally commented out,
// case-insensitive) is replaced; if no line matched, the canonical line is
// appended. The result always ends with exactly one trailing newline.
// The second return value reports whether the content changed after
// trailing-newline normalization.
func SetLine(doc, key, value string) (string, bool) {
	pat := regexp.MustCompile(`(?i)^\s*#?\s*` + regexp.QuoteMeta(key) + `\b`)

	lines := splitLines(doc)
	out := make([]string, 0, len(lines)+1)
	found := false
	for _, line := range lines {
		if pat.MatchString(line) {
			out = append(out, key+" "+value)
			found = true
		} else {
			out = append(out, line)
		}
	}
	if !found {
		out = append(out, key+" "+value)
	}

	next := strings.Join(out, "\n") + "\n"
	return next, next != normalize(doc)
}

// VerifyLine reports whether doc contains an uncommented "key value" line.
// Matching is anchored at start of line; leading whitespace is tolerated.
func VerifyLine(doc, key, value string) bool {
	pat := regexp.MustCompile(`(?m)^\s*` + regexp.QuoteMeta(key) + `\s+` + regexp.QuoteMeta(value) + `\b`)
	return pat.MatchString(doc)
}

// UnifiedDiff renders a unified diff between old and new content for audit
// output. It is produced regardless of whether the write succeeds.
func UnifiedDiff(path, old, new string) string {
	if old == new {
		return ""
	}

	dmp := diffmatchpatch.New()
	a, b, lineArray := dmp.DiffLinesToChars(old, new)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lineArray)

	var sb strings.Builder
	fmt.Fprintf(&sb, "--- %s (old)\n+++ %s (new)\n", path, path)
	for _, d := range diffs {
		prefix := " "
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			prefix = "+"
		case diffmatchpatch.DiffDelete:
			prefix = "-"
		}
		for _, line := range splitLines(strings.TrimSuffix(d.Text, "\n")) {
			sb.WriteString(prefix)
			sb.WriteString(line)
			sb.WriteByte('\n')
		}
	}
	return sb.String()
}

// BackupPath returns the timestamped sibling path used by the atomic write
// protocol: "<path>.bak.<unix-timestamp>".
func BackupPath(path string, unixTS int64) string {
	return fmt.Sprintf("%s.bak.%d", path, unixTS)
}

// TempPath returns the temporary location, in the same directory as path,
// that content is written to before the atomic rename.
func TempPath(path string) string {
	return path + ".opsmend.tmp"
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(s, "\n"), "\n")
}

// normalize guarantees a single trailing newline so that idempotent rewrites
// of an unterminated final line do not count as a change.
func normalize(s string) string {
	if s == "" {
		return ""
	}
	return strings.TrimRight(s, "\n") + "\n"
}
