// Package fixes holds the canned remediation catalog: known-good
// hardening changes that can be planned, applied, and verified without
// involving the decision maker.
package fixes

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"opsmend/internal/confedit"
	"opsmend/internal/remote"
)

// TargetFile is the configuration file the catalog operates on.
const TargetFile = "/etc/ssh/sshd_config"

// Fix is one catalog entry: a single key/value line in the target file.
type Fix struct {
	ID    string
	Title string
	Key   string
	Value string
}

var catalog = map[string]Fix{
	"ssh_disable_root": {
		ID:    "ssh_disable_root",
		Title: "Disable root SSH login",
		Key:   "PermitRootLogin",
		Value: "no",
	},
	"ssh_disable_password_auth": {
		ID:    "ssh_disable_password_auth",
		Title: "Disable SSH password authentication",
		Key:   "PasswordAuthentication",
		Value: "no",
	},
}

// IDs lists the known fix identifiers, sorted.
func IDs() []string {
	out := make([]string, 0, len(catalog))
	for id := range catalog {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Resolve expands a user selection into concrete fix ids. An empty
// selection means the default fix; "all" selects the whole catalog.
func Resolve(selected []string) ([]Fix, error) {
	if len(selected) == 0 {
		return []Fix{catalog["ssh_disable_root"]}, nil
	}
	for _, s := range selected {
		if s == "all" {
			var out []Fix
			for _, id := range IDs() {
				out = append(out, catalog[id])
			}
			return out, nil
		}
	}
	var out []Fix
	var bad []string
	for _, s := range selected {
		f, ok := catalog[s]
		if !ok {
			bad = append(bad, s)
			continue
		}
		out = append(out, f)
	}
	if len(bad) > 0 {
		return nil, fmt.Errorf("unknown fix id(s): %s (known: %s)",
			strings.Join(bad, ", "), strings.Join(IDs(), ", "))
	}
	return out, nil
}

// Plan renders the steps an apply would take, for operator review.
func Plan(fixes []Fix) []string {
	var steps []string
	for _, f := range fixes {
		steps = append(steps,
			fmt.Sprintf("[%s] %s", f.ID, f.Title),
			fmt.Sprintf("  - Read %s", TargetFile),
			fmt.Sprintf("  - Ensure '%s %s' exists (replace if present)", f.Key, f.Value),
			fmt.Sprintf("  - Write back to %s with backup", TargetFile),
		)
	}
	steps = append(steps, "  - Reload sshd (best-effort)")
	return steps
}

// Apply reads the target file once, applies every fix to the content,
// and writes back only when something changed. It returns whether a
// write happened and the unified diff of the change. sshd reload is
// best-effort and never fails the apply.
func Apply(ctx context.Context, exec remote.Executor, fixes []Fix) (bool, string, error) {
	original, err := exec.ReadFile(ctx, TargetFile)
	if err != nil {
		return false, "", fmt.Errorf("read %s: %w", TargetFile, err)
	}
	content := original
	changedAny := false
	for _, f := range fixes {
		var changed bool
		content, changed = confedit.SetLine(content, f.Key, f.Value)
		changedAny = changedAny || changed
	}
	if !changedAny {
		return false, "", nil
	}
	diff := confedit.UnifiedDiff(TargetFile, original, content)
	if err := exec.WriteFile(ctx, TargetFile, content); err != nil {
		return false, diff, fmt.Errorf("write %s: %w", TargetFile, err)
	}
	exec.Execute(ctx, "systemctl reload ssh || service ssh reload || true")
	return true, diff, nil
}

// Verify re-reads the target file and reports which fixes are not in
// effect.
func Verify(ctx context.Context, exec remote.Executor, fixes []Fix) (bool, []string, error) {
	content, err := exec.ReadFile(ctx, TargetFile)
	if err != nil {
		return false, nil, fmt.Errorf("read %s: %w", TargetFile, err)
	}
	var failed []string
	for _, f := range fixes {
		if !confedit.VerifyLine(content, f.Key, f.Value) {
			failed = append(failed, f.ID)
		}
	}
	return len(failed) == 0, failed, nil
}
