package confedit

import (
	"strings"
	"testing"
)

func TestSetLine_ReplacesExisting(t *testing.T) {
	doc := "PermitRootLogin yes\n"
	got, changed := SetLine(doc, "PermitRootLogin", "no")
	if got != "PermitRootLogin no\n" {
		t.Errorf("got %q, want %q", got, "PermitRootLogin no\n")
	}
	if !changed {
		t.Error("expected changed=true")
	}
}

func TestSetLine_Idempotent(t *testing.T) {
	doc := "PermitRootLogin yes\n"
	once, _ := SetLine(doc, "PermitRootLogin", "no")
	twice, changed := SetLine(once, "PermitRootLogin", "no")
	if changed {
		t.Error("second application reported changed=true")
	}
	if once != twice {
		t.Errorf("content differs after reapply: %q vs %q", once, twice)
	}
}

func TestSetLine_Variants(t *testing.T) {
	tests := []struct {
		name        string
		doc         string
		key, value  string
		want        string
		wantChanged bool
	}{
		{
			name: "commented line replaced",
			doc:  "# PermitRootLogin prohibit-password\n",
			key:  "PermitRootLogin", value: "no",
			want:        "PermitRootLogin no\n",
			wantChanged: true,
		},
		{
			name: "case insensitive key match",
			doc:  "permitrootlogin yes\n",
			key:  "PermitRootLogin", value: "no",
			want:        "PermitRootLogin no\n",
			wantChanged: true,
		},
		{
			name: "appended when missing",
			doc:  "Port 22\n",
			key:  "PasswordAuthentication", value: "no",
			want:        "Port 22\nPasswordAuthentication no\n",
			wantChanged: true,
		},
		{
			name: "empty document",
			doc:  "",
			key:  "X11Forwarding", value: "no",
			want:        "X11Forwarding no\n",
			wantChanged: true,
		},
		{
			name: "missing trailing newline normalized",
			doc:  "Port 22",
			key:  "Port", value: "22",
			want:        "Port 22\n",
			wantChanged: false,
		},
		{
			name: "multiple matches collapse to canonical",
			doc:  "PermitRootLogin yes\n#PermitRootLogin no\nPort 22\n",
			key:  "PermitRootLogin", value: "no",
			want:        "PermitRootLogin no\nPermitRootLogin no\nPort 22\n",
			wantChanged: true,
		},
		{
			name: "prefix key does not match longer key",
			doc:  "PermitRootLoginGrace yes\n",
			key:  "PermitRootLogin", value: "no",
			want:        "PermitRootLoginGrace yes\nPermitRootLogin no\n",
			wantChanged: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, changed := SetLine(tt.doc, tt.key, tt.value)
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
			if changed != tt.wantChanged {
				t.Errorf("changed=%v, want %v", changed, tt.wantChanged)
			}
		})
	}
}

func TestVerifyLine(t *testing.T) {
	doc := "Port 22\nPermitRootLogin no\n# PasswordAuthentication no\n"

	if !VerifyLine(doc, "PermitRootLogin", "no") {
		t.Error("expected PermitRootLogin no to verify")
	}
	if VerifyLine(doc, "PermitRootLogin", "yes") {
		t.Error("wrong value verified")
	}
	if VerifyLine(doc, "PasswordAuthentication", "no") {
		t.Error("commented line must not verify")
	}
	if VerifyLine(doc, "Permit", "no") {
		t.Error("key prefix must not verify")
	}
}

func TestUnifiedDiff(t *testing.T) {
	old := "a\nb\nc\n"
	new := "a\nB\nc\n"
	diff := UnifiedDiff("/etc/example", old, new)

	if !strings.Contains(diff, "--- /etc/example (old)") {
		t.Errorf("missing old header: %q", diff)
	}
	if !strings.Contains(diff, "-b") || !strings.Contains(diff, "+B") {
		t.Errorf("diff missing change lines: %q", diff)
	}

	if got := UnifiedDiff("/etc/example", old, old); got != "" {
		t.Errorf("identical content should produce empty diff, got %q", got)
	}
}

func TestBackupAndTempPaths(t *testing.T) {
	if got := BackupPath("/etc/ssh/sshd_config", 1700000000); got != "/etc/ssh/sshd_config.bak.1700000000" {
		t.Errorf("BackupPath = %q", got)
	}
	if got := TempPath("/etc/ssh/sshd_config"); got != "/etc/ssh/sshd_config.opsmend.tmp" {
		t.Errorf("TempPath = %q", got)
	}
}
