package tools

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"opsmend/internal/confedit"
)

// NewCatalog assembles the full operation catalog. The catalog is fixed at
// startup; the decision-maker can invoke it but never extend it.
func NewCatalog() *Registry {
	r := NewRegistry()
	r.MustRegister(readFileTool())
	r.MustRegister(writeFileTool())
	r.MustRegister(runSafeTool("run_safe", "Run a whitelisted shell command on the remote target.", true))
	r.MustRegister(runSafeTool("run_command", "Run a system command, subject to the same allow-list as run_safe.", false))
	r.MustRegister(restartServiceTool())
	r.MustRegister(installPackageTool())
	r.MustRegister(removePackageTool())
	r.MustRegister(updateSystemTool())
	r.MustRegister(listPackagesTool())
	r.MustRegister(searchPackagesTool())
	r.MustRegister(checkServiceStatusTool())
	r.MustRegister(listServicesTool())
	r.MustRegister(verifyRegexTool())
	r.MustRegister(setConfigKVTool())
	r.MustRegister(createDirectoryTool())
	r.MustRegister(changePermissionsTool())
	r.MustRegister(changeOwnershipTool())
	return r
}

func quote(s string) string {
	if s == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// expandPath maps ~ and relative paths onto the target's root home, the
// convention for the remediation targets this engine manages.
func expandPath(p string) string {
	switch {
	case p == "~":
		return "/root"
	case strings.HasPrefix(p, "~/"):
		return "/root/" + strings.TrimPrefix(p, "~/")
	default:
		return p
	}
}

func readFileTool() *Tool {
	return &Tool{
		Name:        "read_file",
		Description: "Read a text file from the target. Supports absolute and relative paths.",
		ReadOnly:    true,
		Schema: Schema{
			Required:   []string{"path"},
			Properties: map[string]Property{"path": {Type: "string"}},
		},
		Run: func(ctx context.Context, env *Env, args map[string]any) Result {
			original := stringArg(args, "path")
			path := expandPath(original)

			if !strings.HasPrefix(path, "/") {
				// Relative path: try the common locations in order.
				for _, candidate := range []string{"/root/" + path, "/" + path, path} {
					if content, err := env.Exec.ReadFile(ctx, candidate); err == nil && content != "" {
						return Result{OK: true, Extra: map[string]any{"content": content}}
					}
				}
				return Failf("file not found in /root/, /, or current directory: %s", original)
			}

			content, err := env.Exec.ReadFile(ctx, path)
			if err != nil {
				return Failf("error reading file %s: %v", path, err)
			}
			return Result{OK: true, Extra: map[string]any{"content": content}}
		},
	}
}

func writeFileTool() *Tool {
	return &Tool{
		Name:        "write_file",
		Description: "Atomically replace a text file on the target, keeping a timestamped backup.",
		Schema: Schema{
			Required: []string{"path", "content"},
			Properties: map[string]Property{
				"path":    {Type: "string"},
				"content": {Type: "string"},
			},
		},
		Run: func(ctx context.Context, env *Env, args map[string]any) Result {
			path := expandPath(stringArg(args, "path"))
			if !strings.HasPrefix(path, "/") {
				path = "/root/" + path
			}
			if err := env.Exec.WriteFile(ctx, path, stringArg(args, "content")); err != nil {
				return Failf("error writing file %s: %v", path, err)
			}
			return Result{OK: true}
		},
	}
}

// runSafeTool builds the gated shell runners. Only run_safe is offered to
// the verifier; allowed commands can still mutate state, so the alias
// stays out of the inspection subset.
func runSafeTool(name, description string, readOnly bool) *Tool {
	return &Tool{
		Name:        name,
		Description: description,
		ReadOnly:    readOnly,
		Schema: Schema{
			Required:   []string{"cmd"},
			Properties: map[string]Property{"cmd": {Type: "string"}},
		},
		Run: func(ctx context.Context, env *Env, args map[string]any) Result {
			cmd := stringArg(args, "cmd")
			if v := env.Policy.CheckCommand(cmd); !v.Allowed {
				return Failf("%s", v.Reason)
			}
			return execResult(env.Exec.Execute(ctx, cmd))
		},
	}
}

var serviceActions = []any{"reload", "restart", "stop", "start", "enable", "disable"}

func restartServiceTool() *Tool {
	return &Tool{
		Name:        "restart_service",
		Description: "Manage a service: start, stop, restart, reload, enable (enable and start), disable (stop and disable). Works with systemd, init.d, or the service command.",
		Schema: Schema{
			Required: []string{"name"},
			Properties: map[string]Property{
				"name":   {Type: "string"},
				"action": {Type: "string", Enum: serviceActions, Default: "restart"},
			},
		},
		Run: runRestartService,
	}
}

func runRestartService(ctx context.Context, env *Env, args map[string]any) Result {
	name := stringArg(args, "name")
	action := stringArg(args, "action")
	if action == "" {
		action = "restart"
	}
	valid := false
	for _, a := range serviceActions {
		if action == a {
			valid = true
		}
	}
	if !valid {
		return Failf("invalid action: %s (use reload, restart, stop, start, enable, or disable)", action)
	}

	systemd := hasSystemd(ctx, env)
	svcCmd := serviceCommand(ctx, env, name, systemd)

	switch {
	case systemd && svcCmd == "systemd":
		return systemdAction(ctx, env, name, action)
	case svcCmd != "":
		return initdAction(ctx, env, name, action, svcCmd)
	case name == "ssh" || name == "sshd":
		return sshdDirectStart(ctx, env, action)
	default:
		return Failf("could not find service management method for %s: tried systemd, init.d, and the service command", name)
	}
}

func hasSystemd(ctx context.Context, env *Env) bool {
	_, out, _, err := env.Exec.Execute(ctx, "command -v systemctl >/dev/null 2>&1 && systemctl --version >/dev/null 2>&1 && echo yes || echo no")
	return err == nil && strings.TrimSpace(out) == "yes"
}

func serviceCommand(ctx context.Context, env *Env, name string, systemd bool) string {
	if systemd {
		code, _, _, err := env.Exec.Execute(ctx, fmt.Sprintf("systemctl list-unit-files %s.service >/dev/null 2>&1", quote(name)))
		if err == nil && code == 0 {
			return "systemd"
		}
	}
	code, _, _, err := env.Exec.Execute(ctx, fmt.Sprintf("test -f /etc/init.d/%s", quote(name)))
	if err == nil && code == 0 {
		return "/etc/init.d/" + name
	}
	code, _, _, err = env.Exec.Execute(ctx, "command -v service >/dev/null 2>&1")
	if err == nil && code == 0 {
		return "service"
	}
	return ""
}

func systemdAction(ctx context.Context, env *Env, name, action string) Result {
	switch action {
	case "enable":
		_, out1, err1, _ := env.Exec.Execute(ctx, fmt.Sprintf("systemctl enable %s.service 2>&1 || true", quote(name)))
		code, out2, err2, err := env.Exec.Execute(ctx, fmt.Sprintf("systemctl start %s.service 2>&1 || true", quote(name)))
		if err != nil {
			return Failf("remote operation failed: %v", err)
		}
		return Result{OK: code == 0, Code: &code, Stdout: out1 + out2, Stderr: err1 + err2}
	case "disable":
		_, out1, err1, _ := env.Exec.Execute(ctx, fmt.Sprintf("systemctl stop %s.service 2>&1 || true", quote(name)))
		_, out2, err2, err := env.Exec.Execute(ctx, fmt.Sprintf("systemctl disable %s.service 2>&1 || true", quote(name)))
		if err != nil {
			return Failf("remote operation failed: %v", err)
		}
		zero := 0
		return Result{OK: true, Code: &zero, Stdout: out1 + out2, Stderr: err1 + err2}
	default:
		code, out, stderr, err := env.Exec.Execute(ctx, fmt.Sprintf("systemctl %s %s.service 2>&1", action, quote(name)))
		if err != nil {
			return Failf("remote operation failed: %v", err)
		}
		if code != 0 && action == "restart" {
			// Failed restart: fall back to stop-then-start.
			_, _, _, _ = env.Exec.Execute(ctx, fmt.Sprintf("systemctl stop %s.service 2>&1 || true", quote(name)))
			code, out, stderr, err = env.Exec.Execute(ctx, fmt.Sprintf("systemctl start %s.service 2>&1", quote(name)))
			if err != nil {
				return Failf("remote operation failed: %v", err)
			}
		}
		return Result{OK: code == 0, Code: &code, Stdout: out, Stderr: stderr}
	}
}

func initdAction(ctx context.Context, env *Env, name, action, svcCmd string) Result {
	note := map[string]any{"note": fmt.Sprintf("used %s (non-systemd)", svcCmd)}
	switch action {
	case "enable":
		_, out1, err1, _ := env.Exec.Execute(ctx, fmt.Sprintf("update-rc.d %s enable 2>&1 || chkconfig %s on 2>&1 || true", quote(name), quote(name)))
		code, out2, err2, err := env.Exec.Execute(ctx, fmt.Sprintf("service %s start 2>&1 || /etc/init.d/%s start 2>&1 || true", quote(name), quote(name)))
		if err != nil {
			return Failf("remote operation failed: %v", err)
		}
		return Result{OK: code == 0, Code: &code, Stdout: out1 + out2, Stderr: err1 + err2, Extra: note}
	case "disable":
		_, out1, err1, _ := env.Exec.Execute(ctx, fmt.Sprintf("service %s stop 2>&1 || /etc/init.d/%s stop 2>&1 || true", quote(name), quote(name)))
		_, out2, err2, err := env.Exec.Execute(ctx, fmt.Sprintf("update-rc.d %s disable 2>&1 || chkconfig %s off 2>&1 || true", quote(name), quote(name)))
		if err != nil {
			return Failf("remote operation failed: %v", err)
		}
		zero := 0
		return Result{OK: true, Code: &zero, Stdout: out1 + out2, Stderr: err1 + err2, Extra: note}
	default:
		var cmd string
		if svcCmd == "service" {
			cmd = fmt.Sprintf("service %s %s 2>&1 || /etc/init.d/%s %s 2>&1", quote(name), action, quote(name), action)
		} else {
			cmd = fmt.Sprintf("%s %s 2>&1", svcCmd, action)
		}
		code, out, stderr, err := env.Exec.Execute(ctx, cmd)
		if err != nil {
			return Failf("remote operation failed: %v", err)
		}
		if code != 0 && action == "restart" {
			_, _, _, _ = env.Exec.Execute(ctx, fmt.Sprintf("service %s stop 2>&1 || /etc/init.d/%s stop 2>&1 || true", quote(name), quote(name)))
			code, out, stderr, err = env.Exec.Execute(ctx, fmt.Sprintf("service %s start 2>&1 || /etc/init.d/%s start 2>&1", quote(name), quote(name)))
			if err != nil {
				return Failf("remote operation failed: %v", err)
			}
		}
		return Result{OK: code == 0, Code: &code, Stdout: out, Stderr: stderr, Extra: note}
	}
}

// sshdDirectStart is the last resort for containers without an init
// system: sshd is started directly as a background process.
func sshdDirectStart(ctx context.Context, env *Env, action string) Result {
	if action != "start" && action != "restart" && action != "enable" {
		return Failf("could not find service management method for sshd")
	}
	code, _, _, err := env.Exec.Execute(ctx, "test -f /etc/ssh/sshd_config && /usr/sbin/sshd -t 2>&1")
	if err != nil {
		return Failf("remote operation failed: %v", err)
	}
	if code != 0 {
		return Failf("SSH configuration invalid; configure SSH first")
	}
	code, out, stderr, err := env.Exec.Execute(ctx, "nohup /usr/sbin/sshd -D >/tmp/sshd.log 2>&1 & echo $!")
	if err != nil {
		return Failf("remote operation failed: %v", err)
	}
	if code == 0 {
		_, _, _, _ = env.Exec.Execute(ctx, "sleep 1")
		_, check, _, _ := env.Exec.Execute(ctx, "ps aux | grep -E '[s]shd' | grep -v grep || echo 'not_running'")
		if strings.Contains(check, "sshd") {
			zero := 0
			return Result{OK: true, Code: &zero, Stdout: "SSH daemon started in background", Stderr: stderr,
				Extra: map[string]any{"note": "started sshd directly (container without an init system)"}}
		}
	}
	return Result{OK: false, Code: &code, Stdout: out, Stderr: stderr}
}

func installPackageTool() *Tool {
	return &Tool{
		Name:        "install_package",
		Description: "Install one or more packages using apt. Multiple packages may be separated by spaces.",
		Schema: Schema{
			Required:   []string{"package"},
			Properties: map[string]Property{"package": {Type: "string"}},
		},
		Run: func(ctx context.Context, env *Env, args map[string]any) Result {
			pkgs := quoteFields(stringArg(args, "package"))
			code1, out1, err1, err := env.Exec.Execute(ctx, "DEBIAN_FRONTEND=noninteractive apt-get update -y 2>&1")
			if err != nil {
				return Failf("remote operation failed: %v", err)
			}
			if code1 != 0 && strings.Contains(err1, "E:") {
				return Result{OK: false, Code: &code1, Stdout: out1, Stderr: err1}
			}
			code2, out2, err2, err := env.Exec.Execute(ctx, "DEBIAN_FRONTEND=noninteractive apt-get install -y "+pkgs+" 2>&1")
			if err != nil {
				return Failf("remote operation failed: %v", err)
			}
			// apt warnings are tolerated as long as no hard error appears.
			ok := code2 == 0 || (strings.Contains(err2, "W:") && !strings.Contains(err2, "E:"))
			return Result{OK: ok, Code: &code2, Stdout: out1 + out2, Stderr: err1 + err2}
		},
	}
}

func removePackageTool() *Tool {
	return &Tool{
		Name:        "remove_package",
		Description: "Remove one or more packages using apt.",
		Schema: Schema{
			Required:   []string{"package"},
			Properties: map[string]Property{"package": {Type: "string"}},
		},
		Run: func(ctx context.Context, env *Env, args map[string]any) Result {
			return execResult(env.Exec.Execute(ctx, "apt-get remove -y "+quoteFields(stringArg(args, "package"))))
		},
	}
}

func updateSystemTool() *Tool {
	return &Tool{
		Name:        "update_system",
		Description: "Update package lists and upgrade all installed packages.",
		Schema:      Schema{Required: []string{}, Properties: map[string]Property{}},
		Run: func(ctx context.Context, env *Env, args map[string]any) Result {
			code1, out1, err1, err := env.Exec.Execute(ctx, "DEBIAN_FRONTEND=noninteractive apt-get update -y 2>&1")
			if err != nil {
				return Failf("remote operation failed: %v", err)
			}
			if code1 != 0 && !strings.Contains(err1, "W:") && !strings.Contains(strings.ToLower(err1), "warning") {
				return Result{OK: false, Code: &code1, Stdout: out1, Stderr: err1}
			}
			code2, out2, err2, err := env.Exec.Execute(ctx, "DEBIAN_FRONTEND=noninteractive apt-get upgrade -y 2>&1")
			if err != nil {
				return Failf("remote operation failed: %v", err)
			}
			ok := code2 == 0 || (strings.Contains(err2, "W:") && !strings.Contains(err2, "E:"))
			return Result{OK: ok, Code: &code2, Stdout: out1 + out2, Stderr: err1 + err2}
		},
	}
}

func listPackagesTool() *Tool {
	return &Tool{
		Name:        "list_packages",
		Description: "List installed packages, optionally filtered by pattern.",
		ReadOnly:    true,
		Schema: Schema{
			Required:   []string{},
			Properties: map[string]Property{"pattern": {Type: "string", Default: ""}},
		},
		Run: func(ctx context.Context, env *Env, args map[string]any) Result {
			cmd := "dpkg -l"
			if pattern := stringArg(args, "pattern"); pattern != "" {
				cmd = "dpkg -l | grep -i " + quote(pattern) + " || true"
			}
			code, out, stderr, err := env.Exec.Execute(ctx, cmd)
			if err != nil {
				return Failf("remote operation failed: %v", err)
			}
			return Result{OK: true, Code: &code, Stdout: out, Stderr: stderr}
		},
	}
}

func searchPackagesTool() *Tool {
	return &Tool{
		Name:        "search_packages",
		Description: "Search available packages matching a query.",
		ReadOnly:    true,
		Schema: Schema{
			Required:   []string{"query"},
			Properties: map[string]Property{"query": {Type: "string"}},
		},
		Run: func(ctx context.Context, env *Env, args map[string]any) Result {
			_, _, _, _ = env.Exec.Execute(ctx, "apt-get update >/dev/null 2>&1 || true")
			code, out, stderr, err := env.Exec.Execute(ctx, "apt-cache search "+quote(stringArg(args, "query"))+" 2>&1")
			if err != nil {
				return Failf("remote operation failed: %v", err)
			}
			// A miss is not an error; only hard apt errors fail the search.
			if code != 0 && !strings.Contains(stderr, "E:") && !strings.Contains(strings.ToLower(stderr), "error") {
				zero := 0
				return Result{OK: true, Code: &zero, Stdout: out, Stderr: stderr}
			}
			return Result{OK: code == 0, Code: &code, Stdout: out, Stderr: stderr}
		},
	}
}

func checkServiceStatusTool() *Tool {
	return &Tool{
		Name:        "check_service_status",
		Description: "Check whether a service is running and enabled; returns detailed status.",
		ReadOnly:    true,
		Schema: Schema{
			Required:   []string{"name"},
			Properties: map[string]Property{"name": {Type: "string"}},
		},
		Run: func(ctx context.Context, env *Env, args map[string]any) Result {
			name := stringArg(args, "name")
			if hasSystemd(ctx, env) {
				_, active, _, _ := env.Exec.Execute(ctx, fmt.Sprintf("systemctl is-active %s.service 2>/dev/null || echo inactive", quote(name)))
				_, enabled, _, _ := env.Exec.Execute(ctx, fmt.Sprintf("systemctl is-enabled %s.service 2>/dev/null || echo disabled", quote(name)))
				_, status, _, err := env.Exec.Execute(ctx, fmt.Sprintf("systemctl status %s.service --no-pager -l 2>&1 || true", quote(name)))
				if err != nil {
					return Failf("remote operation failed: %v", err)
				}
				activeState := strings.TrimSpace(active)
				enabledState := strings.TrimSpace(enabled)
				return Result{OK: true, Extra: map[string]any{
					"active":          activeState == "active",
					"enabled":         enabledState == "enabled" || enabledState == "enabled-runtime",
					"status":          activeState,
					"enabled_status":  enabledState,
					"detailed_status": strings.TrimSpace(status),
					"systemd":         true,
				}}
			}

			var isActive bool
			if name == "ssh" || name == "sshd" {
				_, proc, _, _ := env.Exec.Execute(ctx, "ps aux | grep -E '[s]shd' || echo 'not_running'")
				isActive = strings.Contains(proc, "sshd") || strings.Contains(proc, "ssh")
			} else {
				_, proc, _, _ := env.Exec.Execute(ctx, fmt.Sprintf("pgrep -f %s || echo 'not_running'", quote(name)))
				trimmed := strings.TrimSpace(proc)
				isActive = trimmed != "not_running" && trimmed != ""
			}
			codeEnabled, enabledOut, _, _ := env.Exec.Execute(ctx, fmt.Sprintf("ls -la /etc/rc*.d/*%s 2>/dev/null | grep -E 'S[0-9]' || echo 'disabled'", quote(name)))
			isEnabled := !strings.Contains(enabledOut, "disabled") && codeEnabled == 0
			_, status, _, err := env.Exec.Execute(ctx, fmt.Sprintf("service %s status 2>&1 || /etc/init.d/%s status 2>&1 || echo 'status_unknown'", quote(name), quote(name)))
			if err != nil {
				return Failf("remote operation failed: %v", err)
			}
			statusWord := "inactive"
			enabledWord := "disabled"
			if isActive {
				statusWord = "active"
			}
			if isEnabled {
				enabledWord = "enabled"
			}
			return Result{OK: true, Extra: map[string]any{
				"active":          isActive,
				"enabled":         isEnabled,
				"status":          statusWord,
				"enabled_status":  enabledWord,
				"detailed_status": strings.TrimSpace(status),
				"systemd":         false,
				"note":            "checked via process table and init.d scripts (non-systemd environment)",
			}}
		},
	}
}

func listServicesTool() *Tool {
	return &Tool{
		Name:        "list_services",
		Description: "List system services, optionally filtered by pattern.",
		ReadOnly:    true,
		Schema: Schema{
			Required:   []string{},
			Properties: map[string]Property{"pattern": {Type: "string", Default: ""}},
		},
		Run: func(ctx context.Context, env *Env, args map[string]any) Result {
			pattern := stringArg(args, "pattern")
			if hasSystemd(ctx, env) {
				cmd := "systemctl list-units --type=service --all --no-pager"
				if pattern != "" {
					cmd += " | grep -i " + quote(pattern) + " || true"
				}
				code, out, stderr, err := env.Exec.Execute(ctx, cmd)
				if err != nil {
					return Failf("remote operation failed: %v", err)
				}
				return Result{OK: true, Code: &code, Stdout: out, Stderr: stderr, Extra: map[string]any{"systemd": true}}
			}
			cmd := "ls /etc/init.d/ || echo ''"
			if pattern != "" {
				cmd = "ls /etc/init.d/ | grep -i " + quote(pattern) + " || echo ''"
			}
			code, out, stderr, err := env.Exec.Execute(ctx, cmd)
			if err != nil {
				return Failf("remote operation failed: %v", err)
			}
			return Result{OK: true, Code: &code, Stdout: out, Stderr: stderr, Extra: map[string]any{"systemd": false}}
		},
	}
}

func verifyRegexTool() *Tool {
	return &Tool{
		Name:        "verify_regex",
		Description: "Assert that file content matches a regex pattern.",
		ReadOnly:    true,
		Schema: Schema{
			Required: []string{"path", "regex"},
			Properties: map[string]Property{
				"path":  {Type: "string"},
				"regex": {Type: "string"},
			},
		},
		Run: func(ctx context.Context, env *Env, args map[string]any) Result {
			content, err := env.Exec.ReadFile(ctx, expandPath(stringArg(args, "path")))
			if err != nil {
				return Failf("error reading file: %v", err)
			}
			pat, err := regexp.Compile("(?m)" + stringArg(args, "regex"))
			if err != nil {
				return Failf("invalid regex: %v", err)
			}
			return Result{OK: pat.MatchString(content)}
		},
	}
}

func setConfigKVTool() *Tool {
	return &Tool{
		Name:        "set_config_kv",
		Description: "Set or replace a single 'key value' line in a config file (idempotent).",
		Schema: Schema{
			Required: []string{"path", "key", "value"},
			Properties: map[string]Property{
				"path":  {Type: "string"},
				"key":   {Type: "string"},
				"value": {Type: "string"},
			},
		},
		Run: func(ctx context.Context, env *Env, args map[string]any) Result {
			path := expandPath(stringArg(args, "path"))
			key := stringArg(args, "key")
			value := stringArg(args, "value")

			if v := env.Policy.CheckConfigValue(path, key, value); !v.Allowed {
				return Failf("%s", v.Reason)
			}

			current, err := env.Exec.ReadFile(ctx, path)
			if err != nil {
				return Failf("error reading %s: %v", path, err)
			}
			next, changed := confedit.SetLine(current, key, value)
			diff := confedit.UnifiedDiff(path, current, next)

			if err := env.Exec.WriteFile(ctx, path, next); err != nil {
				// The diff is still reported for the audit trail.
				res := Failf("error writing %s: %v", path, err)
				res.Extra = map[string]any{"diff": diff, "changed": changed}
				return res
			}
			return Result{OK: true, Extra: map[string]any{"changed": changed, "diff": diff}}
		},
	}
}

func createDirectoryTool() *Tool {
	return &Tool{
		Name:        "create_directory",
		Description: "Create a directory and any missing parents.",
		Schema: Schema{
			Required: []string{"path"},
			Properties: map[string]Property{
				"path": {Type: "string"},
				"mode": {Type: "string", Default: "755"},
			},
		},
		Run: func(ctx context.Context, env *Env, args map[string]any) Result {
			mode := stringArg(args, "mode")
			if mode == "" {
				mode = "755"
			}
			return execResult(env.Exec.Execute(ctx, fmt.Sprintf("mkdir -p -m %s %s", quote(mode), quote(expandPath(stringArg(args, "path"))))))
		},
	}
}

func changePermissionsTool() *Tool {
	return &Tool{
		Name:        "change_permissions",
		Description: "Change file or directory permissions with chmod (e.g. '755', '644', 'u+x').",
		Schema: Schema{
			Required: []string{"path", "mode"},
			Properties: map[string]Property{
				"path": {Type: "string"},
				"mode": {Type: "string"},
			},
		},
		Run: func(ctx context.Context, env *Env, args map[string]any) Result {
			return execResult(env.Exec.Execute(ctx, fmt.Sprintf("chmod %s %s", quote(stringArg(args, "mode")), quote(expandPath(stringArg(args, "path"))))))
		},
	}
}

func changeOwnershipTool() *Tool {
	return &Tool{
		Name:        "change_ownership",
		Description: "Change file or directory ownership with chown.",
		Schema: Schema{
			Required: []string{"path", "user"},
			Properties: map[string]Property{
				"path":  {Type: "string"},
				"user":  {Type: "string"},
				"group": {Type: "string", Default: ""},
			},
		},
		Run: func(ctx context.Context, env *Env, args map[string]any) Result {
			owner := quote(stringArg(args, "user"))
			if group := stringArg(args, "group"); group != "" {
				owner = quote(stringArg(args, "user")) + ":" + quote(group)
			}
			return execResult(env.Exec.Execute(ctx, fmt.Sprintf("chown %s %s", owner, quote(expandPath(stringArg(args, "path"))))))
		},
	}
}

// quoteFields splits a space-separated package list and re-quotes each
// element for the shell.
func quoteFields(s string) string {
	fields := strings.Fields(s)
	quoted := make([]string, len(fields))
	for i, f := range fields {
		quoted[i] = quote(f)
	}
	return strings.Join(quoted, " ")
}
