package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"opsmend/internal/config"
	"opsmend/internal/fixes"
	"opsmend/internal/loop"
	"opsmend/internal/oracle"
	"opsmend/internal/policy"
	"opsmend/internal/remote"
	"opsmend/internal/sandbox"
	"opsmend/internal/store"
	"opsmend/internal/tools"
)

var (
	// Global flags
	verbose    bool
	configPath string

	// Target selection
	target      string
	sshKey      string
	sshPassword string

	// Run behavior
	allowInsecure bool
	maxRetries    int

	logger *zap.Logger
	cfg    *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "opsmend",
	Short: "opsmend - policy-gated remote remediation engine",
	Long: `opsmend takes a natural language remediation goal and drives a
supervised plan, execute, verify loop against an SSH host or a local
docker sandbox. Every command the decision maker proposes passes a
policy gate before it touches the target.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var runCmd = &cobra.Command{
	Use:   "run [goal]",
	Short: "Achieve a natural language goal through the plan/execute/verify loop",
	Long: `Runs the full supervised loop: a plan is drafted for the goal, executed
step by step through the policy-gated tool catalog, and the result is
verified. Failed attempts feed their failure analysis into a replan,
up to --max-retries times. The outcome is recorded in the run history.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runGoal,
}

var fixCmd = &cobra.Command{
	Use:   "fix",
	Short: "Canned remediations (plan, apply, verify)",
}

var fixPlanCmd = &cobra.Command{
	Use:   "plan",
	Short: "Show what applying the selected fixes would do",
	RunE:  fixPlan,
}

var fixApplyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply the selected fixes with backup and diff",
	RunE:  fixApply,
}

var fixVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the selected fixes are in effect",
	RunE:  fixVerify,
}

var execCmd = &cobra.Command{
	Use:   "exec -- [command]",
	Short: "Run one policy-checked command, fanning out over --target hosts",
	Args:  cobra.MinimumNArgs(1),
	RunE:  execCommand,
}

var sandboxCmd = &cobra.Command{
	Use:   "sandbox",
	Short: "Manage the local docker sandbox target",
}

var sandboxUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Create and start the sandbox container",
	RunE: func(cmd *cobra.Command, args []string) error {
		sbx := newSandbox()
		if err := sbx.EnsureUp(cmd.Context()); err != nil {
			return err
		}
		fmt.Printf("sandbox container %q ready\n", cfg.Sandbox.Container)
		return nil
	},
}

var sandboxDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Remove the sandbox container",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newSandbox().Down(cmd.Context()); err != nil {
			return err
		}
		fmt.Println("sandbox container removed")
		return nil
	},
}

var sandboxStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sandbox container state",
	RunE: func(cmd *cobra.Command, args []string) error {
		sbx := newSandbox()
		switch {
		case sbx.Running(cmd.Context()):
			fmt.Printf("%s: running\n", cfg.Sandbox.Container)
		case sbx.Exists(cmd.Context()):
			fmt.Printf("%s: stopped\n", cfg.Sandbox.Container)
		default:
			fmt.Printf("%s: absent\n", cfg.Sandbox.Container)
		}
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent runs from the audit log",
	RunE:  showHistory,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "opsmend.yaml", "config file path")

	for _, c := range []*cobra.Command{runCmd, fixCmd, execCmd} {
		c.PersistentFlags().StringVar(&target, "target", "", "SSH target (user@host:port or ssh:// URL); empty uses the docker sandbox")
		c.PersistentFlags().StringVar(&sshKey, "key", "", "SSH private key file")
		c.PersistentFlags().StringVar(&sshPassword, "password", "", "SSH password (key-based auth preferred)")
	}

	runCmd.Flags().BoolVar(&allowInsecure, "allow-insecure", false, "permit security-weakening configuration changes")
	runCmd.Flags().IntVar(&maxRetries, "max-retries", loop.DefaultMaxRetries, "attempts before giving up")

	fixCmd.PersistentFlags().StringArray("fix", nil, "fix id (repeatable); known: "+strings.Join(append(fixes.IDs(), "all"), ", "))
	fixCmd.AddCommand(fixPlanCmd, fixApplyCmd, fixVerifyCmd)

	execCmd.Flags().StringArray("host", nil, "additional SSH hosts for fan-out (repeatable)")
	execCmd.Flags().Int("max-workers", 20, "fan-out concurrency bound")

	historyCmd.Flags().Int("limit", 20, "rows to show")

	sandboxCmd.AddCommand(sandboxUpCmd, sandboxDownCmd, sandboxStatusCmd)
	rootCmd.AddCommand(runCmd, fixCmd, execCmd, sandboxCmd, historyCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newSandbox() *sandbox.Executor {
	return sandbox.New(
		sandbox.WithContainer(cfg.Sandbox.Container),
		sandbox.WithImage(cfg.Sandbox.Image),
		sandbox.WithLogger(logger),
	)
}

// sshConfig builds the connection config for one target string.
func sshConfig(raw string) (remote.Config, error) {
	rc, err := remote.ParseURL(raw)
	if err != nil {
		return remote.Config{}, err
	}
	rc.KeyFile = expandHome(firstNonEmpty(sshKey, cfg.SSH.KeyFile))
	rc.Password = firstNonEmpty(sshPassword, rc.Password)
	rc.Timeout = cfg.SSHTimeout()
	rc.KeepAlive = cfg.SSHKeepAlive()
	return rc, nil
}

// newExecutor picks the backend: a pooled SSH executor when --target is
// set, the docker sandbox otherwise. The cleanup func drains the pool.
func newExecutor(ctx context.Context) (remote.Executor, string, func(), error) {
	if target == "" {
		sbx := newSandbox()
		if err := sbx.EnsureUp(ctx); err != nil {
			return nil, "", nil, err
		}
		return sbx, "sandbox", func() {}, nil
	}

	rc, err := sshConfig(target)
	if err != nil {
		return nil, "", nil, err
	}
	pool := remote.NewPool(cfg.SSH.MaxConnectionsPerHost, remote.WithLogger(logger))
	exec := remote.NewSSHExecutor(pool, rc)
	if !exec.TestConnection(ctx) {
		pool.CloseAll()
		return nil, "", nil, fmt.Errorf("cannot connect to %s", rc.Key())
	}
	logger.Info("connected", zap.String("endpoint", rc.Key()))
	return exec, rc.Key(), pool.CloseAll, nil
}

func runGoal(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	goal := strings.Join(args, " ")

	exec, targetName, cleanup, err := newExecutor(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	pol := policy.Policy{AllowInsecure: allowInsecure}
	if allowInsecure {
		goal += " [policy:allow_insecure]"
	} else {
		goal += " [policy:deny_insecure]"
	}

	disp := tools.NewDispatcher(tools.NewCatalog(), exec, pol, logger)
	client := oracle.NewChatClient(oracle.ChatConfig{
		APIKey:  cfg.Oracle.APIKey,
		BaseURL: cfg.Oracle.BaseURL,
		Model:   cfg.Oracle.Model,
		Timeout: cfg.OracleTimeout(),
	}, logger)

	l := loop.New(client, disp, logger, loop.WithMaxRetries(maxRetries))
	out := l.Run(ctx, goal)

	printOutcome(out)
	saveOutcome(ctx, targetName, out)

	if !out.Success {
		return fmt.Errorf("goal not achieved after %d attempt(s)", out.Final)
	}
	return nil
}

func printOutcome(out loop.Outcome) {
	fmt.Printf("\nGoal: %s\nSuccess: %v\nAttempts: %d\n", out.Goal, out.Success, len(out.Attempts))
	if len(out.Attempts) == 0 {
		return
	}
	last := out.Attempts[len(out.Attempts)-1]

	fmt.Printf("\nFinal plan (%d steps):\n", len(last.Plan))
	for _, step := range last.Plan {
		fmt.Printf("  %d. %s\n", step.Number, step.Action)
		if step.Tool != "" {
			fmt.Printf("     tool: %s, params: %v\n", step.Tool, step.Parameters)
		}
	}

	fmt.Printf("\nFinal execution (%d actions):\n", len(last.Transcript.Calls))
	for i, e := range last.Transcript.Calls {
		fmt.Printf("  %02d. %s %v -> ok=%v\n", i+1, e.Op, e.Args, e.Result.OK)
		if e.Result.Stderr != "" {
			fmt.Printf("      err: %s\n", strings.TrimSpace(e.Result.Stderr))
		}
	}

	fmt.Printf("\nVerification: success=%v\n  %s\n", last.Verification.Success, last.Verification.Conclusion)

	if len(out.Attempts) > 1 {
		fmt.Println("\nAttempt history:")
		for _, a := range out.Attempts {
			status := "FAILED"
			if a.Verification.Success {
				status = "SUCCESS"
			}
			fmt.Printf("  attempt %d: %s\n", a.Number, status)
		}
	}
}

func saveOutcome(ctx context.Context, targetName string, out loop.Outcome) {
	s, err := store.Open(ctx, cfg.HistoryPath)
	if err != nil {
		logger.Warn("run history unavailable", zap.Error(err))
		return
	}
	defer s.Close()
	id, err := s.SaveRun(ctx, targetName, out)
	if err != nil {
		logger.Warn("failed to record run", zap.Error(err))
		return
	}
	logger.Info("run recorded", zap.String("run_id", id))
}

func selectedFixes(cmd *cobra.Command) ([]fixes.Fix, error) {
	ids, _ := cmd.Flags().GetStringArray("fix")
	return fixes.Resolve(ids)
}

func fixPlan(cmd *cobra.Command, args []string) error {
	fs, err := selectedFixes(cmd)
	if err != nil {
		return err
	}
	for _, step := range fixes.Plan(fs) {
		fmt.Println(step)
	}
	return nil
}

func fixApply(cmd *cobra.Command, args []string) error {
	fs, err := selectedFixes(cmd)
	if err != nil {
		return err
	}
	exec, _, cleanup, err := newExecutor(cmd.Context())
	if err != nil {
		return err
	}
	defer cleanup()

	changed, diff, err := fixes.Apply(cmd.Context(), exec, fs)
	if err != nil {
		return err
	}
	if !changed {
		fmt.Println("No changes needed.")
		return nil
	}
	fmt.Println("Applied. Unified diff:")
	fmt.Print(diff)
	return nil
}

func fixVerify(cmd *cobra.Command, args []string) error {
	fs, err := selectedFixes(cmd)
	if err != nil {
		return err
	}
	exec, _, cleanup, err := newExecutor(cmd.Context())
	if err != nil {
		return err
	}
	defer cleanup()

	ok, failed, err := fixes.Verify(cmd.Context(), exec, fs)
	if err != nil {
		return err
	}
	if ok {
		fmt.Println("PASS: all selected fixes verified")
		return nil
	}
	return fmt.Errorf("FAIL: %s", strings.Join(failed, ", "))
}

func execCommand(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	command := strings.Join(args, " ")

	pol := policy.Policy{AllowInsecure: allowInsecure}
	if v := pol.CheckCommand(command); !v.Allowed {
		return fmt.Errorf("command rejected: %s", v.Reason)
	}

	hosts, _ := cmd.Flags().GetStringArray("host")
	if target != "" {
		hosts = append([]string{target}, hosts...)
	}

	// No hosts means the sandbox.
	if len(hosts) == 0 {
		sbx := newSandbox()
		if err := sbx.EnsureUp(ctx); err != nil {
			return err
		}
		code, stdout, stderr, err := sbx.Execute(ctx, command)
		if err != nil {
			return err
		}
		fmt.Print(stdout)
		if code != 0 && stderr != "" {
			fmt.Fprint(os.Stderr, stderr)
		}
		if code != 0 {
			return fmt.Errorf("exit status %d", code)
		}
		return nil
	}

	cfgs := make([]remote.Config, 0, len(hosts))
	for _, h := range hosts {
		rc, err := sshConfig(h)
		if err != nil {
			return err
		}
		cfgs = append(cfgs, rc)
	}

	maxWorkers, _ := cmd.Flags().GetInt("max-workers")
	pool := remote.NewPool(cfg.SSH.MaxConnectionsPerHost, remote.WithLogger(logger))
	defer pool.CloseAll()

	failures := 0
	for _, r := range remote.FanOut(ctx, pool, cfgs, command, maxWorkers) {
		fmt.Printf("=== %s ===\n", r.Host)
		if r.Err != nil {
			fmt.Printf("error: %v\n", r.Err)
			failures++
			continue
		}
		fmt.Print(r.Stdout)
		if r.Stderr != "" {
			fmt.Fprint(os.Stderr, r.Stderr)
		}
		if r.Code != 0 {
			fmt.Printf("exit status %d\n", r.Code)
			failures++
		}
	}
	if failures > 0 {
		return fmt.Errorf("%d host(s) failed", failures)
	}
	return nil
}

func showHistory(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, err := store.Open(ctx, cfg.HistoryPath)
	if err != nil {
		return err
	}
	defer s.Close()

	limit, _ := cmd.Flags().GetInt("limit")
	runs, err := s.ListRuns(ctx, limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("no recorded runs")
		return nil
	}
	for _, r := range runs {
		status := "FAILED"
		if r.Success {
			status = "SUCCESS"
		}
		fmt.Printf("%s  %s  %-7s  attempts=%d  target=%s\n  %s\n",
			r.CreatedAt.Format("2006-01-02 15:04"), r.ID[:8], status, r.Final, r.Target, r.Goal)
	}
	return nil
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return home + path[1:]
		}
	}
	return path
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
