// Command warden runs the deterministic control plane over a Gitea-hosted
// repository: preflight validation, PR governance gate, and the supervisor
// loop that claims, dispatches, and settles build tasks.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/forgewarden/warden/pkg/archive"
	"github.com/forgewarden/warden/pkg/audit"
	"github.com/forgewarden/warden/pkg/config"
	"github.com/forgewarden/warden/pkg/envcheck"
	"github.com/forgewarden/warden/pkg/errcode"
	"github.com/forgewarden/warden/pkg/forge"
	"github.com/forgewarden/warden/pkg/governance"
	"github.com/forgewarden/warden/pkg/observability"
	"github.com/forgewarden/warden/pkg/prgate"
	"github.com/forgewarden/warden/pkg/supervisor"
)

// Exit codes: 0 clean, 1 startup governance failure, 2 kill-switch.
const (
	exitOK         = 0
	exitGovernance = 1
	exitKillSwitch = 2
	exitUsage      = 64
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	cfg := config.Load()
	logger := newLogger(stderr, cfg.LogLevel)

	if len(args) < 2 {
		return runLoop(cfg, logger, stdout, stderr, false)
	}

	switch args[1] {
	case "run":
		return runLoop(cfg, logger, stdout, stderr, false)
	case "cycle":
		return runLoop(cfg, logger, stdout, stderr, true)
	case "envcheck":
		return runEnvcheck(cfg, logger, stdout, stderr)
	case "probe":
		return runProbe(cfg, logger, stdout, stderr)
	case "gate":
		return runGate(cfg, logger, stdout, stderr)
	case "export":
		return runExport(cfg, logger, args[2:], stdout, stderr)
	case "verify":
		return runVerify(cfg, args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return exitOK
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return exitUsage
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: warden [command]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  run         Run the supervisor loop (default)")
	fmt.Fprintln(w, "  cycle       Run exactly one supervisor cycle")
	fmt.Fprintln(w, "  envcheck    Run the environment preflight and print the result")
	fmt.Fprintln(w, "  probe       Rediscover the forge API base and update the environment document")
	fmt.Fprintln(w, "  gate        Evaluate open pull requests once")
	fmt.Fprintln(w, "  export <stream>   Export a sealed audit stream to the archive store")
	fmt.Fprintln(w, "  verify <stream>   Verify an audit stream end to end")
	fmt.Fprintln(w, "  help        Show this help")
}

func newLogger(w io.Writer, level string) *slog.Logger {
	var l slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		l = slog.LevelDebug
	case "WARN", "WARNING":
		l = slog.LevelWarn
	case "ERROR":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: l}))
	slog.SetDefault(logger)
	return logger
}

func newForgeClient(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*forge.Client, error) {
	apiBase := cfg.ForgeAPIBase
	// The forge may have moved ports since the environment document was
	// written. Prefer whatever actually answers.
	prober := envcheck.NewProber(logger)
	prober.EnvironmentPath = cfg.EnvironmentPath
	if base, err := prober.ProbeAPIBase(ctx); err == nil {
		apiBase = base
	} else {
		logger.Warn("api base probe failed, using configured base", "error", err)
	}
	return forge.NewClient(apiBase, cfg.ForgeOwner, cfg.ForgeRepo, cfg.ForgeToken, forge.WithLogger(logger))
}

func newGate(cfg *config.Config, client *forge.Client, logger *slog.Logger, stdout io.Writer) (*supervisor.Gate, string, error) {
	var cache prgate.EvaluationCache
	if cfg.GateCachePath != "" {
		sqlCache, err := prgate.OpenSQLiteCache(cfg.GateCachePath)
		if err != nil {
			return nil, "", err
		}
		cache = sqlCache
	}

	_, policyHash, err := prgate.LoadPolicy(cfg.PolicyPath, nil)
	if err != nil {
		return nil, "", err
	}

	// The baseline pins the policy for the life of the loop. First run
	// records it; later runs enforce it.
	baselineHash := policyHash
	if baseline, err := prgate.ReadBaseline(cfg.ArtifactRoot); err == nil {
		baselineHash = baseline.PolicyHashBaseline
	} else if _, err := prgate.WriteBaseline(cfg.ArtifactRoot, cfg.PolicyPath, policyHash); err != nil {
		return nil, "", err
	}

	gate := supervisor.NewGate(client, cache, logger).WithOutput(stdout)
	gate.PolicyPath = cfg.PolicyPath
	gate.ArtifactRoot = cfg.ArtifactRoot
	gate.BaselineHash = baselineHash
	return gate, policyHash, nil
}

func buildSupervisor(ctx context.Context, cfg *config.Config, logger *slog.Logger, stdout io.Writer, telemetry *observability.Provider) (*supervisor.Supervisor, error) {
	client, err := newForgeClient(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	enforcer := governance.NewEnforcer(cfg.GovernancePath, cfg.EnvironmentPath, "", logger)

	validator := envcheck.NewValidator(client, cfg.ForgeToken, logger)
	validator.Dir = cfg.RepoRoot
	validator.GovernancePath = cfg.GovernancePath
	validator.EnvironmentPath = cfg.EnvironmentPath
	validator.ExecutorCommand = cfg.ExecutorCommand

	gate, policyHash, err := newGate(cfg, client, logger, stdout)
	if err != nil {
		return nil, err
	}
	gate.WithTelemetry(telemetry)

	opts := []supervisor.Option{
		supervisor.WithEnvValidator(validator),
		supervisor.WithGateRunner(gate),
		supervisor.WithLogger(logger),
		supervisor.WithOutput(stdout),
		supervisor.WithTelemetry(telemetry),
	}
	if cfg.AutonomyEnabled {
		opts = append(opts, supervisor.WithTaskFactory(maintenanceTask))
	}

	return supervisor.New(supervisor.Config{
		ClaimTTL:        cfg.ClaimTTL,
		Sleep:           cfg.SleepInterval,
		RepoRoot:        cfg.RepoRoot,
		PolicyHash:      policyHash,
		ExecutorCommand: []string{cfg.ExecutorCommand},
	}, client, enforcer, opts...), nil
}

// maintenanceTask is the recursive work the loop generates for itself when
// every milestone is drained.
func maintenanceTask() (string, string) {
	return "chore: refresh governance baseline",
		"Regenerate `artifacts/governance/policy-baseline.json` from the active policy and record the refreshed hash."
}

func runLoop(cfg *config.Config, logger *slog.Logger, stdout, stderr io.Writer, once bool) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provider := observability.Disabled()
	if cfg.OTLPEndpoint != "" {
		obsCfg := observability.DefaultConfig()
		obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
		p, err := observability.New(ctx, obsCfg)
		if err != nil {
			logger.Warn("observability init failed", "error", err)
		} else {
			provider = p
			defer func() { _ = provider.Shutdown(context.Background()) }()
		}
	}

	sup, err := buildSupervisor(ctx, cfg, logger, stdout, provider)
	if err != nil {
		fmt.Fprintf(stderr, "startup failed: %v\n", err)
		return exitGovernance
	}

	if once {
		err = sup.Cycle(ctx)
	} else {
		err = sup.Run(ctx)
	}
	switch {
	case err == nil:
		return exitOK
	case errcode.IsKillSwitch(err):
		fmt.Fprintf(stderr, "kill-switch: %v\n", err)
		return exitKillSwitch
	case errors.Is(err, supervisor.ErrStartupGovernance):
		fmt.Fprintf(stderr, "%v\n", err)
		return exitGovernance
	default:
		fmt.Fprintf(stderr, "%v\n", err)
		return exitGovernance
	}
}

func runEnvcheck(cfg *config.Config, logger *slog.Logger, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := newForgeClient(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(stderr, "forge client: %v\n", err)
		return exitGovernance
	}
	validator := envcheck.NewValidator(client, cfg.ForgeToken, logger)
	validator.Dir = cfg.RepoRoot
	validator.GovernancePath = cfg.GovernancePath
	validator.EnvironmentPath = cfg.EnvironmentPath
	validator.ExecutorCommand = cfg.ExecutorCommand

	result := validator.Validate(ctx)
	encoded, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return exitGovernance
	}
	fmt.Fprintln(stdout, string(encoded))
	if !result.EnvironmentValid {
		return exitGovernance
	}
	return exitOK
}

func runProbe(cfg *config.Config, logger *slog.Logger, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	prober := envcheck.NewProber(logger)
	prober.EnvironmentPath = cfg.EnvironmentPath
	base, err := prober.ProbeAPIBase(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return exitGovernance
	}
	fmt.Fprintln(stdout, base)
	return exitOK
}

func runGate(cfg *config.Config, logger *slog.Logger, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := newForgeClient(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(stderr, "forge client: %v\n", err)
		return exitGovernance
	}
	gate, _, err := newGate(cfg, client, logger, stdout)
	if err != nil {
		fmt.Fprintf(stderr, "gate setup: %v\n", err)
		return exitGovernance
	}
	if err := gate.Run(ctx); err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		if errcode.IsKillSwitch(err) {
			return exitKillSwitch
		}
		return exitGovernance
	}
	return exitOK
}

func runExport(cfg *config.Config, logger *slog.Logger, args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, "Usage: warden export <stream-id>")
		return exitUsage
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := archive.NewStoreFromEnv(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return exitGovernance
	}
	exporter := archive.NewExporter(cfg.RepoRoot, store, logger)
	pack, err := exporter.ExportStream(ctx, args[0])
	if err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return exitGovernance
	}
	encoded, err := json.MarshalIndent(pack, "", "  ")
	if err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return exitGovernance
	}
	fmt.Fprintln(stdout, string(encoded))
	return exitOK
}

func runVerify(cfg *config.Config, args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, "Usage: warden verify <stream-id>")
		return exitUsage
	}
	if err := audit.VerifyStream(cfg.RepoRoot, args[0]); err != nil {
		fmt.Fprintf(stderr, "stream %s: %v\n", args[0], err)
		return exitKillSwitch
	}
	fmt.Fprintf(stdout, "stream %s verified\n", args[0])
	return exitOK
}
