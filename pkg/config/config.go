package config

import (
	"os"
	"strconv"
	"time"

	"github.com/forgewarden/warden/pkg/governance"
	"github.com/forgewarden/warden/pkg/prgate"
	"github.com/forgewarden/warden/pkg/supervisor"
)

// Config holds control-plane configuration.
type Config struct {
	ForgeAPIBase    string
	ForgeOwner      string
	ForgeRepo       string
	ForgeToken      string
	LogLevel        string
	RepoRoot        string
	GovernancePath  string
	EnvironmentPath string
	PolicyPath      string
	ExecutorCommand string
	ClaimTTL        time.Duration
	SleepInterval   time.Duration
	ArtifactRoot    string
	GateCachePath   string
	ArchiveBackend  string
	OTLPEndpoint    string
	AutonomyEnabled bool
}

// Load loads configuration from environment variables.
func Load() *Config {
	apiBase := os.Getenv("WARDEN_FORGE_URL")
	if apiBase == "" {
		// Default to local Gitea
		apiBase = "http://localhost:3000"
	}

	owner := os.Getenv("WARDEN_FORGE_OWNER")
	if owner == "" {
		owner = "warden"
	}

	repo := os.Getenv("WARDEN_FORGE_REPO")
	if repo == "" {
		repo = "workspace"
	}

	token := os.Getenv("WARDEN_FORGE_TOKEN")
	if token == "" {
		token = os.Getenv("GITEA_TOKEN")
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	repoRoot := os.Getenv("WARDEN_REPO_ROOT")
	if repoRoot == "" {
		repoRoot = "."
	}

	governancePath := os.Getenv("WARDEN_GOVERNANCE_PATH")
	if governancePath == "" {
		governancePath = governance.DefaultContractPath
	}

	environmentPath := os.Getenv("WARDEN_ENVIRONMENT_PATH")
	if environmentPath == "" {
		environmentPath = governance.DefaultEnvironmentPath
	}

	policyPath := os.Getenv("WARDEN_POLICY_PATH")
	if policyPath == "" {
		policyPath = prgate.DefaultPolicyPath
	}

	executorCommand := os.Getenv("WARDEN_EXECUTOR_CMD")
	if executorCommand == "" {
		executorCommand = "warden-executor"
	}

	artifactRoot := os.Getenv("WARDEN_ARTIFACT_ROOT")
	if artifactRoot == "" {
		artifactRoot = prgate.ArtifactRoot
	}

	archiveBackend := os.Getenv("WARDEN_ARCHIVE_BACKEND")
	if archiveBackend == "" {
		archiveBackend = "fs"
	}

	return &Config{
		ForgeAPIBase:    apiBase,
		ForgeOwner:      owner,
		ForgeRepo:       repo,
		ForgeToken:      token,
		LogLevel:        logLevel,
		RepoRoot:        repoRoot,
		GovernancePath:  governancePath,
		EnvironmentPath: environmentPath,
		PolicyPath:      policyPath,
		ExecutorCommand: executorCommand,
		ClaimTTL:        secondsOr("WARDEN_CLAIM_TTL_SECONDS", supervisor.DefaultClaimTTL),
		SleepInterval:   secondsOr("WARDEN_SLEEP_SECONDS", 60*time.Second),
		ArtifactRoot:    artifactRoot,
		GateCachePath:   os.Getenv("WARDEN_GATE_CACHE"),
		ArchiveBackend:  archiveBackend,
		OTLPEndpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		AutonomyEnabled: os.Getenv("WARDEN_AUTONOMY") == "true",
	}
}

// secondsOr reads an integer seconds value, keeping fallback when the
// variable is unset or not a positive integer.
func secondsOr(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return time.Duration(n) * time.Second
}
