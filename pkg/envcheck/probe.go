package envcheck

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/forgewarden/warden/pkg/governance"
)

// DefaultProbePorts are tried in order when the configured api_base does
// not answer. The configured port, when parseable, is tried first.
var DefaultProbePorts = []int{3000, 80, 8080}

const probeTimeout = 2 * time.Second

// Prober rediscovers the forge API base by port scanning localhost and
// rewrites the environment document when the configured base is stale.
type Prober struct {
	EnvironmentPath string
	Ports           []int
	HTTP            *http.Client

	log *slog.Logger
}

// NewProber builds a prober over the default environment document.
func NewProber(log *slog.Logger) *Prober {
	if log == nil {
		log = slog.Default()
	}
	return &Prober{
		EnvironmentPath: governance.DefaultEnvironmentPath,
		Ports:           DefaultProbePorts,
		HTTP:            &http.Client{Timeout: probeTimeout},
		log:             log.With("component", "envcheck"),
	}
}

// ProbeAPIBase finds a working forge API base and returns it. When the
// working base differs from the configured one the environment document
// is rewritten in place.
func (p *Prober) ProbeAPIBase(ctx context.Context) (string, error) {
	raw, err := os.ReadFile(p.EnvironmentPath)
	if err != nil {
		return "", fmt.Errorf("envcheck: read environment document: %w", err)
	}
	var env map[string]any
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", fmt.Errorf("envcheck: environment document is not a json mapping: %w", err)
	}
	apiBase, _ := env["api_base"].(string)
	template, _ := env["git_remote_template"].(string)
	owner, repo, err := OwnerRepoFromTemplate(template)
	if err != nil {
		return "", err
	}

	ports := append([]int(nil), p.Ports...)
	if len(ports) == 0 {
		ports = DefaultProbePorts
	}
	if current, ok := portOf(apiBase); ok && !containsPort(ports, current) {
		ports = append([]int{current}, ports...)
	}

	for _, port := range ports {
		base := fmt.Sprintf("http://localhost:%d/api/v1", port)
		if err := p.probe(ctx, base, owner, repo); err != nil {
			p.log.Debug("probe failed", "api_base", base, "error", err)
			continue
		}
		p.log.Info("forge api reachable", "api_base", base)
		if apiBase != base {
			env["api_base"] = base
			updated, err := json.MarshalIndent(env, "", "  ")
			if err != nil {
				return "", fmt.Errorf("envcheck: encode environment document: %w", err)
			}
			if err := os.WriteFile(p.EnvironmentPath, append(updated, '\n'), 0o644); err != nil {
				return "", fmt.Errorf("envcheck: rewrite environment document: %w", err)
			}
			p.log.Info("environment document updated", "path", p.EnvironmentPath, "api_base", base)
		}
		return base, nil
	}
	return "", fmt.Errorf("envcheck: no reachable forge api on ports %v", ports)
}

func (p *Prober) probe(ctx context.Context, base, owner, repo string) error {
	probeURL := fmt.Sprintf("%s/repos/%s/%s/issues", base, owner, repo)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, probeURL, nil)
	if err != nil {
		return err
	}
	resp, err := p.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	var payload any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return fmt.Errorf("response is not json: %w", err)
	}
	return nil
}

// OwnerRepoFromTemplate extracts owner and repository from a git remote
// template such as ssh://git@localhost:2222/owner/repo.git.
func OwnerRepoFromTemplate(template string) (string, string, error) {
	trimmed := strings.TrimSuffix(strings.TrimRight(strings.TrimSpace(template), "/"), ".git")
	if trimmed == "" {
		return "", "", fmt.Errorf("envcheck: empty git remote template")
	}
	parts := strings.Split(trimmed, "/")
	if len(parts) < 2 {
		return "", "", fmt.Errorf("envcheck: git remote template %q has no owner/repo path", template)
	}
	owner, repo := parts[len(parts)-2], parts[len(parts)-1]
	if owner == "" || repo == "" || strings.ContainsAny(owner, ":@") {
		return "", "", fmt.Errorf("envcheck: git remote template %q has no owner/repo path", template)
	}
	return owner, repo, nil
}

func portOf(apiBase string) (int, bool) {
	parsed, err := url.Parse(apiBase)
	if err != nil {
		return 0, false
	}
	port, err := strconv.Atoi(parsed.Port())
	if err != nil {
		return 0, false
	}
	return port, true
}

func containsPort(ports []int, port int) bool {
	for _, p := range ports {
		if p == port {
			return true
		}
	}
	return false
}
