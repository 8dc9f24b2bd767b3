package envcheck

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/forgewarden/warden/pkg/errcode"
	"github.com/forgewarden/warden/pkg/forge"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type forgeFixture struct {
	userStatus int
	issuesBody string
	labelsBody string
}

func newForgeServer(t *testing.T, fx forgeFixture) *httptest.Server {
	t.Helper()
	if fx.userStatus == 0 {
		fx.userStatus = http.StatusOK
	}
	if fx.issuesBody == "" {
		fx.issuesBody = "[]"
	}
	if fx.labelsBody == "" {
		fx.labelsBody = `[{"id": 1, "name": "in-progress"}]`
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/user", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(fx.userStatus)
		fmt.Fprint(w, `{"id": 1, "login": "supervisor"}`)
	})
	mux.HandleFunc("/api/v1/repos/warden/dev/issues", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, fx.issuesBody)
	})
	mux.HandleFunc("/api/v1/repos/warden/dev/labels", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, fx.labelsBody)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func newTestValidator(t *testing.T, server *httptest.Server) *Validator {
	t.Helper()
	client, err := forge.NewClient(server.URL, "warden", "dev", "tok", forge.WithLogger(testLogger(t)))
	if err != nil {
		t.Fatal(err)
	}
	root := t.TempDir()
	contract := filepath.Join(root, "governance.md")
	environment := filepath.Join(root, "environment.json")
	if err := os.WriteFile(contract, []byte("# Contract\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(environment, []byte(`{"api_base": "`+server.URL+`"}`), 0o644); err != nil {
		t.Fatal(err)
	}

	v := NewValidator(client, "tok", testLogger(t))
	v.GovernancePath = contract
	v.EnvironmentPath = environment
	v.run = func(_ context.Context, _, _ string, _ ...string) error { return nil }
	v.lookPath = func(name string) (string, error) { return "/usr/bin/" + name, nil }
	return v
}

func hasCode(result Result, code string) bool {
	for _, c := range result.ChecksFailed {
		if c == code {
			return true
		}
	}
	return false
}

func TestValidateAllChecksPass(t *testing.T) {
	server := newForgeServer(t, forgeFixture{})
	v := newTestValidator(t, server)

	result := v.Validate(context.Background())
	if !result.EnvironmentValid {
		t.Fatalf("expected valid environment, failed: %v", result.ChecksFailed)
	}
	want := []string{"repository_state", "governance_files", "runtime_toolchain", "gitea_connectivity", "label_availability"}
	if len(result.ChecksPassed) != len(want) {
		t.Fatalf("checks passed: %v", result.ChecksPassed)
	}
	for i, name := range want {
		if result.ChecksPassed[i] != name {
			t.Errorf("check %d = %s, want %s", i, result.ChecksPassed[i], name)
		}
	}
	if !strings.HasSuffix(result.Timestamp, "Z") || len(result.Timestamp) != 20 {
		t.Errorf("timestamp not utc iso8601: %q", result.Timestamp)
	}
	if result.Err() != nil {
		t.Errorf("valid result must map to nil error")
	}
}

func TestRepositoryStateFailure(t *testing.T) {
	server := newForgeServer(t, forgeFixture{})
	v := newTestValidator(t, server)
	v.run = func(_ context.Context, _, name string, args ...string) error {
		if name == "git" && args[0] == "ls-remote" {
			return errors.New("origin unreachable")
		}
		return nil
	}

	result := v.Validate(context.Background())
	if result.EnvironmentValid || !hasCode(result, CodeRepositoryUnavailable) {
		t.Fatalf("expected %s, got %v", CodeRepositoryUnavailable, result.ChecksFailed)
	}
	if errcode.Code(result.Err()) != CodeRepositoryUnavailable {
		t.Errorf("result error code: %v", result.Err())
	}
}

func TestGovernanceDocumentMissing(t *testing.T) {
	server := newForgeServer(t, forgeFixture{})
	v := newTestValidator(t, server)
	if err := os.Remove(v.GovernancePath); err != nil {
		t.Fatal(err)
	}

	result := v.Validate(context.Background())
	if !hasCode(result, CodeGovernanceMissing) {
		t.Fatalf("expected %s, got %v", CodeGovernanceMissing, result.ChecksFailed)
	}
}

func TestGovernanceDocumentUnreadable(t *testing.T) {
	server := newForgeServer(t, forgeFixture{})
	v := newTestValidator(t, server)
	// A directory passes the stat but cannot be hashed.
	if err := os.Remove(v.GovernancePath); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(v.GovernancePath, 0o755); err != nil {
		t.Fatal(err)
	}

	result := v.Validate(context.Background())
	if !hasCode(result, CodeGovernanceUnreadable) {
		t.Fatalf("expected %s, got %v", CodeGovernanceUnreadable, result.ChecksFailed)
	}
}

func TestRuntimeToolchainFailure(t *testing.T) {
	server := newForgeServer(t, forgeFixture{})
	v := newTestValidator(t, server)
	v.lookPath = func(string) (string, error) { return "", errors.New("not found") }

	result := v.Validate(context.Background())
	if !hasCode(result, CodeRuntimeInvalid) {
		t.Fatalf("expected %s, got %v", CodeRuntimeInvalid, result.ChecksFailed)
	}
}

func TestConnectivityMissingToken(t *testing.T) {
	server := newForgeServer(t, forgeFixture{})
	v := newTestValidator(t, server)
	v.Token = ""

	result := v.Validate(context.Background())
	if !hasCode(result, CodeForgeAuthFailed) {
		t.Fatalf("expected %s, got %v", CodeForgeAuthFailed, result.ChecksFailed)
	}
}

func TestConnectivityAuthRejected(t *testing.T) {
	server := newForgeServer(t, forgeFixture{userStatus: http.StatusUnauthorized})
	v := newTestValidator(t, server)

	result := v.Validate(context.Background())
	if !hasCode(result, CodeForgeAuthFailed) {
		t.Fatalf("expected %s, got %v", CodeForgeAuthFailed, result.ChecksFailed)
	}
}

func TestConnectivityUnreachable(t *testing.T) {
	server := newForgeServer(t, forgeFixture{})
	v := newTestValidator(t, server)
	server.Close()

	result := v.Validate(context.Background())
	if !hasCode(result, CodeForgeUnreachable) {
		t.Fatalf("expected %s, got %v", CodeForgeUnreachable, result.ChecksFailed)
	}
}

func TestConnectivityInvalidResponse(t *testing.T) {
	server := newForgeServer(t, forgeFixture{issuesBody: `{"message": "not a list"}`})
	v := newTestValidator(t, server)

	result := v.Validate(context.Background())
	if !hasCode(result, CodeForgeInvalidResponse) {
		t.Fatalf("expected %s, got %v", CodeForgeInvalidResponse, result.ChecksFailed)
	}
}

func TestLabelAvailabilityFailure(t *testing.T) {
	server := newForgeServer(t, forgeFixture{labelsBody: `[{"id": 2, "name": "bug"}]`})
	v := newTestValidator(t, server)

	result := v.Validate(context.Background())
	if !hasCode(result, CodeLabelsMissing) {
		t.Fatalf("expected %s, got %v", CodeLabelsMissing, result.ChecksFailed)
	}
	// The other checks still ran.
	if len(result.ChecksPassed) != 4 {
		t.Errorf("checks passed: %v", result.ChecksPassed)
	}
}
