package forge

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
)

// SignatureEvidence is the normalized signature verdict for one commit,
// whether it came from the forge or from a local git probe.
type SignatureEvidence struct {
	Verifiable bool   `json:"signature_verifiable"`
	Verified   bool   `json:"signature_verified"`
	Source     string `json:"signature_source"`
	Type       string `json:"signature_type,omitempty"`
	Reason     string `json:"signature_reason,omitempty"`
}

// SignatureProber supplies signature evidence for commits the forge did
// not verify itself.
type SignatureProber interface {
	// FetchPullHead makes the PR head commits reachable locally. Failure
	// is tolerated by the caller after logging it; the per-commit probe
	// then reports commit_not_found.
	FetchPullHead(ctx context.Context, prNumber int64) error
	Probe(ctx context.Context, sha string) SignatureEvidence
}

var goodSignatureRe = regexp.MustCompile(`Good .* signature`)

// GitSignatureProber probes commit signatures with the local git
// installation. It never trusts exit codes alone: git prints signature
// verdicts on stderr with status 0.
type GitSignatureProber struct {
	// Dir is the repository worktree to probe in; empty means cwd.
	Dir string
}

func (p *GitSignatureProber) git(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = p.Dir
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// FetchPullHead tries both Gitea pull-ref spellings and reports the last
// failure when neither fetches.
func (p *GitSignatureProber) FetchPullHead(ctx context.Context, prNumber int64) error {
	refs := []string{
		fmt.Sprintf("refs/pull/%d/head", prNumber),
		fmt.Sprintf("pull/%d/head", prNumber),
	}
	var lastErr error
	for _, ref := range refs {
		_, err := p.git(ctx, "fetch", "--quiet", "origin", ref)
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return fmt.Errorf("forge: fetch pull %d head: %w", prNumber, lastErr)
}

// Probe inspects one commit's signature.
func (p *GitSignatureProber) Probe(ctx context.Context, sha string) SignatureEvidence {
	if sha == "" {
		return SignatureEvidence{Source: "local_git", Reason: "commit_not_found"}
	}
	if _, err := p.git(ctx, "cat-file", "-e", sha+"^{commit}"); err != nil {
		return SignatureEvidence{Source: "local_git", Reason: "commit_not_found"}
	}
	out, _ := p.git(ctx, "log", "--show-signature", "-n", "1", "--format=%H", sha)

	switch {
	case goodSignatureRe.MatchString(out):
		sigType := "gpg"
		if strings.Contains(out, `Good "git" signature`) {
			sigType = "ssh"
		}
		return SignatureEvidence{
			Verifiable: true,
			Verified:   true,
			Source:     "local_git",
			Type:       sigType,
			Reason:     "good_signature",
		}
	case strings.Contains(out, "No signature"),
		strings.Contains(out, "BAD signature"),
		strings.Contains(out, "bad signature"):
		return SignatureEvidence{
			Verifiable: true,
			Source:     "local_git",
			Reason:     "missing_or_bad_signature",
		}
	case strings.Contains(out, "Can't check signature"),
		strings.Contains(out, "No public key"):
		return SignatureEvidence{
			Source: "local_git",
			Reason: "unverifiable_key",
		}
	default:
		return SignatureEvidence{
			Source: "local_git",
			Reason: "unknown_signature_output",
		}
	}
}
