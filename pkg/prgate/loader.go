package prgate

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/forgewarden/warden/pkg/gatelog"
)

// DefaultPolicyPath is where the governed repo keeps its policy.
const DefaultPolicyPath = "governance/policy/pr-governance.v0.2.yaml"

// PolicyLoadError is any failure to read, parse, or validate the policy
// document. Loading fails closed; there is no default policy.
type PolicyLoadError struct {
	Reason string
}

func (e *PolicyLoadError) Error() string {
	return "prgate: policy load failed: " + e.Reason
}

var requiredPolicyKeys = []string{
	"approvals",
	"branch_rules",
	"ci",
	"commit_signing",
	"high_risk_paths",
	"version",
}

// LoadPolicy reads and validates the policy document and returns it with
// the SHA-256 hash of its raw bytes. The hash is the lockdown identity:
// any byte change, even a comment, is a different policy.
func LoadPolicy(path string, log *gatelog.Logger) (Policy, string, error) {
	if path == "" {
		path = DefaultPolicyPath
	}
	if log == nil {
		log = gatelog.New("")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		log.Event("policy_loader", fmt.Sprintf("load_failed path=%s error=%v", path, err))
		return Policy{}, "", &PolicyLoadError{Reason: fmt.Sprintf("read %s: %v", path, err)}
	}

	var root map[string]any
	if err := yaml.Unmarshal(raw, &root); err != nil {
		log.Event("policy_loader", fmt.Sprintf("parse_failed path=%s error=%v", path, err))
		return Policy{}, "", &PolicyLoadError{Reason: fmt.Sprintf("parse yaml: %v", err)}
	}
	if root == nil {
		log.Event("policy_loader", fmt.Sprintf("invalid_mapping path=%s", path))
		return Policy{}, "", &PolicyLoadError{Reason: "policy yaml must be a mapping"}
	}

	var missing []string
	for _, key := range requiredPolicyKeys {
		if _, ok := root[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		log.Event("policy_loader", fmt.Sprintf("missing_keys path=%s missing=%s", path, strings.Join(missing, ",")))
		return Policy{}, "", &PolicyLoadError{Reason: "missing required keys: " + strings.Join(missing, ", ")}
	}

	var policy Policy
	if err := yaml.Unmarshal(raw, &policy); err != nil {
		log.Event("policy_loader", fmt.Sprintf("decode_failed path=%s error=%v", path, err))
		return Policy{}, "", &PolicyLoadError{Reason: fmt.Sprintf("decode policy: %v", err)}
	}
	if _, err := semver.NewVersion(policy.Version); err != nil {
		log.Event("policy_loader", fmt.Sprintf("invalid_version path=%s version=%s", path, policy.Version))
		return Policy{}, "", &PolicyLoadError{Reason: fmt.Sprintf("version %q is not semver", policy.Version)}
	}

	sum := sha256.Sum256(raw)
	policyHash := hex.EncodeToString(sum[:])

	keys := make([]string, 0, len(root))
	for key := range root {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	log.Event("policy_loader", fmt.Sprintf("loaded path=%s top_keys=%s policy_hash=%s", path, strings.Join(keys, ","), policyHash))
	return policy, policyHash, nil
}
