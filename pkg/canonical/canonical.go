// Package canonical provides the canonical JSON encoding and the
// domain-separated hashing that every signature in the control plane is
// derived from. Two independent replays over byte-identical inputs must
// produce byte-identical hashes, so the encoding is strict: map keys are
// sorted, separators are minimal, floats are rejected outright.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gowebpki/jcs"

	"github.com/forgewarden/warden/pkg/errcode"
)

// Version-qualified domain tags, one per semantic object. Distinct tags
// prevent cross-context hash collisions.
const (
	DomainPolicyHash         = "policy_hash.v1"
	DomainRequestFingerprint = "request_fingerprint.v1"
	DomainAuditEvent         = "audit_event.v1"
	DomainReviewID           = "review_id.v1"
	DomainReviewDecision     = "review_decision.v1"
	DomainExecutionPermit    = "execution_permit.v1"
)

const codeInvalid = "secure_layer.hash.invalid"

// Bytes returns the canonical JSON encoding of obj: UTF-8, key-sorted,
// minimal separators, no floats, no NaN/Infinity. obj must be a mapping.
func Bytes(obj map[string]any) ([]byte, error) {
	if obj == nil {
		return nil, errcode.New(codeInvalid).With("field", "mapping_required")
	}
	if err := ValidateValue(obj); err != nil {
		return nil, err
	}
	// encoding/json sorts map keys but HTML-escapes; the RFC 8785 transform
	// restores literal characters and normalizes string escapes.
	intermediate, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("canonical: marshal: %w", err)
	}
	canon, err := jcs.Transform(intermediate)
	if err != nil {
		return nil, fmt.Errorf("canonical: transform: %w", err)
	}
	return canon, nil
}

// DomainHash computes SHA-256(domain || 0x0A || canonical_bytes(obj)) and
// renders it as lowercase hex.
func DomainHash(domain string, obj map[string]any) (string, error) {
	if domain == "" {
		return "", errcode.New(codeInvalid).With("field", "domain")
	}
	canon, err := Bytes(obj)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	buf.WriteString(domain)
	buf.WriteByte('\n')
	buf.Write(canon)
	sum := sha256.Sum256(buf.Bytes())
	return hex.EncodeToString(sum[:]), nil
}

// HashText returns the plain SHA-256 hex digest of UTF-8 text. Used for
// document fingerprints (governance text, policy documents) where the input
// is raw bytes rather than a canonical mapping.
func HashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// ValidateValue walks v and rejects anything outside the canonical value
// model: null, bool, signed integer, string, list, string-keyed mapping.
// Floats are rejected everywhere; json.Number is accepted only when it
// denotes an integer.
func ValidateValue(v any) error {
	switch t := v.(type) {
	case nil, bool, string:
		return nil
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32:
		return nil
	case uint64:
		if t > uint64(1)<<63-1 {
			return errcode.New(codeInvalid).With("field", "value_type")
		}
		return nil
	case float32, float64:
		return errcode.New(codeInvalid).With("field", "float_forbidden")
	case json.Number:
		if strings.ContainsAny(t.String(), ".eE") {
			return errcode.New(codeInvalid).With("field", "float_forbidden")
		}
		return nil
	case []any:
		for _, item := range t {
			if err := ValidateValue(item); err != nil {
				return err
			}
		}
		return nil
	case []string:
		return nil
	case map[string]any:
		for _, item := range t {
			if err := ValidateValue(item); err != nil {
				return err
			}
		}
		return nil
	case map[string]string:
		return nil
	default:
		return errcode.New(codeInvalid).With("field", "value_type")
	}
}

func requireNonEmpty(value, field string) (string, error) {
	if value == "" {
		return "", errcode.New(codeInvalid).With("field", field)
	}
	return value, nil
}
