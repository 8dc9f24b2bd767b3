package policy

// SecretInjectionMode is where a secret value would be placed on the wire.
type SecretInjectionMode string

const (
	InjectHeader     SecretInjectionMode = "header"
	InjectBodyField  SecretInjectionMode = "body_field"
	InjectQueryParam SecretInjectionMode = "query_param"
	InjectURLPath    SecretInjectionMode = "url_path"
)

// SecretValidationResult is the tri-state outcome of secret validation.
type SecretValidationResult string

const (
	SecretValid          SecretValidationResult = "valid"
	SecretInvalid        SecretValidationResult = "invalid"
	SecretReviewRequired SecretValidationResult = "review_required"
)

// SecretRef points at managed secret material. The validator never sees
// the material itself.
type SecretRef struct {
	Provider          string
	Key               string
	Version           string
	ExpiresAtRequired bool
	RotationTTL       int64
}

// ValidateSecretInjection is the pure secret-injection rule: a secret
// without a key or without any expiry policy is never injectable, and a
// disallowed mode only survives as review_required when it is explicitly
// exception-listed.
func ValidateSecretInjection(ref SecretRef, mode SecretInjectionMode, disallowed, exceptions map[SecretInjectionMode]bool) SecretValidationResult {
	if ref.Key == "" {
		return SecretInvalid
	}
	hasExpiryPolicy := ref.ExpiresAtRequired || ref.RotationTTL > 0
	if !hasExpiryPolicy {
		return SecretInvalid
	}
	if disallowed[mode] {
		if exceptions[mode] {
			return SecretReviewRequired
		}
		return SecretInvalid
	}
	return SecretValid
}
