package policy

import "github.com/forgewarden/warden/pkg/canonical"

// LedgerResolution is the outcome of looking up a paused review.
type LedgerResolution string

const (
	LedgerAllow      LedgerResolution = "allow"
	LedgerBlock      LedgerResolution = "block"
	LedgerUnresolved LedgerResolution = "unresolved"
)

// ReviewArtifact is the durable record a human (or delegated approver)
// leaves behind when resolving a paused review.
type ReviewArtifact struct {
	ReviewID           string
	PolicyHash         string
	RequestFingerprint string
	Decision           string
	DecidedBy          string
	SignatureRef       string
}

// ResolveReviewArtifact validates an artifact against the review identity
// it claims to resolve. Any mismatch, including a missing artifact, is
// unresolved; a pause never times out into a decision.
func ResolveReviewArtifact(artifact *ReviewArtifact, reviewID, requestFingerprint, policyHash string) LedgerResolution {
	if artifact == nil {
		return LedgerUnresolved
	}
	if artifact.ReviewID != reviewID {
		return LedgerUnresolved
	}
	if artifact.PolicyHash != policyHash {
		return LedgerUnresolved
	}
	if artifact.RequestFingerprint != requestFingerprint {
		return LedgerUnresolved
	}
	switch artifact.Decision {
	case "allow":
		return LedgerAllow
	case "block":
		return LedgerBlock
	default:
		return LedgerUnresolved
	}
}

// VerifyReviewResume reports whether a paused decision may resume on the
// strength of artifact: the artifact's review id must equal the recomputed
// identity hash for (policy_hash, request_fingerprint), its bindings must
// match, and its decision must be terminal and hashable.
func VerifyReviewResume(policyHash, requestFingerprint string, artifact *ReviewArtifact) bool {
	if artifact == nil {
		return false
	}
	idInput, err := canonical.ReviewIDInput(policyHash, requestFingerprint)
	if err != nil {
		return false
	}
	expectedReviewID, err := canonical.DomainHash(canonical.DomainReviewID, idInput)
	if err != nil {
		return false
	}
	if artifact.ReviewID != expectedReviewID {
		return false
	}
	if artifact.PolicyHash != policyHash {
		return false
	}
	if artifact.RequestFingerprint != requestFingerprint {
		return false
	}
	if _, err := canonical.ReviewDecisionInput(
		artifact.ReviewID,
		artifact.PolicyHash,
		artifact.RequestFingerprint,
		artifact.Decision,
		artifact.DecidedBy,
		artifact.SignatureRef,
	); err != nil {
		return false
	}
	return artifact.Decision == "allow" || artifact.Decision == "block"
}

// ArtifactResolver adapts a static set of artifacts to the LedgerResolver
// interface used at interpreter initialization.
type ArtifactResolver struct {
	byReviewID map[string]*ReviewArtifact
}

// NewArtifactResolver indexes artifacts by review id.
func NewArtifactResolver(artifacts []ReviewArtifact) *ArtifactResolver {
	indexed := make(map[string]*ReviewArtifact, len(artifacts))
	for i := range artifacts {
		indexed[artifacts[i].ReviewID] = &artifacts[i]
	}
	return &ArtifactResolver{byReviewID: indexed}
}

func (r *ArtifactResolver) Resolve(reviewID, requestFingerprint, policyHash string) LedgerResolution {
	return ResolveReviewArtifact(r.byReviewID[reviewID], reviewID, requestFingerprint, policyHash)
}
