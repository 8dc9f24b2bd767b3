package audit

import (
	"strconv"

	"github.com/forgewarden/warden/pkg/errcode"
)

const codeReplayInvalid = "secure_layer.replay.invalid"

// VerifyChain checks a loaded stream against the chain invariants:
// sequences 0,1,2,…; each prev_event_hash equal to the fingerprint of the
// immediately preceding event; constant stream id. Events must already be
// in sequence order — out-of-order input is rejected, never re-sorted.
func VerifyChain(events []Event, streamID string) error {
	if streamID == "" {
		return errcode.New(codeReplayInvalid).With("field", "stream_id")
	}
	prevHash := ""
	for index, event := range events {
		fail := func(field string) error {
			return errcode.New(codeReplayInvalid).
				With("field", field).
				With("index", strconv.Itoa(index))
		}
		if event.StreamID != streamID {
			return fail("stream_id_mismatch")
		}
		if event.PolicyHash == "" {
			return fail("policy_hash")
		}
		if event.RequestFingerprint == "" {
			return fail("request_fingerprint")
		}
		if event.Sequence != int64(index) {
			return fail("sequence")
		}
		if event.PrevEventHash != prevHash {
			return fail("prev_event_hash")
		}
		hash, err := Fingerprint(event)
		if err != nil {
			return fail("event_hash")
		}
		prevHash = hash
	}
	return nil
}
