package audit

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/forgewarden/warden/pkg/errcode"
)

func testEvent(sequence int64, prevHash string) Event {
	return Event{
		EventID:            "evt-" + strings.Repeat("0", 8),
		EventType:          EventPermitUsed,
		PolicyHash:         strings.Repeat("b", 64),
		RequestFingerprint: strings.Repeat("c", 64),
		Sequence:           sequence,
		StreamID:           "task-3",
		PrevEventHash:      prevHash,
		Payload:            map[string]any{"permit_id": strings.Repeat("d", 64)},
	}
}

func chainOf(t *testing.T, length int) []Event {
	t.Helper()
	events := make([]Event, 0, length)
	prev := ""
	for i := 0; i < length; i++ {
		event := testEvent(int64(i), prev)
		events = append(events, event)
		hash, err := Fingerprint(event)
		if err != nil {
			t.Fatalf("fingerprint: %v", err)
		}
		prev = hash
	}
	return events
}

func TestValidateRejectsUnknownType(t *testing.T) {
	event := testEvent(0, "")
	event.EventType = "tool.exec.mystery"
	if err := event.Validate(); err == nil {
		t.Fatal("unknown event type must be rejected")
	}
}

func TestFingerprintStable(t *testing.T) {
	event := testEvent(0, "")
	h1, err := Fingerprint(event)
	if err != nil {
		t.Fatal(err)
	}
	h2, _ := Fingerprint(event)
	if h1 != h2 {
		t.Error("fingerprint must be deterministic")
	}
	event.Payload = map[string]any{"permit_id": "other"}
	h3, _ := Fingerprint(event)
	if h1 == h3 {
		t.Error("payload change must change the fingerprint")
	}
}

func TestVerifyChainAccepts(t *testing.T) {
	events := chainOf(t, 4)
	if err := VerifyChain(events, "task-3"); err != nil {
		t.Fatalf("valid chain rejected: %v", err)
	}
}

func TestVerifyChainEmptyStream(t *testing.T) {
	if err := VerifyChain(nil, "task-3"); err != nil {
		t.Fatalf("empty stream is trivially valid: %v", err)
	}
	if err := VerifyChain(nil, ""); err == nil {
		t.Fatal("empty stream id must be rejected")
	}
}

func TestVerifyChainSequenceGap(t *testing.T) {
	events := chainOf(t, 3)
	// Drop the middle event: [0, 2] with 2's prev pointing at 0's hash.
	hash0, _ := Fingerprint(events[0])
	events[2].PrevEventHash = hash0
	tampered := []Event{events[0], events[2]}
	err := VerifyChain(tampered, "task-3")
	if err == nil {
		t.Fatal("gap must be detected")
	}
	var coded *errcode.Error
	if !errors.As(err, &coded) {
		t.Fatalf("expected coded error, got %v", err)
	}
	if coded.Ctx["field"] != "sequence" || coded.Ctx["index"] != "1" {
		t.Errorf("expected sequence failure at index 1, got %v", coded.Ctx)
	}
}

func TestVerifyChainPrevHashTamper(t *testing.T) {
	events := chainOf(t, 3)
	events[2].PrevEventHash = strings.Repeat("f", 64)
	err := VerifyChain(events, "task-3")
	if err == nil {
		t.Fatal("prev hash tamper must be detected")
	}
	var coded *errcode.Error
	errors.As(err, &coded)
	if coded.Ctx["field"] != "prev_event_hash" {
		t.Errorf("expected prev_event_hash failure, got %v", coded.Ctx)
	}
}

func TestVerifyChainStreamIDMismatch(t *testing.T) {
	events := chainOf(t, 2)
	events[1].StreamID = "task-4"
	err := VerifyChain(events, "task-3")
	var coded *errcode.Error
	if !errors.As(err, &coded) || coded.Ctx["field"] != "stream_id_mismatch" {
		t.Errorf("expected stream_id_mismatch, got %v", err)
	}
}

func TestWriteLoadVerifyRoundTrip(t *testing.T) {
	root := t.TempDir()
	writer := NewWriter(root, "supervisor")
	events := chainOf(t, 3)
	for _, event := range events {
		if _, err := writer.WriteEvent(event); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	loaded, err := LoadStream(root, "task-3")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded) != 3 {
		t.Fatalf("expected 3 events, got %d", len(loaded))
	}
	if err := VerifyStream(root, "task-3"); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestWriteDuplicateIsKillSwitch(t *testing.T) {
	root := t.TempDir()
	writer := NewWriter(root, "supervisor")
	event := testEvent(0, "")
	if _, err := writer.WriteEvent(event); err != nil {
		t.Fatal(err)
	}
	_, err := writer.WriteEvent(event)
	if err == nil {
		t.Fatal("duplicate write must fail")
	}
	if !errcode.IsKillSwitch(err) {
		t.Errorf("duplicate write must be a kill-switch, got %v", err)
	}
	if errcode.Code(err) != CodeAppendViolation {
		t.Errorf("expected %s, got %s", CodeAppendViolation, errcode.Code(err))
	}
}

func TestLoadStreamDetectsHashTamper(t *testing.T) {
	root := t.TempDir()
	writer := NewWriter(root, "supervisor")
	event := testEvent(0, "")
	rel, err := writer.WriteEvent(event)
	if err != nil {
		t.Fatal(err)
	}
	full := filepath.Join(root, rel)
	raw, err := os.ReadFile(full)
	if err != nil {
		t.Fatal(err)
	}
	tampered := strings.Replace(string(raw), event.EventID, "evt-TAMPERED", 1)
	if err := os.WriteFile(full, []byte(tampered), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err = LoadStream(root, "task-3")
	var coded *errcode.Error
	if !errors.As(err, &coded) || coded.Ctx["field"] != "event_hash_mismatch" {
		t.Errorf("expected event_hash_mismatch, got %v", err)
	}
}

func TestLoadStreamRejectsGap(t *testing.T) {
	root := t.TempDir()
	writer := NewWriter(root, "supervisor")
	events := chainOf(t, 3)
	for _, event := range events {
		if _, err := writer.WriteEvent(event); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Remove(filepath.Join(root, "audit", "streams", "task-3", "1.audit.json")); err != nil {
		t.Fatal(err)
	}
	_, err := LoadStream(root, "task-3")
	var coded *errcode.Error
	if !errors.As(err, &coded) || coded.Ctx["field"] != "missing_sequence" {
		t.Errorf("expected missing_sequence, got %v", err)
	}
}

func TestLoadStreamMissingDir(t *testing.T) {
	_, err := LoadStream(t.TempDir(), "task-99")
	var coded *errcode.Error
	if !errors.As(err, &coded) || coded.Ctx["field"] != "stream_missing" {
		t.Errorf("expected stream_missing, got %v", err)
	}
}
