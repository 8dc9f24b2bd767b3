package audit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/forgewarden/warden/pkg/canonical"
	"github.com/forgewarden/warden/pkg/errcode"
)

// CodeAppendViolation is the kill-switch raised when an artifact position
// that already exists is written again.
const CodeAppendViolation = "secure_layer.killswitch.audit_append_violation"

const artifactSuffix = ".audit.json"

// ArtifactPath returns the repository-relative artifact path for one
// stream position: audit/streams/<stream_id>/<sequence>.audit.json.
func ArtifactPath(streamID string, sequence int64) (string, error) {
	if streamID == "" {
		return "", errcode.New(codeInvalid).With("field", "stream_id")
	}
	if sequence < 0 {
		return "", errcode.New(codeInvalid).With("field", "sequence")
	}
	return filepath.Join("audit", "streams", streamID, fmt.Sprintf("%d%s", sequence, artifactSuffix)), nil
}

// ArtifactBytes renders the canonical artifact for event.
func ArtifactBytes(event Event, writtenBy string) ([]byte, error) {
	if writtenBy == "" {
		return nil, errcode.New(codeInvalid).With("field", "written_by")
	}
	hash, err := Fingerprint(event)
	if err != nil {
		return nil, err
	}
	eventObj := map[string]any{
		"event_id":            event.EventID,
		"event_type":          string(event.EventType),
		"policy_hash":         event.PolicyHash,
		"request_fingerprint": event.RequestFingerprint,
		"sequence":            event.Sequence,
		"stream_id":           event.StreamID,
		"prev_event_hash":     event.PrevEventHash,
		"payload":             event.Payload,
	}
	return canonical.Bytes(map[string]any{
		"event":      eventObj,
		"event_hash": hash,
		"written_by": writtenBy,
		"version":    1,
	})
}

// Writer appends audit artifacts under a repository root. One writer owns
// each stream directory; every write is an exclusive create.
type Writer struct {
	Root      string
	WrittenBy string
}

// NewWriter returns a Writer rooted at repoRoot attributing artifacts to
// writtenBy ("supervisor" when empty).
func NewWriter(repoRoot, writtenBy string) *Writer {
	if writtenBy == "" {
		writtenBy = "supervisor"
	}
	return &Writer{Root: repoRoot, WrittenBy: writtenBy}
}

// WriteEvent persists one event and returns its repository-relative path.
// An existing artifact at the same (stream, sequence) raises the
// audit_append_violation kill-switch.
func (w *Writer) WriteEvent(event Event) (string, error) {
	relPath, err := ArtifactPath(event.StreamID, event.Sequence)
	if err != nil {
		return "", err
	}
	data, err := ArtifactBytes(event, w.WrittenBy)
	if err != nil {
		return "", err
	}
	fullPath := filepath.Join(w.Root, relPath)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return "", fmt.Errorf("audit: create stream dir: %w", err)
	}
	f, err := os.OpenFile(fullPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return "", errcode.KillSwitchError(CodeAppendViolation).
				With("path", relPath)
		}
		return "", fmt.Errorf("audit: create artifact: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return "", fmt.Errorf("audit: write artifact: %w", err)
	}
	return relPath, nil
}

// LoadStream reads every artifact of a stream, requires contiguous
// sequences starting at 0, and re-verifies each stored event hash against
// a recomputed fingerprint. Any mismatch is fatal to the caller.
func LoadStream(repoRoot, streamID string) ([]Event, error) {
	if streamID == "" {
		return nil, errcode.New(codeReplayInvalid).With("field", "stream_id")
	}
	streamDir := filepath.Join(repoRoot, "audit", "streams", streamID)
	info, err := os.Stat(streamDir)
	if err != nil || !info.IsDir() {
		return nil, errcode.New(codeReplayInvalid).With("field", "stream_missing")
	}
	entries, err := os.ReadDir(streamDir)
	if err != nil {
		return nil, fmt.Errorf("audit: read stream dir: %w", err)
	}

	type position struct {
		sequence int64
		name     string
	}
	positions := make([]position, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), artifactSuffix) {
			continue
		}
		seqStr := strings.TrimSuffix(entry.Name(), artifactSuffix)
		seq, err := strconv.ParseInt(seqStr, 10, 64)
		if err != nil || seq < 0 {
			return nil, errcode.New(codeReplayInvalid).With("field", "sequence_file")
		}
		positions = append(positions, position{sequence: seq, name: entry.Name()})
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].sequence < positions[j].sequence })

	events := make([]Event, 0, len(positions))
	for index, pos := range positions {
		if pos.sequence != int64(index) {
			return nil, errcode.New(codeReplayInvalid).With("field", "missing_sequence")
		}
		raw, err := os.ReadFile(filepath.Join(streamDir, pos.name))
		if err != nil {
			return nil, fmt.Errorf("audit: read artifact: %w", err)
		}
		event, err := DecodeArtifact(raw)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, nil
}

// DecodeArtifact parses one canonical artifact and re-verifies its stored
// event hash against a recomputed fingerprint.
func DecodeArtifact(raw []byte) (Event, error) {
	event, storedHash, err := decodeArtifact(raw)
	if err != nil {
		return Event{}, err
	}
	computed, err := Fingerprint(event)
	if err != nil {
		return Event{}, errcode.New(codeReplayInvalid).With("field", "event_payload")
	}
	if storedHash != computed {
		return Event{}, errcode.New(codeReplayInvalid).With("field", "event_hash_mismatch")
	}
	return event, nil
}

// VerifyStream composes LoadStream with the chain check.
func VerifyStream(repoRoot, streamID string) error {
	events, err := LoadStream(repoRoot, streamID)
	if err != nil {
		return err
	}
	return VerifyChain(events, streamID)
}

func decodeArtifact(raw []byte) (Event, string, error) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var generic map[string]any
	if err := decoder.Decode(&generic); err != nil {
		return Event{}, "", errcode.New(codeReplayInvalid).With("field", "event_payload")
	}
	eventData, ok := generic["event"].(map[string]any)
	if !ok {
		return Event{}, "", errcode.New(codeReplayInvalid).With("field", "event_payload")
	}
	storedHash, _ := generic["event_hash"].(string)

	sequenceNum, ok := eventData["sequence"].(json.Number)
	if !ok {
		return Event{}, "", errcode.New(codeReplayInvalid).With("field", "event_payload")
	}
	sequence, err := sequenceNum.Int64()
	if err != nil {
		return Event{}, "", errcode.New(codeReplayInvalid).With("field", "event_payload")
	}
	payload, ok := eventData["payload"].(map[string]any)
	if !ok {
		return Event{}, "", errcode.New(codeReplayInvalid).With("field", "event_payload")
	}
	event := Event{
		EventID:            stringField(eventData, "event_id"),
		EventType:          EventType(stringField(eventData, "event_type")),
		PolicyHash:         stringField(eventData, "policy_hash"),
		RequestFingerprint: stringField(eventData, "request_fingerprint"),
		Sequence:           sequence,
		StreamID:           stringField(eventData, "stream_id"),
		PrevEventHash:      stringField(eventData, "prev_event_hash"),
		Payload:            payload,
	}
	return event, storedHash, nil
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}
