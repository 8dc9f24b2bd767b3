package archive

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/forgewarden/warden/pkg/audit"
)

// MaxPackSize bounds one exported pack. Streams are per-task and short;
// anything past this is corruption, not data.
const MaxPackSize = 10 * 1024 * 1024

// Pack describes one exported stream snapshot.
type Pack struct {
	StreamID string `json:"stream_id"`
	Address  string `json:"address"`
	Events   int    `json:"events"`
}

// Exporter seals verified audit streams into content-addressed packs.
// A stream that fails verification is never exported.
type Exporter struct {
	root  string
	store Store
	log   *slog.Logger
}

// NewExporter returns an exporter reading streams under repoRoot and
// writing packs to store.
func NewExporter(repoRoot string, store Store, logger *slog.Logger) *Exporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{
		root:  repoRoot,
		store: store,
		log:   logger.With("component", "archive"),
	}
}

// ExportStream verifies the stream end to end, assembles its pack, and
// stores it. The pack bytes are the canonical artifact of each position in
// sequence order, newline-terminated, so identical streams share one
// address regardless of when or where they are exported.
func (e *Exporter) ExportStream(ctx context.Context, streamID string) (Pack, error) {
	events, err := audit.LoadStream(e.root, streamID)
	if err != nil {
		return Pack{}, fmt.Errorf("archive: load stream %s: %w", streamID, err)
	}
	if err := audit.VerifyChain(events, streamID); err != nil {
		return Pack{}, fmt.Errorf("archive: stream %s not sealed: %w", streamID, err)
	}

	var buf bytes.Buffer
	for sequence := range events {
		relPath, err := audit.ArtifactPath(streamID, int64(sequence))
		if err != nil {
			return Pack{}, err
		}
		raw, err := os.ReadFile(filepath.Join(e.root, relPath))
		if err != nil {
			return Pack{}, fmt.Errorf("archive: read artifact: %w", err)
		}
		buf.Write(bytes.TrimRight(raw, "\n"))
		buf.WriteByte('\n')
		if buf.Len() > MaxPackSize {
			return Pack{}, fmt.Errorf("archive: stream %s exceeds pack limit of %d bytes", streamID, MaxPackSize)
		}
	}

	address, err := e.store.Store(ctx, buf.Bytes())
	if err != nil {
		return Pack{}, err
	}

	e.log.Info("stream exported",
		"stream_id", streamID,
		"events", len(events),
		"address", address)

	return Pack{StreamID: streamID, Address: address, Events: len(events)}, nil
}

// Unpack parses pack bytes back into events and re-verifies every stored
// hash and the chain linkage. A pack that does not verify yields no events.
func Unpack(data []byte, streamID string) ([]audit.Event, error) {
	var events []audit.Event
	for _, line := range bytes.Split(data, []byte("\n")) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		event, err := audit.DecodeArtifact(line)
		if err != nil {
			return nil, fmt.Errorf("archive: unpack: %w", err)
		}
		events = append(events, event)
	}
	if err := audit.VerifyChain(events, streamID); err != nil {
		return nil, fmt.Errorf("archive: unpack chain: %w", err)
	}
	return events, nil
}
