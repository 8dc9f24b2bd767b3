// Package archive exports sealed audit streams to content-addressed
// storage. A pack is addressed by the SHA-256 of its bytes; identical
// stream content always lands at the same address, so export is idempotent
// and an overwritten pack is detectable by construction.
package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const hashPrefix = "sha256:"

// Store is the content-addressed backend holding exported packs.
type Store interface {
	// Store persists data and returns its content address ("sha256:<hex>").
	Store(ctx context.Context, data []byte) (string, error)
	// Get retrieves pack bytes by content address.
	Get(ctx context.Context, hash string) ([]byte, error)
	// Exists reports whether a pack is already stored.
	Exists(ctx context.Context, hash string) (bool, error)
	// Delete removes a pack. Deleting an absent pack is not an error.
	Delete(ctx context.Context, hash string) error
}

// parseHash validates a content address and returns the raw hex digest.
func parseHash(hash string) (string, error) {
	raw, ok := strings.CutPrefix(hash, hashPrefix)
	if !ok {
		return "", fmt.Errorf("archive: invalid content address: %s", hash)
	}
	if _, err := hex.DecodeString(raw); err != nil {
		return "", fmt.Errorf("archive: invalid content address hex: %w", err)
	}
	return raw, nil
}

func contentAddress(data []byte) string {
	sum := sha256.Sum256(data)
	return hashPrefix + hex.EncodeToString(sum[:])
}

// FileStore keeps packs on the local filesystem, one file per address.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileStore creates (or reuses) a pack directory at baseDir.
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("archive: ensure pack dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) packPath(rawHash string) string {
	return filepath.Join(s.baseDir, rawHash+".pack")
}

func (s *FileStore) Store(ctx context.Context, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	address := contentAddress(data)
	path := s.packPath(strings.TrimPrefix(address, hashPrefix))

	// Same address means same bytes. Nothing to do.
	if _, err := os.Stat(path); err == nil {
		return address, nil
	}

	// Write to temp, then rename
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return "", fmt.Errorf("archive: write pack: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return "", fmt.Errorf("archive: commit pack: %w", err)
	}

	return address, nil
}

func (s *FileStore) Get(ctx context.Context, hash string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rawHash, err := parseHash(hash)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.packPath(rawHash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("archive: pack not found: %s", hash)
		}
		return nil, fmt.Errorf("archive: read pack: %w", err)
	}
	return data, nil
}

func (s *FileStore) Exists(ctx context.Context, hash string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rawHash, err := parseHash(hash)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(s.packPath(rawHash))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("archive: stat pack: %w", err)
}

func (s *FileStore) Delete(ctx context.Context, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rawHash, err := parseHash(hash)
	if err != nil {
		return err
	}
	if err := os.Remove(s.packPath(rawHash)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("archive: delete pack: %w", err)
	}
	return nil
}
