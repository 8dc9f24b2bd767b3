package prgate

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

// EvaluationCache remembers which (pr, sha, policy_hash) triples have
// already been evaluated this loop, so the gate is run at most once per
// head per policy.
type EvaluationCache interface {
	Seen(ctx context.Context, prNumber int64, headSHA, policyHash string) (bool, error)
	Mark(ctx context.Context, prNumber int64, headSHA, policyHash string) error
}

// MemoryCache is the per-process cache; it forgets on restart.
type MemoryCache struct {
	mu   sync.Mutex
	seen map[cacheKey]bool
}

type cacheKey struct {
	prNumber   int64
	headSHA    string
	policyHash string
}

// NewMemoryCache returns an empty in-process cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{seen: make(map[cacheKey]bool)}
}

func (c *MemoryCache) Seen(_ context.Context, prNumber int64, headSHA, policyHash string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seen[cacheKey{prNumber, headSHA, policyHash}], nil
}

func (c *MemoryCache) Mark(_ context.Context, prNumber int64, headSHA, policyHash string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen[cacheKey{prNumber, headSHA, policyHash}] = true
	return nil
}

// SQLCache persists evaluations across restarts so a supervisor crash
// does not re-run (and re-publish) every gate.
type SQLCache struct {
	db *sql.DB
}

// NewSQLCache prepares the schema on db.
func NewSQLCache(db *sql.DB) (*SQLCache, error) {
	c := &SQLCache{db: db}
	if err := c.migrate(); err != nil {
		return nil, err
	}
	return c, nil
}

// OpenSQLiteCache opens (or creates) a sqlite-backed cache at path.
func OpenSQLiteCache(path string) (*SQLCache, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("prgate: open evaluation cache: %w", err)
	}
	return NewSQLCache(db)
}

func (c *SQLCache) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS evaluations (
		pr_number INTEGER NOT NULL,
		head_sha TEXT NOT NULL,
		policy_hash TEXT NOT NULL,
		PRIMARY KEY (pr_number, head_sha, policy_hash)
	);`
	_, err := c.db.ExecContext(context.Background(), query)
	if err != nil {
		return fmt.Errorf("prgate: migrate evaluation cache: %w", err)
	}
	return nil
}

func (c *SQLCache) Seen(ctx context.Context, prNumber int64, headSHA, policyHash string) (bool, error) {
	query := `SELECT COUNT(1) FROM evaluations WHERE pr_number = ? AND head_sha = ? AND policy_hash = ?`
	var count int
	if err := c.db.QueryRowContext(ctx, query, prNumber, headSHA, policyHash).Scan(&count); err != nil {
		return false, fmt.Errorf("prgate: query evaluation cache: %w", err)
	}
	return count > 0, nil
}

func (c *SQLCache) Mark(ctx context.Context, prNumber int64, headSHA, policyHash string) error {
	query := `INSERT OR IGNORE INTO evaluations (pr_number, head_sha, policy_hash) VALUES (?, ?, ?)`
	if _, err := c.db.ExecContext(ctx, query, prNumber, headSHA, policyHash); err != nil {
		return fmt.Errorf("prgate: mark evaluation: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (c *SQLCache) Close() error {
	return c.db.Close()
}
