// Package history implements C3 of the design: a durable, append-mostly
// record of what has already been forwarded, uploaded, and downloaded, so
// re-running the engine over an overlapping range is a no-op for anything
// already replicated. Backed by an embedded single-file sqlite database
// (modernc.org/sqlite, pure Go, no cgo).
package history

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS forwards (
	source_chat INTEGER NOT NULL,
	message_id  INTEGER NOT NULL,
	target_chat INTEGER NOT NULL,
	timestamp   INTEGER NOT NULL,
	PRIMARY KEY (source_chat, message_id, target_chat)
);
CREATE INDEX IF NOT EXISTS idx_forwards_range
	ON forwards (source_chat, target_chat, message_id);

CREATE TABLE IF NOT EXISTS uploads (
	sha256      TEXT NOT NULL,
	target_chat INTEGER NOT NULL,
	timestamp   INTEGER NOT NULL,
	PRIMARY KEY (sha256, target_chat)
);

CREATE TABLE IF NOT EXISTS downloads (
	sha256      TEXT NOT NULL,
	source_chat INTEGER NOT NULL,
	message_id  INTEGER NOT NULL,
	local_path  TEXT NOT NULL,
	timestamp   INTEGER NOT NULL,
	PRIMARY KEY (source_chat, message_id)
);
`

// Store is the HistoryStore of §4.3. Writes are serialized per
// (source, target) shard; reads are lock-free beyond what sqlite itself
// serializes internally.
type Store struct {
	db *sql.DB

	shardsMu sync.Mutex
	shards   map[shardKey]*sync.Mutex
}

type shardKey struct {
	source, target int64
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: single writer, avoid SQLITE_BUSY churn

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init history schema: %w", err)
	}

	return &Store{
		db:     db,
		shards: make(map[shardKey]*sync.Mutex),
	}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) shardLock(source, target int64) *sync.Mutex {
	key := shardKey{source, target}

	s.shardsMu.Lock()
	defer s.shardsMu.Unlock()

	m, ok := s.shards[key]
	if !ok {
		m = &sync.Mutex{}
		s.shards[key] = m
	}
	return m
}

// IsForwarded reports whether (source, messageID, target) has already been
// recorded as forwarded.
func (s *Store) IsForwarded(ctx context.Context, source, messageID, target int64) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM forwards WHERE source_chat = ? AND message_id = ? AND target_chat = ?`,
		source, messageID, target,
	).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("is_forwarded: %w", err)
	}
	return true, nil
}

// MarkForwarded durably records (source, messageID, target). Writes to the
// same (source, target) shard are serialized so concurrent targets of one
// source don't contend.
func (s *Store) MarkForwarded(ctx context.Context, source, messageID, target int64) error {
	lock := s.shardLock(source, target)
	lock.Lock()
	defer lock.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO forwards (source_chat, message_id, target_chat, timestamp) VALUES (?, ?, ?, ?)`,
		source, messageID, target, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("mark_forwarded: %w", err)
	}
	return nil
}

// MarkForwardedBatch records every message id in ids for (source, target) in
// one transaction, preserving media-group atomicity (§5): either all ids of
// a group are recorded, or none are, from the caller's point of view.
func (s *Store) MarkForwardedBatch(ctx context.Context, source, target int64, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	lock := s.shardLock(source, target)
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("mark_forwarded_batch: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO forwards (source_chat, message_id, target_chat, timestamp) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("mark_forwarded_batch: prepare: %w", err)
	}
	defer stmt.Close()

	now := time.Now().Unix()
	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, source, id, target, now); err != nil {
			return fmt.Errorf("mark_forwarded_batch: exec: %w", err)
		}
	}

	return tx.Commit()
}

// UnforwardedIDs filters ids down to those not yet forwarded to target from
// source — the range prefilter used by BatchForwarder step 3.
func (s *Store) UnforwardedIDs(ctx context.Context, source, target int64, ids []int64) ([]int64, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	forwarded := make(map[int64]bool, len(ids))
	rows, err := s.db.QueryContext(ctx,
		`SELECT message_id FROM forwards WHERE source_chat = ? AND target_chat = ? AND message_id BETWEEN ? AND ?`,
		source, target, minInt64(ids), maxInt64(ids),
	)
	if err != nil {
		return nil, fmt.Errorf("unforwarded_ids: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("unforwarded_ids: scan: %w", err)
		}
		forwarded[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if !forwarded[id] {
			out = append(out, id)
		}
	}
	return out, nil
}

// CountForwardedInRange returns how many ids in [start, end] have been
// forwarded from source to target.
func (s *Store) CountForwardedInRange(ctx context.Context, source, target, start, end int64) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM forwards WHERE source_chat = ? AND target_chat = ? AND message_id BETWEEN ? AND ?`,
		source, target, start, end,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count_forwarded_in_range: %w", err)
	}
	return count, nil
}

// IsUploaded reports whether a local file with the given sha256 has already
// been uploaded to target, allowing MediaPipeline to skip a redundant
// upload (§4.6 deduplication).
func (s *Store) IsUploaded(ctx context.Context, sha256Hex string, target int64) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM uploads WHERE sha256 = ? AND target_chat = ?`, sha256Hex, target,
	).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("is_uploaded: %w", err)
	}
	return true, nil
}

func (s *Store) MarkUploaded(ctx context.Context, sha256Hex string, target int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO uploads (sha256, target_chat, timestamp) VALUES (?, ?, ?)`,
		sha256Hex, target, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("mark_uploaded: %w", err)
	}
	return nil
}

// MarkDownloaded records that a message's media was downloaded locally to
// localPath with the given content hash, so a crash-recovered run can skip
// re-downloading unchanged media.
func (s *Store) MarkDownloaded(ctx context.Context, sha256Hex string, source, messageID int64, localPath string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO downloads (sha256, source_chat, message_id, local_path, timestamp) VALUES (?, ?, ?, ?, ?)`,
		sha256Hex, source, messageID, localPath, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("mark_downloaded: %w", err)
	}
	return nil
}

func minInt64(xs []int64) int64 {
	m := xs[0]
	for _, x := range xs[1:] {
		if x < m {
			m = x
		}
	}
	return m
}

func maxInt64(xs []int64) int64 {
	m := xs[0]
	for _, x := range xs[1:] {
		if x > m {
			m = x
		}
	}
	return m
}
