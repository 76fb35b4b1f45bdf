// Copyright 2024 AI SA Assistant Project
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package lead

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// SQLiteOutbox keeps the outbox in a local SQLite file.
type SQLiteOutbox struct {
	db     *sql.DB
	logger *zap.Logger
}

const createOutboxSQL = `
	CREATE TABLE IF NOT EXISTS lead_outbox (
		id TEXT PRIMARY KEY,
		payload TEXT NOT NULL,
		status TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		delivered_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_lead_outbox_status ON lead_outbox (status, created_at);
`

// NewSQLiteOutbox opens (and creates) the database at path.
func NewSQLiteOutbox(path string, logger *zap.Logger) (*SQLiteOutbox, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
			return nil, fmt.Errorf("failed to create outbox database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	// One writer keeps SQLite from returning "database is locked".
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(createOutboxSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create outbox table: %w", err)
	}

	return &SQLiteOutbox{db: db, logger: logger}, nil
}

func (s *SQLiteOutbox) Save(ctx context.Context, p Payload) (Entry, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to marshal lead: %w", err)
	}
	now := time.Now().UTC()

	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO lead_outbox (id, payload, status, attempts, created_at, updated_at)
		VALUES (?, ?, ?, 0, ?, ?)
	`, p.ID, string(raw), string(StatusPending), now, now)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to insert lead into outbox: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.logger.Info("Lead stored in outbox",
			zap.String("lead_id", p.ID),
			zap.String("origin", p.Origin),
			zap.Bool("qualified", p.Qualified))
	}

	return s.Get(ctx, p.ID)
}

func (s *SQLiteOutbox) Get(ctx context.Context, id string) (Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT payload, status, attempts, last_error, created_at, updated_at, delivered_at
		FROM lead_outbox WHERE id = ?
	`, id)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return entry, err
}

func (s *SQLiteOutbox) MarkDelivered(ctx context.Context, id string) error {
	now := time.Now().UTC()
	return s.update(ctx, id, `
		UPDATE lead_outbox
		SET status = ?, attempts = attempts + 1, last_error = NULL, updated_at = ?, delivered_at = ?
		WHERE id = ?
	`, string(StatusDelivered), now, now, id)
}

func (s *SQLiteOutbox) MarkFailed(ctx context.Context, id string, cause string) error {
	return s.update(ctx, id, `
		UPDATE lead_outbox
		SET attempts = attempts + 1, last_error = ?, updated_at = ?
		WHERE id = ? AND status = 'pending'
	`, cause, time.Now().UTC(), id)
}

func (s *SQLiteOutbox) update(ctx context.Context, id, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update lead %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func (s *SQLiteOutbox) List(ctx context.Context, status Status, limit int) ([]Entry, error) {
	query := `
		SELECT payload, status, attempts, last_error, created_at, updated_at, delivered_at
		FROM lead_outbox
		WHERE (? = '' OR status = ?)
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`
	return s.query(ctx, query, string(status), string(status), normalizeLimit(limit))
}

func (s *SQLiteOutbox) Pending(ctx context.Context, limit int) ([]Entry, error) {
	query := `
		SELECT payload, status, attempts, last_error, created_at, updated_at, delivered_at
		FROM lead_outbox
		WHERE status = 'pending'
		ORDER BY created_at ASC, rowid ASC
		LIMIT ?
	`
	return s.query(ctx, query, normalizeLimit(limit))
}

func (s *SQLiteOutbox) query(ctx context.Context, query string, args ...any) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate outbox rows: %w", err)
	}
	return entries, nil
}

func (s *SQLiteOutbox) CountPending(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM lead_outbox WHERE status = 'pending'`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count pending leads: %w", err)
	}
	return n, nil
}

func (s *SQLiteOutbox) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteOutbox) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var (
		entry       Entry
		raw         string
		status      string
		lastError   sql.NullString
		deliveredAt sql.NullTime
	)
	if err := row.Scan(&raw, &status, &entry.Attempts, &lastError, &entry.CreatedAt, &entry.UpdatedAt, &deliveredAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, err
		}
		return Entry{}, fmt.Errorf("failed to scan outbox row: %w", err)
	}
	if err := json.Unmarshal([]byte(raw), &entry.Payload); err != nil {
		return Entry{}, fmt.Errorf("failed to decode stored lead: %w", err)
	}
	entry.Status = Status(status)
	if lastError.Valid {
		entry.LastError = lastError.String
	}
	if deliveredAt.Valid {
		t := deliveredAt.Time
		entry.DeliveredAt = &t
	}
	return entry, nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}
