package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	json "github.com/json-iterator/go"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"go.uber.org/zap"

	"github.com/steveyegge/mend/internal/types"
)

const schemaVersion = 1

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	id          TEXT NOT NULL UNIQUE,
	recorded_at TEXT NOT NULL,
	health      TEXT NOT NULL,
	outcome     TEXT NOT NULL,
	record      TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_health ON runs(health);
`

// SQLiteHistory stores run records in a SQLite database. The full record is
// kept as JSON; health and outcome are broken out for ad-hoc queries.
type SQLiteHistory struct {
	db     *sql.DB
	cap    int
	logger *zap.Logger
}

// NewSQLiteHistory opens the database at path, creating it if needed.
// The special path ":memory:" opens a private in-memory database.
func NewSQLiteHistory(path string, limit int, logger *zap.Logger) (*SQLiteHistory, error) {
	if path == "" {
		return nil, fmt.Errorf("history path cannot be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
		dsn = "file:" + path + "?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps ":memory:" coherent and serializes writers
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &SQLiteHistory{
		db:     db,
		cap:    normalizeCap(limit),
		logger: logger.Named("history.sqlite"),
	}, nil
}

func migrate(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	if version > schemaVersion {
		return fmt.Errorf("history database schema version %d is newer than supported version %d", version, schemaVersion)
	}
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}
	return nil
}

// Append implements History
func (s *SQLiteHistory) Append(ctx context.Context, rec *types.RunRecord) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid run record: %w", err)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal run record: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, recorded_at, health, outcome, record)
		VALUES (?, ?, ?, ?, ?)
	`, rec.ID, rec.Timestamp.UTC().Format(time.RFC3339Nano), string(rec.Health), string(rec.Outcome), string(data))
	if err != nil {
		return fmt.Errorf("failed to insert run %s: %w", rec.ID, err)
	}

	res, err := tx.ExecContext(ctx, `
		DELETE FROM runs
		WHERE seq NOT IN (SELECT seq FROM runs ORDER BY seq DESC LIMIT ?)
	`, s.cap)
	if err != nil {
		return fmt.Errorf("failed to evict old runs: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		s.logger.Debug("evicting oldest runs", zap.Int64("count", n))
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run %s: %w", rec.ID, err)
	}
	return nil
}

// Recent implements History
func (s *SQLiteHistory) Recent(ctx context.Context, limit int) ([]types.RunRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `SELECT record FROM runs ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []types.RunRecord
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		var rec types.RunRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("failed to decode run: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return out, nil
}

// Len implements History
func (s *SQLiteHistory) Len(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count runs: %w", err)
	}
	return n, nil
}

// Close implements History
func (s *SQLiteHistory) Close() error {
	return s.db.Close()
}
