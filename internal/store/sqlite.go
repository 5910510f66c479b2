package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schema string

// SQLiteStore is a Store backed by a SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens or creates the database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	// WAL and a busy timeout let the HTTP handlers write concurrently
	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	log.Debug().Str("path", dbPath).Msg("prediction store opened")
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Save(ctx context.Context, r *Record) error {
	prepare(r)
	treatments, err := json.Marshal(r.Treatments)
	if err != nil {
		return fmt.Errorf("encode treatments: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO predictions (id, filename, prediction, confidence, treatments, source, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			filename = excluded.filename,
			prediction = excluded.prediction,
			confidence = excluded.confidence,
			treatments = excluded.treatments,
			source = excluded.source,
			created_at = excluded.created_at`,
		r.ID, r.Filename, r.Prediction, r.Confidence, string(treatments), r.Source, r.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert prediction: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (Record, error) {
	var (
		r          Record
		treatments string
		created    int64
	)
	if err := row.Scan(&r.ID, &r.Filename, &r.Prediction, &r.Confidence, &treatments, &r.Source, &created); err != nil {
		return r, err
	}
	if err := json.Unmarshal([]byte(treatments), &r.Treatments); err != nil {
		return r, fmt.Errorf("decode treatments of %s: %w", r.ID, err)
	}
	r.CreatedAt = time.Unix(0, created).UTC()
	return r, nil
}

const selectColumns = `SELECT id, filename, prediction, confidence, treatments, source, created_at FROM predictions`

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Record, error) {
	r, err := scanRecord(s.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get prediction: %w", err)
	}
	return &r, nil
}

func (s *SQLiteStore) List(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, selectColumns+` ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list predictions: %w", err)
	}
	defer rows.Close()

	out := []Record{}
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Open returns a SQLiteStore for a non-empty dbPath and a MemoryStore
// otherwise.
func Open(dbPath string) (Store, error) {
	if dbPath == "" {
		return NewMemoryStore(), nil
	}
	return NewSQLiteStore(dbPath)
}
