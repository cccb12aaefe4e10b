package storage

import (
	"database/sql"
	"fmt"
	"time"

	"pubsub-demo/internal/model"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store backed by a single samples table.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and initializes) an SQLite database.
// Example DSN: file:samples.db?_pragma=busy_timeout(5000)
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one writer at a time; recorder workers would otherwise hit SQLITE_BUSY
	db.SetMaxOpenConns(1)
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func initSchema(db *sql.DB) error {
	_, err := db.Exec(`
CREATE TABLE IF NOT EXISTS samples (
  key TEXT NOT NULL,
  ts INTEGER NOT NULL,
  payload BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_samples_key_ts ON samples(key, ts);
`)
	if err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SaveSample(smp model.Sample) error {
	payload := smp.Payload
	if payload == nil {
		payload = []byte{}
	}
	_, err := s.db.Exec(`INSERT INTO samples(key, ts, payload) VALUES(?, ?, ?)`, smp.KeyExpr, smp.Timestamp.UnixNano(), payload)
	if err != nil {
		return fmt.Errorf("insert sample: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListKeys() ([]string, error) {
	rows, err := s.db.Query(`SELECT DISTINCT key FROM samples ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) QuerySamples(key string, start, end *time.Time) ([]model.Sample, error) {
	q := `SELECT ts, payload FROM samples WHERE key = ?`
	args := []any{key}
	if start != nil {
		q += ` AND ts >= ?`
		args = append(args, start.UnixNano())
	}
	if end != nil {
		q += ` AND ts <= ?`
		args = append(args, end.UnixNano())
	}
	q += ` ORDER BY ts ASC, rowid ASC`
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("query samples: %w", err)
	}
	defer rows.Close()
	var out []model.Sample
	for rows.Next() {
		var ts int64
		var payload []byte
		if err := rows.Scan(&ts, &payload); err != nil {
			return nil, err
		}
		out = append(out, model.Sample{KeyExpr: key, Timestamp: time.Unix(0, ts).UTC(), Payload: payload})
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
