package storage

import (
	"context"
	"database/sql"
	"bytes"
	"fmt"
	"io"

	_ "github.com/mattn/go-sqlite3"
)

// sqliteKV stores namespace/key/value rows in a single table, WAL mode
// with a single writer connection - the same pragma set and connection
// pool shape as roach88-nysm/brutalist's event store.
type sqliteKV struct {
	db *sql.DB
}

// NewSQLite opens (creating if absent) a SQLite-backed Backend at path.
func NewSQLite(path string) (Backend, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return Backend{}, fmt.Errorf("storage: open sqlite at %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return Backend{}, fmt.Errorf("storage: connect sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return Backend{}, fmt.Errorf("storage: apply %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS kv (
		namespace TEXT NOT NULL,
		key TEXT NOT NULL,
		value BLOB NOT NULL,
		PRIMARY KEY (namespace, key)
	)`); err != nil {
		db.Close()
		return Backend{}, fmt.Errorf("storage: create schema: %w", err)
	}

	kv := &sqliteKV{db: db}
	return Backend{KV: kv, Blob: &sqliteBlob{kv: kv}}, nil
}

func (s *sqliteKV) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	var value []byte
	row := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE namespace = ? AND key = ?`, namespace, key)
	if err := row.Scan(&value); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return value, nil
}

func (s *sqliteKV) Set(ctx context.Context, namespace, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (namespace, key, value) VALUES (?, ?, ?)
		 ON CONFLICT(namespace, key) DO UPDATE SET value = excluded.value`,
		namespace, key, value)
	return err
}

func (s *sqliteKV) Delete(ctx context.Context, namespace, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE namespace = ? AND key = ?`, namespace, key)
	return err
}

func (s *sqliteKV) Exists(ctx context.Context, namespace, key string) (bool, error) {
	_, err := s.Get(ctx, namespace, key)
	if err == ErrNotFound {
		return false, nil
	}
	return err == nil, err
}

func (s *sqliteKV) Scan(ctx context.Context, namespace, prefix string, fn func(key string, value []byte) error) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM kv WHERE namespace = ? AND key LIKE ? ESCAPE '\'`,
		namespace, likePrefix(prefix))
	if err != nil {
		return err
	}
	defer rows.Close()

	var results []struct {
		key   string
		value []byte
	}
	for rows.Next() {
		var k string
		var v []byte
		if err := rows.Scan(&k, &v); err != nil {
			return err
		}
		results = append(results, struct {
			key   string
			value []byte
		}{k, v})
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, r := range results {
		if err := fn(r.key, r.value); err != nil {
			return err
		}
	}
	return nil
}

func likePrefix(prefix string) string {
	escaped := ""
	for _, r := range prefix {
		switch r {
		case '%', '_', '\\':
			escaped += `\` + string(r)
		default:
			escaped += string(r)
		}
	}
	return escaped + "%"
}

func (s *sqliteKV) Close() error {
	return s.db.Close()
}

type sqliteBlob struct {
	kv *sqliteKV
}

func (b *sqliteBlob) PutRaw(ctx context.Context, digest string, data []byte) error {
	return b.kv.Set(ctx, blobBucket, digest, data)
}

func (b *sqliteBlob) GetRaw(ctx context.Context, digest string) ([]byte, error) {
	return b.kv.Get(ctx, blobBucket, digest)
}

func (b *sqliteBlob) GetStream(ctx context.Context, digest string) (io.ReadCloser, error) {
	data, err := b.GetRaw(ctx, digest)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (b *sqliteBlob) Delete(ctx context.Context, digest string) error {
	return b.kv.Delete(ctx, blobBucket, digest)
}

func (b *sqliteBlob) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := b.kv.Scan(ctx, blobBucket, prefix, func(key string, _ []byte) error {
		keys = append(keys, key)
		return nil
	})
	return keys, err
}

func (b *sqliteBlob) Close() error { return nil }
