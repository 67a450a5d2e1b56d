// Package postgres is the primary document store backed by a JSONB table.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/noah-isme/toko-billing/internal/obs"
	"github.com/noah-isme/toko-billing/internal/storage"
)

const (
	insertSQL = `INSERT INTO documents (collection, key, body) VALUES ($1, $2, $3)
ON CONFLICT (collection, key) DO NOTHING`
	upsertSQL = `INSERT INTO documents (collection, key, body) VALUES ($1, $2, $3)
ON CONFLICT (collection, key) DO UPDATE SET body = EXCLUDED.body, updated_at = now()`
	loadSQL = `SELECT key, body, updated_at FROM documents WHERE collection = $1 ORDER BY seq`
)

// DB is the subset of pgxpool.Pool used by the store.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Ping(ctx context.Context) error
}

// Store implements storage.Store on Postgres.
type Store struct {
	DB DB
}

// Name implements storage.Store.
func (s *Store) Name() string { return "primary" }

// Insert writes a new document and reports storage.ErrDuplicateKey when the
// key exists.
func (s *Store) Insert(ctx context.Context, collection, key string, body []byte) error {
	if s == nil || s.DB == nil {
		return errors.New("postgres store not configured")
	}
	tag, err := s.DB.Exec(ctx, insertSQL, collection, key, body)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrDuplicateKey
	}
	return nil
}

// Upsert writes or replaces a document.
func (s *Store) Upsert(ctx context.Context, collection, key string, body []byte) error {
	if s == nil || s.DB == nil {
		return errors.New("postgres store not configured")
	}
	_, err := s.DB.Exec(ctx, upsertSQL, collection, key, body)
	return err
}

// LoadAll returns every document of a collection in insertion order.
func (s *Store) LoadAll(ctx context.Context, collection string) ([]storage.Document, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("postgres store not configured")
	}
	rows, err := s.DB.Query(ctx, loadSQL, collection)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var docs []storage.Document
	for rows.Next() {
		var doc storage.Document
		var body []byte
		if err := rows.Scan(&doc.Key, &body, &doc.At); err != nil {
			return nil, fmt.Errorf("scan %s: %w", collection, err)
		}
		doc.Body = body
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// Ping implements storage.Store.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.DB == nil {
		return errors.New("postgres store not configured")
	}
	return s.DB.Ping(ctx)
}

// Connect builds a traced connection pool. It does not ping; the gateway
// treats an unreachable primary as a fallback condition.
func Connect(ctx context.Context, databaseURL, appName string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	cfg.ConnConfig.Tracer = obs.PGXTracer{}
	if cfg.ConnConfig.RuntimeParams == nil {
		cfg.ConnConfig.RuntimeParams = map[string]string{}
	}
	if appName != "" {
		cfg.ConnConfig.RuntimeParams["application_name"] = appName
	}
	return pgxpool.NewWithConfig(ctx, cfg)
}
