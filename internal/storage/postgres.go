// internal/storage/postgres.go
// Package storage provides PostgreSQL implementation of the Store interface.
// This implementation is intended for production use with persistent data storage.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// postgres keeps every document as one row keyed by its full path.
type postgres struct {
	db *pgxpool.Pool // Connection pool to PostgreSQL database
}

// NewPostgres creates a new PostgreSQL storage implementation.
// It establishes a connection pool to the database and initializes the schema.
// Parameters:
//   - dsn: Database connection string in PostgreSQL format
//
// Returns:
//   - Store: Implementation of the storage interface
//   - error: Any error that occurred during initialization
func NewPostgres(dsn string) (Store, error) {
	// Parse the database connection string
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid database DSN: %w", err)
	}

	config.MaxConns = 20
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = time.Minute * 30
	config.HealthCheckPeriod = time.Minute

	// Establish connection with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &postgres{db: pool}, nil
}

// initSchema creates the documents table and its indexes if they don't already exist.
func initSchema(ctx context.Context, db *pgxpool.Pool) error {
	schema := `
		-- Hierarchical documents: devices, day summaries, entries and endpoints
		CREATE TABLE IF NOT EXISTS documents (
		    path TEXT PRIMARY KEY,                   -- Full slash-separated document path
		    parent TEXT NOT NULL,                    -- Collection path the document belongs to
		    data JSONB NOT NULL DEFAULT '{}'::jsonb, -- Document fields
		    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);

		-- Collection listing is by parent, ordered by path
		CREATE INDEX IF NOT EXISTS idx_documents_parent_path ON documents(parent, path);
	`

	_, err := db.Exec(ctx, schema)
	return err
}

// Close closes the database connection pool
func (p *postgres) Close() {
	p.db.Close()
}

func (p *postgres) Create(ctx context.Context, path string, data map[string]any) error {
	if !validPath(path) {
		return ErrInvalidPath
	}
	if data == nil {
		data = map[string]any{}
	}
	body, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal document: %w", err)
	}

	now := time.Now().UTC()
	query := `INSERT INTO documents (path, parent, data, created_at, updated_at) VALUES ($1, $2, $3, $4, $4)`
	if _, err := p.db.Exec(ctx, query, path, parentOf(path), body, now); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrConflict
		}
		return fmt.Errorf("failed to create document: %w", err)
	}
	return nil
}

func (p *postgres) Merge(ctx context.Context, path string, data map[string]any) error {
	if !validPath(path) {
		return ErrInvalidPath
	}
	if data == nil {
		data = map[string]any{}
	}
	body, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal document: %w", err)
	}

	// jsonb || replaces top-level keys and keeps the rest.
	query := `INSERT INTO documents (path, parent, data, created_at, updated_at) VALUES ($1, $2, $3, $4, $4)
	          ON CONFLICT (path) DO UPDATE SET data = documents.data || EXCLUDED.data, updated_at = EXCLUDED.updated_at`
	if _, err := p.db.Exec(ctx, query, path, parentOf(path), body, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to merge document: %w", err)
	}
	return nil
}

func (p *postgres) MergeNested(ctx context.Context, path, field string, nested, data map[string]any) error {
	if !validPath(path) || field == "" {
		return ErrInvalidPath
	}
	if nested == nil {
		nested = map[string]any{}
	}
	if data == nil {
		data = map[string]any{}
	}
	inner, err := json.Marshal(nested)
	if err != nil {
		return fmt.Errorf("failed to marshal nested fields: %w", err)
	}
	body, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal document: %w", err)
	}

	// The nested object is merged one level down with ||; a stored non-object is replaced.
	query := `INSERT INTO documents (path, parent, data, created_at, updated_at)
	          VALUES ($1, $2, $3::jsonb || jsonb_build_object($4::text, $5::jsonb), $6, $6)
	          ON CONFLICT (path) DO UPDATE SET
	              data = (documents.data || $3::jsonb) || jsonb_build_object($4::text,
	                  CASE WHEN jsonb_typeof(documents.data -> $4::text) = 'object'
	                       THEN (documents.data -> $4::text) || $5::jsonb
	                       ELSE $5::jsonb END),
	              updated_at = EXCLUDED.updated_at`
	if _, err := p.db.Exec(ctx, query, path, parentOf(path), body, field, inner, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to merge nested document fields: %w", err)
	}
	return nil
}

func (p *postgres) Get(ctx context.Context, path string) (*Document, error) {
	query := `SELECT path, data, created_at, updated_at FROM documents WHERE path = $1`

	doc, err := scanDocument(p.db.QueryRow(ctx, query, path))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	return doc, nil
}

func (p *postgres) List(ctx context.Context, collection string) ([]Document, error) {
	query := `SELECT path, data, created_at, updated_at FROM documents WHERE parent = $1 ORDER BY path COLLATE "C"`

	rows, err := p.db.Query(ctx, query, collection)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		docs = append(docs, *doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	return docs, nil
}

func (p *postgres) Ping(ctx context.Context) error {
	return p.db.Ping(ctx)
}

func scanDocument(row pgx.Row) (*Document, error) {
	var (
		doc  Document
		body []byte
	)
	if err := row.Scan(&doc.Path, &body, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
		return nil, err
	}
	doc.Data = make(map[string]any)
	if err := json.Unmarshal(body, &doc.Data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal document: %w", err)
	}
	return &doc, nil
}
