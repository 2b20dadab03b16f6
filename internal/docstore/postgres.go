package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schemaSQL = `CREATE TABLE IF NOT EXISTS documents (
	id      UUID PRIMARY KEY,
	type    TEXT NOT NULL,
	name    TEXT NOT NULL,
	parent  UUID REFERENCES documents(id),
	schema  TEXT NOT NULL,
	data    JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS documents_parent_type_idx ON documents (parent, type);`

// PostgresStore keeps documents in a single JSONB table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects and ensures the documents table exists.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("docstore: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("docstore: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("docstore: migrate: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Insert implements Store. The parent check and the insert share a transaction.
func (s *PostgresStore) Insert(ctx context.Context, doc *Document) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if err := prepare(ctx, txStore{s, tx}, doc); err != nil {
			return err
		}
		data, err := json.Marshal(doc.Data)
		if err != nil {
			return fmt.Errorf("docstore: encode data: %w", err)
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO documents (id, type, name, parent, schema, data) VALUES ($1, $2, $3, $4, $5, $6)`,
			doc.ID, string(doc.Type), doc.Name, nullableParent(doc.Parent), doc.Schema, data)
		if err != nil {
			return fmt.Errorf("docstore: insert %s %s: %w", doc.Type, doc.Name, err)
		}
		return nil
	})
}

// Update implements Store.
func (s *PostgresStore) Update(ctx context.Context, doc Document) error {
	data, err := json.Marshal(doc.Data)
	if err != nil {
		return fmt.Errorf("docstore: encode data: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE documents SET name = $2, data = $3 WHERE id = $1 AND type = $4`,
		doc.ID, doc.Name, data, string(doc.Type))
	if err != nil {
		return fmt.Errorf("docstore: update %s: %w", doc.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (Document, error) {
	return getDocument(ctx, s.pool, id)
}

// FindOne implements Store.
func (s *PostgresStore) FindOne(ctx context.Context, q Query) (Document, error) {
	docs, err := findDocuments(ctx, s.pool, q, 1)
	if err != nil {
		return Document{}, err
	}
	if len(docs) == 0 {
		return Document{}, ErrNotFound
	}
	return docs[0], nil
}

// Find implements Store.
func (s *PostgresStore) Find(ctx context.Context, q Query) ([]Document, error) {
	return findDocuments(ctx, s.pool, q, 0)
}

// LatestVersion implements Store.
func (s *PostgresStore) LatestVersion(ctx context.Context, subsetID uuid.UUID) (Document, error) {
	versions, err := s.Find(ctx, Query{Type: TypeVersion, Parent: subsetID})
	if err != nil {
		return Document{}, err
	}
	return latest(versions)
}

// Close implements Store.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// txStore routes the reads prepare needs through an open transaction.
type txStore struct {
	*PostgresStore
	tx pgx.Tx
}

func (t txStore) Get(ctx context.Context, id uuid.UUID) (Document, error) {
	return getDocument(ctx, t.tx, id)
}

func (t txStore) Find(ctx context.Context, q Query) ([]Document, error) {
	return findDocuments(ctx, t.tx, q, 0)
}

const selectColumns = `SELECT id, type, name, parent, schema, data FROM documents`

func getDocument(ctx context.Context, db querier, id uuid.UUID) (Document, error) {
	row := db.QueryRow(ctx, selectColumns+` WHERE id = $1`, id)
	doc, err := scanDocument(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	return doc, err
}

func findDocuments(ctx context.Context, db querier, q Query, limit int) ([]Document, error) {
	var (
		clauses []string
		args    []any
	)
	add := func(clause string, value any) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if q.Type != "" {
		add("type = $%d", string(q.Type))
	}
	if q.Name != "" {
		add("name = $%d", q.Name)
	}
	if q.Parent != uuid.Nil {
		add("parent = $%d", q.Parent)
	}
	if len(q.Data) > 0 {
		encoded, err := json.Marshal(q.Data)
		if err != nil {
			return nil, fmt.Errorf("docstore: encode query: %w", err)
		}
		add("data @> $%d::jsonb", encoded)
	}
	sql := selectColumns
	if len(clauses) > 0 {
		sql += " WHERE " + strings.Join(clauses, " AND ")
	}
	sql += " ORDER BY created_at, id"
	if limit > 0 {
		sql += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("docstore: find: %w", err)
	}
	defer rows.Close()
	var docs []Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func scanDocument(row pgx.Row) (Document, error) {
	var (
		doc    Document
		typ    string
		parent *uuid.UUID
		data   []byte
	)
	if err := row.Scan(&doc.ID, &typ, &doc.Name, &parent, &doc.Schema, &data); err != nil {
		return Document{}, err
	}
	doc.Type = Type(typ)
	if parent != nil {
		doc.Parent = *parent
	}
	doc.Data = map[string]any{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &doc.Data); err != nil {
			return Document{}, fmt.Errorf("docstore: decode data of %s: %w", doc.ID, err)
		}
	}
	return doc, nil
}

func nullableParent(id uuid.UUID) *uuid.UUID {
	if id == uuid.Nil {
		return nil
	}
	return &id
}
