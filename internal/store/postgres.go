package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Postgres keeps every collection in one documents table with a JSONB body.
// Single-statement upserts give the per-document atomicity the Store
// contract asks for; Batch maps onto a transaction.
type Postgres struct {
	db *sql.DB
}

// NewDB opens a Postgres connection with sane pool defaults and ensures the
// documents table exists.
func NewDB(connString string) (*Postgres, error) {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	if err := db.PingContext(context.Background()); err != nil {
		return nil, err
	}
	p := &Postgres{db: db}
	return p, p.migrate()
}

func (p *Postgres) migrate() error {
	_, err := p.db.Exec(`
		CREATE TABLE IF NOT EXISTS documents (
			collection TEXT  NOT NULL,
			id         TEXT  NOT NULL,
			doc        JSONB NOT NULL,
			PRIMARY KEY (collection, id)
		)
	`)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Close closes the underlying connection pool.
func (p *Postgres) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

// Healthy verifies database connectivity.
func (p *Postgres) Healthy(ctx context.Context) bool {
	if p == nil || p.db == nil {
		return false
	}
	return p.db.PingContext(ctx) == nil
}

func (p *Postgres) Get(ctx context.Context, collection, id string) (Doc, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT doc FROM documents WHERE collection = $1 AND id = $2`, collection, id)
	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Doc{}, ErrNotFound
		}
		return Doc{}, err
	}
	return Doc{ID: id, Data: data}, nil
}

func (p *Postgres) Query(ctx context.Context, collection string, wheres ...Where) ([]Doc, error) {
	query := `SELECT id, doc FROM documents WHERE collection = $1`
	args := []any{collection}
	for _, w := range wheres {
		switch w.Op {
		case OpEqual:
			query += fmt.Sprintf(" AND doc->>$%d = $%d", len(args)+1, len(args)+2)
		case OpArrayContains:
			query += fmt.Sprintf(" AND doc->$%d @> to_jsonb($%d::text)", len(args)+1, len(args)+2)
		default:
			return nil, fmt.Errorf("unsupported predicate %q", w.Op)
		}
		args = append(args, w.Field, w.Value)
	}
	query += ` ORDER BY id`

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var docs []Doc
	for rows.Next() {
		var d Doc
		if err := rows.Scan(&d.ID, &d.Data); err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

func (p *Postgres) Create(ctx context.Context, collection, id string, doc any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO documents (collection, id, doc)
		VALUES ($1, $2, $3)
		ON CONFLICT (collection, id) DO NOTHING
	`, collection, id, data)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrAlreadyExists
	}
	return nil
}

func (p *Postgres) Set(ctx context.Context, collection, id string, doc any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO documents (collection, id, doc)
		VALUES ($1, $2, $3)
		ON CONFLICT (collection, id) DO UPDATE SET doc = EXCLUDED.doc
	`, collection, id, data)
	return err
}

func (p *Postgres) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	data, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE documents SET doc = doc || $3::jsonb
		WHERE collection = $1 AND id = $2
	`, collection, id, data)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) Delete(ctx context.Context, collection, id string) error {
	_, err := p.db.ExecContext(ctx,
		`DELETE FROM documents WHERE collection = $1 AND id = $2`, collection, id)
	return err
}

func (p *Postgres) ArrayUnion(ctx context.Context, collection, id, field, value string, fields map[string]any) (bool, error) {
	insert := map[string]any{field: []string{value}}
	for k, v := range fields {
		insert[k] = v
	}
	insertDoc, err := json.Marshal(insert)
	if err != nil {
		return false, err
	}
	merge, err := json.Marshal(fields)
	if err != nil {
		return false, err
	}
	// The WHERE keeps an already-present value a strict no-op: no row is
	// written, neither the array nor the merged fields change, and the
	// affected-row count reports whether anything happened.
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO documents (collection, id, doc)
		VALUES ($1, $2, $3::jsonb)
		ON CONFLICT (collection, id) DO UPDATE SET doc =
			(documents.doc || $6::jsonb)
			|| jsonb_build_object($4::text, COALESCE(documents.doc->$4, '[]'::jsonb) || to_jsonb($5::text))
		WHERE NOT documents.doc->$4 @> to_jsonb($5::text)
	`, collection, id, insertDoc, field, value, merge)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (p *Postgres) Increment(ctx context.Context, collection, id, field string, delta int64) (int64, error) {
	row := p.db.QueryRowContext(ctx, `
		INSERT INTO documents (collection, id, doc)
		VALUES ($1, $2, jsonb_build_object($3::text, $4::bigint))
		ON CONFLICT (collection, id) DO UPDATE SET
			doc = jsonb_set(documents.doc, ARRAY[$3::text],
				to_jsonb(COALESCE((documents.doc->>$3)::bigint, 0) + $4))
		RETURNING (doc->>$3)::bigint
	`, collection, id, field, delta)
	var n int64
	if err := row.Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (p *Postgres) Batch() Batch {
	return &pgBatch{db: p.db}
}

type batchOp struct {
	kind       string // "update" | "delete"
	collection string
	id         string
	fields     map[string]any
}

type pgBatch struct {
	db  *sql.DB
	ops []batchOp
}

func (b *pgBatch) Update(collection, id string, fields map[string]any) {
	b.ops = append(b.ops, batchOp{kind: "update", collection: collection, id: id, fields: fields})
}

func (b *pgBatch) Delete(collection, id string) {
	b.ops = append(b.ops, batchOp{kind: "delete", collection: collection, id: id})
}

func (b *pgBatch) Commit(ctx context.Context) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, op := range b.ops {
		switch op.kind {
		case "update":
			data, err := json.Marshal(op.fields)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE documents SET doc = doc || $3::jsonb
				WHERE collection = $1 AND id = $2
			`, op.collection, op.id, data); err != nil {
				return err
			}
		case "delete":
			if _, err := tx.ExecContext(ctx, `
				DELETE FROM documents WHERE collection = $1 AND id = $2
			`, op.collection, op.id); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}
