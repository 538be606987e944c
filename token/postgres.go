package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Schema creates the table used by PostgresBackend.
const Schema = `CREATE TABLE IF NOT EXISTS credential_tokens (
	token      TEXT PRIMARY KEY,
	user_email TEXT NOT NULL,
	alias      TEXT NOT NULL,
	mandate_id TEXT,
	created_at TIMESTAMPTZ NOT NULL
)`

const (
	selectTokenSQL  = `SELECT token, user_email, alias, mandate_id, created_at FROM credential_tokens WHERE token = $1`
	insertTokenSQL  = `INSERT INTO credential_tokens (token, user_email, alias, mandate_id, created_at) VALUES ($1, $2, $3, $4, $5)`
	bindUnboundSQL  = `UPDATE credential_tokens SET mandate_id = $2 WHERE token = $1 AND mandate_id IS NULL`
	rebindSQL       = `UPDATE credential_tokens SET mandate_id = $2 WHERE token = $1 AND mandate_id = $3`
	tokenExistsSQL  = `SELECT EXISTS (SELECT 1 FROM credential_tokens WHERE token = $1)`
	uniqueViolation = "23505"
)

// DB is the subset of pgxpool.Pool and pgx.Conn used by PostgresBackend.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresBackend stores tokens in PostgreSQL. The bind check runs as a single
// conditional UPDATE so the database serializes concurrent binds per row.
type PostgresBackend struct {
	db DB
}

// NewPostgresBackend wraps db.
func NewPostgresBackend(db DB) *PostgresBackend {
	return &PostgresBackend{db: db}
}

// EnsureSchema creates the token table if it does not exist.
func (b *PostgresBackend) EnsureSchema(ctx context.Context) error {
	if _, err := b.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("token: create schema: %w", err)
	}
	return nil
}

func (b *PostgresBackend) Get(ctx context.Context, token string) (Record, error) {
	var (
		rec     Record
		mandate *string
		created time.Time
	)
	err := b.db.QueryRow(ctx, selectTokenSQL, token).Scan(&rec.Token, &rec.Email, &rec.Alias, &mandate, &created)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, notFound(token)
	}
	if err != nil {
		return Record{}, fmt.Errorf("token: select: %w", err)
	}
	if mandate != nil {
		rec.MandateID = *mandate
	}
	rec.CreatedAt = created.UTC()
	return rec, nil
}

func (b *PostgresBackend) Put(ctx context.Context, rec Record) error {
	var mandate *string
	if rec.MandateID != "" {
		mandate = &rec.MandateID
	}
	_, err := b.db.Exec(ctx, insertTokenSQL, rec.Token, rec.Email, rec.Alias, mandate, rec.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrDuplicateToken
	}
	if err != nil {
		return fmt.Errorf("token: insert: %w", err)
	}
	return nil
}

func (b *PostgresBackend) CompareAndSwapMandate(ctx context.Context, token, prev, next string) (bool, error) {
	var (
		tag pgconn.CommandTag
		err error
	)
	if prev == "" {
		tag, err = b.db.Exec(ctx, bindUnboundSQL, token, next)
	} else {
		tag, err = b.db.Exec(ctx, rebindSQL, token, next, prev)
	}
	if err != nil {
		return false, fmt.Errorf("token: bind: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	// Distinguish a lost race from an unknown token.
	var exists bool
	if err := b.db.QueryRow(ctx, tokenExistsSQL, token).Scan(&exists); err != nil {
		return false, fmt.Errorf("token: lookup: %w", err)
	}
	if !exists {
		return false, notFound(token)
	}
	return false, nil
}
