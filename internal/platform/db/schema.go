package db

import (
	"context"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5"
)

var schemaPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ValidateSchema rejects schema names that cannot be used unquoted.
// The empty name is valid and means the connection's own search_path.
func ValidateSchema(schema string) error {
	if schema == "" || schemaPattern.MatchString(schema) {
		return nil
	}
	return fmt.Errorf("invalid schema name: %q", schema)
}

// searchPathSQL returns the statement scoping a transaction to schema.
func searchPathSQL(schema string) string {
	return fmt.Sprintf("SET LOCAL search_path TO %s, public", schema)
}

// TxBeginner is satisfied by *pgxpool.Pool and *pgx.Conn.
type TxBeginner interface {
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
}

// ReadOnly runs fn in a read-only transaction scoped to schema. The
// transaction is always rolled back, so fn cannot change data even if the
// database would let it.
func ReadOnly(ctx context.Context, db TxBeginner, schema string, fn func(tx pgx.Tx) error) error {
	if err := ValidateSchema(schema); err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return fmt.Errorf("begin read-only transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if schema != "" {
		if _, err := tx.Exec(ctx, searchPathSQL(schema)); err != nil {
			return fmt.Errorf("set search_path: %w", err)
		}
	}
	return fn(tx)
}

// EnsureSchema creates schema if it does not exist yet.
func EnsureSchema(ctx context.Context, db TxBeginner, schema string) error {
	if schema == "" {
		return nil
	}
	if err := ValidateSchema(schema); err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", schema)); err != nil {
		return fmt.Errorf("create schema %s: %w", schema, err)
	}
	return tx.Commit(ctx)
}
