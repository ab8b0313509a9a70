package entstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// PostgresDialect targets PostgreSQL through the pgx stdlib driver. Errors
// raised by lib/pq are recognized as well.
type PostgresDialect struct{}

func (PostgresDialect) Name() string { return "postgres" }

func (PostgresDialect) Quote(ident string) string {
	return pq.QuoteIdentifier(ident)
}

func (PostgresDialect) Paging(limit, offset int) string {
	qry := strings.Builder{}
	if limit > 0 {
		qry.WriteString(fmt.Sprintf(" LIMIT %d", limit))
	}

	if offset > 0 {
		qry.WriteString(fmt.Sprintf(" OFFSET %d", offset))
	}

	return qry.String()
}

func (PostgresDialect) Returning(col string) string { return " RETURNING " + col }

func (PostgresDialect) LastInsertID() bool { return false }

func (PostgresDialect) ColumnType(f *Field) (string, error) {
	switch columnKind(f.Type) {
	case "string":
		if f.Size > 0 {
			return fmt.Sprintf("VARCHAR(%d)", f.Size), nil
		}
		return "TEXT", nil
	case "uuid":
		return "UUID", nil
	case "int":
		return "BIGINT", nil
	case "float":
		return "DOUBLE PRECISION", nil
	case "bool":
		return "BOOLEAN", nil
	case "time":
		return "TIMESTAMPTZ", nil
	case "bytes":
		return "BYTEA", nil
	}

	return "", unknownColumnType(f.Type)
}

func (PostgresDialect) AutoKeyColumn(_ *Field) string {
	return "BIGSERIAL PRIMARY KEY"
}

func (PostgresDialect) CreateTablePrefix() string { return "CREATE TABLE IF NOT EXISTS" }

func (PostgresDialect) TxOptions(opts TxOptions) *sql.TxOptions {
	return &sql.TxOptions{Isolation: opts.Isolation, ReadOnly: opts.ReadOnly}
}

func (PostgresDialect) Columns(ctx context.Context, q sqlx.QueryerContext, td TableDef) ([]Column, error) {
	qry := `
		SELECT column_name, data_type
		FROM information_schema.columns
		WHERE table_schema = COALESCE(NULLIF($1, ''), current_schema()) AND table_name = $2
		ORDER BY ordinal_position`

	var cols []Column
	if err := sqlx.SelectContext(ctx, q, &cols, qry, td.Schema, td.Name); err != nil {
		return nil, err
	}

	return cols, nil
}

func (PostgresDialect) WrapError(err error) error {
	return wrapPostgresError(err)
}

func wrapPostgresError(err error) error {
	code := ""
	var pgErr *pgconn.PgError
	var pqErr *pq.Error
	switch {
	case errors.As(err, &pgErr):
		code = pgErr.Code
	case errors.As(err, &pqErr):
		code = string(pqErr.Code)
	}

	switch code {
	case pgerrcode.UniqueViolation:
		return fmt.Errorf("%w: %w", ErrKeyAlreadyExists, err)
	case pgerrcode.SerializationFailure, pgerrcode.DeadlockDetected:
		return fmt.Errorf("%w: %w", ErrConcurrencyConflict, err)
	}

	return wrapSQLError(err)
}

// NewPostgresDriver wraps an open pgx pool.
func NewPostgresDriver(db *sqlx.DB) (*SQLDriver, error) {
	return NewSQLDriver(db, PostgresDialect{})
}
