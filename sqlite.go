package entstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"gopkg.in/guregu/null.v4"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

func init() {
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// SQLiteDialect targets modernc.org/sqlite, registered as "sqlite".
type SQLiteDialect struct{}

func (SQLiteDialect) Name() string { return "sqlite" }

func (SQLiteDialect) Quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func (SQLiteDialect) Paging(limit, offset int) string {
	qry := strings.Builder{}
	if limit > 0 {
		qry.WriteString(fmt.Sprintf(" LIMIT %d", limit))
	} else if offset > 0 {
		qry.WriteString(" LIMIT -1")
	}

	if offset > 0 {
		qry.WriteString(fmt.Sprintf(" OFFSET %d", offset))
	}

	return qry.String()
}

func (SQLiteDialect) Returning(col string) string { return " RETURNING " + col }

func (SQLiteDialect) LastInsertID() bool { return true }

func (SQLiteDialect) ColumnType(f *Field) (string, error) {
	switch columnKind(f.Type) {
	case "string", "uuid":
		return "TEXT", nil
	case "int", "bool":
		return "INTEGER", nil
	case "float":
		return "REAL", nil
	case "time":
		return "TIMESTAMP", nil
	case "bytes":
		return "BLOB", nil
	}

	return "", unknownColumnType(f.Type)
}

func (SQLiteDialect) AutoKeyColumn(_ *Field) string {
	return "INTEGER PRIMARY KEY AUTOINCREMENT"
}

func (SQLiteDialect) CreateTablePrefix() string { return "CREATE TABLE IF NOT EXISTS" }

// TxOptions drops isolation and read only hints; the driver rejects both.
func (SQLiteDialect) TxOptions(_ TxOptions) *sql.TxOptions {
	return nil
}

func (d SQLiteDialect) Columns(ctx context.Context, q sqlx.QueryerContext, td TableDef) ([]Column, error) {
	qry := fmt.Sprintf("PRAGMA table_info(%s)", d.Quote(td.Name))
	if td.Schema != "" {
		qry = fmt.Sprintf("PRAGMA %s.table_info(%s)", d.Quote(td.Schema), d.Quote(td.Name))
	}

	type columnInfo struct {
		CID       int         `db:"cid"`
		Name      string      `db:"name"`
		Type      string      `db:"type"`
		NotNull   int         `db:"notnull"`
		DfltValue null.String `db:"dflt_value"`
		Pk        int         `db:"pk"`
	}

	var cols []columnInfo
	if err := sqlx.SelectContext(ctx, q, &cols, qry); err != nil {
		return nil, err
	}

	return Map(cols, func(col columnInfo) Column {
		return Column{
			ColumnName: col.Name,
			DataType:   col.Type,
		}
	}), nil
}

func (SQLiteDialect) WrapError(err error) error {
	return wrapSqliteError(err)
}

func wrapSqliteError(err error) error {
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return fmt.Errorf("%w: %w", ErrKeyAlreadyExists, err)
		case sqlite3.SQLITE_BUSY:
			return fmt.Errorf("%w: %w", ErrConcurrencyConflict, err)
		}
	}

	return wrapSQLError(err)
}

// NewSQLiteDriver wraps an open modernc.org/sqlite pool.
func NewSQLiteDriver(db *sqlx.DB) (*SQLDriver, error) {
	return NewSQLDriver(db, SQLiteDialect{})
}
