package entstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
)

const (
	mysqlDuplicateEntry  = 1062
	mysqlLockWaitTimeout = 1205
	mysqlDeadlock        = 1213
)

// MySQLDialect targets MySQL and MariaDB through go-sql-driver/mysql.
type MySQLDialect struct{}

func (MySQLDialect) Name() string { return "mysql" }

func (MySQLDialect) Quote(ident string) string {
	return "`" + strings.ReplaceAll(ident, "`", "``") + "`"
}

func (MySQLDialect) Paging(limit, offset int) string {
	qry := strings.Builder{}
	if limit > 0 {
		qry.WriteString(fmt.Sprintf(" LIMIT %d", limit))
	} else if offset > 0 {
		qry.WriteString(" LIMIT 18446744073709551615")
	}

	if offset > 0 {
		qry.WriteString(fmt.Sprintf(" OFFSET %d", offset))
	}

	return qry.String()
}

func (MySQLDialect) Returning(_ string) string { return "" }

func (MySQLDialect) LastInsertID() bool { return true }

func (MySQLDialect) ColumnType(f *Field) (string, error) {
	switch columnKind(f.Type) {
	case "string":
		size := f.Size
		if size == 0 {
			size = 255
		}
		return fmt.Sprintf("VARCHAR(%d)", size), nil
	case "uuid":
		return "CHAR(36)", nil
	case "int":
		return "BIGINT", nil
	case "float":
		return "DOUBLE", nil
	case "bool":
		return "TINYINT(1)", nil
	case "time":
		return "DATETIME(6)", nil
	case "bytes":
		return "BLOB", nil
	}

	return "", unknownColumnType(f.Type)
}

func (MySQLDialect) AutoKeyColumn(_ *Field) string {
	return "BIGINT AUTO_INCREMENT PRIMARY KEY"
}

func (MySQLDialect) CreateTablePrefix() string { return "CREATE TABLE IF NOT EXISTS" }

func (MySQLDialect) TxOptions(opts TxOptions) *sql.TxOptions {
	return &sql.TxOptions{Isolation: opts.Isolation, ReadOnly: opts.ReadOnly}
}

func (MySQLDialect) Columns(ctx context.Context, q sqlx.QueryerContext, td TableDef) ([]Column, error) {
	qry := `
		SELECT column_name AS column_name, data_type AS data_type
		FROM information_schema.columns
		WHERE table_schema = COALESCE(NULLIF(?, ''), DATABASE()) AND table_name = ?
		ORDER BY ordinal_position`

	var cols []Column
	if err := sqlx.SelectContext(ctx, q, &cols, qry, td.Schema, td.Name); err != nil {
		return nil, err
	}

	return cols, nil
}

func (MySQLDialect) WrapError(err error) error {
	return wrapMySQLError(err)
}

func wrapMySQLError(err error) error {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case mysqlDuplicateEntry:
			return fmt.Errorf("%w: %w", ErrKeyAlreadyExists, err)
		case mysqlDeadlock, mysqlLockWaitTimeout:
			return fmt.Errorf("%w: %w", ErrConcurrencyConflict, err)
		}
	}

	return wrapSQLError(err)
}

func NewMySQLDriver(db *sqlx.DB) (*SQLDriver, error) {
	return NewSQLDriver(db, MySQLDialect{})
}
