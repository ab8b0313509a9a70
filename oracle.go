package entstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

// OracleDialect renders Oracle SQL. No Oracle driver is linked in; register
// one (godror, go-ora) and open the pool under its name. Store generated keys
// are not reported back, so entities with auto keys cannot be inserted.
type OracleDialect struct{}

func (OracleDialect) Name() string { return "oracle" }

// Quote upper cases identifiers, matching how Oracle stores unquoted names.
func (OracleDialect) Quote(ident string) string {
	return strings.ToUpper(ident)
}

func (OracleDialect) Paging(limit, offset int) string {
	qry := strings.Builder{}
	if offset > 0 {
		qry.WriteString(fmt.Sprintf(" OFFSET %d ROWS", offset))
	}

	if limit > 0 {
		qry.WriteString(fmt.Sprintf(" FETCH NEXT %d ROWS ONLY", limit))
	}

	return qry.String()
}

func (OracleDialect) Returning(_ string) string { return "" }

func (OracleDialect) LastInsertID() bool { return false }

func (OracleDialect) ColumnType(f *Field) (string, error) {
	switch columnKind(f.Type) {
	case "string":
		if f.Size == 0 {
			return "", fmt.Errorf("VARCHAR definition requires size more than 0")
		}
		return fmt.Sprintf("VARCHAR2(%d)", f.Size), nil
	case "uuid":
		return "VARCHAR2(36)", nil
	case "int":
		return "NUMBER(19)", nil
	case "float":
		return "BINARY_DOUBLE", nil
	case "bool":
		return "NUMBER(1)", nil
	case "time":
		return "TIMESTAMP", nil
	case "bytes":
		return "BLOB", nil
	}

	return "", unknownColumnType(f.Type)
}

func (OracleDialect) AutoKeyColumn(_ *Field) string {
	return "NUMBER(19) GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY"
}

func (OracleDialect) CreateTablePrefix() string { return "CREATE TABLE" }

func (OracleDialect) TxOptions(opts TxOptions) *sql.TxOptions {
	return &sql.TxOptions{Isolation: opts.Isolation, ReadOnly: opts.ReadOnly}
}

func (OracleDialect) Columns(ctx context.Context, q sqlx.QueryerContext, td TableDef) ([]Column, error) {
	qry := `
		SELECT
			column_name "column_name"
			,CASE WHEN InStr(data_type, 'TIMESTAMP') > 0 THEN 'TIMESTAMP' ELSE data_type END "data_type"
		FROM all_tab_cols WHERE owner = NVL(:1, SYS_CONTEXT('USERENV', 'CURRENT_SCHEMA')) AND table_name = :2`

	var schema any
	if td.Schema != "" {
		schema = strings.ToUpper(td.Schema)
	}

	var cols []Column
	if err := sqlx.SelectContext(ctx, q, &cols, qry, schema, strings.ToUpper(td.Name)); err != nil {
		return nil, err
	}

	return cols, nil
}

func (OracleDialect) WrapError(err error) error {
	return wrapOracleError(err)
}

func wrapOracleError(err error) error {
	if err == nil {
		return nil
	}

	switch msg := err.Error(); {
	case strings.Contains(msg, "ORA-00001"):
		return fmt.Errorf("%w: %w", ErrKeyAlreadyExists, err)
	case strings.Contains(msg, "ORA-08177"), strings.Contains(msg, "ORA-00060"):
		return fmt.Errorf("%w: %w", ErrConcurrencyConflict, err)
	}

	return wrapSQLError(err)
}

func NewOracleDriver(db *sqlx.DB) (*SQLDriver, error) {
	return NewSQLDriver(db, OracleDialect{})
}
