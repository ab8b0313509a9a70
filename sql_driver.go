package entstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"strings"

	"github.com/jmoiron/sqlx"
)

// Dialect holds what differs between SQL engines.
type Dialect interface {
	Name() string
	Quote(ident string) string
	// Paging renders the LIMIT/OFFSET clause, with a leading space, or "".
	Paging(limit, offset int) string
	// Returning renders the clause returning col from an INSERT, or "" when
	// the engine cannot.
	Returning(col string) string
	LastInsertID() bool
	ColumnType(f *Field) (string, error)
	// AutoKeyColumn renders the type and constraints of a single generated
	// primary key column.
	AutoKeyColumn(f *Field) string
	CreateTablePrefix() string
	TxOptions(opts TxOptions) *sql.TxOptions
	Columns(ctx context.Context, q sqlx.QueryerContext, td TableDef) ([]Column, error)
	WrapError(err error) error
}

const deleteBatchSize = 125

// SQLDriver runs query plans on a database/sql connection pool through sqlx.
type SQLDriver struct {
	db      *sqlx.DB
	dialect Dialect
}

func NewSQLDriver(db *sqlx.DB, dialect Dialect) (*SQLDriver, error) {
	if db == nil {
		return nil, nilArgument("db")
	}

	if dialect == nil {
		return nil, nilArgument("dialect")
	}

	return &SQLDriver{db: db, dialect: dialect}, nil
}

func (d *SQLDriver) Name() string { return d.dialect.Name() }

func (d *SQLDriver) DB() *sqlx.DB { return d.db }

func (d *SQLDriver) Dialect() Dialect { return d.dialect }

func (d *SQLDriver) Close() error {
	return d.db.Close()
}

func (d *SQLDriver) Begin(ctx context.Context, opts TxOptions) (DriverTx, error) {
	tx, err := d.db.BeginTxx(ctx, d.dialect.TxOptions(opts))
	if err != nil {
		return nil, d.dialect.WrapError(err)
	}

	return &sqlTransaction{Tx: tx, d: d}, nil
}

func (d *SQLDriver) table(et *EntityType) string {
	td := et.Table()
	if td.Schema != "" {
		return d.dialect.Quote(td.Schema) + "." + d.dialect.Quote(td.Name)
	}

	return d.dialect.Quote(td.Name)
}

func (d *SQLDriver) columnList(et *EntityType) string {
	return strings.Join(Map(et.fields, func(f *Field) string { return d.dialect.Quote(f.Column) }), ",")
}

// CompileWhere renders p as a WHERE condition with ? placeholders. Slice
// arguments of IN conditions are expanded later by sqlx.In.
func (d *SQLDriver) CompileWhere(et *EntityType, p Predicate) (string, []any, error) {
	switch p := p.(type) {
	case nil:
		return "", nil, nil
	case Condition:
		return d.compileCondition(et, p)
	case Junction:
		var parts []string
		var args []any
		for _, sub := range p.Predicates {
			s, a, err := d.CompileWhere(et, sub)
			if err != nil {
				return "", nil, err
			}

			parts = append(parts, s)
			args = append(args, a...)
		}

		logic := " AND "
		if p.Logic == LogicOr {
			logic = " OR "
		}
		return "(" + strings.Join(parts, logic) + ")", args, nil
	case Negation:
		s, args, err := d.CompileWhere(et, p.Predicate)
		if err != nil {
			return "", nil, err
		}
		return "NOT (" + s + ")", args, nil
	}

	return "", nil, fmt.Errorf("%w: predicate %T cannot be compiled to SQL", ErrUnsupported, p)
}

func (d *SQLDriver) compileCondition(et *EntityType, c Condition) (string, []any, error) {
	f, ok := et.Field(c.Field)
	if !ok {
		return "", nil, fmt.Errorf("%s has no property %s", et.name, c.Field)
	}

	col := d.dialect.Quote(f.Column)
	switch c.Op {
	case OpEq, OpNe:
		if unwrapValue(c.Value) == nil {
			if c.Op == OpEq {
				return col + " IS NULL", nil, nil
			}
			return col + " IS NOT NULL", nil, nil
		}
		return fmt.Sprintf("%s %s ?", col, c.Op), []any{c.Value}, nil
	case OpGt, OpGe, OpLt, OpLe:
		return fmt.Sprintf("%s %s ?", col, c.Op), []any{c.Value}, nil
	case OpIn, OpNotIn:
		rv := reflect.ValueOf(c.Value)
		if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
			return "", nil, fmt.Errorf("expecting slice as values for %s, got %T", c.Field, c.Value)
		}

		if rv.Len() == 0 {
			if c.Op == OpIn {
				return "1 = 0", nil, nil
			}
			return "1 = 1", nil, nil
		}
		return fmt.Sprintf("%s %s (?)", col, c.Op), []any{c.Value}, nil
	case OpContains:
		return col + " LIKE ? ESCAPE '!'", []any{"%" + escapeLike(fmt.Sprint(c.Value)) + "%"}, nil
	case OpPrefix:
		return col + " LIKE ? ESCAPE '!'", []any{escapeLike(fmt.Sprint(c.Value)) + "%"}, nil
	case OpIsNull, OpNotNull:
		return fmt.Sprintf("%s %s", col, c.Op), nil, nil
	}

	return "", nil, fmt.Errorf("unknown operator %q", c.Op)
}

func escapeLike(s string) string {
	return strings.NewReplacer("!", "!!", "%", "!%", "_", "!_").Replace(s)
}

// MakeSortClause renders orders as an ORDER BY list.
func (d *SQLDriver) MakeSortClause(et *EntityType, orders []Order) (string, error) {
	var srt []string
	for _, o := range orders {
		f, ok := et.Field(o.Field)
		if !ok {
			return "", fmt.Errorf("cannot sort %s by unknown property %s", et.name, o.Field)
		}

		op := "ASC"
		if o.Desc {
			op = "DESC"
		}

		srt = append(srt, fmt.Sprintf("%s %s", d.dialect.Quote(f.Column), op))
	}

	return strings.Join(srt, ","), nil
}

func (d *SQLDriver) selectQuery(et *EntityType, plan QueryPlan) (string, []any, error) {
	where, args, err := d.CompileWhere(et, plan.Filter)
	if err != nil {
		return "", nil, err
	}

	if where != "" {
		where = " WHERE " + where
	}

	orderBy, err := d.MakeSortClause(et, plan.Orders)
	if err != nil {
		return "", nil, err
	}

	if orderBy != "" {
		orderBy = " ORDER BY " + orderBy
	}

	qry := fmt.Sprintf("SELECT %s FROM %s%s%s%s", d.columnList(et), d.table(et), where, orderBy, d.dialect.Paging(plan.Limit, plan.Offset))
	return sqlx.In(qry, args...)
}

func (d *SQLDriver) keyWhere(et *EntityType, key []any) (string, []any) {
	parts := Map(et.keys, func(f *Field) string { return d.dialect.Quote(f.Column) + " = ?" })
	return strings.Join(parts, " AND "), key
}

// CreateTableDDL renders the CREATE TABLE statement for et.
func (d *SQLDriver) CreateTableDDL(et *EntityType) (string, error) {
	singleAuto := len(et.keys) == 1 && et.keys[0].IsAuto && isIntKind(et.keys[0].Type.Kind())

	var ddlCols []string
	for _, f := range et.fields {
		var ddlCol strings.Builder
		ddlCol.WriteString(d.dialect.Quote(f.Column))
		ddlCol.WriteString(" ")

		if singleAuto && f == et.keys[0] {
			ddlCol.WriteString(d.dialect.AutoKeyColumn(f))
			ddlCols = append(ddlCols, ddlCol.String())
			continue
		}

		dtype, err := d.dialect.ColumnType(f)
		if err != nil {
			return "", fmt.Errorf("%s.%s: %w", et.name, f.Name, err)
		}
		ddlCol.WriteString(dtype)

		if !f.AllowNull && !nullableType(f.Type) || f.IsKey {
			ddlCol.WriteString(" NOT NULL")
		}

		if f.Default != "" {
			ddlCol.WriteString(" DEFAULT ")
			ddlCol.WriteString(defaultLiteral(f))
		}

		ddlCols = append(ddlCols, ddlCol.String())
	}

	if len(et.keys) > 0 && !singleAuto {
		keys := Map(et.keys, func(f *Field) string { return d.dialect.Quote(f.Column) })
		ddlCols = append(ddlCols, fmt.Sprintf("PRIMARY KEY (%s)", strings.Join(keys, ",")))
	}

	return fmt.Sprintf("%s %s (%s)", d.dialect.CreateTablePrefix(), d.table(et), strings.Join(ddlCols, ",")), nil
}

func defaultLiteral(f *Field) string {
	if columnKind(f.Type) == "string" {
		return "'" + strings.ReplaceAll(f.Default, "'", "''") + "'"
	}

	return f.Default
}

// CreateTables creates the tables of every registered entity type that does
// not exist yet. Existing tables are left as they are.
func (d *SQLDriver) CreateTables(ctx context.Context, m *Model) error {
	for _, et := range m.EntityTypes() {
		ddl, err := d.CreateTableDDL(et)
		if err != nil {
			return err
		}

		if _, err := d.db.ExecContext(ctx, ddl); err != nil {
			return d.dialect.WrapError(err)
		}
	}

	return nil
}

// VerifyModel checks that the table of every registered entity type has a
// column for each persisted property.
func (d *SQLDriver) VerifyModel(ctx context.Context, m *Model) error {
	var errs []error
	for _, et := range m.EntityTypes() {
		cols, err := d.dialect.Columns(ctx, d.db, et.Table())
		if err != nil {
			return d.dialect.WrapError(err)
		}

		if len(cols) == 0 {
			errs = append(errs, fmt.Errorf("table %s of %s does not exist", et.Table().FullTableName(), et.name))
			continue
		}

		have := make(map[string]bool, len(cols))
		for _, c := range cols {
			have[strings.ToLower(c.ColumnName)] = true
		}

		missing := Filter(et.fields, func(f *Field) bool { return !have[strings.ToLower(f.Column)] })
		if len(missing) > 0 {
			errs = append(errs, fmt.Errorf("table %s is missing columns %s", et.Table().FullTableName(),
				strings.Join(Map(missing, func(f *Field) string { return f.Column }), ",")))
		}
	}

	return errors.Join(errs...)
}

type sqlTransaction struct {
	Tx *sqlx.Tx
	d  *SQLDriver
}

func (st *sqlTransaction) wrap(err error) error {
	return st.d.dialect.WrapError(err)
}

func (st *sqlTransaction) Rollback(_ context.Context) error {
	err := st.Tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}

	return err
}

func (st *sqlTransaction) Commit(_ context.Context) error {
	return st.wrap(st.Tx.Commit())
}

func (st *sqlTransaction) Select(ctx context.Context, et *EntityType, plan QueryPlan) ([]any, error) {
	qry, args, err := st.d.selectQuery(et, plan)
	if err != nil {
		return nil, err
	}

	return st.query(ctx, et, st.Tx.Rebind(qry), args)
}

func (st *sqlTransaction) query(ctx context.Context, et *EntityType, qry string, args []any) ([]any, error) {
	rows, err := st.Tx.QueryxContext(ctx, qry, args...)
	if err != nil {
		return nil, st.wrap(err)
	}
	defer rows.Close()

	var list []any
	for rows.Next() {
		entity, err := scanEntity(rows, et)
		if err != nil {
			return nil, err
		}

		list = append(list, entity)
	}

	return list, st.wrap(rows.Err())
}

func scanEntity(rows *sqlx.Rows, et *EntityType) (any, error) {
	holders := make([]reflect.Value, len(et.fields))
	dest := make([]any, len(et.fields))
	for i, f := range et.fields {
		holders[i] = reflect.New(f.Type)
		dest[i] = holders[i].Interface()
	}

	if err := rows.Scan(dest...); err != nil {
		return nil, err
	}

	entity := et.New()
	for i, f := range et.fields {
		if !f.CanSet() {
			continue
		}

		if err := f.Set(entity, holders[i].Elem().Interface()); err != nil {
			return nil, err
		}
	}

	return entity, nil
}

func (st *sqlTransaction) Count(ctx context.Context, et *EntityType, filter Predicate) (int, error) {
	where, args, err := st.d.CompileWhere(et, filter)
	if err != nil {
		return 0, err
	}

	if where != "" {
		where = " WHERE " + where
	}

	qry, args, err := sqlx.In(fmt.Sprintf("SELECT COUNT(*) FROM %s%s", st.d.table(et), where), args...)
	if err != nil {
		return 0, err
	}

	var n int
	if err := st.Tx.GetContext(ctx, &n, st.Tx.Rebind(qry), args...); err != nil {
		return 0, st.wrap(err)
	}

	return n, nil
}

func (st *sqlTransaction) Get(ctx context.Context, et *EntityType, key []any) (any, error) {
	where, args := st.d.keyWhere(et, key)
	qry := fmt.Sprintf("SELECT %s FROM %s WHERE %s", st.d.columnList(et), st.d.table(et), where)
	list, err := st.query(ctx, et, st.Tx.Rebind(qry), args)
	if err != nil {
		return nil, err
	}

	if len(list) == 0 {
		return nil, fmt.Errorf("%w: %s %v", ErrKeyNotFound, et.name, key)
	}

	return list[0], nil
}

func (st *sqlTransaction) Insert(ctx context.Context, et *EntityType, entity any) error {
	auto := et.AutoKey()
	generate := auto != nil && auto.IsZero(entity)

	var columns []string
	var values []any
	for _, f := range et.fields {
		if f == auto && generate {
			continue
		}

		if f.Default != "" && f.IsZero(entity) {
			continue
		}

		columns = append(columns, st.d.dialect.Quote(f.Column))
		values = append(values, f.Get(entity))
	}

	qry := fmt.Sprintf("INSERT INTO %s DEFAULT VALUES", st.d.table(et))
	if len(columns) > 0 {
		plh := "?" + strings.Repeat(",?", len(columns)-1)
		qry = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", st.d.table(et), strings.Join(columns, ","), plh)
	}

	if !generate {
		_, err := st.Tx.ExecContext(ctx, st.Tx.Rebind(qry), values...)
		return st.wrap(err)
	}

	if ret := st.d.dialect.Returning(st.d.dialect.Quote(auto.Column)); ret != "" {
		holder := reflect.New(auto.Type)
		if err := st.Tx.QueryRowxContext(ctx, st.Tx.Rebind(qry+ret), values...).Scan(holder.Interface()); err != nil {
			return st.wrap(err)
		}

		return auto.Set(entity, holder.Elem().Interface())
	}

	if !st.d.dialect.LastInsertID() {
		return fmt.Errorf("%w: %s cannot report generated keys", ErrUnsupported, st.d.dialect.Name())
	}

	res, err := st.Tx.ExecContext(ctx, st.Tx.Rebind(qry), values...)
	if err != nil {
		return st.wrap(err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return st.wrap(err)
	}

	return auto.Set(entity, id)
}

func (st *sqlTransaction) Update(ctx context.Context, et *EntityType, entity any) error {
	var sets []string
	var args []any
	for _, f := range et.fields {
		if f.IsKey {
			continue
		}

		sets = append(sets, st.d.dialect.Quote(f.Column)+" = ?")
		args = append(args, f.Get(entity))
	}

	if len(sets) == 0 {
		return nil
	}

	where, keyArgs := st.d.keyWhere(et, et.keyValues(entity))
	qry := fmt.Sprintf("UPDATE %s SET %s WHERE %s", st.d.table(et), strings.Join(sets, ","), where)
	_, err := st.Tx.ExecContext(ctx, st.Tx.Rebind(qry), append(args, keyArgs...)...)
	return st.wrap(err)
}

func (st *sqlTransaction) Delete(ctx context.Context, et *EntityType, keys [][]any) error {
	for batch := range slices.Chunk(keys, deleteBatchSize) {
		var qry string
		var args []any
		if len(et.keys) == 1 {
			values := Map(batch, func(k []any) any { return k[0] })
			var err error
			qry, args, err = sqlx.In(fmt.Sprintf("DELETE FROM %s WHERE %s IN (?)", st.d.table(et), st.d.dialect.Quote(et.keys[0].Column)), values)
			if err != nil {
				return fmt.Errorf("failed to expand delete query. %w", err)
			}
		} else {
			var parts []string
			for _, k := range batch {
				where, a := st.d.keyWhere(et, k)
				parts = append(parts, "("+where+")")
				args = append(args, a...)
			}
			qry = fmt.Sprintf("DELETE FROM %s WHERE %s", st.d.table(et), strings.Join(parts, " OR "))
		}

		if _, err := st.Tx.ExecContext(ctx, st.Tx.Rebind(qry), args...); err != nil {
			return st.wrap(err)
		}
	}

	return nil
}
