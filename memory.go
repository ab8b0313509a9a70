package entstore

import (
	"context"
	"fmt"
	"reflect"
	"strconv"
	"sync"
)

type memTable struct {
	version uint64
	seq     int64
	rows    map[string]any
	order   []string
}

func (t *memTable) clone() *memTable {
	c := &memTable{
		version: t.version,
		seq:     t.seq,
		rows:    make(map[string]any, len(t.rows)),
		order:   append([]string(nil), t.order...),
	}

	for k, v := range t.rows {
		c.rows[k] = v
	}

	return c
}

// MemoryDriver keeps entities in process memory. Each transaction works on
// copies of the tables it touches; commit fails with ErrConcurrencyConflict
// when another transaction committed one of those tables in the meantime.
type MemoryDriver struct {
	mu     sync.Mutex
	tables map[reflect.Type]*memTable
}

func NewMemoryDriver() *MemoryDriver {
	return &MemoryDriver{tables: make(map[reflect.Type]*memTable)}
}

func (d *MemoryDriver) Name() string { return "memory" }

func (d *MemoryDriver) Close() error { return nil }

// Translatable reports true for every predicate; the memory driver evaluates
// them all in process.
func (d *MemoryDriver) Translatable(_ *EntityType, _ Predicate) bool { return true }

func (d *MemoryDriver) Begin(_ context.Context, opts TxOptions) (DriverTx, error) {
	return &memTx{
		d:        d,
		readOnly: opts.ReadOnly,
		tables:   make(map[reflect.Type]*memTable),
		base:     make(map[reflect.Type]uint64),
		dirty:    make(map[reflect.Type]bool),
	}, nil
}

type memTx struct {
	d        *MemoryDriver
	readOnly bool
	done     bool

	tables map[reflect.Type]*memTable
	base   map[reflect.Type]uint64
	dirty  map[reflect.Type]bool
}

func (tx *memTx) table(et *EntityType) (*memTable, error) {
	if tx.done {
		return nil, ErrTransactionDone
	}

	if t, ok := tx.tables[et.goType]; ok {
		return t, nil
	}

	tx.d.mu.Lock()
	defer tx.d.mu.Unlock()

	t, ok := tx.d.tables[et.goType]
	if !ok {
		t = &memTable{rows: make(map[string]any)}
	}

	c := t.clone()
	tx.tables[et.goType] = c
	tx.base[et.goType] = t.version
	return c, nil
}

func (tx *memTx) writable(et *EntityType) (*memTable, error) {
	if tx.readOnly {
		return nil, fmt.Errorf("%w: write in a read only transaction", ErrUnsupported)
	}

	t, err := tx.table(et)
	if err != nil {
		return nil, err
	}

	tx.dirty[et.goType] = true
	return t, nil
}

func copyEntity(et *EntityType, entity any) any {
	c := reflect.New(et.goType)
	c.Elem().Set(reflect.ValueOf(entity).Elem())
	return c.Interface()
}

func (tx *memTx) Select(_ context.Context, et *EntityType, plan QueryPlan) ([]any, error) {
	t, err := tx.table(et)
	if err != nil {
		return nil, err
	}

	rows := make([]any, 0, len(t.order))
	for _, k := range t.order {
		row := t.rows[k]
		ok, err := Evaluate(et, plan.Filter, row)
		if err != nil {
			return nil, err
		}

		if ok {
			rows = append(rows, row)
		}
	}

	if err := sortEntities(et, rows, plan.Orders); err != nil {
		return nil, err
	}

	rows = page(rows, plan.Offset, plan.Limit)
	return Map(rows, func(row any) any { return copyEntity(et, row) }), nil
}

func (tx *memTx) Count(_ context.Context, et *EntityType, filter Predicate) (int, error) {
	t, err := tx.table(et)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, row := range t.rows {
		ok, err := Evaluate(et, filter, row)
		if err != nil {
			return 0, err
		}

		if ok {
			n++
		}
	}

	return n, nil
}

func (tx *memTx) Get(_ context.Context, et *EntityType, key []any) (any, error) {
	t, err := tx.table(et)
	if err != nil {
		return nil, err
	}

	row, ok := t.rows[keyString(key)]
	if !ok {
		return nil, fmt.Errorf("%w: %s %v", ErrKeyNotFound, et.name, key)
	}

	return copyEntity(et, row), nil
}

func (tx *memTx) Insert(_ context.Context, et *EntityType, entity any) error {
	t, err := tx.writable(et)
	if err != nil {
		return err
	}

	if auto := et.AutoKey(); auto != nil && auto.IsZero(entity) {
		if !isNumberKind(auto.Type.Kind()) {
			return fmt.Errorf("%w: auto key %s of kind %s", ErrUnsupported, auto.Name, auto.Type.Kind())
		}

		if err := auto.Set(entity, t.seq+1); err != nil {
			return err
		}
	}

	row := copyEntity(et, entity)
	if err := applyDefaults(et, row); err != nil {
		return err
	}

	var key string
	if len(et.keys) == 0 {
		key = "#" + strconv.FormatInt(t.seq+1, 10)
	} else {
		key = keyString(et.keyValues(row))
	}

	if _, ok := t.rows[key]; ok {
		return fmt.Errorf("%w: %s %s", ErrKeyAlreadyExists, et.name, key)
	}

	if auto := et.AutoKey(); auto != nil {
		if n, ok := toInt64(auto.Get(row)); ok && n > t.seq {
			t.seq = n
		}
	} else if len(et.keys) == 0 {
		t.seq++
	}

	t.rows[key] = row
	t.order = append(t.order, key)
	return nil
}

func toInt64(v any) (int64, bool) {
	rv := reflect.ValueOf(v)
	switch {
	case isIntKind(rv.Kind()):
		return rv.Int(), true
	case isUintKind(rv.Kind()):
		return int64(rv.Uint()), true
	}

	return 0, false
}

// applyDefaults fills zero valued properties that declare a default.
func applyDefaults(et *EntityType, row any) error {
	for _, f := range et.fields {
		if f.Default == "" || !f.CanSet() || !f.IsZero(row) {
			continue
		}

		v, err := parseDefault(f.Type, f.Default)
		if err != nil {
			return fmt.Errorf("default of %s.%s: %w", et.name, f.Name, err)
		}

		if err := f.Set(row, v); err != nil {
			return err
		}
	}

	return nil
}

func parseDefault(t reflect.Type, value string) (any, error) {
	switch {
	case t.Kind() == reflect.String:
		return value, nil
	case t.Kind() == reflect.Bool:
		return strconv.ParseBool(value)
	case isIntKind(t.Kind()):
		return strconv.ParseInt(value, 10, 64)
	case isUintKind(t.Kind()):
		return strconv.ParseUint(value, 10, 64)
	case t.Kind() == reflect.Float32 || t.Kind() == reflect.Float64:
		return strconv.ParseFloat(value, 64)
	}

	return nil, fmt.Errorf("unsupported default for %s", t)
}

func (tx *memTx) Update(_ context.Context, et *EntityType, entity any) error {
	t, err := tx.writable(et)
	if err != nil {
		return err
	}

	key := keyString(et.keyValues(entity))
	if _, ok := t.rows[key]; !ok {
		return fmt.Errorf("%w: %s %s", ErrKeyNotFound, et.name, key)
	}

	t.rows[key] = copyEntity(et, entity)
	return nil
}

func (tx *memTx) Delete(_ context.Context, et *EntityType, keys [][]any) error {
	t, err := tx.writable(et)
	if err != nil {
		return err
	}

	for _, k := range keys {
		key := keyString(k)
		if _, ok := t.rows[key]; !ok {
			return fmt.Errorf("%w: %s %s", ErrKeyNotFound, et.name, key)
		}

		delete(t.rows, key)
		for i, o := range t.order {
			if o == key {
				t.order = append(t.order[:i], t.order[i+1:]...)
				break
			}
		}
	}

	return nil
}

func (tx *memTx) Commit(_ context.Context) error {
	if tx.done {
		return ErrTransactionDone
	}
	tx.done = true

	if len(tx.dirty) == 0 {
		return nil
	}

	tx.d.mu.Lock()
	defer tx.d.mu.Unlock()

	for t := range tx.dirty {
		var current uint64
		if table, ok := tx.d.tables[t]; ok {
			current = table.version
		}

		if current != tx.base[t] {
			return fmt.Errorf("%w: %s was changed by another transaction", ErrConcurrencyConflict, t.Name())
		}
	}

	for t := range tx.dirty {
		table := tx.tables[t]
		table.version = tx.base[t] + 1
		tx.d.tables[t] = table
	}

	return nil
}

func (tx *memTx) Rollback(_ context.Context) error {
	tx.done = true
	return nil
}
