// Package docstore provides an entstore Driver backed by Cloud Firestore.
package docstore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"reflect"
	"slices"

	"cloud.google.com/go/firestore"
	"github.com/likearthian/entstore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var operators = map[entstore.Op]string{
	entstore.OpEq:    "==",
	entstore.OpNe:    "!=",
	entstore.OpGt:    ">",
	entstore.OpGe:    ">=",
	entstore.OpLt:    "<",
	entstore.OpLe:    "<=",
	entstore.OpIn:    "in",
	entstore.OpNotIn: "not-in",
}

// Connect opens a Firestore client for projectID.
func Connect(ctx context.Context, projectID string, opts ...option.ClientOption) (*firestore.Client, error) {
	client, err := firestore.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client. %w", err)
	}

	return client, nil
}

// Driver maps every entity type to the collection named by its table. The
// single string key of a type is the document ID; the other properties are
// stored under their element names.
type Driver struct {
	client *firestore.Client
}

func NewDriver(client *firestore.Client) (*Driver, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: client", entstore.ErrNilArgument)
	}

	return &Driver{client: client}, nil
}

func (d *Driver) Name() string { return "firestore" }

func (d *Driver) Close() error { return d.client.Close() }

// Begin returns a transaction that reads straight from the database and
// buffers writes until Commit, which applies them in one RunTransaction.
func (d *Driver) Begin(_ context.Context, opts entstore.TxOptions) (entstore.DriverTx, error) {
	return &transaction{d: d, readOnly: opts.ReadOnly}, nil
}

// Translatable accepts comparisons on non key properties and AND junctions of
// them. The session evaluates everything else in memory.
func (d *Driver) Translatable(et *entstore.EntityType, p entstore.Predicate) bool {
	switch p := p.(type) {
	case entstore.Condition:
		f, ok := et.Field(p.Field)
		if !ok || f.IsKey {
			return false
		}
		_, ok = operators[p.Op]
		return ok
	case entstore.Junction:
		if p.Logic != entstore.LogicAnd {
			return false
		}
		for _, sub := range p.Predicates {
			if !d.Translatable(et, sub) {
				return false
			}
		}
		return true
	}

	return false
}

func (d *Driver) collection(et *entstore.EntityType) *firestore.CollectionRef {
	return d.client.Collection(et.Table().Name)
}

func (d *Driver) query(et *entstore.EntityType, plan entstore.QueryPlan) (firestore.Query, error) {
	qry := d.collection(et).Query

	filters, err := entityFilters(et, plan.Filter)
	if err != nil {
		return qry, err
	}

	for _, f := range filters {
		qry = qry.WhereEntity(f)
	}

	for _, o := range plan.Orders {
		f, ok := et.Field(o.Field)
		if !ok {
			return qry, fmt.Errorf("cannot sort %s by unknown property %s", et.Name(), o.Field)
		}

		dir := firestore.Asc
		if o.Desc {
			dir = firestore.Desc
		}

		path := f.Element
		if f.IsKey {
			path = firestore.DocumentID
		}
		qry = qry.OrderBy(path, dir)
	}

	if plan.Offset > 0 {
		qry = qry.Offset(plan.Offset)
	}

	if plan.Limit > 0 {
		qry = qry.Limit(plan.Limit)
	}

	return qry, nil
}

func entityFilters(et *entstore.EntityType, p entstore.Predicate) ([]firestore.EntityFilter, error) {
	switch p := p.(type) {
	case nil:
		return nil, nil
	case entstore.Condition:
		f, ok := et.Field(p.Field)
		if !ok {
			return nil, fmt.Errorf("invalid filter key: %s", p.Field)
		}

		op, ok := operators[p.Op]
		if !ok || f.IsKey {
			break
		}

		return []firestore.EntityFilter{firestore.PropertyFilter{Path: f.Element, Operator: op, Value: filterValue(p)}}, nil
	case entstore.Junction:
		if p.Logic != entstore.LogicAnd {
			break
		}

		var filters []firestore.EntityFilter
		for _, sub := range p.Predicates {
			f, err := entityFilters(et, sub)
			if err != nil {
				return nil, err
			}
			filters = append(filters, f...)
		}
		return filters, nil
	}

	return nil, fmt.Errorf("%w: predicate %T cannot be translated to a firestore filter", entstore.ErrUnsupported, p)
}

func filterValue(c entstore.Condition) any {
	if c.Op != entstore.OpIn && c.Op != entstore.OpNotIn {
		return docValue(c.Value)
	}

	rv := reflect.ValueOf(c.Value)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return []any{docValue(c.Value)}
	}

	values := make([]any, rv.Len())
	for i := range values {
		values[i] = docValue(rv.Index(i).Interface())
	}

	return values
}

func docValue(v any) any {
	if valuer, ok := v.(driver.Valuer); ok {
		if isNilPointer(v) {
			return nil
		}

		dv, err := valuer.Value()
		if err == nil {
			return dv
		}
	}

	return v
}

func isNilPointer(v any) bool {
	rv := reflect.ValueOf(v)
	return rv.Kind() == reflect.Pointer && rv.IsNil()
}

func docKey(et *entstore.EntityType, key []any) (string, error) {
	if len(et.Keys()) != 1 || len(key) != 1 {
		return "", fmt.Errorf("%w: %s needs exactly one key property to be stored in firestore", entstore.ErrNoPrimaryKey, et.Name())
	}

	id, ok := docValue(key[0]).(string)
	if !ok {
		return "", fmt.Errorf("%w: document ID of %s must be a string, got %T", entstore.ErrInvalidEntity, et.Name(), key[0])
	}

	return id, nil
}

func encodeDocument(et *entstore.EntityType, entity any) map[string]any {
	data := make(map[string]any, len(et.Fields()))
	for _, f := range et.Fields() {
		if f.IsKey {
			continue
		}
		data[f.Element] = docValue(f.Get(entity))
	}

	return data
}

func decodeDocument(et *entstore.EntityType, snap *firestore.DocumentSnapshot) (any, error) {
	entity := et.New()
	data := snap.Data()
	for _, f := range et.Fields() {
		if !f.CanSet() {
			continue
		}

		var value any
		if f.IsKey {
			value = snap.Ref.ID
		} else {
			v, ok := data[f.Element]
			if !ok {
				continue
			}
			value = v
		}

		holder := reflect.New(f.Type)
		if scanner, ok := holder.Interface().(sql.Scanner); ok {
			if err := scanner.Scan(value); err != nil {
				return nil, fmt.Errorf("%s.%s: %w", et.Name(), f.Name, err)
			}
			value = holder.Elem().Interface()
		}

		if err := f.Set(entity, value); err != nil {
			return nil, fmt.Errorf("%s.%s: %w", et.Name(), f.Name, err)
		}
	}

	return entity, nil
}

func wrapFirestoreError(err error) error {
	switch status.Code(err) {
	case codes.OK:
		return err
	case codes.AlreadyExists:
		return fmt.Errorf("%w: %w", entstore.ErrKeyAlreadyExists, err)
	case codes.NotFound:
		return fmt.Errorf("%w: %w", entstore.ErrKeyNotFound, err)
	case codes.Aborted:
		return fmt.Errorf("%w: %w", entstore.ErrConcurrencyConflict, err)
	}

	return err
}

type writeKind int

const (
	writeCreate writeKind = iota
	writeReplace
	writeDelete
)

type write struct {
	kind writeKind
	ref  *firestore.DocumentRef
	data map[string]any
}

type transaction struct {
	d        *Driver
	readOnly bool
	writes   []write
	done     bool
}

func (tx *transaction) Select(ctx context.Context, et *entstore.EntityType, plan entstore.QueryPlan) ([]any, error) {
	qry, err := tx.d.query(et, plan)
	if err != nil {
		return nil, err
	}

	iter := qry.Documents(ctx)
	defer iter.Stop()

	var list []any
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}

		if err != nil {
			return nil, wrapFirestoreError(err)
		}

		entity, err := decodeDocument(et, snap)
		if err != nil {
			return nil, err
		}
		list = append(list, entity)
	}

	return list, nil
}

func (tx *transaction) Count(ctx context.Context, et *entstore.EntityType, filter entstore.Predicate) (int, error) {
	qry, err := tx.d.query(et, entstore.QueryPlan{Filter: filter})
	if err != nil {
		return 0, err
	}

	iter := qry.Select().Documents(ctx)
	defer iter.Stop()

	n := 0
	for {
		_, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return n, nil
		}

		if err != nil {
			return 0, wrapFirestoreError(err)
		}
		n++
	}
}

func (tx *transaction) Get(ctx context.Context, et *entstore.EntityType, key []any) (any, error) {
	id, err := docKey(et, key)
	if err != nil {
		return nil, err
	}

	snap, err := tx.d.collection(et).Doc(id).Get(ctx)
	if err != nil && status.Code(err) != codes.NotFound {
		return nil, wrapFirestoreError(err)
	}

	if !snap.Exists() {
		return nil, fmt.Errorf("%w: %s %s", entstore.ErrKeyNotFound, et.Name(), id)
	}

	return decodeDocument(et, snap)
}

func (tx *transaction) buffer(kind writeKind, ref *firestore.DocumentRef, data map[string]any) error {
	if tx.done {
		return entstore.ErrTransactionDone
	}

	if tx.readOnly {
		return fmt.Errorf("%w: write in a read only transaction", entstore.ErrUnsupported)
	}

	tx.writes = append(tx.writes, write{kind: kind, ref: ref, data: data})
	return nil
}

func (tx *transaction) Insert(_ context.Context, et *entstore.EntityType, entity any) error {
	var ref *firestore.DocumentRef
	key := slices.Collect(et.PrimaryKeyValues(entity))
	if len(key) == 1 && (key[0] == nil || reflect.ValueOf(key[0]).IsZero()) && et.Keys()[0].CanSet() {
		ref = tx.d.collection(et).NewDoc()
		if err := et.Keys()[0].Set(entity, ref.ID); err != nil {
			return err
		}
	} else {
		id, err := docKey(et, key)
		if err != nil {
			return err
		}
		ref = tx.d.collection(et).Doc(id)
	}

	return tx.buffer(writeCreate, ref, encodeDocument(et, entity))
}

func (tx *transaction) Update(_ context.Context, et *entstore.EntityType, entity any) error {
	id, err := docKey(et, slices.Collect(et.PrimaryKeyValues(entity)))
	if err != nil {
		return err
	}

	return tx.buffer(writeReplace, tx.d.collection(et).Doc(id), encodeDocument(et, entity))
}

func (tx *transaction) Delete(_ context.Context, et *entstore.EntityType, keys [][]any) error {
	for _, key := range keys {
		id, err := docKey(et, key)
		if err != nil {
			return err
		}

		if err := tx.buffer(writeDelete, tx.d.collection(et).Doc(id), nil); err != nil {
			return err
		}
	}

	return nil
}

// Commit applies the buffered writes. Replaced documents must exist; their
// reads run first since Firestore transactions forbid reads after writes.
func (tx *transaction) Commit(ctx context.Context) error {
	if tx.done {
		return entstore.ErrTransactionDone
	}
	tx.done = true

	if len(tx.writes) == 0 {
		return nil
	}

	err := tx.d.client.RunTransaction(ctx, func(ctx context.Context, ftx *firestore.Transaction) error {
		for _, w := range tx.writes {
			if w.kind != writeReplace {
				continue
			}

			if _, err := ftx.Get(w.ref); err != nil {
				return err
			}
		}

		for _, w := range tx.writes {
			var err error
			switch w.kind {
			case writeCreate:
				err = ftx.Create(w.ref, w.data)
			case writeReplace:
				err = ftx.Set(w.ref, w.data)
			case writeDelete:
				err = ftx.Delete(w.ref)
			}

			if err != nil {
				return err
			}
		}

		return nil
	})

	return wrapFirestoreError(err)
}

func (tx *transaction) Rollback(_ context.Context) error {
	tx.done = true
	tx.writes = nil
	return nil
}
