package entstore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"reflect"
	"regexp"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	mongoOptions "go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"
)

var objectIDType = reflect.TypeOf(primitive.ObjectID{})

type MongoOption func(o *mongoOption)

type mongoOption struct {
	counters string
}

// WithCounterCollection names the collection holding integer key sequences.
func WithCounterCollection(name string) MongoOption {
	return func(o *mongoOption) {
		o.counters = name
	}
}

// MongoDriver stores each entity type in the collection named by its table.
// Properties map to document elements by their bson tag or lower cased name.
// Writes run in multi document transactions, which need a replica set.
type MongoDriver struct {
	db       *mongo.Database
	counters string
}

func NewMongoDriver(db *mongo.Database, options ...MongoOption) (*MongoDriver, error) {
	if db == nil {
		return nil, nilArgument("db")
	}

	opt := &mongoOption{counters: "counters"}
	for _, op := range options {
		op(opt)
	}

	return &MongoDriver{db: db, counters: opt.counters}, nil
}

func (m *MongoDriver) Name() string { return "mongo" }

func (m *MongoDriver) Close() error {
	return m.db.Client().Disconnect(context.Background())
}

// Begin starts a session. Read only sessions run without a transaction;
// others start one with majority write concern and a read concern derived
// from the isolation level.
func (m *MongoDriver) Begin(_ context.Context, opts TxOptions) (DriverTx, error) {
	session, err := m.db.Client().StartSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create mongodb session. %w", err)
	}

	tx := &mongoTransaction{m: m, session: session}
	if opts.ReadOnly {
		return tx, nil
	}

	rc := readconcern.Snapshot()
	switch opts.Isolation {
	case sql.LevelReadUncommitted:
		rc = readconcern.Local()
	case sql.LevelReadCommitted:
		rc = readconcern.Majority()
	}

	txnOpts := mongoOptions.Transaction().SetWriteConcern(writeconcern.Majority()).SetReadConcern(rc)
	if err := session.StartTransaction(txnOpts); err != nil {
		session.EndSession(context.Background())
		return nil, wrapMongoError(err)
	}

	tx.inTxn = true
	return tx, nil
}

func (m *MongoDriver) collection(et *EntityType) *mongo.Collection {
	return m.db.Collection(et.Table().Name)
}

// CompileFilter renders p as a bson filter document.
func (m *MongoDriver) CompileFilter(et *EntityType, p Predicate) (bson.D, error) {
	switch p := p.(type) {
	case nil:
		return bson.D{}, nil
	case Condition:
		return compileMongoCondition(et, p)
	case Junction:
		list := bson.A{}
		for _, sub := range p.Predicates {
			f, err := m.CompileFilter(et, sub)
			if err != nil {
				return nil, err
			}
			list = append(list, f)
		}

		op := "$and"
		if p.Logic == LogicOr {
			op = "$or"
		}
		return bson.D{{Key: op, Value: list}}, nil
	case Negation:
		f, err := m.CompileFilter(et, p.Predicate)
		if err != nil {
			return nil, err
		}
		return bson.D{{Key: "$nor", Value: bson.A{f}}}, nil
	}

	return nil, fmt.Errorf("%w: predicate %T cannot be compiled to a mongo filter", ErrUnsupported, p)
}

func compileMongoCondition(et *EntityType, c Condition) (bson.D, error) {
	f, ok := et.Field(c.Field)
	if !ok {
		return nil, fmt.Errorf("%s has no property %s", et.name, c.Field)
	}

	el := f.Element
	cmp := func(op string, v any) bson.D {
		return bson.D{{Key: el, Value: bson.M{op: v}}}
	}

	switch c.Op {
	case OpEq:
		return bson.D{{Key: el, Value: docValue(c.Value)}}, nil
	case OpNe:
		return cmp("$ne", docValue(c.Value)), nil
	case OpGt:
		return cmp("$gt", docValue(c.Value)), nil
	case OpGe:
		return cmp("$gte", docValue(c.Value)), nil
	case OpLt:
		return cmp("$lt", docValue(c.Value)), nil
	case OpLe:
		return cmp("$lte", docValue(c.Value)), nil
	case OpIn, OpNotIn:
		rv := reflect.ValueOf(c.Value)
		if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
			return nil, fmt.Errorf("expecting slice as values for %s, got %T", c.Field, c.Value)
		}

		values := make(bson.A, rv.Len())
		for i := range values {
			values[i] = docValue(rv.Index(i).Interface())
		}

		if c.Op == OpIn {
			return cmp("$in", values), nil
		}
		return cmp("$nin", values), nil
	case OpContains:
		return cmp("$regex", regexp.QuoteMeta(fmt.Sprint(c.Value))), nil
	case OpPrefix:
		return cmp("$regex", "^"+regexp.QuoteMeta(fmt.Sprint(c.Value))), nil
	case OpIsNull:
		return bson.D{{Key: el, Value: nil}}, nil
	case OpNotNull:
		return cmp("$ne", nil), nil
	}

	return nil, fmt.Errorf("unknown operator %q", c.Op)
}

func docValue(v any) any {
	if _, ok := v.(driver.Valuer); ok {
		return unwrapValue(v)
	}

	return v
}

func encodeDocument(et *EntityType, entity any) bson.D {
	doc := make(bson.D, 0, len(et.fields))
	for _, f := range et.fields {
		doc = append(doc, bson.E{Key: f.Element, Value: docValue(f.Get(entity))})
	}

	return doc
}

func decodeDocument(et *EntityType, raw bson.Raw) (any, error) {
	entity := et.New()
	for _, f := range et.fields {
		if !f.CanSet() {
			continue
		}

		rv, err := raw.LookupErr(f.Element)
		if err != nil {
			continue
		}

		holder := reflect.New(f.Type)
		if scanner, ok := holder.Interface().(sql.Scanner); ok {
			var v any
			if err := rv.Unmarshal(&v); err != nil {
				return nil, err
			}

			switch x := v.(type) {
			case primitive.DateTime:
				v = x.Time()
			case int32:
				v = int64(x)
			}

			if err := scanner.Scan(v); err != nil {
				return nil, fmt.Errorf("%s.%s: %w", et.name, f.Name, err)
			}
		} else if err := rv.Unmarshal(holder.Interface()); err != nil {
			return nil, fmt.Errorf("%s.%s: %w", et.name, f.Name, err)
		}

		if err := f.Set(entity, holder.Elem().Interface()); err != nil {
			return nil, err
		}
	}

	return entity, nil
}

func keyFilter(et *EntityType, key []any) bson.D {
	filter := make(bson.D, len(et.keys))
	for i, f := range et.keys {
		filter[i] = bson.E{Key: f.Element, Value: docValue(key[i])}
	}

	return filter
}

func wrapMongoError(err error) error {
	if err == nil {
		return nil
	}

	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%w: %w", ErrKeyAlreadyExists, err)
	}

	if errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("%w: %w", ErrKeyNotFound, err)
	}

	var se mongo.ServerError
	if errors.As(err, &se) && se.HasErrorLabel("TransientTransactionError") {
		return fmt.Errorf("%w: %w", ErrConcurrencyConflict, err)
	}

	return err
}

type mongoTransaction struct {
	m       *MongoDriver
	session mongo.Session
	inTxn   bool
}

func (tx *mongoTransaction) sctx(ctx context.Context) context.Context {
	return mongo.NewSessionContext(ctx, tx.session)
}

func (tx *mongoTransaction) Select(ctx context.Context, et *EntityType, plan QueryPlan) ([]any, error) {
	filter, err := tx.m.CompileFilter(et, plan.Filter)
	if err != nil {
		return nil, err
	}

	opts := mongoOptions.Find()
	if len(plan.Orders) > 0 {
		sort := bson.D{}
		for _, o := range plan.Orders {
			f, ok := et.Field(o.Field)
			if !ok {
				return nil, fmt.Errorf("cannot sort %s by unknown property %s", et.name, o.Field)
			}

			dir := 1
			if o.Desc {
				dir = -1
			}
			sort = append(sort, bson.E{Key: f.Element, Value: dir})
		}
		opts.SetSort(sort)
	}

	if plan.Offset > 0 {
		opts.SetSkip(int64(plan.Offset))
	}

	if plan.Limit > 0 {
		opts.SetLimit(int64(plan.Limit))
	}

	sctx := tx.sctx(ctx)
	cur, err := tx.m.collection(et).Find(sctx, filter, opts)
	if err != nil {
		return nil, wrapMongoError(err)
	}
	defer cur.Close(sctx)

	var list []any
	for cur.Next(sctx) {
		entity, err := decodeDocument(et, cur.Current)
		if err != nil {
			return nil, err
		}
		list = append(list, entity)
	}

	return list, wrapMongoError(cur.Err())
}

func (tx *mongoTransaction) Count(ctx context.Context, et *EntityType, filter Predicate) (int, error) {
	f, err := tx.m.CompileFilter(et, filter)
	if err != nil {
		return 0, err
	}

	n, err := tx.m.collection(et).CountDocuments(tx.sctx(ctx), f)
	if err != nil {
		return 0, wrapMongoError(err)
	}

	return int(n), nil
}

func (tx *mongoTransaction) Get(ctx context.Context, et *EntityType, key []any) (any, error) {
	raw, err := tx.m.collection(et).FindOne(tx.sctx(ctx), keyFilter(et, key)).Raw()
	if err != nil {
		return nil, wrapMongoError(err)
	}

	return decodeDocument(et, raw)
}

func (tx *mongoTransaction) nextSequence(ctx context.Context, et *EntityType) (int64, error) {
	var counter struct {
		Seq int64 `bson:"seq"`
	}

	opts := mongoOptions.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(mongoOptions.After)
	err := tx.m.db.Collection(tx.m.counters).FindOneAndUpdate(ctx,
		bson.D{{Key: "_id", Value: et.Table().Name}},
		bson.D{{Key: "$inc", Value: bson.D{{Key: "seq", Value: int64(1)}}}},
		opts).Decode(&counter)
	if err != nil {
		return 0, wrapMongoError(err)
	}

	return counter.Seq, nil
}

func (tx *mongoTransaction) Insert(ctx context.Context, et *EntityType, entity any) error {
	sctx := tx.sctx(ctx)
	if auto := et.AutoKey(); auto != nil && auto.IsZero(entity) {
		switch {
		case auto.Type == objectIDType:
			if err := auto.Set(entity, primitive.NewObjectID()); err != nil {
				return err
			}
		case isIntKind(auto.Type.Kind()) || isUintKind(auto.Type.Kind()):
			seq, err := tx.nextSequence(sctx, et)
			if err != nil {
				return err
			}

			if err := auto.Set(entity, seq); err != nil {
				return err
			}
		}
	}

	_, err := tx.m.collection(et).InsertOne(sctx, encodeDocument(et, entity))
	return wrapMongoError(err)
}

func (tx *mongoTransaction) Update(ctx context.Context, et *EntityType, entity any) error {
	up, err := tx.m.collection(et).ReplaceOne(tx.sctx(ctx), keyFilter(et, et.keyValues(entity)), encodeDocument(et, entity))
	if err != nil {
		return wrapMongoError(err)
	}

	if up.MatchedCount == 0 {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, et.name)
	}

	return nil
}

func (tx *mongoTransaction) Delete(ctx context.Context, et *EntityType, keys [][]any) error {
	var filter bson.D
	if len(et.keys) == 1 {
		values := Map(keys, func(k []any) any { return docValue(k[0]) })
		filter = bson.D{{Key: et.keys[0].Element, Value: bson.M{"$in": values}}}
	} else {
		or := bson.A{}
		for _, k := range keys {
			or = append(or, keyFilter(et, k))
		}
		filter = bson.D{{Key: "$or", Value: or}}
	}

	_, err := tx.m.collection(et).DeleteMany(tx.sctx(ctx), filter)
	return wrapMongoError(err)
}

func (tx *mongoTransaction) Commit(ctx context.Context) error {
	defer tx.session.EndSession(ctx)
	if !tx.inTxn {
		return nil
	}

	return wrapMongoError(tx.session.CommitTransaction(ctx))
}

func (tx *mongoTransaction) Rollback(ctx context.Context) error {
	defer tx.session.EndSession(ctx)
	if !tx.inTxn {
		return nil
	}

	tx.inTxn = false
	return wrapMongoError(tx.session.AbortTransaction(ctx))
}
