package entstore

import "context"

// Driver opens transactions against one storage engine.
type Driver interface {
	Name() string
	Begin(ctx context.Context, opts TxOptions) (DriverTx, error)
	Close() error
}

// DriverTx executes query plans and writes inside one store transaction.
// Entities handed in and returned are pointers produced by EntityType.New.
type DriverTx interface {
	Select(ctx context.Context, et *EntityType, plan QueryPlan) ([]any, error)
	Count(ctx context.Context, et *EntityType, filter Predicate) (int, error)
	// Get returns ErrKeyNotFound when no row has the key.
	Get(ctx context.Context, et *EntityType, key []any) (any, error)
	// Insert writes entity and sets store generated keys on it.
	Insert(ctx context.Context, et *EntityType, entity any) error
	Update(ctx context.Context, et *EntityType, entity any) error
	Delete(ctx context.Context, et *EntityType, keys [][]any) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// PredicateTranslator is implemented by drivers that can only push down part
// of the predicate language. Drivers that don't implement it are assumed to
// translate every condition, junction and negation.
type PredicateTranslator interface {
	Translatable(et *EntityType, p Predicate) bool
}

// Order is one sort key of a query plan.
type Order struct {
	Field string
	Desc  bool
}

// QueryPlan is what a Query hands to the session. Limit 0 means no limit.
type QueryPlan struct {
	Filter   Predicate
	Orders   []Order
	Offset   int
	Limit    int
	Includes []string
}

func (p QueryPlan) paged() bool {
	return p.Offset > 0 || p.Limit > 0
}

// Transaction is an open store transaction.
type Transaction interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}
