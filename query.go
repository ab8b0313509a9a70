package entstore

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"strings"
)

type querySource interface {
	query(ctx context.Context, et *EntityType, plan QueryPlan) ([]any, error)
	count(ctx context.Context, et *EntityType, plan QueryPlan) (int, error)
}

// Query is an immutable, lazily executed view over the entities of T. Every
// builder method returns a new Query; nothing touches the store until a
// terminal method runs. Filters apply before paging regardless of call order.
type Query[T any] struct {
	src  querySource
	et   *EntityType
	plan QueryPlan
}

func newQuery[T any](src querySource, et *EntityType) Query[T] {
	return Query[T]{src: src, et: et}
}

// Plan returns the query plan built so far.
func (q Query[T]) Plan() QueryPlan {
	return q.plan
}

func (q Query[T]) clone() Query[T] {
	plan := q.plan
	plan.Orders = append([]Order(nil), q.plan.Orders...)
	plan.Includes = append([]string(nil), q.plan.Includes...)
	return Query[T]{src: q.src, et: q.et, plan: plan}
}

// Where narrows the query. Successive calls are AND-combined.
func (q Query[T]) Where(p Predicate) Query[T] {
	n := q.clone()
	n.plan.Filter = And(q.plan.Filter, p)
	return n
}

// OrderBy appends an ascending sort key.
func (q Query[T]) OrderBy(field string) Query[T] {
	n := q.clone()
	n.plan.Orders = append(n.plan.Orders, Order{Field: field})
	return n
}

func (q Query[T]) OrderByDescending(field string) Query[T] {
	n := q.clone()
	n.plan.Orders = append(n.plan.Orders, Order{Field: field, Desc: true})
	return n
}

// SortBy appends sort keys written as "name", "+name" or "-name".
func (q Query[T]) SortBy(sorter ...string) Query[T] {
	n := q.clone()
	for _, s := range sorter {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}

		desc := false
		if s[:1] == "-" || s[:1] == "+" {
			desc = s[:1] == "-"
			s = s[1:]
		}

		n.plan.Orders = append(n.plan.Orders, Order{Field: s, Desc: desc})
	}

	return n
}

func (q Query[T]) Skip(n int) Query[T] {
	c := q.clone()
	if n < 0 {
		n = 0
	}
	c.plan.Offset = n
	return c
}

func (q Query[T]) Take(n int) Query[T] {
	c := q.clone()
	if n < 0 {
		n = 0
	}
	c.plan.Limit = n
	return c
}

// Include loads the navigation named by path along with the results. Dotted
// paths ("Orders.Lines") load nested navigations.
func (q Query[T]) Include(path string) Query[T] {
	c := q.clone()
	if path != "" && !slices.Contains(c.plan.Includes, path) {
		c.plan.Includes = append(c.plan.Includes, path)
	}
	return c
}

// Apply runs fns over the query in order.
func (q Query[T]) Apply(fns ...QueryFunc[T]) Query[T] {
	for _, fn := range fns {
		if fn != nil {
			q = fn(q)
		}
	}

	return q
}

func (q Query[T]) fetch(ctx context.Context, plan QueryPlan) ([]*T, error) {
	if q.src == nil || q.et == nil {
		return nil, fmt.Errorf("%w: query is not bound to a session", ErrNilArgument)
	}

	rows, err := q.src.query(ctx, q.et, plan)
	if err != nil {
		return nil, err
	}

	return Map(rows, func(row any) *T { return row.(*T) }), nil
}

func (q Query[T]) ToList(ctx context.Context) ([]*T, error) {
	return q.fetch(ctx, q.plan)
}

// All returns the results as a sequence. The query runs when the sequence is
// first iterated; an error is yielded once and ends the sequence.
func (q Query[T]) All(ctx context.Context) iter.Seq2[*T, error] {
	return func(yield func(*T, error) bool) {
		list, err := q.fetch(ctx, q.plan)
		if err != nil {
			yield(nil, err)
			return
		}

		for _, item := range list {
			if !yield(item, nil) {
				return
			}
		}
	}
}

func (q Query[T]) Count(ctx context.Context) (int, error) {
	if q.src == nil || q.et == nil {
		return 0, fmt.Errorf("%w: query is not bound to a session", ErrNilArgument)
	}

	return q.src.count(ctx, q.et, q.plan)
}

func (q Query[T]) Any(ctx context.Context) (bool, error) {
	list, err := q.fetch(ctx, q.limited(1))
	if err != nil {
		return false, err
	}

	return len(list) > 0, nil
}

// Single returns the only result. It fails with ErrNoElements when there is
// none and ErrMoreThanOneElement when there are several.
func (q Query[T]) Single(ctx context.Context) (*T, error) {
	item, err := q.SingleOrDefault(ctx)
	if err != nil {
		return nil, err
	}

	if item == nil {
		return nil, ErrNoElements
	}

	return item, nil
}

// SingleOrDefault returns nil when there is no result and fails with
// ErrMoreThanOneElement when there are several.
func (q Query[T]) SingleOrDefault(ctx context.Context) (*T, error) {
	list, err := q.fetch(ctx, q.limited(2))
	if err != nil {
		return nil, err
	}

	switch len(list) {
	case 0:
		return nil, nil
	case 1:
		return list[0], nil
	}

	return nil, ErrMoreThanOneElement
}

func (q Query[T]) First(ctx context.Context) (*T, error) {
	item, err := q.FirstOrDefault(ctx)
	if err != nil {
		return nil, err
	}

	if item == nil {
		return nil, ErrNoElements
	}

	return item, nil
}

func (q Query[T]) FirstOrDefault(ctx context.Context) (*T, error) {
	list, err := q.fetch(ctx, q.limited(1))
	if err != nil || len(list) == 0 {
		return nil, err
	}

	return list[0], nil
}

func (q Query[T]) limited(n int) QueryPlan {
	plan := q.clone().plan
	if plan.Limit == 0 || plan.Limit > n {
		plan.Limit = n
	}

	return plan
}

// Enumerable is a materializable sequence of entities.
type Enumerable[T any] interface {
	All(ctx context.Context) iter.Seq2[*T, error]
	ToList(ctx context.Context) ([]*T, error)
}

type sliceEnumerable[T any] []*T

// Enumerate wraps an in-memory list as an Enumerable.
func Enumerate[T any](list []*T) Enumerable[T] {
	return sliceEnumerable[T](list)
}

func (s sliceEnumerable[T]) All(_ context.Context) iter.Seq2[*T, error] {
	return func(yield func(*T, error) bool) {
		for _, item := range s {
			if !yield(item, nil) {
				return
			}
		}
	}
}

func (s sliceEnumerable[T]) ToList(_ context.Context) ([]*T, error) {
	return append([]*T(nil), s...), nil
}

// QueryFunc is one composable query refinement.
type QueryFunc[T any] func(q Query[T]) Query[T]

func Where[T any](p Predicate) QueryFunc[T] {
	return func(q Query[T]) Query[T] { return q.Where(p) }
}

func Include[T any](path string) QueryFunc[T] {
	return func(q Query[T]) Query[T] { return q.Include(path) }
}

func OrderBy[T any](field string) QueryFunc[T] {
	return func(q Query[T]) Query[T] { return q.OrderBy(field) }
}

// ApplyIf returns fn when cond holds and the identity otherwise.
func ApplyIf[T any](cond bool, fn QueryFunc[T]) QueryFunc[T] {
	if !cond || fn == nil {
		return func(q Query[T]) Query[T] { return q }
	}

	return fn
}
