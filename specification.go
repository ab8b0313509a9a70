package entstore

import "context"

// Specification is a reusable query transformation. Build must be pure: it
// returns the same transformation every time it is called.
type Specification[T any, R any] interface {
	Build() func(q Query[T]) R
}

// AsyncSpecification is a specification whose result needs a store round
// trip to produce.
type AsyncSpecification[T any, R any] interface {
	Build() func(ctx context.Context, q Query[T]) (R, error)
}

type QuerySpecification[T any] interface {
	Specification[T, Query[T]]
}

type EnumerableSpecification[T any] interface {
	Specification[T, Enumerable[T]]
}

type SingleResultSpecification[T any] interface {
	AsyncSpecification[T, *T]
}

type ListResultSpecification[T any] interface {
	AsyncSpecification[T, []*T]
}

// SpecificationFunc adapts a plain function to Specification.
type SpecificationFunc[T any, R any] func(q Query[T]) R

func (f SpecificationFunc[T, R]) Build() func(q Query[T]) R {
	return f
}

// AsyncSpecificationFunc adapts a plain function to AsyncSpecification.
type AsyncSpecificationFunc[T any, R any] func(ctx context.Context, q Query[T]) (R, error)

func (f AsyncSpecificationFunc[T, R]) Build() func(ctx context.Context, q Query[T]) (R, error) {
	return f
}

func NewQuerySpecification[T any](fns ...QueryFunc[T]) QuerySpecification[T] {
	return SpecificationFunc[T, Query[T]](func(q Query[T]) Query[T] {
		return q.Apply(fns...)
	})
}

func NewEnumerableSpecification[T any](fns ...QueryFunc[T]) EnumerableSpecification[T] {
	return SpecificationFunc[T, Enumerable[T]](func(q Query[T]) Enumerable[T] {
		return q.Apply(fns...)
	})
}

// NewSingleResultSpecification refines the query with fns and returns its
// only result, or nil when there is none.
func NewSingleResultSpecification[T any](fns ...QueryFunc[T]) SingleResultSpecification[T] {
	return AsyncSpecificationFunc[T, *T](func(ctx context.Context, q Query[T]) (*T, error) {
		return q.Apply(fns...).SingleOrDefault(ctx)
	})
}

func NewListResultSpecification[T any](fns ...QueryFunc[T]) ListResultSpecification[T] {
	return AsyncSpecificationFunc[T, []*T](func(ctx context.Context, q Query[T]) ([]*T, error) {
		return q.Apply(fns...).ToList(ctx)
	})
}
