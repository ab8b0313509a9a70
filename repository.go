package entstore

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
)

// Repository gives access to the entities of T through a Session. Entities
// passed to Add are remembered as dirty until the next synchronization, which
// reloads them from the store so generated keys and defaults show up.
type Repository[T any] struct {
	session *Session
	et      *EntityType

	mu    sync.Mutex
	dirty []*T
}

// NewRepository fails with ErrEntityType when T is not registered in the
// session's model.
func NewRepository[T any](session *Session) (*Repository[T], error) {
	if session == nil {
		return nil, nilArgument("session")
	}

	et, err := EntityTypeOf[T](session.model)
	if err != nil {
		return nil, err
	}

	return &Repository[T]{session: session, et: et}, nil
}

func (r *Repository[T]) EntityType() *EntityType { return r.et }

func (r *Repository[T]) Session() *Session { return r.session }

// DirtyEntities returns the entities waiting for synchronization, in the
// order they were added.
func (r *Repository[T]) DirtyEntities() []*T {
	r.mu.Lock()
	defer r.mu.Unlock()

	return slices.Clone(r.dirty)
}

func (r *Repository[T]) track(entity *T) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !slices.Contains(r.dirty, entity) {
		r.dirty = append(r.dirty, entity)
	}
}

func (r *Repository[T]) untrack(entity *T) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.dirty = slices.DeleteFunc(r.dirty, func(e *T) bool { return e == entity })
}

// Add stages entity for insertion and tracks it for synchronization.
func (r *Repository[T]) Add(entity *T) error {
	if entity == nil {
		return nilArgument("entity")
	}

	if err := r.session.stage(r.et, entity, StateAdded); err != nil {
		return err
	}

	r.track(entity)
	return nil
}

func (r *Repository[T]) AddRange(entities ...*T) error {
	for _, entity := range entities {
		if entity == nil {
			return nilArgument("entity")
		}
	}

	for _, entity := range entities {
		if err := r.Add(entity); err != nil {
			return err
		}
	}

	return nil
}

// Delete stages entity for removal.
func (r *Repository[T]) Delete(entity *T) error {
	if entity == nil {
		return nilArgument("entity")
	}

	if err := r.session.stage(r.et, entity, StateDeleted); err != nil {
		return err
	}

	if r.session.State(entity) == StateDetached {
		r.untrack(entity)
	}

	return nil
}

// DeleteWhere stages every entity matching p for removal.
func (r *Repository[T]) DeleteWhere(ctx context.Context, p Predicate) error {
	if p == nil {
		return nilArgument("predicate")
	}

	return r.deleteAll(ctx, r.All().Where(p))
}

func (r *Repository[T]) DeleteSpec(ctx context.Context, spec QuerySpecification[T]) error {
	if spec == nil {
		return nilArgument("specification")
	}

	return r.deleteAll(ctx, spec.Build()(r.All()))
}

func (r *Repository[T]) deleteAll(ctx context.Context, q Query[T]) error {
	list, err := q.ToList(ctx)
	if err != nil {
		return err
	}

	for _, entity := range list {
		if err := r.Delete(entity); err != nil {
			return err
		}
	}

	return nil
}

// All returns a query over every entity of T.
func (r *Repository[T]) All() Query[T] {
	return newQuery[T](r.session, r.et)
}

// Find returns a lazy query over the entities matching p.
func (r *Repository[T]) Find(p Predicate) (Query[T], error) {
	if p == nil {
		return Query[T]{}, nilArgument("predicate")
	}

	return r.All().Where(p), nil
}

// Query applies spec to the entities of T.
func (r *Repository[T]) Query(spec QuerySpecification[T]) (Query[T], error) {
	if spec == nil {
		return Query[T]{}, nilArgument("specification")
	}

	return spec.Build()(r.All()), nil
}

func (r *Repository[T]) FindSpec(spec EnumerableSpecification[T]) (Enumerable[T], error) {
	if spec == nil {
		return nil, nilArgument("specification")
	}

	return spec.Build()(r.All()), nil
}

func (r *Repository[T]) FindList(ctx context.Context, spec ListResultSpecification[T]) ([]*T, error) {
	if spec == nil {
		return nil, nilArgument("specification")
	}

	return spec.Build()(ctx, r.All())
}

// Get returns the entity with the given key values, or nil.
func (r *Repository[T]) Get(ctx context.Context, key ...any) (*T, error) {
	found, err := r.session.Find(ctx, r.et, key...)
	if err != nil || found == nil {
		return nil, err
	}

	return found.(*T), nil
}

func (r *Repository[T]) Contains(ctx context.Context, p Predicate) (bool, error) {
	q, err := r.Find(p)
	if err != nil {
		return false, err
	}

	return q.Any(ctx)
}

func (r *Repository[T]) ContainsSpec(ctx context.Context, spec QuerySpecification[T]) (bool, error) {
	q, err := r.Query(spec)
	if err != nil {
		return false, err
	}

	return q.Any(ctx)
}

func (r *Repository[T]) Count(ctx context.Context, p Predicate) (int, error) {
	q, err := r.Find(p)
	if err != nil {
		return 0, err
	}

	return q.Count(ctx)
}

func (r *Repository[T]) CountSpec(ctx context.Context, spec QuerySpecification[T]) (int, error) {
	q, err := r.Query(spec)
	if err != nil {
		return 0, err
	}

	return q.Count(ctx)
}

// Single fails with ErrNoElements or ErrMoreThanOneElement unless exactly one
// entity matches p.
func (r *Repository[T]) Single(ctx context.Context, p Predicate) (*T, error) {
	q, err := r.Find(p)
	if err != nil {
		return nil, err
	}

	return q.Single(ctx)
}

// SingleOrDefault returns nil when nothing matches p.
func (r *Repository[T]) SingleOrDefault(ctx context.Context, p Predicate) (*T, error) {
	q, err := r.Find(p)
	if err != nil {
		return nil, err
	}

	return q.SingleOrDefault(ctx)
}

func (r *Repository[T]) First(ctx context.Context, p Predicate) (*T, error) {
	q, err := r.Find(p)
	if err != nil {
		return nil, err
	}

	return q.First(ctx)
}

func (r *Repository[T]) FirstOrDefault(ctx context.Context, p Predicate) (*T, error) {
	q, err := r.Find(p)
	if err != nil {
		return nil, err
	}

	return q.FirstOrDefault(ctx)
}

func (r *Repository[T]) SingleSpec(ctx context.Context, spec SingleResultSpecification[T]) (*T, error) {
	if spec == nil {
		return nil, nilArgument("specification")
	}

	return spec.Build()(ctx, r.All())
}

func (r *Repository[T]) findStored(ctx context.Context, entity *T) (*T, error) {
	if len(r.et.keys) == 0 {
		return nil, nil
	}

	return r.Get(ctx, r.et.keyValues(entity)...)
}

// TryAddOrUpdate looks up the stored entity with the key of entity. When it
// exists, the persisted properties of entity except ignore are copied onto
// it, it is staged for update and returned. Otherwise entity is added and
// returned.
func (r *Repository[T]) TryAddOrUpdate(ctx context.Context, entity *T, ignore ...string) (*T, error) {
	if entity == nil {
		return nil, nilArgument("entity")
	}

	stored, err := r.findStored(ctx, entity)
	if err != nil {
		return nil, err
	}

	if stored == nil {
		return entity, r.Add(entity)
	}

	if err := r.copyAndStage(entity, stored, ignore); err != nil {
		return nil, err
	}

	return stored, nil
}

// Update copies entity onto the stored entity with the same key and stages
// the update. Nothing happens when no stored entity has that key; Update
// never inserts.
func (r *Repository[T]) Update(ctx context.Context, entity *T) error {
	if entity == nil {
		return nilArgument("entity")
	}

	if len(r.et.keys) == 0 {
		return fmt.Errorf("%w: %s", ErrNoPrimaryKey, r.et.name)
	}

	stored, err := r.findStored(ctx, entity)
	if err != nil {
		return err
	}

	if stored == nil {
		r.session.logger.Debug("update skipped, no stored entity",
			slog.String("entity", r.et.name),
			slog.String("key", keyString(r.et.keyValues(entity))))
		return nil
	}

	return r.copyAndStage(entity, stored, nil)
}

func (r *Repository[T]) copyAndStage(src, stored *T, ignore []string) error {
	if src != stored {
		if err := r.et.CopyPersistedProperties(src, stored, ignore...); err != nil {
			return err
		}
	}

	return r.session.stage(r.et, stored, StateModified)
}

func (r *Repository[T]) BeginTransaction(ctx context.Context, options ...TxOption) (Transaction, error) {
	return r.session.BeginTransaction(ctx, options...)
}

// SaveChanges saves the session and synchronizes the dirty entities.
func (r *Repository[T]) SaveChanges(ctx context.Context) error {
	if err := r.session.SaveChanges(ctx); err != nil {
		return err
	}

	return r.SynchronizeEntities(ctx)
}

// SynchronizeEntity reloads entity from its stored copy.
func (r *Repository[T]) SynchronizeEntity(ctx context.Context, entity *T) error {
	if entity == nil {
		return nilArgument("entity")
	}

	return r.session.Reload(ctx, entity)
}

// SynchronizeEntities reloads every dirty entity and clears the dirty list.
// Entities that failed to reload stay dirty.
func (r *Repository[T]) SynchronizeEntities(ctx context.Context) error {
	list := r.DirtyEntities()
	done := 0
	var err error
	for _, entity := range list {
		if err = r.SynchronizeEntity(ctx, entity); err != nil {
			break
		}
		done++
	}

	r.mu.Lock()
	synced := list[:done]
	r.dirty = slices.DeleteFunc(r.dirty, func(e *T) bool { return slices.Contains(synced, e) })
	r.mu.Unlock()

	r.session.metrics.observeSynchronized(done)
	return err
}
