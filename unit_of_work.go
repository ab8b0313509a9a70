package entstore

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
)

type synchronizer interface {
	SynchronizeEntities(ctx context.Context) error
}

type repositoryEntry struct {
	once sync.Once
	repo any
	err  error
}

// UnitOfWork hands out one Repository per entity type over a shared Session
// and saves them together.
type UnitOfWork struct {
	session *Session

	repos sync.Map

	mu        sync.Mutex
	order     []synchronizer
	factories map[reflect.Type]any
	closed    bool
}

type UnitOfWorkOption func(uow *UnitOfWork)

// WithRepositoryFactory makes GetRepository[T] build its repository with fn.
func WithRepositoryFactory[T any](fn func(s *Session) (*Repository[T], error)) UnitOfWorkOption {
	return func(uow *UnitOfWork) {
		uow.factories[reflect.TypeOf((*T)(nil)).Elem()] = fn
	}
}

func NewUnitOfWork(session *Session, options ...UnitOfWorkOption) (*UnitOfWork, error) {
	if session == nil {
		return nil, nilArgument("session")
	}

	uow := &UnitOfWork{
		session:   session,
		factories: make(map[reflect.Type]any),
	}

	for _, op := range options {
		op(uow)
	}

	return uow, nil
}

// RegisterRepositoryFactory sets the constructor of the repository for T. It
// fails once the repository for T has been created.
func RegisterRepositoryFactory[T any](uow *UnitOfWork, fn func(s *Session) (*Repository[T], error)) error {
	if uow == nil {
		return nilArgument("unit of work")
	}

	if fn == nil {
		return nilArgument("factory")
	}

	t := reflect.TypeOf((*T)(nil)).Elem()
	if _, ok := uow.repos.Load(t); ok {
		return fmt.Errorf("repository for %s is already created", t)
	}

	uow.mu.Lock()
	defer uow.mu.Unlock()

	uow.factories[t] = fn
	return nil
}

func (uow *UnitOfWork) Session() *Session { return uow.session }

func (uow *UnitOfWork) isClosed() bool {
	uow.mu.Lock()
	defer uow.mu.Unlock()

	return uow.closed
}

func (uow *UnitOfWork) factory(t reflect.Type) any {
	uow.mu.Lock()
	defer uow.mu.Unlock()

	return uow.factories[t]
}

// GetRepository returns the repository for T, creating it on first use.
// Concurrent first calls construct it once.
func GetRepository[T any](uow *UnitOfWork) (*Repository[T], error) {
	if uow == nil {
		return nil, nilArgument("unit of work")
	}

	if uow.isClosed() {
		return nil, ErrSessionClosed
	}

	t := reflect.TypeOf((*T)(nil)).Elem()
	v, _ := uow.repos.LoadOrStore(t, &repositoryEntry{})
	entry := v.(*repositoryEntry)

	entry.once.Do(func() {
		var repo *Repository[T]
		var err error
		if fn, ok := uow.factory(t).(func(s *Session) (*Repository[T], error)); ok {
			repo, err = fn(uow.session)
		} else {
			repo, err = NewRepository[T](uow.session)
		}

		if err == nil && repo == nil {
			err = fmt.Errorf("repository factory for %s returned nil", t)
		}

		entry.repo, entry.err = repo, err
		if err != nil {
			uow.repos.CompareAndDelete(t, entry)
			return
		}

		uow.mu.Lock()
		uow.order = append(uow.order, repo)
		uow.mu.Unlock()
	})

	if entry.err != nil {
		return nil, entry.err
	}

	return entry.repo.(*Repository[T]), nil
}

// SaveChanges saves the session, then synchronizes every repository created
// so far in creation order.
func (uow *UnitOfWork) SaveChanges(ctx context.Context) error {
	if uow.isClosed() {
		return ErrSessionClosed
	}

	if err := uow.session.SaveChanges(ctx); err != nil {
		return err
	}

	uow.mu.Lock()
	repos := append([]synchronizer(nil), uow.order...)
	uow.mu.Unlock()

	var errs []error
	for _, repo := range repos {
		if err := repo.SynchronizeEntities(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (uow *UnitOfWork) BeginTransaction(ctx context.Context, options ...TxOption) (Transaction, error) {
	if uow.isClosed() {
		return nil, ErrSessionClosed
	}

	return uow.session.BeginTransaction(ctx, options...)
}

// Close rolls back an open transaction, drops the cached repositories and
// closes the session.
func (uow *UnitOfWork) Close() error {
	uow.mu.Lock()
	if uow.closed {
		uow.mu.Unlock()
		return nil
	}

	uow.closed = true
	uow.order = nil
	uow.mu.Unlock()

	uow.repos.Clear()
	return uow.session.Close()
}
