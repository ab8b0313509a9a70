package entstore

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestUnitOfWork(t *testing.T, options ...UnitOfWorkOption) *UnitOfWork {
	t.Helper()

	uow, err := NewUnitOfWork(newTestSession(t), options...)
	require.NoError(t, err)
	t.Cleanup(func() { uow.Close() })

	return uow
}

func TestGetRepository_ReferenceStable(t *testing.T) {
	uow := newTestUnitOfWork(t)

	a, err := GetRepository[customer](uow)
	require.NoError(t, err)
	b, err := GetRepository[customer](uow)
	require.NoError(t, err)
	assert.Same(t, a, b)

	o, err := GetRepository[order](uow)
	require.NoError(t, err)
	assert.Same(t, uow.Session(), o.Session())
}

func TestGetRepository_ConcurrentFirstAccess(t *testing.T) {
	var built atomic.Int32
	uow := newTestUnitOfWork(t, WithRepositoryFactory(func(s *Session) (*Repository[customer], error) {
		built.Add(1)
		return NewRepository[customer](s)
	}))

	const workers = 32
	repos := make([]*Repository[customer], workers)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			repo, err := GetRepository[customer](uow)
			assert.NoError(t, err)
			repos[i] = repo
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), built.Load())
	for _, repo := range repos {
		assert.Same(t, repos[0], repo)
	}
}

func TestGetRepository_FailureIsRetried(t *testing.T) {
	calls := 0
	uow := newTestUnitOfWork(t)
	require.NoError(t, RegisterRepositoryFactory(uow, func(s *Session) (*Repository[customer], error) {
		calls++
		if calls == 1 {
			return nil, errors.New("boom")
		}
		return NewRepository[customer](s)
	}))

	_, err := GetRepository[customer](uow)
	assert.Error(t, err)

	repo, err := GetRepository[customer](uow)
	require.NoError(t, err)
	assert.NotNil(t, repo)
	assert.Equal(t, 2, calls)

	err = RegisterRepositoryFactory(uow, func(s *Session) (*Repository[customer], error) { return nil, nil })
	assert.Error(t, err, "already created")
}

func TestGetRepository_Errors(t *testing.T) {
	uow := newTestUnitOfWork(t)

	_, err := GetRepository[unregistered](uow)
	assert.ErrorIs(t, err, ErrEntityType)

	_, err = GetRepository[customer](nil)
	assert.ErrorIs(t, err, ErrNilArgument)

	require.NoError(t, RegisterRepositoryFactory(uow, func(s *Session) (*Repository[order], error) { return nil, nil }))
	_, err = GetRepository[order](uow)
	assert.Error(t, err, "factory returned nil")
}

func TestUnitOfWork_SaveChangesSynchronizesEveryRepository(t *testing.T) {
	ctx := context.Background()
	uow := newTestUnitOfWork(t)

	customers, err := GetRepository[customer](uow)
	require.NoError(t, err)
	labels, err := GetRepository[label](uow)
	require.NoError(t, err)
	_, err = GetRepository[order](uow)
	require.NoError(t, err)

	c := &customer{Name: "Ann"}
	require.NoError(t, customers.Add(c))
	require.NoError(t, labels.Add(&label{Code: "vip", Text: "VIP"}))

	require.NoError(t, uow.SaveChanges(ctx))

	assert.Empty(t, customers.DirtyEntities())
	assert.Empty(t, labels.DirtyEntities())
	assert.NotZero(t, c.ID)
	assert.Equal(t, "basic", c.Tier)
}

func TestUnitOfWork_Transaction(t *testing.T) {
	ctx := context.Background()
	uow := newTestUnitOfWork(t)

	customers, err := GetRepository[customer](uow)
	require.NoError(t, err)

	tx, err := uow.BeginTransaction(ctx)
	require.NoError(t, err)

	_, err = uow.BeginTransaction(ctx)
	assert.ErrorIs(t, err, ErrTransactionInProgress)

	require.NoError(t, customers.Add(&customer{Name: "Ann"}))
	require.NoError(t, uow.SaveChanges(ctx))
	require.NoError(t, tx.Commit(ctx))

	n, err := customers.Count(ctx, Eq("Name", "Ann"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestUnitOfWork_Close(t *testing.T) {
	ctx := context.Background()
	uow := newTestUnitOfWork(t)

	customers, err := GetRepository[customer](uow)
	require.NoError(t, err)

	_, err = uow.BeginTransaction(ctx)
	require.NoError(t, err)
	require.NoError(t, customers.Add(&customer{Name: "Ann"}))

	require.NoError(t, uow.Close())
	require.NoError(t, uow.Close())

	_, err = GetRepository[customer](uow)
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.ErrorIs(t, uow.SaveChanges(ctx), ErrSessionClosed)
	_, err = uow.BeginTransaction(ctx)
	assert.ErrorIs(t, err, ErrSessionClosed)

	assert.ErrorIs(t, customers.Add(&customer{Name: "Bob"}), ErrSessionClosed)
}
