package entstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/guregu/null.v4"
)

func newSQLiteSession(t *testing.T) *Session {
	t.Helper()

	db, err := ConnectSqlite("")
	require.NoError(t, err)

	d, err := NewSQLiteDriver(db)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	m := newTestModel(t)
	require.NoError(t, d.CreateTables(context.Background(), m))

	s, err := NewSession(d, m)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return s
}

type groupMember struct {
	DBTable `name:"memberships"`
	GroupID int64  `db:"group_id,key"`
	UserID  int64  `db:"user_id,key"`
	Role    string `db:"role"`
}

func TestSQLite_CreateAndVerify(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteSession(t)
	d := s.Driver().(*SQLDriver)

	require.NoError(t, d.VerifyModel(ctx, s.Model()))
	require.NoError(t, d.CreateTables(ctx, s.Model()), "existing tables are kept")

	m := NewModel()
	_, err := Register[groupMember](m)
	require.NoError(t, err)
	assert.ErrorContains(t, d.VerifyModel(ctx, m), "does not exist")

	_, err = d.DB().ExecContext(ctx, `CREATE TABLE "memberships" ("group_id" INTEGER)`)
	require.NoError(t, err)
	assert.ErrorContains(t, d.VerifyModel(ctx, m), "missing columns user_id,role")
}

func TestSQLite_RepositoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteSession(t)
	repo, err := NewRepository[customer](s)
	require.NoError(t, err)

	ann := &customer{Name: "Ann", Email: null.StringFrom("ann@example.com")}
	bob := &customer{Name: "Bob"}
	require.NoError(t, repo.AddRange(ann, bob))
	require.NoError(t, repo.SaveChanges(ctx))

	assert.Equal(t, int64(1), ann.ID)
	assert.Equal(t, int64(2), bob.ID)
	assert.Equal(t, "basic", bob.Tier, "column default is read back")

	got, err := repo.Get(ctx, int64(2))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.False(t, got.Email.Valid)

	found, err := repo.Get(ctx, int64(9))
	require.NoError(t, err)
	assert.Nil(t, found)

	bob.Tier = "gold"
	require.NoError(t, repo.Update(ctx, bob))
	require.NoError(t, repo.SaveChanges(ctx))

	n, err := repo.Count(ctx, Eq("Tier", "gold"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, repo.Delete(ann))
	require.NoError(t, repo.SaveChanges(ctx))

	list, err := repo.All().ToList(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Bob"}, names(list))
}

func TestSQLite_Queries(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteSession(t)
	seedCustomers(t, s, "Ann", "anna_b", "Bob", "Cid", "Dan")

	q, err := QueryOf[customer](s)
	require.NoError(t, err)

	list, err := q.Where(Contains("Name", "a_")).ToList(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"anna_b"}, names(list), "underscore is matched literally")

	list, err = q.Where(In("ID", []int64{2, 4})).OrderByDescending("ID").ToList(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Cid", "anna_b"}, names(list))

	list, err = q.OrderBy("ID").Skip(1).Take(2).ToList(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"anna_b", "Bob"}, names(list))

	list, err = q.OrderBy("ID").Skip(3).ToList(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Cid", "Dan"}, names(list))

	n, err := q.Where(Or(IsNull("Email"), Gt("ID", 100))).Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	list, err = q.Where(Gt("ID", 1)).Where(Match(func(c *customer) bool { return len(c.Name) == 3 })).OrderBy("ID").ToList(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Bob", "Cid", "Dan"}, names(list))

	n, err = q.Where(In("ID", []int64{})).Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSQLite_IncludeAndTimes(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteSession(t)
	customers := seedCustomers(t, s, "Ann")

	placed := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)
	require.NoError(t, s.Add(&order{CustomerID: customers[0].ID, Total: 12.5, PlacedAt: placed}))
	require.NoError(t, s.SaveChanges(ctx))

	q, err := QueryOf[customer](s)
	require.NoError(t, err)
	c, err := q.Include("Orders").Single(ctx)
	require.NoError(t, err)

	require.Len(t, c.Orders, 1)
	assert.Equal(t, 12.5, c.Orders[0].Total)
	assert.True(t, placed.Equal(c.Orders[0].PlacedAt), "got %s", c.Orders[0].PlacedAt)
}

func TestSQLite_DuplicateKey(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteSession(t)

	require.NoError(t, s.Add(&label{Code: "vip", Text: "VIP"}))
	require.NoError(t, s.SaveChanges(ctx))

	require.NoError(t, s.Add(&label{Code: "vip", Text: "again"}))
	assert.ErrorIs(t, s.SaveChanges(ctx), ErrKeyAlreadyExists)
}

func TestSQLite_TransactionRollback(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteSession(t)

	tx, err := s.BeginTransaction(ctx)
	require.NoError(t, err)

	require.NoError(t, s.Add(&label{Code: "a"}))
	require.NoError(t, s.SaveChanges(ctx))

	inside, err := s.Find(ctx, mustEntityType[label](t, s), "a")
	require.NoError(t, err)
	assert.NotNil(t, inside)

	require.NoError(t, tx.Rollback(ctx))

	after, err := s.Find(ctx, mustEntityType[label](t, s), "a")
	require.NoError(t, err)
	assert.Nil(t, after)
}

func TestSQLite_KeylessTable(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteSession(t)

	require.NoError(t, s.Add(&auditEntry{Message: "first"}))
	require.NoError(t, s.Add(&auditEntry{Message: "first"}))
	require.NoError(t, s.SaveChanges(ctx))

	q, err := QueryOf[auditEntry](s)
	require.NoError(t, err)
	n, err := q.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
