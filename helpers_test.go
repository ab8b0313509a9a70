package entstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/guregu/null.v4"
)

type customer struct {
	DBTable `name:"customers"`
	ID      int64       `db:"id,key auto"`
	Name    string      `db:"name,size=100"`
	Email   null.String `db:"email,allownull"`
	Tier    string      `db:"tier,default=basic"`
	Orders  []*order    `db:"-"`
}

type order struct {
	DBTable    `name:"orders"`
	ID         int64        `db:"id,key auto"`
	CustomerID int64        `db:"customer_id"`
	Total      float64      `db:"total"`
	PlacedAt   time.Time    `db:"placed_at"`
	Lines      []*orderLine `db:"-"`
}

type orderLine struct {
	DBTable `name:"order_lines"`
	ID      int64  `db:"id,key auto"`
	OrderID int64  `db:"order_id"`
	Product string `db:"product"`
}

type label struct {
	DBTable `name:"labels"`
	Code    string `db:"code,key size=20"`
	Text    string `db:"text"`
}

type auditEntry struct {
	DBTable `name:"audit"`
	Message string `db:"message"`
}

type unregistered struct {
	ID int64
}

func newTestModel(t *testing.T) *Model {
	t.Helper()

	m := NewModel()
	_, err := Register[customer](m)
	require.NoError(t, err)
	_, err = Register[order](m)
	require.NoError(t, err)
	_, err = Register[orderLine](m)
	require.NoError(t, err)
	_, err = Register[label](m)
	require.NoError(t, err)
	_, err = Register[auditEntry](m)
	require.NoError(t, err)

	require.NoError(t, HasMany(m, "Orders", "ID", "CustomerID", func(c *customer, orders []*order) { c.Orders = orders }))
	require.NoError(t, HasMany(m, "Lines", "ID", "OrderID", func(o *order, lines []*orderLine) { o.Lines = lines }))

	return m
}

func newTestSession(t *testing.T, options ...SessionOption) *Session {
	t.Helper()

	s, err := NewSession(NewMemoryDriver(), newTestModel(t), options...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return s
}

// seedCustomers stores the named customers and returns them with their
// generated keys.
func seedCustomers(t *testing.T, s *Session, names ...string) []*customer {
	t.Helper()

	list := make([]*customer, len(names))
	for i, name := range names {
		list[i] = &customer{Name: name}
		require.NoError(t, s.Add(list[i]))
	}
	require.NoError(t, s.SaveChanges(context.Background()))

	return list
}
