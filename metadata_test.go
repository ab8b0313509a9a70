package entstore

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/guregu/null.v4"
)

type membership struct {
	GroupID int64  `db:"group_id,key"`
	UserID  string `db:"user_id,key"`
	Role    string `db:"role"`
}

func TestPrimaryKeyValues(t *testing.T) {
	m := newTestModel(t)
	_, err := Register[membership](m)
	require.NoError(t, err)

	values, err := GetPrimaryKeyValues(m, &membership{GroupID: 7, UserID: "ann", Role: "admin"})
	require.NoError(t, err)
	assert.Equal(t, []any{int64(7), "ann"}, slices.Collect(values))

	values, err = GetPrimaryKeyValues(m, &auditEntry{Message: "x"})
	require.NoError(t, err)
	assert.Empty(t, slices.Collect(values))

	_, err = GetPrimaryKeyValues[customer](m, nil)
	assert.ErrorIs(t, err, ErrNilArgument)

	_, err = GetPrimaryKeyValues(m, &unregistered{})
	assert.ErrorIs(t, err, ErrEntityType)
}

func TestPrimaryKeyValues_StopsEarly(t *testing.T) {
	m := NewModel()
	et, err := Register[membership](m)
	require.NoError(t, err)

	var seen []any
	for v := range et.PrimaryKeyValues(&membership{GroupID: 1, UserID: "bob"}) {
		seen = append(seen, v)
		break
	}
	assert.Equal(t, []any{int64(1)}, seen)
}

func TestCopyPersistedProperties(t *testing.T) {
	m := newTestModel(t)

	src := &customer{ID: 1, Name: "Ann", Email: null.StringFrom("ann@example.com"), Tier: "gold"}
	dst := &customer{ID: 1, Name: "Old", Tier: "basic"}

	require.NoError(t, CopyPersistedProperties(m, src, dst, "tier"))
	assert.Equal(t, "Ann", dst.Name)
	assert.Equal(t, "ann@example.com", dst.Email.String)
	assert.Equal(t, "basic", dst.Tier, "ignored by column name")

	assert.Equal(t, "Ann", src.Name, "source untouched")
}

func TestCopyPersistedProperties_SkipsNavigationsAndReadOnly(t *testing.T) {
	m := newTestModel(t)

	lines := []*orderLine{{ID: 1}}
	src := &order{ID: 1, Total: 10}
	dst := &order{ID: 1, Lines: lines}
	require.NoError(t, CopyPersistedProperties(m, src, dst))
	assert.Equal(t, lines, dst.Lines)

	m2 := NewModel()
	et, err := Define(m2, TableDef{Name: "invoices"},
		Property("Number", (*invoice).Number, func(i *invoice, v string) { i.number = v }, AsKey()),
		Property[invoice, string]("Ref", func(i *invoice) string { return i.ref }, nil),
	)
	require.NoError(t, err)

	a := &invoice{number: "A", ref: "r1"}
	b := &invoice{number: "B", ref: "r2"}
	require.NoError(t, et.CopyPersistedProperties(a, b))
	assert.Equal(t, "A", b.number)
	assert.Equal(t, "r2", b.ref)
}

func TestCopyPersistedProperties_Errors(t *testing.T) {
	m := newTestModel(t)
	et, err := EntityTypeOf[customer](m)
	require.NoError(t, err)

	var nilCustomer *customer
	assert.ErrorIs(t, et.CopyPersistedProperties(nilCustomer, &customer{}), ErrNilArgument)
	assert.ErrorIs(t, et.CopyPersistedProperties(&customer{}, nil), ErrNilArgument)
	assert.ErrorIs(t, et.CopyPersistedProperties(&customer{}, &order{}), ErrInvalidEntity)
}

func TestKeyString_NumericWidths(t *testing.T) {
	assert.Equal(t, keyString([]any{int64(5)}), keyString([]any{5}))
	assert.Equal(t, keyString([]any{null.IntFrom(5)}), keyString([]any{int64(5)}))
	assert.NotEqual(t, keyString([]any{1, 23}), keyString([]any{12, 3}))
}
