package entstore

import (
	"errors"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/guregu/null.v4"
)

func TestParseDBTag(t *testing.T) {
	tests := []struct {
		value string
		want  DBTag
	}{
		{"name", DBTag{Name: "name"}},
		{"id,key auto", DBTag{Name: "id", IsKey: true, IsAuto: true}},
		{"id,key allownull", DBTag{Name: "id", IsKey: true}},
		{"note,allownull size=120", DBTag{Name: "note", AllowNull: true, Size: 120}},
		{"tier,default=basic", DBTag{Name: "tier", Default: "basic"}},
		{"flag,auto=false", DBTag{Name: "flag"}},
		{"-", DBTag{Skip: true}},
	}

	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseDBTag(tt.value))
		})
	}
}

func TestRegister_FieldTable(t *testing.T) {
	m := newTestModel(t)

	et, err := EntityTypeOf[customer](m)
	require.NoError(t, err)

	assert.Equal(t, "customer", et.Name())
	assert.Equal(t, "customers", et.Table().Name)
	assert.Equal(t, []string{"ID", "Name", "Email", "Tier"}, Map(et.Fields(), func(f *Field) string { return f.Name }))

	require.Len(t, et.Keys(), 1)
	assert.Equal(t, "id", et.Keys()[0].Column)
	assert.Same(t, et.Keys()[0], et.AutoKey())

	email, ok := et.Field("email")
	require.True(t, ok)
	assert.True(t, email.AllowNull)
	assert.Equal(t, reflect.TypeOf(null.String{}), email.Type)

	name, ok := et.Field("Name")
	require.True(t, ok)
	assert.Equal(t, 100, name.Size)
	assert.Equal(t, "name", name.Element)
}

func TestRegister_Options(t *testing.T) {
	type widget struct {
		ID        int64 `db:",key"`
		CreatedBy string
	}

	m := NewModel()
	et, err := Register[widget](m, WithTable("gadgets"), WithSchema("inventory"))
	require.NoError(t, err)

	assert.Equal(t, "inventory.gadgets", et.Table().FullTableName())

	f, ok := et.Field("CreatedBy")
	require.True(t, ok)
	assert.Equal(t, "created_by", f.Column)
	assert.Equal(t, "createdby", f.Element)
}

func TestRegister_Errors(t *testing.T) {
	type twoAutos struct {
		A int64 `db:"a,key auto"`
		B int64 `db:"b,auto"`
	}

	m := NewModel()
	_, err := Register[twoAutos](m)
	assert.Error(t, err)

	_, err = Register[int](m)
	assert.ErrorIs(t, err, ErrInvalidEntity)

	_, err = Register[label](m)
	require.NoError(t, err)
	_, err = Register[label](m)
	assert.Error(t, err, "duplicate registration")

	_, err = Register[label](nil)
	assert.ErrorIs(t, err, ErrNilArgument)
}

func TestModel_UnknownType(t *testing.T) {
	m := newTestModel(t)

	_, err := EntityTypeOf[unregistered](m)
	require.ErrorIs(t, err, ErrEntityType)

	var typeErr *EntityTypeError
	require.True(t, errors.As(err, &typeErr))
	assert.Equal(t, "entstore.unregistered", typeErr.TypeName)
	assert.Equal(t, "the entity type 'entstore.unregistered' is not available in this model", err.Error())
}

func TestModel_EntityTypesSorted(t *testing.T) {
	m := newTestModel(t)

	names := Map(m.EntityTypes(), func(et *EntityType) string { return et.Name() })
	assert.Equal(t, []string{"auditEntry", "customer", "label", "order", "orderLine"}, names)
}

type invoice struct {
	number string
	amount float64
	ref    string
}

func (i *invoice) Number() string { return i.number }

func TestDefine_Accessors(t *testing.T) {
	m := NewModel()
	et, err := Define(m, TableDef{Name: "invoices"},
		Property("Number", (*invoice).Number, func(i *invoice, v string) { i.number = v }, AsKey(), WithSize(16)),
		Property("Amount", func(i *invoice) float64 { return i.amount }, func(i *invoice, v float64) { i.amount = v }, WithColumn("amt")),
		Property[invoice, string]("Ref", func(i *invoice) string { return i.ref }, nil, Nullable()),
	)
	require.NoError(t, err)

	assert.Equal(t, "invoices", et.Table().Name)
	require.Len(t, et.Keys(), 1)

	inv := &invoice{}
	number, _ := et.Field("Number")
	require.NoError(t, number.Set(inv, "INV-1"))
	amount, _ := et.Field("amt")
	require.NoError(t, amount.Set(inv, 12), "int converts to float64")

	assert.Equal(t, "INV-1", inv.number)
	assert.Equal(t, 12.0, inv.amount)

	ref, _ := et.Field("Ref")
	assert.False(t, ref.CanSet())
	assert.Error(t, ref.Set(inv, "x"))
}

func TestHasMany_UnknownProperty(t *testing.T) {
	m := newTestModel(t)

	err := HasMany(m, "Bad", "Missing", "CustomerID", func(*customer, []*order) {})
	assert.Error(t, err)

	err = HasOne(m, "Customer", "CustomerID", "ID", func(*order, *unregistered) {})
	assert.ErrorIs(t, err, ErrEntityType)
}

func TestAssign(t *testing.T) {
	var s string
	require.NoError(t, assign(reflect.ValueOf(&s).Elem(), "x"))
	assert.Equal(t, "x", s)

	var p *int64
	require.NoError(t, assign(reflect.ValueOf(&p).Elem(), int64(3)))
	require.NotNil(t, p)
	assert.Equal(t, int64(3), *p)

	require.NoError(t, assign(reflect.ValueOf(&p).Elem(), nil))
	assert.Nil(t, p)

	var n int32
	require.NoError(t, assign(reflect.ValueOf(&n).Elem(), 7.0))
	assert.Equal(t, int32(7), n)

	assert.Error(t, assign(reflect.ValueOf(&n).Elem(), "seven"))
}
