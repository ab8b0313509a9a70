package entstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/guregu/null.v4"
)

func TestAndOr_Flatten(t *testing.T) {
	assert.Nil(t, And())
	assert.Nil(t, And(nil, nil))
	assert.Equal(t, Eq("a", 1), And(nil, Eq("a", 1)))

	p := And(And(Eq("a", 1), Eq("b", 2)), Eq("c", 3))
	j, ok := p.(Junction)
	require.True(t, ok)
	assert.Equal(t, LogicAnd, j.Logic)
	assert.Len(t, j.Predicates, 3)

	p = Or(And(Eq("a", 1), Eq("b", 2)), Eq("c", 3))
	j = p.(Junction)
	assert.Len(t, j.Predicates, 2, "AND inside OR is kept")
}

func TestNot_DoubleNegation(t *testing.T) {
	assert.Nil(t, Not(nil))
	assert.Equal(t, Eq("a", 1), Not(Not(Eq("a", 1))))
}

func TestEvaluate(t *testing.T) {
	m := newTestModel(t)
	et, err := EntityTypeOf[customer](m)
	require.NoError(t, err)

	ann := &customer{ID: 3, Name: "Ann", Email: null.StringFrom("ann@example.com"), Tier: "gold"}
	bob := &customer{ID: 4, Name: "Bob"}

	tests := []struct {
		name string
		p    Predicate
		ann  bool
		bob  bool
	}{
		{"nil matches", nil, true, true},
		{"eq", Eq("Name", "Ann"), true, false},
		{"eq by column", Eq("name", "Bob"), false, true},
		{"ne", Ne("Name", "Ann"), false, true},
		{"gt across int widths", Gt("ID", 3), false, true},
		{"le", Le("ID", int32(3)), true, false},
		{"in", In("Name", []string{"Bob", "Cid"}), false, true},
		{"not in", NotIn("ID", []int{3}), false, true},
		{"contains", Contains("Email", "example"), true, false},
		{"prefix", HasPrefix("Name", "A"), true, false},
		{"is null through valuer", IsNull("Email"), false, true},
		{"not null", NotNull("Email"), true, false},
		{"ordering never matches null", Lt("Email", "zzz"), true, false},
		{"and", And(Eq("Tier", "gold"), Gt("ID", 1)), true, false},
		{"or", Or(Eq("Name", "Bob"), Eq("Tier", "gold")), true, true},
		{"not", Not(Eq("Name", "Ann")), false, true},
		{"match", Match(func(c *customer) bool { return len(c.Name) == 3 && c.ID%2 == 0 }), false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := Evaluate(et, tt.p, ann)
			require.NoError(t, err)
			assert.Equal(t, tt.ann, ok, "ann")

			ok, err = Evaluate(et, tt.p, bob)
			require.NoError(t, err)
			assert.Equal(t, tt.bob, ok, "bob")
		})
	}
}

func TestEvaluate_Errors(t *testing.T) {
	m := newTestModel(t)
	et, err := EntityTypeOf[customer](m)
	require.NoError(t, err)

	_, err = Evaluate(et, Eq("Missing", 1), &customer{})
	assert.Error(t, err)

	_, err = Evaluate(et, In("ID", 1), &customer{})
	assert.Error(t, err, "IN needs a slice")

	_, err = Evaluate(et, Match(func(o *order) bool { return true }), &customer{})
	assert.ErrorIs(t, err, ErrInvalidEntity)
}

func TestEvaluate_Time(t *testing.T) {
	m := newTestModel(t)
	et, err := EntityTypeOf[order](m)
	require.NoError(t, err)

	now := time.Now()
	o := &order{PlacedAt: now}

	ok, err := Evaluate(et, Lt("PlacedAt", now.Add(time.Minute)), o)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Evaluate(et, Gt("PlacedAt", now), o)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFilterMap(t *testing.T) {
	p := FilterMap(map[string]any{
		"name":  "Ann",
		"id":    []int{1, 2},
		"tier":  []string{"gold"},
		"email": FilterNullFrom(true),
		"note":  FilterStringContainsFrom("vip"),
		"blob":  []byte("raw"),
		"none":  []int{},
	})

	assert.Equal(t, And(
		Eq("blob", []byte("raw")),
		IsNull("email"),
		In("id", []int{1, 2}),
		Eq("name", "Ann"),
		Contains("note", "vip"),
		Eq("tier", "gold"),
	), p)

	assert.Nil(t, FilterMap(nil))
}

func TestTranslatable(t *testing.T) {
	m := newTestModel(t)
	et, err := EntityTypeOf[customer](m)
	require.NoError(t, err)

	assert.True(t, translatable(et, nil))
	assert.True(t, translatable(et, Not(Or(Eq("Name", "a"), In("ID", []int{1})))))
	assert.False(t, translatable(et, Eq("Nope", 1)))
	assert.False(t, translatable(et, And(Eq("Name", "a"), Match(func(*customer) bool { return true }))))
}

func TestCondition_String(t *testing.T) {
	assert.Equal(t, "Name = Ann", Eq("Name", "Ann").(Condition).String())
	assert.Equal(t, "Email IS NULL", IsNull("Email").(Condition).String())
}
