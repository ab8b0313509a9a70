package entstore

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"
)

// Op is a comparison operator of a Condition.
type Op string

const (
	OpEq       Op = "="
	OpNe       Op = "<>"
	OpGt       Op = ">"
	OpGe       Op = ">="
	OpLt       Op = "<"
	OpLe       Op = "<="
	OpIn       Op = "IN"
	OpNotIn    Op = "NOT IN"
	OpContains Op = "CONTAINS"
	OpPrefix   Op = "PREFIX"
	OpIsNull   Op = "IS NULL"
	OpNotNull  Op = "IS NOT NULL"
)

// Predicate is a filter over entities. Conditions, junctions and negations
// can be translated by drivers into their native query language; Match
// predicates are only evaluated in memory.
type Predicate interface {
	isPredicate()
}

// Condition compares one property against a value. Field is the property
// name, the column name is accepted as well.
type Condition struct {
	Field string
	Op    Op
	Value any
}

func (Condition) isPredicate() {}

func (c Condition) String() string {
	switch c.Op {
	case OpIsNull, OpNotNull:
		return fmt.Sprintf("%s %s", c.Field, c.Op)
	}

	return fmt.Sprintf("%s %s %v", c.Field, c.Op, c.Value)
}

// Logic joins the predicates of a Junction.
type Logic string

const (
	LogicAnd Logic = "AND"
	LogicOr  Logic = "OR"
)

type Junction struct {
	Logic      Logic
	Predicates []Predicate
}

func (Junction) isPredicate() {}

type Negation struct {
	Predicate Predicate
}

func (Negation) isPredicate() {}

type matchPredicate struct {
	typ reflect.Type
	fn  func(entity any) bool
}

func (matchPredicate) isPredicate() {}

// Match wraps an arbitrary function of the entity. Drivers cannot translate
// it, so queries using it are filtered in memory after fetching.
func Match[T any](fn func(*T) bool) Predicate {
	if fn == nil {
		return nil
	}

	return matchPredicate{
		typ: reflect.TypeOf((*T)(nil)).Elem(),
		fn:  func(entity any) bool { return fn(entity.(*T)) },
	}
}

func Eq(field string, value any) Predicate { return Condition{field, OpEq, value} }

func Ne(field string, value any) Predicate { return Condition{field, OpNe, value} }

func Gt(field string, value any) Predicate { return Condition{field, OpGt, value} }

func Ge(field string, value any) Predicate { return Condition{field, OpGe, value} }

func Lt(field string, value any) Predicate { return Condition{field, OpLt, value} }

func Le(field string, value any) Predicate { return Condition{field, OpLe, value} }

// In matches when the property equals any element of values, which must be a
// slice.
func In(field string, values any) Predicate { return Condition{field, OpIn, values} }

func NotIn(field string, values any) Predicate { return Condition{field, OpNotIn, values} }

// Contains matches string properties containing substr.
func Contains(field string, substr string) Predicate { return Condition{field, OpContains, substr} }

func HasPrefix(field string, prefix string) Predicate { return Condition{field, OpPrefix, prefix} }

func IsNull(field string) Predicate { return Condition{Field: field, Op: OpIsNull} }

func NotNull(field string) Predicate { return Condition{Field: field, Op: OpNotNull} }

// And joins predicates, dropping nil ones. A single remaining predicate is
// returned as is, none at all yields nil which matches everything.
func And(predicates ...Predicate) Predicate {
	return junction(LogicAnd, predicates)
}

func Or(predicates ...Predicate) Predicate {
	return junction(LogicOr, predicates)
}

func Not(p Predicate) Predicate {
	if p == nil {
		return nil
	}

	if n, ok := p.(Negation); ok {
		return n.Predicate
	}

	return Negation{Predicate: p}
}

func junction(logic Logic, predicates []Predicate) Predicate {
	var list []Predicate
	for _, p := range predicates {
		if p == nil {
			continue
		}

		if j, ok := p.(Junction); ok && j.Logic == logic {
			list = append(list, j.Predicates...)
			continue
		}

		list = append(list, p)
	}

	switch len(list) {
	case 0:
		return nil
	case 1:
		return list[0]
	}

	return Junction{Logic: logic, Predicates: list}
}

type FilterNull interface {
	IsNull() bool
}

type filterNull bool

func (fn filterNull) IsNull() bool {
	return bool(fn)
}

func FilterNullFrom(isNull bool) FilterNull {
	return filterNull(isNull)
}

type FilterStringContains interface {
	Contains() string
}

type filterStringContains string

func (fs filterStringContains) Contains() string {
	return string(fs)
}

func FilterStringContainsFrom(str string) FilterStringContains {
	return filterStringContains(str)
}

// FilterMap turns a column -> value filter map into a predicate. Slice values
// become IN conditions, FilterNull and FilterStringContains values become null
// checks and substring matches, everything else is an equality.
func FilterMap(filter map[string]any) Predicate {
	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var list []Predicate
	for _, k := range keys {
		v := filter[k]
		if fnull, ok := v.(FilterNull); ok {
			if fnull.IsNull() {
				list = append(list, IsNull(k))
			} else {
				list = append(list, NotNull(k))
			}
			continue
		}

		if fcontain, ok := v.(FilterStringContains); ok {
			list = append(list, Contains(k, fcontain.Contains()))
			continue
		}

		vval := reflect.ValueOf(v)
		if vval.Kind() != reflect.Slice || vval.Type().Elem().Kind() == reflect.Uint8 {
			list = append(list, Eq(k, v))
			continue
		}

		switch vval.Len() {
		case 0:
		case 1:
			list = append(list, Eq(k, vval.Index(0).Interface()))
		default:
			list = append(list, In(k, v))
		}
	}

	return And(list...)
}

// Evaluate reports whether entity satisfies p. A nil predicate matches.
func Evaluate(et *EntityType, p Predicate, entity any) (bool, error) {
	switch p := p.(type) {
	case nil:
		return true, nil
	case Condition:
		f, ok := et.Field(p.Field)
		if !ok {
			return false, fmt.Errorf("%s has no property %s", et.name, p.Field)
		}
		return evalCondition(p, unwrapValue(f.Get(entity)))
	case Junction:
		for _, sub := range p.Predicates {
			ok, err := Evaluate(et, sub, entity)
			if err != nil {
				return false, err
			}

			if p.Logic == LogicOr && ok {
				return true, nil
			}

			if p.Logic != LogicOr && !ok {
				return false, nil
			}
		}
		return p.Logic != LogicOr, nil
	case Negation:
		ok, err := Evaluate(et, p.Predicate, entity)
		return !ok, err
	case matchPredicate:
		if p.typ != et.goType {
			return false, fmt.Errorf("%w: predicate on %s used with %s", ErrInvalidEntity, p.typ, et.goType)
		}
		return p.fn(entity), nil
	}

	return false, fmt.Errorf("unknown predicate %T", p)
}

func evalCondition(c Condition, value any) (bool, error) {
	switch c.Op {
	case OpIsNull:
		return value == nil, nil
	case OpNotNull:
		return value != nil, nil
	case OpEq:
		return valuesEqual(value, c.Value), nil
	case OpNe:
		return !valuesEqual(value, c.Value), nil
	case OpIn, OpNotIn:
		found := false
		list := reflect.ValueOf(c.Value)
		if list.Kind() != reflect.Slice && list.Kind() != reflect.Array {
			return false, fmt.Errorf("expecting slice as values for %s, got %T", c.Field, c.Value)
		}

		for i := 0; i < list.Len(); i++ {
			if valuesEqual(value, list.Index(i).Interface()) {
				found = true
				break
			}
		}
		return found == (c.Op == OpIn), nil
	case OpContains, OpPrefix:
		s, ok := value.(string)
		if !ok {
			return false, nil
		}

		sub := fmt.Sprint(c.Value)
		if c.Op == OpPrefix {
			return strings.HasPrefix(s, sub), nil
		}
		return strings.Contains(s, sub), nil
	}

	// ordering comparisons never match null, as in SQL
	if value == nil || unwrapValue(c.Value) == nil {
		return false, nil
	}

	cmp, ok := compareValues(value, c.Value)
	if !ok {
		return false, nil
	}

	switch c.Op {
	case OpGt:
		return cmp > 0, nil
	case OpGe:
		return cmp >= 0, nil
	case OpLt:
		return cmp < 0, nil
	case OpLe:
		return cmp <= 0, nil
	}

	return false, fmt.Errorf("unknown operator %q", c.Op)
}

func valuesEqual(a, b any) bool {
	a, b = unwrapValue(a), unwrapValue(b)
	if cmp, ok := compareValues(a, b); ok {
		return cmp == 0
	}

	return reflect.DeepEqual(a, b)
}

// compareValues orders two scalar values. Numbers of any width compare by
// value. ok is false when the values are not mutually ordered.
func compareValues(a, b any) (int, bool) {
	a, b = unwrapValue(a), unwrapValue(b)
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0, true
		case a == nil:
			return -1, true
		}
		return 1, true
	}

	av, bv := reflect.ValueOf(a), reflect.ValueOf(b)
	switch {
	case isIntKind(av.Kind()) && isIntKind(bv.Kind()):
		return cmpOrdered(av.Int(), bv.Int()), true
	case isUintKind(av.Kind()) && isUintKind(bv.Kind()):
		return cmpOrdered(av.Uint(), bv.Uint()), true
	case isNumberKind(av.Kind()) && isNumberKind(bv.Kind()):
		return cmpOrdered(toFloat(av), toFloat(bv)), true
	case av.Kind() == reflect.String && bv.Kind() == reflect.String:
		return strings.Compare(av.String(), bv.String()), true
	case av.Kind() == reflect.Bool && bv.Kind() == reflect.Bool:
		x, y := 0, 0
		if av.Bool() {
			x = 1
		}
		if bv.Bool() {
			y = 1
		}
		return cmpOrdered(x, y), true
	}

	at, aok := a.(time.Time)
	bt, bok := b.(time.Time)
	if aok && bok {
		return at.Compare(bt), true
	}

	return 0, false
}

type ordered interface {
	~int | ~int64 | ~uint64 | ~float64 | ~string
}

func cmpOrdered[V ordered](a, b V) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}

	return 0
}

func isIntKind(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return true
	}

	return false
}

func isUintKind(k reflect.Kind) bool {
	switch k {
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return true
	}

	return false
}

func toFloat(v reflect.Value) float64 {
	switch {
	case isIntKind(v.Kind()):
		return float64(v.Int())
	case isUintKind(v.Kind()):
		return float64(v.Uint())
	}

	return v.Float()
}

// translatable reports whether p is built only from conditions, junctions and
// negations over known properties.
func translatable(et *EntityType, p Predicate) bool {
	switch p := p.(type) {
	case nil:
		return true
	case Condition:
		_, ok := et.Field(p.Field)
		return ok
	case Junction:
		for _, sub := range p.Predicates {
			if !translatable(et, sub) {
				return false
			}
		}
		return true
	case Negation:
		return translatable(et, p.Predicate)
	}

	return false
}
