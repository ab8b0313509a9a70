package entstore

import (
	"database/sql/driver"
	"fmt"
	"iter"
	"reflect"
	"strings"
)

// PrimaryKeyValues yields the key values of entity in declared key order.
// Keyless types yield nothing.
func (et *EntityType) PrimaryKeyValues(entity any) iter.Seq[any] {
	return func(yield func(any) bool) {
		for _, f := range et.keys {
			if !yield(f.Get(entity)) {
				return
			}
		}
	}
}

// GetPrimaryKeyValues resolves T in m and returns the key values of entity.
func GetPrimaryKeyValues[T any](m *Model, entity *T) (iter.Seq[any], error) {
	if entity == nil {
		return nil, nilArgument("entity")
	}

	et, err := EntityTypeOf[T](m)
	if err != nil {
		return nil, err
	}

	return et.PrimaryKeyValues(entity), nil
}

// CopyPersistedProperties copies every persisted property of src onto dst
// except the ones named in ignore. Properties without a setter are skipped.
// dst is only mutated; staging it for persistence is up to the caller.
func (et *EntityType) CopyPersistedProperties(src, dst any, ignore ...string) error {
	if isNil(src) {
		return nilArgument("source")
	}

	if isNil(dst) {
		return nilArgument("destination")
	}

	if !et.Owns(src) || !et.Owns(dst) {
		return fmt.Errorf("%w: expected *%s", ErrInvalidEntity, et.goType)
	}

	for _, f := range et.fields {
		if !f.CanSet() || ignored(f, ignore) {
			continue
		}

		if err := f.Set(dst, f.Get(src)); err != nil {
			return err
		}
	}

	return nil
}

// CopyPersistedProperties resolves T in m and copies src onto dst.
func CopyPersistedProperties[T any](m *Model, src, dst *T, ignore ...string) error {
	if src == nil {
		return nilArgument("source")
	}

	if dst == nil {
		return nilArgument("destination")
	}

	et, err := EntityTypeOf[T](m)
	if err != nil {
		return err
	}

	return et.CopyPersistedProperties(src, dst, ignore...)
}

func isNil(v any) bool {
	if v == nil {
		return true
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Func, reflect.Interface, reflect.Chan:
		return rv.IsNil()
	}

	return false
}

func ignored(f *Field, ignore []string) bool {
	for _, name := range ignore {
		if strings.EqualFold(f.Name, name) || strings.EqualFold(f.Column, name) {
			return true
		}
	}

	return false
}

func (et *EntityType) keyValues(entity any) []any {
	var values []any
	for v := range et.PrimaryKeyValues(entity) {
		values = append(values, v)
	}

	return values
}

func (et *EntityType) hasKeyValue(entity any) bool {
	for _, f := range et.keys {
		if f.IsZero(entity) {
			return false
		}
	}

	return len(et.keys) > 0
}

// keyString renders key values into a map key. Numeric values of different
// widths print the same, so a key typed as int matches one read back as int64.
func keyString(values []any) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = fmt.Sprint(unwrapValue(v))
	}

	return strings.Join(parts, "\x1f")
}

func unwrapValue(v any) any {
	if vr, ok := v.(driver.Valuer); ok {
		if rv := reflect.ValueOf(vr); rv.Kind() == reflect.Ptr && rv.IsNil() {
			return nil
		}

		if val, err := vr.Value(); err == nil {
			return val
		}
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return nil
		}

		return rv.Elem().Interface()
	}

	return v
}
