package entstore

import (
	"database/sql"
	"errors"
	"fmt"
	"reflect"

	"gopkg.in/guregu/null.v4"
)

var scannerType = reflect.TypeOf((*sql.Scanner)(nil)).Elem()

var kindByType = map[reflect.Type]string{
	timeType:                          "time",
	reflect.TypeOf(null.Time{}):       "time",
	reflect.TypeOf(sql.NullTime{}):    "time",
	reflect.TypeOf(null.String{}):     "string",
	reflect.TypeOf(sql.NullString{}):  "string",
	reflect.TypeOf(null.Int{}):        "int",
	reflect.TypeOf(sql.NullInt64{}):   "int",
	reflect.TypeOf(sql.NullInt32{}):   "int",
	reflect.TypeOf(null.Float{}):      "float",
	reflect.TypeOf(sql.NullFloat64{}): "float",
	reflect.TypeOf(null.Bool{}):       "bool",
	reflect.TypeOf(sql.NullBool{}):    "bool",
	uuidType:                          "uuid",
}

// columnKind classifies a Go type into the column families the dialects map
// to their own types.
func columnKind(t reflect.Type) string {
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	if k, ok := kindByType[t]; ok {
		return k
	}

	switch {
	case t.Kind() == reflect.String:
		return "string"
	case isIntKind(t.Kind()) || isUintKind(t.Kind()):
		return "int"
	case t.Kind() == reflect.Float32 || t.Kind() == reflect.Float64:
		return "float"
	case t.Kind() == reflect.Bool:
		return "bool"
	case t.Kind() == reflect.Slice && t.Elem().Kind() == reflect.Uint8:
		return "bytes"
	}

	return ""
}

// nullableType reports whether values of t can hold NULL: pointers and
// sql.Scanner implementations such as null.String.
func nullableType(t reflect.Type) bool {
	return t.Kind() == reflect.Ptr || reflect.PointerTo(t).Implements(scannerType)
}

func unknownColumnType(t reflect.Type) error {
	return fmt.Errorf("unknown datatype for Go type %s", t)
}

func wrapSQLError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %w", ErrKeyNotFound, err)
	}

	return err
}
