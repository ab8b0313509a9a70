package entstore

import (
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strings"
	"time"

	"gopkg.in/guregu/null.v4"
)

var nullTimeType = reflect.TypeOf(null.Time{})

// ImportCSV reads records from r and adds one T per record to repo. With a
// header, columns are matched to properties by name or column; without one
// they follow the property order of T. The entities are staged, not saved.
func ImportCSV[T any](repo *Repository[T], r io.Reader, withHeader bool) (int, error) {
	if repo == nil {
		return 0, nilArgument("repo")
	}

	if r == nil {
		return 0, nilArgument("reader")
	}

	et := repo.EntityType()
	fields := et.Fields()
	rd := csv.NewReader(r)

	if withHeader {
		line, err := rd.Read()
		if err != nil {
			return 0, err
		}

		fields = make([]*Field, len(line))
		for i, col := range line {
			f, ok := et.Field(strings.TrimSpace(col))
			if !ok {
				return 0, fmt.Errorf("column %q in CSV header doesn't match any property of %s", col, et.Name())
			}
			fields[i] = f
		}
	}

	n := 0
	for {
		line, err := rd.Read()
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return n, err
		}

		if len(line) != len(fields) {
			return n, fmt.Errorf("column count in CSV line %d does not match %s", n+1, et.Name())
		}

		entity := et.New().(*T)
		for i, cell := range line {
			f := fields[i]
			if !f.CanSet() {
				continue
			}

			v, err := parseCell(f.Type, cell)
			if err != nil {
				return n, fmt.Errorf("line %d, %s: %w", n+1, f.Name, err)
			}

			if err := f.Set(entity, v); err != nil {
				return n, fmt.Errorf("line %d, %s: %w", n+1, f.Name, err)
			}
		}

		if err := repo.Add(entity); err != nil {
			return n, err
		}
		n++
	}

	return n, nil
}

func parseCell(t reflect.Type, cell string) (any, error) {
	if cell == "" && (t.Kind() == reflect.Pointer || nullableType(t)) {
		return nil, nil
	}

	switch t {
	case timeType:
		return parseTime(cell)
	case nullTimeType:
		tm, err := parseTime(cell)
		if err != nil {
			return nil, err
		}
		return null.TimeFrom(tm), nil
	}

	if t.Kind() == reflect.Pointer {
		return parseCell(t.Elem(), cell)
	}

	holder := reflect.New(t)
	if scanner, ok := holder.Interface().(sql.Scanner); ok {
		if err := scanner.Scan(cell); err != nil {
			return nil, err
		}
		return holder.Elem().Interface(), nil
	}

	return parseDefault(t, cell)
}

func parseTime(cell string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05", time.DateOnly} {
		if tm, err := time.Parse(layout, cell); err == nil {
			return tm, nil
		}
	}

	return time.Time{}, fmt.Errorf("cannot parse %q as time", cell)
}
