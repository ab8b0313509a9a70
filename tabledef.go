package entstore

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/iancoleman/strcase"
)

// TableDef describes where an entity type is persisted.
type TableDef struct {
	Schema string
	Name   string
}

// FullTableName returns the schema qualified table name.
func (td TableDef) FullTableName() string {
	name := td.Name
	if td.Schema != "" {
		name = fmt.Sprintf("%s.%s", td.Schema, td.Name)
	}
	return name
}

// TableDefiner lets an entity override the table derived from its type name.
type TableDefiner interface {
	TableDef() TableDef
}

// DBTable is a marker field carrying table information in struct tags:
//
//	type User struct {
//		entstore.DBTable `name:"users" schema:"public"`
//		ID   int64  `db:"id,key auto"`
//		Name string `db:"name,size=64"`
//	}
type DBTable struct{}

// Column is a column as reported by the database catalog.
type Column struct {
	ColumnName string `db:"column_name"`
	DataType   string `db:"data_type"`
}

// DBTag is the parsed form of a `db:"name,key auto allownull size=N default=V"` tag.
type DBTag struct {
	Name      string
	Size      int
	IsAuto    bool
	IsKey     bool
	AllowNull bool
	Default   string
	Skip      bool
}

func ParseDBTag(value string) DBTag {
	var tag DBTag
	if strings.TrimSpace(value) == "-" {
		tag.Skip = true
		return tag
	}

	tagArr := strings.SplitN(value, ",", 2)
	tag.Name = strings.TrimSpace(tagArr[0])
	if len(tagArr) < 2 {
		return tag
	}

	checkBool := func(key string, tagarr []string) bool {
		if !strings.EqualFold(strings.TrimSpace(tagarr[0]), key) {
			return false
		}

		if len(tagarr) > 1 {
			return !strings.EqualFold(strings.TrimSpace(tagarr[1]), "false")
		}

		return true
	}

	for _, v := range strings.Fields(tagArr[1]) {
		varr := strings.SplitN(v, "=", 2)
		key := strings.TrimSpace(varr[0])

		switch {
		case checkBool("auto", varr):
			tag.IsAuto = true
		case checkBool("key", varr):
			tag.IsKey = true
		case checkBool("allownull", varr):
			tag.AllowNull = true
		case len(varr) > 1 && strings.EqualFold(key, "size"):
			tag.Size, _ = strconv.Atoi(varr[1])
		case len(varr) > 1 && strings.EqualFold(key, "default"):
			tag.Default = varr[1]
		}
	}

	if tag.IsKey {
		tag.AllowNull = false
	}

	return tag
}

// columnName returns the column a struct field maps to: the db tag name when
// present, the snake cased field name otherwise.
func columnName(field reflect.StructField, tag DBTag) string {
	if tag.Name != "" {
		return tag.Name
	}

	return strcase.ToSnake(field.Name)
}

// elementName returns the document element name for a field: the bson or
// firestore tag name, else the lower cased field name as the mongo driver does.
func elementName(field reflect.StructField) string {
	for _, key := range []string{"bson", "firestore"} {
		if v, ok := field.Tag.Lookup(key); ok {
			name := strings.TrimSpace(strings.Split(v, ",")[0])
			if name != "" && name != "-" {
				return name
			}
		}
	}

	return strings.ToLower(field.Name)
}

func parseTableDef(model reflect.Type) TableDef {
	var td TableDef
	for i := 0; i < model.NumField(); i++ {
		field := model.Field(i)
		if field.Type == reflect.TypeOf(DBTable{}) {
			td.Schema = field.Tag.Get("schema")
			td.Name = field.Tag.Get("name")
			break
		}
	}

	if td.Name == "" {
		td.Name = strcase.ToSnake(model.Name())
	}

	return td
}
