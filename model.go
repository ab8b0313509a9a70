package entstore

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"
)

// Model is the registry of persisted entity types. Lookups are keyed by the
// entity's struct type.
type Model struct {
	mu    sync.RWMutex
	types map[reflect.Type]*EntityType
}

func NewModel() *Model {
	return &Model{types: make(map[reflect.Type]*EntityType)}
}

// EntityType resolves the descriptor registered for t. Pointer types resolve
// to their element type.
func (m *Model) EntityType(t reflect.Type) (*EntityType, error) {
	if t == nil {
		return nil, nilArgument("entity type")
	}

	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	m.mu.RLock()
	et, ok := m.types[t]
	m.mu.RUnlock()
	if !ok {
		return nil, &EntityTypeError{TypeName: t.String()}
	}

	return et, nil
}

// EntityTypes returns every registered descriptor ordered by name.
func (m *Model) EntityTypes() []*EntityType {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := make([]*EntityType, 0, len(m.types))
	for _, et := range m.types {
		list = append(list, et)
	}

	sort.Slice(list, func(i, j int) bool { return list[i].name < list[j].name })
	return list
}

func (m *Model) add(et *EntityType) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.types[et.goType]; ok {
		return fmt.Errorf("entity type '%s' is already registered", et.goType)
	}

	m.types[et.goType] = et
	return nil
}

// EntityTypeOf resolves the descriptor of T.
func EntityTypeOf[T any](m *Model) (*EntityType, error) {
	if m == nil {
		return nil, nilArgument("model")
	}

	return m.EntityType(reflect.TypeOf((*T)(nil)).Elem())
}

// Field describes one persisted property and holds its accessor pair.
type Field struct {
	Name      string
	Column    string
	Element   string
	Type      reflect.Type
	Size      int
	IsKey     bool
	IsAuto    bool
	AllowNull bool
	Default   string

	get func(entity any) any
	set func(entity any, value any) error
}

// Get reads the property from entity.
func (f *Field) Get(entity any) any {
	return f.get(entity)
}

// CanSet reports whether the property has a setter.
func (f *Field) CanSet() bool {
	return f.set != nil
}

// Set writes value onto entity, converting between compatible kinds.
func (f *Field) Set(entity any, value any) error {
	if f.set == nil {
		return fmt.Errorf("property %s is read only", f.Name)
	}

	return f.set(entity, value)
}

// IsZero reports whether the property holds its type's zero value.
func (f *Field) IsZero(entity any) bool {
	v := f.get(entity)
	if v == nil {
		return true
	}

	return reflect.ValueOf(v).IsZero()
}

// Navigation links an entity to related entities for Include.
type Navigation struct {
	Name         string
	Target       reflect.Type
	LocalField   string
	ForeignField string
	Many         bool

	assign func(owner any, related []any)
}

// EntityType is the resolved model description of one entity type.
type EntityType struct {
	name        string
	goType      reflect.Type
	table       TableDef
	fields      []*Field
	byName      map[string]*Field
	keys        []*Field
	navigations map[string]*Navigation
}

func (et *EntityType) Name() string { return et.name }

func (et *EntityType) Type() reflect.Type { return et.goType }

func (et *EntityType) Table() TableDef { return et.table }

func (et *EntityType) Fields() []*Field { return et.fields }

func (et *EntityType) Keys() []*Field { return et.keys }

// Field finds a property by name, falling back to a case insensitive match on
// the property or column name.
func (et *EntityType) Field(name string) (*Field, bool) {
	if f, ok := et.byName[name]; ok {
		return f, true
	}

	for _, f := range et.fields {
		if strings.EqualFold(f.Name, name) || strings.EqualFold(f.Column, name) {
			return f, true
		}
	}

	return nil, false
}

// AutoKey returns the store generated key field, if any.
func (et *EntityType) AutoKey() *Field {
	for _, f := range et.keys {
		if f.IsAuto {
			return f
		}
	}

	return nil
}

// Navigation returns the navigation registered under name.
func (et *EntityType) Navigation(name string) (*Navigation, bool) {
	nav, ok := et.navigations[name]
	return nav, ok
}

// New allocates a zero entity and returns a pointer to it.
func (et *EntityType) New() any {
	return reflect.New(et.goType).Interface()
}

// Owns reports whether entity is a pointer to this entity type.
func (et *EntityType) Owns(entity any) bool {
	t := reflect.TypeOf(entity)
	return t != nil && t.Kind() == reflect.Ptr && t.Elem() == et.goType
}

func newEntityType(t reflect.Type, table TableDef, fields []*Field) (*EntityType, error) {
	et := &EntityType{
		name:        t.Name(),
		goType:      t,
		table:       table,
		fields:      fields,
		byName:      make(map[string]*Field, len(fields)),
		navigations: make(map[string]*Navigation),
	}

	autos := 0
	for _, f := range fields {
		if _, dup := et.byName[f.Name]; dup {
			return nil, fmt.Errorf("entity type '%s' declares property %s twice", t, f.Name)
		}

		et.byName[f.Name] = f
		if f.IsKey {
			et.keys = append(et.keys, f)
		}

		if f.IsAuto {
			autos++
		}
	}

	if autos > 1 {
		return nil, fmt.Errorf("entity type '%s' cannot have more than 1 auto field", t)
	}

	return et, nil
}

// EntityOption customizes registration.
type EntityOption func(o *entityOption)

type entityOption struct {
	table TableDef
}

// WithTable overrides the table name.
func WithTable(name string) EntityOption {
	return func(o *entityOption) {
		o.table.Name = name
	}
}

// WithSchema sets the table schema.
func WithSchema(schema string) EntityOption {
	return func(o *entityOption) {
		o.table.Schema = schema
	}
}

// Register builds the descriptor of T from its struct tags and adds it to m.
// The field table and its accessors are computed once here.
func Register[T any](m *Model, options ...EntityOption) (*EntityType, error) {
	if m == nil {
		return nil, nilArgument("model")
	}

	t := reflect.TypeOf((*T)(nil)).Elem()
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("%w: %s is not a struct", ErrInvalidEntity, t)
	}

	opt := &entityOption{}
	for _, op := range options {
		op(opt)
	}

	table := parseTableDef(t)
	if td, ok := reflect.New(t).Interface().(TableDefiner); ok {
		table = td.TableDef()
	}

	if opt.table.Name != "" {
		table.Name = opt.table.Name
	}

	if opt.table.Schema != "" {
		table.Schema = opt.table.Schema
	}

	fields := structFields(t, nil)
	et, err := newEntityType(t, table, fields)
	if err != nil {
		return nil, err
	}

	return et, m.add(et)
}

var timeType = reflect.TypeOf(time.Time{})

func structFields(t reflect.Type, parent []int) []*Field {
	var fields []*Field
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if sf.Type == reflect.TypeOf(DBTable{}) || !sf.IsExported() {
			continue
		}

		tag := ParseDBTag(sf.Tag.Get("db"))
		if tag.Skip {
			continue
		}

		index := append(append([]int{}, parent...), i)
		if sf.Anonymous && sf.Type.Kind() == reflect.Struct && sf.Type != timeType {
			fields = append(fields, structFields(sf.Type, index)...)
			continue
		}

		fields = append(fields, &Field{
			Name:      sf.Name,
			Column:    columnName(sf, tag),
			Element:   elementName(sf),
			Type:      sf.Type,
			Size:      tag.Size,
			IsKey:     tag.IsKey,
			IsAuto:    tag.IsAuto,
			AllowNull: tag.AllowNull,
			Default:   tag.Default,
			get: func(entity any) any {
				return reflect.ValueOf(entity).Elem().FieldByIndex(index).Interface()
			},
			set: func(entity any, value any) error {
				return assign(reflect.ValueOf(entity).Elem().FieldByIndex(index), value)
			},
		})
	}

	return fields
}

func assign(dst reflect.Value, value any) error {
	if value == nil {
		dst.Set(reflect.Zero(dst.Type()))
		return nil
	}

	src := reflect.ValueOf(value)
	switch {
	case src.Type().AssignableTo(dst.Type()):
		dst.Set(src)
	case src.Kind() == reflect.Ptr && src.Elem().Type().AssignableTo(dst.Type()):
		if src.IsNil() {
			dst.Set(reflect.Zero(dst.Type()))
		} else {
			dst.Set(src.Elem())
		}
	case dst.Kind() == reflect.Ptr && src.Type().AssignableTo(dst.Type().Elem()):
		p := reflect.New(dst.Type().Elem())
		p.Elem().Set(src)
		dst.Set(p)
	case isNumberKind(src.Kind()) && isNumberKind(dst.Kind()):
		dst.Set(src.Convert(dst.Type()))
	case src.Kind() == reflect.String && dst.Kind() == reflect.String:
		dst.SetString(src.String())
	default:
		return fmt.Errorf("cannot assign %s to %s", src.Type(), dst.Type())
	}

	return nil
}

func isNumberKind(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}

	return false
}

// PropertyOption customizes a property declared through Define.
type PropertyOption func(f *Field)

func AsKey() PropertyOption { return func(f *Field) { f.IsKey = true; f.AllowNull = false } }

func AsAuto() PropertyOption { return func(f *Field) { f.IsAuto = true } }

func Nullable() PropertyOption { return func(f *Field) { f.AllowNull = true } }

func WithColumn(name string) PropertyOption { return func(f *Field) { f.Column = name } }

func WithElement(name string) PropertyOption { return func(f *Field) { f.Element = name } }

func WithSize(size int) PropertyOption { return func(f *Field) { f.Size = size } }

func WithDefault(value string) PropertyOption { return func(f *Field) { f.Default = value } }

// PropertyDef is one typed property of T, built with Property.
type PropertyDef[T any] struct {
	field *Field
}

// Property declares a persisted property through a typed accessor pair. A nil
// setter makes the property read only; copies skip it.
func Property[T any, V any](name string, get func(*T) V, set func(*T, V), options ...PropertyOption) PropertyDef[T] {
	vt := reflect.TypeOf((*V)(nil)).Elem()
	f := &Field{
		Name:    name,
		Column:  columnName(reflect.StructField{Name: name}, DBTag{}),
		Element: strings.ToLower(name),
		Type:    vt,
		get: func(entity any) any {
			return get(entity.(*T))
		},
	}

	if set != nil {
		f.set = func(entity any, value any) error {
			if v, ok := value.(V); ok {
				set(entity.(*T), v)
				return nil
			}

			var v V
			if err := assign(reflect.ValueOf(&v).Elem(), value); err != nil {
				return fmt.Errorf("property %s: %w", name, err)
			}

			set(entity.(*T), v)
			return nil
		}
	}

	for _, op := range options {
		op(f)
	}

	return PropertyDef[T]{field: f}
}

// Define registers T with an explicit property table instead of struct tags.
func Define[T any](m *Model, table TableDef, props ...PropertyDef[T]) (*EntityType, error) {
	if m == nil {
		return nil, nilArgument("model")
	}

	t := reflect.TypeOf((*T)(nil)).Elem()
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("%w: %s is not a struct", ErrInvalidEntity, t)
	}

	if table.Name == "" {
		table.Name = parseTableDef(t).Name
	}

	fields := Map(props, func(p PropertyDef[T]) *Field { return p.field })
	et, err := newEntityType(t, table, fields)
	if err != nil {
		return nil, err
	}

	return et, m.add(et)
}

// HasMany registers a one-to-many navigation from T to R: every R whose
// foreignField equals the owner's localField is handed to assign.
func HasMany[T any, R any](m *Model, name, localField, foreignField string, assign func(owner *T, related []*R)) error {
	return addNavigation[T, R](m, name, localField, foreignField, true, func(owner any, related []any) {
		assign(owner.(*T), Map(related, func(r any) *R { return r.(*R) }))
	})
}

// HasOne registers a navigation from T to at most one R.
func HasOne[T any, R any](m *Model, name, localField, foreignField string, assign func(owner *T, related *R)) error {
	return addNavigation[T, R](m, name, localField, foreignField, false, func(owner any, related []any) {
		var r *R
		if len(related) > 0 {
			r = related[0].(*R)
		}
		assign(owner.(*T), r)
	})
}

func addNavigation[T any, R any](m *Model, name, localField, foreignField string, many bool, fn func(owner any, related []any)) error {
	owner, err := EntityTypeOf[T](m)
	if err != nil {
		return err
	}

	target, err := EntityTypeOf[R](m)
	if err != nil {
		return err
	}

	local, ok := owner.Field(localField)
	if !ok {
		return fmt.Errorf("navigation %s: %s has no property %s", name, owner.name, localField)
	}

	foreign, ok := target.Field(foreignField)
	if !ok {
		return fmt.Errorf("navigation %s: %s has no property %s", name, target.name, foreignField)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	owner.navigations[name] = &Navigation{
		Name:         name,
		Target:       target.goType,
		LocalField:   local.Name,
		ForeignField: foreign.Name,
		Many:         many,
		assign:       fn,
	}

	return nil
}
