package entstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EntityState is the staging state of an entity in a Session.
type EntityState int

const (
	StateDetached EntityState = iota
	StateAdded
	StateModified
	StateDeleted
)

func (s EntityState) String() string {
	switch s {
	case StateAdded:
		return "added"
	case StateModified:
		return "modified"
	case StateDeleted:
		return "deleted"
	}

	return "detached"
}

type change struct {
	et     *EntityType
	entity any
	state  EntityState
}

// Session stages changes to entities and reads through a Driver. Queries see
// the staged changes on top of the committed rows. At most one transaction
// is open per session.
type Session struct {
	driver  Driver
	model   *Model
	logger  *slog.Logger
	metrics *Metrics

	mu      sync.Mutex
	changes []*change
	tx      *sessionTx
	closed  bool
}

func NewSession(driver Driver, model *Model, options ...SessionOption) (*Session, error) {
	if driver == nil {
		return nil, nilArgument("driver")
	}

	if model == nil {
		return nil, nilArgument("model")
	}

	opt := &sessionOption{}
	for _, op := range options {
		op(opt)
	}

	logger := opt.logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Session{
		driver:  driver,
		model:   model,
		logger:  logger.With(slog.String("driver", driver.Name())),
		metrics: opt.metrics,
	}, nil
}

func (s *Session) Model() *Model { return s.model }

func (s *Session) Driver() Driver { return s.driver }

func (s *Session) Logger() *slog.Logger { return s.logger }

func (s *Session) resolve(entity any) (*EntityType, error) {
	if isNil(entity) {
		return nil, nilArgument("entity")
	}

	et, err := s.model.EntityType(reflect.TypeOf(entity))
	if err != nil {
		return nil, err
	}

	if !et.Owns(entity) {
		return nil, fmt.Errorf("%w: expected *%s, got %T", ErrInvalidEntity, et.goType, entity)
	}

	return et, nil
}

// Add stages entity for insertion.
func (s *Session) Add(entity any) error {
	et, err := s.resolve(entity)
	if err != nil {
		return err
	}

	return s.stage(et, entity, StateAdded)
}

// Update stages entity for an update by key.
func (s *Session) Update(entity any) error {
	et, err := s.resolve(entity)
	if err != nil {
		return err
	}

	return s.stage(et, entity, StateModified)
}

// Remove stages entity for deletion. Removing an entity that is staged for
// insertion only unstages it.
func (s *Session) Remove(entity any) error {
	et, err := s.resolve(entity)
	if err != nil {
		return err
	}

	return s.stage(et, entity, StateDeleted)
}

func (s *Session) stage(et *EntityType, entity any, state EntityState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}

	for i, c := range s.changes {
		if c.entity != entity {
			continue
		}

		switch {
		case state == StateDeleted && c.state == StateAdded:
			s.changes = slices.Delete(s.changes, i, i+1)
		case state == StateDeleted:
			c.state = StateDeleted
		case c.state == StateDeleted:
			c.state = StateModified
		}

		return nil
	}

	s.changes = append(s.changes, &change{et: et, entity: entity, state: state})
	return nil
}

// State reports how entity is currently staged.
func (s *Session) State(entity any) EntityState {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.changes {
		if c.entity == entity {
			return c.state
		}
	}

	return StateDetached
}

func (s *Session) HasChanges() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.changes) > 0
}

func (s *Session) snapshot(et *EntityType) ([]change, *sessionTx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, nil, ErrSessionClosed
	}

	var overlay []change
	for _, c := range s.changes {
		if c.et == et {
			overlay = append(overlay, *c)
		}
	}

	return overlay, s.tx, nil
}

func (s *Session) read(ctx context.Context, tx *sessionTx, fn func(dtx DriverTx) error) error {
	if tx != nil {
		return fn(tx.dtx)
	}

	dtx, err := s.driver.Begin(ctx, TxOptions{ReadOnly: true})
	if err != nil {
		return err
	}

	defer dtx.Rollback(ctx)
	return fn(dtx)
}

func (s *Session) canTranslate(et *EntityType, p Predicate) bool {
	if tr, ok := s.driver.(PredicateTranslator); ok {
		return tr.Translatable(et, p)
	}

	return translatable(et, p)
}

// split separates the part of p the driver can evaluate from the rest. Only
// top level AND junctions are split.
func (s *Session) split(et *EntityType, p Predicate) (pushdown, residual Predicate) {
	if p == nil || s.canTranslate(et, p) {
		return p, nil
	}

	j, ok := p.(Junction)
	if !ok || j.Logic != LogicAnd {
		return nil, p
	}

	var push, rest []Predicate
	for _, sub := range j.Predicates {
		if s.canTranslate(et, sub) {
			push = append(push, sub)
		} else {
			rest = append(rest, sub)
		}
	}

	return And(push...), And(rest...)
}

// QueryOf starts a query over T in s.
func QueryOf[T any](s *Session) (Query[T], error) {
	if s == nil {
		return Query[T]{}, nilArgument("session")
	}

	et, err := EntityTypeOf[T](s.model)
	if err != nil {
		return Query[T]{}, err
	}

	return newQuery[T](s, et), nil
}

func (s *Session) query(ctx context.Context, et *EntityType, plan QueryPlan) ([]any, error) {
	overlay, tx, err := s.snapshot(et)
	if err != nil {
		return nil, err
	}

	pushdown, residual := s.split(et, plan.Filter)
	inMemory := len(overlay) > 0 || residual != nil
	s.metrics.observeQuery(et.name, inMemory)

	storePlan := QueryPlan{Filter: pushdown}
	if !inMemory {
		storePlan.Orders = plan.Orders
		storePlan.Offset = plan.Offset
		storePlan.Limit = plan.Limit
	}

	var rows []any
	err = s.read(ctx, tx, func(dtx DriverTx) error {
		var err error
		rows, err = dtx.Select(ctx, et, storePlan)
		return err
	})
	if err != nil {
		return nil, err
	}

	if inMemory {
		s.logger.Debug("evaluating query in memory",
			slog.String("entity", et.name),
			slog.Int("staged", len(overlay)),
			slog.Bool("residual", residual != nil))

		rows = applyOverlay(et, rows, overlay)
		if rows, err = filterEntities(et, rows, plan.Filter); err != nil {
			return nil, err
		}

		if err := sortEntities(et, rows, plan.Orders); err != nil {
			return nil, err
		}

		rows = page(rows, plan.Offset, plan.Limit)
	}

	if len(plan.Includes) > 0 && len(rows) > 0 {
		if err := s.loadIncludes(ctx, et, rows, plan.Includes); err != nil {
			return nil, err
		}
	}

	return rows, nil
}

func (s *Session) count(ctx context.Context, et *EntityType, plan QueryPlan) (int, error) {
	overlay, tx, err := s.snapshot(et)
	if err != nil {
		return 0, err
	}

	pushdown, residual := s.split(et, plan.Filter)
	if len(overlay) == 0 && residual == nil && !plan.paged() {
		s.metrics.observeQuery(et.name, false)

		var n int
		err = s.read(ctx, tx, func(dtx DriverTx) error {
			var err error
			n, err = dtx.Count(ctx, et, pushdown)
			return err
		})
		return n, err
	}

	plan.Orders = nil
	plan.Includes = nil
	rows, err := s.query(ctx, et, plan)
	return len(rows), err
}

// applyOverlay replaces committed rows by their staged versions: rows staged
// in any state are hidden by key, then staged adds and updates are appended.
func applyOverlay(et *EntityType, rows []any, overlay []change) []any {
	if len(overlay) == 0 {
		return rows
	}

	hidden := make(map[string]bool)
	var staged []any
	for _, c := range overlay {
		if len(et.keys) > 0 {
			hidden[keyString(et.keyValues(c.entity))] = true
		}

		if c.state != StateDeleted {
			staged = append(staged, c.entity)
		}
	}

	result := make([]any, 0, len(rows)+len(staged))
	for _, row := range rows {
		if len(et.keys) > 0 && hidden[keyString(et.keyValues(row))] {
			continue
		}
		result = append(result, row)
	}

	return append(result, staged...)
}

func filterEntities(et *EntityType, rows []any, p Predicate) ([]any, error) {
	if p == nil {
		return rows, nil
	}

	result := make([]any, 0, len(rows))
	for _, row := range rows {
		ok, err := Evaluate(et, p, row)
		if err != nil {
			return nil, err
		}

		if ok {
			result = append(result, row)
		}
	}

	return result, nil
}

func sortEntities(et *EntityType, rows []any, orders []Order) error {
	if len(orders) == 0 {
		return nil
	}

	fields := make([]*Field, len(orders))
	for i, o := range orders {
		f, ok := et.Field(o.Field)
		if !ok {
			return fmt.Errorf("cannot sort %s by unknown property %s", et.name, o.Field)
		}
		fields[i] = f
	}

	sort.SliceStable(rows, func(i, j int) bool {
		for k, f := range fields {
			c, _ := compareValues(f.Get(rows[i]), f.Get(rows[j]))
			if c == 0 {
				continue
			}

			if orders[k].Desc {
				return c > 0
			}
			return c < 0
		}

		return false
	})

	return nil
}

func page[V any](rows []V, offset, limit int) []V {
	if offset >= len(rows) {
		return nil
	}

	rows = rows[offset:]
	if limit > 0 && limit < len(rows) {
		rows = rows[:limit]
	}

	return rows
}

func (s *Session) loadIncludes(ctx context.Context, et *EntityType, rows []any, includes []string) error {
	var names []string
	nested := make(map[string][]string)
	for _, path := range includes {
		head, rest, _ := strings.Cut(path, ".")
		if _, ok := nested[head]; !ok {
			names = append(names, head)
			nested[head] = nil
		}

		if rest != "" {
			nested[head] = append(nested[head], rest)
		}
	}

	for _, name := range names {
		nav, ok := et.Navigation(name)
		if !ok {
			return fmt.Errorf("%s has no navigation %s", et.name, name)
		}

		target, err := s.model.EntityType(nav.Target)
		if err != nil {
			return err
		}

		local, _ := et.Field(nav.LocalField)
		foreign, _ := target.Field(nav.ForeignField)

		seen := make(map[string]bool)
		var values []any
		for _, row := range rows {
			v := unwrapValue(local.Get(row))
			if v == nil {
				continue
			}

			if k := keyString([]any{v}); !seen[k] {
				seen[k] = true
				values = append(values, v)
			}
		}

		groups := make(map[string][]any)
		if len(values) > 0 {
			related, err := s.query(ctx, target, QueryPlan{Filter: In(foreign.Name, values), Includes: nested[name]})
			if err != nil {
				return err
			}

			for _, r := range related {
				k := keyString([]any{foreign.Get(r)})
				groups[k] = append(groups[k], r)
			}
		}

		for _, row := range rows {
			nav.assign(row, groups[keyString([]any{local.Get(row)})])
		}
	}

	return nil
}

// Find returns the entity with the given key, the staged instance first.
// A missing entity is (nil, nil).
func (s *Session) Find(ctx context.Context, et *EntityType, key ...any) (any, error) {
	if et == nil {
		return nil, nilArgument("entity type")
	}

	if len(et.keys) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoPrimaryKey, et.name)
	}

	if len(key) != len(et.keys) {
		return nil, fmt.Errorf("%w: %s expects %d key values, got %d", ErrInvalidEntity, et.name, len(et.keys), len(key))
	}

	overlay, tx, err := s.snapshot(et)
	if err != nil {
		return nil, err
	}

	want := keyString(key)
	for _, c := range overlay {
		if keyString(et.keyValues(c.entity)) != want {
			continue
		}

		if c.state == StateDeleted {
			return nil, nil
		}

		return c.entity, nil
	}

	var found any
	err = s.read(ctx, tx, func(dtx DriverTx) error {
		var err error
		found, err = dtx.Get(ctx, et, key)
		return err
	})
	if errors.Is(err, ErrKeyNotFound) {
		return nil, nil
	}

	return found, err
}

// Reload overwrites entity with its stored copy. Nothing happens when the
// row does not exist.
func (s *Session) Reload(ctx context.Context, entity any) error {
	et, err := s.resolve(entity)
	if err != nil {
		return err
	}

	if len(et.keys) == 0 {
		return fmt.Errorf("%w: %s", ErrNoPrimaryKey, et.name)
	}

	_, tx, err := s.snapshot(et)
	if err != nil {
		return err
	}

	key := et.keyValues(entity)
	var stored any
	err = s.read(ctx, tx, func(dtx DriverTx) error {
		var err error
		stored, err = dtx.Get(ctx, et, key)
		return err
	})
	if errors.Is(err, ErrKeyNotFound) {
		s.logger.Debug("reload skipped, row not found", slog.String("entity", et.name), slog.String("key", keyString(key)))
		return nil
	}

	if err != nil {
		return err
	}

	return et.CopyPersistedProperties(stored, entity)
}

// SaveChanges writes every staged change in call order inside the open
// transaction, or inside a new one it commits. Staged changes are kept when
// the save fails.
func (s *Session) SaveChanges(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}

	pending := append([]*change(nil), s.changes...)
	tx := s.tx
	s.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	start := time.Now()
	err := s.apply(ctx, tx, pending)
	s.metrics.observeSave(start, err)
	if err != nil {
		s.logger.Error("failed to save changes",
			slog.Int("changes", len(pending)),
			slog.String("error", err.Error()))
		return err
	}

	s.mu.Lock()
	s.changes = slices.DeleteFunc(s.changes, func(c *change) bool {
		return slices.Contains(pending, c)
	})
	s.mu.Unlock()

	s.logger.Debug("changes saved",
		slog.Int("changes", len(pending)),
		slog.Duration("elapsed", time.Since(start)))

	return nil
}

func (s *Session) apply(ctx context.Context, tx *sessionTx, pending []*change) error {
	var generated []*change
	err := func() error {
		if tx != nil {
			return writeChanges(ctx, tx.dtx, pending, &generated)
		}

		dtx, err := s.driver.Begin(ctx, TxOptions{})
		if err != nil {
			return err
		}

		if err := writeChanges(ctx, dtx, pending, &generated); err != nil {
			_ = dtx.Rollback(ctx)
			return err
		}

		return dtx.Commit(ctx)
	}()

	if err != nil {
		for _, c := range generated {
			auto := c.et.AutoKey()
			_ = auto.Set(c.entity, reflect.Zero(auto.Type).Interface())
		}
	}

	return err
}

func writeChanges(ctx context.Context, dtx DriverTx, pending []*change, generated *[]*change) error {
	for i := 0; i < len(pending); {
		c := pending[i]
		if c.state != StateAdded && len(c.et.keys) == 0 {
			return fmt.Errorf("%w: %s", ErrNoPrimaryKey, c.et.name)
		}

		switch c.state {
		case StateAdded:
			if auto := c.et.AutoKey(); auto != nil && auto.IsZero(c.entity) {
				*generated = append(*generated, c)
				if err := assignClientKey(auto, c.entity); err != nil {
					return err
				}
			}

			if err := dtx.Insert(ctx, c.et, c.entity); err != nil {
				return err
			}
			i++
		case StateModified:
			if err := dtx.Update(ctx, c.et, c.entity); err != nil {
				return err
			}
			i++
		case StateDeleted:
			var keys [][]any
			j := i
			for ; j < len(pending) && pending[j].state == StateDeleted && pending[j].et == c.et; j++ {
				keys = append(keys, c.et.keyValues(pending[j].entity))
			}

			if err := dtx.Delete(ctx, c.et, keys); err != nil {
				return err
			}
			i = j
		default:
			i++
		}
	}

	return nil
}

var uuidType = reflect.TypeOf(uuid.UUID{})

// assignClientKey fills auto keys that the client generates: strings and
// uuid.UUID values get a random UUID. Other kinds are left to the driver.
func assignClientKey(auto *Field, entity any) error {
	switch {
	case auto.Type == uuidType:
		return auto.Set(entity, uuid.New())
	case auto.Type.Kind() == reflect.String:
		return auto.Set(entity, uuid.NewString())
	}

	return nil
}

// BeginTransaction opens the session transaction. Reads and saves go through
// it until it is committed or rolled back.
func (s *Session) BeginTransaction(ctx context.Context, options ...TxOption) (Transaction, error) {
	opts := TxOptions{}
	for _, op := range options {
		op(&opts)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSessionClosed
	}

	if s.tx != nil {
		return nil, ErrTransactionInProgress
	}

	dtx, err := s.driver.Begin(ctx, opts)
	if err != nil {
		return nil, err
	}

	s.tx = &sessionTx{s: s, dtx: dtx}
	s.logger.Debug("transaction started",
		slog.String("isolation", opts.Isolation.String()),
		slog.Bool("readonly", opts.ReadOnly))

	return s.tx, nil
}

func (s *Session) release(tx *sessionTx) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tx == tx {
		s.tx = nil
	}
}

// Close rolls back the open transaction and drops staged changes. The
// driver stays open; it may be shared by other sessions.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}

	s.closed = true
	s.changes = nil
	tx := s.tx
	s.mu.Unlock()

	if tx != nil {
		return tx.Rollback(context.Background())
	}

	return nil
}

type sessionTx struct {
	s   *Session
	dtx DriverTx

	mu   sync.Mutex
	done bool
}

func (t *sessionTx) Commit(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.done {
		return ErrTransactionDone
	}

	t.done = true
	t.s.release(t)
	return t.dtx.Commit(ctx)
}

// Rollback after Commit or Rollback is a no-op so it can be deferred.
func (t *sessionTx) Rollback(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.done {
		return nil
	}

	t.done = true
	t.s.release(t)
	return t.dtx.Rollback(ctx)
}
