package entstore

import (
	"errors"
	"fmt"
)

var (
	ErrKeyAlreadyExists = errors.New("key already exists")
	ErrKeyNotFound      = errors.New("key not found")

	ErrNilArgument   = errors.New("argument cannot be nil")
	ErrEntityType    = errors.New("entity type not available")
	ErrNoPrimaryKey  = errors.New("entity type has no primary key")
	ErrInvalidEntity = errors.New("invalid entity")

	ErrNoElements         = errors.New("sequence contains no elements")
	ErrMoreThanOneElement = errors.New("sequence contains more than one element")

	ErrConcurrencyConflict   = errors.New("concurrency conflict")
	ErrTransactionInProgress = errors.New("a transaction is already in progress")
	ErrTransactionDone       = errors.New("transaction has already been committed or rolled back")
	ErrSessionClosed         = errors.New("session is closed")
	ErrUnsupported           = errors.New("operation not supported by driver")
)

// EntityTypeError reports a type that was never registered in the Model.
type EntityTypeError struct {
	TypeName string
}

func (e *EntityTypeError) Error() string {
	return fmt.Sprintf("the entity type '%s' is not available in this model", e.TypeName)
}

func (e *EntityTypeError) Unwrap() error {
	return ErrEntityType
}

func nilArgument(name string) error {
	return fmt.Errorf("%w: %s", ErrNilArgument, name)
}
