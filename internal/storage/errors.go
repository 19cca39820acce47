package storage

import (
	"errors"
	"fmt"
)

// ErrSlugTaken is returned when an otherwise new article collides on its slug.
var ErrSlugTaken = errors.New("slug already taken")

// PersistenceError wraps a failed store operation.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

func persistErr(op string, err error) error {
	return &PersistenceError{Op: op, Err: err}
}
