package syncclient

import (
	"errors"
	"fmt"
)

var (
	ErrValidation = errors.New("validation failed")
	ErrPermission = errors.New("cell is locked")
	ErrWrite      = errors.New("write rejected")
	ErrLoad       = errors.New("load failed")
)

// ValidationError is a cell whose text does not fit its column. It is
// handled where detected and never reaches the network.
type ValidationError struct {
	List   string
	Row    int
	Column int
	Value  string
	Err    error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid value %q at %s row %d col %d: %v", e.Value, e.List, e.Row, e.Column, e.Err)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// PermissionError is an edit of a locked cell.
type PermissionError struct {
	List   string
	Row    int
	Column int
	Role   string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("cell %s row %d col %d is locked for role %s", e.List, e.Row, e.Column, e.Role)
}

func (e *PermissionError) Is(target error) bool {
	return target == ErrPermission
}

// WriteError is a create, update or delete the backend refused, either
// with a failing status or with the embedded ERROR marker.
type WriteError struct {
	Op      string
	Status  int
	Message string
	Err     error
}

func (e *WriteError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s rejected (%d): %s", e.Op, e.Status, e.Message)
	}
	return fmt.Sprintf("%s rejected: %s", e.Op, e.Message)
}

func (e *WriteError) Is(target error) bool {
	return target == ErrWrite
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// LoadError is a failed list fetch. Previously loaded data is kept.
type LoadError struct {
	Err error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load lists: %v", e.Err)
}

func (e *LoadError) Is(target error) bool {
	return target == ErrLoad
}

func (e *LoadError) Unwrap() error {
	return e.Err
}
