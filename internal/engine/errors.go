package engine

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownOrInactiveBuffer = errors.New("buffer config not found or inactive")
	ErrMalformedPayload        = errors.New("malformed payload")
)

// RepositoryError is a persistence failure surfaced to the caller.
type RepositoryError struct {
	Op  string
	Err error
}

func (e *RepositoryError) Error() string {
	return fmt.Sprintf("repository: %s: %v", e.Op, e.Err)
}

func (e *RepositoryError) Unwrap() error { return e.Err }

func repoErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &RepositoryError{Op: op, Err: err}
}
