package storage

import (
	"errors"
	"fmt"

	"github.com/tanujdargan/html.ai/internal/model"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrConflict is returned when an optimistic compare-and-set loses a race.
var ErrConflict = errors.New("storage: conflict")

// wrapNotFound joins a local sentinel with model.ErrNotFound so callers one
// layer up can branch on either without caring which package raised it.
func wrapNotFound(op string) error {
	return fmt.Errorf("storage: %s: %w: %w", op, ErrNotFound, model.ErrNotFound)
}

// wrapConflict joins a local sentinel with model.ErrConflict.
func wrapConflict(op string) error {
	return fmt.Errorf("storage: %s: %w: %w", op, ErrConflict, model.ErrConflict)
}

// wrapUnavailable surfaces exhausted retries as model.ErrStorageDown per
// SPEC_FULL.md §4.1's failure semantics.
func wrapUnavailable(op string, err error) error {
	return fmt.Errorf("storage: %s: %w: %w", op, model.ErrStorageDown, err)
}
