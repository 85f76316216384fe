package storage

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrExists       = errors.New("destination exists")
	ErrNotDirectory = errors.New("not a directory")
	ErrIsDirectory  = errors.New("is a directory")
	ErrInvalidName  = errors.New("invalid name")
	ErrStorageIO    = errors.New("storage i/o failure")
)

// ioError marks err as a metadata-store or disk failure.
func ioError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStorageIO, err)
}

// collision is returned when a name is already taken inside a parent.
func collision(name string) error {
	return fmt.Errorf("%w: %w: %q", ErrConflict, ErrExists, name)
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// ValidName reports whether name may be used for a node.
func ValidName(name string) bool {
	if name == "" || name == "." || name == ".." || len(name) > 255 {
		return false
	}
	return !strings.ContainsAny(name, "/\\\x00")
}
