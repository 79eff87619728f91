// Package apperr defines the error taxonomy shared by the catalog, scanner,
// upload pipeline and HTTP layer.
package apperr

import (
	"errors"
	"fmt"
	"strings"
)

// NotFoundError is returned when an id or path does not resolve.
type NotFoundError struct {
	Kind string
	Key  any
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %v not found", e.Kind, e.Key)
}

// DuplicateError is returned when a unique name or checksum already exists.
type DuplicateError struct {
	Kind string
	Key  any
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("%s %v already exists", e.Kind, e.Key)
}

// ValidationError represents malformed caller input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// PartialCascadeError is returned when a cascading delete could not remove
// every file. The catalog rows are left in place.
type PartialCascadeError struct {
	Paths []string
	Err   error
}

func (e *PartialCascadeError) Error() string {
	return fmt.Sprintf("could not remove %d file(s) (%s): %v", len(e.Paths), strings.Join(e.Paths, ", "), e.Err)
}

func (e *PartialCascadeError) Unwrap() error {
	return e.Err
}

// PathTraversalError is returned when a path resolves outside the allowed root.
type PathTraversalError struct {
	Path string
	Root string
}

func (e *PathTraversalError) Error() string {
	return fmt.Sprintf("path %q is outside %q", e.Path, e.Root)
}

func NotFound(kind string, key any) error {
	return &NotFoundError{Kind: kind, Key: key}
}

func Duplicate(kind string, key any) error {
	return &DuplicateError{Kind: kind, Key: key}
}

func Invalid(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

func IsDuplicate(err error) bool {
	var target *DuplicateError
	return errors.As(err, &target)
}

func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

func IsPartialCascade(err error) bool {
	var target *PartialCascadeError
	return errors.As(err, &target)
}

func IsPathTraversal(err error) bool {
	var target *PathTraversalError
	return errors.As(err, &target)
}
