package storage

import (
	"errors"
	"strings"
)

// ErrNotFound and ErrAlreadyExists are the two sentinel errors repository
// methods map missing-row and unique-violation failures onto, so callers can
// use errors.Is instead of inspecting driver error codes (spec.md §6:
// "a Prisma-style race ALREADY_EXISTS signal must be distinguishable from
// other failures").
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// isUniqueViolation recognizes a unique-constraint violation across both
// supported drivers without importing pgconn/sqlite error types directly,
// matching the teacher's preference for keeping storage dialect-neutral
// at the call site.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "23505") ||
		strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "unique constraint")
}
