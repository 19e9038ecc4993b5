package writable

import "errors"

// ErrSealed is returned when a stage tries to change an emitted writable.
var ErrSealed = errors.New("writable: sealed")

// ErrUnknownField is returned when a stage addresses a key that was not
// created from the schema. Keys can never be added or renamed.
var ErrUnknownField = errors.New("writable: unknown field")

// ErrFieldMissing is returned by Get for a slot that holds Missing.
var ErrFieldMissing = errors.New("writable: field missing")
