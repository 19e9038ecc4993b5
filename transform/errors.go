package transform

import "errors"

// ErrUnknown is returned by Parse for an identifier with no registered transform.
var ErrUnknown = errors.New("transform: unknown transform")

// ErrBadArg is returned by Parse for a missing or invalid step argument.
var ErrBadArg = errors.New("transform: bad argument")
