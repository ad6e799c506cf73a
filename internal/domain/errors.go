package domain

import "errors"

// ErrEmptyTable marks a well-formed retrieval that produced no rows.
var ErrEmptyTable = errors.New("no data: empty table")
