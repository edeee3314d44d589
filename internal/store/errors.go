package store

import "errors"

// Token consumption outcomes. Each maps to a distinct terminal result
// for the caller; none of them leaves the store mutated.
var (
	ErrTokenNotFound = errors.New("connection token not found")
	ErrTokenExpired  = errors.New("connection token expired")
	ErrTokenUsed     = errors.New("connection token already used")
)
