package domain

import "errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidDocument = errors.New("invalid document")
	ErrSignature       = errors.New("signature verification failed")
	ErrPermission      = errors.New("permission denied")
	ErrSelfReference   = errors.New("self referential document")
	ErrStale           = errors.New("record is stale")
)
