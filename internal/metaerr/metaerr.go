// Package metaerr attaches structured key/value metadata to errors so that it
// can be logged where the error is finally handled instead of being baked into
// the error message.
package metaerr

import (
	"errors"
)

type metaError struct {
	err  error
	meta []any
}

func (e *metaError) Error() string {
	return e.err.Error()
}

func (e *metaError) Unwrap() error {
	return e.err
}

// WithMetadata wraps err with the given key/value pairs.
// A nil error stays nil. A trailing key without a value is dropped.
func WithMetadata(err error, kvs ...any) error {
	if err == nil {
		return nil
	}
	if len(kvs)%2 != 0 {
		kvs = kvs[:len(kvs)-1]
	}
	return &metaError{
		err:  err,
		meta: kvs,
	}
}

// GetMetadata returns the key/value pairs attached anywhere in the chain of
// err, outermost first. The result can be passed to slog.With directly.
func GetMetadata(err error) []any {
	var kvs []any
	for err != nil {
		if me, ok := err.(*metaError); ok {
			kvs = append(kvs, me.meta...)
		}
		err = errors.Unwrap(err)
	}
	return kvs
}
