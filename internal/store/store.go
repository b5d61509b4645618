// Package store defines the shared document store the sync layer talks
// to: per-collection subscriptions, single document reads, and merge
// writes. Backends live in the pgstore and memstore subpackages.
package store

import (
	"context"
	"errors"
	"fmt"
)

// Document is a decoded JSON object. Numbers decode as float64.
type Document map[string]any

// Snapshot is the full current value of one document.
type Snapshot struct {
	ID   string
	Data Document
}

type SetOptions struct {
	// Merge writes only the given fields; otherwise the document is replaced.
	Merge bool
	// KeepExisting makes fields already present in the stored document win
	// over the given ones, so a merge only fills unset fields.
	KeepExisting bool
}

// BatchFunc receives the current values of changed documents. The first
// batch of a subscription holds the whole collection.
type BatchFunc func(batch []Snapshot)

// ErrorFunc reports a subscription failure. The subscription is dead
// after it fires.
type ErrorFunc func(err error)

type Store interface {
	// Subscribe calls onBatch for every change to the collection until the
	// returned unsubscribe func is called or onError fires. Unsubscribe
	// never blocks on a running callback.
	Subscribe(ctx context.Context, collection string, onBatch BatchFunc, onError ErrorFunc) (unsubscribe func(), err error)
	// Get returns ok=false when the document does not exist.
	Get(ctx context.Context, collection, id string) (doc Document, ok bool, err error)
	Set(ctx context.Context, collection, id string, partial Document, opts SetOptions) error
}

type Code string

const (
	Unknown           Code = "unknown"
	PermissionDenied  Code = "permission-denied"
	ResourceExhausted Code = "resource-exhausted"
	Unavailable       Code = "unavailable"
)

// Error is a store failure tagged with the code callers branch on.
type Error struct {
	Code Code
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func NewError(code Code, op string, err error) *Error {
	return &Error{Code: code, Op: op, Err: err}
}

// CodeOf returns the code of the first *Error in err's chain, Unknown if
// there is none and "" for a nil error.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Unavailable
	}
	return Unknown
}

func IsCode(err error, code Code) bool { return CodeOf(err) == code }

// Merge applies partial onto base following opts and returns a new document.
func Merge(base, partial Document, opts SetOptions) Document {
	out := make(Document, len(base)+len(partial))
	if opts.Merge {
		for k, v := range base {
			out[k] = v
		}
	}
	for k, v := range partial {
		if _, exists := out[k]; exists && opts.Merge && opts.KeepExisting {
			continue
		}
		out[k] = v
	}
	return out
}
