// Package kvstore provides the keyed record storage the compliance core
// persists through. Every backend keeps records in insertion order so that
// scans of an append-only collection come back in the order they were written.
package kvstore

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get and Delete when no record exists for the id.
var ErrNotFound = errors.New("kvstore: record not found")

// Store is a keyed collection of records of type T.
//
// Put on an existing id replaces the record but keeps its original position
// in the insertion order.
type Store[T any] interface {
	Get(ctx context.Context, id string) (T, error)
	Put(ctx context.Context, id string, record T) error
	Delete(ctx context.Context, id string) error
	// Scan returns every record for which match returns true, in insertion
	// order. A nil match selects all records.
	Scan(ctx context.Context, match func(T) bool) ([]T, error)
	// ScanWhere is Scan restricted to records whose top-level JSON fields
	// equal every entry of where. Backends evaluate where natively when
	// they can; match, if non-nil, is applied afterwards.
	ScanWhere(ctx context.Context, where map[string]string, match func(T) bool) ([]T, error)
	Count(ctx context.Context) (int, error)
}

// Locker is implemented by stores that can run a critical section which is
// exclusive across every process sharing the backend. Store calls made with
// the context passed to fn take part in the section.
type Locker interface {
	Locked(ctx context.Context, fn func(ctx context.Context) error) error
}

// Exclusive runs fn under s's lock when s is a Locker, and directly
// otherwise.
func Exclusive[T any](ctx context.Context, s Store[T], fn func(ctx context.Context) error) error {
	if l, ok := s.(Locker); ok {
		return l.Locked(ctx, fn)
	}
	return fn(ctx)
}
