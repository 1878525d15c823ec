// Package readableid allocates human-facing sequential identifiers such as
// BK-2501-0042. Allocation is serialized per (kind, period) in the database so
// every service instance shares the same sequence.
package readableid

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind names the entity family a counter belongs to.
type Kind string

const (
	KindBooking Kind = "BOOKING"
	KindWallet  Kind = "WALLET"
)

var prefixes = map[Kind]string{
	KindBooking: "BK",
	KindWallet:  "WL",
}

// ErrUnknownKind is returned for kinds without a registered prefix.
var ErrUnknownKind = errors.New("readableid: unknown kind")

// Store increments the counter row for (kind, period) and returns the
// post-increment value. Implementations must serialize concurrent callers.
type Store interface {
	Increment(ctx context.Context, kind Kind, period string) (int64, error)
}

// Allocator hands out readable identifiers.
type Allocator struct {
	store Store
	loc   *time.Location
}

// NewAllocator constructs an Allocator. Periods are computed in UTC.
func NewAllocator(store Store) *Allocator {
	return &Allocator{store: store, loc: time.UTC}
}

// Next allocates the next identifier for kind in the period containing at.
func (a *Allocator) Next(ctx context.Context, kind Kind, at time.Time) (string, error) {
	if a == nil || a.store == nil {
		return "", errors.New("readableid: allocator not configured")
	}
	if _, ok := prefixes[kind]; !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	period := Period(at.In(a.loc))
	n, err := a.store.Increment(ctx, kind, period)
	if err != nil {
		return "", fmt.Errorf("readableid: increment %s/%s: %w", kind, period, err)
	}
	return Format(kind, period, n), nil
}

// Period renders the YYMM bucket used for counters.
func Period(t time.Time) string {
	return t.Format("0601")
}

// Format composes the readable identifier. Sequences are padded to four
// digits and grow beyond that without truncation.
func Format(kind Kind, period string, n int64) string {
	prefix, ok := prefixes[kind]
	if !ok {
		prefix = string(kind)
	}
	return fmt.Sprintf("%s-%s-%04d", prefix, period, n)
}
