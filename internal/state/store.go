// Package state is the small durable KV used for crash-safe bookkeeping:
// the keeper monitor's transaction cursor and the last-used broadcast seqno.
package state

import (
	"context"
	"strconv"
	"strings"
)

type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// GetUint64 reads a persisted counter. Absent or unparsable entries read as
// not present, so a corrupted value degrades to a re-derived counter rather
// than an error.
func GetUint64(ctx context.Context, s Store, key string) (uint64, bool, error) {
	raw, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return 0, false, err
	}
	val, perr := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if perr != nil {
		return 0, false, nil
	}
	return val, true, nil
}

// SetUint64 persists a counter value.
func SetUint64(ctx context.Context, s Store, key string, val uint64) error {
	return s.Set(ctx, key, strconv.FormatUint(val, 10))
}
