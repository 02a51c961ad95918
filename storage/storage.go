// Package storage defines the backend abstraction used by querycache.
//
// A Storage keeps opaque result bytes under a fixed-width Key together with
// the time the value was inserted. Freshness is decided at read time: the
// caller passes a soft and a hard TTL with every GetValue, so different
// callers may apply different staleness tolerances to the same entry.
//
// Backends register themselves with Register from an init function, the
// same way database/sql drivers do, and are instantiated through a Factory:
//
//	import _ "github.com/unkn0wn-root/querycache/storage/memory"
//
//	f, err := storage.Open("memory")
//	s, err := f.CreateStorage(storage.Config{Name: "main", HardTTL: time.Minute})
package storage

import (
	"context"
	"time"
)

// Flags modify a single GetValue call.
type Flags uint32

const (
	FlagNone Flags = 0x00
	// FlagIncludeStale returns values older than the soft TTL (but not the
	// hard TTL) together with Stale instead of treating them as missing.
	FlagIncludeStale Flags = 0x01
)

// Info selects sections of a storage report.
type Info uint32

const (
	InfoBasic Info = 0x01
	InfoStats Info = 0x02
	InfoAll        = InfoBasic | InfoStats
)

// Storage is a key/value store with TTL-aware reads.
// Implementations must be safe for concurrent use. Concurrent PutValue calls
// for the same key are last-write-wins.
type Storage interface {
	// GetValue returns the value stored under key.
	// softTTL and hardTTL may be UseConfigTTL to apply the configured values.
	// The value is non-nil only when the result IsOK; the caller owns it.
	GetValue(ctx context.Context, key Key, flags Flags, softTTL, hardTTL time.Duration) ([]byte, Result)

	// PutValue inserts or overwrites the value for key.
	PutValue(ctx context.Context, key Key, value []byte) Result

	// DelValue removes key. An absent key is not an error.
	DelValue(ctx context.Context, key Key) Result

	// GetInfo reports backend statistics for the requested sections.
	GetInfo(ctx context.Context, what Info) (map[string]any, Result)

	// Close releases the resources held by the storage.
	Close(ctx context.Context) error
}
