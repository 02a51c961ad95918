package util

import (
	"time"

	"github.com/unkn0wn-root/querycache/internal/wire"
	"github.com/unkn0wn-root/querycache/storage"
)

// Frame wraps value with the current wall-clock time of cfg.Clock.
func Frame(cfg storage.Config, value []byte) []byte {
	return wire.EncodeEntry(cfg.Clock.Now().UnixMilli(), value)
}

// Unframe decodes raw and applies the TTLs of one read. The returned value
// is a copy, so callers may keep or modify it even when raw is owned by an
// in-process cache.
// A decode error means the entry should be dropped by the caller.
func Unframe(cfg storage.Config, raw []byte, flags storage.Flags, softTTL, hardTTL time.Duration) ([]byte, storage.Result, error) {
	inserted, payload, err := wire.DecodeEntry(raw)
	if err != nil {
		return nil, storage.NotFound, err
	}
	age := cfg.Clock.Now().Sub(time.UnixMilli(inserted))
	if age < 0 {
		// clock skew between writers; treat as fresh
		age = 0
	}
	res := cfg.Evaluate(age, flags, softTTL, hardTTL)
	if !res.IsOK() {
		return nil, res, nil
	}
	return append([]byte(nil), payload...), res, nil
}
