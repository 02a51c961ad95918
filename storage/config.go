package storage

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// UseConfigTTL asks GetValue to apply the TTL configured for the storage.
const UseConfigTTL time.Duration = -1

// Config is passed to Factory.CreateStorage.
type Config struct {
	// Name of the cache instance; backends use it to namespace their keys.
	Name string

	// SoftTTL and HardTTL are the defaults applied when a read passes
	// UseConfigTTL. A zero HardTTL means values never expire; a zero SoftTTL,
	// or one above HardTTL, is treated as equal to HardTTL.
	//
	// A non-zero HardTTL is also the retention of the storage: sweeps and
	// backend expiry drop entries past it, so Evaluate reports them gone
	// for every read, whatever hard TTL the read asks for.
	SoftTTL time.Duration
	HardTTL time.Duration

	// MaxCount and MaxSize (bytes) limit the storage; 0 = unlimited.
	// A backend lacking CapMaxCount/CapMaxSize rejects non-zero values.
	MaxCount int64
	MaxSize  int64

	// Arguments holds backend specific settings, e.g. "addr" for redis or
	// "path" for sqlite.
	Arguments map[string]string

	// Clock defaults to the real clock.
	Clock clockwork.Clock

	// OnError is called with backend errors that are reported to the
	// caller only as a Result. Must be cheap and non-blocking.
	OnError func(error)
}

// Argument returns the backend argument name, or def when unset.
func (c Config) Argument(name, def string) string {
	if v, ok := c.Arguments[name]; ok && v != "" {
		return v
	}
	return def
}

// ReportError forwards err to OnError when both are non-nil.
func (c Config) ReportError(err error) {
	if err != nil && c.OnError != nil {
		c.OnError(err)
	}
}

// TTLs resolves the TTLs of one read against the configured defaults.
func (c Config) TTLs(softTTL, hardTTL time.Duration) (soft, hard time.Duration) {
	soft, hard = softTTL, hardTTL
	if soft == UseConfigTTL {
		soft = c.SoftTTL
	}
	if hard == UseConfigTTL {
		hard = c.HardTTL
	}
	if hard < 0 {
		hard = 0
	}
	if soft <= 0 || (hard > 0 && soft > hard) {
		soft = hard
	}
	return soft, hard
}

// Evaluate classifies an entry of the given age for one read.
// The returned Result IsOK iff the value may be handed to the caller.
func (c Config) Evaluate(age time.Duration, flags Flags, softTTL, hardTTL time.Duration) Result {
	if c.HardTTL > 0 && age > c.HardTTL {
		return NotFound | Stale
	}
	soft, hard := c.TTLs(softTTL, hardTTL)
	if hard > 0 && age > hard {
		return NotFound | Stale
	}
	if soft > 0 && age > soft {
		if flags&FlagIncludeStale != 0 {
			return OK | Stale
		}
		return NotFound | Stale
	}
	return OK
}

// WithDefaults returns a copy of c with a clock set.
func (c Config) WithDefaults() Config {
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return c
}
