package querycache

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/unkn0wn-root/querycache/pending"
	"github.com/unkn0wn-root/querycache/rules"
	"github.com/unkn0wn-root/querycache/storage"
)

type (
	Key    = storage.Key
	Result = storage.Result
	Flags  = storage.Flags
)

const (
	OK             = storage.OK
	NotFound       = storage.NotFound
	OutOfResources = storage.OutOfResources
	Error          = storage.Error
	Stale          = storage.Stale

	FlagNone         = storage.FlagNone
	FlagIncludeStale = storage.FlagIncludeStale

	UseConfigTTL = storage.UseConfigTTL
)

// Cache is the coordination API used by client sessions.
//
// Protocol: every MustRefresh that returns true must be followed by exactly
// one Refreshed with the same key and requester, after the new value has
// been put (or the fetch failed).
type Cache interface {
	Name() string
	Config() Config

	// ShouldStore returns the first rule set admitting the statement, or
	// nil when its result must not be cached.
	ShouldStore(defaultDB, stmt string) *rules.Rules
	// GetKey derives the key of a statement under the cache's KeyConfig.
	GetKey(defaultDB, stmt string) (Key, error)

	// MustRefresh reports whether r has to fetch the value of key itself.
	// It is true for exactly one caller until that caller calls Refreshed.
	MustRefresh(ctx context.Context, key Key, r Requester) bool
	// Refreshed ends the refresh r was granted by MustRefresh.
	Refreshed(ctx context.Context, key Key, r Requester) error

	GetValue(ctx context.Context, key Key, flags Flags, softTTL, hardTTL time.Duration) ([]byte, Result)
	PutValue(ctx context.Context, key Key, value []byte) Result
	DelValue(ctx context.Context, key Key) Result

	GetInfo(ctx context.Context, what Info) Diagnostics

	// Close releases the storage and the pending registry.
	Close(ctx context.Context) error
}

// KeyConfig is the part of the configuration that changes key semantics.
// The zero value gives DefaultKey.
type KeyConfig struct {
	// IgnoreDatabase leaves the default database out of the key, so one
	// statement shares an entry across databases.
	IgnoreDatabase bool `yaml:"ignore_database"`
	// Salt separates the keys of caches that share one storage.
	Salt string `yaml:"salt"`
}

// Config is the read-only configuration of one cache instance.
type Config struct {
	Name string

	// Storage is the registered storage module; default "memory".
	Storage     string
	StorageArgs map[string]string

	SoftTTL  time.Duration
	HardTTL  time.Duration
	MaxCount int64
	MaxSize  int64

	// Rules is the inline rules source; RulesFile names a file holding it.
	// At most one may be set. Neither admits every statement.
	Rules     string
	RulesFile string

	Key   KeyConfig
	Debug Debug
}

// Options tune a cache. Only Config.Name is required.
type Options struct {
	Config Config

	// Rules and Factory may be shared between caches. When nil they are
	// built from Config.
	Rules   []*rules.Rules
	Factory *storage.Factory

	Logger Logger          // if nil, NopLogger is used
	Hooks  Hooks           // if nil, NopHooks is used
	Clock  clockwork.Clock // nil => real clock

	// Pending replaces the in-process registry, e.g. with pending.Redis.
	// New takes ownership: the registry is closed by Close, or by New
	// itself when construction fails.
	Pending pending.Registry
	// PendingLease lets a new requester take over a refresh whose owner
	// has not called Refreshed within the lease. 0 => no lease.
	PendingLease time.Duration
}

func New(opts Options) (Cache, error) {
	c, err := newSimple(opts)
	if err != nil {
		return nil, err
	}
	return c, nil
}
