package interceptor

import (
	"context"
	"crypto/sha256"
	"database/sql/driver"
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/mitchellh/hashstructure/v2"
	"github.com/ngrok/sqlmw"

	"github.com/unkn0wn-root/querycache"
	"github.com/unkn0wn-root/querycache/codec"
)

// Config is the configuration passed to New.
type Config struct {
	// Cache is required.
	Cache querycache.Cache
	// Database is the default database reported to the cache rules and
	// mixed into keys. WithDatabase overrides it per query.
	Database string
	// SoftTTL and HardTTL are applied to every read; 0 means the TTLs
	// configured for the cache.
	SoftTTL time.Duration
	HardTTL time.Duration
	// MaxRows stops recording results with more rows; 0 = unlimited.
	MaxRows int
	// Codec stores result sets; default msgpack.
	Codec codec.Codec[*Resultset]
	// OnError is called when the cache, the codec or key derivation fails.
	// Queries then run live.
	OnError func(error)
}

// Interceptor is a ngrok/sqlmw interceptor that serves query results from
// a querycache.Cache.
type Interceptor struct {
	sqlmw.NullInterceptor

	c        querycache.Cache
	db       string
	soft     time.Duration
	hard     time.Duration
	maxRows  int
	codec    codec.Codec[*Resultset]
	onErr    func(error)
	stats    Stats
	disabled atomic.Bool
}

func New(cfg Config) (*Interceptor, error) {
	if cfg.Cache == nil {
		return nil, errors.New("interceptor: cache must be set in Config")
	}
	if cfg.MaxRows < 0 {
		return nil, fmt.Errorf("interceptor: negative MaxRows %d", cfg.MaxRows)
	}
	i := &Interceptor{
		c:       cfg.Cache,
		db:      cfg.Database,
		soft:    ttlOrConfig(cfg.SoftTTL),
		hard:    ttlOrConfig(cfg.HardTTL),
		maxRows: cfg.MaxRows,
		codec:   cfg.Codec,
		onErr:   cfg.OnError,
	}
	if i.codec == nil {
		i.codec = codec.Limit[*Resultset]{Inner: codec.Msgpack[*Resultset]{}, MaxDecode: 64 << 20}
	}
	return i, nil
}

func ttlOrConfig(d time.Duration) time.Duration {
	if d <= 0 {
		return querycache.UseConfigTTL
	}
	return d
}

// Driver wraps d so that its queries go through the interceptor.
func (i *Interceptor) Driver(d driver.Driver) driver.Driver { return sqlmw.Driver(d, i) }

// Enable enables the interceptor. It is enabled on creation.
func (i *Interceptor) Enable() { i.disabled.Store(false) }

// Disable bypasses the cache: every query goes to the backend.
func (i *Interceptor) Disable() { i.disabled.Store(true) }

type dbKey struct{}

// WithDatabase sets the default database of queries run with ctx.
func WithDatabase(ctx context.Context, db string) context.Context {
	return context.WithValue(ctx, dbKey{}, db)
}

func (i *Interceptor) database(ctx context.Context) string {
	if db, ok := ctx.Value(dbKey{}).(string); ok {
		return db
	}
	return i.db
}

// StmtQueryContext intercepts stmt.QueryContext calls of prepared statements.
func (i *Interceptor) StmtQueryContext(ctx context.Context, conn driver.StmtQueryContext, query string, args []driver.NamedValue) (driver.Rows, error) {
	return i.query(ctx, query, args, func() (driver.Rows, error) {
		return conn.QueryContext(ctx, args)
	})
}

// ConnQueryContext intercepts DB.QueryContext and Conn.QueryContext calls.
func (i *Interceptor) ConnQueryContext(ctx context.Context, conn driver.QueryerContext, query string, args []driver.NamedValue) (driver.Rows, error) {
	return i.query(ctx, query, args, func() (driver.Rows, error) {
		return conn.QueryContext(ctx, query, args)
	})
}

func (i *Interceptor) query(ctx context.Context, query string, args []driver.NamedValue, live func() (driver.Rows, error)) (driver.Rows, error) {
	if i.disabled.Load() {
		return live()
	}
	db := i.database(ctx)
	if i.c.ShouldStore(db, query) == nil {
		atomic.AddUint64(&i.stats.Bypassed, 1)
		return live()
	}
	key, err := i.key(db, query, args)
	if err != nil {
		i.fail(fmt.Errorf("key: %w", err))
		return live()
	}

	var stale *Resultset
	raw, res := i.c.GetValue(ctx, key, querycache.FlagIncludeStale, i.soft, i.hard)
	switch {
	case res.IsOK():
		rs, err := i.codec.Decode(raw)
		if err != nil {
			i.fail(fmt.Errorf("decode %s: %w", key, err))
			i.c.DelValue(ctx, key)
			break
		}
		if !res.IsStale() {
			atomic.AddUint64(&i.stats.Hits, 1)
			return &cachedRows{rs: rs}, nil
		}
		stale = rs
	case res.IsError():
		i.fail(fmt.Errorf("get %s: %s", key, res))
	}

	me := querycache.NewRequester()
	if !i.c.MustRefresh(ctx, key, me) {
		if stale != nil {
			atomic.AddUint64(&i.stats.StaleHits, 1)
			return &cachedRows{rs: stale}, nil
		}
		atomic.AddUint64(&i.stats.Misses, 1)
		return live()
	}

	atomic.AddUint64(&i.stats.Misses, 1)
	atomic.AddUint64(&i.stats.Refreshes, 1)
	bg := context.WithoutCancel(ctx)
	rows, err := live()
	if err != nil {
		i.refreshed(bg, key, me)
		return rows, err
	}
	return newRecorder(rows, i.maxRows, func(rs *Resultset, complete bool) {
		if complete {
			i.store(bg, key, rs)
		}
		i.refreshed(bg, key, me)
	}), nil
}

func (i *Interceptor) store(ctx context.Context, key querycache.Key, rs *Resultset) {
	b, err := i.codec.Encode(rs)
	if err != nil {
		i.fail(fmt.Errorf("encode %s: %w", key, err))
		return
	}
	if res := i.c.PutValue(ctx, key, b); !res.IsOK() {
		i.fail(fmt.Errorf("put %s: %s", key, res))
	}
}

func (i *Interceptor) refreshed(ctx context.Context, key querycache.Key, me querycache.Requester) {
	if err := i.c.Refreshed(ctx, key, me); err != nil {
		i.fail(err)
	}
}

func (i *Interceptor) fail(err error) {
	atomic.AddUint64(&i.stats.Errors, 1)
	if i.onErr != nil {
		i.onErr(fmt.Errorf("interceptor: %w", err))
	}
}

// key extends the statement key of the cache with the query arguments.
func (i *Interceptor) key(db, query string, args []driver.NamedValue) (querycache.Key, error) {
	k, err := i.c.GetKey(db, query)
	if err != nil || len(args) == 0 {
		return k, err
	}
	fp, err := hashstructure.Hash(args, hashstructure.FormatV2, nil)
	if err != nil {
		return querycache.Key{}, err
	}
	h := sha256.New()
	h.Write(k[:])
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], fp)
	h.Write(b[:])
	var out querycache.Key
	h.Sum(out[:0])
	return out, nil
}

// Stats contains interceptor statistics.
type Stats struct {
	Hits      uint64
	StaleHits uint64
	Misses    uint64
	Refreshes uint64
	Bypassed  uint64
	Errors    uint64
}

// Stats returns a snapshot of the statistics.
func (i *Interceptor) Stats() *Stats {
	return &Stats{
		Hits:      atomic.LoadUint64(&i.stats.Hits),
		StaleHits: atomic.LoadUint64(&i.stats.StaleHits),
		Misses:    atomic.LoadUint64(&i.stats.Misses),
		Refreshes: atomic.LoadUint64(&i.stats.Refreshes),
		Bypassed:  atomic.LoadUint64(&i.stats.Bypassed),
		Errors:    atomic.LoadUint64(&i.stats.Errors),
	}
}
