package querycache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/unkn0wn-root/querycache/pending"
	"github.com/unkn0wn-root/querycache/storage"
)

// simple is a cache on top of exactly one Storage. Concurrent misses on
// one key are serialized through the pending registry: MustRefresh grants
// the refresh to a single requester until it calls Refreshed.
type simple struct {
	base
	store   storage.Storage
	pending pending.Registry

	closeOnce sync.Once
	closeErr  error
}

var _ Cache = (*simple)(nil)

func newSimple(opts Options) (_ *simple, err error) {
	if opts.Pending != nil {
		// owned from here on, also when construction fails
		defer func() {
			if err != nil {
				_ = opts.Pending.Close(context.Background())
			}
		}()
	}
	cfg := opts.Config
	if cfg.Name == "" {
		return nil, fmt.Errorf("querycache: name is required")
	}

	rs, f := opts.Rules, opts.Factory
	var rerr, serr error
	if rs == nil {
		rs, rerr = compileRules(cfg)
	}
	if f == nil {
		f, serr = openFactory(cfg)
	}
	if rerr != nil || serr != nil {
		return nil, &CreateError{Name: cfg.Name, RulesErr: rerr, StorageErr: serr}
	}

	c := &simple{
		base: base{
			cfg:     cfg,
			rules:   rs,
			factory: f,
		},
	}

	// defaults
	c.log = coalesce[Logger](opts.Logger, NopLogger{})
	c.hooks = coalesce[Hooks](opts.Hooks, NopHooks{})
	clock := coalesce[clockwork.Clock](opts.Clock, clockwork.NewRealClock())

	scfg := cfg.storageConfig()
	scfg.Clock = clock
	scfg.OnError = c.backendError
	store, err := f.CreateStorage(scfg)
	if err != nil {
		return nil, &CreateError{Name: cfg.Name, StorageErr: err}
	}
	c.store = store

	if opts.Pending != nil {
		c.pending = opts.Pending
	} else {
		c.pending = pending.NewLocal(pending.LocalOptions{
			Lease: opts.PendingLease,
			Clock: clock,
			OnExpire: func(key storage.Key, owner string) {
				c.log.Warn("refresh lease expired, owner never called Refreshed",
					Fields{"cache": cfg.Name, "key": key.String(), "owner": owner})
				c.hooks.LeaseExpired(key, Requester(owner))
			},
		})
	}
	return c, nil
}

func (c *simple) backendError(err error) {
	c.log.Warn("storage error", Fields{"cache": c.cfg.Name, "module": c.factory.Name(), "err": err})
	c.hooks.BackendError(c.cfg.Name, err)
}

func (c *simple) MustRefresh(ctx context.Context, key Key, r Requester) bool {
	ok, err := c.pending.Claim(ctx, key, string(r))
	if err != nil {
		// cannot coordinate; the caller behaves as a non-owner
		c.log.Warn("pending registry error", Fields{"cache": c.cfg.Name, "key": key.String(), "err": err})
		c.hooks.BackendError(c.cfg.Name, err)
		return false
	}
	if ok {
		c.hooks.RefreshClaimed(key, r)
	} else {
		c.hooks.RefreshContended(key, r)
	}
	if c.debug(DebugDecisions) {
		c.log.Info("refresh decision",
			Fields{"cache": c.cfg.Name, "key": key.String(), "requester": string(r), "must_refresh": ok})
	}
	return ok
}

func (c *simple) Refreshed(ctx context.Context, key Key, r Requester) error {
	err := c.pending.Release(ctx, key, string(r))
	if err == nil {
		c.hooks.RefreshReleased(key, r)
		return nil
	}

	var mm *pending.MismatchError
	switch {
	case errors.As(err, &mm):
		err = &OwnershipError{Key: key, Owner: Requester(mm.Owner), Requester: r}
	case errors.Is(err, pending.ErrNotPending):
		err = fmt.Errorf("querycache: refreshed %s by %q: %w", key, r, ErrNotPending)
	default:
		c.log.Warn("pending registry error", Fields{"cache": c.cfg.Name, "key": key.String(), "err": err})
		c.hooks.BackendError(c.cfg.Name, err)
		return fmt.Errorf("querycache: refreshed %s: %w", key, err)
	}
	c.log.Error("Refreshed called by a requester that does not own the refresh",
		Fields{"cache": c.cfg.Name, "key": key.String(), "requester": string(r), "err": err})
	c.hooks.RefreshRejected(key, r, err)
	return err
}

func (c *simple) GetValue(ctx context.Context, key Key, flags Flags, softTTL, hardTTL time.Duration) ([]byte, Result) {
	v, res := c.store.GetValue(ctx, key, flags, softTTL, hardTTL)
	switch {
	case res.IsOK() && c.debug(DebugUse):
		c.log.Info("using cached value", Fields{"cache": c.cfg.Name, "key": key.String(), "result": res.String()})
	case !res.IsOK() && c.debug(DebugNonUse):
		c.log.Info("not using cached value", Fields{"cache": c.cfg.Name, "key": key.String(), "result": res.String()})
	}
	return v, res
}

func (c *simple) PutValue(ctx context.Context, key Key, value []byte) Result {
	return c.store.PutValue(ctx, key, value)
}

func (c *simple) DelValue(ctx context.Context, key Key) Result {
	return c.store.DelValue(ctx, key)
}

func (c *simple) GetInfo(ctx context.Context, what Info) Diagnostics {
	d := Diagnostics{Name: c.cfg.Name}
	if what&InfoRules != 0 {
		d.Rules = c.rulesInfo()
	}
	if what&InfoPending != 0 {
		n, err := c.pending.Len(ctx)
		d.Pending = &PendingInfo{Count: n}
		if err != nil {
			d.Pending.Error = err.Error()
		}
	}
	if what&InfoStorage != 0 {
		info, res := c.store.GetInfo(ctx, storage.InfoAll)
		if info == nil {
			info = make(map[string]any)
		}
		info["capabilities"] = c.factory.Capabilities().String()
		if !res.IsOK() {
			info["result"] = res.String()
		}
		d.Storage = info
	}
	return d
}

// Close releases the pending registry and the storage. Safe to call
// multiple times.
func (c *simple) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		c.closeErr = errors.Join(c.pending.Close(ctx), c.store.Close(ctx))
	})
	return c.closeErr
}
