package pending

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/jonboulle/clockwork"

	"github.com/unkn0wn-root/querycache/storage"
)

type claim struct {
	owner string
	at    time.Time
}

type shard struct {
	mu     sync.Mutex
	claims map[storage.Key]claim
}

// LocalOptions configures a Local registry. The zero value is usable.
type LocalOptions struct {
	// Shards is rounded up to a power of two. Default: 4 * GOMAXPROCS.
	Shards int
	// MaxClaims bounds the number of live claims per shard; 0 = unbounded.
	MaxClaims int
	// Lease lets a new claimant take over a claim older than Lease.
	// 0 disables leases: a claim lives until its owner releases it.
	Lease time.Duration
	// SweepInterval of the loop dropping expired claims. Default: Lease.
	SweepInterval time.Duration
	// OnExpire is called, outside any lock, for each claim dropped because
	// its lease ran out.
	OnExpire func(key storage.Key, owner string)
	Clock    clockwork.Clock
}

// Local is an in-process Registry. Keys are spread over mutex-guarded
// shards by xxhash; a claim is a single critical section on one shard.
type Local struct {
	shards []shard
	mask   uint64
	opts   LocalOptions

	ticker clockwork.Ticker
	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

var _ Registry = (*Local)(nil)

func NewLocal(opts LocalOptions) *Local {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	n := opts.Shards
	if n <= 0 {
		n = 4 * runtime.GOMAXPROCS(0)
	}
	size := 1
	for size < n {
		size <<= 1
	}

	r := &Local{
		shards: make([]shard, size),
		mask:   uint64(size - 1),
		opts:   opts,
	}
	for i := range r.shards {
		r.shards[i].claims = make(map[storage.Key]claim)
	}

	interval := opts.SweepInterval
	if interval <= 0 {
		interval = opts.Lease
	}
	if opts.Lease > 0 && interval > 0 {
		r.ticker = opts.Clock.NewTicker(interval)
		r.stopCh = make(chan struct{})
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			for {
				select {
				case <-r.ticker.Chan():
					r.Sweep()
				case <-r.stopCh:
					return
				}
			}
		}()
	}
	return r
}

func (r *Local) shard(key storage.Key) *shard {
	return &r.shards[xxhash.Sum64(key[:])&r.mask]
}

func (r *Local) expired(c claim, now time.Time) bool {
	return r.opts.Lease > 0 && now.Sub(c.at) > r.opts.Lease
}

func (r *Local) Claim(_ context.Context, key storage.Key, owner string) (bool, error) {
	now := r.opts.Clock.Now()
	s := r.shard(key)

	s.mu.Lock()
	cur, ok := s.claims[key]
	if ok && !r.expired(cur, now) {
		s.mu.Unlock()
		return false, nil
	}
	if !ok && r.opts.MaxClaims > 0 && len(s.claims) >= r.opts.MaxClaims {
		s.mu.Unlock()
		return false, ErrFull
	}
	s.claims[key] = claim{owner: owner, at: now}
	s.mu.Unlock()

	if ok && r.opts.OnExpire != nil {
		r.opts.OnExpire(key, cur.owner)
	}
	return true, nil
}

func (r *Local) Release(_ context.Context, key storage.Key, owner string) error {
	s := r.shard(key)

	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.claims[key]
	if !ok {
		return ErrNotPending
	}
	if cur.owner != owner {
		return &MismatchError{Owner: cur.owner}
	}
	delete(s.claims, key)
	return nil
}

func (r *Local) Len(context.Context) (int, error) {
	n := 0
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		n += len(s.claims)
		s.mu.Unlock()
	}
	return n, nil
}

// Sweep drops claims whose lease ran out. No-op without a lease.
func (r *Local) Sweep() {
	if r.opts.Lease <= 0 {
		return
	}
	now := r.opts.Clock.Now()
	type dropped struct {
		key   storage.Key
		owner string
	}
	var out []dropped

	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		for k, c := range s.claims {
			if r.expired(c, now) {
				delete(s.claims, k)
				out = append(out, dropped{k, c.owner})
			}
		}
		s.mu.Unlock()
	}

	if r.opts.OnExpire != nil {
		for _, d := range out {
			r.opts.OnExpire(d.key, d.owner)
		}
	}
}

func (r *Local) Close(context.Context) error {
	r.once.Do(func() {
		if r.stopCh != nil {
			close(r.stopCh)
			r.ticker.Stop()
			r.wg.Wait()
		}
	})
	return nil
}
