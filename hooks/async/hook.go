// usage:
//
//	raw := sloghooks.New(slog.Default(), sloghooks.Options{
//	    ContendedEvery: 100, // sample logs: ~every 100th contended refresh
//	})
//
//	hooks := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
//	defer hooks.Close()
//
//	cache, _ := querycache.New(querycache.Options{
//	    Config:  querycache.Config{Name: "main", SoftTTL: time.Second, HardTTL: time.Minute},
//	    Pending: pending.NewRedis(rdb, "main", 30*time.Second),
//	    Hooks:   hooks, // or `raw` if you don’t want async
//	})
package asynchook

import (
	"sync"
	"sync/atomic"

	"github.com/unkn0wn-root/querycache"
)

type Hooks struct {
	inner   querycache.Hooks
	q       chan func()
	wg      sync.WaitGroup
	once    sync.Once
	dropped atomic.Uint64
}

var _ querycache.Hooks = (*Hooks)(nil)

func New(inner querycache.Hooks, workers, qlen int) *Hooks {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

// Close drains the queue. Events sent after Close are dropped.
func (h *Hooks) Close() {
	h.once.Do(func() {
		close(h.q)
		h.wg.Wait()
	})
}

// Dropped returns how many events were lost to a full queue.
func (h *Hooks) Dropped() uint64 { return h.dropped.Load() }

func (h *Hooks) try(f func()) {
	defer func() {
		// send on closed queue after Close
		if recover() != nil {
			h.dropped.Add(1)
		}
	}()
	select {
	case h.q <- f:
	default: // drop
		h.dropped.Add(1)
	}
}

func (h *Hooks) BackendError(c string, err error) { h.try(func() { h.inner.BackendError(c, err) }) }
func (h *Hooks) RefreshClaimed(k querycache.Key, r querycache.Requester) {
	h.try(func() { h.inner.RefreshClaimed(k, r) })
}
func (h *Hooks) RefreshContended(k querycache.Key, r querycache.Requester) {
	h.try(func() { h.inner.RefreshContended(k, r) })
}
func (h *Hooks) RefreshReleased(k querycache.Key, r querycache.Requester) {
	h.try(func() { h.inner.RefreshReleased(k, r) })
}
func (h *Hooks) RefreshRejected(k querycache.Key, r querycache.Requester, err error) {
	h.try(func() { h.inner.RefreshRejected(k, r, err) })
}
func (h *Hooks) LeaseExpired(k querycache.Key, owner querycache.Requester) {
	h.try(func() { h.inner.LeaseExpired(k, owner) })
}
