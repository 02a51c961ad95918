// Package memory registers the "memory" storage: a process-local map.
//
// Arguments:
//
//	sweep  interval of the expiry sweep, e.g. "30s" (default: hard TTL, off when hard TTL is 0)
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/unkn0wn-root/querycache/storage"
)

const Name = "memory"

func init() {
	storage.Register(storage.Module{
		Name:         Name,
		Capabilities: storage.CapTTL | storage.CapMaxCount | storage.CapMaxSize,
		Create:       func(cfg storage.Config) (storage.Storage, error) { return New(cfg) },
	})
}

type entry struct {
	value    []byte
	inserted time.Time
}

// Storage keeps values in a map guarded by a RWMutex. Values are copied
// in and out.
// When full, new keys are refused with OutOfResources; nothing is evicted.
type Storage struct {
	cfg storage.Config

	mu    sync.RWMutex
	items map[storage.Key]entry
	size  int64

	ticker clockwork.Ticker
	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

var _ storage.Storage = (*Storage)(nil)

func New(cfg storage.Config) (*Storage, error) {
	cfg = cfg.WithDefaults()
	s := &Storage{
		cfg:   cfg,
		items: make(map[storage.Key]entry),
	}

	sweep := cfg.HardTTL
	if v := cfg.Argument("sweep", ""); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("memory: invalid sweep %q: %w", v, err)
		}
		sweep = d
	}
	if sweep > 0 && cfg.HardTTL > 0 {
		s.ticker = cfg.Clock.NewTicker(sweep)
		s.stopCh = make(chan struct{})
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for {
				select {
				case <-s.ticker.Chan():
					s.Sweep()
				case <-s.stopCh:
					return
				}
			}
		}()
	}
	return s, nil
}

func (s *Storage) GetValue(_ context.Context, key storage.Key, flags storage.Flags, softTTL, hardTTL time.Duration) ([]byte, storage.Result) {
	s.mu.RLock()
	e, ok := s.items[key]
	s.mu.RUnlock()
	if !ok {
		return nil, storage.NotFound
	}
	res := s.cfg.Evaluate(s.cfg.Clock.Since(e.inserted), flags, softTTL, hardTTL)
	if !res.IsOK() {
		return nil, res
	}
	return append([]byte(nil), e.value...), res
}

func (s *Storage) PutValue(_ context.Context, key storage.Key, value []byte) storage.Result {
	v := append([]byte(nil), value...)
	now := s.cfg.Clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	old, exists := s.items[key]
	delta := int64(len(v))
	if exists {
		delta -= int64(len(old.value))
	} else if s.cfg.MaxCount > 0 && int64(len(s.items)) >= s.cfg.MaxCount {
		return storage.OutOfResources
	}
	if s.cfg.MaxSize > 0 && s.size+delta > s.cfg.MaxSize {
		return storage.OutOfResources
	}
	s.items[key] = entry{value: v, inserted: now}
	s.size += delta
	return storage.OK
}

func (s *Storage) DelValue(_ context.Context, key storage.Key) storage.Result {
	s.mu.Lock()
	if e, ok := s.items[key]; ok {
		s.size -= int64(len(e.value))
		delete(s.items, key)
	}
	s.mu.Unlock()
	return storage.OK
}

func (s *Storage) GetInfo(_ context.Context, what storage.Info) (map[string]any, storage.Result) {
	info := make(map[string]any)
	if what&storage.InfoBasic != 0 {
		info["module"] = Name
		info["soft_ttl_ms"] = s.cfg.SoftTTL.Milliseconds()
		info["hard_ttl_ms"] = s.cfg.HardTTL.Milliseconds()
	}
	if what&storage.InfoStats != 0 {
		s.mu.RLock()
		info["items"] = len(s.items)
		info["size"] = s.size
		s.mu.RUnlock()
	}
	return info, storage.OK
}

// Sweep removes entries older than the configured hard TTL.
func (s *Storage) Sweep() {
	if s.cfg.HardTTL <= 0 {
		return
	}
	cutoff := s.cfg.Clock.Now().Add(-s.cfg.HardTTL)

	s.mu.Lock()
	for k, e := range s.items {
		if e.inserted.Before(cutoff) {
			s.size -= int64(len(e.value))
			delete(s.items, k)
		}
	}
	s.mu.Unlock()
}

// Len returns the number of stored entries, expired or not.
func (s *Storage) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

func (s *Storage) Close(_ context.Context) error {
	s.once.Do(func() {
		if s.stopCh != nil {
			close(s.stopCh)
			s.ticker.Stop()
			s.wg.Wait()
		}
	})
	return nil
}
