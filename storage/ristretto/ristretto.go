// Package ristretto registers the "ristretto" storage backed by
// dgraph-io/ristretto. Cost is the byte size of the framed entry, so
// Config.MaxSize bounds memory; ristretto's TinyLFU policy evicts.
//
// Arguments:
//
//	counters  number of admission counters (default 10x the expected items)
//	buffer    get buffer items (default 64)
//	metrics   "true" to collect hit/miss metrics
package ristretto

import (
	"context"
	"fmt"
	"strconv"
	"time"

	rc "github.com/dgraph-io/ristretto"

	"github.com/unkn0wn-root/querycache/internal/util"
	"github.com/unkn0wn-root/querycache/storage"
)

const (
	Name = "ristretto"

	defaultMaxCost = 64 << 20
)

func init() {
	storage.Register(storage.Module{
		Name:         Name,
		Capabilities: storage.CapTTL | storage.CapMaxSize | storage.CapEviction,
		Create:       func(cfg storage.Config) (storage.Storage, error) { return New(cfg) },
	})
}

type Storage struct {
	cfg storage.Config
	c   *rc.Cache
}

var _ storage.Storage = (*Storage)(nil)

func New(cfg storage.Config) (*Storage, error) {
	cfg = cfg.WithDefaults()

	maxCost := cfg.MaxSize
	if maxCost <= 0 {
		maxCost = defaultMaxCost
	}
	// assume ~1KiB results when sizing the counters
	counters, err := intArg(cfg, "counters", 10*(maxCost/1024+1))
	if err != nil {
		return nil, err
	}
	buffer, err := intArg(cfg, "buffer", 64)
	if err != nil {
		return nil, err
	}
	metrics, err := strconv.ParseBool(cfg.Argument("metrics", "false"))
	if err != nil {
		return nil, fmt.Errorf("ristretto: invalid metrics: %w", err)
	}
	if counters <= 0 || buffer <= 0 {
		return nil, fmt.Errorf("ristretto: invalid config")
	}

	c, err := rc.NewCache(&rc.Config{
		NumCounters: counters,
		MaxCost:     maxCost,
		BufferItems: buffer,
		Metrics:     metrics,
	})
	if err != nil {
		return nil, err
	}
	return &Storage{cfg: cfg, c: c}, nil
}

func intArg(cfg storage.Config, name string, def int64) (int64, error) {
	v := cfg.Argument(name, "")
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("ristretto: invalid %s: %w", name, err)
	}
	return n, nil
}

func (s *Storage) GetValue(_ context.Context, key storage.Key, flags storage.Flags, softTTL, hardTTL time.Duration) ([]byte, storage.Result) {
	v, ok := s.c.Get(key.String())
	if !ok {
		return nil, storage.NotFound
	}
	raw, _ := v.([]byte)
	value, res, err := util.Unframe(s.cfg, raw, flags, softTTL, hardTTL)
	if err != nil {
		// self-heal: drop unexpected entry shape
		s.c.Del(key.String())
		s.cfg.ReportError(fmt.Errorf("ristretto: key %s: %w", key, err))
	}
	return value, res
}

// PutValue is asynchronous in ristretto: a subsequent GetValue may miss until
// the write buffer drains. OutOfResources means the policy dropped the write.
func (s *Storage) PutValue(_ context.Context, key storage.Key, value []byte) storage.Result {
	raw := util.Frame(s.cfg, value)
	if !s.c.SetWithTTL(key.String(), raw, int64(len(raw)), s.cfg.HardTTL) {
		return storage.OutOfResources
	}
	return storage.OK
}

func (s *Storage) DelValue(_ context.Context, key storage.Key) storage.Result {
	s.c.Del(key.String())
	return storage.OK
}

func (s *Storage) GetInfo(_ context.Context, what storage.Info) (map[string]any, storage.Result) {
	info := make(map[string]any)
	if what&storage.InfoBasic != 0 {
		info["module"] = Name
		info["max_cost"] = s.c.MaxCost()
	}
	if what&storage.InfoStats != 0 && s.c.Metrics != nil {
		m := s.c.Metrics
		info["hits"] = m.Hits()
		info["misses"] = m.Misses()
		info["keys_added"] = m.KeysAdded()
		info["keys_evicted"] = m.KeysEvicted()
		info["cost_added"] = m.CostAdded()
		info["ratio"] = m.Ratio()
	}
	return info, storage.OK
}

// Wait blocks until buffered writes are applied.
func (s *Storage) Wait() { s.c.Wait() }

func (s *Storage) Close(_ context.Context) error {
	s.c.Wait()
	s.c.Close()
	return nil
}
