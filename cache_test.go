package querycache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/unkn0wn-root/querycache/pending"
	"github.com/unkn0wn-root/querycache/rules"
	"github.com/unkn0wn-root/querycache/storage"
)

// fakeModule is a storage module without capabilities that can be told to
// fail creation and counts open instances.
const fakeModule = "querycache-test"

var fakeOpen atomic.Int32

type fakeStorage struct {
	storage.Storage
	once sync.Once
}

func (f *fakeStorage) Close(ctx context.Context) error {
	f.once.Do(func() { fakeOpen.Add(-1) })
	return f.Storage.Close(ctx)
}

func init() {
	storage.Register(storage.Module{
		Name: fakeModule,
		Create: func(cfg storage.Config) (storage.Storage, error) {
			if cfg.Argument("fail", "") != "" {
				return nil, errors.New("backend unavailable")
			}
			f, err := storage.Open("memory")
			if err != nil {
				return nil, err
			}
			s, err := f.CreateStorage(storage.Config{Name: cfg.Name, SoftTTL: cfg.SoftTTL, HardTTL: cfg.HardTTL, Clock: cfg.Clock})
			if err != nil {
				return nil, err
			}
			fakeOpen.Add(1)
			return &fakeStorage{Storage: s}, nil
		},
	})
}

type recordingHooks struct {
	NopHooks
	mu        sync.Mutex
	claimed   int
	contended int
	released  int
	rejected  []error
	expired   []Requester
	backend   []error
}

func (h *recordingHooks) RefreshClaimed(Key, Requester) {
	h.mu.Lock()
	h.claimed++
	h.mu.Unlock()
}

func (h *recordingHooks) RefreshContended(Key, Requester) {
	h.mu.Lock()
	h.contended++
	h.mu.Unlock()
}

func (h *recordingHooks) RefreshReleased(Key, Requester) {
	h.mu.Lock()
	h.released++
	h.mu.Unlock()
}

func (h *recordingHooks) RefreshRejected(_ Key, _ Requester, err error) {
	h.mu.Lock()
	h.rejected = append(h.rejected, err)
	h.mu.Unlock()
}

func (h *recordingHooks) LeaseExpired(_ Key, owner Requester) {
	h.mu.Lock()
	h.expired = append(h.expired, owner)
	h.mu.Unlock()
}

func (h *recordingHooks) BackendError(_ string, err error) {
	h.mu.Lock()
	h.backend = append(h.backend, err)
	h.mu.Unlock()
}

func newTestCache(t *testing.T, cfg Config, opts Options) Cache {
	t.Helper()
	opts.Config = cfg
	c, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c
}

func TestMustRefreshMutualExclusion(t *testing.T) {
	ctx := context.Background()
	hooks := &recordingHooks{}
	c := newTestCache(t, Config{Name: "mx"}, Options{Hooks: hooks})
	key, _ := c.GetKey("db", "SELECT * FROM hot")

	const n = 200
	var (
		wg      sync.WaitGroup
		winners atomic.Int32
		owner   atomic.Value
		start   = make(chan struct{})
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(r Requester) {
			defer wg.Done()
			<-start
			if c.MustRefresh(ctx, key, r) {
				winners.Add(1)
				owner.Store(r)
			}
		}(Requester(fmt.Sprintf("session-%d", i)))
	}
	close(start)
	wg.Wait()

	if got := winners.Load(); got != 1 {
		t.Fatalf("expected exactly one owner, got %d", got)
	}
	if hooks.claimed != 1 || hooks.contended != n-1 {
		t.Fatalf("hooks: claimed=%d contended=%d", hooks.claimed, hooks.contended)
	}
	if err := c.Refreshed(ctx, key, owner.Load().(Requester)); err != nil {
		t.Fatalf("Refreshed by owner: %v", err)
	}
}

func TestRefreshedLiveness(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, Config{Name: "live"}, Options{})
	key, _ := c.GetKey("db", "SELECT 1")

	for round := 0; round < 3; round++ {
		r := NewRequester()
		if !c.MustRefresh(ctx, key, r) {
			t.Fatalf("round %d: key must be claimable", round)
		}
		if c.MustRefresh(ctx, key, NewRequester()) {
			t.Fatalf("round %d: second claim must fail", round)
		}
		if err := c.Refreshed(ctx, key, r); err != nil {
			t.Fatalf("round %d: Refreshed: %v", round, err)
		}
	}
}

func TestRefreshedByNonOwner(t *testing.T) {
	ctx := context.Background()
	hooks := &recordingHooks{}
	c := newTestCache(t, Config{Name: "owner"}, Options{Hooks: hooks})
	key, _ := c.GetKey("db", "SELECT 1")

	if !c.MustRefresh(ctx, key, "a") {
		t.Fatal("claim failed")
	}
	err := c.Refreshed(ctx, key, "b")
	if !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	var oe *OwnershipError
	if !errors.As(err, &oe) || oe.Owner != "a" || oe.Requester != "b" || oe.Key != key {
		t.Fatalf("unexpected ownership error: %#v", err)
	}
	if len(hooks.rejected) != 1 {
		t.Fatalf("rejection not reported through hooks")
	}

	// registry unchanged: the key is still pending and a still owns it
	if c.MustRefresh(ctx, key, "c") {
		t.Fatal("rejected Refreshed must not release the key")
	}
	if d := c.GetInfo(ctx, InfoPending); d.Pending == nil || d.Pending.Count != 1 {
		t.Fatalf("pending count: %+v", d.Pending)
	}
	if err := c.Refreshed(ctx, key, "a"); err != nil {
		t.Fatalf("owner Refreshed: %v", err)
	}
}

func TestRefreshedNotPending(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, Config{Name: "np"}, Options{})
	key, _ := c.GetKey("db", "SELECT 1")
	if err := c.Refreshed(ctx, key, "a"); !errors.Is(err, ErrNotPending) {
		t.Fatalf("expected ErrNotPending, got %v", err)
	}
}

type failingRegistry struct{ pending.Registry }

func (failingRegistry) Claim(context.Context, storage.Key, string) (bool, error) {
	return false, pending.ErrFull
}
func (failingRegistry) Close(context.Context) error { return nil }

func TestRegistryFailureMeansNotOwner(t *testing.T) {
	ctx := context.Background()
	hooks := &recordingHooks{}
	c := newTestCache(t, Config{Name: "full"}, Options{Pending: failingRegistry{}, Hooks: hooks})
	key, _ := c.GetKey("db", "SELECT 1")
	if c.MustRefresh(ctx, key, "a") {
		t.Fatal("registry failure must not grant the refresh")
	}
	if len(hooks.backend) != 1 || !errors.Is(hooks.backend[0], pending.ErrFull) {
		t.Fatalf("backend error not reported: %v", hooks.backend)
	}
}

// Soft TTL 1000ms, hard TTL 5000ms; one value goes through fresh, stale
// and expired while sessions follow the refresh protocol.
func TestEndToEndSoftHardTTL(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	c := newTestCache(t, Config{
		Name:    "e2e",
		SoftTTL: 1000 * time.Millisecond,
		HardTTL: 5000 * time.Millisecond,
		Rules:   `{match: ['query like "^SELECT"']}`,
	}, Options{Clock: clock})

	const stmt = "SELECT * FROM orders"
	if c.ShouldStore("shop", stmt) == nil {
		t.Fatal("statement must be cacheable")
	}
	key, err := c.GetKey("shop", stmt)
	if err != nil {
		t.Fatal(err)
	}
	get := func() ([]byte, Result) {
		return c.GetValue(ctx, key, FlagIncludeStale, UseConfigTTL, UseConfigTTL)
	}

	// t=0: miss, A fetches, B waits
	if _, res := get(); res != NotFound {
		t.Fatalf("t=0: %v", res)
	}
	if !c.MustRefresh(ctx, key, "A") || c.MustRefresh(ctx, key, "B") {
		t.Fatal("t=0: A must own the refresh, B must not")
	}
	if res := c.PutValue(ctx, key, []byte("v1")); res != OK {
		t.Fatalf("PutValue: %v", res)
	}
	if err := c.Refreshed(ctx, key, "A"); err != nil {
		t.Fatal(err)
	}

	// t=500ms: fresh hit
	clock.Advance(500 * time.Millisecond)
	if v, res := get(); res != OK || string(v) != "v1" {
		t.Fatalf("t=500ms: %q %v", v, res)
	}

	// t=1500ms: stale; B refreshes, C is served the stale value
	clock.Advance(1000 * time.Millisecond)
	v, res := get()
	if res != OK|Stale || string(v) != "v1" {
		t.Fatalf("t=1500ms: %q %v", v, res)
	}
	if _, res := c.GetValue(ctx, key, FlagNone, UseConfigTTL, UseConfigTTL); res != NotFound|Stale {
		t.Fatalf("t=1500ms without stale flag: %v", res)
	}
	if !c.MustRefresh(ctx, key, "B") || c.MustRefresh(ctx, key, "C") {
		t.Fatal("t=1500ms: B must own the refresh")
	}
	c.PutValue(ctx, key, []byte("v2"))
	if err := c.Refreshed(ctx, key, "B"); err != nil {
		t.Fatal(err)
	}
	if v, res := get(); res != OK || string(v) != "v2" {
		t.Fatalf("after refresh: %q %v", v, res)
	}

	// t=7000ms: past the hard TTL of v2 (put at 1500ms)
	clock.Advance(5500 * time.Millisecond)
	if _, res := get(); res != NotFound|Stale {
		t.Fatalf("t=7000ms: %v", res)
	}
	if !c.MustRefresh(ctx, key, "C") {
		t.Fatal("t=7000ms: expired key must be claimable")
	}
	if err := c.Refreshed(ctx, key, "C"); err != nil {
		t.Fatal(err)
	}
}

func TestShouldStore(t *testing.T) {
	c := newTestCache(t, Config{
		Name: "rules",
		Rules: `
- match: ['database = "reports"']
- match: ['query like "^SELECT"']
  exclude: ['query like "FOR UPDATE"']
`,
	}, Options{})

	r1 := c.ShouldStore("reports", "DELETE FROM x")
	if r1 == nil || r1.Count() != 1 {
		t.Fatalf("first set must admit reports: %v", r1)
	}
	r2 := c.ShouldStore("shop", "SELECT 1")
	if r2 == nil || r2 == r1 {
		t.Fatalf("second set must admit SELECT")
	}
	if c.ShouldStore("shop", "SELECT 1 FOR UPDATE") != nil {
		t.Fatal("excluded statement admitted")
	}
	if c.ShouldStore("shop", "DELETE FROM x") != nil {
		t.Fatal("non-matching statement admitted")
	}
}

func TestSharedRulesAndFactory(t *testing.T) {
	rs, f, err := Create(Config{Name: "shared", Rules: `{match: ['database = "a"']}`})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	a := newTestCache(t, Config{Name: "a"}, Options{Rules: rs, Factory: f})
	b := newTestCache(t, Config{Name: "b"}, Options{Rules: rs, Factory: f})
	if a.ShouldStore("a", "x") != b.ShouldStore("a", "x") {
		t.Fatal("caches must share one rule set")
	}
}

func TestCreateFailsAtomically(t *testing.T) {
	cases := []struct {
		name       string
		cfg        Config
		rulesErr   error
		storageErr error
	}{
		{"bad rules", Config{Name: "x", Rules: `[{match: ['query ~ "x"']}]`}, rules.ErrSyntax, nil},
		{"unknown storage", Config{Name: "x", Storage: "nope"}, nil, storage.ErrUnknownStorage},
		{"unsupported limit", Config{Name: "x", Storage: fakeModule, MaxCount: 10}, nil, storage.ErrUnsupported},
		{"both", Config{Name: "x", Rules: `- match: ['x']`, Storage: "nope"}, rules.ErrSyntax, storage.ErrUnknownStorage},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rs, f, err := Create(tc.cfg)
			if err == nil || rs != nil || f != nil {
				t.Fatalf("Create must fail without results: %v %v %v", rs, f, err)
			}
			var ce *CreateError
			if !errors.As(err, &ce) {
				t.Fatalf("expected *CreateError, got %T", err)
			}
			if tc.rulesErr != nil && !errors.Is(ce.RulesErr, tc.rulesErr) {
				t.Fatalf("rules cause: %v", ce.RulesErr)
			}
			if tc.storageErr != nil && !errors.Is(ce.StorageErr, tc.storageErr) {
				t.Fatalf("storage cause: %v", ce.StorageErr)
			}
			if c, err := New(Options{Config: tc.cfg}); c != nil || err == nil {
				t.Fatal("New must fail as well")
			}
		})
	}
}

func TestNewReleasesNothingOnStorageFailure(t *testing.T) {
	before := fakeOpen.Load()
	c, err := New(Options{Config: Config{Name: "x", Storage: fakeModule, StorageArgs: map[string]string{"fail": "1"}}})
	if c != nil || err == nil {
		t.Fatal("expected failure")
	}
	var ce *CreateError
	if !errors.As(err, &ce) || ce.StorageErr == nil {
		t.Fatalf("expected storage cause, got %v", err)
	}
	if fakeOpen.Load() != before {
		t.Fatal("storage leaked")
	}
	if _, err := New(Options{}); err == nil {
		t.Fatal("name must be required")
	}
}

type closeCounter struct {
	pending.Registry
	closed atomic.Int32
}

func (c *closeCounter) Close(ctx context.Context) error {
	c.closed.Add(1)
	return c.Registry.Close(ctx)
}

func TestNewClosesCallerRegistryOnFailure(t *testing.T) {
	for name, cfg := range map[string]Config{
		"storage": {Name: "x", Storage: fakeModule, StorageArgs: map[string]string{"fail": "1"}},
		"rules":   {Name: "x", Rules: "- match: [nope]"},
		"name":    {},
	} {
		t.Run(name, func(t *testing.T) {
			reg := &closeCounter{Registry: pending.NewLocal(pending.LocalOptions{})}
			if c, err := New(Options{Config: cfg, Pending: reg}); c != nil || err == nil {
				t.Fatal("expected failure")
			}
			if n := reg.closed.Load(); n != 1 {
				t.Fatalf("registry closed %d times, want 1", n)
			}
		})
	}

	reg := &closeCounter{Registry: pending.NewLocal(pending.LocalOptions{})}
	c, err := New(Options{Config: Config{Name: "ok"}, Pending: reg})
	if err != nil {
		t.Fatal(err)
	}
	if reg.closed.Load() != 0 {
		t.Fatal("registry closed by a successful New")
	}
	if err := c.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if reg.closed.Load() != 1 {
		t.Fatal("registry not closed by Close")
	}
}

func TestCloseReleasesStorage(t *testing.T) {
	ctx := context.Background()
	before := fakeOpen.Load()
	c, err := New(Options{Config: Config{Name: "close", Storage: fakeModule}})
	if err != nil {
		t.Fatal(err)
	}
	if fakeOpen.Load() != before+1 {
		t.Fatal("storage not opened")
	}
	if err := c.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(ctx); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if fakeOpen.Load() != before {
		t.Fatal("storage not closed")
	}
}

func TestGetInfo(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, Config{Name: "info", HardTTL: time.Minute, Rules: `{match: ['database = "a"'], exclude: ['query like "x"']}`}, Options{})
	key, _ := c.GetKey("a", "SELECT 1")
	c.PutValue(ctx, key, []byte("v"))
	c.MustRefresh(ctx, key, "r")

	d := c.GetInfo(ctx, InfoRules)
	if d.Name != "info" || len(d.Rules) != 1 || d.Rules[0].Count != 2 || d.Pending != nil || d.Storage != nil {
		t.Fatalf("rules only: %+v", d)
	}
	d = c.GetInfo(ctx, InfoAll)
	if d.Pending == nil || d.Pending.Count != 1 {
		t.Fatalf("pending: %+v", d.Pending)
	}
	if d.Storage["module"] != "memory" || d.Storage["items"] != 1 || d.Storage["capabilities"] == "" {
		t.Fatalf("storage: %v", d.Storage)
	}
	m := d.Map()
	if m["name"] != "info" || len(m["rules"].([]any)) != 1 {
		t.Fatalf("Map: %v", m)
	}
}

func TestLeaseExpiry(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	hooks := &recordingHooks{}
	c := newTestCache(t, Config{Name: "lease"}, Options{Clock: clock, Hooks: hooks, PendingLease: time.Second})
	key, _ := c.GetKey("db", "SELECT 1")

	if !c.MustRefresh(ctx, key, "crashed") {
		t.Fatal("claim failed")
	}
	clock.Advance(2 * time.Second)
	if !c.MustRefresh(ctx, key, "next") {
		t.Fatal("abandoned refresh must be taken over after the lease")
	}
	// the sweep loop may have dropped the claim first and report it
	// asynchronously
	var expired []Requester
	for deadline := time.Now().Add(time.Second); time.Now().Before(deadline); time.Sleep(time.Millisecond) {
		hooks.mu.Lock()
		expired = append(expired[:0], hooks.expired...)
		hooks.mu.Unlock()
		if len(expired) > 0 {
			break
		}
	}
	if len(expired) == 0 || expired[0] != "crashed" {
		t.Fatalf("LeaseExpired not reported: %v", expired)
	}
	if err := c.Refreshed(ctx, key, "crashed"); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("late Refreshed by the old owner: %v", err)
	}
}

func TestConfigIsCopied(t *testing.T) {
	args := map[string]string{"sweep": "1m"}
	c := newTestCache(t, Config{Name: "cfg", StorageArgs: args}, Options{})
	got := c.Config()
	got.StorageArgs["sweep"] = "changed"
	if c.Config().StorageArgs["sweep"] != "1m" || c.Name() != "cfg" {
		t.Fatal("Config must return a copy")
	}
}
