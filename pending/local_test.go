package pending

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/unkn0wn-root/querycache/storage"
)

func testKey(s string) storage.Key { return storage.Key(sha256.Sum256([]byte(s))) }

func TestLocalClaimRelease(t *testing.T) {
	ctx := context.Background()
	r := NewLocal(LocalOptions{})
	t.Cleanup(func() { _ = r.Close(ctx) })

	k := testKey("a")
	if ok, err := r.Claim(ctx, k, "s1"); !ok || err != nil {
		t.Fatalf("first claim: ok=%v err=%v", ok, err)
	}
	if ok, _ := r.Claim(ctx, k, "s2"); ok {
		t.Fatalf("second claimant must lose")
	}
	if ok, _ := r.Claim(ctx, k, "s1"); ok {
		t.Fatalf("owner must not claim twice")
	}

	err := r.Release(ctx, k, "s2")
	var mm *MismatchError
	if !errors.As(err, &mm) || mm.Owner != "s1" || !errors.Is(err, ErrNotOwner) {
		t.Fatalf("non-owner release: %v", err)
	}
	if n, _ := r.Len(ctx); n != 1 {
		t.Fatalf("claim must survive a rejected release, len=%d", n)
	}

	if err := r.Release(ctx, k, "s1"); err != nil {
		t.Fatalf("owner release: %v", err)
	}
	if err := r.Release(ctx, k, "s1"); !errors.Is(err, ErrNotPending) {
		t.Fatalf("double release: %v", err)
	}
	if ok, _ := r.Claim(ctx, k, "s2"); !ok {
		t.Fatalf("key must be claimable after release")
	}
}

func TestLocalMutualExclusion(t *testing.T) {
	ctx := context.Background()
	r := NewLocal(LocalOptions{Shards: 4})
	t.Cleanup(func() { _ = r.Close(ctx) })

	k := testKey("hot")
	var (
		wg      sync.WaitGroup
		winners atomic.Int32
		start   = make(chan struct{})
	)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			if ok, _ := r.Claim(ctx, k, fmt.Sprintf("s%d", i)); ok {
				winners.Add(1)
			}
		}(i)
	}
	close(start)
	wg.Wait()
	if got := winners.Load(); got != 1 {
		t.Fatalf("expected exactly one winner, got %d", got)
	}
}

func TestLocalMaxClaims(t *testing.T) {
	ctx := context.Background()
	r := NewLocal(LocalOptions{Shards: 1, MaxClaims: 1})
	t.Cleanup(func() { _ = r.Close(ctx) })

	if ok, _ := r.Claim(ctx, testKey("a"), "s"); !ok {
		t.Fatal("first claim failed")
	}
	if ok, err := r.Claim(ctx, testKey("b"), "s"); ok || !errors.Is(err, ErrFull) {
		t.Fatalf("expected ErrFull, got ok=%v err=%v", ok, err)
	}
}

func TestLocalLeaseTakeover(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	var expired []string
	r := NewLocal(LocalOptions{
		Lease:         time.Second,
		SweepInterval: time.Hour,
		Clock:         clock,
		OnExpire:      func(_ storage.Key, owner string) { expired = append(expired, owner) },
	})
	t.Cleanup(func() { _ = r.Close(ctx) })

	k := testKey("k")
	r.Claim(ctx, k, "crashed")
	clock.Advance(500 * time.Millisecond)
	if ok, _ := r.Claim(ctx, k, "next"); ok {
		t.Fatal("lease not yet expired")
	}
	clock.Advance(time.Second)
	if ok, _ := r.Claim(ctx, k, "next"); !ok {
		t.Fatal("expected takeover after lease")
	}
	if len(expired) != 1 || expired[0] != "crashed" {
		t.Fatalf("OnExpire: %v", expired)
	}
	if err := r.Release(ctx, k, "crashed"); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("old owner release: %v", err)
	}
}

func TestLocalSweep(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	r := NewLocal(LocalOptions{Lease: time.Second, SweepInterval: time.Hour, Clock: clock})
	t.Cleanup(func() { _ = r.Close(ctx) })

	r.Claim(ctx, testKey("a"), "s")
	clock.Advance(2 * time.Second)
	r.Claim(ctx, testKey("b"), "s")
	r.Sweep()
	if n, _ := r.Len(ctx); n != 1 {
		t.Fatalf("expected only the fresh claim to survive, len=%d", n)
	}
}

func TestLocalNoLeaseNeverExpires(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	r := NewLocal(LocalOptions{Clock: clock})
	t.Cleanup(func() { _ = r.Close(ctx) })

	k := testKey("k")
	r.Claim(ctx, k, "s1")
	clock.Advance(24 * time.Hour)
	r.Sweep()
	if ok, _ := r.Claim(ctx, k, "s2"); ok {
		t.Fatal("claim without lease must not expire")
	}
}
