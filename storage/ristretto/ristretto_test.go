package ristretto

import (
	"context"
	"crypto/sha256"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/unkn0wn-root/querycache/storage"
)

func TestPutGetDelete(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	s, err := New(storage.Config{
		Clock:     clock,
		SoftTTL:   time.Second,
		Arguments: map[string]string{"metrics": "true"},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close(ctx)

	k := storage.Key(sha256.Sum256([]byte("SELECT 1")))
	if res := s.PutValue(ctx, k, []byte("rows")); res != storage.OK {
		t.Fatalf("PutValue: %v", res)
	}
	s.Wait()

	if v, res := s.GetValue(ctx, k, storage.FlagNone, storage.UseConfigTTL, storage.UseConfigTTL); res != storage.OK || string(v) != "rows" {
		t.Fatalf("GetValue: v=%q res=%v", v, res)
	}

	clock.Advance(2 * time.Second)
	if v, res := s.GetValue(ctx, k, storage.FlagIncludeStale, storage.UseConfigTTL, storage.UseConfigTTL); res != storage.OK|storage.Stale || string(v) != "rows" {
		t.Fatalf("stale GetValue: v=%q res=%v", v, res)
	}

	s.DelValue(ctx, k)
	if _, res := s.GetValue(ctx, k, storage.FlagNone, 0, 0); res != storage.NotFound {
		t.Fatalf("after delete: %v", res)
	}

	info, res := s.GetInfo(ctx, storage.InfoAll)
	if !res.IsOK() || info["module"] != Name {
		t.Fatalf("info: %v %v", info, res)
	}
	if _, ok := info["hits"]; !ok {
		t.Fatalf("metrics missing from info: %v", info)
	}
}

func TestCorruptEntryIsDropped(t *testing.T) {
	ctx := context.Background()
	var reported error
	s, err := New(storage.Config{OnError: func(err error) { reported = err }})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close(ctx)

	k := storage.Key(sha256.Sum256([]byte("x")))
	s.c.Set(k.String(), []byte("not-wire-format"), 1)
	s.Wait()

	if _, res := s.GetValue(ctx, k, storage.FlagNone, 0, 0); res != storage.NotFound {
		t.Fatalf("corrupt: %v", res)
	}
	if reported == nil {
		t.Fatalf("corruption was not reported")
	}
	s.Wait()
	if _, ok := s.c.Get(k.String()); ok {
		t.Fatalf("corrupt entry was not deleted")
	}
}

func TestInvalidArguments(t *testing.T) {
	if _, err := New(storage.Config{Arguments: map[string]string{"counters": "many"}}); err == nil {
		t.Fatalf("expected error")
	}
	if _, err := New(storage.Config{Arguments: map[string]string{"metrics": "maybe"}}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestGetValueReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s, err := New(storage.Config{Clock: clockwork.NewFakeClock()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close(ctx)

	k := storage.Key(sha256.Sum256([]byte("SELECT 2")))
	s.PutValue(ctx, k, []byte("rows"))
	s.Wait()

	v, res := s.GetValue(ctx, k, storage.FlagNone, storage.UseConfigTTL, storage.UseConfigTTL)
	if res != storage.OK {
		t.Fatalf("GetValue: %v", res)
	}
	v[0] = 'X'
	if v, _ := s.GetValue(ctx, k, storage.FlagNone, storage.UseConfigTTL, storage.UseConfigTTL); string(v) != "rows" {
		t.Fatalf("cached value changed through a returned slice: %q", v)
	}
}
