package bigcache

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
		HardTTL:   time.Hour,
		MaxSize:   8 << 20,
		Arguments: map[string]string{"shards": "16"},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close(ctx)

	k := storage.Key(sha256.Sum256([]byte("SELECT * FROM t")))
	if _, res := s.GetValue(ctx, k, storage.FlagNone, 0, 0); res != storage.NotFound {
		t.Fatalf("miss: %v", res)
	}
	if res := s.PutValue(ctx, k, []byte("rows")); res != storage.OK {
		t.Fatalf("PutValue: %v", res)
	}
	if v, res := s.GetValue(ctx, k, storage.FlagNone, storage.UseConfigTTL, storage.UseConfigTTL); res != storage.OK || string(v) != "rows" {
		t.Fatalf("GetValue: v=%q res=%v", v, res)
	}

	clock.Advance(1500 * time.Millisecond)
	if _, res := s.GetValue(ctx, k, storage.FlagNone, storage.UseConfigTTL, storage.UseConfigTTL); res != storage.NotFound|storage.Stale {
		t.Fatalf("stale without flag: %v", res)
	}

	if res := s.DelValue(ctx, k); res != storage.OK {
		t.Fatalf("DelValue: %v", res)
	}
	if res := s.DelValue(ctx, k); res != storage.OK {
		t.Fatalf("DelValue of absent key: %v", res)
	}

	info, _ := s.GetInfo(ctx, storage.InfoStats)
	if info["items"] != 0 {
		t.Fatalf("info: %v", info)
	}
}

func TestInvalidArguments(t *testing.T) {
	for _, args := range []map[string]string{
		{"shards": "x"},
		{"clean": "often"},
		{"max_entry": "-"},
	} {
		if _, err := New(storage.Config{Arguments: args}); err == nil {
			t.Fatalf("expected error for %v", args)
		}
	}
}
