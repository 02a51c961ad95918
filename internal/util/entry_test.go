package util

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/unkn0wn-root/querycache/storage"
)

func TestUnframeAgesEntries(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	cfg := storage.Config{Clock: clock, SoftTTL: time.Second, HardTTL: 5 * time.Second}

	raw := Frame(cfg, []byte("rows"))

	clock.Advance(500 * time.Millisecond)
	v, res, err := Unframe(cfg, raw, storage.FlagIncludeStale, storage.UseConfigTTL, storage.UseConfigTTL)
	if err != nil || res != storage.OK || string(v) != "rows" {
		t.Fatalf("fresh: v=%q res=%v err=%v", v, res, err)
	}

	clock.Advance(time.Second)
	v, res, _ = Unframe(cfg, raw, storage.FlagIncludeStale, storage.UseConfigTTL, storage.UseConfigTTL)
	if res != storage.OK|storage.Stale || string(v) != "rows" {
		t.Fatalf("stale: v=%q res=%v", v, res)
	}

	v, res, _ = Unframe(cfg, raw, storage.FlagNone, storage.UseConfigTTL, storage.UseConfigTTL)
	if !res.IsNotFound() || !res.IsStale() || v != nil {
		t.Fatalf("stale without flag: v=%q res=%v", v, res)
	}

	clock.Advance(5 * time.Second)
	if _, res, _ = Unframe(cfg, raw, storage.FlagIncludeStale, storage.UseConfigTTL, storage.UseConfigTTL); !res.IsNotFound() {
		t.Fatalf("expired: res=%v", res)
	}
}

func TestUnframeCorrupt(t *testing.T) {
	cfg := storage.Config{Clock: clockwork.NewFakeClock()}
	if _, res, err := Unframe(cfg, []byte("junk"), storage.FlagNone, 0, 0); err == nil || !res.IsNotFound() {
		t.Fatalf("expected corrupt error, res=%v err=%v", res, err)
	}
}

func TestNamespacedKey(t *testing.T) {
	var k storage.Key
	k[0] = 0xab
	got := NamespacedKey("value", "main", k)
	want := "value:main:ab" + "00000000000000000000000000000000000000000000000000000000000000"[:62]
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
	if got := NamespacedKey("value", "", k); got != "value:"+k.String() {
		t.Fatalf("empty name: got %q", got)
	}
}
