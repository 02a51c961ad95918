package sloghooks

import (
	"encoding/hex"
	"log/slog"
	"sync/atomic"

	"github.com/unkn0wn-root/querycache"
)

type Options struct {
	// Sampling to avoid floods; 0/1 = log all.
	ClaimedEvery   uint64
	ContendedEvery uint64
	// Optional key redactor. Defaults to the first 8 bytes in hex.
	Redact func(querycache.Key) string
}

type Hooks struct {
	l    *slog.Logger
	opts Options

	claimedCtr   atomic.Uint64
	contendedCtr atomic.Uint64
}

var _ querycache.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func (h *Hooks) redact(k querycache.Key) string {
	if h.opts.Redact != nil {
		return h.opts.Redact(k)
	}
	return hex.EncodeToString(k[:8])
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) RefreshClaimed(key querycache.Key, r querycache.Requester) {
	if h.l == nil || !sample(h.opts.ClaimedEvery, &h.claimedCtr) {
		return
	}
	h.l.Debug("querycache.refresh_claimed",
		"key", h.redact(key),
		"requester", string(r))
}

func (h *Hooks) RefreshContended(key querycache.Key, r querycache.Requester) {
	if h.l == nil || !sample(h.opts.ContendedEvery, &h.contendedCtr) {
		return
	}
	h.l.Debug("querycache.refresh_contended",
		"key", h.redact(key),
		"requester", string(r))
}

func (h *Hooks) RefreshReleased(querycache.Key, querycache.Requester) {}

func (h *Hooks) RefreshRejected(key querycache.Key, r querycache.Requester, err error) {
	if h.l == nil {
		return
	}
	h.l.Error("querycache.refresh_rejected",
		"key", h.redact(key),
		"requester", string(r),
		"err", err)
}

func (h *Hooks) LeaseExpired(key querycache.Key, owner querycache.Requester) {
	if h.l == nil {
		return
	}
	h.l.Warn("querycache.lease_expired",
		"key", h.redact(key),
		"owner", string(owner))
}

func (h *Hooks) BackendError(cache string, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("querycache.backend_error",
		"cache", cache,
		"err", err)
}
