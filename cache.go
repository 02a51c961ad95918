package querycache

import (
	"maps"

	"github.com/unkn0wn-root/querycache/rules"
	"github.com/unkn0wn-root/querycache/storage"
)

// base holds what every cache implementation shares: configuration, rules
// and the storage factory. Implementations embed it and add the storage
// and refresh coordination.
type base struct {
	cfg     Config
	rules   []*rules.Rules
	factory *storage.Factory
	log     Logger
	hooks   Hooks
}

func (b *base) Name() string { return b.cfg.Name }

func (b *base) Config() Config {
	cfg := b.cfg
	cfg.StorageArgs = maps.Clone(b.cfg.StorageArgs)
	return cfg
}

func (b *base) debug(d Debug) bool { return b.cfg.Debug&d != 0 }

func (b *base) ShouldStore(defaultDB, stmt string) *rules.Rules {
	for _, r := range b.rules {
		if r.ShouldStore(defaultDB, stmt) {
			if b.debug(DebugMatching) {
				b.log.Info("statement matches rules, result will be cached",
					Fields{"cache": b.cfg.Name, "db": defaultDB, "stmt": stmt})
			}
			return r
		}
	}
	if b.debug(DebugNonMatching) {
		b.log.Info("statement does not match rules, result will not be cached",
			Fields{"cache": b.cfg.Name, "db": defaultDB, "stmt": stmt})
	}
	return nil
}

func (b *base) GetKey(defaultDB, stmt string) (Key, error) {
	return deriveKey(b.cfg.Key, defaultDB, stmt)
}

func (b *base) rulesInfo() []RulesInfo {
	out := make([]RulesInfo, 0, len(b.rules))
	for _, r := range b.rules {
		out = append(out, RulesInfo{Count: r.Count(), Source: r.Source()})
	}
	return out
}
