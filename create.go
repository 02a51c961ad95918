package querycache

import (
	"errors"
	"maps"

	"github.com/unkn0wn-root/querycache/rules"
	"github.com/unkn0wn-root/querycache/storage"
	"github.com/unkn0wn-root/querycache/storage/memory"
)

// Create compiles the rules of cfg and opens its storage factory, checking
// that the module can honour the configured limits. It fails as a whole:
// a *CreateError carries every cause.
func Create(cfg Config) ([]*rules.Rules, *storage.Factory, error) {
	rs, rerr := compileRules(cfg)
	f, serr := openFactory(cfg)
	if rerr != nil || serr != nil {
		return nil, nil, &CreateError{Name: cfg.Name, RulesErr: rerr, StorageErr: serr}
	}
	return rs, f, nil
}

func compileRules(cfg Config) ([]*rules.Rules, error) {
	switch {
	case cfg.Rules != "" && cfg.RulesFile != "":
		return nil, errors.New("both rules and rules file are set")
	case cfg.RulesFile != "":
		return rules.Load(cfg.RulesFile)
	default:
		return rules.Parse(cfg.Rules)
	}
}

func openFactory(cfg Config) (*storage.Factory, error) {
	f, err := storage.Open(coalesce(cfg.Storage, memory.Name))
	if err != nil {
		return nil, err
	}
	if err := f.Validate(cfg.storageConfig()); err != nil {
		return nil, err
	}
	return f, nil
}

func (c Config) storageConfig() storage.Config {
	return storage.Config{
		Name:      c.Name,
		SoftTTL:   c.SoftTTL,
		HardTTL:   c.HardTTL,
		MaxCount:  c.MaxCount,
		MaxSize:   c.MaxSize,
		Arguments: maps.Clone(c.StorageArgs),
	}
}
