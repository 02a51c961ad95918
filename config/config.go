// Package config loads cache definitions from a YAML file.
//
//	caches:
//	  - name: reports
//	    storage: redis
//	    storage_args: {addr: "localhost:6379"}
//	    soft_ttl: 30s
//	    hard_ttl: 1d
//	    pending_lease: 10s
//	    debug: [matching, decisions]
//	    rules:
//	      match: ['query like "^SELECT"']
//	      exclude: ['query like "FOR UPDATE"']
//
// Durations accept the units of time.ParseDuration plus d (day) and w (week).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/xhit/go-str2duration/v2"
	"gopkg.in/yaml.v3"

	"github.com/unkn0wn-root/querycache"
)

// Duration is a time.Duration written as "90s", "1d12h" or "2w".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	v, err := str2duration.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return str2duration.String(time.Duration(d)), nil
}

type File struct {
	Caches []Cache `yaml:"caches"`
}

// Cache is the file form of querycache.Config.
type Cache struct {
	Name         string               `yaml:"name"`
	Storage      string               `yaml:"storage"`
	StorageArgs  map[string]string    `yaml:"storage_args"`
	SoftTTL      Duration             `yaml:"soft_ttl"`
	HardTTL      Duration             `yaml:"hard_ttl"`
	MaxCount     int64                `yaml:"max_count"`
	MaxSize      int64                `yaml:"max_size"`
	Rules        yaml.Node            `yaml:"rules"`
	RulesFile    string               `yaml:"rules_file"`
	Key          querycache.KeyConfig `yaml:"key"`
	Debug        []string             `yaml:"debug"`
	PendingLease Duration             `yaml:"pending_lease"`
}

var debugNames = map[string]querycache.Debug{
	"matching":     querycache.DebugMatching,
	"non_matching": querycache.DebugNonMatching,
	"use":          querycache.DebugUse,
	"non_use":      querycache.DebugNonUse,
	"decisions":    querycache.DebugDecisions,
	"all":          querycache.DebugAll,
}

// Parse decodes and validates a configuration.
func Parse(b []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Load reads the file at path. Relative rules files are resolved against
// the directory of path.
func Load(path string) (*File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	f, err := Parse(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	dir := filepath.Dir(path)
	for i := range f.Caches {
		rf := f.Caches[i].RulesFile
		if rf != "" && !filepath.IsAbs(rf) {
			f.Caches[i].RulesFile = filepath.Join(dir, rf)
		}
	}
	return f, nil
}

func (f *File) Validate() error {
	if len(f.Caches) == 0 {
		return errors.New("config: no caches defined")
	}
	var errs []error
	seen := make(map[string]bool, len(f.Caches))
	for i, c := range f.Caches {
		if c.Name == "" {
			errs = append(errs, fmt.Errorf("config: cache #%d: missing name", i+1))
			continue
		}
		if seen[c.Name] {
			errs = append(errs, fmt.Errorf("config: cache %q: defined twice", c.Name))
		}
		seen[c.Name] = true
		if err := c.validate(); err != nil {
			errs = append(errs, fmt.Errorf("config: cache %q: %w", c.Name, err))
		}
	}
	return errors.Join(errs...)
}

func (c Cache) validate() error {
	switch {
	case c.SoftTTL < 0 || c.HardTTL < 0 || c.PendingLease < 0:
		return errors.New("negative duration")
	case c.MaxCount < 0 || c.MaxSize < 0:
		return errors.New("negative limit")
	case !c.Rules.IsZero() && c.RulesFile != "":
		return errors.New("rules and rules_file are mutually exclusive")
	}
	if _, err := c.debug(); err != nil {
		return err
	}
	return nil
}

func (c Cache) debug() (querycache.Debug, error) {
	var d querycache.Debug
	for _, name := range c.Debug {
		bit, ok := debugNames[strings.ToLower(name)]
		if !ok {
			return 0, fmt.Errorf("unknown debug flag %q", name)
		}
		d |= bit
	}
	return d, nil
}

// Lookup returns the cache called name.
func (f *File) Lookup(name string) (Cache, bool) {
	for _, c := range f.Caches {
		if c.Name == name {
			return c, true
		}
	}
	return Cache{}, false
}

// Config converts c into the configuration of querycache.New.
func (c Cache) Config() (querycache.Config, error) {
	d, err := c.debug()
	if err != nil {
		return querycache.Config{}, err
	}
	cfg := querycache.Config{
		Name:        c.Name,
		Storage:     c.Storage,
		StorageArgs: c.StorageArgs,
		SoftTTL:     time.Duration(c.SoftTTL),
		HardTTL:     time.Duration(c.HardTTL),
		MaxCount:    c.MaxCount,
		MaxSize:     c.MaxSize,
		RulesFile:   c.RulesFile,
		Key:         c.Key,
		Debug:       d,
	}
	if !c.Rules.IsZero() {
		switch {
		case c.Rules.Kind == yaml.ScalarNode:
			// inline source text
			cfg.Rules = c.Rules.Value
		default:
			out, err := yaml.Marshal(&c.Rules)
			if err != nil {
				return querycache.Config{}, err
			}
			cfg.Rules = string(out)
		}
	}
	return cfg, nil
}

// Options returns the querycache.Options for c. Logger, Hooks and Clock
// are left for the caller.
func (c Cache) Options() (querycache.Options, error) {
	cfg, err := c.Config()
	if err != nil {
		return querycache.Options{}, err
	}
	return querycache.Options{Config: cfg, PendingLease: time.Duration(c.PendingLease)}, nil
}
