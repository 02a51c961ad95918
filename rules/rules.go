// Package rules decides whether a statement's result may be cached.
//
// A rule set holds ordered match and exclude predicates. A statement is
// admitted when at least one match predicate holds (or there are none) and
// no exclude predicate holds. Rule sets are immutable once built and are
// safe to share between caches and goroutines.
package rules

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrSyntax wraps every rules parse failure.
var ErrSyntax = errors.New("rules: syntax error")

type Rules struct {
	match   []Predicate
	exclude []Predicate
	source  string
}

// document is one rule set in the source.
type document struct {
	Match   []string `yaml:"match"`
	Exclude []string `yaml:"exclude"`
}

// New builds a rule set from predicates, which may be built by hand.
// Errors wrap ErrSyntax.
func New(match, exclude []Predicate) (*Rules, error) {
	r := &Rules{
		match:   append([]Predicate(nil), match...),
		exclude: append([]Predicate(nil), exclude...),
	}
	for i := range r.match {
		if err := r.match[i].compile(); err != nil {
			return nil, fmt.Errorf("match %d: %w", i, err)
		}
	}
	for i := range r.exclude {
		if err := r.exclude[i].compile(); err != nil {
			return nil, fmt.Errorf("exclude %d: %w", i, err)
		}
	}
	doc := document{}
	for _, p := range r.match {
		doc.Match = append(doc.Match, p.String())
	}
	for _, p := range r.exclude {
		doc.Exclude = append(doc.Exclude, p.String())
	}
	if out, err := yaml.Marshal(doc); err == nil {
		r.source = strings.TrimSpace(string(out))
	}
	return r, nil
}

// admitAll is the set used for an empty source.
func admitAll() []*Rules {
	return []*Rules{{source: "{}"}}
}

// ShouldStore reports whether the result of stmt, run with db as the
// default database, may be cached.
func (r *Rules) ShouldStore(db, stmt string) bool {
	if len(r.match) > 0 {
		ok := false
		for _, p := range r.match {
			if p.Matches(db, stmt) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	for _, p := range r.exclude {
		if p.Matches(db, stmt) {
			return false
		}
	}
	return true
}

// Count is the number of predicates in the set.
func (r *Rules) Count() int { return len(r.match) + len(r.exclude) }

// Source is the textual form the set was built from.
func (r *Rules) Source() string { return r.source }

// Parse reads rule sets from YAML (or JSON). The source is either one rule
// set or a list of them. An empty source yields a single empty set, which
// admits every statement.
func Parse(src string) ([]*Rules, error) {
	if strings.TrimSpace(src) == "" {
		return admitAll(), nil
	}

	var root yaml.Node
	if err := yaml.Unmarshal([]byte(src), &root); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSyntax, err)
	}
	if len(root.Content) == 0 {
		return admitAll(), nil
	}

	node := root.Content[0]
	var nodes []*yaml.Node
	switch node.Kind {
	case yaml.MappingNode:
		nodes = []*yaml.Node{node}
	case yaml.SequenceNode:
		nodes = node.Content
	default:
		return nil, fmt.Errorf("%w: line %d: expected a rule set or a list of rule sets", ErrSyntax, node.Line)
	}
	if len(nodes) == 0 {
		return admitAll(), nil
	}

	out := make([]*Rules, 0, len(nodes))
	for i, n := range nodes {
		var doc document
		if err := n.Decode(&doc); err != nil {
			return nil, fmt.Errorf("%w: rule set %d: %v", ErrSyntax, i, err)
		}
		r, err := compile(doc)
		if err != nil {
			return nil, fmt.Errorf("rule set %d: %w", i, err)
		}
		if text, err := yaml.Marshal(n); err == nil {
			r.source = strings.TrimSpace(string(text))
		}
		out = append(out, r)
	}
	return out, nil
}

// Load parses the rules file at path.
func Load(path string) ([]*Rules, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("rules: %w", err)
	}
	return Parse(string(b))
}

func compile(doc document) (*Rules, error) {
	r := &Rules{}
	for _, s := range doc.Match {
		p, err := ParsePredicate(s)
		if err != nil {
			return nil, err
		}
		r.match = append(r.match, p)
	}
	for _, s := range doc.Exclude {
		p, err := ParsePredicate(s)
		if err != nil {
			return nil, err
		}
		r.exclude = append(r.exclude, p)
	}
	return r, nil
}
