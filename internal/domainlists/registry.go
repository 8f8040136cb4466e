// Package domainlists binds configured domain lists to their matchers
// and classifies domains against them in declaration order.
package domainlists

import (
	"context"
	"time"

	"github.com/admitrievsky/freeroute/internal/config"
	"github.com/admitrievsky/freeroute/internal/matcher"
)

// Kind discriminates how a list's contents are maintained.
type Kind int

const (
	// External lists are refreshed from a URL.
	External Kind = iota
	// Manual lists are operator-edited and file-backed.
	Manual
	// Dynamic lists decide membership with reachability probes.
	Dynamic
)

// Spec describes one configured domain list.
type Spec struct {
	Name      string
	Interface string
	Kind      Kind

	// External
	URL            string
	UpdateInterval time.Duration

	// Dynamic
	ProbeTimeout time.Duration
}

// ForceDefault reports whether matches of this list are forced back to
// the default gateway.
func (s *Spec) ForceDefault() bool {
	return s.Name == config.ForceDefaultList
}

type entry struct {
	spec *Spec
	m    matcher.Matcher
}

// Registry owns every configured list and its matcher. Classification
// iterates lists in configuration order: external, manual, dynamic,
// each section in YAML order.
type Registry struct {
	entries []entry
	manual  map[string]*matcher.PersistentMatcher
}

// NewRegistry builds matchers for every configured list. Manual list
// files are loaded eagerly; a missing file is created empty.
func NewRegistry(cfg *config.Config) (*Registry, error) {
	r := &Registry{
		manual: make(map[string]*matcher.PersistentMatcher, len(cfg.ManualLists)),
	}

	for _, l := range cfg.ExternalLists {
		r.entries = append(r.entries, entry{
			spec: &Spec{
				Name:           l.Name,
				Interface:      l.Interface,
				Kind:           External,
				URL:            l.URL,
				UpdateInterval: l.UpdateInterval(),
			},
			m: matcher.NewSuffixMatcher(),
		})
	}

	for _, l := range cfg.ManualLists {
		pm := matcher.NewPersistentMatcher(l.FileName())
		if err := pm.Load(); err != nil {
			return nil, err
		}

		r.entries = append(r.entries, entry{
			spec: &Spec{Name: l.Name, Interface: l.Interface, Kind: Manual},
			m:    pm,
		})
		r.manual[l.Name] = pm
	}

	for _, l := range cfg.DynamicLists {
		r.entries = append(r.entries, entry{
			spec: &Spec{
				Name:         l.Name,
				Interface:    l.Interface,
				Kind:         Dynamic,
				ProbeTimeout: l.Timeout,
			},
			m: matcher.NewProbeMatcher(l.Timeout),
		})
	}

	return r, nil
}

// Classify returns the first list covering the domain, or nil.
func (r *Registry) Classify(ctx context.Context, domain string, ips []string) *Spec {
	for _, e := range r.entries {
		if e.m.Match(ctx, domain, ips) {
			return e.spec
		}
	}

	return nil
}

// Matcher returns the matcher bound to a spec returned by Classify.
func (r *Registry) Matcher(spec *Spec) matcher.Matcher { //nolint:ireturn
	for _, e := range r.entries {
		if e.spec == spec {
			return e.m
		}
	}

	return nil
}

// ManualNames lists manual list names in configuration order.
func (r *Registry) ManualNames() []string {
	names := make([]string, 0, len(r.manual))

	for _, e := range r.entries {
		if e.spec.Kind == Manual {
			names = append(names, e.spec.Name)
		}
	}

	return names
}

// Manual returns the file-backed matcher of a manual list.
func (r *Registry) Manual(name string) (*matcher.PersistentMatcher, bool) {
	pm, ok := r.manual[name]

	return pm, ok
}

// ManualMatchers returns every manual matcher keyed by list name.
func (r *Registry) ManualMatchers() map[string]*matcher.PersistentMatcher {
	out := make(map[string]*matcher.PersistentMatcher, len(r.manual))
	for name, pm := range r.manual {
		out[name] = pm
	}

	return out
}

// ExternalSpecs lists external list specs in configuration order.
func (r *Registry) ExternalSpecs() []*Spec {
	var specs []*Spec

	for _, e := range r.entries {
		if e.spec.Kind == External {
			specs = append(specs, e.spec)
		}
	}

	return specs
}
