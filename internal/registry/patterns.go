// Package registry builds actions, pattern sets and modules from config
// entries by name.
package registry

import (
	"fmt"
	"strings"

	"github.com/BespredeL/wafu/internal/waf"
)

// Patterns resolves named pattern sets. Configured sets replace built-in
// sets of the same name.
type Patterns struct {
	sets map[string][]string
}

func NewPatterns(configured map[string][]string) *Patterns {
	sets := waf.DefaultPatternSets()
	for name, set := range configured {
		sets[name] = append([]string(nil), set...)
	}
	return &Patterns{sets: sets}
}

func (p *Patterns) Get(name string) ([]string, error) {
	set, ok := p.sets[name]
	if !ok {
		return nil, fmt.Errorf("registry: pattern set %q is not defined", name)
	}
	for i, pattern := range set {
		if strings.TrimSpace(pattern) == "" {
			return nil, fmt.Errorf("registry: pattern set %q has an empty pattern at index %d", name, i)
		}
	}
	return append([]string(nil), set...), nil
}

// Names lists every known set.
func (p *Patterns) Names() []string {
	return sortedKeys(p.sets)
}

// Expand replaces set names with their patterns. Items starting with '/',
// '#' or '~' are delimited regexes and are kept as they are.
func (p *Patterns) Expand(items []string) ([]string, error) {
	var out []string
	for _, item := range items {
		if item == "" {
			continue
		}
		if waf.IsDelimited(item) {
			out = append(out, item)
			continue
		}
		set, err := p.Get(item)
		if err != nil {
			return nil, err
		}
		out = append(out, set...)
	}
	return out, nil
}
