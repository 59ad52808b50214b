package transform

import (
	"fmt"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/guseggert/peerrun/app"
)

// Rule maps a file name glob to the transforms applied to matching files, in order.
type Rule struct {
	Pattern     string
	Descriptors []Descriptor
}

// ParseRules validates the transform rules of an app config.
func ParseRules(cfgs []app.RuleConfig) ([]Rule, error) {
	rules := make([]Rule, 0, len(cfgs))
	for i, c := range cfgs {
		if !doublestar.ValidatePattern(c.Pattern) {
			return nil, fmt.Errorf("transform rule %d: invalid pattern %q", i, c.Pattern)
		}
		r := Rule{Pattern: c.Pattern}
		for _, u := range c.Use {
			d, err := parseDescriptor(u)
			if err != nil {
				return nil, fmt.Errorf("transform rule %q: %w", c.Pattern, err)
			}
			r.Descriptors = append(r.Descriptors, d)
		}
		rules = append(rules, r)
	}
	return rules, nil
}

// Match returns the descriptors of every rule whose pattern matches name, in rule order.
func Match(rules []Rule, name string) []Descriptor {
	name = filepath.ToSlash(name)
	var ds []Descriptor
	for _, r := range rules {
		// patterns are validated by ParseRules
		if ok, _ := doublestar.Match(r.Pattern, name); ok {
			ds = append(ds, r.Descriptors...)
		}
	}
	return ds
}
