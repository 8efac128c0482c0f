package router

import (
	"fmt"
	"strings"

	"github.com/ruberoo/gateway/internal/config"
)

type publicRule struct {
	matcher pathMatcher
	methods map[string]bool // nil = every method
}

// PublicPolicy decides which requests bypass authentication. It is
// independent of the route table so paths served by the gateway itself
// can be public.
type PublicPolicy struct {
	rules []publicRule
}

// NewPublicPolicy compiles public-path rules.
func NewPublicPolicy(cfgs []config.PublicPathConfig) (*PublicPolicy, error) {
	p := &PublicPolicy{rules: make([]publicRule, 0, len(cfgs))}
	for i, c := range cfgs {
		m, err := compilePattern(c.Path)
		if err != nil {
			return nil, fmt.Errorf("public path %d: %w", i, err)
		}
		rule := publicRule{matcher: m}
		if len(c.Methods) > 0 {
			rule.methods = make(map[string]bool, len(c.Methods))
			for _, method := range c.Methods {
				rule.methods[strings.ToUpper(method)] = true
			}
		}
		p.rules = append(p.rules, rule)
	}
	return p, nil
}

// IsPublic reports whether path and method are exempt from authentication.
func (p *PublicPolicy) IsPublic(path, method string) bool {
	for _, rule := range p.rules {
		if rule.methods != nil && !rule.methods[method] {
			continue
		}
		if rule.matcher.match(path) {
			return true
		}
	}
	return false
}
