// Package policy decides which mitigation action and inventory group apply
// to an attacking address.
package policy

import (
	"fmt"
	"net/netip"

	"hipswatch/internal/common"
)

// Rule matches addresses by network and by how many flows they produced.
// Rules are evaluated by descending priority; the first match wins.
type Rule struct {
	Name     string                  `yaml:"name"`
	Priority int                     `yaml:"priority"`
	Enabled  *bool                   `yaml:"enabled,omitempty"`
	CIDRs    []string                `yaml:"cidrs"`
	MinFlows int                     `yaml:"min_flows"`
	Action   common.MitigationAction `yaml:"action"`
	Group    string                  `yaml:"group"`

	prefixes []netip.Prefix
}

// Active reports whether the rule takes part in evaluation. Rules are enabled
// unless the file says otherwise.
func (r *Rule) Active() bool {
	return r.Enabled == nil || *r.Enabled
}

func (r *Rule) compile() error {
	if r.Action == "" {
		r.Action = common.ActionBlock
	}
	if !r.Action.Valid() {
		return fmt.Errorf("rule %q: unknown action %q", r.Name, r.Action)
	}
	if r.MinFlows < 0 {
		return fmt.Errorf("rule %q: min_flows must not be negative", r.Name)
	}
	r.prefixes = nil
	for _, c := range r.CIDRs {
		p, err := parsePrefix(c)
		if err != nil {
			return fmt.Errorf("rule %q: %w", r.Name, err)
		}
		r.prefixes = append(r.prefixes, p)
	}
	return nil
}

// parsePrefix accepts a CIDR or a bare address, which matches only itself.
func parsePrefix(s string) (netip.Prefix, error) {
	if p, err := netip.ParsePrefix(s); err == nil {
		return p.Masked(), nil
	}
	a, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid cidr %q", s)
	}
	return netip.PrefixFrom(a, a.BitLen()), nil
}

func (r *Rule) matches(addr netip.Addr, flowCount int) bool {
	if flowCount < r.MinFlows {
		return false
	}
	if len(r.prefixes) == 0 {
		return true
	}
	for _, p := range r.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// File is the on-disk policy document.
type File struct {
	DefaultAction common.MitigationAction `yaml:"default_action"`
	DefaultGroup  string                  `yaml:"default_group"`
	Rules         []Rule                  `yaml:"rules"`
}

// Decision is the outcome of evaluating one address.
type Decision struct {
	Action common.MitigationAction `json:"action"`
	Group  string                  `json:"group"`
	// Rule is the matched rule name, empty when the defaults applied.
	Rule string `json:"rule,omitempty"`
}

// Evaluator is the capability the watchdog and the inventory depend on.
type Evaluator interface {
	Evaluate(address string, flowCount int) Decision
}
