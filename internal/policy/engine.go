package policy

import (
	"fmt"
	"net/netip"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"hipswatch/internal/common"
	"hipswatch/internal/metrics"
	"hipswatch/internal/state"
)

// Engine evaluates an ordered rule set. A zero-rule engine returns the
// defaults for every address.
type Engine struct {
	mu            sync.RWMutex
	rules         []Rule
	defaultAction common.MitigationAction
	defaultGroup  string
}

// NewEngine builds an engine from rules. Empty defaults fall back to block
// and the standard inventory group.
func NewEngine(defaultAction common.MitigationAction, defaultGroup string, rules []Rule) (*Engine, error) {
	e := &Engine{}
	if err := e.set(defaultAction, defaultGroup, rules); err != nil {
		return nil, err
	}
	return e, nil
}

// LoadFile reads a YAML policy document. An empty path yields the defaults.
func LoadFile(path string, defaultGroup string) (*Engine, error) {
	if path == "" {
		return NewEngine(common.ActionBlock, defaultGroup, nil)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode policy file %s: %w", path, err)
	}
	if f.DefaultGroup == "" {
		f.DefaultGroup = defaultGroup
	}
	return NewEngine(f.DefaultAction, f.DefaultGroup, f.Rules)
}

func (e *Engine) set(defaultAction common.MitigationAction, defaultGroup string, rules []Rule) error {
	if defaultAction == "" {
		defaultAction = common.ActionBlock
	}
	if !defaultAction.Valid() {
		return fmt.Errorf("unknown default action %q", defaultAction)
	}
	if defaultGroup == "" {
		defaultGroup = common.DefaultInventoryGroup
	}

	compiled := make([]Rule, 0, len(rules))
	for i := range rules {
		r := rules[i]
		if r.Name == "" {
			r.Name = fmt.Sprintf("rule-%d", i+1)
		}
		if err := r.compile(); err != nil {
			return err
		}
		compiled = append(compiled, r)
	}
	sort.SliceStable(compiled, func(i, j int) bool {
		return compiled[i].Priority > compiled[j].Priority
	})

	e.mu.Lock()
	e.rules = compiled
	e.defaultAction = defaultAction
	e.defaultGroup = defaultGroup
	e.mu.Unlock()

	metrics.PolicyRulesLoaded.Set(float64(len(compiled)))
	return nil
}

// Evaluate returns the action and group for address. Addresses that do not
// parse only receive the defaults.
func (e *Engine) Evaluate(address string, flowCount int) Decision {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if addr, err := netip.ParseAddr(address); err == nil {
		for i := range e.rules {
			r := &e.rules[i]
			if !r.Active() || !r.matches(addr, flowCount) {
				continue
			}
			metrics.PolicyMatches.WithLabelValues(r.Name).Inc()
			d := Decision{Action: r.Action, Group: r.Group, Rule: r.Name}
			if d.Group == "" {
				d.Group = e.defaultGroup
			}
			return d
		}
	}
	metrics.PolicyMatches.WithLabelValues("default").Inc()
	return Decision{Action: e.defaultAction, Group: e.defaultGroup}
}

// Rules returns a copy of the active rule set in evaluation order.
func (e *Engine) Rules() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Rule, len(e.rules))
	copy(out, e.rules)
	return out
}

// GroupFunc adapts an Evaluator for inventory derivation.
func GroupFunc(e Evaluator) state.GroupFunc {
	return func(address string, st state.AddressState) string {
		return e.Evaluate(address, len(st.FlowIDs)).Group
	}
}
