package rule

import (
	"errors"
	"fmt"
	"sort"

	"github.com/roach88/taskpilot/internal/registry"
)

// Ruleset is an immutable, versioned snapshot of everything the engine
// evaluates against: the field registry plus all rule and link
// definitions. Evaluation order is stable by ID, not storage order, so
// multiple rules firing from one event are reproducible.
type Ruleset struct {
	version  int64
	registry *registry.Registry
	rules    []AutomationRule
	links    []FieldLink
}

// NewRuleset validates definitions against the registry and builds a
// snapshot. All definition errors are returned joined; a ruleset with
// any invalid definition is rejected whole, so nothing half-validated
// ever reaches the evaluator.
func NewRuleset(version int64, reg *registry.Registry, rules []AutomationRule, links []FieldLink) (*Ruleset, error) {
	if reg == nil {
		return nil, fmt.Errorf("ruleset: registry is required")
	}

	var defErrs []error
	seenRules := make(map[string]bool, len(rules))
	for _, r := range rules {
		if seenRules[r.ID] {
			defErrs = append(defErrs, fmt.Errorf("duplicate rule id %q", r.ID))
			continue
		}
		seenRules[r.ID] = true
		for _, e := range ValidateRule(r, reg) {
			defErrs = append(defErrs, e)
		}
	}
	seenLinks := make(map[string]bool, len(links))
	for _, l := range links {
		if seenLinks[l.ID] {
			defErrs = append(defErrs, fmt.Errorf("duplicate link id %q", l.ID))
			continue
		}
		seenLinks[l.ID] = true
		for _, e := range ValidateLink(l, reg) {
			defErrs = append(defErrs, e)
		}
	}
	if len(defErrs) > 0 {
		return nil, errors.Join(defErrs...)
	}

	rulesCopy := make([]AutomationRule, len(rules))
	copy(rulesCopy, rules)
	sort.Slice(rulesCopy, func(i, j int) bool { return rulesCopy[i].ID < rulesCopy[j].ID })

	linksCopy := make([]FieldLink, len(links))
	copy(linksCopy, links)
	sort.Slice(linksCopy, func(i, j int) bool { return linksCopy[i].ID < linksCopy[j].ID })

	return &Ruleset{
		version:  version,
		registry: reg,
		rules:    rulesCopy,
		links:    linksCopy,
	}, nil
}

// Version returns the snapshot version.
func (rs *Ruleset) Version() int64 { return rs.version }

// Registry returns the field registry snapshot.
func (rs *Ruleset) Registry() *registry.Registry { return rs.registry }

// Rules returns all rules in stable ID order. Callers must not mutate.
func (rs *Ruleset) Rules() []AutomationRule { return rs.rules }

// Links returns all links in stable ID order. Callers must not mutate.
func (rs *Ruleset) Links() []FieldLink { return rs.links }

// RulesFor returns the enabled rules for a model, in stable ID order.
func (rs *Ruleset) RulesFor(model string) []AutomationRule {
	var out []AutomationRule
	for _, r := range rs.rules {
		if r.Enabled && r.Trigger.Model == model {
			out = append(out, r)
		}
	}
	return out
}

// LinksFor returns the links for a model, in stable ID order.
func (rs *Ruleset) LinksFor(model string) []FieldLink {
	var out []FieldLink
	for _, l := range rs.links {
		if l.Model == model {
			out = append(out, l)
		}
	}
	return out
}

// LinkByID resolves a link definition.
func (rs *Ruleset) LinkByID(id string) (FieldLink, bool) {
	for _, l := range rs.links {
		if l.ID == id {
			return l, true
		}
	}
	return FieldLink{}, false
}
