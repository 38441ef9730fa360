// Package rules implements the queue rule registry and the admission
// condition matcher. Rules are loaded from a YAML file; a rule's position in
// the file determines its priority (earlier rules outrank later ones).
package rules

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"mergebot/pkg/queue"
)

// DefaultSpeculativeChecks is the admission width used when a rule omits it.
const DefaultSpeculativeChecks = 1

// priorityLabelPrefix marks the label users attach to raise a pull's priority
// within its queue, e.g. "queue-priority:50".
const priorityLabelPrefix = "queue-priority:"

// QueueRule is one named rule from the registry. Priority is derived from
// file position at load time and is immutable for the evaluation cycle.
type QueueRule struct {
	Name              string   `yaml:"name"`
	SpeculativeChecks int      `yaml:"speculative_checks"`
	DefaultPriority   int      `yaml:"priority"`
	Conditions        []string `yaml:"conditions"`

	// Priority is the rule's derived ordering priority (position-based).
	Priority int `yaml:"-"`

	parsed []*Condition
}

// Registry holds the loaded queue rules in declaration order.
type Registry struct {
	rules  []*QueueRule
	byName map[string]*QueueRule
}

type rulesFile struct {
	QueueRules []*QueueRule `yaml:"queue_rules"`
}

// LoadRegistry reads and validates a queue rules YAML file.
func LoadRegistry(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file %s: %w", path, err)
	}
	return ParseRegistry(raw)
}

// ParseRegistry parses queue rules from YAML bytes.
func ParseRegistry(raw []byte) (*Registry, error) {
	var file rulesFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("failed to parse queue rules: %w", err)
	}
	if len(file.QueueRules) == 0 {
		return nil, fmt.Errorf("queue rules: at least one rule is required")
	}

	reg := &Registry{
		rules:  file.QueueRules,
		byName: make(map[string]*QueueRule, len(file.QueueRules)),
	}
	for i, rule := range reg.rules {
		if rule.Name == "" {
			return nil, fmt.Errorf("queue rules: rule %d has no name", i)
		}
		if _, dup := reg.byName[rule.Name]; dup {
			return nil, fmt.Errorf("queue rules: duplicate rule name %q", rule.Name)
		}
		if rule.SpeculativeChecks <= 0 {
			rule.SpeculativeChecks = DefaultSpeculativeChecks
		}
		// First rule in the file gets the highest priority.
		rule.Priority = len(reg.rules) - 1 - i

		rule.parsed = make([]*Condition, 0, len(rule.Conditions))
		for _, expr := range rule.Conditions {
			cond, err := ParseCondition(expr)
			if err != nil {
				return nil, fmt.Errorf("queue rule %q: %w", rule.Name, err)
			}
			rule.parsed = append(rule.parsed, cond)
		}
		reg.byName[rule.Name] = rule
	}
	return reg, nil
}

// Get returns the named rule, or nil when absent.
func (r *Registry) Get(name string) *QueueRule {
	return r.byName[name]
}

// Rules returns the rules in declaration order.
func (r *Registry) Rules() []*QueueRule {
	return r.rules
}

// Matches reports whether every condition of the rule holds for the pull.
func (q *QueueRule) Matches(pull AttributeResolver) (bool, error) {
	for _, cond := range q.parsed {
		ok, err := cond.Match(pull)
		if err != nil {
			return false, fmt.Errorf("rule %q: %w", q.Name, err)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// Route returns the first rule (highest priority) whose conditions all match,
// or nil when no rule admits the pull.
func (r *Registry) Route(pull AttributeResolver) (*QueueRule, error) {
	for _, rule := range r.rules {
		ok, err := rule.Matches(pull)
		if err != nil {
			return nil, err
		}
		if ok {
			return rule, nil
		}
	}
	return nil, nil
}

// UserPriority extracts the user-supplied priority from a pull's labels, e.g.
// a "queue-priority:50" label. Falls back to the rule's default priority.
func UserPriority(pull AttributeResolver, rule *QueueRule) int {
	value, err := pull.Resolve("label")
	if err != nil || value.Kind != KindList {
		return rule.DefaultPriority
	}
	for _, label := range value.List {
		if rest, ok := strings.CutPrefix(label, priorityLabelPrefix); ok {
			if n, err := strconv.Atoi(strings.TrimSpace(rest)); err == nil {
				return n
			}
		}
	}
	return rule.DefaultPriority
}

// ResolveQueueConfig deterministically produces the PullQueueConfig for a
// pull admitted under a rule. The train consumes this record as-is.
func ResolveQueueConfig(pull AttributeResolver, rule *QueueRule) queue.PullQueueConfig {
	priority := UserPriority(pull, rule)
	return queue.PullQueueConfig{
		QueueName:         rule.Name,
		Priority:          priority,
		EffectivePriority: queue.EffectivePriority(priority, rule.Priority),
		StrictMethod:      queue.StrictMethodMerge,
		SpeculativeChecks: rule.SpeculativeChecks,
	}
}
