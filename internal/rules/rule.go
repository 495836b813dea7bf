// Package rules defines detection rules and the versioned, atomically
// swapped rule set they load into. A rule is data, not code: built-in and
// user-supplied rules share one structure and one loader, so adding a rule
// never touches engine logic.
package rules

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"sentinelmon/internal/model"
)

// Condition operators for leaf comparisons.
const (
	OpEq       = "eq"
	OpNeq      = "neq"
	OpContains = "contains"
	OpRegex    = "regex"
	OpGt       = "gt"
	OpLt       = "lt"
	OpGte      = "gte"
	OpLte      = "lte"
	OpInSet    = "in_set"
)

// Condition is one node of a rule's boolean expression tree: either
// exactly one combinator (All/Any/Not) or a leaf comparison
// (Field/Op/Value). Field is a dotted path into the event payload.
type Condition struct {
	All []Condition `yaml:"all,omitempty" json:"all,omitempty"`
	Any []Condition `yaml:"any,omitempty" json:"any,omitempty"`
	Not *Condition  `yaml:"not,omitempty" json:"not,omitempty"`

	Field string `yaml:"field,omitempty" json:"field,omitempty"`
	Op    string `yaml:"op,omitempty" json:"op,omitempty"`
	Value any    `yaml:"value,omitempty" json:"value,omitempty"`

	// re is the compiled pattern for regex leaves, built at load time.
	re *regexp.Regexp
}

// Duration wraps time.Duration so rule files can spell cooldowns as "5m".
type Duration time.Duration

// UnmarshalYAML accepts either a duration string or a number of seconds.
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var secs float64
	if err := unmarshal(&secs); err != nil {
		return fmt.Errorf("invalid duration value")
	}
	*d = Duration(time.Duration(secs * float64(time.Second)))
	return nil
}

// MarshalJSON renders the duration as its string form.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Rule is one named detection rule. Rules are immutable after load.
type Rule struct {
	Name        string           `yaml:"name" json:"name"`
	Description string           `yaml:"description,omitempty" json:"description,omitempty"`
	AppliesTo   []string         `yaml:"applies_to" json:"applies_to"`
	Condition   Condition        `yaml:"condition" json:"condition"`
	Severity    model.Severity   `yaml:"severity" json:"severity"`
	ThreatType  model.ThreatType `yaml:"threat_type" json:"threat_type"`
	Cooldown    Duration         `yaml:"cooldown,omitempty" json:"cooldown,omitempty"`
	Disabled    bool             `yaml:"disabled,omitempty" json:"disabled,omitempty"`
}

// AppliesToType reports whether the rule's applies_to set contains the
// event type.
func (r *Rule) AppliesToType(eventType string) bool {
	for _, t := range r.AppliesTo {
		if t == eventType {
			return true
		}
	}
	return false
}

// validate checks a rule's shape and compiles its regex leaves. It is
// called once at load; a failure rejects the entire load.
func (r *Rule) validate() error {
	if r.Name == "" {
		return fmt.Errorf("rule name is required")
	}
	if len(r.AppliesTo) == 0 {
		return fmt.Errorf("rule %q: applies_to must name at least one event type", r.Name)
	}
	if !r.Severity.Valid() {
		return fmt.Errorf("rule %q: invalid severity %q", r.Name, r.Severity)
	}
	if r.ThreatType == "" {
		return fmt.Errorf("rule %q: threat_type is required", r.Name)
	}
	if r.Cooldown < 0 {
		return fmt.Errorf("rule %q: cooldown must not be negative", r.Name)
	}
	if err := r.Condition.compile(); err != nil {
		return fmt.Errorf("rule %q: %w", r.Name, err)
	}
	return nil
}

// compile validates the condition tree shape and compiles regex leaves.
func (c *Condition) compile() error {
	combinators := 0
	if len(c.All) > 0 {
		combinators++
	}
	if len(c.Any) > 0 {
		combinators++
	}
	if c.Not != nil {
		combinators++
	}

	if combinators > 1 {
		return fmt.Errorf("condition mixes combinators")
	}
	if combinators == 1 {
		if c.Field != "" || c.Op != "" {
			return fmt.Errorf("condition mixes combinator and leaf comparison")
		}
		for i := range c.All {
			if err := c.All[i].compile(); err != nil {
				return err
			}
		}
		for i := range c.Any {
			if err := c.Any[i].compile(); err != nil {
				return err
			}
		}
		if c.Not != nil {
			return c.Not.compile()
		}
		return nil
	}

	// Leaf comparison.
	if c.Field == "" {
		return fmt.Errorf("leaf condition is missing a field path")
	}
	switch c.Op {
	case OpEq, OpNeq, OpContains, OpGt, OpLt, OpGte, OpLte:
	case OpInSet:
		if _, ok := c.Value.([]any); !ok {
			return fmt.Errorf("field %q: in_set value must be a list", c.Field)
		}
	case OpRegex:
		pattern, ok := c.Value.(string)
		if !ok {
			return fmt.Errorf("field %q: regex value must be a string", c.Field)
		}
		re, err := regexp.Compile("(?i)" + pattern)
		if err != nil {
			return fmt.Errorf("field %q: invalid regex: %w", c.Field, err)
		}
		c.re = re
	case "":
		return fmt.Errorf("field %q: operator is required", c.Field)
	default:
		return fmt.Errorf("field %q: unknown operator %q", c.Field, c.Op)
	}
	return nil
}

// Eval evaluates the condition against an event payload. It is total: a
// missing field path or a type mismatch is a non-match, never an error.
// AND/OR short-circuit.
func (c *Condition) Eval(payload map[string]any) bool {
	switch {
	case len(c.All) > 0:
		for i := range c.All {
			if !c.All[i].Eval(payload) {
				return false
			}
		}
		return true
	case len(c.Any) > 0:
		for i := range c.Any {
			if c.Any[i].Eval(payload) {
				return true
			}
		}
		return false
	case c.Not != nil:
		return !c.Not.Eval(payload)
	}

	value, ok := lookupPath(payload, c.Field)
	if !ok {
		return false
	}
	return c.evalLeaf(value)
}

func (c *Condition) evalLeaf(value any) bool {
	switch c.Op {
	case OpEq:
		return looseEqual(value, c.Value)
	case OpNeq:
		return !looseEqual(value, c.Value)
	case OpContains:
		s, ok := value.(string)
		sub, ok2 := c.Value.(string)
		return ok && ok2 && strings.Contains(s, sub)
	case OpRegex:
		s, ok := value.(string)
		return ok && c.re != nil && c.re.MatchString(s)
	case OpGt, OpLt, OpGte, OpLte:
		a, ok := toFloat(value)
		b, ok2 := toFloat(c.Value)
		if !ok || !ok2 {
			return false
		}
		switch c.Op {
		case OpGt:
			return a > b
		case OpLt:
			return a < b
		case OpGte:
			return a >= b
		default:
			return a <= b
		}
	case OpInSet:
		set, ok := c.Value.([]any)
		if !ok {
			return false
		}
		for _, member := range set {
			if looseEqual(value, member) {
				return true
			}
		}
		return false
	}
	return false
}

// lookupPath resolves a dotted path through nested maps.
func lookupPath(m map[string]any, path string) (any, bool) {
	var cur any = m
	for _, part := range strings.Split(path, ".") {
		node, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = node[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// looseEqual compares scalars, treating all numeric representations as
// comparable. JSON decodes numbers as float64 while YAML rule files yield
// int, so numeric equality must cross types.
func looseEqual(a, b any) bool {
	if af, ok := toFloat(a); ok {
		if bf, ok2 := toFloat(b); ok2 {
			return af == bf
		}
		return false
	}
	return a == b
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
