// Package alert evaluates numeric readings against threshold rules. A
// rule fires at most once per cooldown and stays active until its
// condition stops holding.
package alert

import (
	"errors"
	"fmt"
	"log"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/nicktill/tinystation/pkg/config"
)

// ErrInvalidRule is returned for a rule that cannot be evaluated.
var ErrInvalidRule = errors.New("invalid alert rule")

// Level is the severity of a rule.
type Level string

const (
	LevelInfo     Level = "info"
	LevelWarn     Level = "warn"
	LevelCritical Level = "critical"
)

// Operator compares a reading with a threshold.
type Operator string

const (
	OpGreater      Operator = ">"
	OpLess         Operator = "<"
	OpGreaterEqual Operator = ">="
	OpLessEqual    Operator = "<="
	OpEqual        Operator = "=="
)

// Eval reports whether value op threshold holds.
func (op Operator) Eval(value, threshold float64) bool {
	switch op {
	case OpGreater:
		return value > threshold
	case OpLess:
		return value < threshold
	case OpGreaterEqual:
		return value >= threshold
	case OpLessEqual:
		return value <= threshold
	case OpEqual:
		return value == threshold
	}
	return false
}

// operatorAliases accepts word forms alongside the symbols.
var operatorAliases = map[string]Operator{
	">": OpGreater, "gt": OpGreater,
	"<": OpLess, "lt": OpLess,
	">=": OpGreaterEqual, "gte": OpGreaterEqual,
	"<=": OpLessEqual, "lte": OpLessEqual,
	"==": OpEqual, "eq": OpEqual,
}

var conditionRE = regexp.MustCompile(`^\s*(>=|<=|>|<|==)\s*(-?\d+(?:\.\d+)?)\s*$`)

// Rule is a validated alert rule. Rules are immutable once built.
type Rule struct {
	ID        string
	Field     string
	Op        Operator
	Threshold float64
	Level     Level
	Message   string
	Cooldown  time.Duration
}

// Condition renders the rule's test, e.g. "> 70".
func (r Rule) Condition() string {
	return fmt.Sprintf("%s %s", r.Op, formatValue(r.Threshold))
}

// Render fills the message template for a triggering value.
func (r Rule) Render(value float64) string {
	return strings.NewReplacer(
		"{value}", formatValue(value),
		"{field}", r.Field,
		"{threshold}", formatValue(r.Threshold),
	).Replace(r.Message)
}

// ParseRule validates one configured rule and fills in defaults.
func ParseRule(c config.AlertRuleConfig) (Rule, error) {
	if c.ID == "" || c.Field == "" {
		return Rule{}, fmt.Errorf("%w: id and field are required", ErrInvalidRule)
	}

	r := Rule{
		ID:       c.ID,
		Field:    c.Field,
		Level:    Level(c.Level),
		Message:  c.Message,
		Cooldown: c.Cooldown.Or(config.DefaultAlertCooldown),
	}

	switch {
	case c.Condition != "":
		m := conditionRE.FindStringSubmatch(c.Condition)
		if m == nil {
			return Rule{}, fmt.Errorf("%w: %s: bad condition %q", ErrInvalidRule, c.ID, c.Condition)
		}
		threshold, err := strconv.ParseFloat(m[2], 64)
		if err != nil {
			return Rule{}, fmt.Errorf("%w: %s: bad threshold %q", ErrInvalidRule, c.ID, m[2])
		}
		r.Op, r.Threshold = Operator(m[1]), threshold
	case c.Operator != "":
		op, ok := operatorAliases[strings.ToLower(strings.TrimSpace(c.Operator))]
		if !ok {
			return Rule{}, fmt.Errorf("%w: %s: unknown operator %q", ErrInvalidRule, c.ID, c.Operator)
		}
		if c.Threshold == nil {
			return Rule{}, fmt.Errorf("%w: %s: threshold is required", ErrInvalidRule, c.ID)
		}
		r.Op, r.Threshold = op, *c.Threshold
	default:
		return Rule{}, fmt.Errorf("%w: %s: condition is required", ErrInvalidRule, c.ID)
	}

	switch r.Level {
	case "":
		r.Level = Level(config.DefaultAlertLevel)
	case LevelInfo, LevelWarn, LevelCritical:
	default:
		return Rule{}, fmt.Errorf("%w: %s: unknown level %q", ErrInvalidRule, c.ID, c.Level)
	}
	if r.Message == "" {
		r.Message = r.Field + " alert: {value}"
	}
	return r, nil
}

// ParseRules builds every valid rule and skips the rest with a warning.
func ParseRules(cfgs []config.AlertRuleConfig) []Rule {
	rules := make([]Rule, 0, len(cfgs))
	for _, c := range cfgs {
		r, err := ParseRule(c)
		if err != nil {
			log.Printf("[alerts] skipping rule: %v", err)
			continue
		}
		log.Printf("[alerts] loaded rule %s (%s %s)", r.ID, r.Field, r.Condition())
		rules = append(rules, r)
	}
	return rules
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
