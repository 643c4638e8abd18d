package strategy

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/stratforge/crypto-strategy-engine/internal/engerr"
	"github.com/stratforge/crypto-strategy-engine/internal/indicators"
	"github.com/stratforge/crypto-strategy-engine/internal/market"
)

// eqTolerance bounds how far apart two floats may sit and still count as
// equal for the eq/neq operators, scaled by the threshold's magnitude.
const eqTolerance = 1e-9

// Operator decides whether an indicator value satisfies a rule condition.
// Implementations are resolved once at rule-parse time; the crosses
// operators keep per-condition state between ticks.
type Operator interface {
	Name() string
	Eval(current, threshold float64) bool
}

type gtOp struct{}

func (gtOp) Name() string                     { return ">" }
func (gtOp) Eval(cur, threshold float64) bool { return cur > threshold }

type gteOp struct{}

func (gteOp) Name() string                     { return ">=" }
func (gteOp) Eval(cur, threshold float64) bool { return cur >= threshold }

type ltOp struct{}

func (ltOp) Name() string                     { return "<" }
func (ltOp) Eval(cur, threshold float64) bool { return cur < threshold }

type lteOp struct{}

func (lteOp) Name() string                     { return "<=" }
func (lteOp) Eval(cur, threshold float64) bool { return cur <= threshold }

func almostEqual(a, b float64) bool {
	scale := math.Max(1, math.Abs(b))
	return math.Abs(a-b) <= eqTolerance*scale
}

type eqOp struct{}

func (eqOp) Name() string                     { return "==" }
func (eqOp) Eval(cur, threshold float64) bool { return almostEqual(cur, threshold) }

type neqOp struct{}

func (neqOp) Name() string                     { return "!=" }
func (neqOp) Eval(cur, threshold float64) bool { return !almostEqual(cur, threshold) }

// crossesAbove fires when the value moves from at-or-below the threshold to
// above it between two evaluations. The first evaluation only seeds the
// remembered value; the remembered value updates on every evaluation no
// matter the outcome.
type crossesAbove struct {
	prev float64
	seen bool
}

func (c *crossesAbove) Name() string { return "crosses_above" }

func (c *crossesAbove) Eval(cur, threshold float64) bool {
	prev, seen := c.prev, c.seen
	c.prev, c.seen = cur, true
	return seen && prev <= threshold && cur > threshold
}

// crossesBelow is the downward mirror of crossesAbove.
type crossesBelow struct {
	prev float64
	seen bool
}

func (c *crossesBelow) Name() string { return "crosses_below" }

func (c *crossesBelow) Eval(cur, threshold float64) bool {
	prev, seen := c.prev, c.seen
	c.prev, c.seen = cur, true
	return seen && prev >= threshold && cur < threshold
}

// ParseOperator resolves an operator name into a fresh Operator instance.
// Each condition gets its own instance so the crosses operators track their
// own condition's history.
func ParseOperator(name string) (Operator, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case ">", "gt":
		return gtOp{}, nil
	case ">=", "gte":
		return gteOp{}, nil
	case "<", "lt":
		return ltOp{}, nil
	case "<=", "lte":
		return lteOp{}, nil
	case "==", "=", "eq":
		return eqOp{}, nil
	case "!=", "neq":
		return neqOp{}, nil
	case "crosses_above":
		return &crossesAbove{}, nil
	case "crosses_below":
		return &crossesBelow{}, nil
	}
	return nil, fmt.Errorf("unknown operator %q", name)
}

// ConditionSpec is the raw condition shape as it appears in config files.
type ConditionSpec struct {
	Indicator string  `json:"indicator" mapstructure:"indicator"`
	Operator  string  `json:"operator" mapstructure:"operator"`
	Value     float64 `json:"value" mapstructure:"value"`
	Timeframe string  `json:"timeframe,omitempty" mapstructure:"timeframe"`
	Period    int     `json:"period,omitempty" mapstructure:"period"`
}

// ActionType names what a fired rule does.
type ActionType string

const (
	ActionBuy           ActionType = "buy"
	ActionSell          ActionType = "sell"
	ActionClosePosition ActionType = "close_position"
	ActionNotify        ActionType = "notify"
)

// AmountType selects how an action amount is interpreted.
type AmountType string

const (
	// AmountAbsolute reads Amount as a base-asset quantity.
	AmountAbsolute AmountType = "absolute"
	// AmountPercent reads Amount as a percentage of the relevant balance:
	// quote for buys, base for sells.
	AmountPercent AmountType = "percentage"
)

// ActionSpec is the raw action shape as it appears in config files.
type ActionSpec struct {
	Type       string  `json:"type" mapstructure:"type"`
	Amount     float64 `json:"amount,omitempty" mapstructure:"amount"`
	AmountType string  `json:"amount_type,omitempty" mapstructure:"amount_type"`
	Message    string  `json:"message,omitempty" mapstructure:"message"`
}

// RuleSpec is the raw rule shape as it appears in config files. Enabled
// defaults to true when omitted.
type RuleSpec struct {
	Name       string          `json:"name" mapstructure:"name"`
	Conditions []ConditionSpec `json:"conditions" mapstructure:"conditions"`
	Action     ActionSpec      `json:"action" mapstructure:"action"`
	Enabled    *bool           `json:"enabled,omitempty" mapstructure:"enabled"`
}

// Condition is one parsed, ready-to-evaluate predicate.
type Condition struct {
	Indicator indicators.Kind
	Timeframe string // "" means the instance's primary timeframe
	Period    int
	Op        Operator
	Value     float64
}

// String renders the condition for logs.
func (c Condition) String() string {
	if c.Period > 0 {
		return fmt.Sprintf("%s(%d) %s %g", c.Indicator, c.Period, c.Op.Name(), c.Value)
	}
	return fmt.Sprintf("%s %s %g", c.Indicator, c.Op.Name(), c.Value)
}

// Eval computes the condition's indicator against the view and applies the
// operator. An indicator that cannot produce a value yet leaves the
// condition unmet without touching cross state.
func (c *Condition) Eval(cache *indicators.Cache, view market.View) (bool, error) {
	value, err := cache.Value(view, c.Indicator, c.Period)
	if err != nil {
		if errors.Is(err, indicators.ErrInsufficientData) {
			return false, nil
		}
		return false, err
	}
	return c.Op.Eval(value, c.Value), nil
}

// Action is one parsed rule action.
type Action struct {
	Type    ActionType
	Amount  float64
	Sizing  AmountType
	Message string
}

// Rule is one parsed condition→action rule with its lifetime counters.
type Rule struct {
	Name       string
	Conditions []Condition
	Action     Action
	Enabled    bool

	Triggered int
	Succeeded int
	Failed    int
}

// RuleStatus is a read-only snapshot of one rule's counters.
type RuleStatus struct {
	Name      string `json:"name"`
	Enabled   bool   `json:"enabled"`
	Triggered int    `json:"triggered"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
}

// ParseRule validates and compiles one rule spec. Unknown indicator or
// operator names, missing periods and senseless amounts all fail here so a
// tick never meets an unparseable rule.
func ParseRule(spec RuleSpec) (*Rule, error) {
	if spec.Name == "" {
		return nil, engerr.NewValidation("rules", "rule name must not be empty")
	}
	if len(spec.Conditions) == 0 {
		return nil, engerr.NewValidation("rules", "rule %q has no conditions", spec.Name)
	}

	conditions := make([]Condition, 0, len(spec.Conditions))
	for i, cs := range spec.Conditions {
		kind, err := indicators.ParseKind(cs.Indicator)
		if err != nil {
			return nil, engerr.NewValidation("rules", "rule %q condition %d: %v", spec.Name, i, err)
		}
		op, err := ParseOperator(cs.Operator)
		if err != nil {
			return nil, engerr.NewValidation("rules", "rule %q condition %d: %v", spec.Name, i, err)
		}
		if kind.NeedsPeriod() && cs.Period <= 0 {
			return nil, engerr.NewValidation("rules", "rule %q condition %d: indicator %s requires a period", spec.Name, i, kind)
		}
		if math.IsNaN(cs.Value) || math.IsInf(cs.Value, 0) {
			return nil, engerr.NewValidation("rules", "rule %q condition %d: value must be finite", spec.Name, i)
		}
		conditions = append(conditions, Condition{
			Indicator: kind,
			Timeframe: cs.Timeframe,
			Period:    cs.Period,
			Op:        op,
			Value:     cs.Value,
		})
	}

	action, err := parseAction(spec.Name, spec.Action)
	if err != nil {
		return nil, err
	}

	return &Rule{
		Name:       spec.Name,
		Conditions: conditions,
		Action:     action,
		Enabled:    spec.Enabled == nil || *spec.Enabled,
	}, nil
}

func parseAction(rule string, spec ActionSpec) (Action, error) {
	var t ActionType
	switch strings.ToLower(strings.TrimSpace(spec.Type)) {
	case "buy":
		t = ActionBuy
	case "sell":
		t = ActionSell
	case "close_position":
		t = ActionClosePosition
	case "notify":
		t = ActionNotify
	default:
		return Action{}, engerr.NewValidation("rules", "rule %q: unknown action type %q", rule, spec.Type)
	}

	sizing := AmountAbsolute
	switch strings.ToLower(strings.TrimSpace(spec.AmountType)) {
	case "", "absolute":
	case "percentage", "percent":
		sizing = AmountPercent
	default:
		return Action{}, engerr.NewValidation("rules", "rule %q: unknown amount_type %q", rule, spec.AmountType)
	}

	if t == ActionBuy || t == ActionSell {
		if spec.Amount <= 0 {
			return Action{}, engerr.NewValidation("rules", "rule %q: %s amount must be positive, got %v", rule, t, spec.Amount)
		}
		if sizing == AmountPercent && spec.Amount > 100 {
			return Action{}, engerr.NewValidation("rules", "rule %q: percentage amount must not exceed 100, got %v", rule, spec.Amount)
		}
	}

	return Action{Type: t, Amount: spec.Amount, Sizing: sizing, Message: spec.Message}, nil
}

// ParseRules compiles a rule list, preserving order.
func ParseRules(specs []RuleSpec) ([]*Rule, error) {
	rules := make([]*Rule, 0, len(specs))
	for _, spec := range specs {
		r, err := ParseRule(spec)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, nil
}
