package strategy

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratforge/crypto-strategy-engine/internal/engerr"
	"github.com/stratforge/crypto-strategy-engine/internal/indicators"
	"github.com/stratforge/crypto-strategy-engine/internal/market"
)

func TestParseOperatorAliases(t *testing.T) {
	cases := map[string]string{
		">":             ">",
		"gt":            ">",
		">=":            ">=",
		"gte":           ">=",
		"<":             "<",
		"lt":            "<",
		"<=":            "<=",
		"lte":           "<=",
		"==":            "==",
		"=":             "==",
		"eq":            "==",
		"!=":            "!=",
		"neq":           "!=",
		"crosses_above": "crosses_above",
		"crosses_below": "crosses_below",
		" GT ":          ">",
	}
	for input, want := range cases {
		op, err := ParseOperator(input)
		require.NoError(t, err, "input %q", input)
		assert.Equal(t, want, op.Name(), "input %q", input)
	}

	_, err := ParseOperator("between")
	assert.Error(t, err)
}

func TestParseOperatorFreshCrossInstances(t *testing.T) {
	a, err := ParseOperator("crosses_above")
	require.NoError(t, err)
	b, err := ParseOperator("crosses_above")
	require.NoError(t, err)

	// Seeding one instance must not seed the other.
	a.Eval(10, 11)
	assert.True(t, a.Eval(12, 11))
	assert.False(t, b.Eval(12, 11), "b has no history yet")
}

func TestCrossesAbove(t *testing.T) {
	op := &crossesAbove{}

	// 10, 10, 12 against 11: only the move through the threshold fires.
	assert.False(t, op.Eval(10, 11), "first evaluation only seeds")
	assert.False(t, op.Eval(10, 11))
	assert.True(t, op.Eval(12, 11))

	// Staying above does not fire again.
	assert.False(t, op.Eval(12, 11))
	assert.False(t, op.Eval(13, 11))
}

func TestCrossesBelow(t *testing.T) {
	op := &crossesBelow{}

	assert.False(t, op.Eval(12, 11), "first evaluation only seeds")
	assert.False(t, op.Eval(12, 11))
	assert.True(t, op.Eval(10, 11))
	assert.False(t, op.Eval(10, 11))
}

func TestCrossesStateUpdatesOnEveryEval(t *testing.T) {
	op := &crossesAbove{}

	assert.False(t, op.Eval(12, 11)) // seed above
	assert.False(t, op.Eval(5, 11))  // drop below, remembered
	assert.True(t, op.Eval(12, 11))  // the climb back up is a fresh cross
	assert.False(t, op.Eval(12, 11))
}

func TestEqualityTolerance(t *testing.T) {
	eq := eqOp{}
	assert.True(t, eq.Eval(100, 100))
	assert.True(t, eq.Eval(100+1e-12, 100), "noise within tolerance")
	assert.False(t, eq.Eval(100.001, 100))
	assert.True(t, eq.Eval(1e-12, 0), "tolerance keeps a floor near zero")

	neq := neqOp{}
	assert.False(t, neq.Eval(100+1e-12, 100))
	assert.True(t, neq.Eval(100.001, 100))
}

func TestConditionString(t *testing.T) {
	c := Condition{Indicator: indicators.KindRSI, Period: 14, Op: gtOp{}, Value: 70}
	assert.Equal(t, "rsi(14) > 70", c.String())

	c = Condition{Indicator: indicators.KindPrice, Op: ltOp{}, Value: 50000}
	assert.Equal(t, "price < 50000", c.String())
}

func TestConditionEvalInsufficientDataLeavesCrossStateAlone(t *testing.T) {
	series := market.NewSeries("BTCUSDT", 32)
	series.Append("1m", market.PriceSample{Timestamp: time.Now(), Price: 100, Volume: 1})
	view := series.Window("1m").View()
	cache := indicators.NewCache()

	op := &crossesAbove{}
	cond := Condition{Indicator: indicators.KindRSI, Period: 14, Op: op, Value: 50}

	met, err := cond.Eval(cache, view)
	require.NoError(t, err)
	assert.False(t, met)
	assert.False(t, op.seen, "a skipped evaluation must not seed the cross")
}

func TestConditionEvalPrice(t *testing.T) {
	series := market.NewSeries("BTCUSDT", 32)
	series.Append("1m", market.PriceSample{Timestamp: time.Now(), Price: 51000, Volume: 1})
	view := series.Window("1m").View()
	cache := indicators.NewCache()

	cond := Condition{Indicator: indicators.KindPrice, Op: gtOp{}, Value: 50000}
	met, err := cond.Eval(cache, view)
	require.NoError(t, err)
	assert.True(t, met)
}

func TestParseRule(t *testing.T) {
	enabled := false
	spec := RuleSpec{
		Name: "rsi dip",
		Conditions: []ConditionSpec{
			{Indicator: "RSI", Operator: "lt", Value: 30, Period: 14},
			{Indicator: "price", Operator: ">", Value: 100},
		},
		Action:  ActionSpec{Type: "buy", Amount: 10, AmountType: "percent"},
		Enabled: &enabled,
	}

	r, err := ParseRule(spec)
	require.NoError(t, err)
	assert.Equal(t, "rsi dip", r.Name)
	assert.False(t, r.Enabled)
	require.Len(t, r.Conditions, 2)
	assert.Equal(t, indicators.KindRSI, r.Conditions[0].Indicator)
	assert.Equal(t, "<", r.Conditions[0].Op.Name())
	assert.Equal(t, ActionBuy, r.Action.Type)
	assert.Equal(t, AmountPercent, r.Action.Sizing)

	// Enabled defaults to true when omitted; sizing defaults to absolute.
	spec.Enabled = nil
	spec.Action = ActionSpec{Type: "sell", Amount: 0.5}
	r, err = ParseRule(spec)
	require.NoError(t, err)
	assert.True(t, r.Enabled)
	assert.Equal(t, AmountAbsolute, r.Action.Sizing)
}

func TestParseRuleRejectsBadSpecs(t *testing.T) {
	valid := func() RuleSpec {
		return RuleSpec{
			Name:       "r",
			Conditions: []ConditionSpec{{Indicator: "price", Operator: ">", Value: 1}},
			Action:     ActionSpec{Type: "notify"},
		}
	}

	cases := []struct {
		name   string
		mutate func(*RuleSpec)
	}{
		{"empty name", func(s *RuleSpec) { s.Name = "" }},
		{"no conditions", func(s *RuleSpec) { s.Conditions = nil }},
		{"unknown indicator", func(s *RuleSpec) { s.Conditions[0].Indicator = "vwap" }},
		{"unknown operator", func(s *RuleSpec) { s.Conditions[0].Operator = "between" }},
		{"missing period", func(s *RuleSpec) {
			s.Conditions[0] = ConditionSpec{Indicator: "rsi", Operator: "<", Value: 30}
		}},
		{"non-finite value", func(s *RuleSpec) { s.Conditions[0].Value = math.NaN() }},
		{"unknown action", func(s *RuleSpec) { s.Action.Type = "short" }},
		{"unknown amount type", func(s *RuleSpec) {
			s.Action = ActionSpec{Type: "buy", Amount: 1, AmountType: "shares"}
		}},
		{"zero trade amount", func(s *RuleSpec) { s.Action = ActionSpec{Type: "buy"} }},
		{"percentage above 100", func(s *RuleSpec) {
			s.Action = ActionSpec{Type: "sell", Amount: 150, AmountType: "percentage"}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			spec := valid()
			tc.mutate(&spec)
			_, err := ParseRule(spec)
			require.Error(t, err)
			assert.True(t, engerr.IsValidation(err))
		})
	}
}

func TestParseRulesPreservesOrder(t *testing.T) {
	specs := []RuleSpec{
		{Name: "first", Conditions: []ConditionSpec{{Indicator: "price", Operator: ">", Value: 1}}, Action: ActionSpec{Type: "notify"}},
		{Name: "second", Conditions: []ConditionSpec{{Indicator: "price", Operator: "<", Value: 1}}, Action: ActionSpec{Type: "notify"}},
	}
	rules, err := ParseRules(specs)
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, "first", rules[0].Name)
	assert.Equal(t, "second", rules[1].Name)

	specs[1].Name = ""
	_, err = ParseRules(specs)
	assert.Error(t, err)
}
