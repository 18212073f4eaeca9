package trust

import (
	"math"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func TestScoreKnownValues(t *testing.T) {
	cases := []struct {
		name string
		in   Components
		want float64
	}{
		{name: "all zero", in: Components{}, want: 0.1}, // eval trend 0 normalizes to 0.5
		{
			name: "strong performer",
			in: Components{
				SuccessRate7d:     1,
				EvalQualityTrend:  1,
				UserFeedbackScore: 1,
				TimeInServiceDays: 30,
			},
			want: 1,
		},
		{
			name: "mid performer",
			in: Components{
				SuccessRate7d:     0.5,
				EvalQualityTrend:  0,
				UserFeedbackScore: 0.5,
				TimeInServiceDays: 15,
			},
			want: 0.4*0.5 + 0.2*0.5 + 0.2*0.5 + 0.2*0.5,
		},
		{
			name: "violations pull the score down",
			in: Components{
				SuccessRate7d:      1,
				EvalQualityTrend:   1,
				UserFeedbackScore:  1,
				TimeInServiceDays:  30,
				PolicyViolations7d: 5,
			},
			want: 1 - 0.3*0.5,
		},
		{
			name: "penalty floors at zero",
			in: Components{
				PolicyViolations7d: 100,
				EvalQualityTrend:   -1,
			},
			want: 0,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.InDelta(t, tc.want, tc.in.Score(), 1e-9)
		})
	}
}

func TestNormalizeClamps(t *testing.T) {
	n := Components{
		SuccessRate7d:      1.7,
		EvalQualityTrend:   -3,
		UserFeedbackScore:  -0.2,
		PolicyViolations7d: -4,
		TimeInServiceDays:  -1,
	}.Normalize()
	assert.Equal(t, 1.0, n.SuccessRate7d)
	assert.Equal(t, -1.0, n.EvalQualityTrend)
	assert.Equal(t, 0.0, n.UserFeedbackScore)
	assert.Equal(t, int64(0), n.PolicyViolations7d)
	assert.Equal(t, int64(0), n.TimeInServiceDays)
}

func TestOverridesApply(t *testing.T) {
	derived := Components{SuccessRate7d: 0.8, TimeInServiceDays: 10}

	var nilOverrides *Overrides
	assert.Equal(t, derived, nilOverrides.Apply(derived))

	rate := 0.25
	violations := int64(3)
	merged := (&Overrides{SuccessRate7d: &rate, PolicyViolations7d: &violations}).Apply(derived)
	assert.Equal(t, 0.25, merged.SuccessRate7d)
	assert.Equal(t, int64(3), merged.PolicyViolations7d)
	assert.Equal(t, int64(10), merged.TimeInServiceDays, "unset fields keep the derived value")
}

func genComponents() gopter.Gen {
	return gopter.CombineGens(
		gen.Float64Range(-2, 2),
		gen.Float64Range(-2, 2),
		gen.Float64Range(-2, 2),
		gen.Int64Range(-5, 50),
		gen.Int64Range(-5, 400),
	).Map(func(vals []interface{}) Components {
		return Components{
			SuccessRate7d:      vals[0].(float64),
			EvalQualityTrend:   vals[1].(float64),
			UserFeedbackScore:  vals[2].(float64),
			PolicyViolations7d: vals[3].(int64),
			TimeInServiceDays:  vals[4].(int64),
		}
	})
}

func TestScoreProperties(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	properties.Property("score stays in [0,1]", prop.ForAll(
		func(c Components) bool {
			s := c.Score()
			return s >= 0 && s <= 1 && !math.IsNaN(s)
		},
		genComponents(),
	))

	properties.Property("score is deterministic", prop.ForAll(
		func(c Components) bool { return c.Score() == c.Score() },
		genComponents(),
	))

	properties.Property("extra violations never raise the score", prop.ForAll(
		func(c Components) bool {
			worse := c
			worse.PolicyViolations7d = c.PolicyViolations7d + 1
			return worse.Score() <= c.Score()
		},
		genComponents(),
	))

	properties.TestingRun(t)
}

func TestBaseModeThresholds(t *testing.T) {
	cases := []struct {
		target string
		score  float64
		want   Mode
	}{
		{TargetInternalWrite, 0.80, ModeAuto},
		{TargetInternalWrite, 0.50, ModePost},
		{TargetInternalWrite, 0.20, ModePre},
		{TargetExternalWrite, 0.90, ModeAuto},
		{TargetExternalWrite, 0.70, ModePost},
		{TargetExternalWrite, 0.60, ModePre},
		{TargetHighStakes, 0.95, ModePost},
		{TargetHighStakes, 0.89, ModePre},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, baseMode(tc.target, tc.score),
			"target %s score %.2f", tc.target, tc.score)
	}
}

func TestDowngradeIsMonotoneAndNeverBlocks(t *testing.T) {
	assert.Equal(t, ModePost, downgrade(ModeAuto))
	assert.Equal(t, ModePre, downgrade(ModePost))
	assert.Equal(t, ModePre, downgrade(ModePre))
	assert.Equal(t, ModeBlocked, downgrade(ModeBlocked))
}
