// Package trust computes agent trust scores from event-log signals and
// turns them into autonomy recommendations.
package trust

// Components are the inputs to the trust formula. Zero values are valid;
// Normalize applies the documented clamps before scoring.
type Components struct {
	SuccessRate7d      float64 `json:"success_rate_7d"`
	EvalQualityTrend   float64 `json:"eval_quality_trend"`
	UserFeedbackScore  float64 `json:"user_feedback_score"`
	PolicyViolations7d int64   `json:"policy_violations_7d"`
	TimeInServiceDays  int64   `json:"time_in_service_days"`
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func clampRange(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Normalize clamps each component to its documented domain: rates and
// feedback to [0,1], the eval trend to [-1,1], counters to non-negative.
func (c Components) Normalize() Components {
	c.SuccessRate7d = clamp01(c.SuccessRate7d)
	c.EvalQualityTrend = clampRange(c.EvalQualityTrend, -1, 1)
	c.UserFeedbackScore = clamp01(c.UserFeedbackScore)
	if c.PolicyViolations7d < 0 {
		c.PolicyViolations7d = 0
	}
	if c.TimeInServiceDays < 0 {
		c.TimeInServiceDays = 0
	}
	return c
}

// Score evaluates the trust formula. The computation is deterministic:
// identical components always produce a bit-identical score.
func (c Components) Score() float64 {
	n := c.Normalize()
	success := clamp01(n.SuccessRate7d)
	evalN := clamp01((n.EvalQualityTrend + 1) / 2)
	feedback := clamp01(n.UserFeedbackScore)
	tenure := clamp01(float64(n.TimeInServiceDays) / 30)
	penalty := clamp01(float64(n.PolicyViolations7d) / 10)
	raw := 0.4*success + 0.2*evalN + 0.2*feedback + 0.2*tenure - 0.3*penalty
	return clamp01(raw)
}

// Overrides substitutes request-supplied values field-wise. Nil fields
// keep the derived signal; supplied fields are clamped by Normalize.
type Overrides struct {
	SuccessRate7d      *float64 `json:"success_rate_7d,omitempty"`
	EvalQualityTrend   *float64 `json:"eval_quality_trend,omitempty"`
	UserFeedbackScore  *float64 `json:"user_feedback_score,omitempty"`
	PolicyViolations7d *int64   `json:"policy_violations_7d,omitempty"`
	TimeInServiceDays  *int64   `json:"time_in_service_days,omitempty"`
}

// Apply merges the overrides into derived components.
func (o *Overrides) Apply(c Components) Components {
	if o == nil {
		return c.Normalize()
	}
	if o.SuccessRate7d != nil {
		c.SuccessRate7d = *o.SuccessRate7d
	}
	if o.EvalQualityTrend != nil {
		c.EvalQualityTrend = *o.EvalQualityTrend
	}
	if o.UserFeedbackScore != nil {
		c.UserFeedbackScore = *o.UserFeedbackScore
	}
	if o.PolicyViolations7d != nil {
		c.PolicyViolations7d = *o.PolicyViolations7d
	}
	if o.TimeInServiceDays != nil {
		c.TimeInServiceDays = *o.TimeInServiceDays
	}
	return c.Normalize()
}
