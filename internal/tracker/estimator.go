package tracker

import "time"

// Estimator derives a synthetic progress value from time elapsed since
// tracking started. It is consulted only until a channel reports real
// progress.
type Estimator interface {
	Estimate(elapsed time.Duration) int
}

// LinearEstimator assumes progress grows linearly over Expected and never
// reaches Cap. Cap is clamped to 99 so an estimate cannot look like completion.
type LinearEstimator struct {
	Expected time.Duration
	Cap      int
}

func (e LinearEstimator) Estimate(elapsed time.Duration) int {
	if e.Expected <= 0 || elapsed <= 0 {
		return 0
	}
	limit := e.Cap
	if limit <= 0 || limit > 99 {
		limit = 99
	}
	p := int(float64(elapsed) / float64(e.Expected) * 100)
	if p > limit {
		return limit
	}
	return p
}
