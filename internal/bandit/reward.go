package bandit

import "time"

const (
	slowThreshold   = 3 * time.Second
	slowPenaltyRate = 0.1 // per second past the threshold
	maxSlowPenalty  = 0.3
	errorPenalty    = 0.5
	repeatPenalty   = 0.4
)

// ImplicitReward scores an interaction from observed behaviour alone.
// A fast, clean, first-try interaction scores 1.0.
func ImplicitReward(responseTime time.Duration, errorOccurred, userRepeated bool) float64 {
	reward := 1.0
	if responseTime > slowThreshold {
		over := (responseTime - slowThreshold).Seconds()
		reward -= min(maxSlowPenalty, over*slowPenaltyRate)
	}
	if errorOccurred {
		reward -= errorPenalty
	}
	if userRepeated {
		reward -= repeatPenalty
	}
	return clamp01(reward)
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
