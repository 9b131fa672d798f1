package optimizer

import "time"

// DeriveScore computes a score from the success flag and duration when the
// caller supplied none: failure scores 0; success starts at 0.7, adjusted
// +0.2 under one second and -0.2 over ten seconds, clamped to [0,1].
func DeriveScore(success bool, duration time.Duration) float64 {
	if !success {
		return 0.0
	}
	score := 0.7
	switch {
	case duration < time.Second:
		score += 0.2
	case duration > 10*time.Second:
		score -= 0.2
	}
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}
