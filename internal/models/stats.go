package models

// SuccessRate returns successes as a percentage of total, or 0 when nothing was attempted
func SuccessRate(successes, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return float64(successes) / float64(total) * 100
}
