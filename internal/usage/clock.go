package usage

// Deduct charges elapsed milliseconds against remaining. The balance floors
// at zero, so deducted is at most remaining.
func Deduct(remaining, elapsed int64) (newRemaining, deducted int64) {
	if remaining <= 0 {
		return 0, 0
	}
	if elapsed <= 0 {
		return remaining, 0
	}
	if elapsed >= remaining {
		return 0, remaining
	}
	return remaining - elapsed, elapsed
}
