package remote

import (
	"math"
	"time"
)

const (
	baseBackoff = 1 * time.Second
	maxBackoff  = 30 * time.Second
)

// calcBackoff returns the wait before the next dial attempt: 1s, 2s, 4s...
// capped at maxBackoff.
func calcBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := baseBackoff * time.Duration(math.Pow(2, float64(attempt-1)))
	if d > maxBackoff || d <= 0 {
		d = maxBackoff
	}
	return d
}
