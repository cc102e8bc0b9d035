package realtime

import "time"

// ReconnectDelay is the wait before reconnect attempt n (1-based):
// base·2^n capped at ceiling.
func ReconnectDelay(attempt int, base, ceiling time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= ceiling || delay <= 0 {
			return ceiling
		}
	}
	if delay > ceiling {
		return ceiling
	}
	return delay
}
