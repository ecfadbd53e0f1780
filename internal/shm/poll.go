package shm

import (
	"math"
	"time"
)

// PollConfig defines idle backoff while waiting for the producer.
type PollConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
}

func DefaultPollConfig() PollConfig {
	return PollConfig{
		InitialDelay: time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     50 * time.Millisecond,
	}
}

// NextPollDelay returns the idle delay for empty poll attempt N (1-based).
func NextPollDelay(cfg PollConfig, attempt int) time.Duration {
	if attempt <= 1 || cfg.InitialDelay <= 0 {
		return cfg.InitialDelay
	}
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 1.0
	}
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	return time.Duration(delay)
}
