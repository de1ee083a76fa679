package connection

import "time"

// BackoffConfig defines redial backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// DialConfig defines how pipelines establish outgoing connections.
type DialConfig struct {
	ConnectTimeout time.Duration
	// MaxAttempts bounds redials before the connection is given up; 0 retries forever.
	MaxAttempts int
	Backoff     BackoffConfig
}

func DefaultDialConfig() DialConfig {
	return DialConfig{
		ConnectTimeout: 5 * time.Second,
		MaxAttempts:    5,
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
	}
}
