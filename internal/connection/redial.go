package connection

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net"
	"time"
)

var ErrDialExhausted = errors.New("connection: dial attempts exhausted")

// Redialer paces the dial attempts of one outgoing connection. Attempt 1 is
// immediate; attempt N waits InitialDelay * Multiplier^(N-2), capped at
// MaxDelay and optionally jittered into [0.5, 1.5) of that value.
type Redialer struct {
	cfg     DialConfig
	rng     *rand.Rand
	attempt int
}

func NewRedialer(cfg DialConfig, rng *rand.Rand) *Redialer {
	if cfg.Backoff.Multiplier < 1 {
		cfg.Backoff.Multiplier = 1
	}
	return &Redialer{cfg: cfg, rng: rng}
}

// Attempts returns the number of attempts handed out so far.
func (r *Redialer) Attempts() int { return r.attempt }

// Next starts another attempt. It returns the delay to wait before dialing
// and false once MaxAttempts were used up.
func (r *Redialer) Next() (time.Duration, bool) {
	if r.cfg.MaxAttempts > 0 && r.attempt >= r.cfg.MaxAttempts {
		return 0, false
	}
	r.attempt++
	return r.delay(r.attempt), true
}

func (r *Redialer) delay(attempt int) time.Duration {
	b := r.cfg.Backoff
	if attempt <= 1 || b.InitialDelay <= 0 {
		return 0
	}
	d := float64(b.InitialDelay) * math.Pow(b.Multiplier, float64(attempt-2))
	if b.MaxDelay > 0 && d > float64(b.MaxDelay) {
		d = float64(b.MaxDelay)
	}
	if b.Jitter {
		f := 0.5
		if r.rng != nil {
			f += r.rng.Float64()
		}
		d *= f
	}
	return time.Duration(d)
}

// DialFunc opens one transport; timeout bounds a single attempt.
type DialFunc func(ctx context.Context, timeout time.Duration) (net.Conn, error)

// Redial calls dial until it succeeds, the attempts run out or ctx is done.
// The returned error wraps the last dial error.
func (r *Redialer) Redial(ctx context.Context, dial DialFunc) (net.Conn, error) {
	var lastErr error
	for {
		wait, ok := r.Next()
		if !ok {
			return nil, errors.Join(ErrDialExhausted, lastErr)
		}
		if wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil, ctx.Err()
			case <-t.C:
			}
		}
		tr, err := dial(ctx, r.cfg.ConnectTimeout)
		if err == nil {
			return tr, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
}
