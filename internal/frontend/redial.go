package frontend

import (
	"context"
	"math/rand"
	"time"

	"github.com/danmuck/meshctl/internal/protocol/session"
)

// Without a configured ceiling delays stop growing here.
const redialCeiling = time.Minute

// redial paces reconnects to the daemon. Each failed attempt multiplies the
// delay, starting at InitialDelay and capped at MaxDelay. With jitter the
// delay is scaled by a factor in [0.5, 1.5).
type redial struct {
	cfg     session.BackoffConfig
	rng     *rand.Rand
	attempt int
}

func newRedial(cfg session.BackoffConfig, seed int64) *redial {
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 1
	}
	return &redial{cfg: cfg, rng: rand.New(rand.NewSource(seed))}
}

func (r *redial) reset() {
	r.attempt = 0
}

// next records a failed attempt and returns the pause before the next dial.
func (r *redial) next() time.Duration {
	r.attempt++
	if r.cfg.InitialDelay <= 0 {
		return 0
	}
	ceiling := r.cfg.MaxDelay
	if ceiling <= 0 {
		ceiling = redialCeiling
	}
	delay := r.cfg.InitialDelay
	for i := 1; i < r.attempt && delay < ceiling; i++ {
		delay = time.Duration(float64(delay) * r.cfg.Multiplier)
	}
	if delay > ceiling {
		delay = ceiling
	}
	if r.cfg.Jitter {
		delay = time.Duration(float64(delay) * (0.5 + r.rng.Float64()))
	}
	return delay
}

// wait sleeps for the next delay or until ctx ends.
func (r *redial) wait(ctx context.Context) error {
	timer := time.NewTimer(r.next())
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
