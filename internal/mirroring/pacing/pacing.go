// Package pacing computes the pause between acquisitions.
package pacing

import (
	"context"
	"math/rand/v2"
	"time"
)

// Config holds pacing bounds.
type Config struct {
	Base   time.Duration // Pause after a success (default: 8s)
	Max    time.Duration // Upper bound after repeated failures (default: 60s)
	Jitter float64       // Fraction of the delay added or removed at random (default: 0.25)
}

// DefaultConfig returns the default pacing.
func DefaultConfig() Config {
	return Config{
		Base:   8 * time.Second,
		Max:    60 * time.Second,
		Jitter: 0.25,
	}
}

// SleepFunc blocks for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the real SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Pacer spaces out requests to the upstream service. The delay doubles per
// consecutive failure and resets on success.
type Pacer struct {
	config   Config
	sleep    SleepFunc
	rand     func() float64
	failures int

	// last computed delay (for metrics)
	current time.Duration
}

// New creates a pacer. A nil sleep uses Sleep.
func New(cfg Config, sleep SleepFunc) *Pacer {
	def := DefaultConfig()
	if cfg.Base <= 0 {
		cfg.Base = def.Base
	}
	if cfg.Max < cfg.Base {
		cfg.Max = max(def.Max, cfg.Base)
	}
	if cfg.Jitter < 0 || cfg.Jitter >= 1 {
		cfg.Jitter = def.Jitter
	}
	if sleep == nil {
		sleep = Sleep
	}
	return &Pacer{config: cfg, sleep: sleep, rand: rand.Float64}
}

// Observe records the result of the last acquisition.
func (p *Pacer) Observe(success bool) {
	if success {
		p.failures = 0
		return
	}
	p.failures++
}

// Delay returns the next pause.
//
// Algorithm:
//   - base × 2^failures, capped at Max
//   - ± Jitter × delay, never above Max
func (p *Pacer) Delay() time.Duration {
	d := p.config.Base
	for i := 0; i < p.failures && d < p.config.Max; i++ {
		d *= 2
	}
	if d > p.config.Max {
		d = p.config.Max
	}

	if p.config.Jitter > 0 {
		spread := float64(d) * p.config.Jitter
		d += time.Duration((p.rand()*2 - 1) * spread)
	}
	if d > p.config.Max {
		d = p.config.Max
	}

	p.current = d
	return d
}

// Wait sleeps for the next delay.
func (p *Pacer) Wait(ctx context.Context) error {
	return p.sleep(ctx, p.Delay())
}

// Current returns the last computed delay.
func (p *Pacer) Current() time.Duration {
	return p.current
}
