package chain

import (
	"context"
	"log/slog"
	"time"

	"github.com/vietddude/podmirror/internal/core/domain"
	"github.com/vietddude/podmirror/internal/mirroring/metrics"
	"github.com/vietddude/podmirror/internal/mirroring/pacing"
)

// Attempter runs one (item, profile) attempt.
type Attempter interface {
	Attempt(ctx context.Context, item domain.CandidateItem, p domain.StrategyProfile) domain.Outcome
}

// Rotator changes the outbound network identity.
type Rotator interface {
	Rotate(ctx context.Context, regions []string) error
}

// Policy bounds the work spent on one item.
type Policy struct {
	MaxAttempts        int           // hard ceiling over the whole chain (default: 4)
	SameProfileRetries int           // transient retries before advancing (default: 1)
	TransientPause     time.Duration // pause before retrying after a transient failure (default: 5s)
}

// DefaultPolicy returns the default per-item policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:        4,
		SameProfileRetries: 1,
		TransientPause:     5 * time.Second,
	}
}

// Result is the final outcome of walking the chain for one item.
type Result struct {
	Outcome   domain.Outcome
	Attempts  int
	Rotations int
	Strategy  string // profile of the last attempt
	Canceled  bool   // ctx ended before the chain finished
}

// OK reports whether the item was acquired.
func (r Result) OK() bool {
	return r.Outcome.OK()
}

// Kind returns the kind of the last failure.
func (r Result) Kind() domain.ErrorKind {
	return r.Outcome.Kind
}

// Permanent reports whether the item can never be acquired.
func (r Result) Permanent() bool {
	return !r.OK() && !r.Canceled && r.Outcome.Kind == domain.KindPermanent
}

// Chain walks strategy profiles left to right for one item.
type Chain struct {
	attempter Attempter
	rotator   Rotator
	profiles  []domain.StrategyProfile
	policy    Policy
	sleep     pacing.SleepFunc
	log       *slog.Logger
}

// New creates a chain. A nil rotator disables rotation and a nil sleep uses
// pacing.Sleep.
func New(
	attempter Attempter,
	rotator Rotator,
	profiles []domain.StrategyProfile,
	policy Policy,
	sleep pacing.SleepFunc,
	log *slog.Logger,
) *Chain {
	def := DefaultPolicy()
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = def.MaxAttempts
	}
	if policy.SameProfileRetries < 0 {
		policy.SameProfileRetries = 0
	}
	if policy.TransientPause < 0 {
		policy.TransientPause = 0
	}
	if sleep == nil {
		sleep = pacing.Sleep
	}
	if log == nil {
		log = slog.Default()
	}
	return &Chain{
		attempter: attempter,
		rotator:   rotator,
		profiles:  profiles,
		policy:    policy,
		sleep:     sleep,
		log:       log.With("component", "chain"),
	}
}

// Profiles returns the profiles in chain order.
func (c *Chain) Profiles() []domain.StrategyProfile {
	return c.profiles
}

type pending int

const (
	pendingNone pending = iota
	pendingPause
	pendingRotate
)

// Acquire tries the item against each profile in order.
//
//   - Permanent stops the chain.
//   - GeoRestricted and BotChallenge rotate the identity (pinned to regions)
//     and advance to the next profile.
//   - Transient and Infrastructure pause, retry the same profile up to
//     SameProfileRetries times, then advance.
//
// No more than MaxAttempts attempts are made. Rotations and pauses only
// happen when another attempt follows.
func (c *Chain) Acquire(ctx context.Context, item domain.CandidateItem, regions []string) Result {
	var res Result
	if len(c.profiles) == 0 {
		res.Outcome = domain.Failure(domain.KindInfrastructure, "no usable strategies")
		return res
	}

	next := pendingNone
	for _, p := range c.profiles {
		for try := 0; ; try++ {
			if res.Attempts >= c.policy.MaxAttempts {
				c.log.Info("Attempt ceiling reached",
					"item", item.ID,
					"attempts", res.Attempts,
					"kind", res.Outcome.Kind,
				)
				return res
			}
			if err := ctx.Err(); err != nil {
				return c.canceled(res, err)
			}

			switch next {
			case pendingPause:
				if err := c.sleep(ctx, c.policy.TransientPause); err != nil {
					return c.canceled(res, err)
				}
			case pendingRotate:
				if c.rotator != nil {
					if err := c.rotator.Rotate(ctx, regions); err != nil {
						if ctx.Err() != nil {
							return c.canceled(res, ctx.Err())
						}
						c.log.Warn("Continuing with current identity", "item", item.ID, "error", err)
					} else {
						res.Rotations++
					}
				}
			}
			next = pendingNone

			res.Attempts++
			res.Strategy = p.Name
			out := c.attempter.Attempt(ctx, item, p)
			res.Outcome = out

			if out.OK() {
				metrics.AttemptsTotal.WithLabelValues(p.Name, "success").Inc()
				c.log.Info("Item acquired",
					"item", item.ID,
					"strategy", p.Name,
					"attempt", res.Attempts,
					"size", out.Artifact.Size,
				)
				return res
			}

			metrics.AttemptsTotal.WithLabelValues(p.Name, out.Kind.String()).Inc()
			c.log.Warn("Attempt failed",
				"item", item.ID,
				"strategy", p.Name,
				"attempt", res.Attempts,
				"kind", out.Kind,
				"error", out.Message,
			)

			if ctx.Err() != nil {
				return c.canceled(res, ctx.Err())
			}

			if out.Kind == domain.KindPermanent {
				return res
			}
			if out.Kind.RotatesIdentity() {
				next = pendingRotate
				break
			}
			next = pendingPause
			if try >= c.policy.SameProfileRetries {
				break
			}
		}
	}
	return res
}

func (c *Chain) canceled(res Result, err error) Result {
	res.Canceled = true
	if res.Outcome.OK() {
		return res
	}
	res.Outcome = domain.Failure(domain.KindTransient, err.Error())
	return res
}

// Usable filters profiles that cannot run in this environment: tor routes
// without a control channel and cookie profiles without cookies.
func Usable(profiles []domain.StrategyProfile, torEnabled, haveCookies bool, log *slog.Logger) []domain.StrategyProfile {
	if log == nil {
		log = slog.Default()
	}
	out := make([]domain.StrategyProfile, 0, len(profiles))
	for _, p := range profiles {
		if p.Route == domain.RouteTor && !torEnabled {
			log.Info("Skipping strategy, tor disabled", "strategy", p.Name)
			continue
		}
		if p.UseCookies && !haveCookies {
			log.Info("Skipping strategy, no cookies", "strategy", p.Name)
			continue
		}
		out = append(out, p)
	}
	return out
}
