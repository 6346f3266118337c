// Package identity rotates the outbound network identity between attempts.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/vietddude/podmirror/internal/core/domain"
	"github.com/vietddude/podmirror/internal/mirroring/metrics"
	"github.com/vietddude/podmirror/internal/mirroring/pacing"
)

// DefaultStabilize is how long a fresh circuit needs before it is usable.
const DefaultStabilize = 12 * time.Second

// ErrDisabled is returned by Current when no control channel is configured.
var ErrDisabled = errors.New("identity rotation disabled")

// ControlChannel is the anonymizing network's local control protocol.
type ControlChannel interface {
	// SetExitRegions constrains egress to the given regions. An empty set
	// clears any previous constraint.
	SetExitRegions(ctx context.Context, regions []string) error

	// NewIdentity requests fresh circuits.
	NewIdentity(ctx context.Context) error

	// EgressAddress reports the current egress IP and country.
	EgressAddress(ctx context.Context) (domain.Identity, error)
}

// Rotator requests new identities and waits for them to settle.
//
// The network identity is process-wide state. Rotator is the only component
// that changes it, and only between attempts.
type Rotator struct {
	ctrl      ControlChannel
	stabilize time.Duration
	sleep     pacing.SleepFunc
	log       *slog.Logger

	rotations int
	regions   []string
}

// Option configures a Rotator.
type Option func(*Rotator)

// WithStabilize overrides the post-rotation wait.
func WithStabilize(d time.Duration) Option {
	return func(r *Rotator) { r.stabilize = d }
}

// WithSleep overrides how the rotator waits.
func WithSleep(fn pacing.SleepFunc) Option {
	return func(r *Rotator) { r.sleep = fn }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Rotator) { r.log = l }
}

// NewRotator creates a rotator. A nil ctrl yields a rotator whose Rotate is
// a logged no-op.
func NewRotator(ctrl ControlChannel, opts ...Option) *Rotator {
	r := &Rotator{
		ctrl:      ctrl,
		stabilize: DefaultStabilize,
		sleep:     pacing.Sleep,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.With("component", "identity")
	return r
}

// Enabled reports whether a control channel is configured.
func (r *Rotator) Enabled() bool {
	return r != nil && r.ctrl != nil
}

// Rotate pins egress to regions (or clears the pin when regions is empty),
// requests a new identity and blocks for the stabilization interval.
//
// A control channel error is returned after logging; callers keep going on
// the existing identity.
func (r *Rotator) Rotate(ctx context.Context, regions []string) error {
	if !r.Enabled() {
		if r != nil {
			r.log.Debug("Identity rotation skipped, no control channel")
			metrics.IdentityRotations.WithLabelValues("disabled").Inc()
		}
		return nil
	}

	regions = normalizeRegions(regions)

	if err := r.ctrl.SetExitRegions(ctx, regions); err != nil {
		return r.degraded(fmt.Errorf("set exit regions: %w", err))
	}
	r.regions = regions

	if err := r.ctrl.NewIdentity(ctx); err != nil {
		return r.degraded(fmt.Errorf("new identity: %w", err))
	}

	r.rotations++
	metrics.IdentityRotations.WithLabelValues("ok").Inc()
	r.log.Info("Identity rotated",
		"regions", strings.Join(regions, ","),
		"stabilize", r.stabilize,
	)

	if r.stabilize > 0 {
		if err := r.sleep(ctx, r.stabilize); err != nil {
			return err
		}
	}
	return nil
}

func (r *Rotator) degraded(err error) error {
	metrics.IdentityRotations.WithLabelValues("error").Inc()
	r.log.Warn("Identity rotation degraded", "error", err)
	return err
}

// Current reports the egress identity, for diagnostics.
func (r *Rotator) Current(ctx context.Context) (domain.Identity, error) {
	if !r.Enabled() {
		return domain.Identity{}, ErrDisabled
	}
	return r.ctrl.EgressAddress(ctx)
}

// Rotations returns how many rotations succeeded.
func (r *Rotator) Rotations() int {
	if r == nil {
		return 0
	}
	return r.rotations
}

// Regions returns the region pin applied by the last rotation.
func (r *Rotator) Regions() []string {
	if r == nil {
		return nil
	}
	return append([]string(nil), r.regions...)
}

func normalizeRegions(regions []string) []string {
	var out []string
	seen := make(map[string]bool, len(regions))
	for _, reg := range regions {
		reg = strings.ToUpper(strings.TrimSpace(reg))
		if reg == "" || seen[reg] {
			continue
		}
		seen[reg] = true
		out = append(out, reg)
	}
	return out
}
