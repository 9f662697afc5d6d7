// Package jobs is the periodic job runner behind the upload pipeline and the
// daily scheduling pass. Jobs are tagged; re-registering a tag first cancels
// any prior instance, so a tag never runs two concurrent cycles.
package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

var errMissingTag = errors.New("jobs: job tag is required")

// Constraints gate a job's execution on device conditions, checked at the
// start of every run. An unmet constraint skips the run silently.
type Constraints struct {
	NetworkRequired bool
	PowerRequired   bool
}

// Gates supplies the device-condition probes. Nil probes report true.
type Gates struct {
	NetworkOnline func() bool
	OnPower       func() bool
}

// RunnerConfig bundles the runner's dependencies.
type RunnerConfig struct {
	Gates  Gates
	Logger *zap.Logger
}

// Runner wraps a gocron scheduler with tag-idempotent registration.
type Runner struct {
	scheduler gocron.Scheduler
	gates     Gates
	logger    *zap.Logger
}

// NewRunner constructs the runner on a UTC gocron scheduler.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	scheduler, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Runner{
		scheduler: scheduler,
		gates:     cfg.Gates,
		logger:    logger,
	}, nil
}

// Schedule registers fn to run every interval under the tag, cancelling any
// job previously registered under the same tag first.
func (r *Runner) Schedule(tag string, interval time.Duration, constraints Constraints, fn func(context.Context)) error {
	if tag == "" {
		return errMissingTag
	}

	r.scheduler.RemoveByTags(tag)

	_, err := r.scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(r.gated(tag, constraints, fn)),
		gocron.WithTags(tag),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return err
	}

	r.logger.Info("job scheduled",
		zap.String("tag", tag),
		zap.Duration("interval", interval))
	return nil
}

// CancelAll removes every job registered under the tag.
func (r *Runner) CancelAll(tag string) {
	r.scheduler.RemoveByTags(tag)
}

// Start begins executing registered jobs.
func (r *Runner) Start() {
	r.scheduler.Start()
}

// Stop shuts the scheduler down, waiting for running jobs to finish.
func (r *Runner) Stop() error {
	return r.scheduler.Shutdown()
}

func (r *Runner) gated(tag string, constraints Constraints, fn func(context.Context)) func() {
	return func() {
		if constraints.NetworkRequired && !probe(r.gates.NetworkOnline) {
			r.logger.Debug("job skipped", zap.String("tag", tag), zap.String("reason", "network_unavailable"))
			return
		}
		if constraints.PowerRequired && !probe(r.gates.OnPower) {
			r.logger.Debug("job skipped", zap.String("tag", tag), zap.String("reason", "on_battery"))
			return
		}
		fn(context.Background())
	}
}

func probe(gate func() bool) bool {
	if gate == nil {
		return true
	}
	return gate()
}
