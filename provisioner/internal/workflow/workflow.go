// Package workflow runs ordered, severity-tagged steps with uniform timing and logging.
package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/rjpalt/KubeMOOC-Ops/provisioner/internal/domain"
)

// Step is one remote operation inside a workflow. A positive Timeout bounds Run.
type Step struct {
	Name     string
	Severity domain.Severity
	Timeout  time.Duration
	Run      func(ctx context.Context) error
}

// Outcome records how a step finished.
type Outcome struct {
	Step     string
	Severity domain.Severity
	Duration time.Duration
	Err      error
	Skipped  bool
}

// Failed reports whether the step ran and returned an error.
func (o Outcome) Failed() bool {
	return o.Err != nil
}

// Seconds returns the step duration rounded to two decimals.
func (o Outcome) Seconds() float64 {
	return Seconds(o.Duration)
}

// Policy decides what happens after a failed step.
type Policy int

const (
	// AbortOnError stops at the first failure; remaining steps are reported as skipped.
	AbortOnError Policy = iota
	// ContinueOnError runs every step regardless of earlier failures or cancellation of the
	// caller's context. Steps should carry a Timeout.
	ContinueOnError
)

// Observer receives step measurements, typically for metrics.
type Observer interface {
	ObserveStep(workflow, step string, duration time.Duration, err error)
}

// Runner executes steps for one named workflow.
type Runner struct {
	name     string
	logger   *slog.Logger
	observer Observer
	now      func() time.Time
}

// NewRunner builds a runner. observer may be nil.
func NewRunner(name string, logger *slog.Logger, observer Observer) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		name:     name,
		logger:   logger.With("workflow", name),
		observer: observer,
		now:      time.Now,
	}
}

// Run executes a single step. A panic inside the step is converted into its error.
func (r *Runner) Run(ctx context.Context, step Step) (out Outcome) {
	out = Outcome{Step: step.Name, Severity: step.Severity}
	log := r.logger.With("step", step.Name, "severity", string(step.Severity))
	start := r.now()
	log.Info("step started")
	defer func() {
		if rec := recover(); rec != nil {
			out.Err = fmt.Errorf("step %s panicked: %v", step.Name, rec)
		}
		out.Duration = r.now().Sub(start)
		if r.observer != nil {
			r.observer.ObserveStep(r.name, step.Name, out.Duration, out.Err)
		}
		if out.Err != nil {
			log.Error("step failed", "duration_seconds", out.Seconds(), "error", out.Err)
			return
		}
		log.Info("step completed", "duration_seconds", out.Seconds())
	}()
	if err := ctx.Err(); err != nil {
		out.Err = err
		return out
	}
	if step.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, step.Timeout)
		defer cancel()
	}
	out.Err = step.Run(ctx)
	return out
}

// Sequence runs steps in order under policy and returns one outcome per step.
func (r *Runner) Sequence(ctx context.Context, policy Policy, steps ...Step) []Outcome {
	outcomes := make([]Outcome, 0, len(steps))
	if policy == ContinueOnError {
		ctx = context.WithoutCancel(ctx)
	}
	aborted := false
	for _, step := range steps {
		if aborted {
			outcomes = append(outcomes, Outcome{Step: step.Name, Severity: step.Severity, Skipped: true})
			continue
		}
		out := r.Run(ctx, step)
		outcomes = append(outcomes, out)
		if out.Failed() && policy == AbortOnError {
			aborted = true
		}
	}
	return outcomes
}

// FirstFailure returns the first failed outcome, if any.
func FirstFailure(outcomes []Outcome) (Outcome, bool) {
	for _, o := range outcomes {
		if o.Failed() {
			return o, true
		}
	}
	return Outcome{}, false
}

// Seconds rounds d to two decimals of a second.
func Seconds(d time.Duration) float64 {
	return math.Round(d.Seconds()*100) / 100
}
