package loop

import (
	"context"

	"go.uber.org/zap"

	"opsmend/internal/oracle"
	"opsmend/internal/tools"
)

const (
	// DefaultMaxRetries bounds the plan/execute/verify rounds per run.
	DefaultMaxRetries = 3

	defaultPlanIters   = 5
	defaultExecIters   = 20
	defaultVerifyIters = 10
)

// Loop coordinates the planner, executor, and verifier phases against a
// single decision maker and a policy-gated tool dispatcher.
type Loop struct {
	client   oracle.Client
	disp     *tools.Dispatcher
	classify Classifier
	log      *zap.Logger

	maxRetries  int
	planIters   int
	execIters   int
	verifyIters int
}

// Option configures a Loop.
type Option func(*Loop)

// WithMaxRetries overrides the attempt bound.
func WithMaxRetries(n int) Option {
	return func(l *Loop) {
		if n > 0 {
			l.maxRetries = n
		}
	}
}

// WithClassifier replaces the verdict heuristic.
func WithClassifier(c Classifier) Option {
	return func(l *Loop) {
		if c != nil {
			l.classify = c
		}
	}
}

// WithExecIterations bounds the execution chat loop.
func WithExecIterations(n int) Option {
	return func(l *Loop) {
		if n > 0 {
			l.execIters = n
		}
	}
}

// New builds a loop over the given decision-maker client and dispatcher.
func New(client oracle.Client, disp *tools.Dispatcher, log *zap.Logger, opts ...Option) *Loop {
	if log == nil {
		log = zap.NewNop()
	}
	l := &Loop{
		client:      client,
		disp:        disp,
		classify:    KeywordClassifier,
		log:         log,
		maxRetries:  DefaultMaxRetries,
		planIters:   defaultPlanIters,
		execIters:   defaultExecIters,
		verifyIters: defaultVerifyIters,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run performs up to maxRetries attempts at the goal, exiting early on
// the first verified success. Every attempt is recorded in the outcome.
func (l *Loop) Run(ctx context.Context, goal string) Outcome {
	out := Outcome{Goal: goal}
	var prev *Attempt

	for n := 1; n <= l.maxRetries; n++ {
		if prev != nil {
			l.log.Info("replanning after failed attempt", zap.Int("attempt", n))
		} else {
			l.log.Info("planning", zap.Int("attempt", n), zap.String("goal", goal))
		}

		plan := l.plan(ctx, goal, prev)
		l.log.Info("plan ready", zap.Int("steps", len(plan)))

		transcript := l.execute(ctx, plan)
		l.log.Info("execution finished", zap.Int("calls", len(transcript.Calls)))

		verification := l.verify(ctx, goal, transcript)
		l.log.Info("verification finished", zap.Bool("success", verification.Success))

		attempt := Attempt{
			Number:       n,
			Plan:         plan,
			Transcript:   transcript,
			Verification: verification,
		}
		out.Attempts = append(out.Attempts, attempt)
		out.Final = n

		if verification.Success {
			out.Success = true
			return out
		}
		prev = &out.Attempts[len(out.Attempts)-1]
	}
	return out
}
