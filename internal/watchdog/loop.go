// Package watchdog runs the poll, dispatch and sleep cycle that ties the
// feed, the state store and the mitigation executor together.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"hipswatch/internal/common"
	"hipswatch/internal/config"
	"hipswatch/internal/metrics"
	"hipswatch/internal/mitigation"
	"hipswatch/internal/policy"
	"hipswatch/internal/retry"
	"hipswatch/internal/state"
	"hipswatch/internal/threat"
)

// State is the loop's position in its state machine.
type State string

const (
	StateIdle         State = "idle"
	StatePolling      State = "polling"
	StateDispatching  State = "dispatching"
	StateSleeping     State = "sleeping"
	StateErrorBackoff State = "error_backoff"
)

// Status is a point-in-time view of the loop for the ops endpoints.
type Status struct {
	State       State         `json:"state"`
	Attempt     int           `json:"attempt"`
	CycleID     string        `json:"cycleId,omitempty"`
	LastCycleAt *time.Time    `json:"lastCycleAt,omitempty"`
	LastError   string        `json:"lastError,omitempty"`
	NextDelay   time.Duration `json:"nextDelayNs"`
}

// PhaseError ties a cycle failure to the phase it happened in.
type PhaseError struct {
	Phase   common.Phase
	Address string
	Err     error
}

func (e *PhaseError) Error() string {
	if e.Address != "" {
		return fmt.Sprintf("%s %s: %v", e.Phase, e.Address, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error { return e.Err }

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Loop is the watchdog. It is driven by a single goroutine calling Run.
type Loop struct {
	feed     threat.Feed
	store    state.Store
	applier  mitigation.Applier
	policy   policy.Evaluator
	retry    retry.Policy
	interval time.Duration
	resolve  bool
	sleep    SleepFunc
	now      func() time.Time
	log      *slog.Logger

	mu     sync.RWMutex
	status Status
}

// Option customises a Loop.
type Option func(*Loop)

// WithSleep replaces the timer-based sleep, for tests.
func WithSleep(fn SleepFunc) Option {
	return func(l *Loop) { l.sleep = fn }
}

func WithClock(now func() time.Time) Option {
	return func(l *Loop) { l.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) { l.log = logger }
}

func New(cfg *config.Config, feed threat.Feed, store state.Store, applier mitigation.Applier, evaluator policy.Evaluator, opts ...Option) *Loop {
	l := &Loop{
		feed:    feed,
		store:   store,
		applier: applier,
		policy:  evaluator,
		retry: retry.Policy{
			MaxAttempts: cfg.MaxRetryAttempts,
			Base:        cfg.RetryBaseInterval,
			Max:         cfg.MaxRetryInterval,
		},
		interval: cfg.CheckInterval,
		resolve:  cfg.ResolveOnSuccess,
		sleep:    sleepContext,
		now:      time.Now,
		log:      slog.Default(),
		status:   Status{State: StateIdle},
	}
	for _, opt := range opts {
		opt(l)
	}
	l.log = l.log.With("component", "watchdog")
	return l
}

// Run cycles until ctx is cancelled. Cycle failures are never returned: they
// put the loop into backoff and the next cycle tries again.
func (l *Loop) Run(ctx context.Context) error {
	l.log.Info("watchdog started", "interval", l.interval, "retry_base", l.retry.Base, "retry_max", l.retry.Max)
	attempt := 0
	for {
		if ctx.Err() != nil {
			break
		}

		err := l.RunCycle(ctx)
		if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			break
		}

		var delay time.Duration
		var ferr *threat.FeedError
		switch {
		case err != nil && errors.As(err, &ferr) && ferr.NeedsOperator():
			// Retrying sooner cannot help; check back at the slowest pace.
			delay = l.retry.Max
			metrics.Cycles.WithLabelValues("error").Inc()
			l.log.Error("feed refused access, operator action required",
				"phase", phaseOf(err), "status_code", ferr.StatusCode, "err", err, "delay", delay)
			l.setStatus(func(s *Status) {
				s.State = StateErrorBackoff
				s.LastError = err.Error()
			})
		case err != nil:
			delay = l.retry.Delay(attempt)
			attempt++
			metrics.Cycles.WithLabelValues("error").Inc()
			l.log.Error("cycle failed, backing off", "phase", phaseOf(err), "err", err, "attempt", attempt, "delay", delay)
			l.setStatus(func(s *Status) {
				s.State = StateErrorBackoff
				s.LastError = err.Error()
			})
		default:
			attempt = 0
			delay = l.interval
			metrics.Cycles.WithLabelValues("ok").Inc()
			l.setStatus(func(s *Status) {
				s.State = StateSleeping
				s.LastError = ""
			})
		}
		metrics.BackoffAttempt.Set(float64(attempt))
		l.setStatus(func(s *Status) {
			s.Attempt = attempt
			s.NextDelay = delay
		})

		l.log.Debug("sleeping", "phase", common.PhaseSleep, "delay", delay)
		if err := l.sleep(ctx, delay); err != nil {
			break
		}
	}
	l.setStatus(func(s *Status) { s.State = StateIdle })
	l.log.Info("watchdog stopped")
	return nil
}

// RunCycle performs one poll and dispatches every address that needs it.
// Mitigation failures are recorded in the store and do not fail the cycle;
// an executor that could not be launched does.
func (l *Loop) RunCycle(ctx context.Context) error {
	cycleID := uuid.NewString()
	log := l.log.With("cycle_id", cycleID)
	started := l.now()
	l.setStatus(func(s *Status) {
		s.State = StatePolling
		s.CycleID = cycleID
		s.LastCycleAt = &started
	})

	records, err := l.feed.FetchNewAttacks(context.WithoutCancel(ctx))
	if err != nil {
		return &PhaseError{Phase: common.PhasePoll, Err: err}
	}
	if len(records) == 0 {
		log.Debug("no new attacks")
		return nil
	}

	observed := make(state.Observation)
	for _, r := range records {
		observed.Add(r.SourceAddress, r.FlowID)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	pending := l.store.DiffAgainstLast(observed)
	if err := l.store.RecordObserved(observed); err != nil {
		return &PhaseError{Phase: common.PhaseObserve, Err: err}
	}
	l.updateGauges()
	log.Info("attacks observed", "records", len(records), "addresses", len(observed), "to_dispatch", len(pending))

	if len(pending) == 0 {
		return nil
	}
	l.setStatus(func(s *Status) { s.State = StateDispatching })

	var errs []error
	for _, addr := range pending {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := l.dispatch(ctx, log, addr, observed[addr]); err != nil {
			errs = append(errs, err)
		}
	}
	l.updateGauges()
	return errors.Join(errs...)
}

func (l *Loop) dispatch(ctx context.Context, log *slog.Logger, addr string, flowIDs []string) error {
	log = log.With("address", addr, "flow_ids", flowIDs)

	flowCount := len(flowIDs)
	if st, ok := l.store.Get(addr); ok {
		flowCount = len(st.FlowIDs)
	}
	decision := l.policy.Evaluate(addr, flowCount)

	res := l.applier.Apply(ctx, mitigation.Request{
		Addresses: []string{addr},
		FlowIDs:   flowIDs,
		Action:    decision.Action,
		Group:     decision.Group,
	})

	status := statusFor(res)
	if err := l.store.UpdateStatus(addr, status); err != nil {
		log.Error("recording mitigation outcome failed", "phase", common.PhaseUpdate, "status", status, "err", err)
		return &PhaseError{Phase: common.PhaseUpdate, Address: addr, Err: err}
	}

	switch {
	case res.Outcome == mitigation.Success:
		log.Info("address mitigated", "action", decision.Action, "rule", decision.Rule, "duration", res.Duration)
		if l.resolve {
			l.resolveFlows(ctx, log, flowIDs)
		}
	case errors.Is(res.Err, mitigation.ErrLaunch):
		log.Error("mitigation not started", "phase", common.PhaseDispatch, "err", res.Err)
		return &PhaseError{Phase: common.PhaseDispatch, Address: addr, Err: res.Err}
	default:
		log.Warn("mitigation incomplete", "phase", common.PhaseDispatch, "status", status,
			"exit_code", res.ExitCode, "timed_out", res.TimedOut, "err", res.Err)
	}
	return nil
}

// resolveFlows acknowledges handled flows. Failures are logged only.
func (l *Loop) resolveFlows(ctx context.Context, log *slog.Logger, flowIDs []string) {
	for _, f := range flowIDs {
		if err := l.feed.Resolve(context.WithoutCancel(ctx), f); err != nil {
			log.Warn("resolve callback failed", "phase", common.PhaseResolve, "flow_id", f, "err", err)
		}
	}
}

// phaseOf reports where a cycle failed. A poll that could not obtain a token
// is an auth failure.
func phaseOf(err error) common.Phase {
	var ferr *threat.FeedError
	if errors.As(err, &ferr) && ferr.Kind == threat.KindUnauthenticated {
		return common.PhaseAuth
	}
	var pe *PhaseError
	if errors.As(err, &pe) {
		return pe.Phase
	}
	return common.PhasePoll
}

func statusFor(res mitigation.Result) state.Status {
	switch res.Outcome {
	case mitigation.Success:
		return state.StatusCompleted
	case mitigation.PartialFailure:
		return state.StatusPartial
	}
	if errors.Is(res.Err, mitigation.ErrLaunch) {
		return state.StatusError
	}
	return state.StatusFailed
}

func (l *Loop) updateGauges() {
	counts := make(map[state.Status]int, len(state.AllStatuses))
	for _, st := range l.store.Snapshot().Addresses {
		counts[st.Status]++
	}
	for _, s := range state.AllStatuses {
		metrics.TrackedAddresses.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}

// Status returns a copy of the loop status.
func (l *Loop) Status() Status {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s := l.status
	if s.LastCycleAt != nil {
		t := *s.LastCycleAt
		s.LastCycleAt = &t
	}
	return s
}

func (l *Loop) setStatus(fn func(*Status)) {
	l.mu.Lock()
	fn(&l.status)
	l.mu.Unlock()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
