package poller

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/deziikuoo/Lillyalbaab-Social/internal/models"
)

// ErrNoTarget is returned when an operation needs a target and none is set
var ErrNoTarget = errors.New("no polling target set")

// SupervisorState is the lifecycle state of the polling loop
type SupervisorState string

const (
	StateStopped  SupervisorState = "stopped"
	StateStarting SupervisorState = "starting"
	StateRunning  SupervisorState = "running"
	StateStopping SupervisorState = "stopping"
)

// StartOutcome tells a caller what Start actually did
type StartOutcome string

const (
	OutcomeStarted        StartOutcome = "started"
	OutcomeAlreadyRunning StartOutcome = "already_running"
	OutcomeSwitched       StartOutcome = "switched"
)

// SupervisorConfig holds scheduling delays
type SupervisorConfig struct {
	WarmupDelay     time.Duration
	RestartDelay    time.Duration
	ErrorRetryDelay time.Duration
	HealthInterval  time.Duration
	SweepInterval   time.Duration
	Retention       time.Duration
}

// Status is a point-in-time view of the supervisor
type Status struct {
	State            SupervisorState      `json:"state"`
	Target           string               `json:"target"`
	Running          bool                 `json:"running"`
	EngineState      State                `json:"engine_state"`
	ActivityLevel    models.ActivityLevel `json:"activity_level"`
	Warm             bool                 `json:"warm"`
	CurrentInterval  time.Duration        `json:"current_interval"`
	NextPollAt       *time.Time           `json:"next_poll_at,omitempty"`
	TimerPending     bool                 `json:"timer_pending"`
	CycleInFlight    bool                 `json:"cycle_in_flight"`
	LastCycle        *models.CycleResult  `json:"last_cycle,omitempty"`
	LastSweepAt      *time.Time           `json:"last_sweep_at,omitempty"`
	LastSweepRemoved int64                `json:"last_sweep_removed"`
}

// Supervisor owns the polling schedule for a single target. Each cycle arms
// the next one when it completes, so at most one timer is ever pending.
type Supervisor struct {
	engine *Engine
	cfg    SupervisorConfig
	logger *log.Logger

	mu         sync.Mutex
	ctx        context.Context
	state      SupervisorState
	target     string
	generation uint64
	timer      *time.Timer
	nextPoll   time.Time
	interval   time.Duration
	inFlight   int
	idle       *sync.Cond
	last       *models.CycleResult
	lastSweep  time.Time
	swept      int64
}

// NewSupervisor creates a stopped supervisor around engine
func NewSupervisor(engine *Engine, cfg SupervisorConfig, logger *log.Logger) *Supervisor {
	if cfg.ErrorRetryDelay <= 0 {
		cfg.ErrorRetryDelay = 5 * time.Minute
	}
	s := &Supervisor{
		engine: engine,
		cfg:    cfg,
		logger: logger,
		ctx:    context.Background(),
		state:  StateStopped,
	}
	s.idle = sync.NewCond(&s.mu)
	return s
}

// Start begins polling target. The first cycle runs after WarmupDelay.
func (s *Supervisor) Start(target string) (StartOutcome, error) {
	if target == "" {
		return "", ErrNoTarget
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateRunning && s.target == target {
		return OutcomeAlreadyRunning, nil
	}

	outcome := OutcomeStarted
	if s.state == StateRunning {
		s.logger.Info("switching polling target", "from", s.target, "to", target)
		s.stopLocked()
		outcome = OutcomeSwitched
	}

	s.startLocked(target, s.cfg.WarmupDelay)
	return outcome, nil
}

// Stop cancels the pending cycle. A cycle already running completes but
// does not schedule another.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateStopped {
		return
	}
	s.stopLocked()
	s.logger.Info("polling stopped", "target", s.target)
}

// Restart stops polling, waits RestartDelay and starts again on the same target
func (s *Supervisor) Restart(ctx context.Context) error {
	s.mu.Lock()
	target := s.target
	if target == "" {
		s.mu.Unlock()
		return ErrNoTarget
	}
	s.stopLocked()
	s.state = StateStarting
	gen := s.generation
	s.mu.Unlock()

	s.logger.Info("restarting polling", "target", target, "delay", s.cfg.RestartDelay)

	select {
	case <-ctx.Done():
		s.mu.Lock()
		if s.generation == gen {
			s.state = StateStopped
		}
		s.mu.Unlock()
		return ctx.Err()
	case <-time.After(s.cfg.RestartDelay):
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// a Start or Stop during the delay wins
	if s.generation != gen {
		return nil
	}
	s.startLocked(target, s.cfg.WarmupDelay)
	return nil
}

// SetTarget records target, switching the running loop over if needed
func (s *Supervisor) SetTarget(target string) (switched bool, err error) {
	if target == "" {
		return false, ErrNoTarget
	}

	s.mu.Lock()
	if s.state != StateRunning || s.target == target {
		s.target = target
		s.mu.Unlock()
		return false, nil
	}
	s.mu.Unlock()

	outcome, err := s.Start(target)
	return outcome == OutcomeSwitched, err
}

// PollNow runs a cycle immediately without touching the schedule
func (s *Supervisor) PollNow(ctx context.Context, force bool) (models.CycleResult, error) {
	s.mu.Lock()
	target := s.target
	if target == "" {
		s.mu.Unlock()
		return models.CycleResult{}, ErrNoTarget
	}
	s.inFlight++
	s.mu.Unlock()

	s.logger.Info("manual poll", "target", target, "force", force)
	result := s.engine.RunCycle(ctx, target, force)

	s.mu.Lock()
	s.last = &result
	s.cycleDoneLocked()
	s.mu.Unlock()

	return result, nil
}

// Sweep runs the retention sweep over processed records
func (s *Supervisor) Sweep(ctx context.Context) (int64, error) {
	removed, err := s.engine.cache.Sweep(ctx, s.cfg.Retention)
	if err != nil {
		s.logger.Error("retention sweep failed", "err", err)
		return 0, err
	}

	s.mu.Lock()
	s.lastSweep = time.Now().UTC()
	s.swept = removed
	s.mu.Unlock()
	return removed, nil
}

func (s *Supervisor) Target() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.target
}

func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	tracker := s.engine.Tracker()
	st := Status{
		State:            s.state,
		Target:           s.target,
		Running:          s.state == StateRunning,
		EngineState:      s.engine.State(),
		ActivityLevel:    tracker.Level(),
		Warm:             tracker.Warm(),
		CurrentInterval:  s.interval,
		TimerPending:     s.timer != nil,
		CycleInFlight:    s.inFlight > 0,
		LastSweepRemoved: s.swept,
	}
	if s.timer != nil {
		next := s.nextPoll
		st.NextPollAt = &next
	}
	if s.last != nil {
		last := *s.last
		st.LastCycle = &last
	}
	if !s.lastSweep.IsZero() {
		at := s.lastSweep
		st.LastSweepAt = &at
	}
	return st
}

// Wait blocks until no cycle is in flight
func (s *Supervisor) Wait() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.inFlight > 0 {
		s.idle.Wait()
	}
}

// Run drives the health check and retention loops until ctx is done, then
// stops polling and waits for an in-flight cycle to finish. Cancelling ctx
// never interrupts a cycle.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	health, stopHealth := ticker(s.cfg.HealthInterval)
	defer stopHealth()
	sweep, stopSweep := ticker(s.cfg.SweepInterval)
	defer stopSweep()

	for {
		select {
		case <-ctx.Done():
			s.Stop()
			s.Wait()
			return nil
		case <-health:
			s.checkHealth(ctx)
		case <-sweep:
			// failures are logged by Sweep
			if removed, err := s.Sweep(ctx); err == nil {
				s.logger.Info("retention sweep finished", "removed", removed)
			}
		}
	}
}

// checkHealth restarts polling when it is supposed to be running but no
// cycle is in progress or scheduled.
func (s *Supervisor) checkHealth(ctx context.Context) bool {
	s.mu.Lock()
	stalled := s.state == StateRunning && s.inFlight == 0 && s.timer == nil
	s.mu.Unlock()

	if !stalled {
		return false
	}
	s.logger.Warn("polling has no pending cycle, restarting")
	if err := s.Restart(ctx); err != nil {
		s.logger.Error("health restart failed", "err", err)
	}
	return true
}

func (s *Supervisor) startLocked(target string, delay time.Duration) {
	s.target = target
	s.state = StateRunning
	s.generation++
	s.logger.Info("polling started", "target", target, "first_poll_in", delay)
	s.armLocked(delay)
}

func (s *Supervisor) stopLocked() {
	s.generation++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.nextPoll = time.Time{}
	if s.inFlight > 0 {
		s.state = StateStopping
	} else {
		s.state = StateStopped
	}
}

func (s *Supervisor) armLocked(delay time.Duration) {
	gen := s.generation
	s.nextPoll = time.Now().Add(delay)
	s.timer = time.AfterFunc(delay, func() { s.fire(gen) })
}

func (s *Supervisor) fire(gen uint64) {
	s.mu.Lock()
	if gen != s.generation || s.state != StateRunning {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.inFlight++
	target, ctx := s.target, s.ctx
	s.mu.Unlock()

	result := s.engine.RunCycle(ctx, target, false)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.last = &result
	s.cycleDoneLocked()

	if gen != s.generation {
		return
	}

	delay := result.NextInterval
	if result.Aborted() || delay <= 0 {
		delay = s.cfg.ErrorRetryDelay
		s.logger.Warn("cycle aborted, retrying soon", "target", target, "class", result.ErrorClass, "delay", delay)
	}
	s.interval = delay
	s.armLocked(delay)
}

func (s *Supervisor) cycleDoneLocked() {
	s.inFlight--
	if s.inFlight > 0 {
		return
	}
	if s.state == StateStopping {
		s.state = StateStopped
	}
	s.idle.Broadcast()
}

func ticker(d time.Duration) (<-chan time.Time, func()) {
	if d <= 0 {
		return nil, func() {}
	}
	t := time.NewTicker(d)
	return t.C, t.Stop
}
