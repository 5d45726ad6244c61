package poller

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/deziikuoo/Lillyalbaab-Social/internal/activity"
	"github.com/deziikuoo/Lillyalbaab-Social/internal/logging"
	"github.com/deziikuoo/Lillyalbaab-Social/internal/models"
	"github.com/deziikuoo/Lillyalbaab-Social/internal/source"
)

const waitFor = 2 * time.Second

func testSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		WarmupDelay:     5 * time.Millisecond,
		RestartDelay:    5 * time.Millisecond,
		ErrorRetryDelay: 5 * time.Millisecond,
		Retention:       28 * 24 * time.Hour,
	}
}

// newSupervisorFixture builds a supervisor whose adaptive intervals are
// counted in unit instead of minutes
func newSupervisorFixture(t *testing.T, unit time.Duration) (*Supervisor, *engineFixture) {
	t.Helper()
	f := newEngineFixture(t)
	f.tracker = activity.NewTracker(unit)
	f.engine.tracker = f.tracker
	f.channel.On("Send", mock.Anything, mock.Anything, mock.Anything).Return(delivered())

	s := NewSupervisor(f.engine, testSupervisorConfig(), logging.Discard())
	t.Cleanup(s.Stop)
	return s, f
}

func TestSupervisor_StartRequiresTarget(t *testing.T) {
	s, _ := newSupervisorFixture(t, time.Millisecond)

	_, err := s.Start("")
	assert.ErrorIs(t, err, ErrNoTarget)
	assert.Equal(t, StateStopped, s.Status().State)
}

func TestSupervisor_StartOutcomes(t *testing.T) {
	s, _ := newSupervisorFixture(t, time.Hour)
	s.cfg.WarmupDelay = time.Hour

	outcome, err := s.Start("alice")
	require.NoError(t, err)
	assert.Equal(t, OutcomeStarted, outcome)

	outcome, err = s.Start("alice")
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyRunning, outcome)

	outcome, err = s.Start("bob")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSwitched, outcome)

	st := s.Status()
	assert.Equal(t, StateRunning, st.State)
	assert.True(t, st.Running)
	assert.Equal(t, "bob", st.Target)
	assert.True(t, st.TimerPending)
	require.NotNil(t, st.NextPollAt)
	assert.WithinDuration(t, time.Now().Add(time.Hour), *st.NextPollAt, time.Minute)
}

func TestSupervisor_SchedulesCycles(t *testing.T) {
	s, f := newSupervisorFixture(t, time.Millisecond)
	f.source.set(raw("a"), nil)

	_, err := s.Start("alice")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return f.source.calls.Load() >= 3 }, waitFor, time.Millisecond)

	st := s.Status()
	require.NotNil(t, st.LastCycle)
	assert.Equal(t, "alice", st.LastCycle.Target)
	lo, hi := activity.Bounds(models.ActivityLow, time.Millisecond)
	assert.GreaterOrEqual(t, st.CurrentInterval, lo)
	assert.LessOrEqual(t, st.CurrentInterval, hi)
	f.channel.AssertNumberOfCalls(t, "Send", 1)
}

func TestSupervisor_StopCancelsTimer(t *testing.T) {
	s, f := newSupervisorFixture(t, time.Millisecond)

	_, err := s.Start("alice")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.source.calls.Load() >= 1 }, waitFor, time.Millisecond)

	s.Stop()
	s.Stop()

	// let any cycle that was already running finish
	require.Eventually(t, func() bool { return s.Status().State == StateStopped }, waitFor, time.Millisecond)
	calls := f.source.calls.Load()
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, calls, f.source.calls.Load())
	st := s.Status()
	assert.False(t, st.TimerPending)
	assert.Nil(t, st.NextPollAt)
	assert.Equal(t, "alice", st.Target)
}

func TestSupervisor_StopDuringCycle(t *testing.T) {
	s, f := newSupervisorFixture(t, time.Millisecond)

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	f.source.hook = func(context.Context) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
	}

	_, err := s.Start("alice")
	require.NoError(t, err)
	<-entered

	s.Stop()
	assert.Equal(t, StateStopping, s.Status().State)
	assert.True(t, s.Status().CycleInFlight)

	close(release)
	require.Eventually(t, func() bool { return s.Status().State == StateStopped }, waitFor, time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), f.source.calls.Load())
	assert.False(t, s.Status().TimerPending)
	assert.NotNil(t, s.Status().LastCycle)
}

func TestSupervisor_FetchErrorUsesRetryDelay(t *testing.T) {
	// the adaptive interval would be hours, so only the retry delay can
	// produce repeated cycles
	s, f := newSupervisorFixture(t, time.Hour)
	f.source.set(nil, &source.FetchError{Identity: "alice", Err: errors.New("timeout")})

	_, err := s.Start("alice")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return f.source.calls.Load() >= 3 }, waitFor, time.Millisecond)
	st := s.Status()
	assert.Equal(t, 5*time.Millisecond, st.CurrentInterval)
	require.NotNil(t, st.LastCycle)
	assert.Equal(t, models.ErrorFetch, st.LastCycle.ErrorClass)
}

func TestSupervisor_PanicUsesRetryDelay(t *testing.T) {
	s, f := newSupervisorFixture(t, time.Hour)
	f.source.hook = func(context.Context) { panic("scraper bug") }

	_, err := s.Start("alice")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return f.source.calls.Load() >= 2 }, waitFor, time.Millisecond)
	assert.Equal(t, StateRunning, s.Status().State)
}

func TestSupervisor_Restart(t *testing.T) {
	s, _ := newSupervisorFixture(t, time.Hour)
	s.cfg.WarmupDelay = time.Hour

	assert.ErrorIs(t, s.Restart(context.Background()), ErrNoTarget)

	_, err := s.Start("alice")
	require.NoError(t, err)
	require.NoError(t, s.Restart(context.Background()))

	st := s.Status()
	assert.Equal(t, StateRunning, st.State)
	assert.Equal(t, "alice", st.Target)
	assert.True(t, st.TimerPending)
}

func TestSupervisor_RestartSupersededByStop(t *testing.T) {
	s, _ := newSupervisorFixture(t, time.Hour)
	s.cfg.WarmupDelay = time.Hour
	s.cfg.RestartDelay = 50 * time.Millisecond

	_, err := s.Start("alice")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.Restart(context.Background()) }()

	require.Eventually(t, func() bool { return s.Status().State == StateStarting }, waitFor, time.Millisecond)
	s.Stop()

	require.NoError(t, <-done)
	assert.Equal(t, StateStopped, s.Status().State)
	assert.False(t, s.Status().TimerPending)
}

func TestSupervisor_HealthCheckRestartsStalledLoop(t *testing.T) {
	s, _ := newSupervisorFixture(t, time.Hour)
	s.cfg.WarmupDelay = time.Hour

	_, err := s.Start("alice")
	require.NoError(t, err)
	assert.False(t, s.checkHealth(context.Background()))

	// simulate a lost timer
	s.mu.Lock()
	s.timer.Stop()
	s.timer = nil
	s.mu.Unlock()

	assert.True(t, s.checkHealth(context.Background()))
	st := s.Status()
	assert.Equal(t, StateRunning, st.State)
	assert.True(t, st.TimerPending)
}

func TestSupervisor_HealthCheckIgnoresStopped(t *testing.T) {
	s, _ := newSupervisorFixture(t, time.Hour)
	assert.False(t, s.checkHealth(context.Background()))
	assert.Equal(t, StateStopped, s.Status().State)
}

func TestSupervisor_PollNow(t *testing.T) {
	s, f := newSupervisorFixture(t, time.Hour)
	s.cfg.WarmupDelay = time.Hour

	_, err := s.PollNow(context.Background(), false)
	assert.ErrorIs(t, err, ErrNoTarget)

	_, err = s.Start("alice")
	require.NoError(t, err)
	before := s.Status().NextPollAt

	f.source.set(raw("a", "b"), nil)
	result, err := s.PollNow(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Sent)

	forced, err := s.PollNow(context.Background(), true)
	require.NoError(t, err)
	assert.True(t, forced.Forced)
	assert.Equal(t, 2, forced.Skipped)
	f.channel.AssertNumberOfCalls(t, "Send", 2)

	st := s.Status()
	assert.Equal(t, before, st.NextPollAt)
	assert.True(t, st.LastCycle.Forced)
}

func TestSupervisor_PollNowWhileStopped(t *testing.T) {
	s, f := newSupervisorFixture(t, time.Hour)
	_, err := s.SetTarget("alice")
	require.NoError(t, err)

	f.source.set(raw("a"), nil)
	result, err := s.PollNow(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Sent)
	assert.Equal(t, StateStopped, s.Status().State)
}

func TestSupervisor_SetTarget(t *testing.T) {
	s, _ := newSupervisorFixture(t, time.Hour)
	s.cfg.WarmupDelay = time.Hour

	_, err := s.SetTarget("")
	assert.ErrorIs(t, err, ErrNoTarget)

	switched, err := s.SetTarget("alice")
	require.NoError(t, err)
	assert.False(t, switched)
	assert.Equal(t, "alice", s.Target())
	assert.Equal(t, StateStopped, s.Status().State)

	_, err = s.Start("alice")
	require.NoError(t, err)

	switched, err = s.SetTarget("alice")
	require.NoError(t, err)
	assert.False(t, switched)

	switched, err = s.SetTarget("bob")
	require.NoError(t, err)
	assert.True(t, switched)
	assert.Equal(t, "bob", s.Status().Target)
	assert.True(t, s.Status().Running)
}

func TestSupervisor_Sweep(t *testing.T) {
	s, f := newSupervisorFixture(t, time.Hour)
	ctx := context.Background()
	require.NoError(t, f.cache.MarkProcessed(ctx, "alice", models.Item{ID: "a"}))

	s.cfg.Retention = time.Nanosecond
	time.Sleep(time.Millisecond)

	removed, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	st := s.Status()
	assert.Equal(t, int64(1), st.LastSweepRemoved)
	assert.NotNil(t, st.LastSweepAt)
}

func TestSupervisor_RunStopsOnCancel(t *testing.T) {
	s, _ := newSupervisorFixture(t, time.Hour)
	s.cfg.WarmupDelay = time.Hour
	s.cfg.HealthInterval = time.Millisecond
	s.cfg.SweepInterval = time.Millisecond

	_, err := s.Start("alice")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return s.Status().LastSweepAt != nil }, waitFor, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Run did not return")
	}
	assert.Equal(t, StateStopped, s.Status().State)
}

func TestSupervisor_RunWaitsForInFlightCycle(t *testing.T) {
	s, f := newSupervisorFixture(t, time.Hour)
	f.source.set(raw("a"), nil)

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	f.source.hook = func(context.Context) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	_, err := s.Start("alice")
	require.NoError(t, err)
	<-entered

	cancel()
	select {
	case <-done:
		t.Fatal("Run returned while a cycle was in flight")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, StateStopping, s.Status().State)

	close(release)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Run did not return")
	}

	st := s.Status()
	assert.Equal(t, StateStopped, st.State)
	assert.False(t, st.CycleInFlight)
	require.NotNil(t, st.LastCycle)
	assert.True(t, st.LastCycle.Committed)
	assert.Equal(t, 1, st.LastCycle.Sent)
}
