package scheduler

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/jordanhubbard/cognihub/internal/core"
	"github.com/jordanhubbard/cognihub/internal/events"
)

func TestNormalModeRates(t *testing.T) {
	s := New(DefaultConfig())
	st := s.Snapshot()
	if st.Mode != ModeNormal {
		t.Fatalf("got mode %s", st.Mode)
	}
	if st.ExplorationRate != 0.1 || st.ShadowRate != 0.1 {
		t.Fatalf("got rates %v/%v", st.ExplorationRate, st.ShadowRate)
	}
}

func TestBurstMultipliesExplorationCapped(t *testing.T) {
	s := New(DefaultConfig())
	if err := s.RequestMode(ModeBurst, time.Minute, 3); err != nil {
		t.Fatal(err)
	}
	st := s.Snapshot()
	if st.Mode != ModeBurst || math.Abs(st.ExplorationRate-0.3) > 1e-9 {
		t.Fatalf("got mode=%s rate=%v", st.Mode, st.ExplorationRate)
	}

	// Intensity beyond MaxIntensity is clamped, and the rate caps at MaxEpsilon.
	if err := s.RequestMode(ModeBurst, time.Minute, 100); err != nil {
		t.Fatal(err)
	}
	st = s.Snapshot()
	if st.IntensityMultiplier != 5 {
		t.Fatalf("intensity: got %v, want 5", st.IntensityMultiplier)
	}
	if st.ExplorationRate != 0.5 {
		t.Fatalf("rate should cap at max epsilon: got %v", st.ExplorationRate)
	}
}

func TestQuietClampsAndHalvesShadow(t *testing.T) {
	s := New(DefaultConfig())
	if err := s.RequestMode(ModeQuiet, time.Minute, 0); err != nil {
		t.Fatal(err)
	}
	st := s.Snapshot()
	if st.ExplorationRate != 0.02 {
		t.Fatalf("quiet exploration: got %v, want min epsilon", st.ExplorationRate)
	}
	if st.ShadowRate != 0.05 {
		t.Fatalf("quiet shadow: got %v, want 0.05", st.ShadowRate)
	}
}

func TestBurstDurationCapped(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	s := New(DefaultConfig(), WithNowFunc(func() time.Time { return now }))
	if err := s.RequestMode(ModeBurst, 48*time.Hour, 2); err != nil {
		t.Fatal(err)
	}
	st := s.Snapshot()
	if got := st.ModeEndsAt.Sub(now); got != time.Hour {
		t.Fatalf("burst duration: got %v, want capped at 1h", got)
	}
}

func TestTickExpiresModeBackToNormal(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	bus := events.NewBus()
	sub := bus.Subscribe(8)
	defer bus.Unsubscribe(sub)

	s := New(DefaultConfig(), WithNowFunc(func() time.Time { return now }), WithEventBus(bus))
	if err := s.RequestMode(ModeBurst, time.Minute, 2); err != nil {
		t.Fatal(err)
	}
	drain(sub)

	s.Tick(now.Add(30 * time.Second))
	if s.Snapshot().Mode != ModeBurst {
		t.Fatal("mode expired early")
	}

	s.Tick(now.Add(2 * time.Minute))
	st := s.Snapshot()
	if st.Mode != ModeNormal || st.ExplorationRate != 0.1 {
		t.Fatalf("got mode=%s rate=%v", st.Mode, st.ExplorationRate)
	}

	select {
	case ev := <-sub.C:
		if ev.Type != events.EventSchedulerMode || ev.NewState != string(ModeNormal) {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("mode_changed not published on expiry")
	}
}

func TestStopLocksTransitions(t *testing.T) {
	s := New(DefaultConfig())
	s.Stop()

	st := s.Snapshot()
	if st.Mode != ModeStopped || st.ExplorationRate != 0 || st.ShadowRate != 0 {
		t.Fatalf("stopped state: %+v", st)
	}
	if !s.Stopped() {
		t.Fatal("Stopped() should report true")
	}

	err := s.RequestMode(ModeBurst, time.Minute, 2)
	if !errors.Is(err, core.ErrSchedulerLocked) {
		t.Fatalf("got %v, want ErrSchedulerLocked", err)
	}

	s.Resume()
	if s.Snapshot().Mode != ModeNormal {
		t.Fatal("resume should return to normal")
	}
}

func TestGoalAchieved(t *testing.T) {
	s := New(DefaultConfig())
	err := s.AddGoal(Goal{ID: "g1", Metric: "rolling_success", Bucket: "code/complex", Target: 0.8, Deadline: time.Now().Add(time.Hour)})
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 100; i++ {
		s.OnOutcome(core.Outcome{Bucket: "code/complex", Success: true})
	}
	g := findGoal(t, s, "g1")
	if g.Status != GoalAchieved {
		t.Fatalf("goal status: got %s, progress %v", g.Status, g.Progress)
	}
}

func TestGoalIgnoresOtherBuckets(t *testing.T) {
	s := New(DefaultConfig())
	if err := s.AddGoal(Goal{ID: "g1", Bucket: "code/complex", Target: 0.5}); err != nil {
		t.Fatal(err)
	}
	s.OnOutcome(core.Outcome{Bucket: "creative/simple", Success: true})
	g := findGoal(t, s, "g1")
	if g.Progress != 0 {
		t.Fatalf("unrelated bucket moved progress to %v", g.Progress)
	}
}

func TestGoalExpiresOnDeadline(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	s := New(DefaultConfig(), WithNowFunc(func() time.Time { return now }))
	if err := s.AddGoal(Goal{ID: "g1", Bucket: "b", Target: 0.99, Deadline: now.Add(time.Minute)}); err != nil {
		t.Fatal(err)
	}

	s.Tick(now.Add(2 * time.Minute))
	g := findGoal(t, s, "g1")
	if g.Status != GoalExpired {
		t.Fatalf("goal status: got %s, want expired", g.Status)
	}
}

func TestAddGoalValidation(t *testing.T) {
	s := New(DefaultConfig())
	if err := s.AddGoal(Goal{Target: 0.5}); err == nil {
		t.Fatal("missing ID should be rejected")
	}
	if err := s.AddGoal(Goal{ID: "g", Target: 1.5}); err == nil {
		t.Fatal("target > 1 should be rejected")
	}
}

func findGoal(t *testing.T, s *Scheduler, id string) Goal {
	t.Helper()
	for _, g := range s.Snapshot().Goals {
		if g.ID == id {
			return g
		}
	}
	t.Fatalf("goal %s not found", id)
	return Goal{}
}

func drain(s *events.Subscriber) {
	for {
		select {
		case <-s.C:
		default:
			return
		}
	}
}
