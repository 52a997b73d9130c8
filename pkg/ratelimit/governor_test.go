package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Sternrassler/sdmx-databuilder/internal/testutil"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestGovernor(t *testing.T, cfg Config) (*Governor, *testutil.FakeClock) {
	t.Helper()
	clock := testutil.NewFakeClock(epoch)
	cfg.Clock = clock
	g, err := NewGovernor(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewGovernor() error = %v", err)
	}
	return g, clock
}

func TestNewGovernor_ClampsToCeilings(t *testing.T) {
	tests := []struct {
		name          string
		qpm, dph      int
		wantQ, wantDL int
	}{
		{name: "defaults", qpm: 0, dph: 0, wantQ: 20, wantDL: 20},
		{name: "above ceiling", qpm: 100, dph: 50, wantQ: 20, wantDL: 20},
		{name: "below ceiling kept", qpm: 10, dph: 5, wantQ: 10, wantDL: 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, _ := newTestGovernor(t, Config{QueriesPerMinute: tt.qpm, DownloadsPerHour: tt.dph})
			l := g.Limits()
			if l.QueriesPerMinute != tt.wantQ || l.DownloadsPerHour != tt.wantDL {
				t.Errorf("Limits() = %+v, want q=%d dl=%d", l, tt.wantQ, tt.wantDL)
			}
		})
	}
}

func TestNewGovernor_NegativeInterval(t *testing.T) {
	_, err := NewGovernor(context.Background(), Config{RequestInterval: -time.Second})
	if err == nil {
		t.Error("expected error for negative interval")
	}
}

func TestAcquire_EnforcesSpacing(t *testing.T) {
	g, clock := newTestGovernor(t, Config{RequestInterval: 5 * time.Second})
	ctx := context.Background()

	var starts []time.Time
	for i := 0; i < 3; i++ {
		if err := g.Acquire(ctx, KindQuery); err != nil {
			t.Fatalf("Acquire() error = %v", err)
		}
		starts = append(starts, clock.Now())
	}
	for i := 1; i < len(starts); i++ {
		if gap := starts[i].Sub(starts[i-1]); gap < 5*time.Second {
			t.Errorf("gap %d = %v, want >= 5s", i, gap)
		}
	}
}

func TestAcquire_MinuteWindow(t *testing.T) {
	g, clock := newTestGovernor(t, Config{QueriesPerMinute: 3})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := g.Acquire(ctx, KindQuery); err != nil {
			t.Fatal(err)
		}
	}
	if clock.Slept() != 0 {
		t.Fatalf("first 3 queries should not wait, slept %v", clock.Slept())
	}

	if err := g.Acquire(ctx, KindQuery); err != nil {
		t.Fatal(err)
	}
	if got := clock.Now().Sub(epoch); got != time.Minute {
		t.Errorf("4th query started at +%v, want +1m", got)
	}
}

func TestAcquire_HourWindowOnlyForDownloads(t *testing.T) {
	g, clock := newTestGovernor(t, Config{QueriesPerMinute: 20, DownloadsPerHour: 2})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := g.Acquire(ctx, KindDownload); err != nil {
			t.Fatal(err)
		}
	}
	// Queries are not held back by the hourly download window.
	if err := g.Acquire(ctx, KindQuery); err != nil {
		t.Fatal(err)
	}
	if clock.Slept() != 0 {
		t.Fatalf("query should not wait for download quota, slept %v", clock.Slept())
	}

	if err := g.Acquire(ctx, KindDownload); err != nil {
		t.Fatal(err)
	}
	if got := clock.Now().Sub(epoch); got != time.Hour {
		t.Errorf("3rd download started at +%v, want +1h", got)
	}

	snap := g.Snapshot()
	if snap.DownloadsInWindow != 1 {
		t.Errorf("DownloadsInWindow = %d, want 1", snap.DownloadsInWindow)
	}
}

func TestAcquire_ContextCancelled(t *testing.T) {
	g, _ := newTestGovernor(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := g.Acquire(ctx, KindQuery); !errors.Is(err, context.Canceled) {
		t.Errorf("Acquire() error = %v, want context.Canceled", err)
	}
	if g.Snapshot().QueriesInWindow != 0 {
		t.Error("cancelled acquire must not be recorded")
	}
}

func TestGovernor_RestoresPersistedState(t *testing.T) {
	store := NewMemoryStateStore()
	clock := testutil.NewFakeClock(epoch)
	ctx := context.Background()

	first, err := NewGovernor(ctx, Config{DownloadsPerHour: 2, Clock: clock, Store: store})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if err := first.Acquire(ctx, KindDownload); err != nil {
			t.Fatal(err)
		}
	}

	// A new process sharing the store must still see the full hour window.
	second, err := NewGovernor(ctx, Config{DownloadsPerHour: 2, Clock: clock, Store: store})
	if err != nil {
		t.Fatal(err)
	}
	if err := second.Acquire(ctx, KindDownload); err != nil {
		t.Fatal(err)
	}
	if got := clock.Now().Sub(epoch); got != time.Hour {
		t.Errorf("download after restart started at +%v, want +1h", got)
	}
}

type failingStore struct{}

func (failingStore) Load(context.Context) (*State, error) { return nil, nil }
func (failingStore) Save(context.Context, *State) error { return errors.New("down") }

func TestAcquire_StoreFailureIsNotFatal(t *testing.T) {
	g, _ := newTestGovernor(t, Config{Store: failingStore{}})
	if err := g.Acquire(context.Background(), KindDownload); err != nil {
		t.Errorf("Acquire() error = %v, want nil", err)
	}
}

func TestCheckPlan(t *testing.T) {
	g, _ := newTestGovernor(t, Config{})

	if err := g.CheckPlan(20, false); err != nil {
		t.Errorf("CheckPlan(20) = %v, want nil", err)
	}
	err := g.CheckPlan(21, false)
	var qe *QuotaExceededError
	if !errors.As(err, &qe) {
		t.Fatalf("CheckPlan(21) = %v, want QuotaExceededError", err)
	}
	if qe.Planned != 21 || qe.Cap != 20 {
		t.Errorf("QuotaExceededError = %+v", qe)
	}
	if err := g.CheckPlan(21, true); err != nil {
		t.Errorf("CheckPlan(21, allowMultiHour) = %v, want nil", err)
	}
}

func TestEstimate(t *testing.T) {
	g, _ := newTestGovernor(t, Config{RequestInterval: 5 * time.Second})
	if got := g.Estimate(1); got != 0 {
		t.Errorf("Estimate(1) = %v", got)
	}
	if got := g.Estimate(3); got != 10*time.Second {
		t.Errorf("Estimate(3) = %v, want 10s", got)
	}
	if got := g.Estimate(21); got != time.Hour {
		t.Errorf("Estimate(21) = %v, want 1h", got)
	}
}

// No rolling minute ever holds more than 20 starts and no rolling hour more
// than 20 downloads, whatever the burst pattern.
func TestAcquire_WindowProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("rolling windows never exceed caps", prop.ForAll(
		func(gaps []int, downloads []bool) bool {
			clock := testutil.NewFakeClock(epoch)
			g, err := NewGovernor(context.Background(), Config{Clock: clock})
			if err != nil {
				return false
			}

			var all, dl []time.Time
			for i, gap := range gaps {
				clock.Advance(time.Duration(gap) * time.Second)
				kind := KindQuery
				if i < len(downloads) && downloads[i] {
					kind = KindDownload
				}
				if err := g.Acquire(context.Background(), kind); err != nil {
					return false
				}
				all = append(all, clock.Now())
				if kind == KindDownload {
					dl = append(dl, clock.Now())
				}
			}
			return maxInWindow(all, MinuteWindow) <= MaxQueriesPerMinute &&
				maxInWindow(dl, HourWindow) <= MaxDownloadsPerHour
		},
		gen.SliceOfN(60, gen.IntRange(0, 90)),
		gen.SliceOfN(60, gen.Bool()),
	))

	properties.TestingRun(t)
}

// maxInWindow returns the largest number of timestamps in any [t, t+window).
func maxInWindow(ts []time.Time, window time.Duration) int {
	best := 0
	for i := range ts {
		n := 0
		for j := i; j < len(ts) && ts[j].Before(ts[i].Add(window)); j++ {
			n++
		}
		if n > best {
			best = n
		}
	}
	return best
}
