package scheduler

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"scrat-backup/internal/metastore"
)

func TestComputeNextRun_Daily(t *testing.T) {
	sch := metastore.Schedule{ID: "s1", Frequency: string(FrequencyDaily), TimeOfDay: sql.NullString{String: "02:30", Valid: true}}
	after := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	next, err := ComputeNextRun(sch, after)
	if err != nil {
		t.Fatalf("ComputeNextRun() error = %v", err)
	}
	want := time.Date(2026, 3, 2, 2, 30, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
}

func TestComputeNextRun_Daily_SameDayIfNotYetPassed(t *testing.T) {
	sch := metastore.Schedule{ID: "s1", Frequency: string(FrequencyDaily), TimeOfDay: sql.NullString{String: "23:00", Valid: true}}
	after := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	next, err := ComputeNextRun(sch, after)
	if err != nil {
		t.Fatalf("ComputeNextRun() error = %v", err)
	}
	want := time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
}

func TestComputeNextRun_Weekly(t *testing.T) {
	sch := metastore.Schedule{
		ID: "s1", Frequency: string(FrequencyWeekly),
		TimeOfDay: sql.NullString{String: "09:00", Valid: true},
		Weekdays:  sql.NullString{String: "mon,fri", Valid: true},
	}
	// Sunday 2026-03-01.
	after := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	next, err := ComputeNextRun(sch, after)
	if err != nil {
		t.Fatalf("ComputeNextRun() error = %v", err)
	}
	want := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC) // Monday
	if !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
}

func TestComputeNextRun_Monthly_ClampsToLastDay(t *testing.T) {
	sch := metastore.Schedule{
		ID: "s1", Frequency: string(FrequencyMonthly),
		TimeOfDay:  sql.NullString{String: "00:00", Valid: true},
		DayOfMonth: sql.NullInt64{Int64: 31, Valid: true},
	}
	after := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	next, err := ComputeNextRun(sch, after)
	if err != nil {
		t.Fatalf("ComputeNextRun() error = %v", err)
	}
	want := time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC) // 2026 is not a leap year
	if !next.Equal(want) {
		t.Errorf("next = %v, want %v (clamped to Feb 28)", next, want)
	}
}

func TestComputeNextRun_Monthly_RollsToNextMonthOncePassed(t *testing.T) {
	sch := metastore.Schedule{
		ID: "s1", Frequency: string(FrequencyMonthly),
		TimeOfDay:  sql.NullString{String: "00:00", Valid: true},
		DayOfMonth: sql.NullInt64{Int64: 15, Valid: true},
	}
	after := time.Date(2026, 3, 20, 0, 0, 0, 0, time.UTC)

	next, err := ComputeNextRun(sch, after)
	if err != nil {
		t.Fatalf("ComputeNextRun() error = %v", err)
	}
	want := time.Date(2026, 4, 15, 0, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
}

func TestComputeNextRun_Startup_NoComputedRun(t *testing.T) {
	sch := metastore.Schedule{ID: "s1", Frequency: string(FrequencyStartup)}
	_, err := ComputeNextRun(sch, time.Now())
	if err != ErrNoNextRun {
		t.Fatalf("ComputeNextRun() error = %v, want ErrNoNextRun", err)
	}
}

// fakeRunner records every job it is asked to run. When blocking is
// set, each call waits on release before returning; the tests below
// leave it unset.
type fakeRunner struct {
	mu       sync.Mutex
	calls    []call
	release  chan struct{}
	gotCall  chan struct{}
	blocking bool
}

type call struct {
	destinationID string
	sourceIDs     []string
	scheduleIDs   []string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{release: make(chan struct{}), gotCall: make(chan struct{}, 8)}
}

func (f *fakeRunner) RunBackup(ctx context.Context, destinationID string, sourceIDs, scheduleIDs []string) error {
	f.mu.Lock()
	f.calls = append(f.calls, call{destinationID, append([]string(nil), sourceIDs...), append([]string(nil), scheduleIDs...)})
	blocking := f.blocking
	f.mu.Unlock()
	f.gotCall <- struct{}{}
	if blocking {
		<-f.release
	}
	return nil
}

func (f *fakeRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestScheduler_Enqueue_CoalescesSameDestination(t *testing.T) {
	runner := newFakeRunner()
	sch := New(nil, nil, nil, runner, nil)

	sch.enqueue(metastore.Schedule{ID: "a", DestinationID: "dst1", SourceIDs: "src1"})
	sch.enqueue(metastore.Schedule{ID: "b", DestinationID: "dst1", SourceIDs: "src2"})
	sch.enqueue(metastore.Schedule{ID: "c", DestinationID: "dst2", SourceIDs: "src3"})

	sch.mu.Lock()
	n := len(sch.pending)
	dst1 := sch.pending["dst1"]
	sch.mu.Unlock()

	if n != 2 {
		t.Fatalf("pending job count = %d, want 2 (one per destination)", n)
	}
	if len(dst1.sourceIDs) != 2 {
		t.Errorf("dst1 sourceIDs = %v, want 2 merged entries", dst1.sourceIDs)
	}
	if len(dst1.scheduleIDs) != 2 {
		t.Errorf("dst1 scheduleIDs = %v, want [a b]", dst1.scheduleIDs)
	}
}

func TestScheduler_DrainQueue_RunsOneJobPerDestination(t *testing.T) {
	runner := newFakeRunner()
	sch := New(nil, nil, nil, runner, nil)

	sch.enqueue(metastore.Schedule{ID: "a", DestinationID: "dst1", SourceIDs: "src1"})
	sch.enqueue(metastore.Schedule{ID: "b", DestinationID: "dst1", SourceIDs: "src2"})

	sch.drainQueue(context.Background())

	if got := runner.callCount(); got != 1 {
		t.Fatalf("RunBackup called %d times, want 1 (coalesced)", got)
	}
}
