package jobstore

import (
	"errors"
	"math"
	"reflect"
	"testing"
	"time"

	"github.com/cnk113/cacoa/internal/clusterfree"
	"github.com/cnk113/cacoa/internal/sparse"
)

func newTestStore(now *time.Time) *Store {
	s := NewStore()
	s.now = func() time.Time { return *now }
	return s
}

func mustCreate(t *testing.T, s *Store, job *Job) {
	t.Helper()
	if err := s.CreateJob(job); err != nil {
		t.Fatalf("CreateJob(%s) failed: %v", job.ID, err)
	}
}

func TestStore_Lifecycle(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s := newTestStore(&now)

	job := &Job{ID: "a1", DatasetID: "pbmc", Kind: KindShift, Status: JobStatusQueued, CreatedAt: now}
	mustCreate(t, s, job)
	if err := s.CreateJob(job); err == nil {
		t.Error("expected error for duplicate id")
	}

	got := s.GetJob("a1")
	if got == nil || got.Status != JobStatusQueued {
		t.Fatalf("expected queued job, got %+v", got)
	}

	// Snapshots are independent of the stored job.
	got.Status = JobStatusFailed
	if s.GetJob("a1").Status != JobStatusQueued {
		t.Error("modifying a snapshot changed the stored job")
	}

	now = now.Add(time.Second)
	if err := s.UpdateJobStarted("a1"); err != nil {
		t.Fatalf("UpdateJobStarted failed: %v", err)
	}
	if err := s.UpdateJobProgress("a1", "scoring", 5, 10); err != nil {
		t.Fatalf("UpdateJobProgress failed: %v", err)
	}
	got = s.GetJob("a1")
	if got.Status != JobStatusRunning {
		t.Errorf("expected running, got %s", got.Status)
	}
	if want := (JobProgress{Phase: "scoring", Done: 5, Total: 10}); got.Progress != want {
		t.Errorf("progress = %+v, want %+v", got.Progress, want)
	}
	if got.StartedAt == nil || got.FinishedAt != nil {
		t.Errorf("unexpected times: started %v finished %v", got.StartedAt, got.FinishedAt)
	}

	now = now.Add(time.Second)
	if err := s.UpdateJobStatus("a1", JobStatusCompleted, ""); err != nil {
		t.Fatalf("UpdateJobStatus failed: %v", err)
	}
	got = s.GetJob("a1")
	if got.FinishedAt == nil || !got.FinishedAt.Equal(now) {
		t.Errorf("FinishedAt = %v, want %v", got.FinishedAt, now)
	}

	if err := s.UpdateJobStatus("missing", JobStatusFailed, "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if s.GetJob("missing") != nil {
		t.Error("expected nil for unknown job")
	}
}

func TestStore_Transitions(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s := newTestStore(&now)
	mustCreate(t, s, &Job{ID: "c", Kind: KindZScore, Status: JobStatusQueued})
	mustCreate(t, s, &Job{ID: "r", Kind: KindZScore, Status: JobStatusQueued})

	if err := s.UpdateJobStatus("c", JobStatusCancelled, "cancelled before start"); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if err := s.UpdateJobStarted("c"); !errors.Is(err, ErrNotQueued) {
		t.Errorf("starting a cancelled job: expected ErrNotQueued, got %v", err)
	}
	if err := s.UpdateJobStatus("c", JobStatusCompleted, ""); !errors.Is(err, ErrFinished) {
		t.Errorf("completing a cancelled job: expected ErrFinished, got %v", err)
	}
	if got := s.GetJob("c"); got.Status != JobStatusCancelled || got.StartedAt != nil {
		t.Errorf("cancelled job changed: %+v", got)
	}

	if err := s.UpdateJobStarted("r"); err != nil {
		t.Fatalf("UpdateJobStarted failed: %v", err)
	}
	if err := s.UpdateJobStarted("r"); !errors.Is(err, ErrNotQueued) {
		t.Errorf("starting a running job twice: expected ErrNotQueued, got %v", err)
	}
	if err := s.UpdateJobStarted("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_Results(t *testing.T) {
	now := time.Now()
	s := newTestStore(&now)
	mustCreate(t, s, &Job{ID: "z", Kind: KindZScore})
	mustCreate(t, s, &Job{ID: "s", Kind: KindShift})

	m, err := sparse.FromTriplets(2, 2, []sparse.Triplet{
		{Row: 0, Col: 0, Val: 1.5},
		{Row: 1, Col: 1, Val: math.NaN()},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SetResult("z", &Result{ZScores: m}); err != nil {
		t.Fatal(err)
	}
	if err := s.SetResult("s", &Result{Shifts: &clusterfree.ShiftResult{Scores: []float64{1, math.NaN(), math.NaN()}}}); err != nil {
		t.Fatal(err)
	}

	if z := s.GetJob("z"); z.NNZ != 2 || z.NaNCount != 1 {
		t.Errorf("z-score summary: nnz %d nan %d, want 2 and 1", z.NNZ, z.NaNCount)
	}
	if sh := s.GetJob("s"); sh.NNZ != 3 || sh.NaNCount != 2 {
		t.Errorf("shift summary: nnz %d nan %d, want 3 and 2", sh.NNZ, sh.NaNCount)
	}

	if s.GetResult("z").ZScores != m {
		t.Error("GetResult returned a different matrix")
	}
	if s.GetResult("missing") != nil {
		t.Error("expected nil result for unknown job")
	}
	if err := s.SetResult("missing", &Result{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_ListAndExpire(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := newTestStore(&now)

	for i, id := range []string{"old", "mid", "new"} {
		mustCreate(t, s, &Job{
			ID:        id,
			DatasetID: "d",
			Status:    JobStatusQueued,
			CreatedAt: now.Add(time.Duration(i) * time.Minute),
		})
	}
	mustCreate(t, s, &Job{ID: "other", DatasetID: "e", Status: JobStatusQueued, CreatedAt: now})

	ids := func(jobs []*Job) []string {
		var out []string
		for _, j := range jobs {
			out = append(out, j.ID)
		}
		return out
	}
	if got, want := ids(s.ListJobsByDataset("d")), []string{"new", "mid", "old"}; !reflect.DeepEqual(got, want) {
		t.Errorf("ListJobsByDataset = %v, want %v", got, want)
	}
	if n := len(s.ListQueuedJobs()); n != 4 {
		t.Errorf("expected 4 queued jobs, got %d", n)
	}

	if err := s.UpdateJobStatus("old", JobStatusCompleted, ""); err != nil {
		t.Fatal(err)
	}
	now = now.Add(2 * time.Hour)
	if err := s.UpdateJobStatus("mid", JobStatusFailed, "boom"); err != nil {
		t.Fatal(err)
	}

	if got := s.DeleteExpiredJobs(time.Hour); !reflect.DeepEqual(got, []string{"old"}) {
		t.Errorf("DeleteExpiredJobs = %v, want [old]", got)
	}
	if s.GetJob("old") != nil {
		t.Error("expired job still present")
	}
	if s.GetJob("mid") == nil {
		t.Error("recent job was removed")
	}
	if n := len(s.ListQueuedJobs()); n != 2 {
		t.Errorf("expected 2 queued jobs, got %d", n)
	}

	if err := s.DeleteJob("mid"); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteJob("mid"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestJobStatus_Terminal(t *testing.T) {
	tests := map[JobStatus]bool{
		JobStatusQueued:    false,
		JobStatusRunning:   false,
		JobStatusCompleted: true,
		JobStatusFailed:    true,
		JobStatusCancelled: true,
	}
	for status, want := range tests {
		if got := status.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", status, got, want)
		}
	}
}
