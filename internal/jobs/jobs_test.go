package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

// ----------------------------------------------------------------------------
// Runner Tests
// ----------------------------------------------------------------------------

func waitForState(t *testing.T, r *Runner, id uuid.UUID, want State) Job {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if j, ok := r.Status(id); ok && j.State == want {
			return j
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never reached state %s", id, want)
	return Job{}
}

func TestSubmitAndSucceed(t *testing.T) {
	r := NewRunner(2)
	id, err := r.Submit(context.Background(), KindPopulate, "Plate:1", func(ctx context.Context) (map[string]int, error) {
		return map[string]int{"rows": 7}, nil
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	job := waitForState(t, r, id, StateSucceeded)
	if job.Kind != KindPopulate || job.Target != "Plate:1" {
		t.Errorf("job = %+v, want populate on Plate:1", job)
	}
	if job.Counts["rows"] != 7 {
		t.Errorf("counts = %v, want rows=7", job.Counts)
	}
	if job.Error != "" {
		t.Errorf("error = %q, want empty", job.Error)
	}
	if job.Finished.Before(job.Started) {
		t.Error("finished before started")
	}
}

func TestSubmitFailureRecordsError(t *testing.T) {
	r := NewRunner(1)
	id, err := r.Submit(context.Background(), KindDelete, "Screen:3", func(ctx context.Context) (map[string]int, error) {
		return nil, errors.New("remote session lost")
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	job := waitForState(t, r, id, StateFailed)
	if job.Error != "remote session lost" {
		t.Errorf("error = %q", job.Error)
	}
}

func TestSubmitRejectsWhenFull(t *testing.T) {
	r := NewRunner(1)
	release := make(chan struct{})
	_, err := r.Submit(context.Background(), KindAnnotate, "Plate:1", func(ctx context.Context) (map[string]int, error) {
		<-release
		return nil, nil
	})
	if err != nil {
		t.Fatalf("first Submit: %v", err)
	}

	_, err = r.Submit(context.Background(), KindAnnotate, "Plate:2", func(ctx context.Context) (map[string]int, error) {
		return nil, nil
	})
	if !errors.Is(err, ErrTooManyJobs) {
		t.Fatalf("second Submit err = %v, want ErrTooManyJobs", err)
	}

	close(release)
	if err := r.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	// Slot freed, submissions now rejected for draining instead.
	_, err = r.Submit(context.Background(), KindAnnotate, "Plate:3", func(ctx context.Context) (map[string]int, error) {
		return nil, nil
	})
	if !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("post-shutdown Submit err = %v, want ErrShuttingDown", err)
	}
}

func TestStatusUnknownJob(t *testing.T) {
	r := NewRunner(1)
	id, err := r.Submit(context.Background(), KindPopulate, "Dataset:5", func(ctx context.Context) (map[string]int, error) {
		return nil, nil
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitForState(t, r, id, StateSucceeded)

	if _, ok := r.Status(id); !ok {
		t.Error("known job not found")
	}
	if _, ok := r.Status(uuid.New()); ok {
		t.Error("unknown job reported found")
	}
}

func TestListOrder(t *testing.T) {
	r := NewRunner(4)
	targets := []string{"Plate:1", "Plate:2", "Plate:3"}
	for _, tgt := range targets {
		if _, err := r.Submit(context.Background(), KindPopulate, tgt, func(ctx context.Context) (map[string]int, error) {
			return nil, nil
		}); err != nil {
			t.Fatalf("Submit %s: %v", tgt, err)
		}
	}
	if err := r.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	jobs := r.List()
	if len(jobs) != 3 {
		t.Fatalf("len(List) = %d, want 3", len(jobs))
	}
	for i, j := range jobs {
		if j.Target != targets[i] {
			t.Errorf("List[%d].Target = %s, want %s", i, j.Target, targets[i])
		}
	}
}
