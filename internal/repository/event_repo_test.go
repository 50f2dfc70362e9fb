package repository

import (
	"context"
	"testing"
	"time"

	"github.com/deepresearch/orchestrator/internal/models"
)

func TestJobEventRepository_AppendAndList(t *testing.T) {
	repos := setupTestRepos(t)
	ctx := context.Background()

	job := newTestJob()
	if err := repos.Job.Create(ctx, job); err != nil {
		t.Fatalf("Create(job) error = %v", err)
	}

	for i := 1; i <= 3; i++ {
		seq, err := repos.JobEvent.NextSeq(ctx, job.ID)
		if err != nil {
			t.Fatalf("NextSeq() error = %v", err)
		}
		if seq != int64(i) {
			t.Errorf("NextSeq() = %d, want %d", seq, i)
		}
		event := &models.JobEvent{
			JobID:   job.ID,
			Seq:     seq,
			Type:    models.EventProgress,
			Payload: `{"progress":10}`,
			TS:      time.Now().UTC(),
		}
		if err := repos.JobEvent.Append(ctx, event); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	events, err := repos.JobEvent.List(ctx, job.ID, 0, 100)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("List() returned %d events, want 3", len(events))
	}
	for i, e := range events {
		if e.Seq != int64(i+1) {
			t.Errorf("events[%d].Seq = %d, want %d", i, e.Seq, i+1)
		}
	}

	sinceTwo, err := repos.JobEvent.List(ctx, job.ID, 2, 100)
	if err != nil {
		t.Fatalf("List(sinceSeq=2) error = %v", err)
	}
	if len(sinceTwo) != 1 || sinceTwo[0].Seq != 3 {
		t.Errorf("List(sinceSeq=2) = %v, want a single seq-3 event", sinceTwo)
	}
}

func TestJobEventRepository_DeleteByJobIDs(t *testing.T) {
	repos := setupTestRepos(t)
	ctx := context.Background()

	job := newTestJob()
	if err := repos.Job.Create(ctx, job); err != nil {
		t.Fatalf("Create(job) error = %v", err)
	}
	if err := repos.JobEvent.Append(ctx, &models.JobEvent{
		JobID: job.ID, Seq: 1, Type: models.EventProgress, Payload: "{}", TS: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	if err := repos.JobEvent.DeleteByJobIDs(ctx, []string{job.ID}); err != nil {
		t.Fatalf("DeleteByJobIDs() error = %v", err)
	}

	events, err := repos.JobEvent.List(ctx, job.ID, 0, 100)
	if err != nil {
		t.Fatalf("List() after delete error = %v", err)
	}
	if len(events) != 0 {
		t.Errorf("List() after delete = %d events, want 0", len(events))
	}
}
