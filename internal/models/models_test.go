package models

import (
	"testing"
	"time"
)

func TestJobStatus_Terminal(t *testing.T) {
	cases := map[JobStatus]bool{
		JobStatusQueued:        false,
		JobStatusRunning:       false,
		JobStatusInputRequired: false,
		JobStatusSucceeded:     true,
		JobStatusFailed:        true,
		JobStatusCancelled:     true,
	}
	for status, want := range cases {
		if got := status.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", status, got, want)
		}
	}
}

func TestJob_HasLiveLease(t *testing.T) {
	now := time.Now()
	future := now.Add(time.Minute)
	past := now.Add(-time.Minute)

	cases := []struct {
		name string
		job  Job
		want bool
	}{
		{"no lease", Job{}, false},
		{"expired lease", Job{LeaseExpiresAt: &past}, false},
		{"live lease", Job{LeaseExpiresAt: &future}, true},
	}
	for _, c := range cases {
		if got := c.job.HasLiveLease(now); got != c.want {
			t.Errorf("%s: HasLiveLease() = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestEnsemble_SuccessCount(t *testing.T) {
	e := Ensemble{Results: []AgentResult{
		{AgentID: "a1"},
		{AgentID: "a2", Error: "timeout"},
		{AgentID: "a3"},
	}}
	if got := e.SuccessCount(); got != 2 {
		t.Errorf("SuccessCount() = %d, want 2", got)
	}
}

func TestEnsemble_SuccessCount_Empty(t *testing.T) {
	if got := (Ensemble{}).SuccessCount(); got != 0 {
		t.Errorf("SuccessCount() = %d, want 0", got)
	}
}

func TestCacheEntry_Expired(t *testing.T) {
	now := time.Now()

	cases := []struct {
		name  string
		entry CacheEntry
		want  bool
	}{
		{"no ttl never expires", CacheEntry{InsertedAt: now.Add(-time.Hour), TTL: 0}, false},
		{"within ttl", CacheEntry{InsertedAt: now, TTL: time.Hour}, false},
		{"past ttl", CacheEntry{InsertedAt: now.Add(-2 * time.Hour), TTL: time.Hour}, true},
	}
	for _, c := range cases {
		if got := c.entry.Expired(now); got != c.want {
			t.Errorf("%s: Expired() = %v, want %v", c.name, got, c.want)
		}
	}
}
