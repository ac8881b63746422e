package campaign

import (
	"testing"
	"time"
)

func TestJobStatus_TerminalStatesAreSinks(t *testing.T) {
	all := []JobStatus{JobQueued, JobProcessing, JobPaused, JobCompleted, JobCancelled, JobFailed, JobTimeout}
	for _, from := range all {
		if !from.Terminal() {
			continue
		}
		for _, to := range all {
			if from.CanTransition(to) {
				t.Fatalf("terminal %s must not transition to %s", from, to)
			}
		}
	}
}

func TestJobStatus_Transitions(t *testing.T) {
	cases := []struct {
		from, to JobStatus
		ok       bool
	}{
		{JobQueued, JobProcessing, true},
		{JobQueued, JobPaused, false},
		{JobProcessing, JobPaused, true},
		{JobProcessing, JobTimeout, true},
		{JobPaused, JobQueued, true},
		{JobPaused, JobProcessing, false},
		{JobPaused, JobCancelled, true},
		{JobCancelled, JobQueued, false},
	}
	for _, c := range cases {
		if got := c.from.CanTransition(c.to); got != c.ok {
			t.Errorf("%s -> %s: got %v, want %v", c.from, c.to, got, c.ok)
		}
	}
}

func TestSourcesFor(t *testing.T) {
	got := SourcesFor(JobCancelled)
	if len(got) != 3 {
		t.Fatalf("want queued, processing, paused; got %v", got)
	}
}

func TestJob_AddProcessedIsBounded(t *testing.T) {
	j := Job{TotalLeads: 3}
	j.AddProcessed(2)
	if j.Progress != 66 {
		t.Fatalf("progress=%d", j.Progress)
	}
	j.AddProcessed(5)
	if j.ProcessedLeads != 3 || j.Progress != 100 {
		t.Fatalf("processed=%d progress=%d", j.ProcessedLeads, j.Progress)
	}
	j.AddProcessed(-1)
	if j.ProcessedLeads != 3 {
		t.Fatalf("negative delta changed counter")
	}
}

func TestJob_TimedOut(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	started := now.Add(-2*time.Hour - 10*time.Minute)
	j := Job{Status: JobProcessing, StartedAt: &started}
	if !j.TimedOut(now) {
		t.Fatal("expected timeout")
	}
	j.Status = JobPaused
	if j.TimedOut(now) {
		t.Fatal("paused jobs are not supervised")
	}
}

func TestJob_ApplyStampsTimestamps(t *testing.T) {
	at := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	j := Job{Status: JobQueued}
	j.Apply(JobProcessing, at, "")
	j.Apply(JobPaused, at.Add(time.Minute), "")
	j.Apply(JobQueued, at.Add(2*time.Minute), "")
	j.Apply(JobProcessing, at.Add(3*time.Minute), "")
	if !j.StartedAt.Equal(at) {
		t.Fatalf("startedAt overwritten: %v", j.StartedAt)
	}
	if j.PauseCount != 1 || j.ResumedAt == nil {
		t.Fatalf("pause bookkeeping: %+v", j)
	}
	j.Apply(JobCancelled, at.Add(4*time.Minute), "")
	if j.CompletedAt == nil || !j.Status.Terminal() {
		t.Fatalf("cancel bookkeeping: %+v", j)
	}
}
