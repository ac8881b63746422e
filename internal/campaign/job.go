package campaign

import "time"

type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobPaused     JobStatus = "paused"
	JobCompleted  JobStatus = "completed"
	JobCancelled  JobStatus = "cancelled"
	JobFailed     JobStatus = "failed"
	JobTimeout    JobStatus = "timeout"
)

// JobTimeoutAfter is how long a job may stay in processing before the
// supervisor moves it to timeout.
const JobTimeoutAfter = 2 * time.Hour

var jobTransitions = map[JobStatus][]JobStatus{
	JobQueued:     {JobProcessing, JobCancelled, JobFailed},
	JobProcessing: {JobPaused, JobCompleted, JobFailed, JobCancelled, JobTimeout},
	JobPaused:     {JobQueued, JobCancelled},
}

// Terminal reports whether the status is a sink.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobCancelled, JobFailed, JobTimeout:
		return true
	}
	return false
}

// InFlight reports whether the status counts toward the one-job-per-operator rule.
func (s JobStatus) InFlight() bool {
	return s == JobQueued || s == JobProcessing
}

func (s JobStatus) CanTransition(to JobStatus) bool {
	for _, allowed := range jobTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// SourcesFor lists every status that may move to the given target.
func SourcesFor(to JobStatus) []JobStatus {
	var out []JobStatus
	for _, from := range []JobStatus{JobQueued, JobProcessing, JobPaused} {
		if from.CanTransition(to) {
			out = append(out, from)
		}
	}
	return out
}

type Job struct {
	ID             string     `json:"id"               db:"id"`
	CampaignID     int64      `json:"campaign_id"      db:"campaign_id"`
	OwnerID        int64      `json:"owner_id"         db:"owner_id"`
	AccountID      int64      `json:"account_id"       db:"account_id"`
	CustomMessage  string     `json:"custom_message"   db:"custom_message"`
	Status         JobStatus  `json:"status"           db:"status"`
	TotalLeads     int        `json:"total_leads"      db:"total_leads"`
	ProcessedLeads int        `json:"processed_leads"  db:"processed_leads"`
	Progress       int        `json:"progress"         db:"progress"`
	PauseCount     int        `json:"pause_count"      db:"pause_count"`
	ErrorMessage   string     `json:"error_message"    db:"error_message"`
	CreatedAt      time.Time  `json:"created_at"       db:"created_at"`
	StartedAt      *time.Time `json:"started_at"       db:"started_at"`
	PausedAt       *time.Time `json:"paused_at"        db:"paused_at"`
	ResumedAt      *time.Time `json:"resumed_at"       db:"resumed_at"`
	CompletedAt    *time.Time `json:"completed_at"     db:"completed_at"`
}

func ProgressOf(processed, total int) int {
	if total <= 0 {
		return 0
	}
	if processed > total {
		processed = total
	}
	return 100 * processed / total
}

// AddProcessed bumps the processed counter without exceeding the total.
func (j *Job) AddProcessed(n int) {
	if n <= 0 {
		return
	}
	j.ProcessedLeads += n
	if j.ProcessedLeads > j.TotalLeads {
		j.ProcessedLeads = j.TotalLeads
	}
	j.Progress = ProgressOf(j.ProcessedLeads, j.TotalLeads)
}

// TimedOut reports whether a processing job has outlived its window.
func (j Job) TimedOut(now time.Time) bool {
	return j.Status == JobProcessing && j.StartedAt != nil && now.Sub(*j.StartedAt) > JobTimeoutAfter
}

// Apply moves the job to status "to" and stamps the matching timestamp. It
// does not validate the transition.
func (j *Job) Apply(to JobStatus, at time.Time, errMsg string) {
	t := at
	switch to {
	case JobProcessing:
		if j.StartedAt == nil {
			j.StartedAt = &t
		}
	case JobPaused:
		j.PausedAt = &t
		j.PauseCount++
	case JobQueued:
		j.ResumedAt = &t
	default:
		if to.Terminal() {
			j.CompletedAt = &t
		}
	}
	if errMsg != "" {
		j.ErrorMessage = errMsg
	}
	j.Status = to
}
