package model

import "time"

type EventType string

const (
	EventConnected    EventType = "connected"
	EventStatus       EventType = "status"
	EventProgress     EventType = "progress"
	EventBatchDelay   EventType = "batch_delay"
	EventLimitReached EventType = "limit_reached"
	EventBatchError   EventType = "batch_error"
	EventComplete     EventType = "complete"
	EventError        EventType = "error"
	EventHeartbeat    EventType = "heartbeat"
)

// Event is a progress notification for one job. Type, JobID and Timestamp
// are always set.
type Event struct {
	Type      EventType `json:"type"`
	JobID     string    `json:"jobId"`
	Timestamp time.Time `json:"timestamp"`

	CampaignID  int64      `json:"campaignId,omitempty"`
	Status      string     `json:"status,omitempty"`
	Progress    *int       `json:"progress,omitempty"`
	Processed   *int       `json:"processedLeads,omitempty"`
	Total       *int       `json:"totalLeads,omitempty"`
	PauseCount  int        `json:"pauseCount,omitempty"`
	Message     string     `json:"message,omitempty"`
	Kind        string     `json:"kind,omitempty"`
	LeadID      int64      `json:"leadId,omitempty"`
	Outcome     string     `json:"outcome,omitempty"`
	DelayMs     int64      `json:"delayMs,omitempty"`
	ResetsAt    *time.Time `json:"resetsAt,omitempty"`
	BatchID     string     `json:"batchId,omitempty"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Terminal reports whether the event closes an observation.
func (e Event) Terminal() bool {
	switch e.Type {
	case EventComplete, EventError:
		return true
	}
	return false
}

// IntPtr is a helper for the optional counters of Event.
func IntPtr(v int) *int { return &v }

// Batch is the descriptor carried in the "batch" field of a stream entry.
type Batch struct {
	BatchID    string  `json:"batchId"`
	JobID      string  `json:"jobId,omitempty"`
	CampaignID int64   `json:"campaignId"`
	LeadIDs    []int64 `json:"leadIds"`
	// OwnerID and AccountID are set on acceptance-check batches.
	OwnerID    int64     `json:"ownerId,omitempty"`
	AccountID  int64     `json:"accountId,omitempty"`
	IsRetry    bool      `json:"isRetry"`
	RetryCount int       `json:"retryCount"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// Control is a pause or cancel signal for a running job.
type Control struct {
	JobID  string `json:"jobId"`
	Action string `json:"action"`
}

const (
	ControlPause  = "pause"
	ControlCancel = "cancel"
)
