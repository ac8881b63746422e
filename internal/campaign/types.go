package campaign

import (
	"fmt"
	"sort"
	"time"
)

type Status string

const (
	StatusDraft     Status = "draft"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
)

type ProcessingStatus string

const (
	ProcessingPending   ProcessingStatus = "pending"
	ProcessingCompleted ProcessingStatus = "completed"
	ProcessingError     ProcessingStatus = "error"
)

type InviteStatus string

const (
	InvitePending  InviteStatus = "pending"
	InviteSent     InviteStatus = "sent"
	InviteAccepted InviteStatus = "accepted"
	InviteRejected InviteStatus = "rejected"
	InviteFailed   InviteStatus = "failed"
)

// Final reports whether no further invite attempt is expected for the lead.
func (s InviteStatus) Final() bool {
	return s != InvitePending
}

type MessageStatus string

const (
	MessageDraft MessageStatus = "draft"
	MessageSent  MessageStatus = "sent"
)

type Campaign struct {
	ID        int64     `json:"id"         db:"id"`
	OwnerID   int64     `json:"owner_id"   db:"owner_id"`
	Name      string    `json:"name"       db:"name"`
	Status    Status    `json:"status"     db:"status"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type Lead struct {
	ID               int64            `json:"id"                 db:"id"`
	CampaignID       int64            `json:"campaign_id"        db:"campaign_id"`
	OwnerID          int64            `json:"owner_id"           db:"owner_id"`
	ProfileURL       string           `json:"profile_url"        db:"profile_url"`
	FullName         string           `json:"full_name"          db:"full_name"`
	Title            string           `json:"title"              db:"title"`
	Company          string           `json:"company"            db:"company"`
	PictureURL       string           `json:"picture_url"        db:"picture_url"`
	ProcessingStatus ProcessingStatus `json:"processing_status"  db:"processing_status"`
	InviteStatus     InviteStatus     `json:"invite_status"      db:"invite_status"`
	InviteSent       bool             `json:"invite_sent"        db:"invite_sent"`
	InviteSentAt     *time.Time       `json:"invite_sent_at"     db:"invite_sent_at"`
	InviteFailedAt   *time.Time       `json:"invite_failed_at"   db:"invite_failed_at"`
	InviteRetryCount int              `json:"invite_retry_count" db:"invite_retry_count"`
	HasMessage       bool             `json:"has_message"        db:"has_message"`
	CreatedAt        time.Time        `json:"created_at"         db:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"         db:"updated_at"`
}

// Validate checks the (invite_sent, invite_status) pairing.
func (l Lead) Validate() error {
	switch {
	case l.InviteSent && l.InviteStatus != InviteSent && l.InviteStatus != InviteAccepted && l.InviteStatus != InviteRejected:
		return fmt.Errorf("lead %d: invite_sent with status %q", l.ID, l.InviteStatus)
	case !l.InviteSent && l.InviteStatus != InvitePending && l.InviteStatus != InviteFailed:
		return fmt.Errorf("lead %d: status %q without invite_sent", l.ID, l.InviteStatus)
	}
	return nil
}

// NeedsInvite reports whether the invite stage still has work for the lead.
func (l Lead) NeedsInvite() bool {
	return l.ProcessingStatus == ProcessingCompleted && l.InviteStatus == InvitePending && !l.InviteSent
}

// NeedsMessage reports whether the message-generation stage still has work for the lead.
func (l Lead) NeedsMessage() bool {
	return !l.HasMessage && l.ProcessingStatus == ProcessingPending
}

func (l *Lead) MarkInvited(status InviteStatus, at time.Time) {
	l.InviteStatus = status
	l.InviteSent = true
	t := at
	l.InviteSentAt = &t
	l.UpdatedAt = at
}

// MarkInviteFailed records a failed attempt. The lead becomes failed once
// retries reach maxRetries, otherwise it stays pending for another attempt.
func (l *Lead) MarkInviteFailed(at time.Time, maxRetries int) {
	l.InviteRetryCount++
	l.InviteSent = false
	t := at
	l.InviteFailedAt = &t
	if l.InviteRetryCount >= maxRetries {
		l.InviteStatus = InviteFailed
	} else {
		l.InviteStatus = InvitePending
	}
	l.UpdatedAt = at
}

func (l *Lead) MarkAccepted(at time.Time) {
	l.InviteStatus = InviteAccepted
	l.InviteSent = true
	l.UpdatedAt = at
}

type Post struct {
	ID       int64     `json:"id"        db:"id"`
	LeadID   int64     `json:"lead_id"   db:"lead_id"`
	OwnerID  int64     `json:"owner_id"  db:"owner_id"`
	Text     string    `json:"text"      db:"text"`
	PostedAt time.Time `json:"posted_at" db:"posted_at"`
	Likes    int       `json:"likes"     db:"likes"`
	Comments int       `json:"comments"  db:"comments"`
	Shares   int       `json:"shares"    db:"shares"`
}

func (p Post) Engagement() int {
	return p.Likes + 2*p.Comments + 3*p.Shares
}

// TopPosts returns up to n posts ordered by engagement, newest first on ties.
func TopPosts(posts []Post, n int) []Post {
	out := make([]Post, len(posts))
	copy(out, posts)
	sort.SliceStable(out, func(i, j int) bool {
		ei, ej := out[i].Engagement(), out[j].Engagement()
		if ei != ej {
			return ei > ej
		}
		return out[i].PostedAt.After(out[j].PostedAt)
	})
	if n >= 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

type Message struct {
	ID         int64         `json:"id"          db:"id"`
	LeadID     int64         `json:"lead_id"     db:"lead_id"`
	CampaignID int64         `json:"campaign_id" db:"campaign_id"`
	Content    string        `json:"content"     db:"content"`
	Model      string        `json:"model"       db:"model"`
	PromptTag  string        `json:"prompt_tag"  db:"prompt_tag"`
	Status     MessageStatus `json:"status"      db:"status"`
	CreatedAt  time.Time     `json:"created_at"  db:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"  db:"updated_at"`
}

type AccountSession struct {
	ID          int64     `json:"id"           db:"id"`
	OperatorID  int64     `json:"operator_id"  db:"operator_id"`
	Email       string    `json:"email"        db:"email"`
	IsActive    bool      `json:"is_active"    db:"is_active"`
	DailyLimit  int       `json:"daily_limit"  db:"daily_limit"`
	SessionBlob string    `json:"-"            db:"session_blob"`
	CreatedAt   time.Time `json:"created_at"   db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"   db:"updated_at"`
}

type DailyCounter struct {
	AccountID       int64     `json:"account_id"       db:"account_id"`
	Date            string    `json:"date"             db:"day"`
	InvitesSent     int       `json:"invites_sent"     db:"invites_sent"`
	ChecksPerformed int       `json:"checks_performed" db:"checks_performed"`
	Limit           int       `json:"limit"            db:"invite_limit"`
	UpdatedAt       time.Time `json:"updated_at"       db:"updated_at"`
}

// Stats summarizes a campaign's leads.
type Stats struct {
	Total           int `json:"total"`
	Pending         int `json:"pending"`
	Sent            int `json:"sent"`
	Accepted        int `json:"accepted"`
	Rejected        int `json:"rejected"`
	Failed          int `json:"failed"`
	NeedingMessages int `json:"needing_messages"`
	WithMessages    int `json:"with_messages"`
}

func Summarize(leads []Lead) Stats {
	var st Stats
	for _, l := range leads {
		st.Total++
		switch l.InviteStatus {
		case InvitePending:
			st.Pending++
		case InviteSent:
			st.Sent++
		case InviteAccepted:
			st.Accepted++
		case InviteRejected:
			st.Rejected++
		case InviteFailed:
			st.Failed++
		}
		if l.HasMessage {
			st.WithMessages++
		} else if l.NeedsMessage() {
			st.NeedingMessages++
		}
	}
	return st
}

// DeriveStatus computes a campaign status from its leads; client input is never trusted.
func DeriveStatus(st Stats, jobInFlight bool) Status {
	if jobInFlight {
		return StatusActive
	}
	if st.Total == 0 {
		return StatusDraft
	}
	touched := st.Total - st.Pending
	switch {
	case st.Pending == 0:
		return StatusCompleted
	case touched > 0:
		return StatusActive
	default:
		return StatusDraft
	}
}
