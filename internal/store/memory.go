package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Mutter0815/InviteFlow/internal/campaign"
)

// Memory is an in-process implementation of the store used by the dev
// profile and by engine tests. It applies the same guards as the SQL
// statements.
type Memory struct {
	mu       sync.Mutex
	seq      int64
	camps    map[int64]campaign.Campaign
	leads    map[int64]campaign.Lead
	posts    map[int64][]campaign.Post
	messages map[[2]int64]campaign.Message
	jobs     map[string]campaign.Job
	counters map[counterKey]campaign.DailyCounter
	sessions map[int64]campaign.AccountSession
}

type counterKey struct {
	account int64
	day     string
}

func NewMemory() *Memory {
	return &Memory{
		camps:    map[int64]campaign.Campaign{},
		leads:    map[int64]campaign.Lead{},
		posts:    map[int64][]campaign.Post{},
		messages: map[[2]int64]campaign.Message{},
		jobs:     map[string]campaign.Job{},
		counters: map[counterKey]campaign.DailyCounter{},
		sessions: map[int64]campaign.AccountSession{},
	}
}

func (m *Memory) next() int64 {
	m.seq++
	return m.seq
}

func (m *Memory) InsertCampaign(_ context.Context, ownerID int64, name string) (campaign.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	c := campaign.Campaign{ID: m.next(), OwnerID: ownerID, Name: name, Status: campaign.StatusDraft, CreatedAt: now, UpdatedAt: now}
	m.camps[c.ID] = c
	return c, nil
}

func (m *Memory) GetCampaign(_ context.Context, ownerID, id int64) (campaign.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.camps[id]
	if !ok || c.OwnerID != ownerID {
		return campaign.Campaign{}, ErrNotFound
	}
	return c, nil
}

func (m *Memory) ListCampaigns(_ context.Context, ownerID int64) ([]campaign.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []campaign.Campaign
	for _, c := range m.camps {
		if c.OwnerID == ownerID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (m *Memory) UpdateCampaignStatus(_ context.Context, id int64, status campaign.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.camps[id]; ok {
		c.Status = status
		c.UpdatedAt = time.Now().UTC()
		m.camps[id] = c
	}
	return nil
}

func (m *Memory) InsertLeads(_ context.Context, campaignID, ownerID int64, leads []campaign.Lead) ([]campaign.Lead, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[string]bool{}
	for _, l := range m.leads {
		if l.CampaignID == campaignID {
			seen[l.ProfileURL] = true
		}
	}
	now := time.Now().UTC()
	var out []campaign.Lead
	for _, l := range leads {
		if seen[l.ProfileURL] {
			continue
		}
		seen[l.ProfileURL] = true
		l.ID = m.next()
		l.CampaignID = campaignID
		l.OwnerID = ownerID
		if l.ProcessingStatus == "" {
			l.ProcessingStatus = campaign.ProcessingPending
		}
		if l.InviteStatus == "" {
			l.InviteStatus = campaign.InvitePending
		}
		l.CreatedAt, l.UpdatedAt = now, now
		m.leads[l.ID] = l
		out = append(out, l)
	}
	return out, nil
}

func (m *Memory) filterLeads(keep func(campaign.Lead) bool) []campaign.Lead {
	var out []campaign.Lead
	for _, l := range m.leads {
		if keep(l) {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Memory) ListLeads(_ context.Context, campaignID int64) ([]campaign.Lead, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.filterLeads(func(l campaign.Lead) bool { return l.CampaignID == campaignID }), nil
}

func (m *Memory) GetLead(_ context.Context, id int64) (campaign.Lead, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.leads[id]
	if !ok {
		return campaign.Lead{}, ErrNotFound
	}
	return l, nil
}

func (m *Memory) GetLeads(_ context.Context, ids []int64) ([]campaign.Lead, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := map[int64]bool{}
	for _, id := range ids {
		want[id] = true
	}
	return m.filterLeads(func(l campaign.Lead) bool { return want[l.ID] }), nil
}

func (m *Memory) ListInviteEligible(_ context.Context, campaignID int64) ([]campaign.Lead, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.filterLeads(func(l campaign.Lead) bool { return l.CampaignID == campaignID && l.NeedsInvite() }), nil
}

func (m *Memory) ListLeadsNeedingMessages(_ context.Context, campaignID int64) ([]campaign.Lead, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.filterLeads(func(l campaign.Lead) bool { return l.CampaignID == campaignID && l.NeedsMessage() }), nil
}

func (m *Memory) ListSentLeads(_ context.Context, ownerID int64) ([]campaign.Lead, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.filterLeads(func(l campaign.Lead) bool {
		return l.OwnerID == ownerID && l.InviteStatus == campaign.InviteSent
	}), nil
}

func (m *Memory) UpdateLeadInvites(_ context.Context, status campaign.InviteStatus, ids []int64, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, id := range ids {
		l, ok := m.leads[id]
		if !ok {
			continue
		}
		switch status {
		case campaign.InviteSent, campaign.InviteAccepted, campaign.InviteRejected:
			if l.InviteSentAt == nil {
				t := at
				l.InviteSentAt = &t
			}
			l.InviteSent = true
		default:
			l.InviteSent = false
		}
		l.InviteStatus = status
		l.UpdatedAt = at
		m.leads[id] = l
		n++
	}
	return n, nil
}

func (m *Memory) RecordInviteFailures(_ context.Context, ids []int64, maxRetries int, at time.Time) ([]LeadRetry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []LeadRetry
	for _, id := range ids {
		l, ok := m.leads[id]
		if !ok {
			continue
		}
		l.MarkInviteFailed(at, maxRetries)
		m.leads[id] = l
		out = append(out, LeadRetry{ID: id, RetryCount: l.InviteRetryCount, InviteStatus: l.InviteStatus})
	}
	return out, nil
}

func (m *Memory) UpdateLeadProcessing(_ context.Context, status campaign.ProcessingStatus, ids []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		if l, ok := m.leads[id]; ok {
			l.ProcessingStatus = status
			m.leads[id] = l
		}
	}
	return nil
}

func (m *Memory) ListPosts(_ context.Context, leadID int64) ([]campaign.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]campaign.Post(nil), m.posts[leadID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].PostedAt.After(out[j].PostedAt) })
	return out, nil
}

func (m *Memory) InsertPosts(_ context.Context, posts []campaign.Post) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range posts {
		p.ID = m.next()
		m.posts[p.LeadID] = append(m.posts[p.LeadID], p)
	}
	return nil
}

func (m *Memory) SaveDrafts(_ context.Context, drafts []campaign.Message, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := at.UTC()
	for _, d := range drafts {
		k := [2]int64{d.LeadID, d.CampaignID}
		cur, ok := m.messages[k]
		switch {
		case !ok:
			d.ID = m.next()
			d.Status = campaign.MessageDraft
			d.CreatedAt, d.UpdatedAt = now, now
			m.messages[k] = d
		case cur.Status == campaign.MessageDraft:
			cur.Content, cur.Model, cur.PromptTag, cur.UpdatedAt = d.Content, d.Model, d.PromptTag, now
			m.messages[k] = cur
		}
		if l, ok := m.leads[d.LeadID]; ok {
			l.HasMessage = true
			l.ProcessingStatus = campaign.ProcessingCompleted
			l.UpdatedAt = now
			m.leads[d.LeadID] = l
		}
	}
	return nil
}

func (m *Memory) GetMessage(_ context.Context, leadID, campaignID int64) (campaign.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[[2]int64{leadID, campaignID}]
	if !ok {
		return campaign.Message{}, ErrNotFound
	}
	return msg, nil
}

func (m *Memory) ListMessages(_ context.Context, campaignID int64) ([]campaign.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []campaign.Message
	for k, msg := range m.messages {
		if k[1] == campaignID {
			out = append(out, msg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LeadID < out[j].LeadID })
	return out, nil
}

func (m *Memory) MarkMessagesSent(_ context.Context, campaignID int64, leadIDs []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range leadIDs {
		k := [2]int64{id, campaignID}
		if msg, ok := m.messages[k]; ok {
			msg.Status = campaign.MessageSent
			m.messages[k] = msg
		}
	}
	return nil
}

func (m *Memory) inFlight(ownerID int64) (campaign.Job, bool) {
	for _, j := range m.jobs {
		if j.OwnerID == ownerID && j.Status.InFlight() {
			return j, true
		}
	}
	return campaign.Job{}, false
}

func (m *Memory) CreateJobIfIdle(_ context.Context, j campaign.Job) (campaign.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.inFlight(j.OwnerID); ok {
		return cur, ErrJobInFlight
	}
	j.Status = campaign.JobQueued
	j.ProcessedLeads, j.Progress, j.PauseCount = 0, 0, 0
	m.jobs[j.ID] = j
	return j, nil
}

func (m *Memory) ResumeJobIfIdle(_ context.Context, id string, at time.Time) (campaign.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return campaign.Job{}, ErrNotFound
	}
	if cur, ok := m.inFlight(j.OwnerID); ok {
		return cur, ErrJobInFlight
	}
	if j.Status != campaign.JobPaused {
		return j, ErrStaleTransition
	}
	j.Apply(campaign.JobQueued, at, "")
	m.jobs[id] = j
	return j, nil
}

func (m *Memory) GetJob(_ context.Context, id string) (campaign.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return campaign.Job{}, ErrNotFound
	}
	return j, nil
}

func (m *Memory) TransitionJob(_ context.Context, id string, to campaign.JobStatus, at time.Time, errMsg string) (campaign.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return campaign.Job{}, ErrNotFound
	}
	if !j.Status.CanTransition(to) {
		return j, ErrStaleTransition
	}
	j.Apply(to, at, errMsg)
	m.jobs[id] = j
	return j, nil
}

func (m *Memory) AddJobProgress(_ context.Context, id string, n int) (campaign.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return campaign.Job{}, ErrNotFound
	}
	if !j.Status.Terminal() {
		j.AddProcessed(n)
		m.jobs[id] = j
	}
	return j, nil
}

func (m *Memory) ListStaleJobs(_ context.Context, startedBefore time.Time) ([]campaign.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []campaign.Job
	for _, j := range m.jobs {
		if j.Status == campaign.JobProcessing && j.StartedAt != nil && j.StartedAt.Before(startedBefore) {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].StartedAt.Before(*out[k].StartedAt) })
	return out, nil
}

func (m *Memory) ActiveJobForCampaign(_ context.Context, campaignID int64) (campaign.Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if j.CampaignID == campaignID && j.Status.InFlight() {
			return j, true, nil
		}
	}
	return campaign.Job{}, false, nil
}

func (m *Memory) ListJobs(_ context.Context, ownerID int64, limit int) ([]campaign.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []campaign.Job
	for _, j := range m.jobs {
		if j.OwnerID == ownerID {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ReserveDaily(_ context.Context, accountID int64, day string, kind CounterKind, requested, limit int, at time.Time) (Grant, error) {
	if _, err := kind.column(); err != nil {
		return Grant{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := counterKey{accountID, day}
	c, ok := m.counters[k]
	if !ok {
		c = campaign.DailyCounter{AccountID: accountID, Date: day, Limit: rowLimit(kind, limit)}
	}
	used, budget := capFor(c, kind, limit)
	g := grantFor(used, budget, requested)
	if kind == CounterChecks {
		c.ChecksPerformed = g.Used
	} else {
		c.InvitesSent = g.Used
		c.Limit = budget
	}
	c.UpdatedAt = at
	m.counters[k] = c
	return g, nil
}

func (m *Memory) RefundDaily(_ context.Context, accountID int64, day string, kind CounterKind, n int, at time.Time) error {
	if n <= 0 {
		return nil
	}
	if _, err := kind.column(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := counterKey{accountID, day}
	c, ok := m.counters[k]
	if !ok {
		return nil
	}
	if kind == CounterChecks {
		c.ChecksPerformed = max(0, c.ChecksPerformed-n)
	} else {
		c.InvitesSent = max(0, c.InvitesSent-n)
	}
	c.UpdatedAt = at
	m.counters[k] = c
	return nil
}

func (m *Memory) GetDaily(_ context.Context, accountID int64, day string, limit int) (campaign.DailyCounter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.counters[counterKey{accountID, day}]; ok {
		if c.Limit == 0 {
			c.Limit = limit
		}
		return c, nil
	}
	return campaign.DailyCounter{AccountID: accountID, Date: day, Limit: limit}, nil
}

func (m *Memory) ActiveSession(_ context.Context, operatorID int64) (campaign.AccountSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best campaign.AccountSession
	found := false
	for _, a := range m.sessions {
		if a.OperatorID == operatorID && a.IsActive && (!found || a.UpdatedAt.After(best.UpdatedAt)) {
			best, found = a, true
		}
	}
	if !found {
		return campaign.AccountSession{}, ErrNotFound
	}
	return best, nil
}

func (m *Memory) GetSession(_ context.Context, id int64) (campaign.AccountSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.sessions[id]
	if !ok {
		return campaign.AccountSession{}, ErrNotFound
	}
	return a, nil
}

func (m *Memory) ListActiveSessions(_ context.Context) ([]campaign.AccountSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []campaign.AccountSession
	for _, a := range m.sessions {
		if a.IsActive {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) InsertSession(_ context.Context, a campaign.AccountSession) (campaign.AccountSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	a.ID = m.next()
	a.IsActive = true
	if a.DailyLimit == 0 {
		a.DailyLimit = 10
	}
	a.CreatedAt, a.UpdatedAt = now, now
	m.sessions[a.ID] = a
	return a, nil
}

func (m *Memory) DeactivateSession(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.sessions[id]; ok {
		a.IsActive = false
		a.UpdatedAt = time.Now().UTC()
		m.sessions[id] = a
	}
	return nil
}
