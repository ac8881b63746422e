// Package jobs owns the workflow job lifecycle: start, pause, resume,
// cancel, the worker-facing claim and progress calls, and timeout
// supervision. Every status change goes through a guarded store transition,
// so a job in a terminal state never moves again.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Mutter0815/InviteFlow/internal/apperr"
	"github.com/Mutter0815/InviteFlow/internal/cache"
	"github.com/Mutter0815/InviteFlow/internal/campaign"
	"github.com/Mutter0815/InviteFlow/internal/clock"
	"github.com/Mutter0815/InviteFlow/internal/kv"
	"github.com/Mutter0815/InviteFlow/internal/progress"
	"github.com/Mutter0815/InviteFlow/internal/quota"
	"github.com/Mutter0815/InviteFlow/internal/store"
	"github.com/Mutter0815/InviteFlow/pkg/logx"
	"github.com/Mutter0815/InviteFlow/pkg/metrics"
	"github.com/Mutter0815/InviteFlow/pkg/model"
)

const DefaultInviteBatchSize = 10

type Store interface {
	GetCampaign(ctx context.Context, ownerID, id int64) (campaign.Campaign, error)
	ActiveSession(ctx context.Context, operatorID int64) (campaign.AccountSession, error)
	ListInviteEligible(ctx context.Context, campaignID int64) ([]campaign.Lead, error)
	CreateJobIfIdle(ctx context.Context, j campaign.Job) (campaign.Job, error)
	ResumeJobIfIdle(ctx context.Context, id string, at time.Time) (campaign.Job, error)
	GetJob(ctx context.Context, id string) (campaign.Job, error)
	TransitionJob(ctx context.Context, id string, to campaign.JobStatus, at time.Time, errMsg string) (campaign.Job, error)
	AddJobProgress(ctx context.Context, id string, n int) (campaign.Job, error)
	ListStaleJobs(ctx context.Context, startedBefore time.Time) ([]campaign.Job, error)
	ListJobs(ctx context.Context, ownerID int64, limit int) ([]campaign.Job, error)
}

type Quota interface {
	Remaining(ctx context.Context, accountID int64) (quota.Reservation, error)
}

type Enqueuer interface {
	EnqueueLeads(ctx context.Context, stage string, campaignID int64, jobID string, leadIDs []int64, size int) ([]string, error)
}

type Summaries interface {
	RefreshSummary(ctx context.Context, ownerID, campaignID int64) (cache.Summary, error)
}

type Options struct {
	InviteBatchSize int
}

type Manager struct {
	st      Store
	quota   Quota
	pipe    Enqueuer
	hub     *progress.Hub
	summary Summaries
	clk     clock.Clock
	opts    Options
	log     *zap.SugaredLogger
}

// New builds the manager and registers it as the hub's job source.
func New(st Store, q Quota, pipe Enqueuer, hub *progress.Hub, summary Summaries, clk clock.Clock, opts Options, log *zap.SugaredLogger) *Manager {
	if opts.InviteBatchSize <= 0 {
		opts.InviteBatchSize = DefaultInviteBatchSize
	}
	m := &Manager{st: st, quota: q, pipe: pipe, hub: hub, summary: summary, clk: clk, opts: opts, log: logx.Or(log).Named("jobs")}
	hub.SetJobSource(m)
	return m
}

// TimeoutMessage is stored on jobs moved to timeout by the supervisor.
var TimeoutMessage = fmt.Sprintf("job exceeded %s processing window", campaign.JobTimeoutAfter)

// StartJob creates a queued job for the campaign and hands its eligible
// leads to the invite stage. When the operator already has a job in flight
// that job is returned together with an already_running error.
func (m *Manager) StartJob(ctx context.Context, operatorID, campaignID int64, customMessage string) (campaign.Job, error) {
	if _, err := m.st.GetCampaign(ctx, operatorID, campaignID); err != nil {
		return campaign.Job{}, notFoundAs(err, "campaign")
	}
	sess, err := m.st.ActiveSession(ctx, operatorID)
	if errors.Is(err, store.ErrNotFound) {
		return campaign.Job{}, apperr.New(apperr.KindSessionExpired, "no active account session")
	}
	if err != nil {
		return campaign.Job{}, fmt.Errorf("active session: %w", err)
	}
	res, err := m.quota.Remaining(ctx, sess.ID)
	if err != nil {
		return campaign.Job{}, fmt.Errorf("quota: %w", err)
	}
	if res.Remaining <= 0 {
		metrics.QuotaDenied.WithLabelValues(string(store.CounterInvites)).Inc()
		return campaign.Job{}, apperr.Newf(apperr.KindLimitReached, "daily invite limit %d reached, resets at %s",
			res.Limit, res.ResetsAt.Format(time.RFC3339))
	}
	leads, err := m.st.ListInviteEligible(ctx, campaignID)
	if err != nil {
		return campaign.Job{}, fmt.Errorf("eligible leads: %w", err)
	}
	if len(leads) == 0 {
		return campaign.Job{}, apperr.New(apperr.KindInvalidInput, "campaign has no leads ready for invites")
	}

	now := m.clk.Now()
	j, err := m.st.CreateJobIfIdle(ctx, campaign.Job{
		ID:            uuid.NewString(),
		CampaignID:    campaignID,
		OwnerID:       operatorID,
		AccountID:     sess.ID,
		CustomMessage: customMessage,
		Status:        campaign.JobQueued,
		TotalLeads:    len(leads),
		CreatedAt:     now,
	})
	if errors.Is(err, store.ErrJobInFlight) {
		return j, apperr.Newf(apperr.KindAlreadyRunning, "job %s is already %s", j.ID, j.Status)
	}
	if err != nil {
		return campaign.Job{}, fmt.Errorf("create job: %w", err)
	}
	metrics.JobTransitions.WithLabelValues(string(campaign.JobQueued)).Inc()
	m.log.Infow("job_created", "job_id", j.ID, "campaign_id", campaignID, "owner_id", operatorID, "total_leads", j.TotalLeads)
	m.publishStatus(ctx, j)

	if err := m.enqueue(ctx, j, leads); err != nil {
		failed, ferr := m.FailJob(ctx, j.ID, apperr.KindInternal, err)
		if ferr != nil {
			m.log.Errorw("job_fail_after_enqueue_error", "job_id", j.ID, "error", ferr)
			return j, err
		}
		return failed, err
	}
	m.refreshCampaign(ctx, j)
	return j, nil
}

func (m *Manager) enqueue(ctx context.Context, j campaign.Job, leads []campaign.Lead) error {
	ids := make([]int64, len(leads))
	for i, l := range leads {
		ids[i] = l.ID
	}
	if _, err := m.pipe.EnqueueLeads(ctx, kv.StageInviteSending, j.CampaignID, j.ID, ids, m.opts.InviteBatchSize); err != nil {
		return fmt.Errorf("enqueue invites: %w", err)
	}
	return nil
}

// PauseJob moves a processing job to paused and signals its workers.
func (m *Manager) PauseJob(ctx context.Context, operatorID int64, jobID string) (campaign.Job, error) {
	if _, err := m.owned(ctx, operatorID, jobID); err != nil {
		return campaign.Job{}, err
	}
	j, err := m.transition(ctx, jobID, campaign.JobPaused, "")
	if err != nil {
		return j, err
	}
	m.signal(ctx, jobID, model.ControlPause)
	return j, nil
}

// ResumeJob moves a paused job back to queued and re-enqueues the leads
// that still need an invite.
func (m *Manager) ResumeJob(ctx context.Context, operatorID int64, jobID string) (campaign.Job, error) {
	cur, err := m.owned(ctx, operatorID, jobID)
	if err != nil {
		return campaign.Job{}, err
	}
	if cur.Status != campaign.JobPaused {
		return cur, invalidTransition(cur, campaign.JobQueued)
	}
	j, err := m.st.ResumeJobIfIdle(ctx, jobID, m.clk.Now())
	switch {
	case errors.Is(err, store.ErrJobInFlight):
		return j, apperr.Newf(apperr.KindAlreadyRunning, "job %s is already %s", j.ID, j.Status)
	case errors.Is(err, store.ErrStaleTransition):
		return j, invalidTransition(j, campaign.JobQueued)
	case err != nil:
		return campaign.Job{}, fmt.Errorf("resume job: %w", err)
	}
	metrics.JobTransitions.WithLabelValues(string(campaign.JobQueued)).Inc()
	m.log.Infow("job_resumed", "job_id", j.ID, "pause_count", j.PauseCount)
	m.publishStatus(ctx, j)

	leads, err := m.st.ListInviteEligible(ctx, j.CampaignID)
	if err != nil {
		return j, fmt.Errorf("eligible leads: %w", err)
	}
	if len(leads) == 0 {
		// queued cannot complete directly
		if _, err := m.transition(ctx, j.ID, campaign.JobProcessing, ""); err != nil {
			return j, err
		}
		return m.CompleteJob(ctx, j.ID, "")
	}
	if err := m.enqueue(ctx, j, leads); err != nil {
		if failed, ferr := m.FailJob(ctx, j.ID, apperr.KindInternal, err); ferr == nil {
			return failed, err
		}
		return j, err
	}
	return j, nil
}

// CancelJob moves a queued, processing or paused job to cancelled.
func (m *Manager) CancelJob(ctx context.Context, operatorID int64, jobID string) (campaign.Job, error) {
	if _, err := m.owned(ctx, operatorID, jobID); err != nil {
		return campaign.Job{}, err
	}
	j, err := m.transition(ctx, jobID, campaign.JobCancelled, "")
	if err != nil {
		return j, err
	}
	m.signal(ctx, jobID, model.ControlCancel)
	return j, nil
}

// GetJob is the owner-scoped read. A processing job past its window is
// moved to timeout before it is returned.
func (m *Manager) GetJob(ctx context.Context, operatorID int64, jobID string) (campaign.Job, error) {
	return m.owned(ctx, operatorID, jobID)
}

func (m *Manager) ListJobs(ctx context.Context, operatorID int64, limit int) ([]campaign.Job, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return m.st.ListJobs(ctx, operatorID, limit)
}

// ObserveJob checks ownership and opens a progress observation.
func (m *Manager) ObserveJob(ctx context.Context, operatorID int64, jobID string) (*progress.Observation, error) {
	if _, err := m.owned(ctx, operatorID, jobID); err != nil {
		return nil, err
	}
	return m.hub.Observe(ctx, jobID), nil
}

// JobState reads a job for workers and the polling observer. It applies the
// timeout check but no owner scope.
func (m *Manager) JobState(ctx context.Context, jobID string) (campaign.Job, error) {
	j, err := m.st.GetJob(ctx, jobID)
	if err != nil {
		return campaign.Job{}, notFoundAs(err, "job")
	}
	return m.checkTimeout(ctx, j)
}

// ClaimJob moves a queued job to processing. A job that is already
// processing is returned as is, so every batch of a job may claim it.
func (m *Manager) ClaimJob(ctx context.Context, jobID string) (campaign.Job, error) {
	j, err := m.JobState(ctx, jobID)
	if err != nil {
		return j, err
	}
	if j.Status == campaign.JobProcessing {
		return j, nil
	}
	return m.transition(ctx, jobID, campaign.JobProcessing, "")
}

// RecordProgress adds n processed leads, bounded by the job total, and
// publishes a progress event.
func (m *Manager) RecordProgress(ctx context.Context, jobID string, n int) (campaign.Job, error) {
	if n <= 0 {
		return m.JobState(ctx, jobID)
	}
	j, err := m.st.AddJobProgress(ctx, jobID, n)
	if err != nil {
		return campaign.Job{}, fmt.Errorf("add progress: %w", err)
	}
	ev := model.Event{
		Type:       model.EventProgress,
		JobID:      j.ID,
		CampaignID: j.CampaignID,
		Status:     string(j.Status),
		Progress:   model.IntPtr(j.Progress),
		Processed:  model.IntPtr(j.ProcessedLeads),
		Total:      model.IntPtr(j.TotalLeads),
	}
	if err := m.hub.Publish(ctx, ev); err != nil {
		m.log.Warnw("progress_publish_error", "job_id", jobID, "error", err)
	}
	return j, nil
}

func (m *Manager) CompleteJob(ctx context.Context, jobID, note string) (campaign.Job, error) {
	return m.transition(ctx, jobID, campaign.JobCompleted, note)
}

// FailJob moves a job to failed with "<kind>: <message>" as its error.
func (m *Manager) FailJob(ctx context.Context, jobID string, kind apperr.Kind, cause error) (campaign.Job, error) {
	msg := string(kind)
	if cause != nil {
		msg += ": " + apperr.Message(cause)
	}
	return m.transition(ctx, jobID, campaign.JobFailed, msg)
}

// SweepTimeouts moves every processing job past its window to timeout.
func (m *Manager) SweepTimeouts(ctx context.Context) (int, error) {
	now := m.clk.Now()
	stale, err := m.st.ListStaleJobs(ctx, now.Add(-campaign.JobTimeoutAfter))
	if err != nil {
		return 0, fmt.Errorf("list stale jobs: %w", err)
	}
	n := 0
	for _, j := range stale {
		if _, err := m.transition(ctx, j.ID, campaign.JobTimeout, TimeoutMessage); err != nil {
			if apperr.Is(err, apperr.KindInvalidTransition) {
				continue
			}
			return n, err
		}
		n++
	}
	if n > 0 {
		m.log.Infow("jobs_timed_out", "count", n)
	}
	return n, nil
}

func (m *Manager) owned(ctx context.Context, operatorID int64, jobID string) (campaign.Job, error) {
	j, err := m.st.GetJob(ctx, jobID)
	if err != nil {
		return campaign.Job{}, notFoundAs(err, "job")
	}
	if j.OwnerID != operatorID {
		return campaign.Job{}, apperr.New(apperr.KindNotFound, "job not found")
	}
	return m.checkTimeout(ctx, j)
}

func (m *Manager) checkTimeout(ctx context.Context, j campaign.Job) (campaign.Job, error) {
	if !j.TimedOut(m.clk.Now()) {
		return j, nil
	}
	out, err := m.transition(ctx, j.ID, campaign.JobTimeout, TimeoutMessage)
	if apperr.Is(err, apperr.KindInvalidTransition) {
		// Another status change won the race; report what the store holds.
		return out, nil
	}
	return out, err
}

// transition applies a guarded status change and its side effects: the
// metric, the status event and, for terminal states, the campaign status.
func (m *Manager) transition(ctx context.Context, jobID string, to campaign.JobStatus, errMsg string) (campaign.Job, error) {
	j, err := m.st.TransitionJob(ctx, jobID, to, m.clk.Now(), errMsg)
	switch {
	case errors.Is(err, store.ErrStaleTransition):
		return j, invalidTransition(j, to)
	case err != nil:
		return campaign.Job{}, notFoundAs(err, "job")
	}
	metrics.JobTransitions.WithLabelValues(string(to)).Inc()
	m.log.Infow("job_transition", "job_id", j.ID, "status", to, "processed", j.ProcessedLeads, "total", j.TotalLeads)
	m.publishStatus(ctx, j)
	if to.Terminal() {
		m.refreshCampaign(ctx, j)
	}
	return j, nil
}

func (m *Manager) publishStatus(ctx context.Context, j campaign.Job) {
	if err := m.hub.PublishStatus(ctx, j); err != nil {
		m.log.Warnw("status_publish_error", "job_id", j.ID, "error", err)
	}
}

func (m *Manager) signal(ctx context.Context, jobID, action string) {
	if err := m.hub.PublishControl(ctx, jobID, action); err != nil {
		m.log.Warnw("control_publish_error", "job_id", jobID, "action", action, "error", err)
	}
}

func (m *Manager) refreshCampaign(ctx context.Context, j campaign.Job) {
	if m.summary == nil {
		return
	}
	if _, err := m.summary.RefreshSummary(ctx, j.OwnerID, j.CampaignID); err != nil {
		m.log.Warnw("campaign_refresh_error", "campaign_id", j.CampaignID, "error", err)
	}
}

func invalidTransition(j campaign.Job, to campaign.JobStatus) error {
	return apperr.Newf(apperr.KindInvalidTransition, "job %s cannot move from %s to %s", j.ID, j.Status, to)
}

func notFoundAs(err error, what string) error {
	if errors.Is(err, store.ErrNotFound) {
		return apperr.Wrap(apperr.KindNotFound, err, what)
	}
	return err
}
