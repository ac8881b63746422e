package stages

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Mutter0815/InviteFlow/internal/apperr"
	"github.com/Mutter0815/InviteFlow/internal/campaign"
	"github.com/Mutter0815/InviteFlow/internal/collab"
	"github.com/Mutter0815/InviteFlow/internal/quota"
	"github.com/Mutter0815/InviteFlow/internal/stream"
	"github.com/Mutter0815/InviteFlow/pkg/metrics"
	"github.com/Mutter0815/InviteFlow/pkg/model"
)

// jobFor resolves the job of an invite entry. Entries of unknown, terminal
// or paused jobs are dropped (resume enqueues the eligible leads again) and
// a queued job is claimed.
func (r *Runner) jobFor(ctx context.Context, e stream.Entry) (campaign.Job, result, bool, error) {
	j, err := r.Jobs.JobState(ctx, e.Batch.JobID)
	switch {
	case notFound(err):
		r.log.Warnw("batch_dropped", "reason", "job_not_found", "job_id", e.Batch.JobID, "batch_id", e.Batch.BatchID)
		return j, result{ack: true}, false, nil
	case err != nil:
		return j, result{}, false, err
	}
	switch {
	case j.Status.Terminal():
		r.log.Infow("batch_dropped", "reason", "job_"+string(j.Status), "job_id", j.ID, "batch_id", e.Batch.BatchID)
		return j, result{ack: true}, false, nil
	case j.Status == campaign.JobPaused:
		r.log.Infow("batch_dropped", "reason", "job_paused", "job_id", j.ID, "batch_id", e.Batch.BatchID)
		return j, result{ack: true}, false, nil
	case j.Status == campaign.JobQueued:
		j, err = r.Jobs.ClaimJob(ctx, j.ID)
		if err != nil {
			return j, result{}, false, fmt.Errorf("claim job: %w", err)
		}
	}
	return j, result{}, true, nil
}

type inviteRun struct {
	succeeded   []campaign.Lead
	failed      []campaign.Lead
	draftSent   []int64
	processedAt map[int64]time.Time
	sent        int
	expired     bool
	stopped     campaign.JobStatus
	lost        error
}

func (r *Runner) processInvites(ctx context.Context, e stream.Entry, ls *lease) (result, error) {
	b := e.Batch
	if b.JobID == "" {
		r.log.Warnw("batch_dropped", "reason", "no_job", "batch_id", b.BatchID)
		return result{ack: true}, nil
	}
	job, res, ok, err := r.jobFor(ctx, e)
	if !ok {
		return res, err
	}

	snap, err := r.Cache.LeadsByID(ctx, e.CampaignID, b.LeadIDs)
	if err != nil {
		return result{}, err
	}
	var todo []campaign.Lead
	for _, id := range b.LeadIDs {
		if l, ok := snap[id]; ok && l.NeedsInvite() {
			todo = append(todo, l)
		}
	}
	if skipped := len(b.LeadIDs) - len(todo); skipped > 0 {
		metrics.StageLeads.WithLabelValues(e.Stage, "skipped").Add(float64(skipped))
	}
	if len(todo) == 0 {
		r.finishIfDone(ctx, job.ID)
		return result{ack: true}, nil
	}

	sess, err := r.Store.GetSession(ctx, job.AccountID)
	if notFound(err) || (err == nil && !sess.IsActive) {
		r.failExpired(ctx, job)
		return result{ack: true}, nil
	}
	if err != nil {
		return result{}, err
	}

	grant, err := r.Quota.CheckAndReserveInvites(ctx, sess.ID, len(todo))
	if err != nil {
		return result{}, err
	}
	if grant.Granted == 0 {
		r.limitReached(ctx, job, grant)
		return result{ack: true}, nil
	}
	granted := todo[:grant.Granted]

	ds, err := r.openSession(ctx, sess)
	if err != nil {
		r.refund(ctx, sess.ID, grant.Granted)
		if errors.Is(err, collab.ErrSessionExpired) {
			r.expireSession(ctx, sess.ID)
			r.failExpired(ctx, job)
			return result{ack: true}, nil
		}
		return r.batchError(ctx, e, job, err)
	}
	run := r.sendInvites(ctx, e, job, ds, ls, granted)
	r.closeSession(ctx, ds, sess.ID)

	fctx, cancel := flushContext(ctx)
	defer cancel()
	if err := r.flushInvites(fctx, e, job, run); err != nil {
		r.refund(fctx, sess.ID, grant.Granted-run.sent)
		return result{}, err
	}
	r.refund(fctx, sess.ID, grant.Granted-run.sent)

	switch {
	case run.expired:
		r.expireSession(fctx, sess.ID)
		r.failExpired(fctx, job)
		return result{ack: true}, nil
	case run.lost != nil:
		return result{}, run.lost
	case run.stopped != "":
		return result{ack: true}, nil
	case ctx.Err() != nil:
		return result{}, ctx.Err()
	case grant.Granted < len(todo):
		r.limitReached(fctx, job, grant)
		return result{ack: true}, nil
	}

	if r.finishIfDone(fctx, job.ID) {
		return result{ack: true}, nil
	}
	delay := r.opts.InviteBatchDelay
	if delay > 0 {
		r.publish(fctx, model.Event{
			Type:       model.EventBatchDelay,
			JobID:      job.ID,
			CampaignID: job.CampaignID,
			BatchID:    b.BatchID,
			DelayMs:    delay.Milliseconds(),
		})
	}
	return result{ack: true, rest: delay}, nil
}

// sendInvites sends one invite per granted lead, stopping at a pause or
// cancel, an expired session, a lost lease or worker shutdown.
func (r *Runner) sendInvites(ctx context.Context, e stream.Entry, job campaign.Job, ds collab.DriverSession, ls *lease, leads []campaign.Lead) inviteRun {
	run := inviteRun{processedAt: map[int64]time.Time{}}
	ctl := r.watchJob(ctx, job.ID)
	defer ctl.close()
	lim := r.limiter()

	for _, l := range leads {
		if st, stop := ctl.stopped(ctx); stop {
			run.stopped = st
			r.log.Infow("batch_interrupted", "job_id", job.ID, "status", st, "lead_id", l.ID)
			break
		}
		if ctx.Err() != nil {
			break
		}
		if err := ls.renew(ctx); err != nil {
			run.lost = err
			r.log.Warnw("batch_lease_lost", "job_id", job.ID, "lead_id", l.ID, "error", err)
			break
		}
		if err := lim.Wait(ctx); err != nil {
			break
		}

		note, fromDraft := r.inviteNote(ctx, job, l)
		sctx, cancel := context.WithTimeout(ctx, sendTimeout)
		outcome, err := ds.SendInvite(sctx, l.ProfileURL, note)
		cancel()
		now := r.Clock.Now()

		if errors.Is(err, collab.ErrSessionExpired) {
			run.expired = true
			break
		}
		if err != nil || outcome == collab.OutcomeFailed {
			l.MarkInviteFailed(now, r.opts.MaxRetries)
			run.failed = append(run.failed, l)
			run.processedAt[l.ID] = now
			metrics.StageLeads.WithLabelValues(e.Stage, string(collab.OutcomeFailed)).Inc()
			r.log.Infow("invite_failed", "job_id", job.ID, "lead_id", l.ID, "error", err)
			continue
		}

		status := campaign.InviteSent
		if outcome == collab.OutcomeAlreadyConnected {
			status = campaign.InviteAccepted
		}
		l.MarkInvited(status, now)
		run.succeeded = append(run.succeeded, l)
		run.processedAt[l.ID] = now
		if outcome == collab.OutcomeSent {
			run.sent++
			if fromDraft {
				run.draftSent = append(run.draftSent, l.ID)
			}
		}
		metrics.StageLeads.WithLabelValues(e.Stage, string(outcome)).Inc()
		if _, err := r.Jobs.RecordProgress(ctx, job.ID, 1); err != nil {
			r.log.Warnw("progress_record_error", "job_id", job.ID, "error", err)
		}
	}
	return run
}

// inviteNote picks the job's custom message, else the lead's draft.
func (r *Runner) inviteNote(ctx context.Context, job campaign.Job, l campaign.Lead) (string, bool) {
	if job.CustomMessage != "" {
		return job.CustomMessage, false
	}
	msg, err := r.Store.GetMessage(ctx, l.ID, l.CampaignID)
	if err != nil || msg.Status != campaign.MessageDraft || msg.Content == "" {
		return "", false
	}
	return msg.Content, true
}

// flushInvites writes the batch outcome: KV and grouped store updates,
// drafts used as notes, progress for exhausted leads and one retry entry.
// Leads processed after the job was cancelled are left out.
func (r *Runner) flushInvites(ctx context.Context, e stream.Entry, job campaign.Job, run inviteRun) error {
	if cur, err := r.Jobs.JobState(ctx, job.ID); err == nil && cur.Status == campaign.JobCancelled && cur.CompletedAt != nil {
		run.succeeded = processedBefore(run.succeeded, run.processedAt, *cur.CompletedAt)
		run.failed = processedBefore(run.failed, run.processedAt, *cur.CompletedAt)
	}
	if len(run.succeeded)+len(run.failed) == 0 {
		return nil
	}
	retries, err := r.Cache.CommitInvites(ctx, e.CampaignID, run.succeeded, run.failed, r.opts.MaxRetries)
	if err != nil {
		return fmt.Errorf("flush invites: %w", err)
	}
	if len(run.draftSent) > 0 {
		if err := r.Store.MarkMessagesSent(ctx, e.CampaignID, run.draftSent); err != nil {
			r.log.Warnw("message_mark_sent_error", "campaign_id", e.CampaignID, "error", err)
		}
	}

	var retry []int64
	exhausted := 0
	for _, rr := range retries {
		if rr.InviteStatus == campaign.InviteFailed {
			exhausted++
			continue
		}
		retry = append(retry, rr.ID)
	}
	if exhausted > 0 {
		metrics.StageLeads.WithLabelValues(e.Stage, "exhausted").Add(float64(exhausted))
		if _, err := r.Jobs.RecordProgress(ctx, job.ID, exhausted); err != nil {
			r.log.Warnw("progress_record_error", "job_id", job.ID, "error", err)
		}
	}
	r.requeue(ctx, e, retry)
	return nil
}

func processedBefore(leads []campaign.Lead, at map[int64]time.Time, cutoff time.Time) []campaign.Lead {
	out := leads[:0:0]
	for _, l := range leads {
		if !at[l.ID].After(cutoff) {
			out = append(out, l)
		}
	}
	return out
}

func (r *Runner) refund(ctx context.Context, accountID int64, n int) {
	if n <= 0 {
		return
	}
	if err := r.Quota.RefundInvites(ctx, accountID, n); err != nil {
		r.log.Errorw("quota_refund_error", "account_id", accountID, "n", n, "error", err)
	}
}

// finishIfDone completes a processing job once every lead is processed or
// none is left to invite. It reports whether the job is no longer processing.
func (r *Runner) finishIfDone(ctx context.Context, jobID string) bool {
	j, err := r.Jobs.JobState(ctx, jobID)
	if err != nil {
		return false
	}
	if j.Status != campaign.JobProcessing {
		return true
	}
	done := j.ProcessedLeads >= j.TotalLeads
	if !done {
		eligible, err := r.Store.ListInviteEligible(ctx, j.CampaignID)
		if err != nil {
			r.log.Warnw("eligible_leads_error", "job_id", jobID, "error", err)
			return false
		}
		done = len(eligible) == 0
	}
	if !done {
		return false
	}
	if _, err := r.Jobs.CompleteJob(ctx, jobID, ""); err != nil && !apperr.Is(err, apperr.KindInvalidTransition) {
		r.log.Errorw("job_complete_error", "job_id", jobID, "error", err)
	}
	return true
}

// limitReached reports the exhausted quota and ends the job: completed if
// it processed anything, failed otherwise.
func (r *Runner) limitReached(ctx context.Context, job campaign.Job, grant quota.Reservation) {
	resets := grant.ResetsAt
	r.publish(ctx, model.Event{
		Type:       model.EventLimitReached,
		JobID:      job.ID,
		CampaignID: job.CampaignID,
		Kind:       string(apperr.KindLimitReached),
		Message:    fmt.Sprintf("daily invite limit %d reached", grant.Limit),
		ResetsAt:   &resets,
	})
	cur, err := r.Jobs.JobState(ctx, job.ID)
	if err != nil || cur.Status != campaign.JobProcessing {
		return
	}
	if cur.ProcessedLeads > 0 {
		_, err = r.Jobs.CompleteJob(ctx, job.ID, string(apperr.KindLimitReached))
	} else {
		_, err = r.Jobs.FailJob(ctx, job.ID, apperr.KindLimitReached, apperr.New(apperr.KindLimitReached, "daily invite limit reached"))
	}
	if err != nil && !apperr.Is(err, apperr.KindInvalidTransition) {
		r.log.Errorw("job_limit_transition_error", "job_id", job.ID, "error", err)
	}
}

func (r *Runner) failExpired(ctx context.Context, job campaign.Job) {
	r.publish(ctx, model.Event{
		Type:       model.EventBatchError,
		JobID:      job.ID,
		CampaignID: job.CampaignID,
		Kind:       string(apperr.KindSessionExpired),
		Message:    "account session expired",
	})
	if _, err := r.Jobs.FailJob(ctx, job.ID, apperr.KindSessionExpired, collab.ErrSessionExpired); err != nil &&
		!apperr.Is(err, apperr.KindInvalidTransition) {
		r.log.Errorw("job_fail_error", "job_id", job.ID, "error", err)
	}
}

// batchError reports a collaborator failure that hit the whole batch. The
// entry stays pending for redelivery until it has been delivered
// MaxRetries times; then the job fails.
func (r *Runner) batchError(ctx context.Context, e stream.Entry, job campaign.Job, cause error) (result, error) {
	err := apperr.Wrap(apperr.KindCollaborator, cause, "open driver session")
	r.publish(ctx, model.Event{
		Type:       model.EventBatchError,
		JobID:      job.ID,
		CampaignID: job.CampaignID,
		BatchID:    e.Batch.BatchID,
		Kind:       string(apperr.KindCollaborator),
		Message:    cause.Error(),
	})
	if e.Deliveries < int64(r.opts.MaxRetries) {
		return result{}, err
	}
	if _, ferr := r.Jobs.FailJob(ctx, job.ID, apperr.KindRetryExhausted, cause); ferr != nil &&
		!apperr.Is(ferr, apperr.KindInvalidTransition) {
		r.log.Errorw("job_fail_error", "job_id", job.ID, "error", ferr)
	}
	return result{ack: true}, err
}
