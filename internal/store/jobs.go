package store

import (
	"context"
	"errors"
	"time"

	"github.com/Mutter0815/InviteFlow/internal/campaign"
	"github.com/jmoiron/sqlx"
)

// ErrJobInFlight is returned when the operator already has a queued or
// processing job. The in-flight job is returned alongside it.
var ErrJobInFlight = errors.New("job already in flight")

const jobCols = `id, campaign_id, owner_id, account_id, custom_message, status,
	total_leads, processed_leads, progress, pause_count, error_message,
	created_at, started_at, paused_at, resumed_at, completed_at`

func (s *Store) GetJob(ctx context.Context, id string) (campaign.Job, error) {
	var j campaign.Job
	err := s.DB.GetContext(ctx, &j, `SELECT `+jobCols+` FROM workflow_jobs WHERE id = $1`, id)
	return j, notFound(err)
}

func inFlightJob(ctx context.Context, tx *sqlx.Tx, ownerID int64) (campaign.Job, bool, error) {
	var rows []campaign.Job
	if err := tx.SelectContext(ctx, &rows, `
		SELECT `+jobCols+`
		FROM workflow_jobs
		WHERE owner_id = $1 AND status IN ('queued', 'processing')
		LIMIT 1`, ownerID); err != nil {
		return campaign.Job{}, false, err
	}
	if len(rows) == 0 {
		return campaign.Job{}, false, nil
	}
	return rows[0], true, nil
}

// CreateJobIfIdle inserts j as queued unless the owner already has a job in
// flight. The check and insert are serialized per owner by an advisory lock.
func (s *Store) CreateJobIfIdle(ctx context.Context, j campaign.Job) (campaign.Job, error) {
	var out campaign.Job
	err := s.WithTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, j.OwnerID); err != nil {
			return err
		}
		existing, ok, err := inFlightJob(ctx, tx, j.OwnerID)
		if err != nil {
			return err
		}
		if ok {
			out = existing
			return ErrJobInFlight
		}
		return tx.GetContext(ctx, &out, `
			INSERT INTO workflow_jobs (id, campaign_id, owner_id, account_id, custom_message, status, total_leads, created_at)
			VALUES ($1, $2, $3, $4, $5, 'queued', $6, $7)
			RETURNING `+jobCols,
			j.ID, j.CampaignID, j.OwnerID, j.AccountID, j.CustomMessage, j.TotalLeads, j.CreatedAt)
	})
	return out, err
}

// ResumeJobIfIdle moves a paused job back to queued unless another job of
// the same owner is in flight.
func (s *Store) ResumeJobIfIdle(ctx context.Context, id string, at time.Time) (campaign.Job, error) {
	var out campaign.Job
	err := s.WithTx(ctx, func(tx *sqlx.Tx) error {
		var cur campaign.Job
		if err := tx.GetContext(ctx, &cur, `SELECT `+jobCols+` FROM workflow_jobs WHERE id = $1`, id); err != nil {
			return notFound(err)
		}
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, cur.OwnerID); err != nil {
			return err
		}
		existing, ok, err := inFlightJob(ctx, tx, cur.OwnerID)
		if err != nil {
			return err
		}
		if ok {
			out = existing
			return ErrJobInFlight
		}
		var rows []campaign.Job
		if err := tx.SelectContext(ctx, &rows, `
			UPDATE workflow_jobs
			   SET status = 'queued', resumed_at = $2
			 WHERE id = $1 AND status = 'paused'
			 RETURNING `+jobCols, id, at); err != nil {
			return err
		}
		if len(rows) == 0 {
			out = cur
			return ErrStaleTransition
		}
		out = rows[0]
		return nil
	})
	return out, err
}

// TransitionJob applies a status change only when the current status is a
// legal source for it. Timestamps and the pause counter are stamped in the
// same statement. ErrStaleTransition is returned, with the current row, when
// the guard does not match.
func (s *Store) TransitionJob(ctx context.Context, id string, to campaign.JobStatus, at time.Time, errMsg string) (campaign.Job, error) {
	sources := make(textSlice, 0, 3)
	for _, st := range campaign.SourcesFor(to) {
		sources = append(sources, string(st))
	}
	var rows []campaign.Job
	err := s.DB.SelectContext(ctx, &rows, `
		UPDATE workflow_jobs
		   SET status        = $2,
		       started_at    = CASE WHEN $2 = 'processing' THEN COALESCE(started_at, $3) ELSE started_at END,
		       paused_at     = CASE WHEN $2 = 'paused' THEN $3 ELSE paused_at END,
		       pause_count   = CASE WHEN $2 = 'paused' THEN pause_count + 1 ELSE pause_count END,
		       resumed_at    = CASE WHEN $2 = 'queued' THEN $3 ELSE resumed_at END,
		       completed_at  = CASE WHEN $2 IN ('completed', 'cancelled', 'failed', 'timeout') THEN $3 ELSE completed_at END,
		       error_message = CASE WHEN $4 <> '' THEN $4 ELSE error_message END
		 WHERE id = $1 AND status = ANY($5)
		 RETURNING `+jobCols, id, string(to), at, errMsg, sources)
	if err != nil {
		return campaign.Job{}, err
	}
	if len(rows) == 1 {
		return rows[0], nil
	}
	cur, err := s.GetJob(ctx, id)
	if err != nil {
		return campaign.Job{}, err
	}
	return cur, ErrStaleTransition
}

// AddJobProgress adds n processed leads to a non-terminal job, bounded by
// the job total.
func (s *Store) AddJobProgress(ctx context.Context, id string, n int) (campaign.Job, error) {
	var rows []campaign.Job
	err := s.DB.SelectContext(ctx, &rows, `
		UPDATE workflow_jobs
		   SET processed_leads = LEAST(total_leads, processed_leads + $2),
		       progress        = CASE WHEN total_leads = 0 THEN 0
		                              ELSE (100 * LEAST(total_leads, processed_leads + $2)) / total_leads END
		 WHERE id = $1 AND status IN ('queued', 'processing', 'paused')
		 RETURNING `+jobCols, id, n)
	if err != nil {
		return campaign.Job{}, err
	}
	if len(rows) == 1 {
		return rows[0], nil
	}
	return s.GetJob(ctx, id)
}

// ListStaleJobs returns processing jobs started before the cutoff.
func (s *Store) ListStaleJobs(ctx context.Context, startedBefore time.Time) ([]campaign.Job, error) {
	var out []campaign.Job
	err := s.DB.SelectContext(ctx, &out, `
		SELECT `+jobCols+`
		FROM workflow_jobs
		WHERE status = 'processing' AND started_at < $1
		ORDER BY started_at`, startedBefore)
	return out, err
}

// ActiveJobForCampaign returns the in-flight job of a campaign, if any.
func (s *Store) ActiveJobForCampaign(ctx context.Context, campaignID int64) (campaign.Job, bool, error) {
	var rows []campaign.Job
	err := s.DB.SelectContext(ctx, &rows, `
		SELECT `+jobCols+`
		FROM workflow_jobs
		WHERE campaign_id = $1 AND status IN ('queued', 'processing')
		ORDER BY created_at DESC
		LIMIT 1`, campaignID)
	if err != nil || len(rows) == 0 {
		return campaign.Job{}, false, err
	}
	return rows[0], true, nil
}

func (s *Store) ListJobs(ctx context.Context, ownerID int64, limit int) ([]campaign.Job, error) {
	var out []campaign.Job
	err := s.DB.SelectContext(ctx, &out, `
		SELECT `+jobCols+`
		FROM workflow_jobs
		WHERE owner_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, ownerID, limit)
	return out, err
}
