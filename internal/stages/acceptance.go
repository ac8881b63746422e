package stages

import (
	"context"
	"errors"
	"fmt"

	"github.com/Mutter0815/InviteFlow/internal/apperr"
	"github.com/Mutter0815/InviteFlow/internal/campaign"
	"github.com/Mutter0815/InviteFlow/internal/collab"
	"github.com/Mutter0815/InviteFlow/internal/kv"
	"github.com/Mutter0815/InviteFlow/internal/quota"
	"github.com/Mutter0815/InviteFlow/internal/store"
	"github.com/Mutter0815/InviteFlow/internal/stream"
	"github.com/Mutter0815/InviteFlow/pkg/metrics"
	"github.com/Mutter0815/InviteFlow/pkg/model"
)

// AcceptanceReport is what one acceptance check found.
type AcceptanceReport struct {
	AccountID   int64 `json:"account_id"`
	Connections int   `json:"connections"`
	Checked     int   `json:"checked"`
	Accepted    int   `json:"accepted"`
}

// processAcceptance runs one acceptance check. The entry is always acked:
// a failed scan is not retried and its reservation stays consumed.
func (r *Runner) processAcceptance(ctx context.Context, e stream.Entry) (result, error) {
	rep, err := r.CheckAcceptance(ctx, e.Batch.OwnerID, e.Batch.AccountID)
	if err != nil {
		return result{ack: true}, err
	}
	r.log.Infow("acceptance_checked", "owner_id", e.Batch.OwnerID, "account_id", rep.AccountID,
		"connections", rep.Connections, "checked", rep.Checked, "accepted", rep.Accepted)
	return result{ack: true}, nil
}

// CheckAcceptance matches the account's connections against every sent
// lead of the operator and marks the matches accepted. accountID 0 selects
// the operator's active session.
func (r *Runner) CheckAcceptance(ctx context.Context, ownerID, accountID int64) (AcceptanceReport, error) {
	var (
		sess campaign.AccountSession
		err  error
	)
	if accountID != 0 {
		sess, err = r.Store.GetSession(ctx, accountID)
	} else {
		sess, err = r.Store.ActiveSession(ctx, ownerID)
	}
	if errors.Is(err, store.ErrNotFound) || (err == nil && !sess.IsActive) {
		return AcceptanceReport{}, apperr.New(apperr.KindSessionExpired, "no active account session")
	}
	if err != nil {
		return AcceptanceReport{}, err
	}
	if ownerID == 0 {
		ownerID = sess.OperatorID
	}
	rep := AcceptanceReport{AccountID: sess.ID}

	grant, err := r.Quota.CheckAndReserveCheck(ctx, sess.ID)
	if err != nil {
		return rep, err
	}
	if grant.Granted == 0 {
		return rep, apperr.Newf(apperr.KindLimitReached, "daily acceptance checks used, resets at %s",
			grant.ResetsAt.Format("2006-01-02T15:04:05Z07:00"))
	}

	ds, err := r.openSession(ctx, sess)
	if err != nil {
		if errors.Is(err, collab.ErrSessionExpired) {
			r.expireSession(ctx, sess.ID)
			return rep, apperr.Wrap(apperr.KindSessionExpired, err, "open driver session")
		}
		return rep, apperr.Wrap(apperr.KindCollaborator, err, "open driver session")
	}
	defer r.closeSession(ctx, ds, sess.ID)

	cctx, cancel := context.WithTimeout(ctx, sendTimeout)
	profiles, err := ds.Connections(cctx)
	cancel()
	if err != nil {
		if errors.Is(err, collab.ErrSessionExpired) {
			r.expireSession(ctx, sess.ID)
			return rep, apperr.Wrap(apperr.KindSessionExpired, err, "fetch connections")
		}
		return rep, apperr.Wrap(apperr.KindCollaborator, err, "fetch connections")
	}
	rep.Connections = len(profiles)

	connected := make(map[string]struct{}, len(profiles))
	for _, p := range profiles {
		if u, err := campaign.CanonicalURL(p); err == nil {
			connected[u] = struct{}{}
		}
	}

	sent, err := r.Store.ListSentLeads(ctx, ownerID)
	if err != nil {
		return rep, err
	}
	rep.Checked = len(sent)
	now := r.Clock.Now()
	byCampaign := map[int64][]campaign.Lead{}
	for _, l := range sent {
		if _, ok := connected[l.ProfileURL]; !ok {
			continue
		}
		l.MarkAccepted(now)
		byCampaign[l.CampaignID] = append(byCampaign[l.CampaignID], l)
	}

	fctx, fcancel := flushContext(ctx)
	defer fcancel()
	for cid, leads := range byCampaign {
		if _, err := r.Cache.CommitInvites(fctx, cid, leads, nil, r.opts.MaxRetries); err != nil {
			return rep, fmt.Errorf("commit acceptances: %w", err)
		}
		rep.Accepted += len(leads)
		if _, err := r.Cache.RefreshSummary(fctx, ownerID, cid); err != nil {
			r.log.Warnw("summary_refresh_error", "campaign_id", cid, "error", err)
		}
	}
	metrics.StageLeads.WithLabelValues(kv.StageAcceptanceChecking, string(campaign.InviteAccepted)).Add(float64(rep.Accepted))
	return rep, nil
}

// EnqueueAcceptance queues a manual acceptance check for an operator's
// campaign after verifying the session and today's check budget.
func (r *Runner) EnqueueAcceptance(ctx context.Context, ownerID, campaignID int64) (quota.Reservation, error) {
	if _, err := r.Store.GetCampaign(ctx, ownerID, campaignID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return quota.Reservation{}, apperr.New(apperr.KindNotFound, "campaign not found")
		}
		return quota.Reservation{}, err
	}
	sess, err := r.Store.ActiveSession(ctx, ownerID)
	if errors.Is(err, store.ErrNotFound) {
		return quota.Reservation{}, apperr.New(apperr.KindSessionExpired, "no active account session")
	}
	if err != nil {
		return quota.Reservation{}, err
	}
	left, err := r.Quota.RemainingChecks(ctx, sess.ID)
	if err != nil {
		return left, err
	}
	if left.Remaining <= 0 {
		return left, apperr.Newf(apperr.KindLimitReached, "daily acceptance checks used, resets at %s",
			left.ResetsAt.Format("2006-01-02T15:04:05Z07:00"))
	}
	if _, err := r.Pipe.Enqueue(ctx, kv.StageAcceptanceChecking, model.Batch{
		CampaignID: campaignID,
		OwnerID:    ownerID,
		AccountID:  sess.ID,
	}); err != nil {
		return left, err
	}
	return left, nil
}

// EnqueueAcceptanceChecks queues one check per active account. The entry
// goes to the stream of the campaign holding the account owner's first
// sent lead; owners with nothing sent are skipped.
func (r *Runner) EnqueueAcceptanceChecks(ctx context.Context) (int, error) {
	sessions, err := r.Store.ListActiveSessions(ctx)
	if err != nil {
		return 0, err
	}
	queued := 0
	for _, s := range sessions {
		sent, err := r.Store.ListSentLeads(ctx, s.OperatorID)
		if err != nil {
			r.log.Warnw("acceptance_schedule_error", "account_id", s.ID, "error", err)
			continue
		}
		if len(sent) == 0 {
			continue
		}
		if _, err := r.Pipe.Enqueue(ctx, kv.StageAcceptanceChecking, model.Batch{
			CampaignID: sent[0].CampaignID,
			OwnerID:    s.OperatorID,
			AccountID:  s.ID,
		}); err != nil {
			r.log.Warnw("acceptance_schedule_error", "account_id", s.ID, "error", err)
			continue
		}
		queued++
	}
	r.log.Infow("acceptance_scheduled", "accounts", len(sessions), "queued", queued)
	return queued, nil
}
