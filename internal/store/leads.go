package store

import (
	"context"
	"time"

	"github.com/Mutter0815/InviteFlow/internal/campaign"
	"github.com/jmoiron/sqlx"
)

const leadCols = `id, campaign_id, owner_id, profile_url, full_name, title, company, picture_url,
	processing_status, invite_status, invite_sent, invite_sent_at, invite_failed_at,
	invite_retry_count, has_message, created_at, updated_at`

// LeadRetry is the post-update view of a lead whose invite attempt failed.
type LeadRetry struct {
	ID           int64                 `db:"id"`
	RetryCount   int                   `db:"invite_retry_count"`
	InviteStatus campaign.InviteStatus `db:"invite_status"`
}

// InsertLeads inserts leads whose canonical profile URL is new to the
// campaign and returns only the inserted rows.
func (s *Store) InsertLeads(ctx context.Context, campaignID, ownerID int64, leads []campaign.Lead) ([]campaign.Lead, error) {
	out := make([]campaign.Lead, 0, len(leads))
	err := s.WithTx(ctx, func(tx *sqlx.Tx) error {
		for _, l := range leads {
			var row []campaign.Lead
			if err := tx.SelectContext(ctx, &row, `
				INSERT INTO leads (campaign_id, owner_id, profile_url, full_name, title, company, picture_url)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
				ON CONFLICT (campaign_id, profile_url) DO NOTHING
				RETURNING `+leadCols,
				campaignID, ownerID, l.ProfileURL, l.FullName, l.Title, l.Company, l.PictureURL); err != nil {
				return err
			}
			out = append(out, row...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) ListLeads(ctx context.Context, campaignID int64) ([]campaign.Lead, error) {
	var out []campaign.Lead
	err := s.DB.SelectContext(ctx, &out, `
		SELECT `+leadCols+`
		FROM leads
		WHERE campaign_id = $1
		ORDER BY id`, campaignID)
	return out, err
}

func (s *Store) GetLead(ctx context.Context, id int64) (campaign.Lead, error) {
	var l campaign.Lead
	err := s.DB.GetContext(ctx, &l, `SELECT `+leadCols+` FROM leads WHERE id = $1`, id)
	return l, notFound(err)
}

func (s *Store) GetLeads(ctx context.Context, ids []int64) ([]campaign.Lead, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var out []campaign.Lead
	err := s.DB.SelectContext(ctx, &out, `
		SELECT `+leadCols+`
		FROM leads
		WHERE id = ANY($1)
		ORDER BY id`, int64Slice(ids))
	return out, err
}

func (s *Store) ListInviteEligible(ctx context.Context, campaignID int64) ([]campaign.Lead, error) {
	var out []campaign.Lead
	err := s.DB.SelectContext(ctx, &out, `
		SELECT `+leadCols+`
		FROM leads
		WHERE campaign_id = $1
		  AND processing_status = 'completed'
		  AND invite_status = 'pending'
		  AND invite_sent = FALSE
		ORDER BY id`, campaignID)
	return out, err
}

func (s *Store) ListLeadsNeedingMessages(ctx context.Context, campaignID int64) ([]campaign.Lead, error) {
	var out []campaign.Lead
	err := s.DB.SelectContext(ctx, &out, `
		SELECT `+leadCols+`
		FROM leads
		WHERE campaign_id = $1
		  AND processing_status = 'pending'
		  AND has_message = FALSE
		ORDER BY id`, campaignID)
	return out, err
}

// ListSentLeads returns every lead of the operator still waiting for acceptance.
func (s *Store) ListSentLeads(ctx context.Context, ownerID int64) ([]campaign.Lead, error) {
	var out []campaign.Lead
	err := s.DB.SelectContext(ctx, &out, `
		SELECT `+leadCols+`
		FROM leads
		WHERE owner_id = $1 AND invite_status = 'sent'
		ORDER BY id`, ownerID)
	return out, err
}

// UpdateLeadInvites moves every listed lead to one invite status in a single statement.
func (s *Store) UpdateLeadInvites(ctx context.Context, status campaign.InviteStatus, ids []int64, at time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := s.DB.ExecContext(ctx, `
		UPDATE leads
		   SET invite_status  = $1,
		       invite_sent    = $1 IN ('sent', 'accepted', 'rejected'),
		       invite_sent_at = CASE WHEN $1 IN ('sent', 'accepted', 'rejected')
		                             THEN COALESCE(invite_sent_at, $2) ELSE invite_sent_at END,
		       updated_at     = $2
		 WHERE id = ANY($3)`, string(status), at, int64Slice(ids))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// RecordInviteFailures bumps the retry counter of every listed lead and marks
// the ones that reached maxRetries as failed.
func (s *Store) RecordInviteFailures(ctx context.Context, ids []int64, maxRetries int, at time.Time) ([]LeadRetry, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var out []LeadRetry
	err := s.DB.SelectContext(ctx, &out, `
		UPDATE leads
		   SET invite_retry_count = invite_retry_count + 1,
		       invite_status      = CASE WHEN invite_retry_count + 1 >= $1 THEN 'failed' ELSE 'pending' END,
		       invite_sent        = FALSE,
		       invite_failed_at   = $2,
		       updated_at         = $2
		 WHERE id = ANY($3)
		 RETURNING id, invite_retry_count, invite_status`, maxRetries, at, int64Slice(ids))
	return out, err
}

func (s *Store) UpdateLeadProcessing(ctx context.Context, status campaign.ProcessingStatus, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.DB.ExecContext(ctx, `
		UPDATE leads SET processing_status = $1, updated_at = NOW()
		WHERE id = ANY($2)`, string(status), int64Slice(ids))
	return err
}

func (s *Store) ListPosts(ctx context.Context, leadID int64) ([]campaign.Post, error) {
	var out []campaign.Post
	err := s.DB.SelectContext(ctx, &out, `
		SELECT id, lead_id, owner_id, text, posted_at, likes, comments, shares
		FROM posts
		WHERE lead_id = $1
		ORDER BY posted_at DESC`, leadID)
	return out, err
}

func (s *Store) InsertPosts(ctx context.Context, posts []campaign.Post) error {
	if len(posts) == 0 {
		return nil
	}
	return s.WithTx(ctx, func(tx *sqlx.Tx) error {
		for _, p := range posts {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO posts (lead_id, owner_id, text, posted_at, likes, comments, shares)
				VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				p.LeadID, p.OwnerID, p.Text, p.PostedAt, p.Likes, p.Comments, p.Shares); err != nil {
				return err
			}
		}
		return nil
	})
}
