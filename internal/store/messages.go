package store

import (
	"context"
	"time"

	"github.com/Mutter0815/InviteFlow/internal/campaign"
	"github.com/jmoiron/sqlx"
)

const messageCols = `id, lead_id, campaign_id, content, model, prompt_tag, status, created_at, updated_at`

// SaveDrafts upserts generated drafts and flags their leads in one
// transaction. A message already sent is left untouched.
func (s *Store) SaveDrafts(ctx context.Context, drafts []campaign.Message, at time.Time) error {
	if len(drafts) == 0 {
		return nil
	}
	ids := make(int64Slice, 0, len(drafts))
	return s.WithTx(ctx, func(tx *sqlx.Tx) error {
		for _, m := range drafts {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO messages (lead_id, campaign_id, content, model, prompt_tag, status, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, 'draft', $6, $6)
				ON CONFLICT (lead_id, campaign_id) DO UPDATE
				   SET content = EXCLUDED.content, model = EXCLUDED.model,
				       prompt_tag = EXCLUDED.prompt_tag, updated_at = EXCLUDED.updated_at
				 WHERE messages.status = 'draft'`,
				m.LeadID, m.CampaignID, m.Content, m.Model, m.PromptTag, at); err != nil {
				return err
			}
			ids = append(ids, m.LeadID)
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE leads
			   SET has_message = TRUE, processing_status = 'completed', updated_at = $2
			 WHERE id = ANY($1)`, ids, at)
		return err
	})
}

func (s *Store) GetMessage(ctx context.Context, leadID, campaignID int64) (campaign.Message, error) {
	var m campaign.Message
	err := s.DB.GetContext(ctx, &m, `
		SELECT `+messageCols+`
		FROM messages
		WHERE lead_id = $1 AND campaign_id = $2`, leadID, campaignID)
	return m, notFound(err)
}

func (s *Store) ListMessages(ctx context.Context, campaignID int64) ([]campaign.Message, error) {
	var out []campaign.Message
	err := s.DB.SelectContext(ctx, &out, `
		SELECT `+messageCols+`
		FROM messages
		WHERE campaign_id = $1
		ORDER BY lead_id`, campaignID)
	return out, err
}

func (s *Store) MarkMessagesSent(ctx context.Context, campaignID int64, leadIDs []int64) error {
	if len(leadIDs) == 0 {
		return nil
	}
	_, err := s.DB.ExecContext(ctx, `
		UPDATE messages SET status = 'sent', updated_at = NOW()
		WHERE campaign_id = $1 AND lead_id = ANY($2)`, campaignID, int64Slice(leadIDs))
	return err
}
