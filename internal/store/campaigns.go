package store

import (
	"context"

	"github.com/Mutter0815/InviteFlow/internal/campaign"
)

const campaignCols = `id, owner_id, name, status, created_at, updated_at`

func (s *Store) InsertCampaign(ctx context.Context, ownerID int64, name string) (campaign.Campaign, error) {
	var c campaign.Campaign
	err := s.DB.GetContext(ctx, &c, `
		INSERT INTO campaigns (owner_id, name, status)
		VALUES ($1, $2, 'draft')
		RETURNING `+campaignCols, ownerID, name)
	return c, err
}

// GetCampaign is owner scoped: a campaign of another operator is not found.
func (s *Store) GetCampaign(ctx context.Context, ownerID, id int64) (campaign.Campaign, error) {
	var c campaign.Campaign
	err := s.DB.GetContext(ctx, &c, `
		SELECT `+campaignCols+`
		FROM campaigns
		WHERE id = $1 AND owner_id = $2`, id, ownerID)
	return c, notFound(err)
}

func (s *Store) ListCampaigns(ctx context.Context, ownerID int64) ([]campaign.Campaign, error) {
	var out []campaign.Campaign
	err := s.DB.SelectContext(ctx, &out, `
		SELECT `+campaignCols+`
		FROM campaigns
		WHERE owner_id = $1
		ORDER BY id DESC`, ownerID)
	return out, err
}

func (s *Store) UpdateCampaignStatus(ctx context.Context, id int64, status campaign.Status) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE campaigns SET status = $2, updated_at = NOW()
		WHERE id = $1`, id, string(status))
	return err
}
