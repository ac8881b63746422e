package store

import (
	"context"

	"github.com/Mutter0815/InviteFlow/internal/campaign"
)

const sessionCols = `id, operator_id, email, is_active, daily_limit, session_blob, created_at, updated_at`

// ActiveSession returns the most recent active account of the operator.
func (s *Store) ActiveSession(ctx context.Context, operatorID int64) (campaign.AccountSession, error) {
	var a campaign.AccountSession
	err := s.DB.GetContext(ctx, &a, `
		SELECT `+sessionCols+`
		FROM account_sessions
		WHERE operator_id = $1 AND is_active = TRUE
		ORDER BY updated_at DESC
		LIMIT 1`, operatorID)
	return a, notFound(err)
}

func (s *Store) GetSession(ctx context.Context, id int64) (campaign.AccountSession, error) {
	var a campaign.AccountSession
	err := s.DB.GetContext(ctx, &a, `SELECT `+sessionCols+` FROM account_sessions WHERE id = $1`, id)
	return a, notFound(err)
}

func (s *Store) ListActiveSessions(ctx context.Context) ([]campaign.AccountSession, error) {
	var out []campaign.AccountSession
	err := s.DB.SelectContext(ctx, &out, `
		SELECT `+sessionCols+`
		FROM account_sessions
		WHERE is_active = TRUE
		ORDER BY id`)
	return out, err
}

func (s *Store) InsertSession(ctx context.Context, a campaign.AccountSession) (campaign.AccountSession, error) {
	var out campaign.AccountSession
	err := s.DB.GetContext(ctx, &out, `
		INSERT INTO account_sessions (operator_id, email, is_active, daily_limit, session_blob)
		VALUES ($1, $2, TRUE, $3, $4)
		RETURNING `+sessionCols, a.OperatorID, a.Email, a.DailyLimit, a.SessionBlob)
	return out, err
}

func (s *Store) DeactivateSession(ctx context.Context, id int64) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE account_sessions SET is_active = FALSE, updated_at = NOW()
		WHERE id = $1`, id)
	return err
}
