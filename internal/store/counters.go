package store

import (
	"context"
	"fmt"
	"time"

	"github.com/Mutter0815/InviteFlow/internal/campaign"
	"github.com/jmoiron/sqlx"
)

// CounterKind selects which daily counter a reservation draws from.
type CounterKind string

const (
	CounterInvites CounterKind = "invites"
	CounterChecks  CounterKind = "checks"
)

func (k CounterKind) column() (string, error) {
	switch k {
	case CounterInvites:
		return "invites_sent", nil
	case CounterChecks:
		return "checks_performed", nil
	}
	return "", fmt.Errorf("unknown counter kind %q", k)
}

// Grant is the outcome of a reservation.
type Grant struct {
	Granted   int
	Used      int
	Limit     int
	Remaining int
}

// grantFor caps requested by what is left under limit.
func grantFor(used, limit, requested int) Grant {
	left := limit - used
	if left < 0 {
		left = 0
	}
	g := requested
	if g > left {
		g = left
	}
	if g < 0 {
		g = 0
	}
	return Grant{Granted: g, Used: used + g, Limit: limit, Remaining: left - g}
}

const counterCols = `account_id, day, invites_sent, checks_performed, invite_limit, updated_at`

// capFor returns the budget a reservation of kind is measured against.
// Check rows are created with invite_limit 0; the first invite reservation
// of the day fixes the invite limit and later ones keep it.
func capFor(c campaign.DailyCounter, kind CounterKind, limit int) (used, budget int) {
	if kind == CounterChecks {
		return c.ChecksPerformed, limit
	}
	if c.Limit > 0 {
		return c.InvitesSent, c.Limit
	}
	return c.InvitesSent, limit
}

// rowLimit is the invite_limit a lazily created row starts with.
func rowLimit(kind CounterKind, limit int) int {
	if kind == CounterChecks {
		return 0
	}
	return limit
}

// ReserveDaily atomically takes up to requested units from the account's
// counter for day. limit is the budget for kind: the check limit for checks,
// the account's invite limit for invites.
func (s *Store) ReserveDaily(ctx context.Context, accountID int64, day string, kind CounterKind, requested, limit int, at time.Time) (Grant, error) {
	if _, err := kind.column(); err != nil {
		return Grant{}, err
	}
	var g Grant
	err := s.WithTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO daily_counters (account_id, day, invite_limit, updated_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (account_id, day) DO NOTHING`, accountID, day, rowLimit(kind, limit), at); err != nil {
			return err
		}
		var c campaign.DailyCounter
		if err := tx.GetContext(ctx, &c, `
			SELECT `+counterCols+`
			FROM daily_counters
			WHERE account_id = $1 AND day = $2
			FOR UPDATE`, accountID, day); err != nil {
			return err
		}
		used, budget := capFor(c, kind, limit)
		g = grantFor(used, budget, requested)
		if g.Granted == 0 {
			return nil
		}
		if kind == CounterChecks {
			_, err := tx.ExecContext(ctx, `
				UPDATE daily_counters SET checks_performed = checks_performed + $3, updated_at = $4
				WHERE account_id = $1 AND day = $2`, accountID, day, g.Granted, at)
			return err
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE daily_counters SET invites_sent = invites_sent + $3, invite_limit = $5, updated_at = $4
			WHERE account_id = $1 AND day = $2`, accountID, day, g.Granted, at, budget)
		return err
	})
	return g, err
}

// RefundDaily returns n unused units, never dropping the counter below zero.
func (s *Store) RefundDaily(ctx context.Context, accountID int64, day string, kind CounterKind, n int, at time.Time) error {
	if n <= 0 {
		return nil
	}
	col, err := kind.column()
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, `
		UPDATE daily_counters SET `+col+` = GREATEST(0, `+col+` - $3), updated_at = $4
		WHERE account_id = $1 AND day = $2`, accountID, day, n, at)
	return err
}

// GetDaily returns the counter row, or a zero row carrying limit when none
// exists yet. A row no invite has touched reports limit as its invite limit.
func (s *Store) GetDaily(ctx context.Context, accountID int64, day string, limit int) (campaign.DailyCounter, error) {
	var c campaign.DailyCounter
	err := s.DB.GetContext(ctx, &c, `
		SELECT `+counterCols+`
		FROM daily_counters
		WHERE account_id = $1 AND day = $2`, accountID, day)
	if err := notFound(err); err == ErrNotFound {
		return campaign.DailyCounter{AccountID: accountID, Date: day, Limit: limit}, nil
	}
	if err == nil && c.Limit == 0 {
		c.Limit = limit
	}
	return c, err
}
