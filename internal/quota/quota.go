// Package quota enforces per-account daily budgets for invites and
// acceptance checks. Counters are keyed by the calendar date in a reference
// time zone, so the first reservation of a new date starts from zero.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Mutter0815/InviteFlow/internal/campaign"
	"github.com/Mutter0815/InviteFlow/internal/clock"
	"github.com/Mutter0815/InviteFlow/internal/store"
	"github.com/Mutter0815/InviteFlow/pkg/logx"
	"github.com/Mutter0815/InviteFlow/pkg/metrics"
)

const (
	DefaultDailyLimit = 10
	MinDailyLimit     = 1
	MaxDailyLimit     = 30
	DefaultCheckLimit = 3
)

// Store is the slice of the persistent store the controller needs.
type Store interface {
	ReserveDaily(ctx context.Context, accountID int64, day string, kind store.CounterKind, requested, limit int, at time.Time) (store.Grant, error)
	RefundDaily(ctx context.Context, accountID int64, day string, kind store.CounterKind, n int, at time.Time) error
	GetDaily(ctx context.Context, accountID int64, day string, limit int) (campaign.DailyCounter, error)
	GetSession(ctx context.Context, id int64) (campaign.AccountSession, error)
}

// Reservation is the answer to a reserve or peek call.
type Reservation struct {
	Granted   int       `json:"granted"`
	Used      int       `json:"used"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetsAt  time.Time `json:"resets_at"`
}

type Options struct {
	DefaultLimit int
	CheckLimit   int
	Location     *time.Location
}

type Controller struct {
	st   Store
	clk  clock.Clock
	opts Options
	log  *zap.SugaredLogger
}

func New(st Store, clk clock.Clock, opts Options, log *zap.SugaredLogger) *Controller {
	if opts.DefaultLimit == 0 {
		opts.DefaultLimit = DefaultDailyLimit
	}
	if opts.CheckLimit <= 0 {
		opts.CheckLimit = DefaultCheckLimit
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &Controller{st: st, clk: clk, opts: opts, log: logx.Or(log)}
}

// ClampLimit bounds a configured daily limit to [1, 30]; zero means default.
func ClampLimit(n int) int {
	switch {
	case n == 0:
		return DefaultDailyLimit
	case n < MinDailyLimit:
		return MinDailyLimit
	case n > MaxDailyLimit:
		return MaxDailyLimit
	}
	return n
}

// Day returns the counter date of t in the reference zone and the instant
// the next date starts.
func (c *Controller) Day(t time.Time) (string, time.Time) {
	local := t.In(c.opts.Location)
	y, m, d := local.Date()
	next := time.Date(y, m, d+1, 0, 0, 0, 0, c.opts.Location)
	return local.Format(time.DateOnly), next
}

func (c *Controller) inviteLimit(ctx context.Context, accountID int64) (int, error) {
	a, err := c.st.GetSession(ctx, accountID)
	if errors.Is(err, store.ErrNotFound) {
		return ClampLimit(c.opts.DefaultLimit), nil
	}
	if err != nil {
		return 0, fmt.Errorf("load account %d: %w", accountID, err)
	}
	if a.DailyLimit == 0 {
		return ClampLimit(c.opts.DefaultLimit), nil
	}
	return ClampLimit(a.DailyLimit), nil
}

func (c *Controller) reserve(ctx context.Context, accountID int64, kind store.CounterKind, requested, limit int) (Reservation, error) {
	now := c.clk.Now()
	day, resets := c.Day(now)
	g, err := c.st.ReserveDaily(ctx, accountID, day, kind, requested, limit, now)
	if err != nil {
		return Reservation{}, fmt.Errorf("reserve %s: %w", kind, err)
	}
	if g.Granted == 0 && requested > 0 {
		metrics.QuotaDenied.WithLabelValues(string(kind)).Inc()
		c.log.Infow("quota_denied", "account_id", accountID, "kind", kind, "day", day, "limit", g.Limit)
	}
	return Reservation{Granted: g.Granted, Used: g.Used, Limit: g.Limit, Remaining: g.Remaining, ResetsAt: resets}, nil
}

// CheckAndReserveInvites grants min(requested, limit-sent) invites for today.
func (c *Controller) CheckAndReserveInvites(ctx context.Context, accountID int64, requested int) (Reservation, error) {
	limit, err := c.inviteLimit(ctx, accountID)
	if err != nil {
		return Reservation{}, err
	}
	return c.reserve(ctx, accountID, store.CounterInvites, requested, limit)
}

// RefundInvites returns n invites that were reserved but not spent.
func (c *Controller) RefundInvites(ctx context.Context, accountID int64, n int) error {
	if n <= 0 {
		return nil
	}
	now := c.clk.Now()
	day, _ := c.Day(now)
	if err := c.st.RefundDaily(ctx, accountID, day, store.CounterInvites, n, now); err != nil {
		return fmt.Errorf("refund invites: %w", err)
	}
	return nil
}

// CheckAndReserveCheck reserves one acceptance check for today.
func (c *Controller) CheckAndReserveCheck(ctx context.Context, accountID int64) (Reservation, error) {
	return c.reserve(ctx, accountID, store.CounterChecks, 1, c.opts.CheckLimit)
}

// Remaining peeks at today's invite budget without consuming it.
func (c *Controller) Remaining(ctx context.Context, accountID int64) (Reservation, error) {
	limit, err := c.inviteLimit(ctx, accountID)
	if err != nil {
		return Reservation{}, err
	}
	day, resets := c.Day(c.clk.Now())
	dc, err := c.st.GetDaily(ctx, accountID, day, limit)
	if err != nil {
		return Reservation{}, fmt.Errorf("read counter: %w", err)
	}
	return Reservation{
		Used:      dc.InvitesSent,
		Limit:     dc.Limit,
		Remaining: max(0, dc.Limit-dc.InvitesSent),
		ResetsAt:  resets,
	}, nil
}

// RemainingChecks peeks at today's acceptance-check budget.
func (c *Controller) RemainingChecks(ctx context.Context, accountID int64) (Reservation, error) {
	day, resets := c.Day(c.clk.Now())
	dc, err := c.st.GetDaily(ctx, accountID, day, c.opts.CheckLimit)
	if err != nil {
		return Reservation{}, fmt.Errorf("read counter: %w", err)
	}
	return Reservation{
		Used:      dc.ChecksPerformed,
		Limit:     c.opts.CheckLimit,
		Remaining: max(0, c.opts.CheckLimit-dc.ChecksPerformed),
		ResetsAt:  resets,
	}, nil
}

// Counter returns today's raw counter row for reporting.
func (c *Controller) Counter(ctx context.Context, accountID int64) (campaign.DailyCounter, error) {
	limit, err := c.inviteLimit(ctx, accountID)
	if err != nil {
		return campaign.DailyCounter{}, err
	}
	day, _ := c.Day(c.clk.Now())
	return c.st.GetDaily(ctx, accountID, day, limit)
}
