package store

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/Mutter0815/InviteFlow/internal/campaign"
)

var jobColumns = []string{
	"id", "campaign_id", "owner_id", "account_id", "custom_message", "status",
	"total_leads", "processed_leads", "progress", "pause_count", "error_message",
	"created_at", "started_at", "paused_at", "resumed_at", "completed_at",
}

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db), mock
}

func jobRow(rows *sqlmock.Rows, id string, status campaign.JobStatus, started any) *sqlmock.Rows {
	created := time.Date(2025, 10, 2, 12, 0, 0, 0, time.UTC)
	return rows.AddRow(id, int64(7), int64(1), int64(3), "", string(status),
		10, 0, 0, 0, "", created, started, nil, nil, nil)
}

func TestTransitionJob_GuardsSources(t *testing.T) {
	s, mock := newMock(t)
	at := time.Date(2025, 10, 2, 12, 5, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta(`UPDATE workflow_jobs`)).
		WithArgs("j1", "paused", at, "", "{processing}").
		WillReturnRows(jobRow(sqlmock.NewRows(jobColumns), "j1", campaign.JobPaused, at))

	j, err := s.TransitionJob(context.Background(), "j1", campaign.JobPaused, at, "")
	if err != nil {
		t.Fatal(err)
	}
	if j.Status != campaign.JobPaused {
		t.Fatalf("want paused, got %s", j.Status)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestTransitionJob_StaleReturnsCurrent(t *testing.T) {
	s, mock := newMock(t)
	at := time.Date(2025, 10, 2, 12, 5, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta(`UPDATE workflow_jobs`)).
		WithArgs("j1", "completed", at, "", "{processing}").
		WillReturnRows(sqlmock.NewRows(jobColumns))
	mock.ExpectQuery(regexp.QuoteMeta(`FROM workflow_jobs WHERE id = $1`)).
		WithArgs("j1").
		WillReturnRows(jobRow(sqlmock.NewRows(jobColumns), "j1", campaign.JobCancelled, nil))

	j, err := s.TransitionJob(context.Background(), "j1", campaign.JobCompleted, at, "")
	if !errors.Is(err, ErrStaleTransition) {
		t.Fatalf("want ErrStaleTransition, got %v", err)
	}
	if j.Status != campaign.JobCancelled {
		t.Fatalf("want current row cancelled, got %s", j.Status)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestCreateJobIfIdle_ReturnsInFlight(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`SELECT pg_advisory_xact_lock($1)`)).
		WithArgs(int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`status IN ('queued', 'processing')`)).
		WithArgs(int64(1)).
		WillReturnRows(jobRow(sqlmock.NewRows(jobColumns), "existing", campaign.JobProcessing, nil))
	mock.ExpectRollback()

	j, err := s.CreateJobIfIdle(context.Background(), campaign.Job{ID: "new", OwnerID: 1, CampaignID: 7})
	if !errors.Is(err, ErrJobInFlight) {
		t.Fatalf("want ErrJobInFlight, got %v", err)
	}
	if j.ID != "existing" {
		t.Fatalf("want existing job, got %q", j.ID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestCreateJobIfIdle_Inserts(t *testing.T) {
	s, mock := newMock(t)
	created := time.Date(2025, 10, 2, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`SELECT pg_advisory_xact_lock($1)`)).
		WithArgs(int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`status IN ('queued', 'processing')`)).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows(jobColumns))
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO workflow_jobs`)).
		WithArgs("new", int64(7), int64(1), int64(3), "hi", 10, created).
		WillReturnRows(jobRow(sqlmock.NewRows(jobColumns), "new", campaign.JobQueued, nil))
	mock.ExpectCommit()

	j, err := s.CreateJobIfIdle(context.Background(), campaign.Job{
		ID: "new", CampaignID: 7, OwnerID: 1, AccountID: 3, CustomMessage: "hi", TotalLeads: 10, CreatedAt: created,
	})
	if err != nil {
		t.Fatal(err)
	}
	if j.Status != campaign.JobQueued {
		t.Fatalf("want queued, got %s", j.Status)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func counterRows(sent, checks, limit int) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"account_id", "day", "invites_sent", "checks_performed", "invite_limit", "updated_at"}).
		AddRow(int64(3), "2025-10-02", sent, checks, limit, time.Now())
}

func TestReserveDaily_PartialGrant(t *testing.T) {
	s, mock := newMock(t)
	at := time.Date(2025, 10, 2, 9, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO daily_counters`)).
		WithArgs(int64(3), "2025-10-02", 10, at).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`FOR UPDATE`)).
		WithArgs(int64(3), "2025-10-02").
		WillReturnRows(counterRows(9, 0, 10))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE daily_counters SET invites_sent = invites_sent + $3`)).
		WithArgs(int64(3), "2025-10-02", 1, at, 10).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	g, err := s.ReserveDaily(context.Background(), 3, "2025-10-02", CounterInvites, 5, 10, at)
	if err != nil {
		t.Fatal(err)
	}
	if g != (Grant{Granted: 1, Used: 10, Limit: 10, Remaining: 0}) {
		t.Fatalf("unexpected grant %+v", g)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestSaveDrafts_StampsCallerTime(t *testing.T) {
	s, mock := newMock(t)
	at := time.Date(2025, 10, 2, 9, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO messages`)).
		WithArgs(int64(5), int64(2), "Hi Ana", "m", "t", at).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta(`updated_at = $2`)).
		WithArgs("{5}", at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.SaveDrafts(context.Background(), []campaign.Message{
		{LeadID: 5, CampaignID: 2, Content: "Hi Ana", Model: "m", PromptTag: "t"},
	}, at)
	if err != nil {
		t.Fatal(err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestReserveDaily_ChecksUseCallerLimit(t *testing.T) {
	s, mock := newMock(t)
	at := time.Date(2025, 10, 2, 9, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO daily_counters`)).
		WithArgs(int64(3), "2025-10-02", 0, at).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`FOR UPDATE`)).
		WillReturnRows(counterRows(4, 2, 10))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE daily_counters SET checks_performed = checks_performed + $3`)).
		WithArgs(int64(3), "2025-10-02", 1, at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	g, err := s.ReserveDaily(context.Background(), 3, "2025-10-02", CounterChecks, 5, 3, at)
	if err != nil {
		t.Fatal(err)
	}
	if g != (Grant{Granted: 1, Used: 3, Limit: 3, Remaining: 0}) {
		t.Fatalf("unexpected grant %+v", g)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestReserveDaily_InvitesOnCheckRowTakeCallerLimit(t *testing.T) {
	s, mock := newMock(t)
	at := time.Date(2025, 10, 2, 9, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO daily_counters`)).
		WithArgs(int64(3), "2025-10-02", 10, at).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`FOR UPDATE`)).
		WillReturnRows(counterRows(0, 1, 0))
	mock.ExpectExec(regexp.QuoteMeta(`invite_limit = $5`)).
		WithArgs(int64(3), "2025-10-02", 10, at, 10).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	g, err := s.ReserveDaily(context.Background(), 3, "2025-10-02", CounterInvites, 10, 10, at)
	if err != nil {
		t.Fatal(err)
	}
	if g.Granted != 10 || g.Limit != 10 {
		t.Fatalf("unexpected grant %+v", g)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestReserveDaily_ExhaustedSkipsUpdate(t *testing.T) {
	s, mock := newMock(t)
	at := time.Date(2025, 10, 2, 9, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO daily_counters`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`FOR UPDATE`)).
		WillReturnRows(counterRows(0, 5, 5))
	mock.ExpectCommit()

	g, err := s.ReserveDaily(context.Background(), 3, "2025-10-02", CounterChecks, 1, 5, at)
	if err != nil {
		t.Fatal(err)
	}
	if g.Granted != 0 || g.Remaining != 0 {
		t.Fatalf("unexpected grant %+v", g)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestGetCampaign_NotFound(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM campaigns`)).
		WithArgs(int64(9), int64(1)).
		WillReturnError(sql.ErrNoRows)

	_, err := s.GetCampaign(context.Background(), 1, 9)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestUpdateLeadInvites_SingleStatement(t *testing.T) {
	s, mock := newMock(t)
	at := time.Date(2025, 10, 2, 9, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE leads`)).
		WithArgs("sent", at, "{4,5,6}").
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := s.UpdateLeadInvites(context.Background(), campaign.InviteSent, []int64{4, 5, 6}, at)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("want 3 rows, got %d", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestGrantFor(t *testing.T) {
	cases := []struct {
		used, limit, req int
		want             Grant
	}{
		{0, 10, 5, Grant{Granted: 5, Used: 5, Limit: 10, Remaining: 5}},
		{8, 10, 5, Grant{Granted: 2, Used: 10, Limit: 10, Remaining: 0}},
		{10, 10, 1, Grant{Granted: 0, Used: 10, Limit: 10, Remaining: 0}},
		{12, 10, 1, Grant{Granted: 0, Used: 12, Limit: 10, Remaining: 0}},
	}
	for _, c := range cases {
		if got := grantFor(c.used, c.limit, c.req); got != c.want {
			t.Fatalf("grantFor(%d,%d,%d) = %+v, want %+v", c.used, c.limit, c.req, got, c.want)
		}
	}
}
