package store

import (
	"context"
	"time"

	"github.com/Mutter0815/InviteFlow/internal/campaign"
)

// Repository is the persistence surface shared by the Postgres store and
// the in-memory store.
type Repository interface {
	InsertCampaign(ctx context.Context, ownerID int64, name string) (campaign.Campaign, error)
	GetCampaign(ctx context.Context, ownerID, id int64) (campaign.Campaign, error)
	ListCampaigns(ctx context.Context, ownerID int64) ([]campaign.Campaign, error)
	UpdateCampaignStatus(ctx context.Context, id int64, status campaign.Status) error

	InsertLeads(ctx context.Context, campaignID, ownerID int64, leads []campaign.Lead) ([]campaign.Lead, error)
	ListLeads(ctx context.Context, campaignID int64) ([]campaign.Lead, error)
	GetLead(ctx context.Context, id int64) (campaign.Lead, error)
	GetLeads(ctx context.Context, ids []int64) ([]campaign.Lead, error)
	ListInviteEligible(ctx context.Context, campaignID int64) ([]campaign.Lead, error)
	ListLeadsNeedingMessages(ctx context.Context, campaignID int64) ([]campaign.Lead, error)
	ListSentLeads(ctx context.Context, ownerID int64) ([]campaign.Lead, error)
	UpdateLeadInvites(ctx context.Context, status campaign.InviteStatus, ids []int64, at time.Time) (int64, error)
	RecordInviteFailures(ctx context.Context, ids []int64, maxRetries int, at time.Time) ([]LeadRetry, error)
	UpdateLeadProcessing(ctx context.Context, status campaign.ProcessingStatus, ids []int64) error
	ListPosts(ctx context.Context, leadID int64) ([]campaign.Post, error)
	InsertPosts(ctx context.Context, posts []campaign.Post) error

	SaveDrafts(ctx context.Context, drafts []campaign.Message, at time.Time) error
	GetMessage(ctx context.Context, leadID, campaignID int64) (campaign.Message, error)
	ListMessages(ctx context.Context, campaignID int64) ([]campaign.Message, error)
	MarkMessagesSent(ctx context.Context, campaignID int64, leadIDs []int64) error

	CreateJobIfIdle(ctx context.Context, j campaign.Job) (campaign.Job, error)
	ResumeJobIfIdle(ctx context.Context, id string, at time.Time) (campaign.Job, error)
	GetJob(ctx context.Context, id string) (campaign.Job, error)
	TransitionJob(ctx context.Context, id string, to campaign.JobStatus, at time.Time, errMsg string) (campaign.Job, error)
	AddJobProgress(ctx context.Context, id string, n int) (campaign.Job, error)
	ListStaleJobs(ctx context.Context, startedBefore time.Time) ([]campaign.Job, error)
	ActiveJobForCampaign(ctx context.Context, campaignID int64) (campaign.Job, bool, error)
	ListJobs(ctx context.Context, ownerID int64, limit int) ([]campaign.Job, error)

	ReserveDaily(ctx context.Context, accountID int64, day string, kind CounterKind, requested, limit int, at time.Time) (Grant, error)
	RefundDaily(ctx context.Context, accountID int64, day string, kind CounterKind, n int, at time.Time) error
	GetDaily(ctx context.Context, accountID int64, day string, limit int) (campaign.DailyCounter, error)

	ActiveSession(ctx context.Context, operatorID int64) (campaign.AccountSession, error)
	GetSession(ctx context.Context, id int64) (campaign.AccountSession, error)
	ListActiveSessions(ctx context.Context) ([]campaign.AccountSession, error)
	InsertSession(ctx context.Context, a campaign.AccountSession) (campaign.AccountSession, error)
	DeactivateSession(ctx context.Context, id int64) error
}

var (
	_ Repository = (*Store)(nil)
	_ Repository = (*Memory)(nil)
)
