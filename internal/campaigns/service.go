// Package campaigns is the campaign side of the command surface: creating
// campaigns, importing leads, reading status with auto-queue, prefetching
// and queueing acceptance checks.
package campaigns

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/Mutter0815/InviteFlow/internal/apperr"
	"github.com/Mutter0815/InviteFlow/internal/cache"
	"github.com/Mutter0815/InviteFlow/internal/campaign"
	"github.com/Mutter0815/InviteFlow/internal/quota"
	"github.com/Mutter0815/InviteFlow/internal/store"
	"github.com/Mutter0815/InviteFlow/pkg/logx"
)

const maxImport = 1000

type Store interface {
	InsertCampaign(ctx context.Context, ownerID int64, name string) (campaign.Campaign, error)
	GetCampaign(ctx context.Context, ownerID, id int64) (campaign.Campaign, error)
	InsertLeads(ctx context.Context, campaignID, ownerID int64, leads []campaign.Lead) ([]campaign.Lead, error)
}

// Stages is the pipeline side the service triggers.
type Stages interface {
	AutoQueue(ctx context.Context, campaignID int64, needing int) (int, error)
	EnqueueAcceptance(ctx context.Context, ownerID, campaignID int64) (quota.Reservation, error)
}

type Service struct {
	st     Store
	cache  *cache.Cache
	stages Stages
	log    *zap.SugaredLogger
}

func New(st Store, c *cache.Cache, stg Stages, log *zap.SugaredLogger) *Service {
	return &Service{st: st, cache: c, stages: stg, log: logx.Or(log).Named("campaigns")}
}

// LeadInput is one lead of an import request.
type LeadInput struct {
	ProfileURL string `json:"profile_url" binding:"required"`
	FullName   string `json:"full_name"`
	Title      string `json:"title"`
	Company    string `json:"company"`
	PictureURL string `json:"picture_url"`
}

type ImportResult struct {
	Inserted   int      `json:"inserted"`
	Duplicates int      `json:"duplicates"`
	Invalid    []string `json:"invalid,omitempty"`
}

type StatusView struct {
	cache.Summary
	// MessageBatchesQueued counts message-generation batches this read queued.
	MessageBatchesQueued int `json:"message_batches_queued"`
}

func (s *Service) Create(ctx context.Context, ownerID int64, name string) (campaign.Campaign, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return campaign.Campaign{}, apperr.New(apperr.KindInvalidInput, "campaign name is required")
	}
	if err := s.cache.InvalidateCampaignList(ctx, ownerID); err != nil {
		s.log.Warnw("campaign_list_invalidate_error", "owner_id", ownerID, "error", err)
	}
	c, err := s.st.InsertCampaign(ctx, ownerID, name)
	if err != nil {
		return c, fmt.Errorf("insert campaign: %w", err)
	}
	if _, err := s.cache.RefreshSummary(ctx, ownerID, c.ID); err != nil {
		s.log.Warnw("summary_refresh_error", "campaign_id", c.ID, "error", err)
	}
	s.log.Infow("campaign_created", "campaign_id", c.ID, "owner_id", ownerID)
	return c, nil
}

func (s *Service) List(ctx context.Context, ownerID int64) ([]campaign.Campaign, error) {
	return s.cache.CampaignList(ctx, ownerID)
}

// Status returns the campaign summary. Leads still needing a message are
// queued for generation when the message stream is idle.
func (s *Service) Status(ctx context.Context, ownerID, campaignID int64) (StatusView, error) {
	sum, err := s.cache.Summary(ctx, ownerID, campaignID)
	if err != nil {
		return StatusView{}, notFound(err, "campaign")
	}
	view := StatusView{Summary: sum}
	if sum.NeedingMessages > 0 {
		n, err := s.stages.AutoQueue(ctx, campaignID, sum.NeedingMessages)
		if err != nil {
			s.log.Warnw("auto_queue_error", "campaign_id", campaignID, "error", err)
		}
		view.MessageBatchesQueued = n
	}
	return view, nil
}

// AddLeads imports leads under their canonical profile URL. Duplicates
// within the campaign are counted and skipped; invalid URLs are reported.
func (s *Service) AddLeads(ctx context.Context, ownerID, campaignID int64, in []LeadInput) (ImportResult, error) {
	var res ImportResult
	if len(in) == 0 || len(in) > maxImport {
		return res, apperr.Newf(apperr.KindInvalidInput, "between 1 and %d leads per import", maxImport)
	}
	if _, err := s.st.GetCampaign(ctx, ownerID, campaignID); err != nil {
		return res, notFound(err, "campaign")
	}

	leads := make([]campaign.Lead, 0, len(in))
	for _, li := range in {
		u, err := campaign.CanonicalURL(li.ProfileURL)
		if err != nil {
			res.Invalid = append(res.Invalid, li.ProfileURL)
			continue
		}
		leads = append(leads, campaign.Lead{
			ProfileURL: u,
			FullName:   strings.TrimSpace(li.FullName),
			Title:      strings.TrimSpace(li.Title),
			Company:    strings.TrimSpace(li.Company),
			PictureURL: li.PictureURL,
		})
	}
	inserted, err := s.st.InsertLeads(ctx, campaignID, ownerID, leads)
	if err != nil {
		return res, fmt.Errorf("insert leads: %w", err)
	}
	res.Inserted = len(inserted)
	res.Duplicates = len(leads) - len(inserted)

	if err := s.cache.WriteLeads(ctx, campaignID, inserted); err != nil {
		s.log.Warnw("cache_write_failed", "campaign_id", campaignID, "error", err)
	}
	if _, err := s.cache.RefreshSummary(ctx, ownerID, campaignID); err != nil {
		s.log.Warnw("summary_refresh_error", "campaign_id", campaignID, "error", err)
	}
	s.log.Infow("leads_imported", "campaign_id", campaignID, "inserted", res.Inserted,
		"duplicates", res.Duplicates, "invalid", len(res.Invalid))
	return res, nil
}

func (s *Service) Prefetch(ctx context.Context, ownerID int64) (cache.PrefetchResult, error) {
	return s.cache.Prefetch(ctx, ownerID)
}

// CheckAcceptance queues an acceptance check for the campaign's operator.
func (s *Service) CheckAcceptance(ctx context.Context, ownerID, campaignID int64) (quota.Reservation, error) {
	return s.stages.EnqueueAcceptance(ctx, ownerID, campaignID)
}

func notFound(err error, what string) error {
	if errors.Is(err, store.ErrNotFound) {
		return apperr.New(apperr.KindNotFound, what+" not found")
	}
	return err
}
