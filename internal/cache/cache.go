// Package cache keeps the KV mirror of campaigns and leads coherent with the
// persistent store. Reads go to KV first and refill it from the store on a
// miss. Lead mutations are written to KV in one pipelined round trip before
// the grouped store updates run.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Mutter0815/InviteFlow/internal/campaign"
	"github.com/Mutter0815/InviteFlow/internal/clock"
	"github.com/Mutter0815/InviteFlow/internal/kv"
	"github.com/Mutter0815/InviteFlow/internal/lock"
	"github.com/Mutter0815/InviteFlow/internal/store"
	"github.com/Mutter0815/InviteFlow/pkg/logx"
)

// Store is the part of the persistent store the cache reads and writes.
type Store interface {
	GetCampaign(ctx context.Context, ownerID, id int64) (campaign.Campaign, error)
	ListCampaigns(ctx context.Context, ownerID int64) ([]campaign.Campaign, error)
	UpdateCampaignStatus(ctx context.Context, id int64, status campaign.Status) error
	ListLeads(ctx context.Context, campaignID int64) ([]campaign.Lead, error)
	GetLeads(ctx context.Context, ids []int64) ([]campaign.Lead, error)
	UpdateLeadInvites(ctx context.Context, status campaign.InviteStatus, ids []int64, at time.Time) (int64, error)
	RecordInviteFailures(ctx context.Context, ids []int64, maxRetries int, at time.Time) ([]store.LeadRetry, error)
	ActiveJobForCampaign(ctx context.Context, campaignID int64) (campaign.Job, bool, error)
}

// Summary is the campaign/<id>/data hash.
type Summary struct {
	CampaignID      int64  `json:"campaign_id"      redis:"campaign_id"`
	OwnerID         int64  `json:"owner_id"         redis:"owner_id"`
	Name            string `json:"name"             redis:"name"`
	Status          string `json:"status"           redis:"status"`
	Total           int    `json:"total"            redis:"total"`
	Pending         int    `json:"pending"          redis:"pending"`
	Sent            int    `json:"sent"             redis:"sent"`
	Accepted        int    `json:"accepted"         redis:"accepted"`
	Rejected        int    `json:"rejected"         redis:"rejected"`
	Failed          int    `json:"failed"           redis:"failed"`
	NeedingMessages int    `json:"needing_messages" redis:"needing_messages"`
	WithMessages    int    `json:"with_messages"    redis:"with_messages"`
	ActiveJobID     string `json:"active_job_id"    redis:"active_job_id"`
	RefreshedAt     int64  `json:"refreshed_at"     redis:"refreshed_at"`
}

type Cache struct {
	rdb   redis.UniversalClient
	st    Store
	locks *lock.Manager
	clk   clock.Clock
	log   *zap.SugaredLogger
}

func New(rdb redis.UniversalClient, st Store, locks *lock.Manager, clk clock.Clock, log *zap.SugaredLogger) *Cache {
	return &Cache{rdb: rdb, st: st, locks: locks, clk: clk, log: logx.Or(log)}
}

// WriteLeads mirrors lead snapshots into campaign/<id>/leads in one pipeline.
func (c *Cache) WriteLeads(ctx context.Context, campaignID int64, leads []campaign.Lead) error {
	if len(leads) == 0 {
		return nil
	}
	fields := make([]any, 0, 2*len(leads))
	for _, l := range leads {
		b, err := json.Marshal(l)
		if err != nil {
			return err
		}
		fields = append(fields, kv.LeadField(l.ID), string(b))
	}
	key := kv.CampaignLeads(campaignID)
	_, err := c.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, fields...)
		pipe.Expire(ctx, key, kv.CampaignTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("write leads: %w", err)
	}
	return nil
}

func (c *Cache) hydrateLeads(ctx context.Context, campaignID int64) ([]campaign.Lead, error) {
	leads, err := c.st.ListLeads(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("list leads: %w", err)
	}
	if err := c.WriteLeads(ctx, campaignID, leads); err != nil {
		c.log.Warnw("cache_refill_failed", "campaign_id", campaignID, "error", err)
	}
	return leads, nil
}

// LeadsByID returns the snapshots of the requested leads keyed by id. KV
// misses are filled from the store; ids unknown to both are absent.
func (c *Cache) LeadsByID(ctx context.Context, campaignID int64, ids []int64) (map[int64]campaign.Lead, error) {
	out := make(map[int64]campaign.Lead, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	fields := make([]string, len(ids))
	for i, id := range ids {
		fields[i] = kv.LeadField(id)
	}
	vals, err := c.rdb.HMGet(ctx, kv.CampaignLeads(campaignID), fields...).Result()
	if err != nil {
		c.log.Warnw("cache_read_failed", "campaign_id", campaignID, "error", err)
		vals = make([]any, len(ids))
	}
	var missing []int64
	for i, v := range vals {
		raw, ok := v.(string)
		var l campaign.Lead
		if !ok || json.Unmarshal([]byte(raw), &l) != nil {
			missing = append(missing, ids[i])
			continue
		}
		out[l.ID] = l
	}
	if len(missing) == 0 {
		return out, nil
	}
	rows, err := c.st.GetLeads(ctx, missing)
	if err != nil {
		return nil, fmt.Errorf("get leads: %w", err)
	}
	var refill []campaign.Lead
	for _, l := range rows {
		if l.CampaignID != campaignID {
			continue
		}
		out[l.ID] = l
		refill = append(refill, l)
	}
	if err := c.WriteLeads(ctx, campaignID, refill); err != nil {
		c.log.Warnw("cache_refill_failed", "campaign_id", campaignID, "error", err)
	}
	return out, nil
}

// CommitInvites applies a batch of invite outcomes: KV first, then one store
// update per target status for the successes and one for the failures. The
// returned retries are authoritative; KV is corrected if it disagrees.
func (c *Cache) CommitInvites(ctx context.Context, campaignID int64, succeeded, failed []campaign.Lead, maxRetries int) ([]store.LeadRetry, error) {
	now := c.clk.Now()
	all := make([]campaign.Lead, 0, len(succeeded)+len(failed))
	all = append(all, succeeded...)
	all = append(all, failed...)
	if err := c.WriteLeads(ctx, campaignID, all); err != nil {
		c.log.Warnw("cache_write_failed", "campaign_id", campaignID, "error", err)
	}

	byStatus := map[campaign.InviteStatus][]int64{}
	for _, l := range succeeded {
		byStatus[l.InviteStatus] = append(byStatus[l.InviteStatus], l.ID)
	}
	for status, ids := range byStatus {
		if _, err := c.st.UpdateLeadInvites(ctx, status, ids, now); err != nil {
			return nil, fmt.Errorf("update leads to %s: %w", status, err)
		}
	}
	if len(failed) == 0 {
		return nil, nil
	}

	ids := make([]int64, len(failed))
	local := make(map[int64]campaign.Lead, len(failed))
	for i, l := range failed {
		ids[i] = l.ID
		local[l.ID] = l
	}
	retries, err := c.st.RecordInviteFailures(ctx, ids, maxRetries, now)
	if err != nil {
		return nil, fmt.Errorf("record failures: %w", err)
	}
	var fix []campaign.Lead
	for _, r := range retries {
		l := local[r.ID]
		if l.InviteRetryCount != r.RetryCount || l.InviteStatus != r.InviteStatus {
			l.InviteRetryCount, l.InviteStatus = r.RetryCount, r.InviteStatus
			fix = append(fix, l)
		}
	}
	if err := c.WriteLeads(ctx, campaignID, fix); err != nil {
		c.log.Warnw("cache_write_failed", "campaign_id", campaignID, "error", err)
	}
	return retries, nil
}

// Summary returns the campaign summary hash, refilling it on a miss. A
// summary owned by another operator is reported as store.ErrNotFound.
func (c *Cache) Summary(ctx context.Context, ownerID, campaignID int64) (Summary, error) {
	var s Summary
	cmd := c.rdb.HGetAll(ctx, kv.CampaignData(campaignID))
	if vals, err := cmd.Result(); err == nil && len(vals) > 0 {
		if err := cmd.Scan(&s); err == nil {
			if s.OwnerID != ownerID {
				return Summary{}, store.ErrNotFound
			}
			return s, nil
		}
	}
	return c.RefreshSummary(ctx, ownerID, campaignID)
}

// RefreshSummary recomputes the summary from the store, persists the derived
// campaign status when it changed and rewrites the KV hash.
func (c *Cache) RefreshSummary(ctx context.Context, ownerID, campaignID int64) (Summary, error) {
	camp, err := c.st.GetCampaign(ctx, ownerID, campaignID)
	if err != nil {
		return Summary{}, err
	}
	leads, err := c.st.ListLeads(ctx, campaignID)
	if err != nil {
		return Summary{}, fmt.Errorf("list leads: %w", err)
	}
	job, inFlight, err := c.st.ActiveJobForCampaign(ctx, campaignID)
	if err != nil {
		return Summary{}, fmt.Errorf("active job: %w", err)
	}
	st := campaign.Summarize(leads)
	status := campaign.DeriveStatus(st, inFlight)
	if status != camp.Status {
		if err := c.st.UpdateCampaignStatus(ctx, campaignID, status); err != nil {
			return Summary{}, fmt.Errorf("update campaign status: %w", err)
		}
	}
	s := Summary{
		CampaignID:      camp.ID,
		OwnerID:         camp.OwnerID,
		Name:            camp.Name,
		Status:          string(status),
		Total:           st.Total,
		Pending:         st.Pending,
		Sent:            st.Sent,
		Accepted:        st.Accepted,
		Rejected:        st.Rejected,
		Failed:          st.Failed,
		NeedingMessages: st.NeedingMessages,
		WithMessages:    st.WithMessages,
		RefreshedAt:     c.clk.Now().UnixMilli(),
	}
	if inFlight {
		s.ActiveJobID = job.ID
	}
	key := kv.CampaignData(campaignID)
	_, err = c.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, s)
		pipe.Expire(ctx, key, kv.CampaignTTL)
		return nil
	})
	if err != nil {
		c.log.Warnw("cache_write_failed", "campaign_id", campaignID, "error", err)
	}
	return s, nil
}

// CampaignList returns the operator's campaigns, KV first.
func (c *Cache) CampaignList(ctx context.Context, ownerID int64) ([]campaign.Campaign, error) {
	key := kv.CampaignList(ownerID)
	raw, err := c.rdb.Get(ctx, key).Result()
	if err == nil {
		var out []campaign.Campaign
		if json.Unmarshal([]byte(raw), &out) == nil {
			return out, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		c.log.Warnw("cache_read_failed", "key", key, "error", err)
	}
	out, err := c.st.ListCampaigns(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if b, err := json.Marshal(out); err == nil {
		if err := c.rdb.Set(ctx, key, b, kv.CampaignListTTL).Err(); err != nil {
			c.log.Warnw("cache_write_failed", "key", key, "error", err)
		}
	}
	return out, nil
}

// InvalidateCampaignList drops the operator's list key. Call it before the
// store write that changes the list.
func (c *Cache) InvalidateCampaignList(ctx context.Context, ownerID int64) error {
	return c.rdb.Del(ctx, kv.CampaignList(ownerID)).Err()
}

// PrefetchResult reports what a prefetch did.
type PrefetchResult struct {
	Skipped   bool `json:"skipped"`
	Hydrated  int  `json:"hydrated"`
	Untouched int  `json:"untouched"`
}

// Prefetch hydrates KV for every campaign of the operator whose data hash is
// absent. It runs under the per-operator prefetch lock and bails out when
// another prefetch holds it.
func (c *Cache) Prefetch(ctx context.Context, ownerID int64) (PrefetchResult, error) {
	l, err := c.locks.AcquirePrefetch(ctx, ownerID)
	if errors.Is(err, lock.ErrNotAcquired) {
		return PrefetchResult{Skipped: true}, nil
	}
	if err != nil {
		return PrefetchResult{}, err
	}
	defer l.ReleaseQuietly(context.WithoutCancel(ctx))

	camps, err := c.st.ListCampaigns(ctx, ownerID)
	if err != nil {
		return PrefetchResult{}, err
	}
	var res PrefetchResult
	for _, camp := range camps {
		n, err := c.rdb.Exists(ctx, kv.CampaignData(camp.ID)).Result()
		if err != nil {
			return res, err
		}
		if n > 0 {
			res.Untouched++
			continue
		}
		if _, err := c.hydrateLeads(ctx, camp.ID); err != nil {
			return res, err
		}
		if _, err := c.RefreshSummary(ctx, ownerID, camp.ID); err != nil {
			return res, err
		}
		res.Hydrated++
	}
	c.log.Infow("prefetch_done", "owner_id", ownerID, "hydrated", res.Hydrated, "untouched", res.Untouched)
	return res, nil
}
