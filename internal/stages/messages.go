package stages

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/Mutter0815/InviteFlow/internal/campaign"
	"github.com/Mutter0815/InviteFlow/internal/collab"
	"github.com/Mutter0815/InviteFlow/internal/stream"
	"github.com/Mutter0815/InviteFlow/pkg/metrics"
)

const (
	topPosts        = 5
	maxMessageWords = 150
)

var labelPrefix = regexp.MustCompile(`(?i)^\s*(?:\*\*)?(?:message|note|connection (?:note|request|message)|invite(?: note)?|subject|draft)(?:\*\*)?\s*:\s*(?:\*\*)?\s*`)

var quotePairs = [][2]string{{`"`, `"`}, {"'", "'"}, {"“", "”"}, {"«", "»"}, {"‘", "’"}}

// Sanitize cleans a generated note: label prefixes such as "Message:" and
// wrapping quotes are removed and the text is capped at 150 words.
func Sanitize(s string) string {
	s = strings.TrimSpace(s)
	for {
		prev := s
		s = strings.TrimSpace(labelPrefix.ReplaceAllString(s, ""))
		for _, q := range quotePairs {
			if len(s) >= len(q[0])+len(q[1]) && strings.HasPrefix(s, q[0]) && strings.HasSuffix(s, q[1]) {
				s = strings.TrimSpace(s[len(q[0]) : len(s)-len(q[1])])
			}
		}
		if s == prev {
			break
		}
	}
	words := strings.Fields(s)
	if len(words) > maxMessageWords {
		return strings.Join(words[:maxMessageWords], " ")
	}
	return s
}

func (r *Runner) processMessages(ctx context.Context, e stream.Entry, ls *lease) (result, error) {
	snap, err := r.Cache.LeadsByID(ctx, e.CampaignID, e.Batch.LeadIDs)
	if err != nil {
		return result{}, err
	}
	lim := r.limiter()

	var (
		done   []campaign.Lead
		drafts []campaign.Message
		failed []campaign.Lead
		lost   error
	)
	for _, id := range e.Batch.LeadIDs {
		l, ok := snap[id]
		if !ok || !l.NeedsMessage() {
			metrics.StageLeads.WithLabelValues(e.Stage, "skipped").Inc()
			continue
		}
		if ctx.Err() != nil {
			break
		}
		if err := ls.renew(ctx); err != nil {
			lost = err
			r.log.Warnw("batch_lease_lost", "campaign_id", e.CampaignID, "lead_id", l.ID, "error", err)
			break
		}
		if err := lim.Wait(ctx); err != nil {
			break
		}
		msg, err := r.draftFor(ctx, l)
		if err != nil {
			r.log.Infow("message_generation_failed", "campaign_id", e.CampaignID, "lead_id", l.ID, "error", err)
			metrics.StageLeads.WithLabelValues(e.Stage, "failed").Inc()
			failed = append(failed, l)
			continue
		}
		l.HasMessage = true
		l.ProcessingStatus = campaign.ProcessingCompleted
		l.UpdatedAt = r.Clock.Now()
		done = append(done, l)
		drafts = append(drafts, msg)
		metrics.StageLeads.WithLabelValues(e.Stage, "generated").Inc()
	}

	fctx, cancel := flushContext(ctx)
	defer cancel()
	if err := r.flushMessages(fctx, e, done, drafts, failed); err != nil {
		return result{}, err
	}
	if lost != nil {
		return result{}, lost
	}
	if ctx.Err() != nil && len(done)+len(failed) < len(e.Batch.LeadIDs) {
		return result{}, ctx.Err()
	}
	return result{ack: true, rest: r.opts.IntraBatchDelay}, nil
}

// draftFor produces the sanitized draft for one lead, scraping posts when
// none are stored.
func (r *Runner) draftFor(ctx context.Context, l campaign.Lead) (campaign.Message, error) {
	posts, err := r.Store.ListPosts(ctx, l.ID)
	if err != nil {
		return campaign.Message{}, err
	}
	if len(posts) == 0 {
		sctx, cancel := context.WithTimeout(ctx, scrapeTimeout)
		posts, err = r.Scraper.RecentPosts(sctx, l.ProfileURL)
		cancel()
		if err != nil {
			return campaign.Message{}, fmt.Errorf("scrape posts: %w", err)
		}
		for i := range posts {
			posts[i].LeadID = l.ID
			posts[i].OwnerID = l.OwnerID
		}
		if err := r.Store.InsertPosts(ctx, posts); err != nil {
			return campaign.Message{}, fmt.Errorf("store posts: %w", err)
		}
	}

	gctx, cancel := context.WithTimeout(ctx, llmTimeout)
	defer cancel()
	gen, err := r.Generator.Generate(gctx, collab.MessageRequest{
		Lead:         l,
		Posts:        campaign.TopPosts(posts, topPosts),
		Instructions: r.opts.Instructions,
	})
	if err != nil {
		return campaign.Message{}, fmt.Errorf("generate: %w", err)
	}
	content := Sanitize(gen.Content)
	if content == "" {
		return campaign.Message{}, fmt.Errorf("generate: empty message after sanitizing")
	}
	now := r.Clock.Now()
	return campaign.Message{
		LeadID:     l.ID,
		CampaignID: l.CampaignID,
		Content:    content,
		Model:      gen.Model,
		PromptTag:  gen.PromptTag,
		Status:     campaign.MessageDraft,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// flushMessages writes KV first and the drafts second. Failed leads get one
// retry entry until the retry budget is spent, then processing error.
func (r *Runner) flushMessages(ctx context.Context, e stream.Entry, done []campaign.Lead, drafts []campaign.Message, failed []campaign.Lead) error {
	if len(done) > 0 {
		if err := r.Cache.WriteLeads(ctx, e.CampaignID, done); err != nil {
			r.log.Warnw("cache_write_failed", "campaign_id", e.CampaignID, "error", err)
		}
		if err := r.Store.SaveDrafts(ctx, drafts, r.Clock.Now()); err != nil {
			return fmt.Errorf("save drafts: %w", err)
		}
	}
	if len(failed) == 0 {
		return nil
	}
	ids := make([]int64, len(failed))
	for i, l := range failed {
		ids[i] = l.ID
	}
	if e.Batch.RetryCount+1 < r.opts.MaxRetries {
		r.requeue(ctx, e, ids)
		return nil
	}
	if err := r.Store.UpdateLeadProcessing(ctx, campaign.ProcessingError, ids); err != nil {
		return fmt.Errorf("mark processing error: %w", err)
	}
	now := r.Clock.Now()
	for i := range failed {
		failed[i].ProcessingStatus = campaign.ProcessingError
		failed[i].UpdatedAt = now
	}
	if err := r.Cache.WriteLeads(ctx, e.CampaignID, failed); err != nil {
		r.log.Warnw("cache_write_failed", "campaign_id", e.CampaignID, "error", err)
	}
	metrics.StageLeads.WithLabelValues(e.Stage, "exhausted").Add(float64(len(failed)))
	return nil
}
