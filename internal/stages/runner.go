// Package stages runs the pipeline stages over claimed stream entries:
// message generation, invite sending and acceptance checking. Every batch
// is processed under the campaign's batch lock, skips leads whose stage
// post-condition already holds, and flushes its lead updates in grouped
// writes before the entry is acknowledged.
package stages

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Mutter0815/InviteFlow/internal/apperr"
	"github.com/Mutter0815/InviteFlow/internal/cache"
	"github.com/Mutter0815/InviteFlow/internal/campaign"
	"github.com/Mutter0815/InviteFlow/internal/clock"
	"github.com/Mutter0815/InviteFlow/internal/collab"
	"github.com/Mutter0815/InviteFlow/internal/kv"
	"github.com/Mutter0815/InviteFlow/internal/lock"
	"github.com/Mutter0815/InviteFlow/internal/progress"
	"github.com/Mutter0815/InviteFlow/internal/quota"
	"github.com/Mutter0815/InviteFlow/internal/store"
	"github.com/Mutter0815/InviteFlow/internal/stream"
	"github.com/Mutter0815/InviteFlow/pkg/logx"
	"github.com/Mutter0815/InviteFlow/pkg/metrics"
	"github.com/Mutter0815/InviteFlow/pkg/model"
)

const (
	tracerName = "github.com/Mutter0815/InviteFlow/internal/stages"

	DefaultInviteBatchSize  = 10
	DefaultMessageBatchSize = 5
	DefaultMaxRetries       = 3

	sendTimeout     = 2 * time.Minute
	validateTimeout = 10 * time.Minute
	llmTimeout      = time.Minute
	scrapeTimeout   = time.Minute
	flushTimeout    = 30 * time.Second
)

// Store is the part of the persistent store the stages touch directly.
// Lead invite state goes through the cache.
type Store interface {
	GetCampaign(ctx context.Context, ownerID, id int64) (campaign.Campaign, error)
	ListInviteEligible(ctx context.Context, campaignID int64) ([]campaign.Lead, error)
	ListLeadsNeedingMessages(ctx context.Context, campaignID int64) ([]campaign.Lead, error)
	ListSentLeads(ctx context.Context, ownerID int64) ([]campaign.Lead, error)
	UpdateLeadProcessing(ctx context.Context, status campaign.ProcessingStatus, ids []int64) error
	ListPosts(ctx context.Context, leadID int64) ([]campaign.Post, error)
	InsertPosts(ctx context.Context, posts []campaign.Post) error
	SaveDrafts(ctx context.Context, drafts []campaign.Message, at time.Time) error
	GetMessage(ctx context.Context, leadID, campaignID int64) (campaign.Message, error)
	MarkMessagesSent(ctx context.Context, campaignID int64, leadIDs []int64) error
	ActiveSession(ctx context.Context, operatorID int64) (campaign.AccountSession, error)
	GetSession(ctx context.Context, id int64) (campaign.AccountSession, error)
	ListActiveSessions(ctx context.Context) ([]campaign.AccountSession, error)
	DeactivateSession(ctx context.Context, id int64) error
}

// Jobs is the worker-facing side of the job lifecycle manager.
type Jobs interface {
	JobState(ctx context.Context, jobID string) (campaign.Job, error)
	ClaimJob(ctx context.Context, jobID string) (campaign.Job, error)
	RecordProgress(ctx context.Context, jobID string, n int) (campaign.Job, error)
	CompleteJob(ctx context.Context, jobID, note string) (campaign.Job, error)
	FailJob(ctx context.Context, jobID string, kind apperr.Kind, cause error) (campaign.Job, error)
}

type Deps struct {
	Store  Store
	Cache  *cache.Cache
	Pipe   *stream.Pipeline
	Locks  *lock.Manager
	Quota  *quota.Controller
	Hub    *progress.Hub
	Jobs   Jobs
	Clock  clock.Clock
	Logger *zap.SugaredLogger

	Driver    collab.InviteDriver
	Validator collab.SessionValidator
	Generator collab.MessageGenerator
	Scraper   collab.PostScraper
}

type Options struct {
	InviteBatchSize  int
	MessageBatchSize int
	// InterLeadDelay paces collaborator calls inside a batch.
	InterLeadDelay time.Duration
	// IntraBatchDelay rests a campaign's message stage between batches.
	IntraBatchDelay time.Duration
	// InviteBatchDelay rests a campaign's invite stage between batches.
	InviteBatchDelay time.Duration
	MaxRetries       int
	// Instructions is passed to the message generator with every lead.
	Instructions string
}

type Runner struct {
	Deps
	opts   Options
	tracer trace.Tracer
	log    *zap.SugaredLogger
}

func NewRunner(d Deps, opts Options) *Runner {
	if opts.InviteBatchSize <= 0 {
		opts.InviteBatchSize = DefaultInviteBatchSize
	}
	if opts.MessageBatchSize <= 0 {
		opts.MessageBatchSize = DefaultMessageBatchSize
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	return &Runner{
		Deps:   d,
		opts:   opts,
		tracer: otel.Tracer(tracerName),
		log:    logx.Or(d.Logger).Named("stages"),
	}
}

// result tells the caller what to do with the entry once the handler returns.
type result struct {
	ack  bool
	rest time.Duration
}

// RunOnce processes at most one batch of stage and reports whether it did.
// Campaigns are visited in random order so workers spread out.
func (r *Runner) RunOnce(ctx context.Context, stage, consumer string) (bool, error) {
	ids, err := r.Pipe.Campaigns(ctx, stage)
	if err != nil {
		return false, fmt.Errorf("list %s campaigns: %w", stage, err)
	}
	rand.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })
	for _, id := range ids {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		handled, err := r.runCampaign(ctx, stage, id, consumer)
		if err != nil {
			r.log.Warnw("stage_campaign_error", "stage", stage, "campaign_id", id, "error", err)
			continue
		}
		if handled {
			return true, nil
		}
	}
	return false, nil
}

func (r *Runner) runCampaign(ctx context.Context, stage string, campaignID int64, consumer string) (bool, error) {
	resting, err := r.Locks.Held(ctx, kv.StagePace(campaignID, stage))
	if err != nil {
		return false, err
	}
	if resting {
		return false, nil
	}

	lk, err := r.Locks.AcquireBatch(ctx, campaignID)
	if errors.Is(err, lock.ErrNotAcquired) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer lk.ReleaseQuietly(context.WithoutCancel(ctx))

	entries, err := r.Pipe.Claim(ctx, stage, campaignID, consumer, 1)
	if err != nil {
		return false, err
	}
	if len(entries) == 0 {
		if n, err := r.Pipe.Len(ctx, stage, campaignID); err == nil && n == 0 {
			if _, err := r.Pipe.Forget(ctx, stage, campaignID); err != nil {
				r.log.Warnw("stage_forget_error", "stage", stage, "campaign_id", campaignID, "error", err)
			}
		}
		return false, nil
	}
	r.handle(ctx, entries[0], &lease{lk: lk, pipe: r.Pipe, e: entries[0]})
	return true, nil
}

// lease is the worker's hold on a claimed batch: the campaign's batch lock
// and the pending entry. Lead loops renew it before every lead.
type lease struct {
	lk   *lock.Lock
	pipe *stream.Pipeline
	e    stream.Entry
}

func (l *lease) renew(ctx context.Context) error {
	if err := l.lk.Extend(ctx, lock.BatchTTL); err != nil {
		return fmt.Errorf("renew batch lock: %w", err)
	}
	if err := l.pipe.Touch(ctx, l.e); err != nil {
		return fmt.Errorf("renew entry %s: %w", l.e.ID, err)
	}
	return nil
}

func (r *Runner) handle(ctx context.Context, e stream.Entry, ls *lease) {
	ctx, span := r.tracer.Start(ctx, "stage."+e.Stage, trace.WithAttributes(
		attribute.String("stage", e.Stage),
		attribute.Int64("campaign_id", e.CampaignID),
		attribute.String("batch_id", e.Batch.BatchID),
		attribute.Int("leads", len(e.Batch.LeadIDs)),
		attribute.Bool("retry", e.Batch.IsRetry),
	))
	defer span.End()

	start := time.Now()
	defer func() {
		metrics.StageBatchDuration.WithLabelValues(e.Stage).Observe(time.Since(start).Seconds())
	}()

	fields := []any{"stage", e.Stage, "campaign_id", e.CampaignID, "batch_id", e.Batch.BatchID,
		"entry_id", e.ID, "deliveries", e.Deliveries}
	r.log.Debugw("batch_claimed", fields...)

	var (
		res result
		err error
	)
	switch e.Stage {
	case kv.StageMessageGeneration:
		res, err = r.processMessages(ctx, e, ls)
	case kv.StageInviteSending:
		res, err = r.processInvites(ctx, e, ls)
	case kv.StageAcceptanceChecking:
		res, err = r.processAcceptance(ctx, e)
	default:
		res, err = result{ack: true}, fmt.Errorf("unknown stage %q", e.Stage)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.log.Warnw("batch_error", append(fields, "error", err)...)
	}

	actx := context.WithoutCancel(ctx)
	if res.ack {
		if err := r.Pipe.Ack(actx, e); err != nil {
			r.log.Errorw("batch_ack_error", append(fields, "error", err)...)
		}
	}
	if res.rest > 0 {
		if err := r.Locks.Hold(actx, kv.StagePace(e.CampaignID, e.Stage), res.rest); err != nil {
			r.log.Warnw("stage_pace_error", append(fields, "error", err)...)
		}
	}
	r.log.Debugw("batch_done", append(fields, "acked", res.ack, "rest", res.rest.String())...)
}

// limiter paces collaborator calls within one batch.
func (r *Runner) limiter() *rate.Limiter {
	if r.opts.InterLeadDelay <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(r.opts.InterLeadDelay), 1)
}

// flushContext detaches store writes from worker shutdown so a batch that
// did its side effects also records them.
func flushContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
}

func (r *Runner) publish(ctx context.Context, ev model.Event) {
	if ev.JobID == "" {
		return
	}
	if err := r.Hub.Publish(ctx, ev); err != nil {
		r.log.Warnw("event_publish_error", "job_id", ev.JobID, "type", ev.Type, "error", err)
	}
}

// requeue appends the failed leads as one retry entry on the same stream.
func (r *Runner) requeue(ctx context.Context, e stream.Entry, ids []int64) {
	if len(ids) == 0 {
		return
	}
	b := e.Batch
	b.BatchID = ""
	b.EnqueuedAt = time.Time{}
	b.LeadIDs = ids
	b.IsRetry = true
	b.RetryCount++
	if _, err := r.Pipe.Enqueue(ctx, e.Stage, b); err != nil {
		r.log.Errorw("retry_enqueue_error", "stage", e.Stage, "campaign_id", e.CampaignID, "leads", ids, "error", err)
		return
	}
	metrics.StageRetries.WithLabelValues(e.Stage).Add(float64(len(ids)))
	r.log.Infow("retry_requeue", "stage", e.Stage, "campaign_id", e.CampaignID, "leads", len(ids), "retry", b.RetryCount)
}

// openSession validates the account and opens a driver session on it.
func (r *Runner) openSession(ctx context.Context, sess campaign.AccountSession) (collab.DriverSession, error) {
	vctx, cancel := context.WithTimeout(ctx, validateTimeout)
	defer cancel()
	if err := r.Validator.Validate(vctx, sess); err != nil {
		return nil, err
	}
	return r.Driver.Open(vctx, sess)
}

func (r *Runner) closeSession(ctx context.Context, ds collab.DriverSession, accountID int64) {
	cctx, cancel := flushContext(ctx)
	defer cancel()
	if err := ds.Close(cctx); err != nil {
		r.log.Warnw("driver_close_error", "account_id", accountID, "error", err)
	}
}

// expireSession deactivates the account after the driver rejected it.
func (r *Runner) expireSession(ctx context.Context, accountID int64) {
	if err := r.Store.DeactivateSession(ctx, accountID); err != nil {
		r.log.Errorw("session_deactivate_error", "account_id", accountID, "error", err)
		return
	}
	r.log.Warnw("session_expired", "account_id", accountID)
}

// control answers "should the batch stop here" between leads.
type control struct {
	jobs  Jobs
	jobID string
	watch *progress.ControlWatch
}

func (r *Runner) watchJob(ctx context.Context, jobID string) *control {
	c := &control{jobs: r.Jobs, jobID: jobID}
	w, err := r.Hub.SubscribeControl(ctx, jobID)
	if err != nil {
		r.log.Warnw("control_subscribe_error", "job_id", jobID, "error", err)
		return c
	}
	c.watch = w
	return c
}

func (c *control) close() {
	if c.watch != nil {
		c.watch.Close()
	}
}

// stopped returns the status the job moved to when it is no longer processing.
func (c *control) stopped(ctx context.Context) (campaign.JobStatus, bool) {
	if c.watch != nil {
		switch c.watch.Action() {
		case model.ControlPause:
			return campaign.JobPaused, true
		case model.ControlCancel:
			return campaign.JobCancelled, true
		}
	}
	j, err := c.jobs.JobState(ctx, c.jobID)
	if err != nil || j.Status == campaign.JobProcessing {
		return "", false
	}
	return j.Status, true
}

func notFound(err error) bool {
	return errors.Is(err, store.ErrNotFound) || apperr.Is(err, apperr.KindNotFound)
}
