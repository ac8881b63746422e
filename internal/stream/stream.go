// Package stream runs the per-campaign stage streams: batch descriptors are
// appended to campaign/<id>/<stage> and consumed through one consumer group
// per stage. Acknowledged entries are deleted, so a stream's length is its
// outstanding work.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Mutter0815/InviteFlow/internal/clock"
	"github.com/Mutter0815/InviteFlow/internal/kv"
	"github.com/Mutter0815/InviteFlow/pkg/logx"
	"github.com/Mutter0815/InviteFlow/pkg/model"
)

const (
	batchField = "batch"

	// DefaultMinIdle is longer than the batch lock TTL, so an entry whose
	// worker still holds the campaign lock is never reclaimed.
	DefaultMinIdle = 6 * time.Minute
)

// ErrNotPending is returned by Touch when the entry is no longer pending.
var ErrNotPending = errors.New("entry not pending")

// Entry is one claimed stream entry.
type Entry struct {
	ID         string
	Stage      string
	CampaignID int64
	Batch      model.Batch
	// Deliveries counts how many times the group handed this entry out.
	Deliveries int64
	// Consumer is the group consumer the entry was claimed for.
	Consumer string
}

type Pipeline struct {
	rdb     redis.UniversalClient
	clk     clock.Clock
	minIdle time.Duration
	log     *zap.SugaredLogger
}

// New builds a pipeline. Pending entries idle for at least minIdle are
// reclaimed by the next Claim; a negative minIdle selects the default.
func New(rdb redis.UniversalClient, clk clock.Clock, minIdle time.Duration, log *zap.SugaredLogger) *Pipeline {
	if minIdle < 0 {
		minIdle = DefaultMinIdle
	}
	return &Pipeline{rdb: rdb, clk: clk, minIdle: minIdle, log: logx.Or(log)}
}

func group(stage string) (string, error) {
	g := kv.Group(stage)
	if g == "" {
		return "", fmt.Errorf("unknown stage %q", stage)
	}
	return g, nil
}

// EnsureGroup creates the stage's consumer group (and the stream) if missing.
func (p *Pipeline) EnsureGroup(ctx context.Context, stage string, campaignID int64) error {
	g, err := group(stage)
	if err != nil {
		return err
	}
	err = p.rdb.XGroupCreateMkStream(ctx, kv.Stream(campaignID, stage), g, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s: %w", g, err)
	}
	return nil
}

// Enqueue appends one batch and registers the campaign as having work on the stage.
func (p *Pipeline) Enqueue(ctx context.Context, stage string, b model.Batch) (string, error) {
	if err := p.EnsureGroup(ctx, stage, b.CampaignID); err != nil {
		return "", err
	}
	if b.BatchID == "" {
		b.BatchID = uuid.NewString()
	}
	if b.EnqueuedAt.IsZero() {
		b.EnqueuedAt = p.clk.Now().UTC()
	}
	body, err := json.Marshal(b)
	if err != nil {
		return "", err
	}
	var add *redis.StringCmd
	_, err = p.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		add = pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: kv.Stream(b.CampaignID, stage),
			Values: map[string]any{batchField: string(body)},
		})
		pipe.SAdd(ctx, kv.StageRegistry(stage), b.CampaignID)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", stage, err)
	}
	p.log.Debugw("batch_enqueued", "stage", stage, "campaign_id", b.CampaignID,
		"batch_id", b.BatchID, "leads", len(b.LeadIDs), "retry", b.IsRetry)
	return add.Val(), nil
}

// EnqueueLeads splits leadIDs into batches of size and appends each.
func (p *Pipeline) EnqueueLeads(ctx context.Context, stage string, campaignID int64, jobID string, leadIDs []int64, size int) ([]string, error) {
	if size <= 0 {
		return nil, fmt.Errorf("batch size must be positive")
	}
	var ids []string
	for start := 0; start < len(leadIDs); start += size {
		end := min(start+size, len(leadIDs))
		chunk := append([]int64(nil), leadIDs[start:end]...)
		id, err := p.Enqueue(ctx, stage, model.Batch{CampaignID: campaignID, JobID: jobID, LeadIDs: chunk})
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Claim hands out up to n entries to consumer: idle pending entries are
// reclaimed first, then new entries are read without blocking.
func (p *Pipeline) Claim(ctx context.Context, stage string, campaignID int64, consumer string, n int) ([]Entry, error) {
	g, err := group(stage)
	if err != nil {
		return nil, err
	}
	if err := p.EnsureGroup(ctx, stage, campaignID); err != nil {
		return nil, err
	}
	key := kv.Stream(campaignID, stage)

	out, err := p.reclaim(ctx, stage, campaignID, key, g, consumer, n)
	if err != nil {
		return nil, err
	}
	if len(out) >= n {
		for i := range out {
			out[i].Consumer = consumer
		}
		return out, nil
	}

	res, err := p.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    g,
		Consumer: consumer,
		Streams:  []string{key, ">"},
		Count:    int64(n - len(out)),
		Block:    -1,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return out, nil
	}
	if err != nil {
		return out, fmt.Errorf("read %s: %w", key, err)
	}
	for _, s := range res {
		for _, msg := range s.Messages {
			if e, ok := p.decode(ctx, stage, campaignID, key, g, msg, 1); ok {
				out = append(out, e)
			}
		}
	}
	for i := range out {
		out[i].Consumer = consumer
	}
	return out, nil
}

func (p *Pipeline) reclaim(ctx context.Context, stage string, campaignID int64, key, g, consumer string, n int) ([]Entry, error) {
	pending, err := p.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: key,
		Group:  g,
		Start:  "-",
		End:    "+",
		Count:  int64(n),
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("pending %s: %w", key, err)
	}
	var ids []string
	deliveries := map[string]int64{}
	for _, pe := range pending {
		if pe.Idle >= p.minIdle {
			ids = append(ids, pe.ID)
			deliveries[pe.ID] = pe.RetryCount + 1
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}
	msgs, err := p.rdb.XClaim(ctx, &redis.XClaimArgs{
		Stream:   key,
		Group:    g,
		Consumer: consumer,
		MinIdle:  p.minIdle,
		Messages: ids,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("claim %s: %w", key, err)
	}
	var out []Entry
	for _, msg := range msgs {
		if e, ok := p.decode(ctx, stage, campaignID, key, g, msg, deliveries[msg.ID]); ok {
			out = append(out, e)
		}
	}
	if len(out) > 0 {
		p.log.Infow("batch_reclaimed", "stage", stage, "campaign_id", campaignID, "consumer", consumer, "count", len(out))
	}
	return out, nil
}

// decode parses an entry. Malformed entries are acknowledged and dropped.
func (p *Pipeline) decode(ctx context.Context, stage string, campaignID int64, key, g string, msg redis.XMessage, deliveries int64) (Entry, bool) {
	raw, _ := msg.Values[batchField].(string)
	var b model.Batch
	if err := json.Unmarshal([]byte(raw), &b); err != nil || raw == "" {
		p.log.Warnw("batch_malformed", "stage", stage, "stream", key, "entry_id", msg.ID, "error", err)
		_ = p.ackIDs(ctx, key, g, msg.ID)
		return Entry{}, false
	}
	if b.CampaignID == 0 {
		b.CampaignID = campaignID
	}
	return Entry{ID: msg.ID, Stage: stage, CampaignID: campaignID, Batch: b, Deliveries: deliveries}, true
}

func (p *Pipeline) ackIDs(ctx context.Context, key, g string, ids ...string) error {
	_, err := p.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAck(ctx, key, g, ids...)
		pipe.XDel(ctx, key, ids...)
		return nil
	})
	return err
}

// Ack acknowledges and deletes the entry. Entries that are never acked stay
// pending and are reclaimed after the idle window.
func (p *Pipeline) Ack(ctx context.Context, e Entry) error {
	g, err := group(e.Stage)
	if err != nil {
		return err
	}
	if err := p.ackIDs(ctx, kv.Stream(e.CampaignID, e.Stage), g, e.ID); err != nil {
		return fmt.Errorf("ack %s: %w", e.ID, err)
	}
	return nil
}

// Touch resets the entry's idle time for its consumer without counting a
// delivery. Callers must hold the campaign's batch lock.
func (p *Pipeline) Touch(ctx context.Context, e Entry) error {
	g, err := group(e.Stage)
	if err != nil {
		return err
	}
	key := kv.Stream(e.CampaignID, e.Stage)
	// RETRYCOUNT keeps the delivery count unchanged.
	ids, err := p.rdb.Do(ctx, "XCLAIM", key, g, e.Consumer, 0, e.ID,
		"RETRYCOUNT", e.Deliveries, "JUSTID").StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("touch %s: %w", e.ID, err)
	}
	if len(ids) == 0 {
		return ErrNotPending
	}
	return nil
}

func (p *Pipeline) Len(ctx context.Context, stage string, campaignID int64) (int64, error) {
	return p.rdb.XLen(ctx, kv.Stream(campaignID, stage)).Result()
}

// Campaigns lists campaigns registered as having outstanding entries on stage.
func (p *Pipeline) Campaigns(ctx context.Context, stage string) ([]int64, error) {
	members, err := p.rdb.SMembers(ctx, kv.StageRegistry(stage)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]int64, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, id)
	}
	return out, nil
}

var forgetScript = redis.NewScript(`
if redis.call("exists", KEYS[1]) == 0 or redis.call("xlen", KEYS[1]) == 0 then
	return redis.call("srem", KEYS[2], ARGV[1])
end
return 0
`)

// Forget unregisters the campaign from stage once its stream is empty.
func (p *Pipeline) Forget(ctx context.Context, stage string, campaignID int64) (bool, error) {
	n, err := forgetScript.Run(ctx, p.rdb,
		[]string{kv.Stream(campaignID, stage), kv.StageRegistry(stage)},
		strconv.FormatInt(campaignID, 10)).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
