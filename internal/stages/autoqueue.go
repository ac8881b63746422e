package stages

import (
	"context"

	"github.com/Mutter0815/InviteFlow/internal/kv"
)

// AutoQueue enqueues message-generation batches for a campaign that has
// leads needing messages, an empty message stream and no recent attempt.
// It reports how many batches were queued.
func (r *Runner) AutoQueue(ctx context.Context, campaignID int64, needing int) (int, error) {
	if needing <= 0 {
		return 0, nil
	}
	n, err := r.Pipe.Len(ctx, kv.StageMessageGeneration, campaignID)
	if err != nil || n > 0 {
		return 0, err
	}
	ok, err := r.Locks.StampAutoQueue(ctx, campaignID, r.Clock.Now())
	if err != nil || !ok {
		return 0, err
	}
	leads, err := r.Store.ListLeadsNeedingMessages(ctx, campaignID)
	if err != nil || len(leads) == 0 {
		return 0, err
	}
	ids := make([]int64, len(leads))
	for i, l := range leads {
		ids[i] = l.ID
	}
	entries, err := r.Pipe.EnqueueLeads(ctx, kv.StageMessageGeneration, campaignID, "", ids, r.opts.MessageBatchSize)
	if err != nil {
		return len(entries), err
	}
	r.log.Infow("auto_queue", "campaign_id", campaignID, "leads", len(ids), "batches", len(entries))
	return len(entries), nil
}
