package progress

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Mutter0815/InviteFlow/pkg/logx"
	"github.com/Mutter0815/InviteFlow/pkg/metrics"
	"github.com/Mutter0815/InviteFlow/pkg/model"
)

// Publisher is satisfied by *rmq.Publisher.
type Publisher interface {
	PublishJSONWithType(ctx context.Context, typ string, body []byte) error
}

// Relay copies terminal job events onto a durable queue for consumers that
// are not attached to the KV pub/sub.
type Relay struct {
	pub Publisher
	log *zap.SugaredLogger
}

func NewRelay(pub Publisher, log *zap.SugaredLogger) *Relay {
	return &Relay{pub: pub, log: logx.Or(log)}
}

// Forward publishes body. Failures are logged, never returned.
func (r *Relay) Forward(ctx context.Context, ev model.Event, body []byte) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := r.pub.PublishJSONWithType(ctx, string(ev.Type), body); err != nil {
		r.log.Warnw("relay_publish_failed", "job_id", ev.JobID, "status", ev.Status, "error", err)
		return
	}
	metrics.RelayPublished.Inc()
	r.log.Infow("relay_published", "job_id", ev.JobID, "status", ev.Status)
}
