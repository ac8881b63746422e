package progress

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Mutter0815/InviteFlow/internal/kv"
	"github.com/Mutter0815/InviteFlow/pkg/metrics"
	"github.com/Mutter0815/InviteFlow/pkg/model"
)

// terminalGrace is how long a terminal snapshot waits for live events
// published before it to drain from the subscription.
const terminalGrace = 500 * time.Millisecond

// Observation is one observer's view of a job. C is closed after a
// complete or error event, or when the observation is closed.
type Observation struct {
	C      <-chan model.Event
	cancel context.CancelFunc
	once   sync.Once
	done   chan struct{}
}

// Close stops the observation and waits for its cleanup. It is idempotent.
func (o *Observation) Close() {
	o.once.Do(o.cancel)
	<-o.done
}

type observer struct {
	h     *Hub
	jobID string
	out   chan model.Event
	last  model.Event
	seen  bool
}

// Observe streams events for a job: connected, the last snapshot, then live
// events. If pub/sub fails the observer polls the store instead and emits
// only changes. A heartbeat is sent on every idle interval.
func (h *Hub) Observe(ctx context.Context, jobID string) *Observation {
	ctx, cancel := context.WithCancel(ctx)
	out := make(chan model.Event, observerBuffer)
	o := &Observation{C: out, cancel: cancel, done: make(chan struct{})}
	ob := &observer{h: h, jobID: jobID, out: out}

	metrics.ProgressObservers.Inc()
	go func() {
		defer close(o.done)
		defer metrics.ProgressObservers.Dec()
		defer close(out)
		defer cancel()
		ob.run(ctx)
	}()
	return o
}

func (ob *observer) emit(ctx context.Context, ev model.Event) bool {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = ob.h.clk.Now().UTC()
	}
	if ev.JobID == "" {
		ev.JobID = ob.jobID
	}
	select {
	case ob.out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// forward emits ev, follows a terminal status with complete, and reports
// whether the observation is over.
func (ob *observer) forward(ctx context.Context, ev model.Event) (done bool) {
	if !ob.emit(ctx, ev) {
		return true
	}
	if ev.Type == model.EventStatus {
		ob.last, ob.seen = ev, true
	}
	if ev.Terminal() {
		return true
	}
	if terminalStatus(ev) {
		ob.emit(ctx, model.Event{Type: model.EventComplete, CampaignID: ev.CampaignID, Status: ev.Status,
			Progress: ev.Progress, Processed: ev.Processed, Total: ev.Total, Message: ev.Message})
		return true
	}
	return false
}

func (ob *observer) run(ctx context.Context) {
	ps := ob.h.rdb.Subscribe(ctx, kv.JobStatus(ob.jobID))
	defer ps.Close()
	_, subErr := ps.Receive(ctx)

	if !ob.emit(ctx, model.Event{Type: model.EventConnected}) {
		return
	}

	// The subscription is older than the snapshot, so a status published in
	// between arrives twice; stale() drops the live copy.
	var held *model.Event
	if snap, ok, err := ob.h.Snapshot(ctx, ob.jobID); err == nil && ok {
		if subErr == nil && terminalStatus(snap) {
			held = &snap
		} else if ob.forward(ctx, snap) {
			return
		}
	}

	if subErr != nil {
		ob.h.log.Warnw("observe_pubsub_unavailable", "job_id", ob.jobID, "error", subErr)
		ob.poll(ctx)
		return
	}
	if !ob.live(ctx, ps, held) {
		return
	}
	ob.h.log.Warnw("observe_pubsub_lost", "job_id", ob.jobID)
	ob.poll(ctx)
}

// live forwards pub/sub messages. A held terminal snapshot is forwarded
// once the grace period passes without the live terminal status. It
// returns false when the observation is over, true when the subscription
// dropped and polling should take over.
func (ob *observer) live(ctx context.Context, ps *redis.PubSub, held *model.Event) bool {
	ch := ps.Channel()
	hb := time.NewTicker(ob.h.opts.Heartbeat)
	defer hb.Stop()
	var grace <-chan time.Time
	if held != nil {
		t := time.NewTimer(terminalGrace)
		defer t.Stop()
		grace = t.C
	}
	for {
		select {
		case <-ctx.Done():
			return false
		case <-grace:
			ob.forward(ctx, *held)
			return false
		case <-hb.C:
			if !ob.emit(ctx, model.Event{Type: model.EventHeartbeat}) {
				return false
			}
		case msg, ok := <-ch:
			if !ok {
				return ctx.Err() == nil
			}
			var ev model.Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				continue
			}
			if ob.stale(ev) {
				continue
			}
			if ob.forward(ctx, ev) {
				return false
			}
		}
	}
}

func changed(a, b model.Event) bool {
	deref := func(p *int) int {
		if p == nil {
			return -1
		}
		return *p
	}
	return a.Status != b.Status || deref(a.Processed) != deref(b.Processed) ||
		deref(a.Total) != deref(b.Total) || a.Message != b.Message
}

// stale reports a status event that repeats or predates the last one sent.
func (ob *observer) stale(ev model.Event) bool {
	if ev.Type != model.EventStatus || !ob.seen {
		return false
	}
	return !changed(ob.last, ev) || ev.Timestamp.Before(ob.last.Timestamp)
}

func (ob *observer) poll(ctx context.Context) {
	tick := time.NewTicker(ob.h.opts.PollInterval)
	defer tick.Stop()
	hb := time.NewTicker(ob.h.opts.Heartbeat)
	defer hb.Stop()

	check := func() bool {
		if ob.h.jobs == nil {
			return false
		}
		j, err := ob.h.jobs.JobState(ctx, ob.jobID)
		if err != nil {
			ob.h.log.Debugw("observe_poll_failed", "job_id", ob.jobID, "error", err)
			return false
		}
		ev := StatusEvent(j, ob.h.clk.Now())
		if ob.seen && !changed(ob.last, ev) {
			return false
		}
		return ob.forward(ctx, ev)
	}

	if check() {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-hb.C:
			if !ob.emit(ctx, model.Event{Type: model.EventHeartbeat}) {
				return
			}
		case <-tick.C:
			if check() {
				return
			}
		}
	}
}
