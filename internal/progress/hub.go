// Package progress fans job events out to observers. Events are published
// on job/<id>/status with the last status event kept at job/<id>/status/last
// so late observers start from a snapshot. Observers fall back to polling
// the store when pub/sub is unavailable.
package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Mutter0815/InviteFlow/internal/campaign"
	"github.com/Mutter0815/InviteFlow/internal/clock"
	"github.com/Mutter0815/InviteFlow/internal/kv"
	"github.com/Mutter0815/InviteFlow/pkg/logx"
	"github.com/Mutter0815/InviteFlow/pkg/model"
)

const (
	DefaultPollInterval = 2 * time.Second
	DefaultHeartbeat    = 30 * time.Second

	observerBuffer = 64
)

// JobSource reads the authoritative job row for the polling fallback.
type JobSource interface {
	JobState(ctx context.Context, jobID string) (campaign.Job, error)
}

type Options struct {
	PollInterval time.Duration
	Heartbeat    time.Duration
	// Relay, when set, receives every terminal status event.
	Relay *Relay
}

type Hub struct {
	rdb  redis.UniversalClient
	jobs JobSource
	clk  clock.Clock
	opts Options
	log  *zap.SugaredLogger
}

func NewHub(rdb redis.UniversalClient, jobs JobSource, clk clock.Clock, opts Options, log *zap.SugaredLogger) *Hub {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = DefaultHeartbeat
	}
	return &Hub{rdb: rdb, jobs: jobs, clk: clk, opts: opts, log: logx.Or(log)}
}

// SetJobSource wires the store reader after construction; the job manager
// and the hub reference each other.
func (h *Hub) SetJobSource(jobs JobSource) { h.jobs = jobs }

// StatusEvent renders a job row as a status event.
func StatusEvent(j campaign.Job, at time.Time) model.Event {
	return model.Event{
		Type:        model.EventStatus,
		JobID:       j.ID,
		Timestamp:   at.UTC(),
		CampaignID:  j.CampaignID,
		Status:      string(j.Status),
		Progress:    model.IntPtr(j.Progress),
		Processed:   model.IntPtr(j.ProcessedLeads),
		Total:       model.IntPtr(j.TotalLeads),
		PauseCount:  j.PauseCount,
		Message:     j.ErrorMessage,
		StartedAt:   j.StartedAt,
		CompletedAt: j.CompletedAt,
	}
}

func terminalStatus(ev model.Event) bool {
	return ev.Type == model.EventStatus && campaign.JobStatus(ev.Status).Terminal()
}

// Publish sends ev on the job's status channel. Status events also replace
// the snapshot; terminal ones are relayed when a relay is configured.
func (h *Hub) Publish(ctx context.Context, ev model.Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = h.clk.Now().UTC()
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = h.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		if ev.Type == model.EventStatus {
			pipe.Set(ctx, kv.JobStatusLast(ev.JobID), body, kv.StatusSnapshotTTL)
		}
		pipe.Publish(ctx, kv.JobStatus(ev.JobID), body)
		return nil
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}
	if terminalStatus(ev) && h.opts.Relay != nil {
		h.opts.Relay.Forward(ctx, ev, body)
	}
	return nil
}

// PublishStatus publishes the job row as a status event.
func (h *Hub) PublishStatus(ctx context.Context, j campaign.Job) error {
	return h.Publish(ctx, StatusEvent(j, h.clk.Now()))
}

// Snapshot returns the last status event of a job, if any.
func (h *Hub) Snapshot(ctx context.Context, jobID string) (model.Event, bool, error) {
	raw, err := h.rdb.Get(ctx, kv.JobStatusLast(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.Event{}, false, nil
	}
	if err != nil {
		return model.Event{}, false, err
	}
	var ev model.Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return model.Event{}, false, err
	}
	return ev, true, nil
}

// PublishControl sends a pause or cancel signal to the workers of a job.
func (h *Hub) PublishControl(ctx context.Context, jobID, action string) error {
	body, err := json.Marshal(model.Control{JobID: jobID, Action: action})
	if err != nil {
		return err
	}
	return h.rdb.Publish(ctx, kv.JobControl(jobID), body).Err()
}

// ControlWatch records the latest control signal seen for a job.
type ControlWatch struct {
	mu     sync.Mutex
	action string
	ps     *redis.PubSub
	once   sync.Once
	done   chan struct{}
}

// Action returns the most recent signal, or "" if none arrived.
func (w *ControlWatch) Action() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.action
}

func (w *ControlWatch) Close() {
	w.once.Do(func() {
		if w.ps != nil {
			_ = w.ps.Close()
		}
		<-w.done
	})
}

// SubscribeControl starts watching job/<id>/control. The subscription is
// confirmed before returning so no signal published afterwards is missed.
func (h *Hub) SubscribeControl(ctx context.Context, jobID string) (*ControlWatch, error) {
	ps := h.rdb.Subscribe(ctx, kv.JobControl(jobID))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe control: %w", err)
	}
	w := &ControlWatch{ps: ps, done: make(chan struct{})}
	go func() {
		defer close(w.done)
		for msg := range ps.Channel() {
			var c model.Control
			if json.Unmarshal([]byte(msg.Payload), &c) != nil {
				continue
			}
			w.mu.Lock()
			w.action = c.Action
			w.mu.Unlock()
		}
	}()
	return w, nil
}
