package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Mutter0815/InviteFlow/internal/apperr"
	"github.com/Mutter0815/InviteFlow/internal/cache"
	"github.com/Mutter0815/InviteFlow/internal/campaign"
	"github.com/Mutter0815/InviteFlow/internal/campaigns"
	"github.com/Mutter0815/InviteFlow/internal/engine"
	"github.com/Mutter0815/InviteFlow/internal/progress"
	"github.com/Mutter0815/InviteFlow/internal/quota"
	"github.com/Mutter0815/InviteFlow/internal/store"
	"github.com/Mutter0815/InviteFlow/pkg/config"
)

func init() { gin.SetMode(gin.TestMode) }

type fakeJobs struct {
	startOp, startCampaign int64
	startMsg               string
	err                    error
	jobs                   []campaign.Job
}

func (f *fakeJobs) StartJob(ctx context.Context, operatorID, campaignID int64, customMessage string) (campaign.Job, error) {
	f.startOp, f.startCampaign, f.startMsg = operatorID, campaignID, customMessage
	if f.err != nil {
		return campaign.Job{}, f.err
	}
	return campaign.Job{ID: "job-1", CampaignID: campaignID, OwnerID: operatorID, Status: campaign.JobQueued}, nil
}

func (f *fakeJobs) transition(jobID string, to campaign.JobStatus) (campaign.Job, error) {
	if f.err != nil {
		return campaign.Job{}, f.err
	}
	return campaign.Job{ID: jobID, Status: to}, nil
}

func (f *fakeJobs) PauseJob(ctx context.Context, operatorID int64, jobID string) (campaign.Job, error) {
	return f.transition(jobID, campaign.JobPaused)
}

func (f *fakeJobs) ResumeJob(ctx context.Context, operatorID int64, jobID string) (campaign.Job, error) {
	return f.transition(jobID, campaign.JobQueued)
}

func (f *fakeJobs) CancelJob(ctx context.Context, operatorID int64, jobID string) (campaign.Job, error) {
	return f.transition(jobID, campaign.JobCancelled)
}

func (f *fakeJobs) GetJob(ctx context.Context, operatorID int64, jobID string) (campaign.Job, error) {
	return f.transition(jobID, campaign.JobProcessing)
}

func (f *fakeJobs) ListJobs(ctx context.Context, operatorID int64, limit int) ([]campaign.Job, error) {
	return f.jobs, f.err
}

func (f *fakeJobs) ObserveJob(ctx context.Context, operatorID int64, jobID string) (*progress.Observation, error) {
	return nil, apperr.New(apperr.KindNotFound, "job not found")
}

type fakeCampaigns struct {
	leads []campaigns.LeadInput
	err   error
}

func (f *fakeCampaigns) Create(ctx context.Context, ownerID int64, name string) (campaign.Campaign, error) {
	return campaign.Campaign{ID: 9, OwnerID: ownerID, Name: name, Status: campaign.StatusDraft}, f.err
}

func (f *fakeCampaigns) List(ctx context.Context, ownerID int64) ([]campaign.Campaign, error) {
	return nil, f.err
}

func (f *fakeCampaigns) Status(ctx context.Context, ownerID, campaignID int64) (campaigns.StatusView, error) {
	if f.err != nil {
		return campaigns.StatusView{}, f.err
	}
	return campaigns.StatusView{Summary: cache.Summary{CampaignID: campaignID, Total: 4, NeedingMessages: 4}, MessageBatchesQueued: 1}, nil
}

func (f *fakeCampaigns) AddLeads(ctx context.Context, ownerID, campaignID int64, in []campaigns.LeadInput) (campaigns.ImportResult, error) {
	f.leads = in
	return campaigns.ImportResult{Inserted: len(in)}, f.err
}

func (f *fakeCampaigns) Prefetch(ctx context.Context, ownerID int64) (cache.PrefetchResult, error) {
	return cache.PrefetchResult{Hydrated: 2}, f.err
}

func (f *fakeCampaigns) CheckAcceptance(ctx context.Context, ownerID, campaignID int64) (quota.Reservation, error) {
	return quota.Reservation{Limit: 3, Remaining: 2}, f.err
}

func do(t *testing.T, h *Handlers, method, path, operator, body string) *httptest.ResponseRecorder {
	t.Helper()
	srv := NewHTTPServer(":0", h)
	rr := httptest.NewRecorder()
	var r *bytes.Buffer
	if body != "" {
		r = bytes.NewBufferString(body)
	} else {
		r = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	if operator != "" {
		req.Header.Set(headerOperatorID, operator)
	}
	srv.Handler.ServeHTTP(rr, req)
	return rr
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var e errorBody
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &e), rr.Body.String())
	return e
}

func TestHealthzNeedsNoOperator(t *testing.T) {
	rr := do(t, &Handlers{Jobs: &fakeJobs{}, Campaigns: &fakeCampaigns{}}, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.NotEmpty(t, rr.Header().Get(headerRequestID))
}

func TestOperatorHeaderRequired(t *testing.T) {
	h := &Handlers{Jobs: &fakeJobs{}, Campaigns: &fakeCampaigns{}}
	for _, op := range []string{"", "abc", "-4", "0"} {
		rr := do(t, h, http.MethodGet, "/jobs", op, "")
		assert.Equal(t, http.StatusUnauthorized, rr.Code, "operator %q", op)
		assert.Equal(t, string(apperr.KindUnauthorized), decodeError(t, rr).Kind)
	}
}

func TestStartJob(t *testing.T) {
	fj := &fakeJobs{}
	h := &Handlers{Jobs: fj, Campaigns: &fakeCampaigns{}}

	rr := do(t, h, http.MethodPost, "/jobs", "7", `{"campaign_id":12,"custom_message":"Hi {name}"}`)
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	var j campaign.Job
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &j))
	assert.Equal(t, "job-1", j.ID)
	assert.Equal(t, campaign.JobQueued, j.Status)
	assert.Equal(t, int64(7), fj.startOp)
	assert.Equal(t, int64(12), fj.startCampaign)
	assert.Equal(t, "Hi {name}", fj.startMsg)

	rr = do(t, h, http.MethodPost, "/jobs", "7", `{"custom_message":"x"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, string(apperr.KindInvalidInput), decodeError(t, rr).Kind)
}

func TestStartJobErrorKinds(t *testing.T) {
	cases := []struct {
		err    error
		status int
		kind   apperr.Kind
	}{
		{apperr.New(apperr.KindAlreadyRunning, "job j is already processing"), http.StatusConflict, apperr.KindAlreadyRunning},
		{apperr.New(apperr.KindLimitReached, "daily invite limit 10 reached"), http.StatusTooManyRequests, apperr.KindLimitReached},
		{apperr.New(apperr.KindSessionExpired, "no active account session"), http.StatusPreconditionFailed, apperr.KindSessionExpired},
		{apperr.New(apperr.KindNotFound, "campaign not found"), http.StatusNotFound, apperr.KindNotFound},
		{errors.New("pq: connection refused"), http.StatusInternalServerError, apperr.KindInternal},
	}
	for _, tc := range cases {
		h := &Handlers{Jobs: &fakeJobs{err: tc.err}, Campaigns: &fakeCampaigns{}}
		rr := do(t, h, http.MethodPost, "/jobs", "1", `{"campaign_id":3}`)
		assert.Equal(t, tc.status, rr.Code, tc.err.Error())
		body := decodeError(t, rr)
		assert.Equal(t, string(tc.kind), body.Kind)
		if tc.kind == apperr.KindInternal {
			assert.Equal(t, "internal error", body.Error)
		}
	}
}

func TestJobCommands(t *testing.T) {
	h := &Handlers{Jobs: &fakeJobs{}, Campaigns: &fakeCampaigns{}}
	want := map[string]campaign.JobStatus{
		"/jobs/j1/pause":  campaign.JobPaused,
		"/jobs/j1/resume": campaign.JobQueued,
		"/jobs/j1/cancel": campaign.JobCancelled,
	}
	for path, status := range want {
		rr := do(t, h, http.MethodPost, path, "1", "")
		require.Equal(t, http.StatusOK, rr.Code, path)
		var j campaign.Job
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &j))
		assert.Equal(t, "j1", j.ID)
		assert.Equal(t, status, j.Status, path)
	}

	bad := &Handlers{Jobs: &fakeJobs{err: apperr.New(apperr.KindInvalidTransition, "cannot move completed job to paused")}}
	rr := do(t, bad, http.MethodPost, "/jobs/j1/pause", "1", "")
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "cannot move completed job to paused", decodeError(t, rr).Error)
}

func TestListJobsNeverNull(t *testing.T) {
	h := &Handlers{Jobs: &fakeJobs{}, Campaigns: &fakeCampaigns{}}
	rr := do(t, h, http.MethodGet, "/jobs?limit=5", "1", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `[]`, rr.Body.String())

	rr = do(t, h, http.MethodGet, "/campaigns", "1", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `[]`, rr.Body.String())
}

func TestCampaignRoutes(t *testing.T) {
	fc := &fakeCampaigns{}
	h := &Handlers{Jobs: &fakeJobs{}, Campaigns: fc}

	rr := do(t, h, http.MethodPost, "/campaigns", "2", `{"name":"Q4"}`)
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = do(t, h, http.MethodGet, "/campaigns/9/status", "2", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var view campaigns.StatusView
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &view))
	assert.Equal(t, 1, view.MessageBatchesQueued)
	assert.Equal(t, 4, view.NeedingMessages)

	rr = do(t, h, http.MethodGet, "/campaigns/nine/status", "2", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, h, http.MethodPost, "/campaigns/9/leads", "2",
		`{"leads":[{"profile_url":"linkedin.com/in/ana","full_name":"Ana"},{"profile_url":"linkedin.com/in/bo"}]}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.Len(t, fc.leads, 2)
	assert.Equal(t, "Ana", fc.leads[0].FullName)

	rr = do(t, h, http.MethodPost, "/campaigns/9/leads", "2", `{"leads":[{"full_name":"no url"}]}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	rr = do(t, h, http.MethodPost, "/campaigns/9/leads", "2", `{"leads":[]}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, h, http.MethodPost, "/campaigns/9/acceptance-check", "2", "")
	require.Equal(t, http.StatusAccepted, rr.Code)
	assert.JSONEq(t, `{"granted":0,"used":0,"limit":3,"remaining":2,"resets_at":"0001-01-01T00:00:00Z"}`, rr.Body.String())

	rr = do(t, h, http.MethodPost, "/session/prefetch", "2", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"skipped":false,"hydrated":2,"untouched":0}`, rr.Body.String())
}

func TestStreamUnknownJob(t *testing.T) {
	h := &Handlers{Jobs: &fakeJobs{}, Campaigns: &fakeCampaigns{}}
	rr := do(t, h, http.MethodGet, "/jobs/nope/stream", "1", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestDocsServed(t *testing.T) {
	h := &Handlers{Jobs: &fakeJobs{}, Campaigns: &fakeCampaigns{}}
	rr := do(t, h, http.MethodGet, "/docs/openapi.yaml", "", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "/jobs/{id}/stream")
}

func TestStreamJobUntilCancelled(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	mem := store.NewMemory()
	e, err := engine.New(mem, rdb, engine.Config{
		Pipeline: config.PipelineConfig{InviteBatchSize: 10, MessageBatchSize: 5, MaxRetries: 3},
		Quota:    config.QuotaConfig{DailyLimit: 10, CheckLimit: 3},
	}, engine.Collaborators{}, zap.NewNop().Sugar())
	require.NoError(t, err)

	const op = int64(4)
	c, err := e.Campaigns.Create(ctx, op, "stream")
	require.NoError(t, err)
	_, err = e.Campaigns.AddLeads(ctx, op, c.ID, []campaigns.LeadInput{{ProfileURL: "linkedin.com/in/ana"}})
	require.NoError(t, err)
	// Leads become invite-ready once message generation has run over them.
	leads, err := mem.ListLeads(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, leads, 1)
	require.NoError(t, mem.UpdateLeadProcessing(ctx, campaign.ProcessingCompleted, []int64{leads[0].ID}))
	_, err = mem.InsertSession(ctx, campaign.AccountSession{OperatorID: op})
	require.NoError(t, err)
	j, err := e.Jobs.StartJob(ctx, op, c.ID, "Hello")
	require.NoError(t, err)

	ts := httptest.NewServer(NewHTTPServer(":0", NewHandlers(e)).Handler)
	defer ts.Close()

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/jobs/"+j.ID+"/stream", nil)
	require.NoError(t, err)
	req.Header.Set(headerOperatorID, "4")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	var names []string
	done := make(chan struct{})
	go func() {
		defer close(done)
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			line := sc.Text()
			if !strings.HasPrefix(line, "event:") {
				continue
			}
			name := strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			names = append(names, name)
			if name == "status" && len(names) == 2 {
				_, cerr := e.Jobs.CancelJob(ctx, op, j.ID)
				assert.NoError(t, cerr)
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not end")
	}
	assert.Equal(t, []string{"connected", "status", "status", "complete"}, names)
}
