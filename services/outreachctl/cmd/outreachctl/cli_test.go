package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCLI(t *testing.T, handler http.HandlerFunc, args ...string) (string, error) {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(append([]string{"--server", ts.URL, "--operator", "7"}, args...))
	err := rootCmd.Execute()
	return out.String(), err
}

func TestJobsStartSendsOperatorAndCampaign(t *testing.T) {
	var got map[string]any
	out, err := runCLI(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/jobs", r.URL.Path)
		assert.Equal(t, "7", r.Header.Get("X-Operator-ID"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"id":"j-1","status":"queued","total_leads":4,"processed_leads":0,"progress":0}`))
	}, "jobs", "start", "12", "--message", "Hi there")

	require.NoError(t, err)
	assert.Equal(t, float64(12), got["campaign_id"])
	assert.Equal(t, "Hi there", got["custom_message"])
	assert.Equal(t, "Job j-1: queued (0/4 leads, 0%)\n", out)
}

func TestAPIErrorsCarryKind(t *testing.T) {
	_, err := runCLI(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":"job j-1 is already processing","kind":"already_running"}`))
	}, "jobs", "pause", "j-1")

	var apiErr *apiError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.Status)
	assert.Equal(t, "already_running", apiErr.Kind)
	assert.Equal(t, "already_running (409): job j-1 is already processing", err.Error())
}

func TestCampaignsImportReadsCSV(t *testing.T) {
	var body struct {
		Leads []map[string]string `json:"leads"`
	}
	rootCmd.SetIn(strings.NewReader("profile_url,full_name\n# comment\nlinkedin.com/in/ana, Ana Diaz,CTO,Acme\n\nlinkedin.com/in/bo\n"))
	t.Cleanup(func() { rootCmd.SetIn(nil) })

	out, err := runCLI(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/campaigns/3/leads", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Write([]byte(`{"inserted":1,"duplicates":1}`))
	}, "campaigns", "import", "3", "-")

	require.NoError(t, err)
	require.Len(t, body.Leads, 2)
	assert.Equal(t, "linkedin.com/in/ana", body.Leads[0]["profile_url"])
	assert.Equal(t, "Ana Diaz", body.Leads[0]["full_name"])
	assert.Equal(t, "Acme", body.Leads[0]["company"])
	assert.Equal(t, "linkedin.com/in/bo", body.Leads[1]["profile_url"])
	assert.Equal(t, "Imported 1 leads, 1 duplicates, 0 invalid\n", out)
}

func TestReadLeadsRejectsEmptyInput(t *testing.T) {
	_, err := readLeads(strings.NewReader("# only comments\n\n"))
	assert.Error(t, err)
}

func TestFollowEventsStopsAtTerminalEvent(t *testing.T) {
	stream := strings.Join([]string{
		"event:connected",
		`data:{"type":"connected","jobId":"j-1","timestamp":"2025-10-02T09:00:00Z"}`,
		"",
		"event:progress",
		`data:{"type":"progress","jobId":"j-1","timestamp":"2025-10-02T09:00:05Z","status":"processing","processedLeads":1,"totalLeads":2}`,
		"",
		"event:complete",
		`data:{"type":"complete","jobId":"j-1","timestamp":"2025-10-02T09:00:09Z","status":"completed","processedLeads":2,"totalLeads":2}`,
		"",
		"event:heartbeat",
		`data:{"type":"heartbeat","jobId":"j-1","timestamp":"2025-10-02T09:00:30Z"}`,
		"",
	}, "\n")

	var out bytes.Buffer
	require.NoError(t, followEvents(&out, strings.NewReader(stream)))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[1], "processing 1/2")
	assert.Contains(t, lines[2], "completed 2/2")
}

func TestFollowEventsReportsJobError(t *testing.T) {
	stream := `data:{"type":"error","jobId":"j-2","timestamp":"2025-10-02T09:00:00Z","message":"session expired"}` + "\n\n"
	err := followEvents(io.Discard, strings.NewReader(stream))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session expired")

	err = followEvents(io.Discard, strings.NewReader(""))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}
