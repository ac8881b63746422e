package driver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mutter0815/InviteFlow/internal/campaign"
	"github.com/Mutter0815/InviteFlow/internal/collab"
)

type fakeSidecar struct {
	outcome string
	expired bool
	closed  []string
	notes   []string
}

func (f *fakeSidecar) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if f.expired {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/sessions/validate":
		w.WriteHeader(http.StatusNoContent)
	case r.Method == http.MethodPost && r.URL.Path == "/sessions":
		var in sessionRequest
		_ = json.NewDecoder(r.Body).Decode(&in)
		_ = json.NewEncoder(w).Encode(map[string]string{"session_id": "s-" + in.Email})
	case r.Method == http.MethodPost && r.URL.Path == "/sessions/s-op@example.com/invites":
		var in struct {
			Note string `json:"note"`
		}
		_ = json.NewDecoder(r.Body).Decode(&in)
		f.notes = append(f.notes, in.Note)
		_ = json.NewEncoder(w).Encode(map[string]string{"outcome": f.outcome})
	case r.Method == http.MethodGet && r.URL.Path == "/sessions/s-op@example.com/connections":
		_ = json.NewEncoder(w).Encode(map[string][]string{"profiles": {"https://www.linkedin.com/in/ada"}})
	case r.Method == http.MethodDelete:
		f.closed = append(f.closed, r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "unexpected", http.StatusTeapot)
	}
}

var account = campaign.AccountSession{ID: 7, Email: "op@example.com", SessionBlob: "cookie"}

func TestSessionLifecycle(t *testing.T) {
	fake := &fakeSidecar{outcome: "already-pending"}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	c := New(srv.URL, nil)
	require.NoError(t, c.Validate(t.Context(), account))

	s, err := c.Open(t.Context(), account)
	require.NoError(t, err)

	out, err := s.SendInvite(t.Context(), "https://www.linkedin.com/in/bob", "hello")
	require.NoError(t, err)
	assert.Equal(t, collab.OutcomeAlreadyPending, out)
	assert.Equal(t, []string{"hello"}, fake.notes)

	conns, err := s.Connections(t.Context())
	require.NoError(t, err)
	assert.Equal(t, []string{"https://www.linkedin.com/in/ada"}, conns)

	require.NoError(t, s.Close(t.Context()))
	assert.Equal(t, []string{"/sessions/s-op@example.com"}, fake.closed)
}

func TestUnknownOutcome(t *testing.T) {
	srv := httptest.NewServer(&fakeSidecar{outcome: "maybe"})
	defer srv.Close()

	s, err := New(srv.URL, nil).Open(t.Context(), account)
	require.NoError(t, err)
	out, err := s.SendInvite(t.Context(), "u", "")
	require.Error(t, err)
	assert.Equal(t, collab.OutcomeFailed, out)
}

func TestExpiredSession(t *testing.T) {
	srv := httptest.NewServer(&fakeSidecar{expired: true})
	defer srv.Close()

	c := New(srv.URL, nil)
	assert.ErrorIs(t, c.Validate(t.Context(), account), collab.ErrSessionExpired)
	_, err := c.Open(t.Context(), account)
	assert.ErrorIs(t, err, collab.ErrSessionExpired)
}

func TestUnavailable(t *testing.T) {
	err := New("http://127.0.0.1:1", nil).Validate(t.Context(), account)
	assert.ErrorIs(t, err, ErrUnavailable)
}
