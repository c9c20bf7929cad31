package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/techubos/techubagent-sub003/internal/models"
)

func TestDispatchDeliversFullRecord(t *testing.T) {
	var got invocation
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	item := models.QueueItem{
		ID:             "evt-1",
		OrganizationID: "org-1",
		Payload:        map[string]any{"message_id": "m-42"},
		Status:         models.StatusPending,
	}

	outcome, err := NewHTTP(srv.URL, time.Second).Dispatch(context.Background(), item)
	require.NoError(t, err)
	require.Equal(t, OutcomeCompleted, outcome)
	require.Equal(t, "evt-1", got.Record.ID)
	require.Equal(t, "org-1", got.Record.OrganizationID)
	require.Equal(t, "m-42", got.Record.Payload["message_id"])
}

func TestDispatchReportsServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	outcome, err := NewHTTP(srv.URL, time.Second).Dispatch(context.Background(), models.QueueItem{ID: "evt-1"})
	require.Error(t, err)
	require.Equal(t, OutcomeError, outcome)
	require.Contains(t, err.Error(), "502")
}

func TestDispatchTimesOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(300 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	outcome, err := NewHTTP(srv.URL, 50*time.Millisecond).Dispatch(context.Background(), models.QueueItem{ID: "evt-1"})
	require.Error(t, err)
	require.Equal(t, OutcomeError, outcome)
}

func TestDispatchUnreachableProcessor(t *testing.T) {
	outcome, err := NewHTTP("http://127.0.0.1:1/process", 100*time.Millisecond).Dispatch(context.Background(), models.QueueItem{ID: "evt-1"})
	require.Error(t, err)
	require.Equal(t, OutcomeError, outcome)
}
