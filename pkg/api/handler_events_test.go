package api

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aluskort/aluskort/pkg/audit"
)

func eventsFixture() *fakeRecordSource {
	base := time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC)
	return &fakeRecordSource{records: map[string][]*audit.Record{
		"tenant-a": {
			apiRecord("tenant-a", 1, audit.EventInvestigationCreated, base),
			apiRecord("tenant-a", 2, audit.EventStateTransition, base.Add(time.Hour)),
			apiRecord("tenant-a", 3, audit.EventActionExecuted, base.Add(2*time.Hour)),
			apiRecord("tenant-a", 4, audit.EventStateTransition, base.Add(3*time.Hour)),
		},
	}}
}

func TestListEventsNewestFirst(t *testing.T) {
	engine := newTestServer(t, ServerOptions{Records: eventsFixture()})

	w := doRequest(t, engine, http.MethodGet, "/v1/audit/events", "key-a", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp EventsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "tenant-a", resp.TenantID)
	assert.Equal(t, 4, resp.Count)
	require.Len(t, resp.Events, 4)
	assert.Equal(t, int64(4), resp.Events[0].SequenceNumber)
	assert.Equal(t, int64(1), resp.Events[3].SequenceNumber)
}

func TestListEventsFilters(t *testing.T) {
	engine := newTestServer(t, ServerOptions{Records: eventsFixture()})

	w := doRequest(t, engine, http.MethodGet,
		"/v1/audit/events?event_type=decision.state_transition&from=2025-06-10T09%3A30%3A00Z&limit=1", "key-a", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp EventsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, int64(4), resp.Events[0].SequenceNumber)
}

func TestListEventsRejectsBadTimes(t *testing.T) {
	engine := newTestServer(t, ServerOptions{Records: eventsFixture()})

	w := doRequest(t, engine, http.MethodGet, "/v1/audit/events?from=yesterday", "key-a", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "from must be RFC 3339")

	w = doRequest(t, engine, http.MethodGet, "/v1/audit/events?limit=-2", "key-a", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "limit must be a non-negative integer")
}

func TestGetEventByAuditID(t *testing.T) {
	engine := newTestServer(t, ServerOptions{Records: eventsFixture()})

	w := doRequest(t, engine, http.MethodGet, "/v1/audit/events/aud-tenant-a-2", "key-a", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var r audit.Record
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &r))
	assert.Equal(t, "aud-tenant-a-2", r.AuditID)
	assert.Equal(t, audit.EventStateTransition, r.EventType)
}

func TestGetEventNotFound(t *testing.T) {
	engine := newTestServer(t, ServerOptions{Records: eventsFixture()})

	w := doRequest(t, engine, http.MethodGet, "/v1/audit/events/aud-missing", "key-a", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "not found")
}

func TestGetEventOtherTenantInvisible(t *testing.T) {
	src := eventsFixture()
	src.records["tenant-b"] = []*audit.Record{
		apiRecord("tenant-b", 1, audit.EventStateTransition, time.Now().UTC()),
	}
	engine := newTestServer(t, ServerOptions{Records: src})

	// tenant-a's key cannot see tenant-b's record even by exact audit_id.
	w := doRequest(t, engine, http.MethodGet, "/v1/audit/events/aud-tenant-b-1", "key-a", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}
