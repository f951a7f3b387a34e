package api

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aluskort/aluskort/pkg/audit"
	"github.com/aluskort/aluskort/pkg/storage/postgres"
)

type fakePackageSource struct {
	pkg *audit.EvidencePackage
	err error

	gotTenant        string
	gotInvestigation string
	gotRaw           bool
}

func (f *fakePackageSource) Build(_ context.Context, tenantID, investigationID string, includeRawPrompts bool) (*audit.EvidencePackage, error) {
	f.gotTenant, f.gotInvestigation, f.gotRaw = tenantID, investigationID, includeRawPrompts
	if f.err != nil {
		return nil, f.err
	}
	return f.pkg, nil
}

// fakeRecordSource keeps per-tenant records ascending by sequence, the way
// the postgres store returns them to ByTimeRange.
type fakeRecordSource struct {
	records map[string][]*audit.Record
	err     error
}

func (f *fakeRecordSource) GetByAuditID(_ context.Context, tenantID, auditID string) (*audit.Record, error) {
	if f.err != nil {
		return nil, f.err
	}
	for _, r := range f.records[tenantID] {
		if r.AuditID == auditID {
			return r, nil
		}
	}
	return nil, audit.ErrRecordNotFound
}

func (f *fakeRecordSource) List(_ context.Context, fl postgres.ListFilter) ([]*audit.Record, error) {
	if f.err != nil {
		return nil, f.err
	}
	limit := fl.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var out []*audit.Record
	chain := f.records[fl.TenantID]
	for i := len(chain) - 1; i >= 0 && len(out) < limit; i-- {
		r := chain[i]
		if fl.EventType != "" && string(r.EventType) != fl.EventType {
			continue
		}
		if !fl.From.IsZero() && r.Timestamp.Before(fl.From) {
			continue
		}
		if !fl.To.IsZero() && !r.Timestamp.Before(fl.To) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (f *fakeRecordSource) ByTimeRange(_ context.Context, tenantID string, from, to time.Time, afterSeq int64, limit int) ([]*audit.Record, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []*audit.Record
	for _, r := range f.records[tenantID] {
		if r.SequenceNumber <= afterSeq {
			continue
		}
		if !from.IsZero() && r.Timestamp.Before(from) {
			continue
		}
		if !to.IsZero() && !r.Timestamp.Before(to) {
			continue
		}
		out = append(out, r)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

type fakeRangeVerifier struct {
	ok       bool
	problems []string
	err      error

	gotTenant string
	gotFrom   time.Time
	gotTo     time.Time
}

func (f *fakeRangeVerifier) VerifyBetween(_ context.Context, tenantID string, from, to time.Time) (bool, []string, error) {
	f.gotTenant, f.gotFrom, f.gotTo = tenantID, from, to
	return f.ok, f.problems, f.err
}

type fakeReportSource struct {
	report *audit.ComplianceReport
	err    error

	gotTenant string
	gotMonth  time.Time
}

func (f *fakeReportSource) MonthlyReport(_ context.Context, tenantID string, month time.Time) (*audit.ComplianceReport, error) {
	f.gotTenant, f.gotMonth = tenantID, month
	if f.err != nil {
		return nil, f.err
	}
	return f.report, nil
}

// apiRecord builds a minimal sealed-looking record for handler tests.
func apiRecord(tenantID string, seq int64, et audit.EventType, ts time.Time) *audit.Record {
	return &audit.Record{
		AuditID:        fmt.Sprintf("aud-%s-%d", tenantID, seq),
		TenantID:       tenantID,
		SequenceNumber: seq,
		PreviousHash:   "prev",
		Timestamp:      ts,
		IngestedAt:     ts.Add(time.Second),
		EventType:      et,
		EventCategory:  et.Category(),
		Actor:          audit.Actor{Type: "agent", ID: "orchestrator"},
		SourceService:  "orchestrator",
		RecordHash:     "hash",
		RecordVersion:  audit.CurrentRecordVersion,
	}
}

func newTestServer(t *testing.T, opts ServerOptions) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	opts.Keys = append(opts.Keys,
		APIKey{Key: "key-a", TenantID: "tenant-a", Role: "auditor"},
		APIKey{Key: "key-b", TenantID: "tenant-b", Role: "auditor"},
	)
	return NewServer(opts).Routes()
}

func doRequest(t *testing.T, engine *gin.Engine, method, path, key string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	return w
}

func TestHealthNeedsNoKey(t *testing.T) {
	engine := newTestServer(t, ServerOptions{})
	w := doRequest(t, engine, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"healthy"`)
}

func TestSecurityHeadersSet(t *testing.T) {
	engine := newTestServer(t, ServerOptions{})
	w := doRequest(t, engine, http.MethodGet, "/health", "", nil)
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
}

func TestMetricsMountedWhenWired(t *testing.T) {
	engine := newTestServer(t, ServerOptions{
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			fmt.Fprint(w, "scrape ok")
		}),
	})
	w := doRequest(t, engine, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "scrape ok", w.Body.String())

	bare := newTestServer(t, ServerOptions{})
	w = doRequest(t, bare, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
