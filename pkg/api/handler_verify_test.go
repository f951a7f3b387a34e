package api

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyBoundedRange(t *testing.T) {
	v := &fakeRangeVerifier{ok: true}
	engine := newTestServer(t, ServerOptions{Verifier: v})

	w := doRequest(t, engine, http.MethodGet,
		"/v1/audit/verify?from=2025-06-01T00%3A00%3A00Z&to=2025-07-01T00%3A00%3A00Z", "key-a", nil)
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, "tenant-a", v.gotTenant)
	assert.Equal(t, time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC), v.gotFrom)
	assert.Equal(t, time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC), v.gotTo)

	var resp VerifyResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.ChainVerified)
	assert.Empty(t, resp.Problems)
	require.NotNil(t, resp.From)
	assert.False(t, resp.CheckedAt.IsZero())
}

func TestVerifyOpenRangeWalksWholeChain(t *testing.T) {
	v := &fakeRangeVerifier{ok: true}
	engine := newTestServer(t, ServerOptions{Verifier: v})

	w := doRequest(t, engine, http.MethodGet, "/v1/audit/verify", "key-a", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, v.gotFrom.IsZero())
	assert.True(t, v.gotTo.IsZero())

	var resp VerifyResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Nil(t, resp.From)
	assert.Nil(t, resp.To)
}

func TestVerifyReportsProblems(t *testing.T) {
	v := &fakeRangeVerifier{ok: false, problems: []string{"record 7: stored hash does not match content"}}
	engine := newTestServer(t, ServerOptions{Verifier: v})

	w := doRequest(t, engine, http.MethodGet, "/v1/audit/verify", "key-a", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp VerifyResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.ChainVerified)
	require.Len(t, resp.Problems, 1)
	assert.Contains(t, resp.Problems[0], "record 7")
}

func TestVerifyRejectsBadBounds(t *testing.T) {
	engine := newTestServer(t, ServerOptions{Verifier: &fakeRangeVerifier{}})

	w := doRequest(t, engine, http.MethodGet, "/v1/audit/verify?to=next-week", "key-a", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "to must be RFC 3339")
}
