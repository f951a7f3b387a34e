package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aluskort/aluskort/pkg/storage/object"
)

type fakeArtifactStore struct {
	keys []string
	err  error
}

func (f *fakeArtifactStore) PutJSON(_ context.Context, key string, _ any) (string, string, error) {
	if f.err != nil {
		return "", "", f.err
	}
	f.keys = append(f.keys, key)
	return "deadbeef", "s3://evidence/" + key, nil
}

type fakeArtifactFetcher struct {
	bodies map[string]string
}

func (f *fakeArtifactFetcher) GetURI(_ context.Context, uri string) ([]byte, error) {
	body, ok := f.bodies[uri]
	if !ok {
		return nil, errors.New("no such object")
	}
	return []byte(body), nil
}

type fakeEvidenceMetrics struct {
	outcomes []string
}

func (f *fakeEvidenceMetrics) RecordEvidenceWrite(outcome string) {
	f.outcomes = append(f.outcomes, outcome)
}

func TestEvidenceWriterReturnsRef(t *testing.T) {
	store := &fakeArtifactStore{}
	metrics := &fakeEvidenceMetrics{}
	w := NewEvidenceWriter(store, metrics, nil)

	ts := time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC)
	ref := w.Write(context.Background(), "t1", ts, "aud-1", "llm_response", map[string]string{"answer": "benign"})

	require.NotNil(t, ref)
	assert.Equal(t, "llm_response", ref.Kind)
	assert.Equal(t, "deadbeef", ref.ContentHash)
	assert.Equal(t, "s3://evidence/"+object.EvidenceKey("t1", ts, "aud-1", "llm_response"), ref.URI)
	require.Len(t, store.keys, 1)
	assert.Equal(t, "cold/t1/2025/06/10/aud-1/llm_response.json", store.keys[0])
	assert.Equal(t, []string{"ok"}, metrics.outcomes)
}

func TestEvidenceWriterFailsOpen(t *testing.T) {
	store := &fakeArtifactStore{err: errors.New("bucket unreachable")}
	metrics := &fakeEvidenceMetrics{}
	w := NewEvidenceWriter(store, metrics, nil)

	ref := w.Write(context.Background(), "t1", time.Now(), "aud-1", "raw_alert", map[string]string{"id": "a1"})

	// The record still ships without a ref; losing an artifact must never
	// block the decision trail.
	assert.Nil(t, ref)
	assert.Equal(t, []string{"failed"}, metrics.outcomes)
}

// seedInvestigation produces an inv-7 record set with inv-8 noise interleaved
// inside the covering sequence window.
func seedInvestigation(t *testing.T, store *memChainStore) []*Record {
	t.Helper()
	ctx := context.Background()

	created := producerRecord("t1", EventInvestigationCreated, "inv-7")
	require.NoError(t, store.Append(ctx, created))

	noise1 := producerRecord("t1", EventStateTransition, "inv-8")
	require.NoError(t, store.Append(ctx, noise1))

	classified := producerRecord("t1", EventClassificationAssigned, "inv-7")
	classified.Context = &RecordContext{
		LLM:       map[string]any{"provider": "anthropic", "model": "claude-sonnet-4"},
		Retrieval: map[string]any{"documents": 4},
	}
	require.NoError(t, store.Append(ctx, classified))

	noise2 := producerRecord("t1", EventActionExecuted, "inv-8")
	require.NoError(t, store.Append(ctx, noise2))

	transition := producerRecord("t1", EventStateTransition, "inv-7")
	require.NoError(t, store.Append(ctx, transition))

	gate := producerRecord("t1", EventApprovalGateCreated, "inv-7")
	require.NoError(t, store.Append(ctx, gate))

	action := producerRecord("t1", EventActionExecuted, "inv-7")
	require.NoError(t, store.Append(ctx, action))

	return []*Record{created, classified, transition, gate, action}
}

func TestPackageBuilderAssemblesSections(t *testing.T) {
	store := newMemChainStore()
	expected := seedInvestigation(t, store)

	b := NewPackageBuilder(store, nil, nil)
	pkg, err := b.Build(context.Background(), "t1", "inv-7", false)
	require.NoError(t, err)

	assert.Equal(t, "t1", pkg.TenantID)
	assert.Equal(t, "inv-7", pkg.InvestigationID)
	assert.False(t, pkg.GeneratedAt.IsZero())

	require.Len(t, pkg.Records, len(expected))
	for i, r := range pkg.Records {
		assert.Equal(t, expected[i].AuditID, r.AuditID)
	}

	created, classified, transition, gate, action := expected[0], expected[1], expected[2], expected[3], expected[4]
	assert.Equal(t, []string{created.AuditID, transition.AuditID}, pkg.StateTransitions)
	assert.Equal(t, []string{classified.AuditID}, pkg.LLMInteractions)
	assert.Equal(t, []string{classified.AuditID}, pkg.RetrievalContext)
	assert.Equal(t, []string{action.AuditID}, pkg.Actions)
	assert.Equal(t, []string{gate.AuditID}, pkg.Approvals)

	assert.True(t, pkg.ChainVerified, "chain problems: %v", pkg.ChainProblems)
	assert.Empty(t, pkg.ChainProblems)

	require.NotEmpty(t, pkg.PackageHash)
	recomputed, err := pkg.ComputeHash()
	require.NoError(t, err)
	assert.Equal(t, pkg.PackageHash, recomputed)
}

func TestPackageBuilderVerifiesCoveringWindow(t *testing.T) {
	store := newMemChainStore()
	seedInvestigation(t, store)

	// Tamper with an inv-8 record that sits between the investigation's first
	// and last sequence. It is not part of the package, but the window walk
	// still crosses it, so the package must report the chain as unverified.
	store.mu.Lock()
	for _, r := range store.chains["t1"] {
		if r.InvestigationID == "inv-8" {
			r.Decision = map[string]any{"state": "rewritten"}
			break
		}
	}
	store.mu.Unlock()

	b := NewPackageBuilder(store, nil, nil)
	pkg, err := b.Build(context.Background(), "t1", "inv-7", false)
	require.NoError(t, err)
	assert.False(t, pkg.ChainVerified)
	assert.NotEmpty(t, pkg.ChainProblems)
}

func TestPackageBuilderUnknownInvestigation(t *testing.T) {
	store := newMemChainStore()
	seedInvestigation(t, store)

	b := NewPackageBuilder(store, nil, nil)
	_, err := b.Build(context.Background(), "t1", "inv-404", false)
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestPackageBuilderInlinesRawPrompts(t *testing.T) {
	store := newMemChainStore()
	ctx := context.Background()

	created := producerRecord("t1", EventInvestigationCreated, "inv-9")
	created.EvidenceRefs = []EvidenceRef{
		{Kind: ArtifactRawAlert, URI: "s3://evidence/cold/t1/alert.json", ContentHash: "aa"},
	}
	require.NoError(t, store.Append(ctx, created))

	classified := producerRecord("t1", EventClassificationAssigned, "inv-9")
	classified.EvidenceRefs = []EvidenceRef{
		{Kind: ArtifactPrompt, URI: "s3://evidence/cold/t1/prompt.json", ContentHash: "bb"},
		{Kind: ArtifactResponse, URI: "s3://evidence/cold/t1/response.json", ContentHash: "cc"},
	}
	require.NoError(t, store.Append(ctx, classified))

	escalated := producerRecord("t1", EventConfidenceEscalated, "inv-9")
	escalated.EvidenceRefs = []EvidenceRef{
		{Kind: ArtifactPrompt, URI: "s3://evidence/cold/t1/gone.json", ContentHash: "dd"},
	}
	require.NoError(t, store.Append(ctx, escalated))

	fetcher := &fakeArtifactFetcher{bodies: map[string]string{
		"s3://evidence/cold/t1/prompt.json":   `{"prompt":"classify this"}`,
		"s3://evidence/cold/t1/response.json": `{"verdict":"benign"}`,
	}}
	b := NewPackageBuilder(store, fetcher, nil)

	pkg, err := b.Build(ctx, "t1", "inv-9", false)
	require.NoError(t, err)
	assert.Empty(t, pkg.RawPrompts)

	pkg, err = b.Build(ctx, "t1", "inv-9", true)
	require.NoError(t, err)

	// Prompt and response bodies come back inline. The raw alert stays a
	// ref only, and the missing artifact is skipped instead of failing the
	// build.
	require.Len(t, pkg.RawPrompts, 2)
	assert.Equal(t, classified.AuditID, pkg.RawPrompts[0].AuditID)
	assert.Equal(t, ArtifactPrompt, pkg.RawPrompts[0].Kind)
	assert.Equal(t, "bb", pkg.RawPrompts[0].ContentHash)
	assert.JSONEq(t, `{"prompt":"classify this"}`, string(pkg.RawPrompts[0].Body))
	assert.Equal(t, ArtifactResponse, pkg.RawPrompts[1].Kind)
	assert.JSONEq(t, `{"verdict":"benign"}`, string(pkg.RawPrompts[1].Body))

	// The package hash covers the inlined bodies.
	recomputed, err := pkg.ComputeHash()
	require.NoError(t, err)
	assert.Equal(t, pkg.PackageHash, recomputed)
}
