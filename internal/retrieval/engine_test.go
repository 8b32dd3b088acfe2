package retrieval

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taxreply/internal/chunker"
	"taxreply/internal/chunkstore"
	"taxreply/internal/models"
	"taxreply/internal/storage/testdb"
)

type fixture struct {
	db      *sql.DB
	store   *chunkstore.Store
	lexical *LexicalIndex
	caseID  int64
	docA    int64
	docB    int64
	chunks  map[string]models.Chunk
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testdb.Open(t)
	lexical, err := OpenLexicalIndex("")
	require.NoError(t, err)
	t.Cleanup(func() { lexical.Close() })

	f := &fixture{
		db:      db,
		store:   chunkstore.New(db, lexical),
		lexical: lexical,
		chunks:  make(map[string]models.Chunk),
	}
	f.caseID = testdb.InsertCase(t, db, "Muster GmbH", "")
	f.docA = testdb.InsertDocument(t, db, f.caseID, "anfrage.pdf", "question_dr", "")
	f.docB = testdb.InsertDocument(t, db, f.caseID, "belege.pdf", "support", "")

	f.add(t, f.docA, map[string]string{
		"travel":       "Die Reisekosten für März wurden vollständig erstattet.",
		"travel-proof": "Der Nachweis der Reisekosten liegt als Anlage bei.",
	}, "travel", "travel-proof")
	f.add(t, f.docB, map[string]string{
		"fuzzy": "Die Reisekostenabrechnung des Geschäftsführers wurde geprüft.",
		"noise": "0000 1111 2222 3333",
	}, "fuzzy", "noise")

	other := testdb.InsertCase(t, db, "Other AG", "")
	otherDoc := testdb.InsertDocument(t, db, other, "fremd.pdf", "support", "")
	_, err = f.store.ReplaceChunks(context.Background(), other, otherDoc, []chunker.Piece{
		{Content: "Reisekosten eines anderen Mandanten.", Start: 0, End: 36},
	})
	require.NoError(t, err)
	return f
}

// add stores the labelled contents as the chunk set of a document, in the given order.
func (f *fixture) add(t *testing.T, docID int64, contents map[string]string, order ...string) {
	t.Helper()
	pieces := make([]chunker.Piece, len(order))
	for i, label := range order {
		content := contents[label]
		pieces[i] = chunker.Piece{Content: content, Start: i * 100, End: i*100 + len(content)}
	}
	chunks, err := f.store.ReplaceChunks(context.Background(), f.caseID, docID, pieces)
	require.NoError(t, err)
	for i, label := range order {
		f.chunks[label] = chunks[i]
	}
}

func ids(results []models.RetrievalResult) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.ChunkID
	}
	return out
}

type fakeSemantic struct {
	configured bool
	hits       []Hit
	err        error
	calls      int
}

func (f *fakeSemantic) Configured() bool { return f.configured }

func (f *fakeSemantic) Search(context.Context, string, int64, int) ([]Hit, error) {
	f.calls++
	return f.hits, f.err
}

func TestSearchEmptyQuery(t *testing.T) {
	f := newFixture(t)
	engine := NewEngine(f.store, f.lexical, nil, 0)

	results, err := engine.Search(context.Background(), "  ", f.caseID, 10, nil)
	require.NoError(t, err)
	assert.NotNil(t, results)
	assert.Empty(t, results)
}

func TestSearchShortQueryStillReachesSemanticBackend(t *testing.T) {
	f := newFixture(t)
	semantic := &fakeSemantic{configured: true, hits: []Hit{{ID: f.chunks["travel"].ID, Score: 0.7}}}
	engine := NewEngine(f.store, f.lexical, semantic, 0)

	results, err := engine.Search(context.Background(), "EU", f.caseID, 5, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{f.chunks["travel"].ID}, ids(results))
	assert.Equal(t, 1, semantic.calls)

	semantic.hits = nil
	results, err = engine.Search(context.Background(), "EU", f.caseID, 5, nil)
	require.NoError(t, err)
	assert.NotNil(t, results)
	assert.Empty(t, results)
}

func TestSearchWaterfall(t *testing.T) {
	f := newFixture(t)
	engine := NewEngine(f.store, f.lexical, nil, 0)

	results, err := engine.Search(context.Background(), "Reisekosten Nachweis", f.caseID, 5, nil)
	require.NoError(t, err)
	require.Len(t, results, 3)

	got := ids(results)
	assert.ElementsMatch(t, []string{f.chunks["travel"].ID, f.chunks["travel-proof"].ID}, got[:2])
	assert.Equal(t, f.chunks["travel-proof"].ID, got[0], "both terms match, so it ranks first")
	assert.Equal(t, f.chunks["fuzzy"].ID, got[2])
	assert.NotContains(t, got, f.chunks["noise"].ID)

	seen := map[string]bool{}
	for _, r := range results {
		assert.False(t, seen[r.ChunkID], "duplicate %s", r.ChunkID)
		seen[r.ChunkID] = true
		assert.NotEqual(t, "fremd.pdf", r.SourceFilename)
	}
}

func TestSearchPrimaryFillsTopK(t *testing.T) {
	f := newFixture(t)
	engine := NewEngine(f.store, f.lexical, nil, 0)

	results, err := engine.Search(context.Background(), "Reisekosten", f.caseID, 1, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Contains(t, []string{f.chunks["travel"].ID, f.chunks["travel-proof"].ID}, results[0].ChunkID)
}

func TestSearchDocumentFilter(t *testing.T) {
	f := newFixture(t)
	semantic := &fakeSemantic{configured: true, hits: []Hit{{ID: "ignored", Score: 1}}}
	engine := NewEngine(f.store, f.lexical, semantic, 0)

	results, err := engine.Search(context.Background(), "Reisekosten", f.caseID, 10, []int64{f.docB})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	for _, r := range results {
		assert.Equal(t, f.docB, r.DocumentID)
		assert.Equal(t, models.DocTypeSupport, r.SourceDocType)
	}
	assert.Zero(t, semantic.calls)
}

func TestSearchPrefersSemanticBackend(t *testing.T) {
	f := newFixture(t)
	semantic := &fakeSemantic{configured: true, hits: []Hit{
		{ID: f.chunks["fuzzy"].ID, Score: 0.91},
		{ID: "stale-id", Score: 0.9},
		{ID: f.chunks["travel"].ID, Score: 0.42},
	}}
	engine := NewEngine(f.store, f.lexical, semantic, 0)

	results, err := engine.Search(context.Background(), "Reisekosten", f.caseID, 5, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{f.chunks["fuzzy"].ID, f.chunks["travel"].ID}, ids(results))
	assert.InDelta(t, 0.91, results[0].Score, 1e-9)
	assert.Equal(t, 1, semantic.calls)
}

func TestSearchSemanticFailureFallsThrough(t *testing.T) {
	for name, backend := range map[string]*fakeSemantic{
		"error": {configured: true, err: errors.New("connection refused")},
		"empty": {configured: true},
	} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			engine := NewEngine(f.store, f.lexical, backend, 0)

			results, err := engine.Search(context.Background(), "Reisekosten", f.caseID, 5, nil)
			require.NoError(t, err)
			require.NotEmpty(t, results)
			assert.Equal(t, 1, backend.calls)
		})
	}
}

func TestSearchUnconfiguredSemanticIsSkipped(t *testing.T) {
	f := newFixture(t)
	semantic := &fakeSemantic{}
	engine := NewEngine(f.store, f.lexical, semantic, 0)

	_, err := engine.Search(context.Background(), "Reisekosten", f.caseID, 5, nil)
	require.NoError(t, err)
	assert.Zero(t, semantic.calls)
}

func TestSearchWithoutLexicalIndexUsesSimilarity(t *testing.T) {
	f := newFixture(t)
	engine := NewEngine(f.store, nil, nil, 0)

	results, err := engine.Search(context.Background(), "Reisekosten", f.caseID, 5, nil)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	for i := 1; i < len(results); i++ {
		assert.GreaterOrEqual(t, results[i-1].Score, results[i].Score)
	}
}

type limitRecorder struct {
	*chunkstore.Store
	limits []int
}

func (r *limitRecorder) ListCandidates(ctx context.Context, caseID int64, documentIDs []int64, limit int) ([]models.RetrievalResult, error) {
	r.limits = append(r.limits, limit)
	return r.Store.ListCandidates(ctx, caseID, documentIDs, limit)
}

func TestSearchSimilarityScansAtMostCandidateLimit(t *testing.T) {
	f := newFixture(t)
	rec := &limitRecorder{Store: f.store}
	engine := NewEngine(rec, nil, nil, 0)
	assert.Equal(t, DefaultCandidateLimit, engine.candidateLimit)
	engine.candidateLimit = 2

	results, err := engine.Search(context.Background(), "Reisekosten", f.caseID, 10, nil)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(results), 2)
	assert.Equal(t, []int{2}, rec.limits)
}
