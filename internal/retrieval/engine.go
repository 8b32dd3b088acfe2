// Package retrieval implements the hybrid chunk search: an optional semantic backend, then
// a bleve full-text stage topped up by a trigram similarity fallback.
package retrieval

import (
	"context"
	"log"
	"sort"
	"strings"

	"taxreply/internal/metrics"
	"taxreply/internal/models"
)

const (
	// DefaultSimilarityThreshold keeps noise out of the fallback stage.
	DefaultSimilarityThreshold = 0.05
	// DefaultCandidateLimit bounds how many chunks of a case the fallback stage scores.
	DefaultCandidateLimit = 5000
)

// ChunkReader is the read side of the chunk store the engine hydrates hits from.
type ChunkReader interface {
	Hydrate(ctx context.Context, ids []string) ([]models.RetrievalResult, error)
	ListCandidates(ctx context.Context, caseID int64, documentIDs []int64, limit int) ([]models.RetrievalResult, error)
}

// Lexical is the primary full-text stage.
type Lexical interface {
	Search(ctx context.Context, terms []string, caseID int64, documentIDs []int64, limit int) ([]Hit, error)
}

type Engine struct {
	chunks    ChunkReader
	lexical   Lexical
	semantic  SemanticBackend
	threshold float64
	// candidateLimit caps the fallback scan; chunks past it in id order are not scored
	candidateLimit int
}

// NewEngine wires the stages. lexical and semantic may be nil.
func NewEngine(chunks ChunkReader, lexical Lexical, semantic SemanticBackend, threshold float64) *Engine {
	if semantic == nil {
		semantic = disabledBackend{}
	}
	if threshold <= 0 {
		threshold = DefaultSimilarityThreshold
	}
	return &Engine{chunks: chunks, lexical: lexical, semantic: semantic, threshold: threshold, candidateLimit: DefaultCandidateLimit}
}

// Search returns at most topK results for query within a case. With documentIDs set only
// those documents are searched and the semantic backend is skipped. Semantic and lexical
// failures degrade to fewer results; only chunk store errors are returned.
func (e *Engine) Search(ctx context.Context, query string, caseID int64, topK int, documentIDs []int64) ([]models.RetrievalResult, error) {
	if strings.TrimSpace(query) == "" || topK <= 0 {
		return []models.RetrievalResult{}, nil
	}

	if len(documentIDs) == 0 && e.semantic.Configured() {
		results, err := e.searchSemantic(ctx, query, caseID, topK)
		if err != nil {
			return nil, err
		}
		if len(results) > 0 {
			metrics.RetrievalResults.WithLabelValues("semantic").Add(float64(len(results)))
			return results, nil
		}
	}

	// the local stages need at least one usable token
	terms := Tokenize(query)
	if len(terms) == 0 {
		return []models.RetrievalResult{}, nil
	}
	primary, err := e.searchLexical(ctx, terms, caseID, topK, documentIDs)
	if err != nil {
		return nil, err
	}
	metrics.RetrievalResults.WithLabelValues("lexical").Add(float64(len(primary)))
	if len(primary) >= topK {
		return primary[:topK], nil
	}

	seen := make(map[string]struct{}, len(primary))
	for _, r := range primary {
		seen[r.ChunkID] = struct{}{}
	}
	fallback, err := e.searchSimilar(ctx, strings.Join(terms, " "), caseID, documentIDs, seen, topK-len(primary))
	if err != nil {
		return nil, err
	}
	metrics.RetrievalResults.WithLabelValues("similarity").Add(float64(len(fallback)))
	return append(primary, fallback...), nil
}

func (e *Engine) searchSemantic(ctx context.Context, query string, caseID int64, topK int) ([]models.RetrievalResult, error) {
	hits, err := e.semantic.Search(ctx, query, caseID, topK)
	if err != nil {
		log.Printf("semantic search for case %d failed, using lexical path: %v", caseID, err)
		metrics.SemanticFallthrough.WithLabelValues("error").Inc()
		return nil, nil
	}
	if len(hits) > topK {
		hits = hits[:topK]
	}
	results, err := e.hydrate(ctx, hits)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		metrics.SemanticFallthrough.WithLabelValues("empty").Inc()
	}
	return results, nil
}

func (e *Engine) searchLexical(ctx context.Context, terms []string, caseID int64, topK int, documentIDs []int64) ([]models.RetrievalResult, error) {
	if e.lexical == nil {
		return []models.RetrievalResult{}, nil
	}
	hits, err := e.lexical.Search(ctx, terms, caseID, documentIDs, topK)
	if err != nil {
		log.Printf("lexical search for case %d failed: %v", caseID, err)
		return []models.RetrievalResult{}, nil
	}
	return e.hydrate(ctx, hits)
}

// searchSimilar scores every remaining candidate by trigram overlap with the query.
func (e *Engine) searchSimilar(ctx context.Context, query string, caseID int64, documentIDs []int64, exclude map[string]struct{}, limit int) ([]models.RetrievalResult, error) {
	if limit <= 0 {
		return []models.RetrievalResult{}, nil
	}
	candidates, err := e.chunks.ListCandidates(ctx, caseID, documentIDs, e.candidateLimit)
	if err != nil {
		return nil, err
	}
	if len(candidates) == e.candidateLimit {
		log.Printf("similarity search for case %d scored only the first %d chunks", caseID, e.candidateLimit)
	}
	qt := trigrams(query)
	var scored []models.RetrievalResult
	for _, c := range candidates {
		if _, ok := exclude[c.ChunkID]; ok {
			continue
		}
		score := similarity(qt, c.Content)
		if score < e.threshold {
			continue
		}
		c.Score = score
		scored = append(scored, c)
	}
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].ChunkID < scored[j].ChunkID
	})
	if len(scored) > limit {
		scored = scored[:limit]
	}
	if scored == nil {
		return []models.RetrievalResult{}, nil
	}
	return scored, nil
}

// hydrate loads hits from the chunk store, keeps hit order and copies scores. Ids the store
// no longer knows are dropped.
func (e *Engine) hydrate(ctx context.Context, hits []Hit) ([]models.RetrievalResult, error) {
	if len(hits) == 0 {
		return []models.RetrievalResult{}, nil
	}
	ids := make([]string, len(hits))
	scores := make(map[string]float64, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
		scores[h.ID] = h.Score
	}
	results, err := e.chunks.Hydrate(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range results {
		results[i].Score = scores[results[i].ChunkID]
	}
	return results, nil
}
