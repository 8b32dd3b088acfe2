package retrieval

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"sync"

	"github.com/blevesearch/bleve"
	"github.com/blevesearch/bleve/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/mapping"
	"github.com/blevesearch/bleve/search/query"

	"taxreply/internal/models"
)

const (
	fieldContent  = "content"
	fieldCase     = "case_id"
	fieldDocument = "document_id"
)

// Hit is a scored chunk id produced by a search stage.
type Hit struct {
	ID    string
	Score float64
}

// LexicalIndex is the bleve full-text index behind the primary lexical stage. It mirrors the
// chunk store.
type LexicalIndex struct {
	mu    sync.RWMutex
	index bleve.Index
}

// OpenLexicalIndex opens or creates a disk index at path; an empty path keeps it in memory.
func OpenLexicalIndex(path string) (*LexicalIndex, error) {
	if path == "" {
		idx, err := bleve.NewMemOnly(newIndexMapping())
		if err != nil {
			return nil, fmt.Errorf("create in-memory index: %w", err)
		}
		return &LexicalIndex{index: idx}, nil
	}
	if _, err := os.Stat(path); err == nil {
		idx, err := bleve.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open lexical index %s: %w", path, err)
		}
		return &LexicalIndex{index: idx}, nil
	}
	idx, err := bleve.New(path, newIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("create lexical index %s: %w", path, err)
	}
	return &LexicalIndex{index: idx}, nil
}

func newIndexMapping() *mapping.IndexMappingImpl {
	content := bleve.NewTextFieldMapping()
	content.Store = false

	exact := bleve.NewTextFieldMapping()
	exact.Analyzer = keyword.Name
	exact.Store = false
	exact.IncludeTermVectors = false

	doc := bleve.NewDocumentMapping()
	doc.AddFieldMappingsAt(fieldContent, content)
	doc.AddFieldMappingsAt(fieldCase, exact)
	doc.AddFieldMappingsAt(fieldDocument, exact)

	im := bleve.NewIndexMapping()
	im.DefaultMapping = doc
	return im
}

func (l *LexicalIndex) Name() string { return "lexical" }

// Upsert indexes chunks, replacing any with the same id.
func (l *LexicalIndex) Upsert(_ context.Context, chunks []models.Chunk) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	batch := l.index.NewBatch()
	for _, c := range chunks {
		if err := batch.Index(c.ID, chunkDocument(c)); err != nil {
			return fmt.Errorf("index chunk %s: %w", c.ID, err)
		}
	}
	return l.index.Batch(batch)
}

func chunkDocument(c models.Chunk) map[string]interface{} {
	return map[string]interface{}{
		fieldContent:  c.Content,
		fieldCase:     strconv.FormatInt(c.CaseID, 10),
		fieldDocument: strconv.FormatInt(c.DocumentID, 10),
	}
}

func (l *LexicalIndex) Remove(_ context.Context, ids []string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	batch := l.index.NewBatch()
	for _, id := range ids {
		batch.Delete(id)
	}
	return l.index.Batch(batch)
}

const reconcilePage = 1000

// Reconcile makes the index hold exactly chunks: missing ids are indexed and ids no longer in
// chunks are removed. Chunk content never changes under an id, so present ids are left alone.
func (l *LexicalIndex) Reconcile(ctx context.Context, chunks []models.Chunk) (added, removed int, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	indexed, err := l.indexedIDs(ctx)
	if err != nil {
		return 0, 0, err
	}
	batch := l.index.NewBatch()
	for _, c := range chunks {
		if _, ok := indexed[c.ID]; ok {
			delete(indexed, c.ID)
			continue
		}
		if err := batch.Index(c.ID, chunkDocument(c)); err != nil {
			return 0, 0, fmt.Errorf("index chunk %s: %w", c.ID, err)
		}
		added++
	}
	for id := range indexed {
		batch.Delete(id)
		removed++
	}
	if added+removed == 0 {
		return 0, 0, nil
	}
	if err := l.index.Batch(batch); err != nil {
		return 0, 0, fmt.Errorf("reconcile lexical index: %w", err)
	}
	return added, removed, nil
}

// indexedIDs pages through every document id. Callers hold l.mu.
func (l *LexicalIndex) indexedIDs(ctx context.Context) (map[string]struct{}, error) {
	ids := make(map[string]struct{})
	for from := 0; ; from += reconcilePage {
		req := bleve.NewSearchRequestOptions(bleve.NewMatchAllQuery(), reconcilePage, from, false)
		req.SortBy([]string{"_id"})
		res, err := l.index.SearchInContext(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("list indexed chunks: %w", err)
		}
		for _, h := range res.Hits {
			ids[h.ID] = struct{}{}
		}
		if len(res.Hits) < reconcilePage {
			return ids, nil
		}
	}
}

func (l *LexicalIndex) DocCount() (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.index.DocCount()
}

// Search ORs the terms over chunk content, scoped to the case and optional documents. Hits
// come back by score descending, ties broken by id.
func (l *LexicalIndex) Search(ctx context.Context, terms []string, caseID int64, documentIDs []int64, limit int) ([]Hit, error) {
	if len(terms) == 0 || limit <= 0 {
		return []Hit{}, nil
	}
	anyTerm := make([]query.Query, 0, len(terms))
	for _, term := range terms {
		mq := bleve.NewMatchQuery(term)
		mq.SetField(fieldContent)
		anyTerm = append(anyTerm, mq)
	}
	caseQuery := bleve.NewTermQuery(strconv.FormatInt(caseID, 10))
	caseQuery.SetField(fieldCase)

	must := []query.Query{bleve.NewDisjunctionQuery(anyTerm...), caseQuery}
	if len(documentIDs) > 0 {
		docs := make([]query.Query, 0, len(documentIDs))
		for _, id := range documentIDs {
			tq := bleve.NewTermQuery(strconv.FormatInt(id, 10))
			tq.SetField(fieldDocument)
			docs = append(docs, tq)
		}
		must = append(must, bleve.NewDisjunctionQuery(docs...))
	}

	req := bleve.NewSearchRequestOptions(bleve.NewConjunctionQuery(must...), limit, 0, false)
	l.mu.RLock()
	res, err := l.index.SearchInContext(ctx, req)
	l.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("lexical search: %w", err)
	}

	hits := make([]Hit, 0, len(res.Hits))
	for _, h := range res.Hits {
		hits = append(hits, Hit{ID: h.ID, Score: h.Score})
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	return hits, nil
}

func (l *LexicalIndex) Close() error {
	return l.index.Close()
}
