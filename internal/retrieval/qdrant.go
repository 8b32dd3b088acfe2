package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/eino/components/embedding"

	"taxreply/internal/models"
)

// Qdrant is a minimal REST client for a Qdrant collection. It is both the semantic backend
// and a chunk store mirror. Vectors come from the embedder; the collection is created with
// cosine distance on first write.
type Qdrant struct {
	url        string
	apiKey     string
	collection string
	embedder   embedding.Embedder
	client     *http.Client

	mu      sync.Mutex
	ensured bool
}

type QdrantConfig struct {
	URL        string
	APIKey     string
	Collection string
	Timeout    time.Duration
}

func NewQdrant(cfg QdrantConfig, embedder embedding.Embedder) *Qdrant {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &Qdrant{
		url:        strings.TrimRight(cfg.URL, "/"),
		apiKey:     cfg.APIKey,
		collection: cfg.Collection,
		embedder:   embedder,
		client:     &http.Client{Timeout: timeout},
	}
}

func (q *Qdrant) Name() string { return "qdrant" }

func (q *Qdrant) Configured() bool {
	return q != nil && q.url != "" && q.collection != "" && q.embedder != nil
}

func (q *Qdrant) Upsert(ctx context.Context, chunks []models.Chunk) error {
	if !q.Configured() || len(chunks) == 0 {
		return nil
	}
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}
	vectors, err := q.embedder.EmbedStrings(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed chunks: %w", err)
	}
	if len(vectors) != len(chunks) {
		return errors.New("chunks and vectors length mismatch")
	}
	if err := q.ensureCollection(ctx, len(vectors[0])); err != nil {
		return err
	}

	points := make([]map[string]any, len(chunks))
	for i, c := range chunks {
		points[i] = map[string]any{
			"id":     c.ID,
			"vector": vectors[i],
			"payload": map[string]any{
				"chunk_id":    c.ID,
				"case_id":     c.CaseID,
				"document_id": c.DocumentID,
			},
		}
	}
	return q.do(ctx, http.MethodPut, fmt.Sprintf("/collections/%s/points?wait=true", q.collection), map[string]any{"points": points}, nil)
}

func (q *Qdrant) Remove(ctx context.Context, ids []string) error {
	if !q.Configured() || len(ids) == 0 {
		return nil
	}
	return q.do(ctx, http.MethodPost, fmt.Sprintf("/collections/%s/points/delete?wait=true", q.collection), map[string]any{"points": ids}, nil)
}

// Search embeds the query and returns the nearest chunks of the case.
func (q *Qdrant) Search(ctx context.Context, text string, caseID int64, topK int) ([]Hit, error) {
	if !q.Configured() {
		return nil, nil
	}
	if topK <= 0 {
		topK = 5
	}
	vectors, err := q.embedder.EmbedStrings(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vectors) != 1 {
		return nil, errors.New("no query embedding returned")
	}
	req := map[string]any{
		"vector":       vectors[0],
		"limit":        topK,
		"with_payload": true,
		"filter": map[string]any{
			"must": []map[string]any{
				{"key": "case_id", "match": map[string]any{"value": caseID}},
			},
		},
	}
	var resp struct {
		Result []struct {
			ID      any            `json:"id"`
			Score   float64        `json:"score"`
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}
	if err := q.do(ctx, http.MethodPost, fmt.Sprintf("/collections/%s/points/search", q.collection), req, &resp); err != nil {
		return nil, err
	}
	hits := make([]Hit, 0, len(resp.Result))
	for _, r := range resp.Result {
		id, _ := r.Payload["chunk_id"].(string)
		if id == "" {
			id = fmt.Sprint(r.ID)
		}
		hits = append(hits, Hit{ID: id, Score: r.Score})
	}
	return hits, nil
}

func (q *Qdrant) ensureCollection(ctx context.Context, dimension int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ensured {
		return nil
	}
	if dimension <= 0 {
		return errors.New("invalid embedding dimension")
	}
	err := q.do(ctx, http.MethodGet, fmt.Sprintf("/collections/%s", q.collection), nil, nil)
	if err == nil {
		q.ensured = true
		return nil
	}
	var status *statusError
	if !errors.As(err, &status) || status.code != http.StatusNotFound {
		return err
	}
	body := map[string]any{
		"vectors": map[string]any{"size": dimension, "distance": "Cosine"},
	}
	if err := q.do(ctx, http.MethodPut, fmt.Sprintf("/collections/%s", q.collection), body, nil); err != nil {
		return err
	}
	q.ensured = true
	return nil
}

type statusError struct {
	method string
	path   string
	code   int
	status string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("qdrant %s %s failed: %s", e.method, e.path, e.status)
}

func (q *Qdrant) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, q.url+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if q.apiKey != "" {
		req.Header.Set("api-key", q.apiKey)
	}
	resp, err := q.client.Do(req)
	if err != nil {
		return fmt.Errorf("qdrant %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return &statusError{method: method, path: path, code: resp.StatusCode, status: resp.Status}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
