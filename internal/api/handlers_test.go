package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taxreply/internal/catalog"
	"taxreply/internal/chunker"
	"taxreply/internal/chunkstore"
	"taxreply/internal/models"
	"taxreply/internal/retrieval"
	"taxreply/internal/service/ai"
	"taxreply/internal/service/assistant"
	"taxreply/internal/service/prompt"
	"taxreply/internal/storage"
	"taxreply/internal/storage/testdb"
	"taxreply/internal/worker"
)

const echoModel = "test/echo"

type echoModelImpl struct {
	failWith error
}

func (e *echoModelImpl) ModelID() string { return echoModel }

func (e *echoModelImpl) reply(messages []models.ChatMessage) string {
	return fmt.Sprintf("Reply to %q", messages[len(messages)-1].Content)
}

func (e *echoModelImpl) Complete(_ context.Context, messages []models.ChatMessage, _ ai.Options) (*ai.Completion, error) {
	if e.failWith != nil {
		return nil, e.failWith
	}
	return &ai.Completion{Content: e.reply(messages), Model: echoModel, TokensIn: 3, TokensOut: 5}, nil
}

func (e *echoModelImpl) Stream(ctx context.Context, messages []models.ChatMessage, _ ai.Options) <-chan ai.Event {
	out := make(chan ai.Event, 4)
	go func() {
		defer close(out)
		out <- ai.Event{Type: ai.EventDelta, Content: "Reply "}
		if e.failWith != nil {
			out <- ai.Event{Type: ai.EventError, Err: e.failWith}
			return
		}
		full := e.reply(messages)
		out <- ai.Event{Type: ai.EventDelta, Content: strings.TrimPrefix(full, "Reply ")}
		out <- ai.Event{Type: ai.EventDone, Content: full, TokensIn: 3, TokensOut: 5}
	}()
	return out
}

// testResolver serves the echo model and sends every other id to the real client.
type testResolver struct {
	echo   *echoModelImpl
	client assistant.ModelResolver
}

func (r testResolver) Resolve(ctx context.Context, id string) (assistant.Completer, error) {
	if id == echoModel {
		return r.echo, nil
	}
	return r.client.Resolve(ctx, id)
}

type recordingQueue struct {
	jobs []worker.Job
	err  error
}

func (q *recordingQueue) Submit(job worker.Job) error {
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, job)
	return nil
}

type testServer struct {
	router     *gin.Engine
	db         *sql.DB
	echo       *echoModelImpl
	queue      *recordingQueue
	caseID     int64
	documentID int64
	questionID int64
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := testdb.Open(t)
	caseID := testdb.InsertCase(t, db, "Acme GmbH 2022", "")
	docText := "Loan agreement\n" + strings.Repeat("The shareholder loan carries interest at four percent. ", 5)
	documentID := testdb.InsertDocument(t, db, caseID, "loan.pdf", "support", docText)
	roundID := testdb.InsertRound(t, db, caseID, 1)
	questionID := testdb.InsertQuestion(t, db, roundID, 1, "Describe the shareholder loan.", "")

	lexical, err := retrieval.OpenLexicalIndex("")
	require.NoError(t, err)
	t.Cleanup(func() { lexical.Close() })
	chunks := chunkstore.New(db, lexical)
	_, err = chunks.ReplaceChunks(context.Background(), caseID, documentID, chunker.Chunk(docText, 1500, 200))
	require.NoError(t, err)

	cat := catalog.New(db)
	settings := catalog.NewSettings(db, storage.SQLite, nil)
	engine := retrieval.NewEngine(chunks, lexical, nil, 0)
	builder := prompt.NewBuilder(cat, cat, settings, engine)
	echo := &echoModelImpl{}
	resolver := testResolver{echo: echo, client: assistant.ResolverFromClient(ai.NewClient(nil, settings))}
	svc := assistant.NewService(assistant.NewConversations(db, nil), cat, builder, resolver, time.Minute)

	queue := &recordingQueue{}
	router := gin.New()
	NewHandler(svc, engine, cat, chunks, queue).RegisterRoutes(router)

	return &testServer{
		router:     router,
		db:         db,
		echo:       echo,
		queue:      queue,
		caseID:     caseID,
		documentID: documentID,
		questionID: questionID,
	}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) countMessages(t *testing.T) int {
	t.Helper()
	var n int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM conversation_messages WHERE question_id = ?`, s.questionID).Scan(&n))
	return n
}

func decodeJSON(t *testing.T, data []byte, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(data, v), "body: %s", data)
}

type sseEvent struct {
	Name string
	Data string
}

func parseSSE(t *testing.T, payload string) []sseEvent {
	t.Helper()
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return nil
	}
	var events []sseEvent
	for _, chunk := range strings.Split(payload, "\n\n") {
		var evt sseEvent
		for _, line := range strings.Split(strings.TrimSpace(chunk), "\n") {
			switch {
			case strings.HasPrefix(line, "event:"):
				evt.Name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				evt.Data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			}
		}
		events = append(events, evt)
	}
	return events
}

func TestListModels(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/api/models", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Models []models.ModelDescriptor `json:"models"`
	}
	decodeJSON(t, rec.Body.Bytes(), &body)
	assert.Equal(t, ai.ListModels(), body.Models)
}

func TestSearchCase(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, fmt.Sprintf("/api/cases/%d/search", s.caseID), map[string]any{"query": "shareholder loan"})
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Results []models.RetrievalResult `json:"results"`
	}
	decodeJSON(t, rec.Body.Bytes(), &body)
	require.NotEmpty(t, body.Results)
	assert.Equal(t, "loan.pdf", body.Results[0].SourceFilename)
	assert.Equal(t, s.documentID, body.Results[0].DocumentID)

	rec = s.do(t, http.MethodPost, fmt.Sprintf("/api/cases/%d/search", s.caseID), map[string]any{"query": "a of"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"results":[]}`, rec.Body.String())

	rec = s.do(t, http.MethodPost, "/api/cases/abc/search", map[string]any{"query": "loan"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChatPersistsTurnAndAutoApplies(t *testing.T) {
	s := newTestServer(t)
	path := fmt.Sprintf("/api/questions/%d/chat", s.questionID)

	rec := s.do(t, http.MethodPost, path, map[string]any{"message": "Draft it", "model": echoModel, "auto_apply": true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var result assistant.ChatResult
	decodeJSON(t, rec.Body.Bytes(), &result)
	assert.Equal(t, `Reply to "Draft it"`, result.Content)
	assert.Equal(t, echoModel, result.Model)
	assert.True(t, result.Applied)
	assert.NotZero(t, result.MessageID)

	rec = s.do(t, http.MethodGet, fmt.Sprintf("/api/questions/%d/messages", s.questionID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var history struct {
		Messages []models.Message `json:"messages"`
	}
	decodeJSON(t, rec.Body.Bytes(), &history)
	require.Len(t, history.Messages, 3)
	assert.Equal(t, models.RoleSystem, history.Messages[0].Role)
	assert.Contains(t, history.Messages[0].Content, "Describe the shareholder loan.")
	assert.Contains(t, history.Messages[0].Content, "loan.pdf")

	var response string
	require.NoError(t, s.db.QueryRow(`SELECT response FROM questions WHERE id = ?`, s.questionID).Scan(&response))
	assert.Equal(t, result.Content, response)

	rec = s.do(t, http.MethodDelete, fmt.Sprintf("/api/questions/%d/messages", s.questionID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"deleted":3}`, rec.Body.String())
	assert.Equal(t, 0, s.countMessages(t))

	// clearing leaves the applied response alone
	require.NoError(t, s.db.QueryRow(`SELECT response FROM questions WHERE id = ?`, s.questionID).Scan(&response))
	assert.Equal(t, result.Content, response)
}

func TestChatValidationAndErrors(t *testing.T) {
	s := newTestServer(t)
	path := fmt.Sprintf("/api/questions/%d/chat", s.questionID)

	rec := s.do(t, http.MethodPost, path, map[string]any{"message": " ", "model": echoModel})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, path, map[string]any{"message": "hi"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// no credentials stored or configured
	rec = s.do(t, http.MethodPost, path, map[string]any{"message": "hi", "model": "openai/gpt-4o"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "openai_api_key")

	rec = s.do(t, http.MethodPost, path, map[string]any{"message": "hi", "model": "nope/model"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 0, s.countMessages(t))

	rec = s.do(t, http.MethodPost, "/api/questions/9999/chat", map[string]any{"message": "hi", "model": echoModel})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	s.echo.failWith = fmt.Errorf("%w: test: overloaded", ai.ErrProviderCall)
	rec = s.do(t, http.MethodPost, path, map[string]any{"message": "hi", "model": echoModel})
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestChatStreamEvents(t *testing.T) {
	s := newTestServer(t)
	path := fmt.Sprintf("/api/questions/%d/chat/stream", s.questionID)

	rec := s.do(t, http.MethodPost, path, map[string]any{"message": "Stream it", "model": echoModel})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	events := parseSSE(t, rec.Body.String())
	require.Len(t, events, 3)
	assert.Equal(t, "delta", events[0].Name)
	assert.Equal(t, "delta", events[1].Name)
	require.Equal(t, "done", events[2].Name)

	var done struct {
		Content   string `json:"content"`
		Model     string `json:"model"`
		TokensIn  int    `json:"tokens_in"`
		TokensOut int    `json:"tokens_out"`
		MessageID int64  `json:"message_id"`
	}
	decodeJSON(t, []byte(events[2].Data), &done)
	assert.Equal(t, `Reply to "Stream it"`, done.Content)
	assert.Equal(t, 5, done.TokensOut)
	assert.NotZero(t, done.MessageID)
	assert.Equal(t, 3, s.countMessages(t))
}

func TestChatStreamProviderErrorIsSingleEvent(t *testing.T) {
	s := newTestServer(t)
	s.echo.failWith = fmt.Errorf("%w: test: reset", ai.ErrProviderCall)

	rec := s.do(t, http.MethodPost, fmt.Sprintf("/api/questions/%d/chat/stream", s.questionID),
		map[string]any{"message": "Stream it", "model": echoModel})
	require.Equal(t, http.StatusOK, rec.Code)
	events := parseSSE(t, rec.Body.String())
	require.Len(t, events, 2)
	assert.Equal(t, "delta", events[0].Name)
	assert.Equal(t, "error", events[1].Name)
	assert.Contains(t, events[1].Data, "reset")

	// system and user turns stay, no assistant reply
	assert.Equal(t, 2, s.countMessages(t))
}

func TestChatStreamConfigErrorIsPlainJSON(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, fmt.Sprintf("/api/questions/%d/chat/stream", s.questionID),
		map[string]any{"message": "hi", "model": "anthropic/claude-sonnet-4-20250514"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "anthropic_api_key")
}

func TestReindexAndPurge(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, fmt.Sprintf("/api/documents/%d/reindex", s.documentID), nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	rec = s.do(t, http.MethodPost, "/api/documents/9999/reindex", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodDelete, "/api/documents/9999/chunks", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	assert.Equal(t, []worker.Job{
		{Type: worker.Reindex, CaseID: s.caseID, DocumentID: s.documentID},
		{Type: worker.Purge, DocumentID: 9999},
	}, s.queue.jobs)

	s.queue.err = worker.ErrDispatcherBusy
	rec = s.do(t, http.MethodPost, fmt.Sprintf("/api/documents/%d/reindex", s.documentID), nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	s.queue.err = errors.New("closed")
	rec = s.do(t, http.MethodDelete, fmt.Sprintf("/api/documents/%d/chunks", s.documentID), nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestChunkCountAndMetrics(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, fmt.Sprintf("/api/cases/%d/chunks/count", s.caseID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Count int `json:"count"`
	}
	decodeJSON(t, rec.Body.Bytes(), &body)
	assert.Equal(t, 1, body.Count)

	rec = s.do(t, http.MethodGet, fmt.Sprintf("/api/documents/%d/chunks", s.documentID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed struct {
		Chunks []models.Chunk `json:"chunks"`
	}
	decodeJSON(t, rec.Body.Bytes(), &listed)
	require.Len(t, listed.Chunks, 1)
	assert.Equal(t, s.documentID, listed.Chunks[0].DocumentID)
	assert.Contains(t, listed.Chunks[0].Content, "shareholder loan")

	rec = s.do(t, http.MethodGet, "/api/documents/999/chunks", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
