package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"taxreply/internal/metrics"
	"taxreply/internal/models"
	"taxreply/internal/service/ai"
	"taxreply/internal/service/assistant"
	"taxreply/internal/worker"
)

const (
	defaultTopK = 5
	maxTopK     = 50
)

type Searcher interface {
	Search(ctx context.Context, query string, caseID int64, topK int, documentIDs []int64) ([]models.RetrievalResult, error)
}

type DocumentLookup interface {
	GetDocument(ctx context.Context, id int64) (*models.Document, error)
}

// ChunkReader exposes stored chunks for inspection.
type ChunkReader interface {
	Count(ctx context.Context, caseID int64) (int, error)
	ListByDocument(ctx context.Context, documentID int64) ([]models.Chunk, error)
}

// JobQueue accepts background chunk jobs without blocking.
type JobQueue interface {
	Submit(job worker.Job) error
}

// Handler wires HTTP routes to retrieval, the chat turn protocol and the reindex queue.
type Handler struct {
	assistant *assistant.Service
	search    Searcher
	documents DocumentLookup
	chunks    ChunkReader
	jobs      JobQueue
}

// NewHandler constructs a Handler instance.
func NewHandler(service *assistant.Service, search Searcher, documents DocumentLookup, chunks ChunkReader, jobs JobQueue) *Handler {
	return &Handler{
		assistant: service,
		search:    search,
		documents: documents,
		chunks:    chunks,
		jobs:      jobs,
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := router.Group("/api")
	api.GET("/models", h.listModels)

	cases := api.Group("/cases/:case_id")
	cases.POST("/search", h.searchCase)
	cases.GET("/chunks/count", h.countChunks)

	questions := api.Group("/questions/:question_id")
	questions.POST("/chat", h.chat)
	questions.POST("/chat/stream", h.chatStream)
	questions.GET("/messages", h.getMessages)
	questions.DELETE("/messages", h.clearMessages)

	documents := api.Group("/documents/:document_id")
	documents.GET("/chunks", h.listDocumentChunks)
	documents.POST("/reindex", h.reindexDocument)
	documents.DELETE("/chunks", h.purgeDocument)
}

func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid %s", strings.ReplaceAll(name, "_", " "))})
		return 0, false
	}
	return id, true
}

// errorStatus maps service errors to HTTP codes.
func errorStatus(err error) int {
	var cfgErr *ai.ConfigError
	switch {
	case errors.As(err, &cfgErr), errors.Is(err, ai.ErrNotConfigured), errors.Is(err, ai.ErrUnknownModel):
		return http.StatusBadRequest
	case errors.Is(err, ai.ErrProviderCall):
		return http.StatusBadGateway
	case errors.Is(err, sql.ErrNoRows):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, worker.ErrDispatcherBusy):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	status := errorStatus(err)
	msg := err.Error()
	switch status {
	case http.StatusNotFound:
		msg = "not found"
	case http.StatusTooManyRequests:
		msg = "server is busy, please retry"
	}
	c.JSON(status, gin.H{"error": msg})
}

func (h *Handler) listModels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"models": ai.ListModels()})
}

type searchRequest struct {
	Query       string  `json:"query"`
	TopK        int     `json:"top_k"`
	DocumentIDs []int64 `json:"document_ids"`
}

func (h *Handler) searchCase(c *gin.Context) {
	caseID, ok := pathID(c, "case_id")
	if !ok {
		return
	}
	var req searchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.TopK <= 0 {
		req.TopK = defaultTopK
	}
	if req.TopK > maxTopK {
		req.TopK = maxTopK
	}
	results, err := h.search.Search(c.Request.Context(), req.Query, caseID, req.TopK, req.DocumentIDs)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

func (h *Handler) countChunks(c *gin.Context) {
	caseID, ok := pathID(c, "case_id")
	if !ok {
		return
	}
	n, err := h.chunks.Count(c.Request.Context(), caseID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"case_id": caseID, "count": n})
}

type chatRequest struct {
	Message          string  `json:"message"`
	Model            string  `json:"model"`
	SystemPrompt     string  `json:"system_prompt"`
	AutoApply        bool    `json:"auto_apply"`
	IncludeDocuments *bool   `json:"include_documents"`
	DocumentIDs      []int64 `json:"document_ids"`
	Temperature      float64 `json:"temperature"`
	MaxTokens        int     `json:"max_tokens"`
}

// bindChat parses the body shared by both chat routes.
func bindChat(c *gin.Context) (assistant.ChatRequest, bool) {
	questionID, ok := pathID(c, "question_id")
	if !ok {
		return assistant.ChatRequest{}, false
	}
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return assistant.ChatRequest{}, false
	}
	if strings.TrimSpace(req.Message) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message is required"})
		return assistant.ChatRequest{}, false
	}
	if strings.TrimSpace(req.Model) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "model is required"})
		return assistant.ChatRequest{}, false
	}
	return assistant.ChatRequest{
		QuestionID:           questionID,
		Message:              req.Message,
		ModelID:              strings.TrimSpace(req.Model),
		SystemPromptOverride: req.SystemPrompt,
		AutoApply:            req.AutoApply,
		IncludeDocuments:     req.IncludeDocuments,
		DocumentIDs:          req.DocumentIDs,
		Temperature:          req.Temperature,
		MaxTokens:            req.MaxTokens,
	}, true
}

func (h *Handler) chat(c *gin.Context) {
	req, ok := bindChat(c)
	if !ok {
		return
	}
	result, err := h.assistant.Chat(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// sseWriter writes event frames, sending the stream headers on first use so that errors
// raised before any output can still be answered with a plain JSON status.
type sseWriter struct {
	c       *gin.Context
	flusher http.Flusher
	started bool
}

func (w *sseWriter) send(event string, payload interface{}) error {
	if !w.started {
		header := w.c.Writer.Header()
		header.Set("Content-Type", "text/event-stream")
		header.Set("Cache-Control", "no-cache")
		header.Set("Connection", "keep-alive")
		header.Set("X-Accel-Buffering", "no")
		w.c.Status(http.StatusOK)
		w.started = true
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w.c.Writer, "event: %s\n", event); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w.c.Writer, "data: %s\n\n", data); err != nil {
		return err
	}
	w.flusher.Flush()
	return nil
}

func (h *Handler) chatStream(c *gin.Context) {
	req, ok := bindChat(c)
	if !ok {
		return
	}
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}
	w := &sseWriter{c: c, flusher: flusher}

	result, err := h.assistant.ChatStream(c.Request.Context(), req, func(chunk string) error {
		return w.send("delta", gin.H{"content": chunk})
	})
	if err != nil {
		if c.Request.Context().Err() != nil {
			// client went away
			return
		}
		if !w.started {
			writeError(c, err)
			return
		}
		_ = w.send("error", gin.H{"message": err.Error()})
		return
	}
	_ = w.send("done", gin.H{
		"content":    result.Content,
		"model":      result.Model,
		"tokens_in":  result.TokensIn,
		"tokens_out": result.TokensOut,
		"message_id": result.MessageID,
		"applied":    result.Applied,
	})
}

func (h *Handler) getMessages(c *gin.Context) {
	questionID, ok := pathID(c, "question_id")
	if !ok {
		return
	}
	history, err := h.assistant.Conversations().GetMessages(c.Request.Context(), questionID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": history})
}

func (h *Handler) clearMessages(c *gin.Context) {
	questionID, ok := pathID(c, "question_id")
	if !ok {
		return
	}
	n, err := h.assistant.Conversations().Clear(c.Request.Context(), questionID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": n})
}

func (h *Handler) listDocumentChunks(c *gin.Context) {
	documentID, ok := pathID(c, "document_id")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	if _, err := h.documents.GetDocument(ctx, documentID); err != nil {
		writeError(c, err)
		return
	}
	chunks, err := h.chunks.ListByDocument(ctx, documentID)
	if err != nil {
		writeError(c, err)
		return
	}
	if chunks == nil {
		chunks = []models.Chunk{}
	}
	c.JSON(http.StatusOK, gin.H{"document_id": documentID, "chunks": chunks})
}

func (h *Handler) reindexDocument(c *gin.Context) {
	documentID, ok := pathID(c, "document_id")
	if !ok {
		return
	}
	doc, err := h.documents.GetDocument(c.Request.Context(), documentID)
	if err != nil {
		writeError(c, err)
		return
	}
	h.submit(c, worker.Job{Type: worker.Reindex, CaseID: doc.CaseID, DocumentID: doc.ID})
}

// purgeDocument accepts ids of documents that are already gone.
func (h *Handler) purgeDocument(c *gin.Context) {
	documentID, ok := pathID(c, "document_id")
	if !ok {
		return
	}
	job := worker.Job{Type: worker.Purge, DocumentID: documentID}
	doc, err := h.documents.GetDocument(c.Request.Context(), documentID)
	switch {
	case err == nil:
		job.CaseID = doc.CaseID
	case !errors.Is(err, sql.ErrNoRows):
		writeError(c, err)
		return
	}
	h.submit(c, job)
}

func (h *Handler) submit(c *gin.Context, job worker.Job) {
	if err := h.jobs.Submit(job); err != nil {
		if !errors.Is(err, worker.ErrDispatcherBusy) {
			log.Printf("submit %s document %d failed: %v", job.Type, job.DocumentID, err)
		}
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "queued", "document_id": job.DocumentID})
}
