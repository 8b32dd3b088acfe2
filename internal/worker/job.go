package worker

import (
	"context"
	"errors"
	"fmt"

	"taxreply/internal/chunker"
	"taxreply/internal/models"
)

type JobType string

const (
	// Reindex rechunks a document from its extracted text.
	Reindex JobType = "reindex"
	// Purge drops every chunk of a document.
	Purge JobType = "purge"
	// Stop retires the worker that receives it.
	Stop JobType = "stop"
)

// Job is one unit of background chunk maintenance. Jobs of the same case are queued together
// and cases are served round-robin.
type Job struct {
	Type       JobType
	CaseID     int64
	DocumentID int64
}

// Handler executes a job.
type Handler func(ctx context.Context, job Job) error

type DocumentSource interface {
	GetDocument(ctx context.Context, id int64) (*models.Document, error)
}

type ChunkWriter interface {
	ReplaceChunks(ctx context.Context, caseID, documentID int64, pieces []chunker.Piece) ([]models.Chunk, error)
	DeleteChunks(ctx context.Context, documentID int64) (int, error)
}

// Indexer turns documents into chunks.
type Indexer struct {
	docs     DocumentSource
	chunks   ChunkWriter
	maxChars int
	overlap  int
}

func NewIndexer(docs DocumentSource, chunks ChunkWriter, maxChars, overlap int) *Indexer {
	if maxChars <= 0 {
		maxChars = chunker.DefaultMaxChars
	}
	if overlap < 0 || overlap >= maxChars {
		overlap = chunker.DefaultOverlap
	}
	return &Indexer{docs: docs, chunks: chunks, maxChars: maxChars, overlap: overlap}
}

// Handle is a Handler.
func (ix *Indexer) Handle(ctx context.Context, job Job) error {
	switch job.Type {
	case Reindex:
		_, err := ix.ReindexDocument(ctx, job.DocumentID)
		return err
	case Purge:
		n, err := ix.chunks.DeleteChunks(ctx, job.DocumentID)
		if err != nil {
			return err
		}
		debugLog("[indexer] purged %d chunks of document %d", n, job.DocumentID)
		return nil
	default:
		return fmt.Errorf("unknown job type %q", job.Type)
	}
}

// ReindexDocument replaces the chunks of a document and returns how many were written. A
// document without extracted text ends up with no chunks.
func (ix *Indexer) ReindexDocument(ctx context.Context, documentID int64) (int, error) {
	doc, err := ix.docs.GetDocument(ctx, documentID)
	if err != nil {
		return 0, err
	}
	if doc == nil {
		return 0, errors.New("document not found")
	}
	pieces := chunker.Chunk(doc.ExtractedText, ix.maxChars, ix.overlap)
	chunks, err := ix.chunks.ReplaceChunks(ctx, doc.CaseID, doc.ID, pieces)
	if err != nil {
		return 0, err
	}
	debugLog("[indexer] document %d of case %d: %d chunks", doc.ID, doc.CaseID, len(chunks))
	return len(chunks), nil
}
