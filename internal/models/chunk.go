package models

import "time"

// Chunk is a bounded slice of a document's extracted text, the unit of retrieval.
type Chunk struct {
	ID           string    `json:"id"`
	CaseID       int64     `json:"case_id"`
	DocumentID   int64     `json:"document_id"`
	Content      string    `json:"content"`
	SectionTitle string    `json:"section_title,omitempty"`
	StartOffset  int       `json:"start_offset"`
	EndOffset    int       `json:"end_offset"`
	CreatedAt    time.Time `json:"created_at"`
}

// RetrievalResult is one ranked search hit. It is never persisted.
type RetrievalResult struct {
	ChunkID        string  `json:"chunk_id"`
	DocumentID     int64   `json:"document_id"`
	Content        string  `json:"content"`
	SectionTitle   string  `json:"section_title,omitempty"`
	SourceFilename string  `json:"source_filename"`
	SourceDocType  DocType `json:"source_doc_type"`
	Score          float64 `json:"score"`
}
