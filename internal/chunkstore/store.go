// Package chunkstore persists document chunks and keeps the retrieval mirrors in sync.
package chunkstore

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"taxreply/internal/chunker"
	"taxreply/internal/metrics"
	"taxreply/internal/models"
	"taxreply/internal/storage"
)

// Mirror is a secondary index fed from the store after each committed write.
type Mirror interface {
	Name() string
	Upsert(ctx context.Context, chunks []models.Chunk) error
	Remove(ctx context.Context, ids []string) error
}

// Reconciler is a mirror that can be brought back in line with the full chunk set.
type Reconciler interface {
	Reconcile(ctx context.Context, chunks []models.Chunk) (added, removed int, err error)
}

type Store struct {
	db      *sql.DB
	mirrors []Mirror
	now     func() time.Time

	// writes hold it shared from commit through mirror fan-out; Resync holds it exclusively
	mu sync.RWMutex
}

func New(db *sql.DB, mirrors ...Mirror) *Store {
	return &Store{db: db, mirrors: mirrors, now: func() time.Time { return time.Now().UTC() }}
}

// AddMirror registers another mirror. It must be called before the store is shared.
func (s *Store) AddMirror(m Mirror) {
	if m != nil {
		s.mirrors = append(s.mirrors, m)
	}
}

// ReplaceChunks swaps the chunk set of a document in one transaction and returns the new rows.
func (s *Store) ReplaceChunks(ctx context.Context, caseID, documentID int64, pieces []chunker.Piece) ([]models.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin replace: %w", err)
	}
	defer tx.Rollback()

	oldIDs, err := queryIDs(ctx, tx, `SELECT id FROM document_chunks WHERE document_id = ?`, documentID)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM document_chunks WHERE document_id = ?`, documentID); err != nil {
		return nil, fmt.Errorf("delete chunks: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO document_chunks (id, case_id, document_id, content, section_title, start_offset, end_offset, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, fmt.Errorf("prepare insert chunk: %w", err)
	}
	defer stmt.Close()

	now := s.now()
	chunks := make([]models.Chunk, 0, len(pieces))
	for _, p := range pieces {
		c := models.Chunk{
			ID:           uuid.NewString(),
			CaseID:       caseID,
			DocumentID:   documentID,
			Content:      p.Content,
			SectionTitle: p.SectionTitle,
			StartOffset:  p.Start,
			EndOffset:    p.End,
			CreatedAt:    now,
		}
		if _, err := stmt.ExecContext(ctx, c.ID, c.CaseID, c.DocumentID, c.Content, nullString(c.SectionTitle), c.StartOffset, c.EndOffset, c.CreatedAt); err != nil {
			return nil, fmt.Errorf("insert chunk: %w", err)
		}
		chunks = append(chunks, c)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit replace: %w", err)
	}

	s.mirrorRemove(ctx, oldIDs)
	s.mirrorUpsert(ctx, chunks)
	return chunks, nil
}

// DeleteChunks removes every chunk of a document and returns how many rows went away.
func (s *Store) DeleteChunks(ctx context.Context, documentID int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback()

	ids, err := queryIDs(ctx, tx, `SELECT id FROM document_chunks WHERE document_id = ?`, documentID)
	if err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM document_chunks WHERE document_id = ?`, documentID); err != nil {
		return 0, fmt.Errorf("delete chunks: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit delete: %w", err)
	}
	s.mirrorRemove(ctx, ids)
	return len(ids), nil
}

// SweepOrphans deletes chunks whose document row no longer exists.
func (s *Store) SweepOrphans(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin sweep: %w", err)
	}
	defer tx.Rollback()

	ids, err := queryIDs(ctx, tx, `SELECT id FROM document_chunks WHERE document_id NOT IN (SELECT id FROM documents)`)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	query := fmt.Sprintf(`DELETE FROM document_chunks WHERE id IN (%s)`, storage.Placeholders(len(ids)))
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return 0, fmt.Errorf("delete orphan chunks: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit sweep: %w", err)
	}
	s.mirrorRemove(ctx, ids)
	return len(ids), nil
}

func (s *Store) Count(ctx context.Context, caseID int64) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM document_chunks WHERE case_id = ?`, caseID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count chunks: %w", err)
	}
	return n, nil
}

const hitColumns = `c.id, c.document_id, c.content, c.section_title, d.filename, d.doc_type`

// Hydrate loads retrieval results for ids, preserving the order of ids. Unknown ids are skipped.
func (s *Store) Hydrate(ctx context.Context, ids []string) ([]models.RetrievalResult, error) {
	if len(ids) == 0 {
		return []models.RetrievalResult{}, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	query := fmt.Sprintf(`SELECT %s FROM document_chunks c JOIN documents d ON d.id = c.document_id WHERE c.id IN (%s)`,
		hitColumns, storage.Placeholders(len(ids)))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("hydrate chunks: %w", err)
	}
	found, err := scanHits(rows)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]models.RetrievalResult, len(found))
	for _, r := range found {
		byID[r.ChunkID] = r
	}
	out := make([]models.RetrievalResult, 0, len(ids))
	for _, id := range ids {
		if r, ok := byID[id]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

// ListCandidates returns the chunks of a case, optionally limited to documentIDs, ordered by id.
// A positive limit caps the number of rows.
func (s *Store) ListCandidates(ctx context.Context, caseID int64, documentIDs []int64, limit int) ([]models.RetrievalResult, error) {
	var b strings.Builder
	fmt.Fprintf(&b, `SELECT %s FROM document_chunks c JOIN documents d ON d.id = c.document_id WHERE c.case_id = ?`, hitColumns)
	args := []any{caseID}
	if len(documentIDs) > 0 {
		fmt.Fprintf(&b, ` AND c.document_id IN (%s)`, storage.Placeholders(len(documentIDs)))
		for _, id := range documentIDs {
			args = append(args, id)
		}
	}
	b.WriteString(` ORDER BY c.id`)
	if limit > 0 {
		b.WriteString(` LIMIT ?`)
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list candidate chunks: %w", err)
	}
	return scanHits(rows)
}

// Resync reconciles m against every stored chunk while no write is in progress.
func (s *Store) Resync(ctx context.Context, m Reconciler) (added, removed int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chunks, err := s.ListAll(ctx)
	if err != nil {
		return 0, 0, err
	}
	return m.Reconcile(ctx, chunks)
}

// ListAll returns every stored chunk.
func (s *Store) ListAll(ctx context.Context) ([]models.Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, case_id, document_id, content, section_title, start_offset, end_offset, created_at
		FROM document_chunks ORDER BY document_id, start_offset`)
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	defer rows.Close()

	var out []models.Chunk
	for rows.Next() {
		var (
			c     models.Chunk
			title sql.NullString
		)
		if err := rows.Scan(&c.ID, &c.CaseID, &c.DocumentID, &c.Content, &title, &c.StartOffset, &c.EndOffset, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		c.SectionTitle = title.String
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListByDocument returns a document's chunks in text order.
func (s *Store) ListByDocument(ctx context.Context, documentID int64) ([]models.Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, case_id, document_id, content, section_title, start_offset, end_offset, created_at
		FROM document_chunks WHERE document_id = ? ORDER BY start_offset`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list document chunks: %w", err)
	}
	defer rows.Close()

	var out []models.Chunk
	for rows.Next() {
		var (
			c     models.Chunk
			title sql.NullString
		)
		if err := rows.Scan(&c.ID, &c.CaseID, &c.DocumentID, &c.Content, &title, &c.StartOffset, &c.EndOffset, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		c.SectionTitle = title.String
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanHits(rows *sql.Rows) ([]models.RetrievalResult, error) {
	defer rows.Close()
	var out []models.RetrievalResult
	for rows.Next() {
		var (
			r       models.RetrievalResult
			title   sql.NullString
			docType string
		)
		if err := rows.Scan(&r.ChunkID, &r.DocumentID, &r.Content, &title, &r.SourceFilename, &docType); err != nil {
			return nil, fmt.Errorf("scan chunk hit: %w", err)
		}
		r.SectionTitle = title.String
		r.SourceDocType = models.DocType(docType)
		out = append(out, r)
	}
	return out, rows.Err()
}

func queryIDs(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]string, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query chunk ids: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan chunk id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) mirrorUpsert(ctx context.Context, chunks []models.Chunk) {
	if len(chunks) == 0 {
		return
	}
	for _, m := range s.mirrors {
		if err := m.Upsert(ctx, chunks); err != nil {
			log.Printf("mirror %s: upsert %d chunks failed: %v", m.Name(), len(chunks), err)
			metrics.MirrorErrors.WithLabelValues(m.Name(), "upsert").Inc()
		}
	}
}

func (s *Store) mirrorRemove(ctx context.Context, ids []string) {
	if len(ids) == 0 {
		return
	}
	for _, m := range s.mirrors {
		if err := m.Remove(ctx, ids); err != nil {
			log.Printf("mirror %s: remove %d chunks failed: %v", m.Name(), len(ids), err)
			metrics.MirrorErrors.WithLabelValues(m.Name(), "remove").Inc()
		}
	}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
