// Package catalog reads the case, document and question rows owned by the surrounding
// application, and writes a question's response on auto-apply.
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"taxreply/internal/models"
)

type Catalog struct {
	db *sql.DB
}

func New(db *sql.DB) *Catalog {
	return &Catalog{db: db}
}

// GetCase returns sql.ErrNoRows when the case does not exist.
func (c *Catalog) GetCase(ctx context.Context, id int64) (*models.Case, error) {
	var (
		out         models.Case
		instruction sql.NullString
	)
	err := c.db.QueryRowContext(ctx, `SELECT id, name, custom_instruction FROM cases WHERE id = ?`, id).
		Scan(&out.ID, &out.Name, &instruction)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("get case: %w", err)
	}
	out.CustomInstruction = instruction.String
	return &out, nil
}

func (c *Catalog) GetDocument(ctx context.Context, id int64) (*models.Document, error) {
	var (
		out     models.Document
		docType string
		text    sql.NullString
	)
	err := c.db.QueryRowContext(ctx, `SELECT id, case_id, filename, doc_type, extracted_text FROM documents WHERE id = ?`, id).
		Scan(&out.ID, &out.CaseID, &out.Filename, &docType, &text)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("get document: %w", err)
	}
	out.DocType = models.DocType(docType)
	out.ExtractedText = text.String
	return &out, nil
}

// SetExtractedText stores OCR output for a document; it is the hand-off point for the
// external text extraction step.
func (c *Catalog) SetExtractedText(ctx context.Context, id int64, text string) error {
	res, err := c.db.ExecContext(ctx, `UPDATE documents SET extracted_text = ? WHERE id = ?`, text, id)
	if err != nil {
		return fmt.Errorf("set extracted text: %w", err)
	}
	return requireRow(res)
}

// CreateDocument inserts a document row, used by the index command.
func (c *Catalog) CreateDocument(ctx context.Context, doc *models.Document) error {
	res, err := c.db.ExecContext(ctx,
		`INSERT INTO documents (case_id, filename, doc_type, extracted_text, created_at) VALUES (?, ?, ?, ?, ?)`,
		doc.CaseID, doc.Filename, string(doc.DocType), doc.ExtractedText, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("create document: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("document id: %w", err)
	}
	doc.ID = id
	return nil
}

func (c *Catalog) GetQuestion(ctx context.Context, id int64) (*models.Question, error) {
	var q models.Question
	err := c.db.QueryRowContext(ctx, `
		SELECT q.id, q.round_id, r.case_id, r.number, q.number, q.text, q.response
		FROM questions q JOIN rounds r ON r.id = q.round_id
		WHERE q.id = ?`, id).
		Scan(&q.ID, &q.RoundID, &q.CaseID, &q.RoundNumber, &q.Number, &q.Text, &q.Response)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("get question: %w", err)
	}
	return &q, nil
}

// ListRounds returns the rounds of a case by ascending number.
func (c *Catalog) ListRounds(ctx context.Context, caseID int64) ([]models.Round, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT id, case_id, number FROM rounds WHERE case_id = ? ORDER BY number ASC`, caseID)
	if err != nil {
		return nil, fmt.Errorf("list rounds: %w", err)
	}
	defer rows.Close()

	var rounds []models.Round
	for rows.Next() {
		var r models.Round
		if err := rows.Scan(&r.ID, &r.CaseID, &r.Number); err != nil {
			return nil, fmt.Errorf("scan round: %w", err)
		}
		rounds = append(rounds, r)
	}
	return rounds, rows.Err()
}

// ListQuestions returns the questions of a round by ascending number.
func (c *Catalog) ListQuestions(ctx context.Context, roundID int64) ([]models.Question, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT q.id, q.round_id, r.case_id, r.number, q.number, q.text, q.response
		FROM questions q JOIN rounds r ON r.id = q.round_id
		WHERE q.round_id = ? ORDER BY q.number ASC, q.id ASC`, roundID)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	defer rows.Close()

	var out []models.Question
	for rows.Next() {
		var q models.Question
		if err := rows.Scan(&q.ID, &q.RoundID, &q.CaseID, &q.RoundNumber, &q.Number, &q.Text, &q.Response); err != nil {
			return nil, fmt.Errorf("scan question: %w", err)
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// UpdateResponse overwrites a question's response field.
func (c *Catalog) UpdateResponse(ctx context.Context, questionID int64, response string) error {
	res, err := c.db.ExecContext(ctx, `UPDATE questions SET response = ?, updated_at = ? WHERE id = ?`,
		response, time.Now().UTC(), questionID)
	if err != nil {
		return fmt.Errorf("update response: %w", err)
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}
