// Package prompt assembles the system prompt written once at the start of a question's
// conversation.
package prompt

import (
	"context"
	"fmt"
	"log"
	"strings"

	"taxreply/internal/models"
)

const (
	// DefaultInstructionKey is the settings key of the global default instruction.
	DefaultInstructionKey = "default_instruction"

	ExcerptTopK  = 5
	ExcerptChars = 800
	ellipsis     = " [...]"
)

// BuiltinInstruction is used when neither the call, the case nor the settings provide one.
const BuiltinInstruction = `You are an assistant to a tax consultant. Help draft precise, factual and professional replies to information requests from the tax authority. Rely on the case documents, state assumptions explicitly and do not invent facts.`

const excerptInstruction = `Use the excerpts above as inspiration and as factual grounding. Do not reproduce them verbatim.`

type CaseReader interface {
	GetCase(ctx context.Context, id int64) (*models.Case, error)
}

type RoundReader interface {
	ListRounds(ctx context.Context, caseID int64) ([]models.Round, error)
	ListQuestions(ctx context.Context, roundID int64) ([]models.Question, error)
}

type SettingsReader interface {
	GetDefault(ctx context.Context, key, def string) (string, error)
}

type Searcher interface {
	Search(ctx context.Context, query string, caseID int64, topK int, documentIDs []int64) ([]models.RetrievalResult, error)
}

// Options are the per-call inputs to the prompt. A nil IncludeDocuments means true.
type Options struct {
	SystemPromptOverride string
	IncludeDocuments     *bool
	DocumentIDs          []int64
}

type Builder struct {
	cases    CaseReader
	rounds   RoundReader
	settings SettingsReader
	search   Searcher
}

func NewBuilder(cases CaseReader, rounds RoundReader, settings SettingsReader, search Searcher) *Builder {
	return &Builder{cases: cases, rounds: rounds, settings: settings, search: search}
}

// BuildSystemPrompt joins the base instruction, prior-round answers, the current question and
// retrieved excerpts with blank lines, leaving out empty sections.
func (b *Builder) BuildSystemPrompt(ctx context.Context, q *models.Question, opts Options) (string, error) {
	base, err := b.baseInstruction(ctx, q.CaseID, opts.SystemPromptOverride)
	if err != nil {
		return "", err
	}
	history, err := b.priorRounds(ctx, q)
	if err != nil {
		return "", err
	}
	sections := []string{
		base,
		history,
		fmt.Sprintf("## Current question\n\nQuestion %d: %s", q.Number, strings.TrimSpace(q.Text)),
		b.excerpts(ctx, q, opts),
	}

	var kept []string
	for _, s := range sections {
		if strings.TrimSpace(s) != "" {
			kept = append(kept, s)
		}
	}
	return strings.Join(kept, "\n\n"), nil
}

func (b *Builder) baseInstruction(ctx context.Context, caseID int64, override string) (string, error) {
	if s := strings.TrimSpace(override); s != "" {
		return s, nil
	}
	if b.cases != nil {
		c, err := b.cases.GetCase(ctx, caseID)
		if err != nil {
			return "", fmt.Errorf("load case %d: %w", caseID, err)
		}
		if s := strings.TrimSpace(c.CustomInstruction); s != "" {
			return s, nil
		}
	}
	if b.settings != nil {
		s, err := b.settings.GetDefault(ctx, DefaultInstructionKey, BuiltinInstruction)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(s), nil
	}
	return BuiltinInstruction, nil
}

func (b *Builder) priorRounds(ctx context.Context, q *models.Question) (string, error) {
	if q.RoundNumber <= 1 || b.rounds == nil {
		return "", nil
	}
	rounds, err := b.rounds.ListRounds(ctx, q.CaseID)
	if err != nil {
		return "", err
	}
	var blocks []string
	for _, r := range rounds {
		if r.Number >= q.RoundNumber {
			continue
		}
		questions, err := b.rounds.ListQuestions(ctx, r.ID)
		if err != nil {
			return "", err
		}
		for _, prev := range questions {
			if strings.TrimSpace(prev.Response) == "" {
				continue
			}
			blocks = append(blocks, fmt.Sprintf("Round %d, question %d:\nQuestion: %s\nResponse: %s",
				r.Number, prev.Number, strings.TrimSpace(prev.Text), strings.TrimSpace(prev.Response)))
		}
	}
	if len(blocks) == 0 {
		return "", nil
	}
	return "## Previous rounds\n\n" + strings.Join(blocks, "\n\n"), nil
}

func (b *Builder) excerpts(ctx context.Context, q *models.Question, opts Options) string {
	include := opts.IncludeDocuments == nil || *opts.IncludeDocuments || len(opts.DocumentIDs) > 0
	if !include || b.search == nil {
		return ""
	}
	results, err := b.search.Search(ctx, q.Text, q.CaseID, ExcerptTopK, opts.DocumentIDs)
	if err != nil {
		log.Printf("retrieve excerpts for question %d failed: %v", q.ID, err)
		return ""
	}
	if len(results) == 0 {
		return ""
	}
	parts := make([]string, 0, len(results))
	for _, r := range results {
		parts = append(parts, fmt.Sprintf("[Source: %s]\n%s", r.SourceFilename, truncate(strings.TrimSpace(r.Content), ExcerptChars)))
	}
	return "## Relevant document excerpts\n\n" + strings.Join(parts, "\n\n---\n\n") + "\n\n" + excerptInstruction
}

// truncate cuts s to n runes and marks the cut.
func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + ellipsis
}
