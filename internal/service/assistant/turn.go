// Package assistant runs chat turns for a question: it owns the conversation log, lazily
// writes the system prompt, calls the resolved model and applies answers back to the question.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"taxreply/internal/models"
	"taxreply/internal/service/ai"
	"taxreply/internal/service/prompt"
)

// DefaultRequestTimeout bounds one chat turn including the provider call.
const DefaultRequestTimeout = 5 * time.Minute

// ErrStreamAborted is returned when a stream ends without a terminal event.
var ErrStreamAborted = errors.New("stream aborted")

// Completer is a model ready to answer.
type Completer interface {
	ModelID() string
	Complete(ctx context.Context, messages []models.ChatMessage, opts ai.Options) (*ai.Completion, error)
	Stream(ctx context.Context, messages []models.ChatMessage, opts ai.Options) <-chan ai.Event
}

// ModelResolver binds a catalog model id to a Completer, failing before any network call
// when the model is unknown or misconfigured.
type ModelResolver interface {
	Resolve(ctx context.Context, modelID string) (Completer, error)
}

type clientResolver struct {
	client *ai.Client
}

func (r clientResolver) Resolve(ctx context.Context, modelID string) (Completer, error) {
	b, err := r.client.Resolve(ctx, modelID)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// ResolverFromClient adapts the chat client to ModelResolver.
func ResolverFromClient(c *ai.Client) ModelResolver {
	return clientResolver{client: c}
}

type QuestionStore interface {
	GetQuestion(ctx context.Context, id int64) (*models.Question, error)
	UpdateResponse(ctx context.Context, questionID int64, response string) error
}

type PromptBuilder interface {
	BuildSystemPrompt(ctx context.Context, q *models.Question, opts prompt.Options) (string, error)
}

// ChatRequest is one user turn.
type ChatRequest struct {
	QuestionID           int64
	Message              string
	ModelID              string
	SystemPromptOverride string
	AutoApply            bool
	IncludeDocuments     *bool
	DocumentIDs          []int64
	Temperature          float64
	MaxTokens            int
}

// ChatResult describes the persisted assistant reply.
type ChatResult struct {
	Content   string `json:"content"`
	Model     string `json:"model"`
	TokensIn  int    `json:"tokens_in"`
	TokensOut int    `json:"tokens_out"`
	MessageID int64  `json:"message_id"`
	Applied   bool   `json:"applied"`
}

type Service struct {
	conversations *Conversations
	questions     QuestionStore
	prompts       PromptBuilder
	models        ModelResolver
	timeout       time.Duration
}

func NewService(conversations *Conversations, questions QuestionStore, prompts PromptBuilder, resolver ModelResolver, timeout time.Duration) *Service {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &Service{
		conversations: conversations,
		questions:     questions,
		prompts:       prompts,
		models:        resolver,
		timeout:       timeout,
	}
}

func (s *Service) Conversations() *Conversations {
	return s.conversations
}

// Chat runs a blocking turn.
func (s *Service) Chat(ctx context.Context, req ChatRequest) (*ChatResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	model, history, err := s.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	out, err := model.Complete(ctx, models.ToChat(history), options(req))
	if err != nil {
		return nil, err
	}
	return s.finish(ctx, req, model.ModelID(), out.Content, out.TokensIn, out.TokensOut)
}

// ChatStream runs a streaming turn. onDelta receives every text fragment; if it fails, or ctx
// ends before the terminal event, the provider call is cancelled and nothing is persisted.
func (s *Service) ChatStream(ctx context.Context, req ChatRequest, onDelta func(string) error) (*ChatResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	model, history, err := s.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	for ev := range model.Stream(ctx, models.ToChat(history), options(req)) {
		switch ev.Type {
		case ai.EventDelta:
			if onDelta == nil {
				continue
			}
			if err := onDelta(ev.Content); err != nil {
				cancel()
				return nil, fmt.Errorf("deliver delta: %w", err)
			}
		case ai.EventError:
			return nil, ev.Err
		case ai.EventDone:
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return s.finish(ctx, req, model.ModelID(), ev.Content, ev.TokensIn, ev.TokensOut)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, ErrStreamAborted
}

// prepare resolves the model, writes the system prompt on the first turn, appends the user
// message and returns the reloaded history.
func (s *Service) prepare(ctx context.Context, req ChatRequest) (Completer, []*models.Message, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, nil, errors.New("message cannot be empty")
	}
	model, err := s.models.Resolve(ctx, req.ModelID)
	if err != nil {
		return nil, nil, err
	}
	question, err := s.questions.GetQuestion(ctx, req.QuestionID)
	if err != nil {
		return nil, nil, err
	}

	history, err := s.conversations.load(ctx, req.QuestionID)
	if err != nil {
		return nil, nil, err
	}
	if len(history) == 0 {
		systemPrompt, err := s.prompts.BuildSystemPrompt(ctx, question, prompt.Options{
			SystemPromptOverride: req.SystemPromptOverride,
			IncludeDocuments:     req.IncludeDocuments,
			DocumentIDs:          req.DocumentIDs,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("build system prompt: %w", err)
		}
		if strings.TrimSpace(systemPrompt) != "" {
			if _, err := s.conversations.Append(ctx, models.Message{
				QuestionID: req.QuestionID,
				Role:       models.RoleSystem,
				Content:    systemPrompt,
			}); err != nil {
				return nil, nil, err
			}
		}
	}

	if _, err := s.conversations.Append(ctx, models.Message{
		QuestionID: req.QuestionID,
		Role:       models.RoleUser,
		Content:    req.Message,
	}); err != nil {
		return nil, nil, err
	}
	history, err = s.conversations.load(ctx, req.QuestionID)
	if err != nil {
		return nil, nil, err
	}
	return model, history, nil
}

// finish persists the assistant reply and, if asked, copies it into the question.
func (s *Service) finish(ctx context.Context, req ChatRequest, modelID, content string, tokensIn, tokensOut int) (*ChatResult, error) {
	msg, err := s.conversations.Append(ctx, models.Message{
		QuestionID: req.QuestionID,
		Role:       models.RoleAssistant,
		Content:    content,
		Model:      modelID,
		TokensIn:   &tokensIn,
		TokensOut:  &tokensOut,
	})
	if err != nil {
		return nil, err
	}
	result := &ChatResult{
		Content:   content,
		Model:     modelID,
		TokensIn:  tokensIn,
		TokensOut: tokensOut,
		MessageID: msg.ID,
	}
	if req.AutoApply {
		if err := s.questions.UpdateResponse(ctx, req.QuestionID, content); err != nil {
			log.Printf("auto-apply question %d failed: %v", req.QuestionID, err)
		} else {
			result.Applied = true
		}
	}
	return result, nil
}

func options(req ChatRequest) ai.Options {
	return ai.Options{Temperature: req.Temperature, MaxTokens: req.MaxTokens}
}
