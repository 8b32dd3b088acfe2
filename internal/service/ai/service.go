// Package ai resolves catalog model ids to provider-backed eino chat models and runs blocking
// or streaming completions against them.
package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"taxreply/internal/catalog"
	"taxreply/internal/config"
	"taxreply/internal/metrics"
	"taxreply/internal/models"
)

// SettingsReader is the credential source; stored values win over the config file.
type SettingsReader interface {
	Get(ctx context.Context, key string) (string, bool, error)
}

// chatModelFactory builds the provider model once credentials are resolved. Tests replace it.
var chatModelFactory = func(ctx context.Context, p provider, modelName string, creds credentials, maxTokens int) (model.BaseChatModel, error) {
	return p.newModel(ctx, modelName, creds, maxTokens)
}

// Options tune one completion. Zero values take the client defaults.
type Options struct {
	Temperature float64
	MaxTokens   int
}

// Completion is the result of a blocking call.
type Completion struct {
	Content   string
	Model     string
	TokensIn  int
	TokensOut int
}

type EventType string

const (
	EventDelta EventType = "delta"
	EventDone  EventType = "done"
	EventError EventType = "error"
)

// Event is one streaming frame. Delta carries the new text in Content; Done carries the full
// text and token counts; Error carries Err.
type Event struct {
	Type      EventType
	Content   string
	TokensIn  int
	TokensOut int
	Err       error
}

type Client struct {
	settings SettingsReader
	cfg      *config.Config
	defaults Options
}

func NewClient(cfg *config.Config, settings SettingsReader) *Client {
	defaults := Options{Temperature: 0.3, MaxTokens: 4096}
	if cfg != nil {
		if cfg.Chat.Temperature > 0 {
			defaults.Temperature = cfg.Chat.Temperature
		}
		if cfg.Chat.MaxTokens > 0 {
			defaults.MaxTokens = cfg.Chat.MaxTokens
		}
	}
	return &Client{settings: settings, cfg: cfg, defaults: defaults}
}

// Binding is a resolved model ready to be called.
type Binding struct {
	Descriptor models.ModelDescriptor
	provider   provider
	model      model.BaseChatModel
	defaults   Options
}

// ModelID is the catalog id the binding was resolved from.
func (b *Binding) ModelID() string {
	return b.Descriptor.ID
}

// Resolve maps a model id to a provider, reads its credentials and builds the model. Unknown
// ids and missing credentials yield a *ConfigError; no request is sent either way.
func (c *Client) Resolve(ctx context.Context, modelID string) (*Binding, error) {
	desc, modelName, err := lookupModel(modelID)
	if err != nil {
		return nil, err
	}
	p, ok := providers[desc.Provider]
	if !ok {
		return nil, &ConfigError{kind: ErrUnknownModel, Provider: desc.Provider,
			Message: fmt.Sprintf("no client for provider %s", desc.Provider)}
	}
	creds, err := c.credentials(ctx, p)
	if err != nil {
		return nil, err
	}
	m, err := chatModelFactory(ctx, p, modelName, creds, c.defaults.MaxTokens)
	if err != nil {
		return nil, &ConfigError{kind: ErrNotConfigured, Provider: p.name(),
			Message: fmt.Sprintf("init %s model: %v", p.name(), err)}
	}
	return &Binding{Descriptor: desc, provider: p, model: m, defaults: c.defaults}, nil
}

func (c *Client) credentials(ctx context.Context, p provider) (credentials, error) {
	var (
		creds    credentials
		fallback providerFallback
	)
	if c.cfg != nil {
		fc := c.cfg.Provider(p.name())
		fallback = providerFallback{APIKey: fc.APIKey, Endpoint: fc.Endpoint, APIVersion: fc.APIVersion}
	}
	for _, s := range p.settings() {
		value := ""
		if c.settings != nil {
			v, ok, err := c.settings.Get(ctx, s.key)
			if errors.Is(err, catalog.ErrSecretUnreadable) {
				return credentials{}, unreadableSetting(p.name(), s.key)
			}
			if err != nil {
				return credentials{}, fmt.Errorf("read setting %s: %w", s.key, err)
			}
			if ok {
				value = strings.TrimSpace(v)
			}
		}
		if value == "" {
			value = strings.TrimSpace(s.fallback(fallback))
		}
		if value == "" && s.required {
			return credentials{}, missingSetting(p.name(), s.key)
		}
		s.assign(&creds, value)
	}
	return creds, nil
}

func (b *Binding) callOptions(opts Options) []model.Option {
	if opts.Temperature <= 0 {
		opts.Temperature = b.defaults.Temperature
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = b.defaults.MaxTokens
	}
	return []model.Option{
		model.WithTemperature(float32(opts.Temperature)),
		model.WithMaxTokens(opts.MaxTokens),
	}
}

// Complete runs one blocking completion.
func (b *Binding) Complete(ctx context.Context, messages []models.ChatMessage, opts Options) (*Completion, error) {
	name := b.provider.name()
	resp, err := b.model.Generate(ctx, toSchema(messages, b.provider.style()), b.callOptions(opts)...)
	if err != nil {
		metrics.ChatRequests.WithLabelValues(name, "blocking", "error").Inc()
		return nil, providerError(name, err)
	}
	if resp == nil || strings.TrimSpace(resp.Content) == "" {
		metrics.ChatRequests.WithLabelValues(name, "blocking", "error").Inc()
		return nil, providerError(name, errors.New("empty completion"))
	}
	in, out := usage(resp)
	recordUsage(name, "blocking", in, out)
	return &Completion{Content: resp.Content, Model: b.Descriptor.ID, TokensIn: in, TokensOut: out}, nil
}

// Stream starts a streaming completion. The channel yields delta events followed by exactly
// one done or error event, then closes. Cancelling ctx aborts the provider call.
func (b *Binding) Stream(ctx context.Context, messages []models.ChatMessage, opts Options) <-chan Event {
	events := make(chan Event, 1)
	go func() {
		defer close(events)
		name := b.provider.name()
		emit := func(ev Event) bool {
			select {
			case events <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}
		fail := func(err error) {
			metrics.ChatRequests.WithLabelValues(name, "stream", "error").Inc()
			emit(Event{Type: EventError, Err: providerError(name, err)})
		}

		reader, err := b.model.Stream(ctx, toSchema(messages, b.provider.style()), b.callOptions(opts)...)
		if err != nil {
			fail(err)
			return
		}
		defer reader.Close()

		var (
			full    strings.Builder
			in, out int
		)
		for {
			chunk, err := reader.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				fail(err)
				return
			}
			if ctx.Err() != nil {
				fail(ctx.Err())
				return
			}
			if chunk == nil {
				continue
			}
			if ci, co := usage(chunk); ci > 0 || co > 0 {
				in, out = ci, co
			}
			if chunk.Content == "" {
				continue
			}
			full.WriteString(chunk.Content)
			if !emit(Event{Type: EventDelta, Content: chunk.Content}) {
				return
			}
		}
		if strings.TrimSpace(full.String()) == "" {
			fail(errors.New("empty completion"))
			return
		}
		recordUsage(name, "stream", in, out)
		emit(Event{Type: EventDone, Content: full.String(), TokensIn: in, TokensOut: out})
	}()
	return events
}

func usage(m *schema.Message) (int, int) {
	if m == nil || m.ResponseMeta == nil || m.ResponseMeta.Usage == nil {
		return 0, 0
	}
	return m.ResponseMeta.Usage.PromptTokens, m.ResponseMeta.Usage.CompletionTokens
}

func recordUsage(provider, mode string, in, out int) {
	metrics.ChatRequests.WithLabelValues(provider, mode, "ok").Inc()
	metrics.ChatTokens.WithLabelValues(provider, "in").Add(float64(in))
	metrics.ChatTokens.WithLabelValues(provider, "out").Add(float64(out))
}
