package ai

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"google.golang.org/genai"
)

const defaultAzureAPIVersion = "2024-06-01"

// credentials are the resolved values of a provider's settings.
type credentials struct {
	APIKey     string
	Endpoint   string
	APIVersion string
}

// systemStyle says how a provider wants system messages.
type systemStyle int

const (
	// systemInterleaved keeps system messages where they are.
	systemInterleaved systemStyle = iota
	// systemLeading folds leading system messages into one and drops any later ones.
	systemLeading
)

// setting is one credential lookup: the settings key, whether it is required, and the
// config file fallback.
type setting struct {
	key      string
	required bool
	assign   func(*credentials, string)
	fallback func(providerFallback) string
}

type providerFallback struct {
	APIKey     string
	Endpoint   string
	APIVersion string
}

// provider builds an eino chat model for one backend.
type provider interface {
	name() string
	settings() []setting
	style() systemStyle
	newModel(ctx context.Context, modelName string, creds credentials, maxTokens int) (model.BaseChatModel, error)
}

var providers = map[string]provider{
	ProviderOpenAI:    openAIProvider{},
	ProviderAzure:     azureProvider{},
	ProviderAnthropic: anthropicProvider{},
	ProviderGemini:    geminiProvider{},
}

func apiKeySetting(key string) setting {
	return setting{
		key:      key,
		required: true,
		assign:   func(c *credentials, v string) { c.APIKey = v },
		fallback: func(f providerFallback) string { return f.APIKey },
	}
}

type openAIProvider struct{}

func (openAIProvider) name() string       { return ProviderOpenAI }
func (openAIProvider) style() systemStyle { return systemInterleaved }

func (openAIProvider) settings() []setting {
	return []setting{
		apiKeySetting("openai_api_key"),
		{
			key:      "openai_base_url",
			assign:   func(c *credentials, v string) { c.Endpoint = v },
			fallback: func(f providerFallback) string { return f.Endpoint },
		},
	}
}

func (openAIProvider) newModel(ctx context.Context, modelName string, creds credentials, _ int) (model.BaseChatModel, error) {
	return openai.NewChatModel(ctx, &openai.ChatModelConfig{
		APIKey:  creds.APIKey,
		BaseURL: creds.Endpoint,
		Model:   modelName,
	})
}

type azureProvider struct{}

func (azureProvider) name() string       { return ProviderAzure }
func (azureProvider) style() systemStyle { return systemInterleaved }

func (azureProvider) settings() []setting {
	return []setting{
		{
			key:      "azure_openai_endpoint",
			required: true,
			assign:   func(c *credentials, v string) { c.Endpoint = v },
			fallback: func(f providerFallback) string { return f.Endpoint },
		},
		apiKeySetting("azure_openai_api_key"),
		{
			key:      "azure_openai_api_version",
			assign:   func(c *credentials, v string) { c.APIVersion = v },
			fallback: func(f providerFallback) string { return f.APIVersion },
		},
	}
}

// newModel treats the model name as the Azure deployment name.
func (azureProvider) newModel(ctx context.Context, modelName string, creds credentials, _ int) (model.BaseChatModel, error) {
	version := creds.APIVersion
	if version == "" {
		version = defaultAzureAPIVersion
	}
	return openai.NewChatModel(ctx, &openai.ChatModelConfig{
		ByAzure:    true,
		BaseURL:    creds.Endpoint,
		APIVersion: version,
		APIKey:     creds.APIKey,
		Model:      modelName,
	})
}

type anthropicProvider struct{}

func (anthropicProvider) name() string       { return ProviderAnthropic }
func (anthropicProvider) style() systemStyle { return systemLeading }

func (anthropicProvider) settings() []setting {
	return []setting{
		apiKeySetting("anthropic_api_key"),
		{
			key:      "anthropic_base_url",
			assign:   func(c *credentials, v string) { c.Endpoint = v },
			fallback: func(f providerFallback) string { return f.Endpoint },
		},
	}
}

func (anthropicProvider) newModel(ctx context.Context, modelName string, creds credentials, maxTokens int) (model.BaseChatModel, error) {
	var baseURL *string
	if creds.Endpoint != "" {
		baseURL = &creds.Endpoint
	}
	return claude.NewChatModel(ctx, &claude.Config{
		APIKey:    creds.APIKey,
		Model:     modelName,
		BaseURL:   baseURL,
		MaxTokens: maxTokens,
	})
}

type geminiProvider struct{}

func (geminiProvider) name() string       { return ProviderGemini }
func (geminiProvider) style() systemStyle { return systemLeading }

func (geminiProvider) settings() []setting {
	return []setting{apiKeySetting("gemini_api_key")}
}

func (geminiProvider) newModel(ctx context.Context, modelName string, creds credentials, _ int) (model.BaseChatModel, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: creds.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	return gemini.NewChatModel(ctx, &gemini.Config{
		Client: client,
		Model:  modelName,
	})
}
