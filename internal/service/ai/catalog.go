package ai

import (
	"fmt"
	"sort"
	"strings"

	"taxreply/internal/models"
)

const (
	ProviderOpenAI    = "openai"
	ProviderAzure     = "azure"
	ProviderAnthropic = "anthropic"
	ProviderGemini    = "gemini"
)

var modelCatalog = []models.ModelDescriptor{
	{ID: "openai/gpt-4o", DisplayName: "GPT-4o", Provider: ProviderOpenAI},
	{ID: "openai/gpt-4o-mini", DisplayName: "GPT-4o mini", Provider: ProviderOpenAI},
	{ID: "openai/gpt-4.1", DisplayName: "GPT-4.1", Provider: ProviderOpenAI},
	{ID: "azure/gpt-4o", DisplayName: "GPT-4o (Azure)", Provider: ProviderAzure},
	{ID: "anthropic/claude-sonnet-4-20250514", DisplayName: "Claude Sonnet 4", Provider: ProviderAnthropic},
	{ID: "anthropic/claude-3-5-haiku-20241022", DisplayName: "Claude 3.5 Haiku", Provider: ProviderAnthropic},
	{ID: "gemini/gemini-2.5-pro", DisplayName: "Gemini 2.5 Pro", Provider: ProviderGemini},
	{ID: "gemini/gemini-2.5-flash", DisplayName: "Gemini 2.5 Flash", Provider: ProviderGemini},
}

// ListModels returns a copy of the static model catalog.
func ListModels() []models.ModelDescriptor {
	out := make([]models.ModelDescriptor, len(modelCatalog))
	copy(out, modelCatalog)
	return out
}

// lookupModel returns the descriptor and the provider-side model name for id.
func lookupModel(id string) (models.ModelDescriptor, string, error) {
	for _, d := range modelCatalog {
		if d.ID == id {
			_, name, _ := strings.Cut(d.ID, "/")
			return d, name, nil
		}
	}
	valid := make([]string, len(modelCatalog))
	for i, d := range modelCatalog {
		valid[i] = d.ID
	}
	sort.Strings(valid)
	return models.ModelDescriptor{}, "", &ConfigError{
		kind:    ErrUnknownModel,
		Message: fmt.Sprintf("unknown model %q, valid models: %s", id, strings.Join(valid, ", ")),
	}
}
