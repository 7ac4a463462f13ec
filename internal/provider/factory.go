package provider

import (
	"log"

	"github.com/embercore/ember/internal/config"
)

// New creates a Provider based on configuration. LLM_PROVIDER=mock selects
// the offline mock; anything else uses the OpenAI-compatible client.
func New(cfg *config.Config) Provider {
	if cfg.LLMProvider == "mock" {
		log.Println("LLM_PROVIDER=mock detected, using mock provider")
		return NewMockProvider()
	}
	return NewOpenAIClient(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMTimeout)
}
