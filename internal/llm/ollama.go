package llm

// OllamaProvider talks to a local Ollama instance through its
// OpenAI-compatible endpoint.
type OllamaProvider struct {
	*OpenAIProvider
}

// DefaultOllamaURL is used when no base URL is configured.
const DefaultOllamaURL = "http://localhost:11434"

// NewOllamaProvider creates an Ollama provider. Ollama ignores the API key.
func NewOllamaProvider(baseURL string) *OllamaProvider {
	if baseURL == "" {
		baseURL = DefaultOllamaURL
	}
	p := NewOpenAIProviderWithBaseURL("ollama", baseURL)
	p.name = "ollama"
	return &OllamaProvider{OpenAIProvider: p}
}
