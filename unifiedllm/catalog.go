package unifiedllm

// DefaultModel is used when no model is configured or the configured one is
// not a known Gemini model.
const DefaultModel = "gemini-2.5-flash"

// DefaultEmbeddingModel produces 768-dimensional vectors.
const DefaultEmbeddingModel = "text-embedding-004"

// EmbeddingDimensions is the vector size of DefaultEmbeddingModel.
const EmbeddingDimensions = 768

// ModelInfo describes a known model in the catalog.
type ModelInfo struct {
	ID                string   `json:"id"`
	Provider          string   `json:"provider"`
	DisplayName       string   `json:"display_name"`
	ContextWindow     int      `json:"context_window"`
	MaxOutput         *int     `json:"max_output,omitempty"`
	SupportsTools     bool     `json:"supports_tools"`
	SupportsVision    bool     `json:"supports_vision"`
	SupportsReasoning bool     `json:"supports_reasoning"`
	Aliases           []string `json:"aliases,omitempty"`
}

func intPtr(v int) *int { return &v }

// Models is the built-in model catalog. Gemini entries are the models the
// agent accepts; the remaining entries back the text-only gollm adapters.
var Models = []ModelInfo{
	// Gemini
	{
		ID: "gemini-2.5-flash", Provider: "gemini", DisplayName: "Gemini 2.5 Flash",
		ContextWindow: 1048576, MaxOutput: intPtr(65536),
		SupportsTools: true, SupportsVision: true, SupportsReasoning: true,
		Aliases: []string{"flash"},
	},
	{
		ID: "gemini-2.5-pro", Provider: "gemini", DisplayName: "Gemini 2.5 Pro",
		ContextWindow: 1048576, MaxOutput: intPtr(65536),
		SupportsTools: true, SupportsVision: true, SupportsReasoning: true,
		Aliases: []string{"pro"},
	},
	{
		ID: "gemini-3-pro-preview", Provider: "gemini", DisplayName: "Gemini 3 Pro (Preview)",
		ContextWindow: 1048576, MaxOutput: intPtr(65536),
		SupportsTools: true, SupportsVision: true, SupportsReasoning: true,
		Aliases: []string{"gemini-3-pro"},
	},
	{
		ID: "gemini-1.5-flash", Provider: "gemini", DisplayName: "Gemini 1.5 Flash",
		ContextWindow: 1048576, MaxOutput: intPtr(8192),
		SupportsTools: true, SupportsVision: true,
	},
	{
		ID: "gemini-1.5-pro", Provider: "gemini", DisplayName: "Gemini 1.5 Pro",
		ContextWindow: 2097152, MaxOutput: intPtr(8192),
		SupportsTools: true, SupportsVision: true,
	},
	{
		ID: "gemini-2.0-flash-exp", Provider: "gemini", DisplayName: "Gemini 2.0 Flash (Experimental)",
		ContextWindow: 1048576, MaxOutput: intPtr(8192),
		SupportsTools: true, SupportsVision: true,
	},

	// OpenAI via gollm
	{
		ID: "gpt-4o-mini", Provider: "openai", DisplayName: "GPT-4o Mini",
		ContextWindow: 128000, MaxOutput: intPtr(16384),
		SupportsVision: true,
	},

	// Anthropic via gollm
	{
		ID: "claude-sonnet-4-5", Provider: "anthropic", DisplayName: "Claude Sonnet 4.5",
		ContextWindow: 200000, MaxOutput: intPtr(16384),
		SupportsVision: true, SupportsReasoning: true,
		Aliases: []string{"sonnet"},
	},
}

// GetModelInfo returns the catalog entry for a model, or nil if unknown.
func GetModelInfo(modelID string) *ModelInfo {
	for i := range Models {
		if Models[i].ID == modelID {
			return &Models[i]
		}
		for _, alias := range Models[i].Aliases {
			if alias == modelID {
				return &Models[i]
			}
		}
	}
	return nil
}

// ListModels returns all known models, optionally filtered by provider.
func ListModels(provider string) []ModelInfo {
	if provider == "" {
		result := make([]ModelInfo, len(Models))
		copy(result, Models)
		return result
	}
	var result []ModelInfo
	for _, m := range Models {
		if m.Provider == provider {
			result = append(result, m)
		}
	}
	return result
}

// GetLatestModel returns the first model for a provider, optionally filtered
// by capability.
func GetLatestModel(provider string, capability string) *ModelInfo {
	for i := range Models {
		if Models[i].Provider != provider {
			continue
		}
		switch capability {
		case "":
			return &Models[i]
		case "vision":
			if Models[i].SupportsVision {
				return &Models[i]
			}
		case "tools":
			if Models[i].SupportsTools {
				return &Models[i]
			}
		case "reasoning":
			if Models[i].SupportsReasoning {
				return &Models[i]
			}
		}
	}
	return nil
}

// ResolveModel returns the canonical model ID to request from provider.
// Gemini models must be in the catalog and fall back to DefaultModel; other
// providers accept any non-empty model name.
func ResolveModel(provider, model string) string {
	if provider == "" {
		provider = "gemini"
	}
	if info := GetModelInfo(model); info != nil && info.Provider == provider {
		return info.ID
	}
	if provider == "gemini" {
		return DefaultModel
	}
	if model != "" {
		return model
	}
	if info := GetLatestModel(provider, ""); info != nil {
		return info.ID
	}
	return model
}
