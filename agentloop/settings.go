package agentloop

import "github.com/martinemde/blenderagent/unifiedllm"

// Verbosity levels accepted by the system prompt builder.
const (
	VerbosityConcise  = "concise"
	VerbosityNormal   = "normal"
	VerbosityDetailed = "detailed"
)

// KnowledgeBaseSettings controls retrieval augmentation and the KB tools.
type KnowledgeBaseSettings struct {
	Enabled    bool   `json:"enabled"`
	Collection string `json:"collection"`
}

// Settings is the per-request snapshot of user-tunable behaviour.
type Settings struct {
	APIKey         string                `json:"-"`
	Provider       string                `json:"provider"`
	Model          string                `json:"model"`
	ThinkingBudget int                   `json:"thinking_budget"`
	ToolsEnabled   bool                  `json:"tools_enabled"`
	Verbosity      string                `json:"verbosity"`
	KnowledgeBase  KnowledgeBaseSettings `json:"knowledge_base"`
}

// DefaultSettings returns the settings used when nothing is configured.
func DefaultSettings() Settings {
	return Settings{
		Provider:      "gemini",
		Model:         unifiedllm.DefaultModel,
		ToolsEnabled:  true,
		Verbosity:     VerbosityNormal,
		KnowledgeBase: KnowledgeBaseSettings{Collection: "blender_api"},
	}
}

// Normalize fills defaults and replaces an unknown model with the default
// for the provider.
func (s Settings) Normalize() Settings {
	if s.Provider == "" {
		s.Provider = "gemini"
	}
	s.Model = unifiedllm.ResolveModel(s.Provider, s.Model)
	switch s.Verbosity {
	case VerbosityConcise, VerbosityNormal, VerbosityDetailed:
	default:
		s.Verbosity = VerbosityNormal
	}
	if s.ThinkingBudget < 0 {
		s.ThinkingBudget = 0
	}
	if s.KnowledgeBase.Collection == "" {
		s.KnowledgeBase.Collection = "blender_api"
	}
	return s
}
