package catalog

import "github.com/jordanhubbard/llmproxy/internal/router"

// Defaults is the built-in catalog used when no file or database is
// configured. Prices are USD per million tokens.
func Defaults() []router.ModelEntry {
	tools := router.Capabilities{Tools: true}
	toolsVision := router.Capabilities{Tools: true, Vision: true}
	reasoning := router.Capabilities{Tools: true, Reasoning: true}
	all := router.Capabilities{Tools: true, Vision: true, Reasoning: true}

	return []router.ModelEntry{
		{Provider: "openai", Model: "gpt-4o-mini", ContextWindow: 128_000, MaxOutputTokens: 16_384,
			InputPricePerMTok: 0.15, OutputPricePerMTok: 0.6, Capabilities: toolsVision, Weight: 5},
		{Provider: "openai", Model: "gpt-4o", ContextWindow: 128_000, MaxOutputTokens: 16_384,
			InputPricePerMTok: 2.5, OutputPricePerMTok: 10, Capabilities: toolsVision, Weight: 8},
		{Provider: "openai", Model: "o3-mini", ContextWindow: 200_000, MaxOutputTokens: 100_000,
			InputPricePerMTok: 1.1, OutputPricePerMTok: 4.4, Capabilities: reasoning, Weight: 8},

		{Provider: "anthropic", Model: "claude-3-5-haiku-latest", ContextWindow: 200_000, MaxOutputTokens: 8192,
			InputPricePerMTok: 0.8, OutputPricePerMTok: 4, Capabilities: tools, Weight: 5},
		{Provider: "anthropic", Model: "claude-sonnet-4-20250514", ContextWindow: 200_000, MaxOutputTokens: 64_000,
			InputPricePerMTok: 3, OutputPricePerMTok: 15, Capabilities: all, Weight: 9},

		{Provider: "groq", Model: "llama-3.1-8b-instant", ContextWindow: 131_072, MaxOutputTokens: 8192,
			InputPricePerMTok: 0.05, OutputPricePerMTok: 0.08, Capabilities: tools, Weight: 3},
		{Provider: "groq", Model: "llama-3.3-70b-versatile", ContextWindow: 131_072, MaxOutputTokens: 32_768,
			InputPricePerMTok: 0.59, OutputPricePerMTok: 0.79, Capabilities: tools, Weight: 6},

		{Provider: "gemini", Model: "gemini-2.0-flash", ContextWindow: 1_048_576, MaxOutputTokens: 8192,
			InputPricePerMTok: 0.1, OutputPricePerMTok: 0.4, Capabilities: toolsVision, Weight: 6},
		{Provider: "gemini", Model: "gemini-2.5-pro", ContextWindow: 1_048_576, MaxOutputTokens: 65_536,
			InputPricePerMTok: 1.25, OutputPricePerMTok: 10, Capabilities: all, Weight: 9},

		{Provider: "mistral", Model: "mistral-small-latest", ContextWindow: 32_000,
			InputPricePerMTok: 0.2, OutputPricePerMTok: 0.6, Capabilities: tools, Weight: 4},

		{Provider: "deepseek", Model: "deepseek-chat", ContextWindow: 64_000, MaxOutputTokens: 8192,
			InputPricePerMTok: 0.27, OutputPricePerMTok: 1.1, Capabilities: tools, Weight: 7},
		{Provider: "deepseek", Model: "deepseek-reasoner", ContextWindow: 64_000, MaxOutputTokens: 8192,
			InputPricePerMTok: 0.55, OutputPricePerMTok: 2.19, Capabilities: router.Capabilities{Reasoning: true}, Weight: 8},

		{Provider: "cerebras", Model: "llama3.1-8b", ContextWindow: 8192,
			InputPricePerMTok: 0.1, OutputPricePerMTok: 0.1, Weight: 3},

		{Provider: "openrouter", Model: "meta-llama/llama-3.3-70b-instruct:free", ContextWindow: 131_072,
			Capabilities: tools, FreeTier: true, Weight: 6},
	}
}
