package config

import (
	"fmt"
	"os"
	"strings"
)

// MinKeyLength filters out placeholders such as "changeme".
const MinKeyLength = 11

// GeminiKeyVars lists the environment variables scanned for Gemini keys,
// in pool order.
func GeminiKeyVars() []string {
	vars := []string{"GEMINI_API_KEY", "GOOGLE_GENERATIVE_AI_API_KEY", "GOOGLE_AI_API_KEY"}
	for i := 2; i <= 8; i++ {
		vars = append(vars, fmt.Sprintf("GEMINI_API_KEY_%d", i))
	}
	return vars
}

func OpenRouterKeyVars() []string {
	vars := []string{"OPENROUTER_API_KEY"}
	for i := 2; i <= 8; i++ {
		vars = append(vars, fmt.Sprintf("OPENROUTER_API_KEY_%d", i))
	}
	return vars
}

// CollectKeys reads vars through getenv, dropping short values and
// duplicates while keeping first-seen order.
func CollectKeys(getenv func(string) string, vars []string) []string {
	if getenv == nil {
		getenv = os.Getenv
	}
	seen := make(map[string]struct{}, len(vars))
	var out []string
	for _, v := range vars {
		key := strings.TrimSpace(getenv(v))
		if len(key) < MinKeyLength {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	return out
}

// ProviderKeys returns the credentials for the configured provider.
func (c *Config) ProviderKeys(getenv func(string) string) []string {
	switch c.Ranking.Provider {
	case ProviderGemini:
		return CollectKeys(getenv, GeminiKeyVars())
	case ProviderOpenRouter:
		return CollectKeys(getenv, OpenRouterKeyVars())
	default:
		return nil
	}
}
