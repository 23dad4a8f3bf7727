// Package providers holds the adapter configuration structs shared by
// the concrete provider packages.
package providers

import "time"

// OpenAIConfig configures the OpenAI adapter.
type OpenAIConfig struct {
	APIKey       string        `json:"api_key" yaml:"api_key"`
	BaseURL      string        `json:"base_url" yaml:"base_url"`
	Organization string        `json:"organization,omitempty" yaml:"organization,omitempty"`
	Timeout      time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// AnthropicConfig configures the Anthropic adapter.
type AnthropicConfig struct {
	APIKey  string        `json:"api_key" yaml:"api_key"`
	BaseURL string        `json:"base_url" yaml:"base_url"`
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// GoogleConfig configures the Google adapter.
type GoogleConfig struct {
	APIKey  string        `json:"api_key" yaml:"api_key"`
	BaseURL string        `json:"base_url" yaml:"base_url"`
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// PerplexityConfig configures the search-augmented Perplexity adapter.
type PerplexityConfig struct {
	APIKey  string        `json:"api_key" yaml:"api_key"`
	BaseURL string        `json:"base_url" yaml:"base_url"`
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}
