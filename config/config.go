// Package config loads the application configuration from YAML, filling in
// defaults for everything the file leaves out. A missing file yields the full
// default configuration.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/recherche/llm/ollama"
	"github.com/hazyhaar/recherche/research"
	"github.com/hazyhaar/recherche/scrape"
	"github.com/hazyhaar/recherche/search"
)

// Config is the whole application configuration.
type Config struct {
	Server   Server          `yaml:"server"`
	Database Database        `yaml:"database"`
	Logging  Logging         `yaml:"logging"`
	LLM      ollama.Config   `yaml:"llm"`
	Search   search.Config   `yaml:"search"`
	Research research.Config `yaml:"research"`
	Condense Condense        `yaml:"condense"`
}

// Server configures the HTTP API listener.
type Server struct {
	Addr string `yaml:"addr"`
}

// Database locates the sqlite cache file.
type Database struct {
	Path string `yaml:"path"`
}

// Logging selects log verbosity and output format.
type Logging struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// Condense carries the knowledge-base condensation settings.
type Condense struct {
	MaxTokens         int     `yaml:"max_tokens"`
	MaxChunkSize      int     `yaml:"max_chunk_size"`
	MinScore          float64 `yaml:"min_score"`
	NoSummaryFallback bool    `yaml:"no_summary_fallback"`
}

// Default returns the full default configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = "127.0.0.1:8971"
	}
	if c.Database.Path == "" {
		c.Database.Path = "recherche.db"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if len(c.Search.Scrape.Categories) == 0 {
		c.Search.Scrape.Categories = DefaultCategories()
	}
	if c.Condense.MaxTokens <= 0 {
		c.Condense.MaxTokens = 4000
	}
}

// DefaultCategories is the built-in source catalogue used for category-scoped
// searches. Users extend it through the config file.
func DefaultCategories() []scrape.Category {
	return []scrape.Category{
		{
			ID:        "news",
			Name:      "Notícias",
			BaseSites: []string{"g1.globo.com", "bbc.com", "reuters.com"},
			Enabled:   true,
		},
		{
			ID:        "reference",
			Name:      "Referência",
			BaseSites: []string{"wikipedia.org", "britannica.com"},
			Enabled:   true,
		},
		{
			ID:        "tech",
			Name:      "Tecnologia",
			BaseSites: []string{"github.com", "stackoverflow.com", "developer.mozilla.org"},
			Enabled:   true,
		},
		{
			ID:        "government",
			Name:      "Governo",
			BaseSites: []string{"gov.br", "sc.gov.br"},
			Enabled:   false,
		},
	}
}

// Load reads the configuration at path. A missing file is not an error: the
// defaults apply. A present but malformed file is an error.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	return cfg, nil
}
