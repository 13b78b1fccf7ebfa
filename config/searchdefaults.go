package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SearchDefaults supplies the default values for every optional knob on a
// search request. Loaded once at startup from search_defaults.yml; a missing
// key or malformed file is a startup failure, not a silent default.
type SearchDefaults struct {
	RetrievalStrategy string  `yaml:"retrieval_strategy"`
	Offset            *int    `yaml:"offset"`
	Limit             *int    `yaml:"limit"`
	TemporalRelevance *float64 `yaml:"temporal_relevance"`
	ExpandQuery       *bool   `yaml:"expand_query"`
	InterpretFilters  *bool   `yaml:"interpret_filters"`
	Rerank            *bool   `yaml:"rerank"`
	GenerateAnswer    *bool   `yaml:"generate_answer"`
}

// LoadSearchDefaults reads and validates search_defaults.yml.
func LoadSearchDefaults(path string) (*SearchDefaults, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read search defaults %s: %w", path, err)
	}

	var d SearchDefaults
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to parse search defaults %s: %w", path, err)
	}

	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("invalid search defaults %s: %w", path, err)
	}

	return &d, nil
}

// Validate checks that every key is present and in range.
func (d *SearchDefaults) Validate() error {
	switch d.RetrievalStrategy {
	case "hybrid", "neural", "keyword":
	case "":
		return fmt.Errorf("retrieval_strategy is required")
	default:
		return fmt.Errorf("retrieval_strategy must be hybrid, neural or keyword, got %q", d.RetrievalStrategy)
	}
	if d.Offset == nil {
		return fmt.Errorf("offset is required")
	}
	if *d.Offset < 0 {
		return fmt.Errorf("offset must be >= 0, got %d", *d.Offset)
	}
	if d.Limit == nil {
		return fmt.Errorf("limit is required")
	}
	if *d.Limit <= 0 {
		return fmt.Errorf("limit must be > 0, got %d", *d.Limit)
	}
	if d.TemporalRelevance == nil {
		return fmt.Errorf("temporal_relevance is required")
	}
	if *d.TemporalRelevance < 0 || *d.TemporalRelevance > 1 {
		return fmt.Errorf("temporal_relevance must be in [0,1], got %f", *d.TemporalRelevance)
	}
	if d.ExpandQuery == nil {
		return fmt.Errorf("expand_query is required")
	}
	if d.InterpretFilters == nil {
		return fmt.Errorf("interpret_filters is required")
	}
	if d.Rerank == nil {
		return fmt.Errorf("rerank is required")
	}
	if d.GenerateAnswer == nil {
		return fmt.Errorf("generate_answer is required")
	}
	return nil
}
