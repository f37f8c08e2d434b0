package graphreason

import (
	"os"
	"path/filepath"
)

// Config holds all configuration for the GraphReason engine.
type Config struct {
	// DBPath is the full path to the SQLite database file.
	// If empty, defaults to ~/.graphreason/<DBName>.db
	DBPath string `json:"db_path" yaml:"db_path"`

	// DBName is the name for the database (used when DBPath is empty).
	DBName string `json:"db_name" yaml:"db_name"`

	// StorageDir controls where the database is created when DBPath
	// is not explicitly set. "home" (default) uses ~/.graphreason/,
	// "local" uses the current working directory.
	StorageDir string `json:"storage_dir" yaml:"storage_dir"`

	// LLM providers
	Chat      LLMConfig `json:"chat" yaml:"chat"`
	Embedding LLMConfig `json:"embedding" yaml:"embedding"`

	// RateLimitRPM bounds outbound chat/embedding calls per minute per
	// provider via llm.Gateway. 0 disables throttling.
	RateLimitRPM int `json:"rate_limit_rpm" yaml:"rate_limit_rpm"`

	// Chunking
	MaxChunkTokens int `json:"max_chunk_tokens" yaml:"max_chunk_tokens"`
	ChunkOverlap   int `json:"chunk_overlap" yaml:"chunk_overlap"`

	// Extraction (C4)
	GleaningMaxRounds  int     `json:"gleaning_max_rounds" yaml:"gleaning_max_rounds"`
	TupleDelimiter     string  `json:"tuple_delimiter" yaml:"tuple_delimiter"`
	RecordDelimiter    string  `json:"record_delimiter" yaml:"record_delimiter"`
	CompletionDelimiter string `json:"completion_delimiter" yaml:"completion_delimiter"`
	ExtractConcurrency int     `json:"extract_concurrency" yaml:"extract_concurrency"`

	// EntityTypes overrides the closed set of entity types the
	// extractor is prompted with. Empty uses the extractor's own
	// default set.
	EntityTypes []string `json:"entity_types" yaml:"entity_types"`

	// EnableDescriptionSummarization consolidates an entity's
	// per-chunk descriptions into a single LLM-written summary once it
	// has two or more distinct observations.
	EnableDescriptionSummarization bool `json:"enable_description_summarization" yaml:"enable_description_summarization"`

	// Entity resolution (C5)
	ResolveSimilarityThreshold float64 `json:"resolve_similarity_threshold" yaml:"resolve_similarity_threshold"`
	ResolvePhoneticThreshold   float64 `json:"resolve_phonetic_threshold" yaml:"resolve_phonetic_threshold"`

	// EnableLLMResolution allows an LLM adjudication pass for entity
	// pairs at or above the similarity threshold but below the
	// auto-merge threshold.
	EnableLLMResolution bool `json:"enable_llm_resolution" yaml:"enable_llm_resolution"`

	// Community detection (C6/C7)
	MaxCommunityLevels int   `json:"max_community_levels" yaml:"max_community_levels"`
	CommunitySeed      int64 `json:"community_seed" yaml:"community_seed"`

	// Retrieval weights for RRF (C8)
	WeightVector float64 `json:"weight_vector" yaml:"weight_vector"`
	WeightFTS    float64 `json:"weight_fts" yaml:"weight_fts"`
	WeightGraph  float64 `json:"weight_graph" yaml:"weight_graph"`

	// TokenBudget bounds the total context assembled for a single Local
	// query (C8), in approximate tokens.
	TokenBudget int `json:"token_budget" yaml:"token_budget"`

	// TopKRelationships bounds how many relationships the assembler
	// pulls into a Local context (C8), per selected entity.
	TopKRelationships int `json:"top_k_relationships" yaml:"top_k_relationships"`

	// MinCommunityRank filters out communities below this rank when
	// assembling Global-mode context (C8).
	MinCommunityRank float64 `json:"min_rank_threshold" yaml:"min_rank_threshold"`

	// Global query (C9)
	GlobalMapConcurrency int `json:"global_map_concurrency" yaml:"global_map_concurrency"`

	// GlobalBatchTokenLimit bounds the size of each Map batch in the
	// map-reduce global query engine (C9).
	GlobalBatchTokenLimit int `json:"batch_token_limit" yaml:"batch_token_limit"`

	// ToG reasoning (C10)
	ToGMaxDepth int `json:"tog_max_depth" yaml:"tog_max_depth"`
	ToGWidth    int `json:"tog_width" yaml:"tog_width"`

	// ToGEnableSufficiencyCheck lets the reasoning loop stop early once
	// the retrieved triplets are judged sufficient to answer.
	ToGEnableSufficiencyCheck bool `json:"tog_enable_sufficiency_check" yaml:"tog_enable_sufficiency_check"`

	// CacheTTLSeconds is carried in the configuration but is not read:
	// the engine does not consult the store's LLM response cache, and
	// cached rows have no expiry.
	CacheTTLSeconds int `json:"cache_ttl_seconds" yaml:"cache_ttl_seconds"`

	// Embedding dimensions (must match model)
	EmbeddingDim int `json:"embedding_dim" yaml:"embedding_dim"`
}

// LLMConfig configures a single LLM provider endpoint.
type LLMConfig struct {
	Provider string `json:"provider" yaml:"provider"` // ollama, lmstudio, openrouter, openai, groq, xai, gemini, custom
	Model    string `json:"model" yaml:"model"`
	BaseURL  string `json:"base_url" yaml:"base_url"`
	APIKey   string `json:"api_key" yaml:"api_key"`
}

// DefaultConfig returns a Config with sensible defaults for local inference.
func DefaultConfig() Config {
	return Config{
		DBName:     "graphreason",
		StorageDir: "home",
		Chat: LLMConfig{
			Provider: "ollama",
			Model:    "llama3.1:8b",
			BaseURL:  "http://localhost:11434",
		},
		Embedding: LLMConfig{
			Provider: "ollama",
			Model:    "nomic-embed-text",
			BaseURL:  "http://localhost:11434",
		},
		RateLimitRPM:                   60,
		MaxChunkTokens:                 1000,
		ChunkOverlap:                   500,
		GleaningMaxRounds:              1,
		TupleDelimiter:                 "|||",
		RecordDelimiter:                "\n",
		CompletionDelimiter:            "<COMPLETE>",
		ExtractConcurrency:             8,
		EnableDescriptionSummarization: true,
		ResolveSimilarityThreshold:     0.85,
		ResolvePhoneticThreshold:       0.70,
		EnableLLMResolution:            true,
		MaxCommunityLevels:             10,
		CommunitySeed:                  42,
		WeightVector:                   1.0,
		WeightFTS:                      1.0,
		WeightGraph:                    0.5,
		TokenBudget:                    8000,
		TopKRelationships:              15,
		MinCommunityRank:               0.3,
		GlobalMapConcurrency:           8,
		GlobalBatchTokenLimit:          8000,
		ToGMaxDepth:                    3,
		ToGWidth:                       3,
		ToGEnableSufficiencyCheck:      true,
		CacheTTLSeconds:                3600,
		EmbeddingDim:                   768,
	}
}

// resolveDBPath computes the final database path from config fields.
func (c *Config) resolveDBPath() string {
	if c.DBPath != "" {
		return c.DBPath
	}

	name := c.DBName
	if name == "" {
		name = "graphreason"
	}

	switch c.StorageDir {
	case "local", "cwd":
		return name + ".db"
	default: // "home" or empty
		home, err := os.UserHomeDir()
		if err != nil {
			return name + ".db" // fallback to cwd
		}
		dir := filepath.Join(home, ".graphreason")
		return filepath.Join(dir, name+".db")
	}
}
