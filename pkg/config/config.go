package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

type LLMConfig struct {
	Provider         string        `yaml:"provider"`
	FallbackProvider string        `yaml:"fallback_provider"`
	BaseURL          string        `yaml:"base_url"`
	Model            string        `yaml:"model"`
	GeminiAPIKey     string        `yaml:"gemini_api_key"`
	GeminiModel      string        `yaml:"gemini_model"`
	MaxTokens        int           `yaml:"max_tokens"`
	Temperature      float64       `yaml:"temperature"`
	Timeout          time.Duration `yaml:"timeout"`
	RateLimit        float64       `yaml:"rate_limit"`
}

type EmbeddingConfig struct {
	Provider  string `yaml:"provider"`
	BaseURL   string `yaml:"base_url"`
	Model     string `yaml:"model"`
	Dimension int    `yaml:"dimension"`
	BatchSize int    `yaml:"batch_size"`
}

type IndexConfig struct {
	Dir         string `yaml:"dir"`
	Backend     string `yaml:"backend"`
	DatabaseURL string `yaml:"database_url"`
	TableName   string `yaml:"table_name"`
}

type ChunkerConfig struct {
	TargetTokens     int    `yaml:"target_tokens"`
	OverlapSentences int    `yaml:"overlap_sentences"`
	Encoding         string `yaml:"encoding"`
}

type RetrievalConfig struct {
	TopK             int    `yaml:"top_k"`
	RerankCandidates int    `yaml:"rerank_candidates"`
	Reranker         string `yaml:"reranker"`
	// UseReranker re-ranks the evidence gathered for triage notes.
	UseReranker      bool   `yaml:"use_reranker"`
}

type JudgeConfig struct {
	ApproveThreshold float64 `yaml:"approve_threshold"`
	ReviseThreshold  float64 `yaml:"revise_threshold"`
	UseLLM           bool    `yaml:"use_llm"`
}

type ServerConfig struct {
	Addr           string        `yaml:"addr"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

type LoggingConfig struct {
	Level   string `yaml:"level"`
	Console bool   `yaml:"console"`
}

type Config struct {
	LLM       LLMConfig       `yaml:"llm"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Index     IndexConfig     `yaml:"index"`
	Chunker   ChunkerConfig   `yaml:"chunker"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Judge     JudgeConfig     `yaml:"judge"`
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
}

func LoadConfig(path string) (*Config, error) {
	// If no path provided, try default locations
	if path == "" {
		locations := []string{
			"doctorbot.yaml",
			"config.yaml",
			filepath.Join(os.Getenv("HOME"), ".config/doctorbot/config.yaml"),
			"/etc/doctorbot/config.yaml",
		}

		for _, loc := range locations {
			if _, err := os.Stat(loc); err == nil {
				path = loc
				break
			}
		}
	}

	if path == "" {
		return getDefaultConfig()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	// Merge with environment variables
	mergeWithEnv(&config)

	// Apply defaults for unset values
	applyDefaults(&config)

	return &config, nil
}

func getDefaultConfig() (*Config, error) {
	config := &Config{}
	applyDefaults(config)
	mergeWithEnv(config)
	return config, nil
}

func applyDefaults(config *Config) {
	if config.LLM.Provider == "" {
		config.LLM.Provider = "gemini"
	}
	if config.LLM.Model == "" {
		config.LLM.Model = "llama3.1:8b"
	}
	if config.LLM.GeminiModel == "" {
		config.LLM.GeminiModel = "gemini-1.5-flash"
	}
	if config.LLM.MaxTokens == 0 {
		config.LLM.MaxTokens = 2048
	}
	if config.LLM.Temperature == 0 {
		config.LLM.Temperature = 0.2
	}
	if config.LLM.BaseURL == "" {
		config.LLM.BaseURL = "http://localhost:11434"
	}
	if config.LLM.Timeout == 0 {
		config.LLM.Timeout = 60 * time.Second
	}
	if config.LLM.RateLimit == 0 {
		config.LLM.RateLimit = 2.0
	}

	if config.Embedding.Provider == "" {
		config.Embedding.Provider = "ollama"
	}
	if config.Embedding.BaseURL == "" {
		config.Embedding.BaseURL = config.LLM.BaseURL
	}
	if config.Embedding.Model == "" {
		config.Embedding.Model = "nomic-embed-text:latest"
	}
	if config.Embedding.Dimension == 0 {
		config.Embedding.Dimension = 768
	}
	if config.Embedding.BatchSize == 0 {
		config.Embedding.BatchSize = 32
	}

	if config.Index.Dir == "" {
		config.Index.Dir = "data/processed"
	}
	if config.Index.Backend == "" {
		config.Index.Backend = "flat"
	}
	if config.Index.TableName == "" {
		config.Index.TableName = "chunk_vectors"
	}

	if config.Chunker.TargetTokens == 0 {
		config.Chunker.TargetTokens = 400
	}
	if config.Chunker.Encoding == "" {
		config.Chunker.Encoding = "cl100k_base"
	}

	if config.Retrieval.TopK == 0 {
		config.Retrieval.TopK = 8
	}
	if config.Retrieval.RerankCandidates == 0 {
		config.Retrieval.RerankCandidates = 20
	}
	if config.Retrieval.Reranker == "" {
		config.Retrieval.Reranker = "lexical"
	}

	if config.Judge.ApproveThreshold == 0 {
		config.Judge.ApproveThreshold = 0.85
	}
	if config.Judge.ReviseThreshold == 0 {
		config.Judge.ReviseThreshold = 0.5
	}

	if config.Server.Addr == "" {
		config.Server.Addr = "127.0.0.1:8000"
	}
	if config.Server.RequestTimeout == 0 {
		config.Server.RequestTimeout = 120 * time.Second
	}

	if config.Logging.Level == "" {
		config.Logging.Level = "info"
	}
}

func mergeWithEnv(config *Config) {
	if baseURL := os.Getenv("OLLAMA_BASE_URL"); baseURL != "" {
		config.LLM.BaseURL = baseURL
		config.Embedding.BaseURL = baseURL
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		config.LLM.GeminiAPIKey = key
	}
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		config.Index.DatabaseURL = dbURL
	}
	if dir := os.Getenv("DOCTORBOT_INDEX_DIR"); dir != "" {
		config.Index.Dir = dir
	}
}
