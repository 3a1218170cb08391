package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			DataDir:   "~/.ragchat",
			LogLevel:  "info",
			LogFormat: "text",
		},
		Server: ServerConfig{
			Host:               "127.0.0.1",
			Port:               8080,
			MaxRequestDuration: 120,
			ShutdownTimeout:    5,
			MaxBodyBytes:       32 << 20,
		},
		LLM: LLMConfig{
			DefaultProvider: "ollama",
			Providers: map[string]ProviderConfig{
				"ollama": {
					Enabled:      true,
					APIBase:      "http://localhost:11434",
					DefaultModel: "llama3.1:8b",
				},
			},
			ContextWindow: 4096,
			MaxTokens:     1024,
			Temperature:   0.1,
			TopP:          1,
		},
		Embedding: EmbeddingConfig{
			Provider:    "ollama",
			APIBase:     "http://localhost:11434",
			Model:       "nomic-embed-text",
			Concurrency: 4,
		},
		VectorStore: VectorStoreConfig{
			Driver: "sqlite",
			URL:    "http://localhost:6333",
			Path:   "~/.ragchat/vectors.db",
		},
		Chunking: ChunkingConfig{
			MaxLength: 512,
			Overlap:   20,
			Unit:      "chars",
			Encoding:  "cl100k_base",
		},
		Retrieval: RetrievalConfig{
			TopK:            5,
			ContextMaxChars: 8000,
		},
		History: HistoryConfig{
			Summarize:       false,
			RetentionWindow: 8,
		},
		Timeouts: TimeoutsConfig{
			RequestMs: 40000,
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Endpoint: "/metrics",
		},
	}
}
