package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for ragchat.
type Config struct {
	General     GeneralConfig     `json:"general"`
	Server      ServerConfig      `json:"server"`
	LLM         LLMConfig         `json:"llm"`
	Embedding   EmbeddingConfig   `json:"embedding"`
	VectorStore VectorStoreConfig `json:"vectorStore"`
	Chunking    ChunkingConfig    `json:"chunking"`
	Retrieval   RetrievalConfig   `json:"retrieval"`
	History     HistoryConfig     `json:"history"`
	Timeouts    TimeoutsConfig    `json:"timeouts"`
	Ingest      IngestConfig      `json:"ingest"`
	Metrics     MetricsConfig     `json:"metrics"`
	// Models lists the model identifiers advertised by GET /api/llm.
	Models []string `json:"models,omitempty"`
}

type GeneralConfig struct {
	DataDir   string `json:"dataDir"`
	LogLevel  string `json:"logLevel"`
	LogFormat string `json:"logFormat,omitempty"` // "text" | "json"
	// EnvFile is loaded with godotenv before ${VAR} expansion.
	EnvFile string `json:"envFile,omitempty"`
}

type ServerConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	// MaxRequestDuration caps a chat request, in seconds.
	MaxRequestDuration int        `json:"maxRequestDuration"`
	ShutdownTimeout    int        `json:"shutdownTimeout"` // seconds
	MaxBodyBytes       int64      `json:"maxBodyBytes"`
	Auth               ServerAuth `json:"auth"`
}

type ServerAuth struct {
	Enabled  bool   `json:"enabled"`
	Username string `json:"username"`
	// PasswordHash is the hex SHA-256 of the password.
	PasswordHash string `json:"passwordHash"`
}

type LLMConfig struct {
	DefaultProvider string                    `json:"defaultProvider"`
	FailoverChain   []string                  `json:"failoverChain,omitempty"`
	Providers       map[string]ProviderConfig `json:"providers"`
	// ContextWindow is the model context size in tokens.
	ContextWindow int     `json:"contextWindow"`
	MaxTokens     int     `json:"maxTokens"`
	Temperature   float64 `json:"temperature"`
	TopP          float64 `json:"topP"`
	SystemPrompt  string  `json:"systemPrompt,omitempty"`
}

type ProviderConfig struct {
	Enabled      bool   `json:"enabled"`
	Type         string `json:"type,omitempty"` // "ollama" | "openai"; defaults to the provider name
	APIBase      string `json:"apiBase,omitempty"`
	APIKey       string `json:"apiKey,omitempty"`
	DefaultModel string `json:"defaultModel,omitempty"`
}

type EmbeddingConfig struct {
	Provider          string  `json:"provider"` // "ollama" | "openai"
	APIBase           string  `json:"apiBase,omitempty"`
	APIKey            string  `json:"apiKey,omitempty"`
	Model             string  `json:"model"`
	Dimension         int     `json:"dimension,omitempty"`
	MaxBatch          int     `json:"maxBatch,omitempty"`
	Concurrency       int     `json:"concurrency"`
	RequestsPerSecond float64 `json:"requestsPerSecond,omitempty"`
	Burst             int     `json:"burst,omitempty"`
}

type VectorStoreConfig struct {
	Driver string `json:"driver"` // "memory" | "qdrant" | "pgvector" | "sqlite"
	URL    string `json:"url,omitempty"`
	APIKey string `json:"apiKey,omitempty"`
	DSN    string `json:"dsn,omitempty"`
	Path   string `json:"path,omitempty"`
}

type ChunkingConfig struct {
	MaxLength int    `json:"maxLength"`
	Overlap   int    `json:"overlap"`
	Unit      string `json:"unit"` // "chars" | "tokens"
	Encoding  string `json:"encoding,omitempty"`
}

type RetrievalConfig struct {
	TopK            int `json:"topK"`
	ContextMaxChars int `json:"contextMaxChars"`
}

type HistoryConfig struct {
	// Summarize enables summarizing history for requests that set sendMemory.
	Summarize       bool   `json:"summarize"`
	RetentionWindow int    `json:"retentionWindow"`
	TokenBudget     int    `json:"tokenBudget,omitempty"`
	SummaryModel    string `json:"summaryModel,omitempty"`
}

type TimeoutsConfig struct {
	// RequestMs bounds each embedding, store and generation step.
	RequestMs int `json:"requestMs"`
}

type IngestConfig struct {
	SanitizeText bool `json:"sanitizeText"`
}

// MetricsConfig configures the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled  bool   `json:"enabled"`
	Endpoint string `json:"endpoint"`
}

// DefaultConfigDir returns the default config directory (~/.ragchat).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ragchat"
	}
	return filepath.Join(home, ".ragchat")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// A .env next to the config file is optional.
	envFile := filepath.Join(filepath.Dir(path), ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("cannot load env file %s: %w", envFile, err)
		}
	}

	cfg := Defaults()
	if err := decode(path, []byte(ExpandEnvVars(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	if cfg.General.EnvFile != "" {
		envPath := ExpandPath(cfg.General.EnvFile)
		if err := godotenv.Load(envPath); err != nil {
			return nil, fmt.Errorf("cannot load env file %s: %w", envPath, err)
		}
		// Re-expand so variables from the env file take effect.
		cfg = Defaults()
		if err := decode(path, []byte(ExpandEnvVars(string(data))), cfg); err != nil {
			return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
		}
	}

	cfg.General.DataDir = ExpandPath(cfg.General.DataDir)
	cfg.VectorStore.Path = ExpandPath(cfg.VectorStore.Path)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// decode parses JSON, or YAML for .yaml/.yml files. YAML is converted to
// JSON first so both formats share the json field names.
func decode(path string, data []byte, cfg *Config) error {
	if !isYAML(path) {
		return json.Unmarshal(data, cfg)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return err
	}
	js, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return json.Unmarshal(js, cfg)
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		hasDefault := len(groups) >= 3 && groups[2] != ""
		val, exists := os.LookupEnv(groups[1])
		if !exists || val == "" {
			if hasDefault {
				return groups[2]
			}
			return match
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	path = ExpandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if isYAML(path) {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		var doc map[string]any
		if err := dec.Decode(&doc); err != nil {
			return err
		}
		if data, err = yaml.Marshal(yamlNumbers(doc)); err != nil {
			return fmt.Errorf("cannot marshal config: %w", err)
		}
	}
	return os.WriteFile(path, data, 0o600)
}

// yamlNumbers turns json.Number leaves into int64 or float64 so that YAML
// writes integers without exponents.
func yamlNumbers(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, e := range t {
			t[k] = yamlNumbers(e)
		}
	case []any:
		for i, e := range t {
			t[i] = yamlNumbers(e)
		}
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n
		}
		f, _ := t.Float64()
		return f
	}
	return v
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch strings.ToLower(cfg.General.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}
	switch cfg.General.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, "general.logFormat must be one of: text, json")
	}

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 0 and 65535")
	}
	if cfg.Server.MaxRequestDuration < 1 {
		errs = append(errs, "server.maxRequestDuration must be >= 1")
	}
	if cfg.Server.Auth.Enabled && (cfg.Server.Auth.Username == "" || cfg.Server.Auth.PasswordHash == "") {
		errs = append(errs, "server.auth requires username and passwordHash when enabled")
	}

	if _, ok := cfg.LLM.Providers[cfg.LLM.DefaultProvider]; !ok {
		errs = append(errs, fmt.Sprintf("llm.defaultProvider references unknown provider: %s", cfg.LLM.DefaultProvider))
	}
	for _, name := range cfg.LLM.FailoverChain {
		if _, ok := cfg.LLM.Providers[name]; !ok {
			errs = append(errs, fmt.Sprintf("llm.failoverChain references unknown provider: %s", name))
		}
	}
	for name, pc := range cfg.LLM.Providers {
		typ := pc.Type
		if typ == "" {
			typ = name
		}
		if pc.Enabled && typ != "ollama" && pc.APIBase == "" && pc.APIKey == "" {
			errs = append(errs, fmt.Sprintf("llm.providers.%s: apiBase or apiKey is required", name))
		}
	}
	if cfg.LLM.ContextWindow < 1 {
		errs = append(errs, "llm.contextWindow must be >= 1")
	}
	if cfg.LLM.MaxTokens < 1 || cfg.LLM.MaxTokens > cfg.LLM.ContextWindow {
		errs = append(errs, "llm.maxTokens must be between 1 and llm.contextWindow")
	}

	switch cfg.Embedding.Provider {
	case "ollama", "openai":
	default:
		errs = append(errs, "embedding.provider must be one of: ollama, openai")
	}
	if cfg.Embedding.Model == "" {
		errs = append(errs, "embedding.model is required")
	}

	switch cfg.VectorStore.Driver {
	case "memory":
	case "qdrant":
		if cfg.VectorStore.URL == "" {
			errs = append(errs, "vectorStore.url is required for qdrant")
		}
	case "pgvector":
		if cfg.VectorStore.DSN == "" {
			errs = append(errs, "vectorStore.dsn is required for pgvector")
		}
	case "sqlite":
		if cfg.VectorStore.Path == "" {
			errs = append(errs, "vectorStore.path is required for sqlite")
		}
	default:
		errs = append(errs, "vectorStore.driver must be one of: memory, qdrant, pgvector, sqlite")
	}

	if cfg.Chunking.MaxLength < 1 {
		errs = append(errs, "chunking.maxLength must be >= 1")
	}
	if cfg.Chunking.Overlap < 0 || cfg.Chunking.Overlap >= cfg.Chunking.MaxLength {
		errs = append(errs, "chunking.overlap must be >= 0 and less than chunking.maxLength")
	}
	switch cfg.Chunking.Unit {
	case "", "chars", "tokens":
	default:
		errs = append(errs, "chunking.unit must be one of: chars, tokens")
	}

	if cfg.Retrieval.TopK < 1 {
		errs = append(errs, "retrieval.topK must be >= 1")
	}
	if cfg.Retrieval.ContextMaxChars < 1 {
		errs = append(errs, "retrieval.contextMaxChars must be >= 1")
	}
	if cfg.History.RetentionWindow < 1 {
		errs = append(errs, "history.retentionWindow must be >= 1")
	}
	if cfg.Timeouts.RequestMs < 1 {
		errs = append(errs, "timeouts.requestMs must be >= 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
