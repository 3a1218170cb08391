package provider

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"ragchat/internal/config"
	"ragchat/internal/domain"
)

// ProviderConstructor is a function that creates a provider from a config entry.
type ProviderConstructor func(name string, pc config.ProviderConfig, logger *slog.Logger) domain.Provider

// Factory creates and caches LLM providers from config.
type Factory struct {
	cfg          config.LLMConfig
	logger       *slog.Logger
	constructors map[string]ProviderConstructor
	cache        map[string]domain.Provider
	mu           sync.RWMutex
}

// NewFactory creates a provider factory with the built-in constructors registered.
func NewFactory(cfg config.LLMConfig, logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Factory{
		cfg:          cfg,
		logger:       logger,
		constructors: make(map[string]ProviderConstructor),
		cache:        make(map[string]domain.Provider),
	}
	f.registerDefaults()
	return f
}

// RegisterConstructor adds (or replaces) a provider constructor by type.
func (f *Factory) RegisterConstructor(typ string, ctor ProviderConstructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.constructors[typ] = ctor
}

func (f *Factory) registerDefaults() {
	f.constructors["ollama"] = func(_ string, pc config.ProviderConfig, logger *slog.Logger) domain.Provider {
		return NewOllama(OllamaConfig{
			APIBase:       pc.APIBase,
			DefaultModel:  pc.DefaultModel,
			ContextWindow: f.cfg.ContextWindow,
			Logger:        logger,
		})
	}
	f.constructors["openai"] = func(name string, pc config.ProviderConfig, logger *slog.Logger) domain.Provider {
		return NewOpenAI(OpenAIConfig{Name: name, APIKey: pc.APIKey, APIBase: pc.APIBase, Model: pc.DefaultModel, Logger: logger})
	}
}

// Get returns the provider with the given name, or the default if name is empty.
// Created providers are cached so the same instance is reused across calls.
func (f *Factory) Get(name string) (domain.Provider, error) {
	if name == "" {
		name = f.cfg.DefaultProvider
	}

	f.mu.RLock()
	if cached, ok := f.cache[name]; ok {
		f.mu.RUnlock()
		return cached, nil
	}
	f.mu.RUnlock()

	f.mu.Lock()
	defer f.mu.Unlock()

	if cached, ok := f.cache[name]; ok {
		return cached, nil
	}

	pc, ok := f.cfg.Providers[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider: %s", name)
	}
	if !pc.Enabled {
		return nil, fmt.Errorf("provider %s is disabled", name)
	}

	typ := pc.Type
	if typ == "" {
		typ = name
	}

	var p domain.Provider
	if ctor, found := f.constructors[typ]; found {
		p = ctor(name, pc, f.logger)
	} else if pc.APIBase != "" {
		// Unknown types are treated as OpenAI-compatible.
		p = NewOpenAI(OpenAIConfig{Name: name, APIKey: pc.APIKey, APIBase: pc.APIBase, Model: pc.DefaultModel, Logger: f.logger})
	} else {
		return nil, fmt.Errorf("provider %s: no constructor for type %q and no API base configured", name, typ)
	}

	f.cache[name] = p
	return p, nil
}

// DefaultProvider returns the configured default provider, wrapped in a
// failover chain when one is configured.
func (f *Factory) DefaultProvider() (domain.Provider, error) {
	if len(f.cfg.FailoverChain) == 0 {
		return f.Get("")
	}
	names := append([]string{f.cfg.DefaultProvider}, f.cfg.FailoverChain...)
	seen := make(map[string]bool, len(names))
	var chain []domain.Provider
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true
		p, err := f.Get(name)
		if err != nil {
			f.logger.Warn("failover chain: skipping provider", "provider", name, "error", err)
			continue
		}
		chain = append(chain, p)
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("no usable provider in failover chain")
	}
	if len(chain) == 1 {
		return chain[0], nil
	}
	return NewFailoverProvider(chain, f.logger), nil
}

// Ollama returns the first enabled Ollama provider, used for model pulls.
func (f *Factory) Ollama() (*Ollama, error) {
	for _, name := range f.Names() {
		pc := f.cfg.Providers[name]
		if !pc.Enabled || (pc.Type != "ollama" && !(pc.Type == "" && name == "ollama")) {
			continue
		}
		p, err := f.Get(name)
		if err != nil {
			return nil, err
		}
		if o, ok := p.(*Ollama); ok {
			return o, nil
		}
	}
	return nil, fmt.Errorf("no ollama provider configured")
}

// Names lists configured provider names in sorted order.
func (f *Factory) Names() []string {
	names := make([]string, 0, len(f.cfg.Providers))
	for name := range f.cfg.Providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HealthyProvider returns the first provider that passes a health check, or nil.
func (f *Factory) HealthyProvider(ctx context.Context) domain.Provider {
	for _, name := range f.Names() {
		p, err := f.Get(name)
		if err != nil || p == nil {
			continue
		}
		if p.Healthy(ctx) == nil {
			return p
		}
	}
	return nil
}
