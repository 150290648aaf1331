// Package provider detects which agent provider backs a session's model
// string, composes SDK query options from session configuration, and
// decides whether a model switch requires restarting the running query.
package provider

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/sessiond/core/internal/common/logger"
	"github.com/sessiond/core/internal/store"
)

// ModelInfo describes one model a provider claims, as surfaced by the
// models.list RPC.
type ModelInfo struct {
	ID   string `json:"id"`
	Tier string `json:"tier,omitempty"`
}

// Config describes one registered provider: the model prefixes and models
// it claims, and a RequiresRestart flag. Registry.RequiresQueryRestart does
// not read the flag: it restarts on every provider change and never within
// one provider.
type Config struct {
	ID               string            `json:"id"`
	ModelPrefixes    []string          `json:"modelPrefixes"`
	DefaultModel     string            `json:"defaultModel"`
	RequiresRestart  bool              `json:"requiresRestart"`
	SupportsThinking bool              `json:"supportsThinking"`
	Models           []ModelInfo       `json:"models"`
	EnvVars          map[string]string `json:"-"`
	Unavailable      bool              `json:"-"`

	// SDKModelAliases maps a public model id to the identifier the
	// transport actually expects, when the two differ.
	SDKModelAliases map[string]string `json:"-"`
	// TierModels maps a coarse tier name ("fast", "balanced", "best") to
	// a concrete model id for callers that pick by tier instead of name.
	TierModels map[string]string `json:"-"`
}

// OwnsModel reports whether id is claimed by this provider, either by
// exact model match or by prefix.
func (c *Config) OwnsModel(id string) bool {
	for _, m := range c.Models {
		if m.ID == id {
			return true
		}
	}
	for _, prefix := range c.ModelPrefixes {
		if strings.HasPrefix(id, prefix) {
			return true
		}
	}
	return false
}

// GetModels returns the models this provider claims.
func (c *Config) GetModels() []ModelInfo {
	return c.Models
}

// TranslateModelIdForSdk maps a public model id to the id the transport
// expects, when an alias is registered; otherwise returns id unchanged.
func (c *Config) TranslateModelIdForSdk(id string) string {
	if alias, ok := c.SDKModelAliases[id]; ok {
		return alias
	}
	return id
}

// GetModelForTier resolves a coarse tier name to a concrete model id.
func (c *Config) GetModelForTier(tier string) (string, bool) {
	id, ok := c.TierModels[tier]
	return id, ok
}

// IsAvailable reports whether the provider is currently usable (e.g. its
// credentials are configured). Providers default to available.
func (c *Config) IsAvailable() bool {
	return !c.Unavailable
}

// BuildSdkConfig composes the transport config for a single query against
// this provider: modelId translated for the SDK, merged with the
// provider's env vars.
func (c *Config) BuildSdkConfig(modelID string, base map[string]any) map[string]any {
	out := make(map[string]any, len(base)+2)
	for k, v := range base {
		out[k] = v
	}
	out["model"] = c.TranslateModelIdForSdk(modelID)

	env := mergeEnv(asEnvMap(base["env"]), c.EnvVars)
	if len(env) > 0 {
		out["env"] = env
	} else {
		delete(out, "env")
	}
	return out
}

func asEnvMap(v any) map[string]string {
	m, _ := v.(map[string]string)
	return m
}

func mergeEnv(base, provider map[string]string) map[string]string {
	if len(base) == 0 && len(provider) == 0 {
		return nil
	}
	merged := make(map[string]string, len(base)+len(provider))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range provider {
		merged[k] = v
	}
	return merged
}

// Registry holds the process-wide, resettable set of known providers. It is
// a flat map guarded by a mutex, the same shape the teacher uses for its
// agent type registry.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]*Config
	logger    *logger.Logger

	// modelsGroup coalesces concurrent models.list calls onto a single
	// GetModels computation, so a burst of client requests right after a
	// ClearCache doesn't redundantly rebuild the same deduped list.
	modelsGroup singleflight.Group
}

// NewRegistry creates an empty registry and loads the built-in defaults.
func NewRegistry(log *logger.Logger) *Registry {
	r := &Registry{providers: make(map[string]*Config), logger: log}
	r.LoadDefaults()
	return r
}

// LoadDefaults (re-)registers the built-in provider set. Safe to call again
// to reset the registry to a known state, e.g. between test cases.
func (r *Registry) LoadDefaults() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cfg := range defaultProviders() {
		r.providers[cfg.ID] = cfg
	}
}

func defaultProviders() []*Config {
	return []*Config{
		{
			ID:               "anthropic",
			ModelPrefixes:    []string{"claude-"},
			DefaultModel:     "claude-sonnet-4-5",
			RequiresRestart:  true,
			SupportsThinking: true,
			Models: []ModelInfo{
				{ID: "claude-opus-4-5", Tier: "best"},
				{ID: "claude-sonnet-4-5", Tier: "balanced"},
				{ID: "claude-haiku-4-5", Tier: "fast"},
			},
			TierModels: map[string]string{"best": "claude-opus-4-5", "balanced": "claude-sonnet-4-5", "fast": "claude-haiku-4-5"},
			EnvVars:    map[string]string{},
		},
		{
			ID:               "openai",
			ModelPrefixes:    []string{"gpt-", "o1", "o3"},
			DefaultModel:     "gpt-5",
			RequiresRestart:  true,
			SupportsThinking: false,
			Models: []ModelInfo{
				{ID: "gpt-5", Tier: "best"},
				{ID: "gpt-5-mini", Tier: "fast"},
			},
			TierModels: map[string]string{"best": "gpt-5", "fast": "gpt-5-mini"},
			EnvVars:    map[string]string{},
		},
		{
			ID:               "google",
			ModelPrefixes:    []string{"gemini-"},
			DefaultModel:     "gemini-2.5-pro",
			RequiresRestart:  true,
			SupportsThinking: true,
			Models: []ModelInfo{
				{ID: "gemini-2.5-pro", Tier: "best"},
				{ID: "gemini-2.5-flash", Tier: "fast"},
			},
			TierModels: map[string]string{"best": "gemini-2.5-pro", "fast": "gemini-2.5-flash"},
			EnvVars:    map[string]string{},
		},
	}
}

// Register adds or replaces a provider.
func (r *Registry) Register(cfg *Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[cfg.ID] = cfg
}

// Get returns a registered provider by ID.
func (r *Registry) Get(id string) (*Config, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.providers[id]
	return cfg, ok
}

// List returns every registered provider, sorted by ID for deterministic
// iteration.
func (r *Registry) List() []*Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Config, 0, len(r.providers))
	for _, cfg := range r.providers {
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetModels returns every model claimed by any registered provider, deduped
// by canonical id so the models.list RPC never reports the same model
// twice even if two provider configs happen to claim it. Concurrent callers
// coalesce onto a single computation via modelsGroup.
func (r *Registry) GetModels() []ModelInfo {
	v, _, _ := r.modelsGroup.Do("models", func() (interface{}, error) {
		seen := make(map[string]bool)
		var out []ModelInfo
		for _, cfg := range r.List() {
			for _, m := range cfg.GetModels() {
				if seen[m.ID] {
					continue
				}
				seen[m.ID] = true
				out = append(out, m)
			}
		}
		return out, nil
	})
	return v.([]ModelInfo)
}

// DetectByModel returns the provider whose prefix matches model, the
// mechanism the session manager uses to classify a model string the client
// supplies without naming a provider explicitly.
func (r *Registry) DetectByModel(model string) (*Config, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, cfg := range r.providers {
		if cfg.OwnsModel(model) {
			return cfg, nil
		}
	}
	return nil, fmt.Errorf("no provider registered for model %q", model)
}

// RequiresQueryRestart reports whether switching from fromModel to toModel
// crosses a provider boundary that forces the agent session to tear down
// and recreate its query rather than switching the model in place.
func (r *Registry) RequiresQueryRestart(fromModel, toModel string) bool {
	from, errFrom := r.DetectByModel(fromModel)
	to, errTo := r.DetectByModel(toModel)
	if errFrom != nil || errTo != nil {
		return true
	}
	if from.ID != to.ID {
		return true
	}
	return false
}

// ClearCache resets the registry to its built-in defaults, dropping any
// providers registered at runtime. Backs the models.clearCache RPC.
func (r *Registry) ClearCache() {
	r.mu.Lock()
	r.providers = make(map[string]*Config)
	r.mu.Unlock()
	r.LoadDefaults()
}

// Context is the provider bound to one session, returned by CreateContext.
// It carries no further mutable state beyond the provider and model it was
// created with.
type Context struct {
	registry *Registry
	provider *Config
	model    string
}

// ProviderID returns the bound provider's id.
func (c *Context) ProviderID() string { return c.provider.ID }

// GetSdkModelId returns the model id translated for the transport, or the
// plain model id when the provider defines no translation.
func (c *Context) GetSdkModelId() string {
	return c.provider.TranslateModelIdForSdk(c.model)
}

// BuildSdkOptions composes {...base, model: sdkModelId, env: merged} for a
// query against the bound provider, omitting env entirely when both the
// provider's and base's env are empty.
func (c *Context) BuildSdkOptions(base map[string]any) map[string]any {
	return c.provider.BuildSdkConfig(c.model, base)
}

// RequiresQueryRestart reports whether switching to newModelID crosses a
// provider boundary relative to this context's bound provider.
func (c *Context) RequiresQueryRestart(newModelID string) bool {
	newCfg, err := c.registry.DetectByModel(newModelID)
	if err != nil {
		return true
	}
	return newCfg.ID != c.provider.ID
}

// CreateContext selects a provider for sess: an explicit, registered
// session.config.provider wins; otherwise the first provider (by sorted
// id) whose OwnsModel matches session.config.model (defaulting to the
// literal "default" when unset); otherwise the first registered provider.
// Fails with "No provider available" if the registry is empty.
func (r *Registry) CreateContext(sess *store.Session) (*Context, error) {
	r.mu.RLock()
	count := len(r.providers)
	r.mu.RUnlock()
	if count == 0 {
		return nil, fmt.Errorf("No provider available")
	}

	model := sess.Config.Model
	if model == "" {
		model = "default"
	}

	if sess.Config.Provider != "" {
		if cfg, ok := r.Get(sess.Config.Provider); ok {
			return &Context{registry: r, provider: cfg, model: model}, nil
		}
	}

	for _, cfg := range r.List() {
		if cfg.OwnsModel(model) {
			return &Context{registry: r, provider: cfg, model: model}, nil
		}
	}

	return &Context{registry: r, provider: r.List()[0], model: model}, nil
}

// SwitchValidation is the result of ValidateProviderSwitch.
type SwitchValidation struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

// ValidateProviderSwitch succeeds when providerID is registered and either
// available or an apiKey is supplied.
func (r *Registry) ValidateProviderSwitch(providerID, apiKey string) SwitchValidation {
	cfg, ok := r.Get(providerID)
	if !ok {
		return SwitchValidation{Valid: false, Error: "Unknown provider"}
	}
	if cfg.IsAvailable() || apiKey != "" {
		return SwitchValidation{Valid: true}
	}
	return SwitchValidation{Valid: false, Error: fmt.Sprintf("Provider %s is not available", providerID)}
}
