package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"

	"github.com/praxis-works/praxis/pkg/llm"
	"github.com/praxis-works/praxis/pkg/mcp"
)

// Files recognized inside an environment directory. All are JSON5, so
// comments and trailing commas are allowed.
const (
	ProvidersFileName   = "providers.jsonc"
	ModelsFileName      = "models.jsonc"
	EnvironmentFileName = "environment.jsonc"
)

// Environment variables consulted while resolving provider secrets and
// the default model.
const (
	EnvAPIKey  = "LLM_API_KEY"
	EnvBaseURL = "LLM_BASE_URL"
	EnvModel   = "LLM_MODEL"
)

// Environment is the resolved contents of one environment directory:
// providers with secrets filled from the process environment, the model
// catalog, MCP server overrides, and the default model selection. Load
// is re-run on every environment switch so edits take effect without a
// restart.
type Environment struct {
	Name string
	Dir  string

	// Providers come from providers.jsonc with models.jsonc entries
	// merged into each provider's advertised list.
	Providers []llm.ProviderConfig

	// ConfiguredModels lists the model ids declared in models.jsonc per
	// provider. The selector accepts these even for providers that do
	// not advertise them.
	ConfiguredModels map[string][]string

	// MCPServers overrides or disables discovered servers by name.
	MCPServers map[string]mcp.ServerConfig

	// DefaultModel is zero when neither environment.jsonc nor LLM_MODEL
	// names one; the selector then falls back to recency.
	DefaultModel llm.Selection
}

// environmentSettings is the environment.jsonc file shape.
type environmentSettings struct {
	Model      string                      `json:"model"`
	MCPServers map[string]mcp.ServerConfig `json:"mcpServers"`
}

// SkillsDir holds prompt fragment files injected into the system prompt.
func (e *Environment) SkillsDir() string { return filepath.Join(e.Dir, "skills") }

// PromptsDir holds the base system prompt files.
func (e *Environment) PromptsDir() string { return filepath.Join(e.Dir, "prompts") }

// MCPServersDir holds the MCP server directories scanned by discovery.
func (e *Environment) MCPServersDir() string { return filepath.Join(e.Dir, "mcpservers") }

// Provider returns the provider config by id.
func (e *Environment) Provider(id string) (*llm.ProviderConfig, bool) {
	for i := range e.Providers {
		if e.Providers[i].ID == id {
			return &e.Providers[i], true
		}
	}
	return nil, false
}

// ListEnvironments returns the environment names under envsDir, sorted.
// A missing directory yields an empty list, not an error.
func ListEnvironments(envsDir string) ([]string, error) {
	entries, err := os.ReadDir(envsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var names []string
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

// LoadEnvironment reads one environment directory. Every file is
// optional; an environment may hold nothing but skills or MCP servers.
// Only the directory itself must exist.
func LoadEnvironment(envsDir, name string) (*Environment, error) {
	dir := filepath.Join(envsDir, name)
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, NewLoadError(dir, fmt.Errorf("%w: %q", ErrEnvironmentNotFound, name))
	}

	env := &Environment{
		Name:             name,
		Dir:              dir,
		ConfiguredModels: make(map[string][]string),
	}

	if err := loadJSON(filepath.Join(dir, ProvidersFileName), &env.Providers); ignoreNotFound(err) != nil {
		return nil, NewLoadError(ProvidersFileName, err)
	}

	var catalog map[string][]llm.ModelInfo
	if err := loadJSON(filepath.Join(dir, ModelsFileName), &catalog); ignoreNotFound(err) != nil {
		return nil, NewLoadError(ModelsFileName, err)
	}
	mergeCatalog(env, catalog)

	var settings environmentSettings
	if err := loadJSON(filepath.Join(dir, EnvironmentFileName), &settings); ignoreNotFound(err) != nil {
		return nil, NewLoadError(EnvironmentFileName, err)
	}
	env.MCPServers = settings.MCPServers

	resolveSecrets(env.Providers)
	env.DefaultModel = resolveDefaultModel(env.Providers, settings.Model)

	return env, nil
}

func ignoreNotFound(err error) error {
	if errors.Is(err, ErrConfigNotFound) {
		return nil
	}
	return err
}

// loadJSON reads a JSON5 file, expanding {{.VAR}} environment references
// first so tokens and keys can be templated the same way as in YAML.
func loadJSON(path string, target any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return err
	}

	data = ExpandEnv(data)

	if err := json5.Unmarshal(data, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	return nil
}

// mergeCatalog folds models.jsonc entries into the provider list. A
// catalog entry with the same id as an advertised model replaces it, so
// the catalog can correct context windows or reasoning fields. Ids also
// land in ConfiguredModels for providers the file mentions but the
// provider list does not advertise.
func mergeCatalog(env *Environment, catalog map[string][]llm.ModelInfo) {
	for providerID, extra := range catalog {
		ids := make([]string, 0, len(extra))
		for _, m := range extra {
			ids = append(ids, m.ID)
		}
		env.ConfiguredModels[providerID] = ids

		if p, ok := env.Provider(providerID); ok {
			p.Models = mergeModels(p.Models, extra)
		}
	}
}

func mergeModels(base, extra []llm.ModelInfo) []llm.ModelInfo {
	replaced := make(map[string]bool, len(extra))
	out := make([]llm.ModelInfo, 0, len(base)+len(extra))
	for _, m := range base {
		found := false
		for _, e := range extra {
			if e.ID == m.ID {
				out = append(out, e)
				replaced[e.ID] = true
				found = true
				break
			}
		}
		if !found {
			out = append(out, m)
		}
	}
	for _, e := range extra {
		if !replaced[e.ID] {
			out = append(out, e)
		}
	}
	return out
}

// resolveSecrets fills provider API keys and base URLs from the process
// environment. Precedence per provider: an explicit apiKey in the file
// (possibly templated), then <ID>_API_KEY, then the shared LLM_API_KEY.
// LLM_BASE_URL fills in for openai_compatible providers that leave
// baseUrl empty.
func resolveSecrets(providers []llm.ProviderConfig) {
	shared := os.Getenv(EnvAPIKey)
	baseURL := os.Getenv(EnvBaseURL)
	for i := range providers {
		p := &providers[i]
		if p.APIKey == "" {
			if v := os.Getenv(ProviderKeyVar(p.ID)); v != "" {
				p.APIKey = v
			} else {
				p.APIKey = shared
			}
		}
		if p.SDK == llm.SDKOpenAICompatible && p.BaseURL == "" {
			p.BaseURL = baseURL
		}
	}
}

// ProviderKeyVar maps a provider id to its conventional key variable:
// "openai" becomes OPENAI_API_KEY, "z-ai" becomes Z_AI_API_KEY.
func ProviderKeyVar(id string) string {
	return strings.ToUpper(strings.ReplaceAll(id, "-", "_")) + "_API_KEY"
}

// resolveDefaultModel picks the environment's default selection.
// LLM_MODEL wins over environment.jsonc; either may use "provider/model"
// or a bare model name. A bare name resolves to the first provider that
// advertises it, falling back to the first provider in file order.
func resolveDefaultModel(providers []llm.ProviderConfig, configured string) llm.Selection {
	ref := os.Getenv(EnvModel)
	if ref == "" {
		ref = configured
	}
	if ref == "" {
		return llm.Selection{}
	}

	sel := llm.ParseSelection(ref)
	if sel.Provider != "" {
		return sel
	}
	for _, p := range providers {
		if p.DefaultModel == sel.Model {
			return llm.Selection{Provider: p.ID, Model: sel.Model}
		}
		if _, ok := p.Model(sel.Model); ok {
			return llm.Selection{Provider: p.ID, Model: sel.Model}
		}
	}
	if len(providers) > 0 {
		return llm.Selection{Provider: providers[0].ID, Model: sel.Model}
	}
	return sel
}
