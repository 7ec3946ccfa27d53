package ingest

import (
	"context"
	"embed"
	"os"

	"github.com/david/grant-intake/internal/models"
	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

//go:embed config/sources.yaml config/trusted_references.yaml
var registryFS embed.FS

// Registry holds the configuration for all known sources.
type Registry struct {
	Sources []SourceConfig `yaml:"sources"`

	byID map[string]SourceConfig
}

// SourceConfig defines a single producer.
type SourceConfig struct {
	ID          string   `yaml:"id"`
	Name        string   `yaml:"name"`
	Kind        string   `yaml:"kind"` // "api", "feed", "scrape", "search", "submission"
	BaseURL     string   `yaml:"base_url,omitempty"`
	APIKey      string   `yaml:"api_key,omitempty"`
	Reliability *float64 `yaml:"reliability,omitempty"`
	Enabled     *bool    `yaml:"enabled,omitempty"`
}

// IsEnabled defaults to true when the flag is absent.
func (s SourceConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// readConfigFile reads path when it exists and falls back to the embedded
// copy. Environment variables are expanded.
func readConfigFile(embedded, path string) ([]byte, error) {
	var data []byte
	var err error
	if path != "" {
		data, err = os.ReadFile(path)
	}
	if path == "" || err != nil {
		data, err = registryFS.ReadFile(embedded)
		if err != nil {
			return nil, err
		}
	}
	return []byte(os.ExpandEnv(string(data))), nil
}

// LoadRegistry reads the source registry from path, or the embedded default.
func LoadRegistry(path string) (*Registry, error) {
	data, err := readConfigFile("config/sources.yaml", path)
	if err != nil {
		return nil, eris.Wrap(err, "registry: read sources")
	}

	var reg Registry
	if err := yaml.Unmarshal(data, &reg); err != nil {
		return nil, eris.Wrap(err, "registry: parse sources")
	}
	reg.index()
	return &reg, nil
}

func (r *Registry) index() {
	r.byID = make(map[string]SourceConfig, len(r.Sources))
	for _, s := range r.Sources {
		r.byID[s.ID] = s
	}
}

// Lookup finds a source by id.
func (r *Registry) Lookup(id string) (SourceConfig, bool) {
	if r == nil {
		return SourceConfig{}, false
	}
	if r.byID == nil {
		r.index()
	}
	s, ok := r.byID[id]
	return s, ok
}

// ReliabilityFunc returns the configured reliability per source, falling back
// to def for unknown sources or sources without a value.
func (r *Registry) ReliabilityFunc(def float64) func(string) float64 {
	return func(sourceID string) float64 {
		if s, ok := r.Lookup(sourceID); ok && s.Reliability != nil {
			return *s.Reliability
		}
		return def
	}
}

// ReferenceRegistry answers trusted field values keyed by normalized URL.
type ReferenceRegistry struct {
	byURL map[string]map[string]any
}

type referenceFile struct {
	References []struct {
		URL    string         `yaml:"url"`
		Fields map[string]any `yaml:"fields"`
	} `yaml:"references"`
}

// LoadReferences reads the trusted reference registry from path, or the
// embedded default.
func LoadReferences(path string) (*ReferenceRegistry, error) {
	data, err := readConfigFile("config/trusted_references.yaml", path)
	if err != nil {
		return nil, eris.Wrap(err, "registry: read trusted references")
	}
	var f referenceFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrap(err, "registry: parse trusted references")
	}

	reg := &ReferenceRegistry{byURL: make(map[string]map[string]any, len(f.References))}
	for _, ref := range f.References {
		reg.byURL[NormalizeURL(ref.URL)] = ref.Fields
	}
	return reg, nil
}

// Reference implements ReferenceLookup.
func (r *ReferenceRegistry) Reference(ctx context.Context, rec models.CandidateRecord, field string) (any, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	fields, ok := r.byURL[NormalizeURL(rec.URL)]
	if !ok {
		return nil, false, nil
	}
	val, ok := fields[field]
	return val, ok, nil
}
