package ingest

import (
	"embed"
	"os"
	"strings"

	crerr "github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

//go:embed config/sources.yaml
var sourcesYAML embed.FS

// HardMaxPages bounds pagination for every source regardless of configuration.
const HardMaxPages = 50

const (
	StrategyHTMLTokens = "html_tokens"
	StrategyAPIRecords = "api_records"

	TransportHTTP   = "http"
	TransportColly  = "colly"
	TransportChrome = "chrome"
)

// Registry holds the configuration for all fixture sources.
type Registry struct {
	Sources []SourceConfig `yaml:"sources" validate:"dive"`
}

// SourceConfig defines one competition calendar crawled independently.
type SourceConfig struct {
	ID          string `yaml:"id" validate:"required"`
	Level       string `yaml:"level" validate:"required"`
	Competition string `yaml:"competition" validate:"required"`
	EntryURL    string `yaml:"entry_url" validate:"required,url"`
	Strategy    string `yaml:"strategy,omitempty" validate:"omitempty,oneof=html_tokens api_records"`
	Transport   string `yaml:"transport,omitempty" validate:"omitempty,oneof=http colly chrome"`
	MaxPages    int    `yaml:"max_pages,omitempty" validate:"gte=0"`
	Disabled    bool   `yaml:"disabled,omitempty"`

	// Regexes over anchor hrefs; defaults cover the federation's URL scheme.
	TeamLinkPattern  string `yaml:"team_link_pattern,omitempty"`
	MatchLinkPattern string `yaml:"match_link_pattern,omitempty"`

	Credentials CredentialConfig `yaml:"credentials,omitempty"`
}

// PageCeiling is the effective page limit for the source.
func (s SourceConfig) PageCeiling() int {
	switch {
	case s.MaxPages <= 0:
		return 10
	case s.MaxPages > HardMaxPages:
		return HardMaxPages
	default:
		return s.MaxPages
	}
}

func (s SourceConfig) StrategyOrDefault() string {
	if s.Strategy == "" {
		return StrategyHTMLTokens
	}
	return s.Strategy
}

func (s SourceConfig) TransportOrDefault() string {
	if s.Transport == "" {
		return TransportHTTP
	}
	return s.Transport
}

// LoadRegistry reads sources from path, or the embedded default when path is empty.
func LoadRegistry(path string) (*Registry, error) {
	var (
		data []byte
		err  error
	)
	if path != "" {
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, crerr.Wrapf(err, "read registry %s", path)
		}
	} else {
		data, err = sourcesYAML.ReadFile("config/sources.yaml")
		if err != nil {
			return nil, crerr.Wrap(err, "read embedded registry")
		}
	}
	return ParseRegistry(data)
}

// ParseRegistry expands ${ENV} references, decodes and validates a registry document.
func ParseRegistry(data []byte) (*Registry, error) {
	expanded := os.ExpandEnv(string(data))

	var reg Registry
	if err := yaml.Unmarshal([]byte(expanded), &reg); err != nil {
		return nil, crerr.Wrap(err, "decode registry")
	}
	if err := reg.Validate(); err != nil {
		return nil, err
	}
	return &reg, nil
}

var registryValidator = validator.New()

func (r *Registry) Validate() error {
	if err := registryValidator.Struct(r); err != nil {
		return crerr.Wrap(err, "invalid registry")
	}
	seen := make(map[string]struct{}, len(r.Sources))
	for _, s := range r.Sources {
		key := strings.ToLower(s.ID)
		if _, dup := seen[key]; dup {
			return crerr.Newf("invalid registry: duplicate source id %q", s.ID)
		}
		seen[key] = struct{}{}
	}
	return nil
}

// Active returns the enabled sources, optionally restricted to ids.
func (r *Registry) Active(ids ...string) []SourceConfig {
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[strings.ToLower(strings.TrimSpace(id))] = struct{}{}
	}
	out := make([]SourceConfig, 0, len(r.Sources))
	for _, s := range r.Sources {
		if s.Disabled {
			continue
		}
		if len(want) > 0 {
			if _, ok := want[strings.ToLower(s.ID)]; !ok {
				continue
			}
		}
		out = append(out, s)
	}
	return out
}
