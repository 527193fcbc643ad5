package config

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"slices"
	"time"

	yaml "gopkg.in/yaml.v3"

	"github.com/rupor-github/gencfg"
)

//go:embed config.yaml.tmpl
var ConfigTmpl []byte

type (
	TemplateFieldName string

	// Component is a custom element forced into the head of every target page.
	// In configuration it could be either a plain name or a mapping with name
	// and version.
	Component struct {
		Name    string `yaml:"name" validate:"required"`
		Version string `yaml:"version,omitempty"`
	}

	AnalyticsConfig struct {
		Type            string `yaml:"type" validate:"required"`
		DataCredentials string `yaml:"data_credentials,omitempty"`
		// Config is either URL of remote configuration (string) or inline
		// configuration (mapping) rendered as JSON.
		Config any `yaml:"config,omitempty"`
	}

	SiteConfig struct {
		PathIdentifier      string           `yaml:"path_identifier" validate:"required"`
		CanonicalBaseURL    string           `yaml:"canonical_base_url" validate:"omitempty,url"`
		RelAmpHTMLPattern   string           `yaml:"rel_amphtml_pattern" validate:"required"`
		RelCanonicalPattern string           `yaml:"rel_canonical_pattern" validate:"required"`
		ExcludedPaths       []string         `yaml:"excluded_paths" validate:"dive,required"`
		IncludedPaths       []string         `yaml:"included_paths" validate:"dive,required"`
		UseAmpClientIDAPI   bool             `yaml:"use_amp_client_id_api"`
		Components          []Component      `yaml:"components" validate:"dive"`
		Analytics           *AnalyticsConfig `yaml:"analytics,omitempty"`
	}

	ElementDefaults struct {
		Width  int    `yaml:"width" validate:"gte=0"`
		Height int    `yaml:"height" validate:"gte=0"`
		Layout string `yaml:"layout" validate:"omitempty,oneof=responsive fixed fill fixed-height flex-item intrinsic nodisplay container"`
	}

	TransformConfig struct {
		CDNRoot             string                     `yaml:"cdn_root" validate:"required,url"`
		DefaultVersion      string                     `yaml:"default_version" validate:"required"`
		AnimatedExtensions  []string                   `yaml:"animated_extensions" validate:"dive,startswith=."`
		StructuredDataTypes []string                   `yaml:"structured_data_types" validate:"dive,required"`
		BlurUpClass         string                     `yaml:"blur_up_class"`
		// BuiltinElements are part of the runtime, they are declared by rules
		// but never get their own script in the head.
		BuiltinElements     []string                   `yaml:"builtin_elements" validate:"dive,required"`
		Defaults            map[string]ElementDefaults `yaml:"defaults" validate:"dive"`
	}

	DimensionsConfig struct {
		Enable    bool          `yaml:"enable"`
		AssetRoot string        `yaml:"asset_root" sanitize:"path_clean" validate:"required_if=Enable true"`
		Remote    bool          `yaml:"remote"`
		Timeout   time.Duration `yaml:"timeout" validate:"gte=0"`
		Workers   int           `yaml:"workers" validate:"min=1,max=256"`
		Queue     int           `yaml:"queue" validate:"min=1"`
		MaxBytes  int64         `yaml:"max_bytes" validate:"gte=0"`
		UserAgent string        `yaml:"user_agent"`
		Lifetime  CacheLifetime `yaml:"lifetime" validate:"oneof=pass process"`
		// Store is a path to sqlite database keeping resolved dimensions
		// between runs, empty disables it.
		Store string `yaml:"store,omitempty" validate:"omitempty,filepath"`
	}

	Config struct {
		Version    int              `yaml:"version" validate:"eq=1"`
		Site       SiteConfig       `yaml:"site"`
		Transform  TransformConfig  `yaml:"transform"`
		Dimensions DimensionsConfig `yaml:"dimensions"`
		Logging    LoggingConfig    `yaml:"logging"`
		Reporting  ReporterConfig   `yaml:"reporting"`
	}
)

// CacheLifetime defines for how long resolved image dimensions are kept.
type CacheLifetime string

const (
	// CacheLifetimePass keeps dimensions for a single page.
	CacheLifetimePass CacheLifetime = "pass"
	// CacheLifetimeProcess shares dimensions between all pages of a run.
	CacheLifetimeProcess CacheLifetime = "process"
)

const (
	// NOTE: must match yaml field names above, patterns use the same braces
	// as configuration template and are expanded later per page
	RelAmpHTMLPatternFieldName   TemplateFieldName = "rel_amphtml_pattern"
	RelCanonicalPatternFieldName TemplateFieldName = "rel_canonical_pattern"
)

var requiredOptions = append([]func(*gencfg.ProcessingOptions){},
	gencfg.WithDoNotExpandField(string(RelAmpHTMLPatternFieldName)),
	gencfg.WithDoNotExpandField(string(RelCanonicalPatternFieldName)),
)

// UnmarshalYAML accepts both "amp-carousel" and {name: amp-carousel, version: "0.2"}.
func (c *Component) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		c.Name, c.Version = value.Value, ""
		return nil
	}
	type plain Component
	var p plain
	if err := value.Decode(&p); err != nil {
		return err
	}
	*c = Component(p)
	return nil
}

func unmarshalConfig(data []byte, cfg *Config, process bool) (*Config, error) {
	// only fields we defined are allowed, so yaml.Unmarshal is not an option
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration data: %w", err)
	}
	if process {
		if err := gencfg.Sanitize(cfg); err != nil {
			return nil, fmt.Errorf("failed to sanitize configuration: %w", err)
		}
		if err := gencfg.Validate(cfg); err != nil {
			return nil, fmt.Errorf("configuration validation failed: %w", err)
		}
	}
	return cfg, nil
}

// LoadConfiguration reads the configuration from the file at the given path,
// superimposes its values on top of expanded configuration template to provide
// sane defaults and performs validation.
func LoadConfiguration(path string, options ...func(*gencfg.ProcessingOptions)) (*Config, error) {
	haveFile := len(path) > 0

	data, err := gencfg.Process(ConfigTmpl, append(requiredOptions, options...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to process configuration template: %w", err)
	}
	cfg, err := unmarshalConfig(data, &Config{}, !haveFile)
	if err != nil {
		return nil, fmt.Errorf("failed to process configuration template: %w", err)
	}
	if !haveFile {
		return cfg, nil
	}

	data, err = os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err = unmarshalConfig(data, cfg, haveFile)
	if err != nil {
		return nil, fmt.Errorf("failed to process configuration file: %w", err)
	}
	return cfg, nil
}

// Prepare generates configuration file from template and returns it as a byte
// slice.
func Prepare() ([]byte, error) {
	return gencfg.Process(ConfigTmpl, requiredOptions...)
}

func Dump(cfg *Config) ([]byte, error) {
	data, err := yaml.Marshal(*cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config to yaml: %w", err)
	}
	return data, nil
}

// IsBuiltin reports whether element is provided by the runtime itself.
func (t *TransformConfig) IsBuiltin(name string) bool {
	return slices.Contains(t.BuiltinElements, name)
}

// DefaultsFor returns injected attribute defaults for the target element kind.
func (t *TransformConfig) DefaultsFor(kind string) (ElementDefaults, bool) {
	d, ok := t.Defaults[kind]
	return d, ok
}
