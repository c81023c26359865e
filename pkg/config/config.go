package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/carved4/go-dllproxy/pkg/exports"
	"github.com/carved4/go-dllproxy/pkg/image"
)

// Config represents the structure of a dllproxy.yaml project file
type Config struct {
	// Target is the library read at generation time.
	Target string `yaml:"target"`
	// RuntimePath is the library loaded by the dynamic resolver. It defaults
	// to Target but usually differs, e.g. a system directory path.
	RuntimePath string `yaml:"runtime_path,omitempty"`
	// Library is the name of the generated library.
	Library       string `yaml:"library,omitempty"`
	ForwardName   string `yaml:"forward_name,omitempty"`
	TrimExtension bool   `yaml:"trim_extension,omitempty"`
	// Ordinals keeps explicit ordinals in .def files and linker args.
	Ordinals    *bool    `yaml:"ordinals,omitempty"`
	Machine     string   `yaml:"machine,omitempty"`
	SearchPaths []string `yaml:"search_paths,omitempty"`
	// NamedOnly skips ordinal-only exports when Exports is empty.
	NamedOnly bool         `yaml:"named_only,omitempty"`
	Exports   exports.Spec `yaml:"exports,omitempty"`
}

// Parse decodes a project file. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	var c Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("failed to parse dllproxy config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid dllproxy config: %w", err)
	}
	return &c, nil
}

// Load reads and parses the project file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Target == "" {
		return fmt.Errorf("target is required")
	}
	if c.Machine != "" {
		if _, err := image.ParseMachine(c.Machine); err != nil {
			return fmt.Errorf("machine: %w", err)
		}
	}
	if len(c.Exports) > 0 {
		if err := c.Exports.Validate(); err != nil {
			return fmt.Errorf("exports: %w", err)
		}
	}
	return nil
}

// Marshal encodes the configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *Config) UseOrdinals() bool {
	return c.Ordinals == nil || *c.Ordinals
}

func (c *Config) Runtime() string {
	if c.RuntimePath != "" {
		return c.RuntimePath
	}
	return c.Target
}

// LibraryName defaults to the target's file name.
func (c *Config) LibraryName() string {
	if c.Library != "" {
		return c.Library
	}
	name := c.Target
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	return name
}

// MachineFor returns the configured machine, or the target's own.
func (c *Config) MachineFor(t *exports.Table) (uint16, error) {
	if c.Machine == "" {
		return t.Machine, nil
	}
	return image.ParseMachine(c.Machine)
}

// Spec returns the configured exports, or every export of t.
func (c *Config) Spec(t *exports.Table) exports.Spec {
	switch {
	case len(c.Exports) > 0:
		return c.Exports
	case c.NamedOnly:
		return t.NamedSpec()
	default:
		return t.Spec()
	}
}
