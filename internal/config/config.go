package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models tideline.yml.
type Config struct {
	Project struct {
		ID   string `yaml:"id"`
		Kind string `yaml:"kind"`
	} `yaml:"project"`
	Templates struct {
		Catalog map[string]TemplateSpec `yaml:"catalog"`
	} `yaml:"templates"`
}

// TemplateSpec describes one checklist template seeded into the store.
type TemplateSpec struct {
	Items []TemplateItemSpec `yaml:"items"`
}

type TemplateItemSpec struct {
	Label       string          `yaml:"label"`
	Type        string          `yaml:"type"`
	Required    bool            `yaml:"required"`
	Validations *ValidationSpec `yaml:"validations,omitempty"`
}

type ValidationSpec struct {
	Min       *float64 `yaml:"min,omitempty"`
	Max       *float64 `yaml:"max,omitempty"`
	MaxLength *int     `yaml:"max_length,omitempty"`
	Options   []string `yaml:"options,omitempty"`
}

var itemTypes = map[string]bool{
	"boolean":   true,
	"number":    true,
	"text":      true,
	"select":    true,
	"photo":     true,
	"signature": true,
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with tl project config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if c.Project.Kind != "marine-service" {
		return fmt.Errorf("config.project.kind must be 'marine-service'")
	}
	for name, tpl := range c.Templates.Catalog {
		if name == "" {
			return fmt.Errorf("config.templates.catalog contains empty template name")
		}
		if len(tpl.Items) == 0 {
			return fmt.Errorf("template %s has no items", name)
		}
		for i, item := range tpl.Items {
			if item.Label == "" {
				return fmt.Errorf("template %s item %d has empty label", name, i)
			}
			if !itemTypes[item.Type] {
				return fmt.Errorf("template %s item %q has unknown type %q", name, item.Label, item.Type)
			}
			if item.Type == "select" && (item.Validations == nil || len(item.Validations.Options) == 0) {
				return fmt.Errorf("template %s select item %q needs validations.options", name, item.Label)
			}
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "tideline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	cfg.Project.ID = projectID
	cfg.Project.Kind = "marine-service"
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, projectID))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// TemplateSpecFromYAML parses a single template spec from raw YAML bytes.
func TemplateSpecFromYAML(data []byte) (TemplateSpec, error) {
	var spec TemplateSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return spec, fmt.Errorf("invalid template yaml: %w", err)
	}
	if len(spec.Items) == 0 {
		return spec, fmt.Errorf("template has no items")
	}
	return spec, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `project:
  id: %s
  kind: marine-service

templates:
  catalog:
    vessel-mobilization:
      items:
        - label: "Crew briefing completed"
          type: boolean
          required: true
        - label: "Vessel fuel level (%%)"
          type: number
          required: true
          validations:
            min: 0
            max: 100
        - label: "Navigation permit number"
          type: text
          required: true
          validations:
            max_length: 32
        - label: "Sea state at departure"
          type: select
          required: false
          validations:
            options: [calm, moderate, rough]
        - label: "Deck load photo"
          type: photo
          required: false

    dive-safety:
      items:
        - label: "Dive plan reviewed with team"
          type: boolean
          required: true
        - label: "Maximum planned depth (m)"
          type: number
          required: true
          validations:
            min: 0
            max: 60
        - label: "Standby diver assigned"
          type: boolean
          required: true
        - label: "Emergency oxygen on site"
          type: boolean
          required: true
        - label: "Dive supervisor signature"
          type: signature
          required: true
        - label: "Pre-dive equipment photo"
          type: photo
          required: false

    equipment-commissioning:
      items:
        - label: "Hydraulic pressure test passed"
          type: boolean
          required: true
        - label: "Operating pressure (bar)"
          type: number
          required: true
          validations:
            min: 0
            max: 350
        - label: "Commissioning notes"
          type: text
          required: false
          validations:
            max_length: 500

    demobilization:
      items:
        - label: "All equipment accounted for"
          type: boolean
          required: true
        - label: "Site left clean"
          type: boolean
          required: true
        - label: "Client sign-off"
          type: signature
          required: true
`
