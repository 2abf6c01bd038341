package assistant

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

//go:embed prompts.yaml
var defaultPrompts []byte

// Mode names a prompt pair in the catalogue.
type Mode string

const (
	ModeLandAnalysis Mode = "land-analysis"
	ModeAutoFill     Mode = "auto-fill"
	ModeSmartSearch  Mode = "smart-search"
	ModeChat         Mode = "chat"
)

// Sampling holds completion parameters shared by all modes.
type Sampling struct {
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
}

type modeDef struct {
	System   string   `yaml:"system"`
	User     string   `yaml:"user"`
	Requires []string `yaml:"requires"`
	JSON     bool     `yaml:"json"`
}

type catalogueFile struct {
	Defaults Sampling            `yaml:"defaults"`
	Modes    map[string]modeDef `yaml:"modes"`
}

type prompt struct {
	system   string
	user     *template.Template
	requires map[string]bool
	json     bool
}

// Catalogue is a parsed prompt set.
type Catalogue struct {
	sampling Sampling
	modes    map[Mode]prompt
}

// DefaultCatalogue parses the embedded prompts.yaml.
func DefaultCatalogue() (*Catalogue, error) {
	return ParseCatalogue(defaultPrompts)
}

// ParseCatalogue parses a YAML prompt catalogue and compiles its templates.
func ParseCatalogue(data []byte) (*Catalogue, error) {
	var f catalogueFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse prompts: %w", err)
	}
	if len(f.Modes) == 0 {
		return nil, fmt.Errorf("parse prompts: no modes defined")
	}
	c := &Catalogue{sampling: f.Defaults, modes: make(map[Mode]prompt, len(f.Modes))}
	if c.sampling.MaxTokens <= 0 {
		c.sampling.MaxTokens = 2000
	}
	for name, def := range f.Modes {
		if strings.TrimSpace(def.System) == "" {
			return nil, fmt.Errorf("parse prompts: mode %s has no system prompt", name)
		}
		tmpl, err := template.New(name).Option("missingkey=error").Parse(def.User)
		if err != nil {
			return nil, fmt.Errorf("parse prompts: mode %s: %w", name, err)
		}
		p := prompt{system: strings.TrimSpace(def.System), user: tmpl, json: def.JSON, requires: map[string]bool{}}
		for _, r := range def.Requires {
			p.requires[r] = true
		}
		c.modes[Mode(name)] = p
	}
	return c, nil
}

// Modes lists the known modes in name order.
func (c *Catalogue) Modes() []Mode {
	out := make([]Mode, 0, len(c.modes))
	for m := range c.modes {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Sampling returns the catalogue-wide completion parameters.
func (c *Catalogue) Sampling() Sampling { return c.sampling }

func (c *Catalogue) lookup(m Mode) (prompt, bool) {
	p, ok := c.modes[m]
	return p, ok
}
