// Package catalog holds the candidate records the persona stages draw from:
// the need lexicon, archetypes, past experiences, prompt templates, room
// visuals and the preset image pool. The default catalog is embedded and can
// be replaced by a YAML file at startup.
package catalog

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"text/template"

	"gopkg.in/yaml.v3"

	"knock-pipeline/internal/entity"
)

//go:embed catalog.yaml
var defaultCatalog []byte

var ErrInvalidCatalog = errors.New("invalid catalog")

const DefaultPresetPool = "default"

type Archetype struct {
	ID                string                          `yaml:"id"`
	Name              string                          `yaml:"name"`
	Summary           string                          `yaml:"summary"`
	Weights           map[entity.NeedCategory]float64 `yaml:"weights"`
	Traits            []string                        `yaml:"traits"`
	Names             []string                        `yaml:"names"`
	ConversationStyle string                          `yaml:"conversation_style"`
	ResponseLength    string                          `yaml:"response_length"`
	Room              string                          `yaml:"room"`
}

type Experience struct {
	ID          string                          `yaml:"id"`
	Title       string                          `yaml:"title"`
	Description string                          `yaml:"description"`
	Weights     map[entity.NeedCategory]float64 `yaml:"weights"`
	Tags        []string                        `yaml:"tags"`
}

type Template struct {
	ID       string `yaml:"id"`
	Version  int    `yaml:"version"`
	Language string `yaml:"language"`
	Default  bool   `yaml:"default"`
	Body     string `yaml:"body"`

	tmpl *template.Template
}

// Parsed returns the compiled body. Only valid on templates from a loaded Catalog.
func (t *Template) Parsed() *template.Template {
	return t.tmpl
}

type Catalog struct {
	DefaultNeeds map[entity.NeedCategory]float64  `yaml:"default_needs"`
	Lexicon      map[entity.NeedCategory][]string `yaml:"lexicon"`
	NeedTraits   map[entity.NeedCategory]string   `yaml:"need_traits"`
	NeedVisuals  map[entity.NeedCategory][]string `yaml:"need_visuals"`
	StyleMoods   map[string]string                `yaml:"style_moods"`
	Archetypes   []Archetype                      `yaml:"archetypes"`
	Experiences  []Experience                     `yaml:"experiences"`
	Templates    []Template                       `yaml:"templates"`
	Presets      map[string][]string              `yaml:"presets"`
}

// Default returns the embedded catalog.
func Default() (*Catalog, error) {
	return Parse(defaultCatalog)
}

// Load reads a catalog file, or the embedded one when path is empty.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}
	if err := c.compile(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Catalog) compile() error {
	if len(c.Archetypes) == 0 {
		return fmt.Errorf("%w: no archetypes", ErrInvalidCatalog)
	}
	if len(c.Templates) == 0 {
		return fmt.Errorf("%w: no templates", ErrInvalidCatalog)
	}
	seen := map[string]bool{}
	for _, a := range c.Archetypes {
		if a.ID == "" || seen[a.ID] {
			return fmt.Errorf("%w: archetype id %q missing or duplicated", ErrInvalidCatalog, a.ID)
		}
		seen[a.ID] = true
		for need := range a.Weights {
			if !need.Valid() {
				return fmt.Errorf("%w: archetype %s weights unknown need %q", ErrInvalidCatalog, a.ID, need)
			}
		}
	}
	for i := range c.Templates {
		t := &c.Templates[i]
		if t.ID == "" || t.Language == "" {
			return fmt.Errorf("%w: template #%d needs id and language", ErrInvalidCatalog, i)
		}
		parsed, err := template.New(t.ID).Option("missingkey=error").Parse(t.Body)
		if err != nil {
			return fmt.Errorf("%w: template %s: %v", ErrInvalidCatalog, t.ID, err)
		}
		t.tmpl = parsed
	}
	return nil
}

func (c *Catalog) Archetype(id string) (Archetype, bool) {
	for _, a := range c.Archetypes {
		if a.ID == id {
			return a, true
		}
	}
	return Archetype{}, false
}

// Template returns the highest version of the template with the given id.
func (c *Catalog) Template(id string) (*Template, bool) {
	var best *Template
	for i := range c.Templates {
		t := &c.Templates[i]
		if t.ID == id && (best == nil || t.Version > best.Version) {
			best = t
		}
	}
	return best, best != nil
}

// Lookup prefers the highest version of id in lang and falls back to any language.
func (c *Catalog) Lookup(id, lang string) (*Template, bool) {
	var best *Template
	for i := range c.Templates {
		t := &c.Templates[i]
		if t.ID == id && t.Language == lang && (best == nil || t.Version > best.Version) {
			best = t
		}
	}
	if best != nil {
		return best, true
	}
	return c.Template(id)
}

// DefaultTemplate returns the default template for a language, or the highest
// version for it when none is flagged.
func (c *Catalog) DefaultTemplate(lang string) (*Template, bool) {
	var best *Template
	for i := range c.Templates {
		t := &c.Templates[i]
		if t.Language != lang {
			continue
		}
		if t.Default {
			return t, true
		}
		if best == nil || t.Version > best.Version {
			best = t
		}
	}
	return best, best != nil
}

// Languages lists the template languages, sorted.
func (c *Catalog) Languages() []string {
	set := map[string]bool{}
	for _, t := range c.Templates {
		set[t.Language] = true
	}
	out := make([]string, 0, len(set))
	for l := range set {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

// PresetPool returns the preset images for an archetype, falling back to the default pool.
func (c *Catalog) PresetPool(archetypeID string) []string {
	if pool := c.Presets[archetypeID]; len(pool) > 0 {
		return pool
	}
	return c.Presets[DefaultPresetPool]
}
