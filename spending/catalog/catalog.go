// Package catalog holds the seed list of councils known to publish payment
// disclosures, with their data endpoints and transparency pages.
//
// The built-in list is embedded YAML; deployments can replace it with their
// own file via Load.
package catalog

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/spendwatch/spending/internal/discover"
)

//go:embed councils.yaml
var seedYAML []byte

// SourceDef is one data endpoint of a seeded council.
type SourceDef struct {
	URL    string            `yaml:"url"`
	Format string            `yaml:"format"`
	Hints  map[string]string `yaml:"hints,omitempty"`
}

// CouncilDef describes a council to seed.
type CouncilDef struct {
	Name    string      `yaml:"name"`
	Region  string      `yaml:"region"`
	Sources []SourceDef `yaml:"sources"`
	// Directory is a transparency page listing the council's data files.
	Directory string `yaml:"directory,omitempty"`
}

// Catalog is a set of council definitions.
type Catalog struct {
	Councils []CouncilDef `yaml:"councils"`
}

// SourceInput matches the spending.Source fields needed for registration.
type SourceInput struct {
	CouncilID string
	Endpoint  string
	Format    string
	HintsJSON string
}

// Default returns the embedded seed catalog.
func Default() (*Catalog, error) {
	return Parse(seedYAML)
}

// Load reads a catalog from a YAML file.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	return Parse(data)
}

// Parse decodes and checks a YAML catalog.
func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("catalog: parse: %w", err)
	}
	seen := make(map[string]bool, len(c.Councils))
	for i, def := range c.Councils {
		name := strings.TrimSpace(def.Name)
		if name == "" {
			return nil, fmt.Errorf("catalog: council %d has no name", i)
		}
		if seen[strings.ToLower(name)] {
			return nil, fmt.Errorf("catalog: duplicate council %q", name)
		}
		seen[strings.ToLower(name)] = true
		c.Councils[i].Name = name
		for _, s := range def.Sources {
			if s.URL == "" {
				return nil, fmt.Errorf("catalog: %s: source without url", name)
			}
		}
	}
	return &c, nil
}

// Names returns the council names in catalog order.
func (c *Catalog) Names() []string {
	out := make([]string, len(c.Councils))
	for i, def := range c.Councils {
		out[i] = def.Name
	}
	return out
}

// Populate registers every council that lists at least one source, then its
// sources. Councils known only through a directory page are left to
// discovery. Registration errors are collected and do not stop the walk.
// Returns the number of sources registered.
func (c *Catalog) Populate(ctx context.Context,
	addCouncil func(ctx context.Context, name, region string) (string, error),
	addSource func(ctx context.Context, s *SourceInput) error) (int, error) {

	var count int
	var errs []error
	for _, def := range c.Councils {
		if len(def.Sources) == 0 {
			continue
		}
		id, err := addCouncil(ctx, def.Name, def.Region)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", def.Name, err))
			continue
		}
		for _, s := range def.Sources {
			hints := "{}"
			if len(s.Hints) > 0 {
				b, err := json.Marshal(s.Hints)
				if err != nil {
					errs = append(errs, fmt.Errorf("%s: hints: %w", def.Name, err))
					continue
				}
				hints = string(b)
			}
			in := &SourceInput{
				CouncilID: id,
				Endpoint:  s.URL,
				Format:    strings.ToLower(s.Format),
				HintsJSON: hints,
			}
			if err := addSource(ctx, in); err != nil {
				errs = append(errs, fmt.Errorf("%s: %s: %w", def.Name, s.URL, err))
				continue
			}
			count++
		}
	}
	return count, errors.Join(errs...)
}

// Directories returns a discovery catalog for each council transparency page.
func (c *Catalog) Directories(client discover.Client) []discover.Catalog {
	var out []discover.Catalog
	for _, def := range c.Councils {
		if def.Directory == "" {
			continue
		}
		out = append(out, &discover.DirectoryCatalog{
			Client:    client,
			Publisher: def.Name,
			Region:    def.Region,
			PageURL:   def.Directory,
		})
	}
	return out
}
