package source

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Seed is one brand the sync job tracks.
type Seed struct {
	Name    string `yaml:"name"`
	Keyword string `yaml:"keyword"` // search term, also the brand's stable key
	Sector  string `yaml:"sector"`
	Tribe   string `yaml:"tribe"`
}

type seedFile struct {
	Brands []Seed `yaml:"brands"`
}

// LoadSeeds reads the brand list from a YAML file.
//
// Seeds are keyed by keyword; a later entry with the same keyword replaces
// an earlier one. A missing file or an empty list is a configuration error.
func LoadSeeds(path string) ([]Seed, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: seed file is not set", ErrConfiguration)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read seeds %s: %v", ErrConfiguration, path, err)
	}

	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: parse seeds %s: %v", ErrConfiguration, path, err)
	}

	index := make(map[string]int)
	var seeds []Seed
	for i, s := range f.Brands {
		s.Keyword = strings.TrimSpace(s.Keyword)
		s.Name = strings.TrimSpace(s.Name)
		if s.Keyword == "" {
			return nil, fmt.Errorf("%w: seed %d in %s has no keyword", ErrConfiguration, i+1, path)
		}
		if s.Name == "" {
			s.Name = s.Keyword
		}
		if at, ok := index[s.Keyword]; ok {
			seeds[at] = s
			continue
		}
		index[s.Keyword] = len(seeds)
		seeds = append(seeds, s)
	}

	if len(seeds) == 0 {
		return nil, fmt.Errorf("%w: no brands in %s", ErrConfiguration, path)
	}
	return seeds, nil
}

// Keywords returns the keywords of seeds in order.
func Keywords(seeds []Seed) []string {
	out := make([]string, len(seeds))
	for i, s := range seeds {
		out[i] = s.Keyword
	}
	return out
}
