package harvest

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Selectors are the CSS selectors used to read the chart. The chart's class
// names are generated by Steam's build and change without notice.
type Selectors struct {
	Row            string `yaml:"row"`
	Link           string `yaml:"link"`
	Name           string `yaml:"name"`
	CurrentPlayers string `yaml:"current_players"`
	PeakToday      string `yaml:"peak_today"`
}

// DefaultSelectors returns the selectors matching the current chart markup.
func DefaultSelectors() Selectors {
	return Selectors{
		Row:            "._2-RN6nWOY56sNmcDHu069P",
		Link:           "._2C5PJOUH6RqyuBNEwaCE9X",
		Name:           "._1n_4-zvf0n4aqGEksbgW9N",
		CurrentPlayers: "._3L0CDDIUaOKTGfqdpqmjcy",
		PeakToday:      ".yJB7DYKsuTG2AYhJdWTIk",
	}
}

// LoadSelectors reads selector overrides from a YAML file. Keys absent from
// the file keep their defaults. An empty path returns the defaults.
func LoadSelectors(path string) (Selectors, error) {
	sel := DefaultSelectors()
	if path == "" {
		return sel, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Selectors{}, eris.Wrapf(err, "harvest: read selectors %s", path)
	}
	if err := yaml.Unmarshal(data, &sel); err != nil {
		return Selectors{}, eris.Wrapf(err, "harvest: parse selectors %s", path)
	}
	if err := sel.Validate(); err != nil {
		return Selectors{}, eris.Wrapf(err, "harvest: selectors %s", path)
	}
	return sel, nil
}

// Validate checks that every selector is set.
func (s Selectors) Validate() error {
	fields := []struct {
		name, value string
	}{
		{"row", s.Row},
		{"link", s.Link},
		{"name", s.Name},
		{"current_players", s.CurrentPlayers},
		{"peak_today", s.PeakToday},
	}
	for _, f := range fields {
		if f.value == "" {
			return eris.Errorf("selector %q is empty", f.name)
		}
	}
	return nil
}
