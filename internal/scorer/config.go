package scorer

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Weights holds the per-field completeness weights. A valid set sums to 100.
type Weights struct {
	RegistryID   int `yaml:"registry_id"`
	SizeClass    int `yaml:"size_class"`
	Revenue      int `yaml:"revenue"`
	Headcount    int `yaml:"headcount"`
	IndustryCode int `yaml:"industry_code"`
	Website      int `yaml:"website"`
}

// DefaultWeights returns the standard completeness weights.
func DefaultWeights() Weights {
	return Weights{
		RegistryID:   20,
		SizeClass:    20,
		Revenue:      20,
		Headcount:    15,
		IndustryCode: 15,
		Website:      10,
	}
}

// Sum returns the total of all component weights.
func (w Weights) Sum() int {
	return w.RegistryID + w.SizeClass + w.Revenue + w.Headcount + w.IndustryCode + w.Website
}

// Validate checks that the weight set is internally consistent.
func (w Weights) Validate() error {
	if w.RegistryID < 0 || w.SizeClass < 0 || w.Revenue < 0 ||
		w.Headcount < 0 || w.IndustryCode < 0 || w.Website < 0 {
		return eris.New("scorer: weights must be non-negative")
	}
	if w.Sum() != 100 {
		return eris.Errorf("scorer: weights sum to %d, want 100", w.Sum())
	}
	return nil
}

// LoadWeights reads a weights override file. An empty path returns defaults.
func LoadWeights(path string) (Weights, error) {
	if path == "" {
		return DefaultWeights(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Weights{}, eris.Wrapf(err, "scorer: read weights file %s", path)
	}
	w := DefaultWeights()
	if err := yaml.Unmarshal(data, &w); err != nil {
		return Weights{}, eris.Wrap(err, "scorer: parse weights file")
	}
	if err := w.Validate(); err != nil {
		return Weights{}, err
	}
	return w, nil
}
