// Package config holds the typed configuration surface for the odometry
// pipeline and a YAML loader for it.
package config

import (
	"os"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config is the top-level pipeline configuration.
type Config struct {
	Datasets Datasets `yaml:"datasets"`
	// Channels is the channel-selection mask applied to projected range
	// images. Empty means all channels.
	Channels []int `yaml:"channels"`
	// Networks maps a feature-net variant name to its attributes, decoded
	// per-variant by the nets package.
	Networks map[string]AttributeMap `yaml:"networks"`
}

// Datasets enumerates the configured dataset sources.
type Datasets struct {
	Kitti DatasetConfig `yaml:"kitti"`
}

// DriveGroup is one date with its recorded drives. Splits are ordered lists
// of groups, not maps: drive registration order defines the global index
// bins, so configuration order must be preserved.
type DriveGroup struct {
	Date   string   `yaml:"date"`
	Drives []string `yaml:"drives"`
}

// DatasetConfig configures one on-disk dataset root and its splits.
type DatasetConfig struct {
	RootPath     string                  `yaml:"root-path"`
	ImageWidth   int                     `yaml:"image-width"`
	ImageHeight  int                     `yaml:"image-height"`
	FovUp        float64                 `yaml:"fov-up"`
	FovDown      float64                 `yaml:"fov-down"`
	SequenceSize int                     `yaml:"sequence-size"`
	Splits       map[string][]DriveGroup `yaml:"splits"`
}

// Validate checks the dataset configuration.
func (c *DatasetConfig) Validate() error {
	if c.RootPath == "" {
		return errors.New("root-path is required")
	}
	if c.ImageWidth <= 0 || c.ImageHeight <= 0 {
		return errors.Errorf("image size %dx%d must be positive", c.ImageWidth, c.ImageHeight)
	}
	if c.FovUp <= c.FovDown {
		return errors.Errorf("fov-up (%f) must be greater than fov-down (%f)", c.FovUp, c.FovDown)
	}
	if c.SequenceSize < 2 {
		return errors.Errorf("sequence-size must be at least 2, got %d", c.SequenceSize)
	}
	if len(c.Splits) == 0 {
		return errors.New("at least one split is required")
	}
	for name, groups := range c.Splits {
		if len(groups) == 0 {
			return errors.Errorf("split %q lists no drives", name)
		}
		for _, g := range groups {
			if g.Date == "" {
				return errors.Errorf("split %q has a drive group without a date", name)
			}
			if len(g.Drives) == 0 {
				return errors.Errorf("split %q date %q lists no drives", name, g.Date)
			}
		}
	}
	return nil
}

// Split returns the ordered drive groups of the named split.
func (c *DatasetConfig) Split(name string) ([]DriveGroup, error) {
	groups, ok := c.Splits[name]
	if !ok {
		return nil, errors.Errorf("no split named %q", name)
	}
	return groups, nil
}

// AttributeMap is a loosely typed bag of per-component attributes, decoded
// into a concrete config struct by its consumer.
type AttributeMap map[string]interface{}

// Decode decodes the attribute map into out, which must be a pointer to a
// struct with mapstructure tags. Unknown keys are an error so typos in config
// files surface immediately.
func (am AttributeMap) Decode(out interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:      out,
		ErrorUnused: true,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(map[string]interface{}(am)); err != nil {
		return errors.Wrap(err, "cannot decode attributes")
	}
	return nil
}

// Load reads and validates a YAML configuration file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot read config %q", path)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, errors.Wrapf(err, "cannot parse config %q", path)
	}
	if err := cfg.Datasets.Kitti.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid config %q", path)
	}
	return &cfg, nil
}
