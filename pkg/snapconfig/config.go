// Configuration file and schedule definitions
package snapconfig

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/function61/gokit/fileexists"
	"github.com/function61/gokit/jsonfile"
	"github.com/function61/snapset/pkg/byteshuman"
	"github.com/function61/snapset/pkg/snapmanager"
	"github.com/function61/snapset/pkg/snapmon"
	"github.com/function61/snapset/pkg/snapplan"
	"github.com/function61/snapset/pkg/snapprovider"
	"github.com/samber/lo"
)

const (
	DefaultPath     = "/etc/snapset/config.json"
	DefaultStateDir = "/var/lib/snapset"
)

type Config struct {
	StateDir              string           `json:"state_dir"`
	BackendTimeout        Duration         `json:"backend_timeout"`
	HeadroomMarginPercent *float64         `json:"headroom_margin_percent"` // nil = default; 0 is valid
	Autoextend            AutoextendConfig `json:"autoextend"`
	// for node_exporter's textfile collector. empty = don't write metrics.
	MetricsTextfile string `json:"metrics_textfile"`
	// empty = <dir of config file>/schedules.yaml
	SchedulesFile string `json:"schedules_file"`
}

type AutoextendConfig struct {
	ThresholdPercent float64 `json:"threshold_percent"`
	IncrementPercent float64 `json:"increment_percent"`
	MaxSize          string  `json:"max_size"` // like "200G". empty = unlimited
}

func Default() *Config {
	conf := &Config{}
	conf.applyDefaults(DefaultPath)
	return conf
}

// Load reads config from path. a missing file is not an error: defaults are used.
func Load(path string) (*Config, error) {
	exists, err := fileexists.Exists(path)
	if err != nil {
		return nil, err
	}

	conf := &Config{}

	if exists {
		if err := jsonfile.Read(path, conf, true); err != nil {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
	}

	conf.applyDefaults(path)

	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}

	return conf, nil
}

func (c *Config) applyDefaults(path string) {
	if c.StateDir == "" {
		c.StateDir = DefaultStateDir
	}

	if c.BackendTimeout.Duration == 0 {
		c.BackendTimeout.Duration = snapprovider.DefaultCallTimeout
	}

	if c.HeadroomMarginPercent == nil {
		c.HeadroomMarginPercent = lo.ToPtr(snapplan.DefaultHeadroomMargin * 100)
	}

	if c.Autoextend.ThresholdPercent == 0 {
		c.Autoextend.ThresholdPercent = snapmon.DefaultThreshold * 100
	}

	if c.Autoextend.IncrementPercent == 0 {
		c.Autoextend.IncrementPercent = snapmon.DefaultIncrement * 100
	}

	if c.SchedulesFile == "" {
		c.SchedulesFile = filepath.Join(filepath.Dir(path), "schedules.yaml")
	}
}

func (c *Config) Validate() error {
	if !filepath.IsAbs(c.StateDir) {
		return fmt.Errorf("state_dir must be absolute; got '%s'", c.StateDir)
	}

	if c.BackendTimeout.Duration < time.Second {
		return fmt.Errorf("backend_timeout too short: %s", c.BackendTimeout.Duration)
	}

	if margin := *c.HeadroomMarginPercent; margin < 0 || margin > 100 {
		return fmt.Errorf("headroom_margin_percent out of range: %.1f", margin)
	}

	if c.Autoextend.ThresholdPercent <= 0 || c.Autoextend.ThresholdPercent >= 100 {
		return fmt.Errorf("autoextend.threshold_percent out of range: %.1f", c.Autoextend.ThresholdPercent)
	}

	if c.Autoextend.IncrementPercent <= 0 {
		return fmt.Errorf("autoextend.increment_percent must be positive: %.1f", c.Autoextend.IncrementPercent)
	}

	if _, err := c.autoextendMaxSize(); err != nil {
		return err
	}

	return nil
}

func (c *Config) ManagerConfig() (snapmanager.Config, error) {
	maxSize, err := c.autoextendMaxSize()
	if err != nil {
		return snapmanager.Config{}, err
	}

	return snapmanager.Config{
		StateDir:       c.StateDir,
		HeadroomMargin: *c.HeadroomMarginPercent / 100,
		Autoextend: snapmon.Config{
			Threshold: c.Autoextend.ThresholdPercent / 100,
			Increment: c.Autoextend.IncrementPercent / 100,
			MaxSize:   maxSize,
		},
	}, nil
}

// where the daemon keeps its scheduled job state
func (c *Config) JobStatePath() string {
	return filepath.Join(c.StateDir, "daemon.db")
}

func (c *Config) autoextendMaxSize() (uint64, error) {
	if c.Autoextend.MaxSize == "" {
		return 0, nil
	}

	maxSize, err := byteshuman.Parse(c.Autoextend.MaxSize)
	if err != nil {
		return 0, fmt.Errorf("autoextend.max_size: %w", err)
	}

	return maxSize, nil
}
