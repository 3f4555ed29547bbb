// Package vmconfig loads the YAML description of a machine's topology and
// storage attachments: vCPU/LAPIC count and the drives to attach to each
// IDE channel slot.
package vmconfig

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DriveConfig describes one IDE drive slot.
type DriveConfig struct {
	Type  string `yaml:"type"` // "disk" or "cdrom"
	Image string `yaml:"image"`
	Model string `yaml:"model"`
}

// ChannelConfig describes one IDE channel's master/slave slots.
type ChannelConfig struct {
	Master *DriveConfig `yaml:"master"`
	Slave  *DriveConfig `yaml:"slave"`
}

// LAPICTopologyConfig describes the per-vCPU LAPIC set to build.
type LAPICTopologyConfig struct {
	VCPUCount int `yaml:"vcpu_count"`
}

// Config is the top-level machine description.
type Config struct {
	LAPIC   LAPICTopologyConfig `yaml:"lapic"`
	Primary ChannelConfig       `yaml:"primary_ide"`
	Secondary ChannelConfig     `yaml:"secondary_ide"`
}

// Load parses path as a machine configuration.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("vmconfig: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("vmconfig: parse %s: %w", path, err)
	}
	if cfg.LAPIC.VCPUCount <= 0 {
		cfg.LAPIC.VCPUCount = 1
	}
	return &cfg, nil
}

// Validate checks a drive config names a supported drive type.
func (d DriveConfig) Validate() error {
	switch d.Type {
	case "disk", "cdrom":
		return nil
	default:
		return fmt.Errorf("vmconfig: unsupported drive type %q", d.Type)
	}
}
