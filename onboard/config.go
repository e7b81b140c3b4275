package onboard

import (
	"fmt"
	"os"
	"time"

	"github.com/Masterminds/semver"
	"gopkg.in/yaml.v2"

	"github.com/CodedInternet/servobus/onboard/servo"
)

const (
	DRIVER_SOCKETCAN = "socketcan"
	DRIVER_SIM       = "sim"
)

type ServobusConfig struct {
	Version          int
	Firmware         string               `yaml:"firmware,omitempty"`
	HeartbeatTimeout time.Duration        `yaml:"heartbeat_timeout,omitempty"`
	EmcyDepth        int                  `yaml:"emcy_depth,omitempty"`
	Limits           servo.Limits         `yaml:"limits"`
	Buses            map[string]BusConfig `yaml:"buses"`
}

type BusConfig struct {
	Driver string `yaml:"driver"`
	// interface name when it differs from the bus name
	Interface string             `yaml:"interface,omitempty"`
	Devices   []int              `yaml:"devices,flow"`
	Cache     map[int]ParamList  `yaml:"cache,omitempty"`
	Sim       *SimulationProfile `yaml:"sim,omitempty"`
}

// SimulationProfile tunes the simulated servos of a sim bus.
type SimulationProfile struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval,omitempty"`
	MaxVelocity       float32       `yaml:"max_velocity,omitempty"`
	SoftwareVersion   string        `yaml:"software_version,omitempty"`
}

// ParamList is written as parameter names.
type ParamList []servo.Param

func (pl ParamList) MarshalYAML() (interface{}, error) {
	names := make([]string, len(pl))
	for i, p := range pl {
		names[i] = p.String()
	}
	return names, nil
}

func (pl *ParamList) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var names []string
	if err := unmarshal(&names); err != nil {
		return err
	}
	out := make(ParamList, len(names))
	for i, name := range names {
		p, err := servo.ParseParam(name)
		if err != nil {
			return err
		}
		out[i] = p
	}
	*pl = out
	return nil
}

func (b BusConfig) InterfaceName(name string) string {
	if b.Interface != "" {
		return b.Interface
	}
	return name
}

func LoadConfig(path string) (config *ServobusConfig, err error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read config: %w", err)
	}

	config = new(ServobusConfig)
	if err = yaml.Unmarshal(raw, config); err != nil {
		return nil, fmt.Errorf("unable to parse config: %w", err)
	}
	if err = config.Validate(); err != nil {
		return nil, err
	}
	return
}

// Validate checks the config and fills in defaults.
func (c *ServobusConfig) Validate() error {
	if c.Version != 1 {
		return fmt.Errorf("unable to work with version %d", c.Version)
	}
	if c.Firmware != "" {
		if _, err := semver.NewConstraint(c.Firmware); err != nil {
			return fmt.Errorf("firmware: %w", err)
		}
	}
	if c.Limits == (servo.Limits{}) {
		c.Limits = servo.DefaultLimits
	}
	if c.Limits.MaxVelocity <= 0 || c.Limits.MaxAcceleration <= 0 {
		return fmt.Errorf("limits must be positive")
	}

	for name, bus := range c.Buses {
		switch bus.Driver {
		case DRIVER_SOCKETCAN, DRIVER_SIM:
		default:
			return fmt.Errorf("bus %s: unknown driver '%s'", name, bus.Driver)
		}

		seen := make(map[int]bool, len(bus.Devices))
		for _, addr := range bus.Devices {
			if addr < 1 || addr > 127 {
				return fmt.Errorf("bus %s: device address %d out of range", name, addr)
			}
			if seen[addr] {
				return fmt.Errorf("bus %s: device %d listed twice", name, addr)
			}
			seen[addr] = true
		}

		for addr, params := range bus.Cache {
			if !seen[addr] {
				return fmt.Errorf("bus %s: cache profile for unknown device %d", name, addr)
			}
			if len(params) > servo.CACHE_CAPACITY {
				return fmt.Errorf("bus %s: device %d caches %d parameters, at most %d", name, addr, len(params), servo.CACHE_CAPACITY)
			}
		}
	}
	return nil
}
