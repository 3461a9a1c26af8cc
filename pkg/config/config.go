package config

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"path"

	"gopkg.in/yaml.v2"

	"github.com/go-delve/framelock/pkg/foreign"
	"github.com/go-delve/framelock/pkg/hook"
	"github.com/go-delve/framelock/pkg/tls"
)

const (
	configDir  string = ".framelock"
	configFile string = "config.yml"

	// configEnv overrides the path of the configuration file.
	configEnv = "FRAMELOCK_CONFIG"

	// DefaultListen is the address the agent listens on when none is
	// configured.
	DefaultListen = "127.0.0.1:14732"
)

// Hook actions.
const (
	// ActionTick marks the function called once per frame. Each call waits
	// for the controller to release the frame.
	ActionTick = "tick"
	// ActionOverride replaces the function with a return value chosen by
	// the controller.
	ActionOverride = "override"
	// ActionTrace counts and logs calls.
	ActionTrace = "trace"
)

// HookConfig describes one function to intercept.
type HookConfig struct {
	// Symbol is the name of the function in the symbol table of the image.
	Symbol string `yaml:"symbol"`
	// Policy is one of replace, before or after.
	Policy string `yaml:"policy"`
	// Action is one of tick, override or trace.
	Action string `yaml:"action"`
	// If Required is true failing to install this hook aborts start-up.
	Required bool `yaml:"required"`
	// RootArg is the index of the integer argument holding the root object
	// of tick hooks.
	RootArg int `yaml:"root-arg"`
	// DefaultReturn is returned by override hooks when the controller did
	// not choose a value.
	DefaultReturn uint64 `yaml:"default-return"`
}

// FieldConfig describes one field of a foreign type.
type FieldConfig struct {
	Name   string `yaml:"name"`
	Offset uint64 `yaml:"offset"`
	Kind   string `yaml:"kind"`
	Elem   string `yaml:"elem,omitempty"`
	Len    int    `yaml:"len,omitempty"`
	Layout string `yaml:"layout,omitempty"`
}

// LayoutConfig describes the memory layout of a foreign type.
type LayoutConfig struct {
	Name   string        `yaml:"name"`
	Size   uint64        `yaml:"size"`
	Fields []FieldConfig `yaml:"fields"`
}

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// Listen is the TCP address controllers connect to.
	Listen string `yaml:"listen"`
	// TLS secures the controller connection when a certificate is
	// configured.
	TLS tls.Files `yaml:"tls"`
	// AllowOtherUsers disables the check that controllers connecting
	// through a loopback address run as the same user as the game.
	AllowOtherUsers bool `yaml:"allow-other-users"`
	// InitialFrames is the number of frames the instrumented thread may
	// run before the controller releases the first one.
	InitialFrames int `yaml:"initial-frames"`

	// Image is the path of the image the hook symbols are resolved in.
	// The executable of the process is used if it is empty.
	Image string `yaml:"image,omitempty"`
	// Hooks lists the functions to intercept.
	Hooks []HookConfig `yaml:"hooks"`

	// RootLayout is the layout of the root object passed to tick hooks.
	RootLayout string `yaml:"root-layout"`
	// Watch lists the paths, relative to the root object, copied to the
	// controller every frame.
	Watch []string `yaml:"watch"`
	// Layouts describes the foreign types.
	Layouts []LayoutConfig `yaml:"layouts"`

	// ScriptDir is the initial working directory of controller scripts.
	ScriptDir string `yaml:"script-dir"`

	// Log enables logging, LogOutput selects the layers and LogDest the
	// file or file descriptor written to.
	Log       bool   `yaml:"log"`
	LogOutput string `yaml:"log-output"`
	LogDest   string `yaml:"log-dest"`
}

// LoadConfig attempts to populate a Config object from the config.yml
// file, creating a default one if none exists.
func LoadConfig() (*Config, error) {
	fullConfigFile := os.Getenv(configEnv)
	if fullConfigFile == "" {
		if err := createConfigPath(); err != nil {
			return nil, fmt.Errorf("could not create config directory: %v", err)
		}
		var err error
		fullConfigFile, err = GetConfigFilePath(configFile)
		if err != nil {
			return nil, fmt.Errorf("unable to get config file path: %v", err)
		}
		if _, err := os.Stat(fullConfigFile); errors.Is(err, os.ErrNotExist) {
			if err := createDefaultConfig(fullConfigFile); err != nil {
				return nil, fmt.Errorf("error creating default config file: %v", err)
			}
		}
	}
	return Load(fullConfigFile)
}

// Load reads the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read config data: %v", err)
	}
	return Parse(data)
}

// Parse decodes and validates a configuration.
func Parse(data []byte) (*Config, error) {
	var c Config
	if err := yaml.UnmarshalStrict(data, &c); err != nil {
		return nil, fmt.Errorf("unable to decode config file: %v", err)
	}
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) validate() error {
	if c.TLS.Enabled() && (c.TLS.Cert == "" || c.TLS.Key == "") {
		return fmt.Errorf("tls requires both cert and key")
	}
	if c.InitialFrames < 0 {
		return fmt.Errorf("initial-frames must not be negative")
	}
	ticks := 0
	seen := map[string]bool{}
	for i, h := range c.Hooks {
		if h.Symbol == "" {
			return fmt.Errorf("hook %d: missing symbol", i)
		}
		if seen[h.Symbol] {
			return fmt.Errorf("hook %s: configured twice", h.Symbol)
		}
		seen[h.Symbol] = true
		policy, err := hook.ParsePolicy(h.Policy)
		if err != nil {
			return fmt.Errorf("hook %s: %v", h.Symbol, err)
		}
		switch h.Action {
		case ActionTick:
			ticks++
			if h.RootArg < 0 || h.RootArg > 5 {
				return fmt.Errorf("hook %s: root-arg must be between 0 and 5", h.Symbol)
			}
		case ActionOverride:
			if policy != hook.Replace {
				return fmt.Errorf("hook %s: override hooks must use the replace policy", h.Symbol)
			}
		case ActionTrace:
		default:
			return fmt.Errorf("hook %s: unknown action %q", h.Symbol, h.Action)
		}
	}
	if ticks > 1 {
		return fmt.Errorf("at most one tick hook can be configured")
	}
	if ticks == 1 && c.RootLayout == "" {
		return fmt.Errorf("tick hook configured without root-layout")
	}
	return nil
}

// LayoutSpecs converts the layouts section to foreign layout specs.
func (c *Config) LayoutSpecs() []foreign.LayoutSpec {
	specs := make([]foreign.LayoutSpec, 0, len(c.Layouts))
	for _, l := range c.Layouts {
		spec := foreign.LayoutSpec{Name: l.Name, Size: uintptr(l.Size)}
		for _, f := range l.Fields {
			spec.Fields = append(spec.Fields, foreign.FieldSpec{
				Name:   f.Name,
				Offset: uintptr(f.Offset),
				Kind:   f.Kind,
				Elem:   f.Elem,
				Len:    f.Len,
				Layout: f.Layout,
			})
		}
		specs = append(specs, spec)
	}
	return specs
}

func createDefaultConfig(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("unable to create config file: %v", err)
	}
	defer f.Close()
	if err := writeDefaultConfig(f); err != nil {
		return fmt.Errorf("unable to write default configuration: %v", err)
	}
	return nil
}

func writeDefaultConfig(f *os.File) error {
	_, err := f.WriteString(
		`# Configuration file for the framelock agent.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Address controllers connect to.
listen: "127.0.0.1:14732"

# Accept loopback connections from any local user.
# allow-other-users: true

# Serve controllers over TLS. With ca set, controllers must present a
# certificate signed by it.
# tls:
#   cert: /path/to/agent.crt
#   key: /path/to/agent.key
#   ca: /path/to/ca.crt

# Frames the game may run before the controller releases the first one.
initial-frames: 0

# Functions to intercept. action is one of tick, override or trace; policy
# is one of replace, before or after.
hooks:
  # - {symbol: "Game::tick(World*)", policy: before, action: tick, root-arg: 1, required: true}
  # - {symbol: "rng_next", policy: replace, action: override, default-return: 4}
  # - {symbol: "Player::jump()", policy: after, action: trace}

# Layout of the object passed to the tick hook and the fields sent to the
# controller every frame.
# root-layout: World
watch:
  # - player.hp
  # - player.pos[0]

# Memory layout of the game types. Kinds: bool, int8..int64, uint8..uint64,
# uintptr, float32, float64, array (with elem and len), ptr and struct (with layout).
layouts:
  # - name: World
  #   size: 64
  #   fields:
  #     - {name: frame, offset: 0, kind: uint64}
  #     - {name: player, offset: 8, kind: ptr, layout: Player}

# Initial working directory of controller scripts.
# script-dir: ~/framelock-scripts

# Logging: layers are hook, symbols, engine, session and script.
# log: true
# log-output: engine,session
# log-dest: /tmp/framelock.log
`)
	return err
}

// createConfigPath creates the directory structure at which all config files are saved.
func createConfigPath() error {
	path, err := GetConfigFilePath("")
	if err != nil {
		return err
	}
	return os.MkdirAll(path, 0700)
}

// GetConfigFilePath gets the full path to the given config file name.
func GetConfigFilePath(file string) (string, error) {
	userHomeDir := "."
	usr, err := user.Current()
	if err == nil {
		userHomeDir = usr.HomeDir
	}
	return path.Join(userHomeDir, configDir, file), nil
}
