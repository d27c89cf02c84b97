// Package config handles classlink.toml configuration of a VM context.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/daimatz/classlink/pkg/constraint"
	"github.com/daimatz/classlink/pkg/interp"
	"github.com/daimatz/classlink/pkg/loader"
	"github.com/daimatz/classlink/pkg/registry"
)

// FileName is the configuration file FindAndLoad looks for.
const FileName = "classlink.toml"

// Config is a classlink.toml file.
type Config struct {
	Boot        Boot        `toml:"boot"`
	App         App         `toml:"app"`
	Runtime     Runtime     `toml:"runtime"`
	Constraints Constraints `toml:"constraints"`
	Log         Log         `toml:"log"`

	// Dir is the directory relative paths are resolved against (set at load
	// time).
	Dir string `toml:"-"`
}

// Boot configures where the boot loader finds classes.
type Boot struct {
	Jmod      string   `toml:"jmod"`
	Classpath []string `toml:"classpath"`
}

// App configures the application loader.
type App struct {
	Classpath []string `toml:"classpath"`
}

// Runtime configures linking and execution.
type Runtime struct {
	Redefinition  bool `toml:"redefinition"`
	MaxFrameDepth int  `toml:"max-frame-depth"`
}

// Constraints tunes the loading-constraint tracker.
type Constraints struct {
	MinRecordCapacity int `toml:"min-record-capacity"`
	ShrinkDivisor     int `toml:"shrink-divisor"`
}

// Log configures the logging backend.
type Log struct {
	Verbosity int    `toml:"verbosity"`
	File      string `toml:"file"`
}

// Default returns the configuration used when no file is found.
func Default() *Config {
	c := &Config{Dir: "."}
	c.applyDefaults()
	return c
}

// Load parses the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	var c Config
	if err := toml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	c.Dir, err = filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", path, err)
	}
	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	c.applyDefaults()
	return &c, nil
}

// FindAndLoad walks up from startDir to find a classlink.toml file. It
// returns nil if there is none.
func FindAndLoad(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}
	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, nil
		}
		dir = parent
	}
}

func (c *Config) validate() error {
	switch {
	case c.Runtime.MaxFrameDepth < 0:
		return fmt.Errorf("runtime.max-frame-depth must not be negative, got %d", c.Runtime.MaxFrameDepth)
	case c.Constraints.MinRecordCapacity < 0:
		return fmt.Errorf("constraints.min-record-capacity must not be negative, got %d", c.Constraints.MinRecordCapacity)
	case c.Constraints.ShrinkDivisor == 1 || c.Constraints.ShrinkDivisor < 0:
		return fmt.Errorf("constraints.shrink-divisor must be at least 2, got %d", c.Constraints.ShrinkDivisor)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Boot.Jmod == "" && len(c.Boot.Classpath) == 0 {
		c.Boot.Jmod = FindJmod()
	}
	if len(c.App.Classpath) == 0 {
		c.App.Classpath = []string{"."}
	}
	if c.Runtime.MaxFrameDepth == 0 {
		c.Runtime.MaxFrameDepth = interp.DefaultMaxFrameDepth
	}
	if c.Constraints.MinRecordCapacity == 0 {
		c.Constraints.MinRecordCapacity = constraint.DefaultMinRecordCapacity
	}
	if c.Constraints.ShrinkDivisor == 0 {
		c.Constraints.ShrinkDivisor = constraint.DefaultShrinkDivisor
	}
}

// FindJmod locates java.base.jmod: $JAVA_BASE_JMOD, then $JAVA_HOME, then
// the usual Linux install locations. It returns "" when nothing is found.
func FindJmod() string {
	if env := os.Getenv("JAVA_BASE_JMOD"); env != "" {
		return env
	}
	if javaHome := os.Getenv("JAVA_HOME"); javaHome != "" {
		p := filepath.Join(javaHome, "jmods", "java.base.jmod")
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	matches, _ := filepath.Glob("/usr/lib/jvm/java-*-openjdk-*/jmods/java.base.jmod")
	if len(matches) > 0 {
		return matches[0]
	}
	return ""
}

// Path resolves p against the configuration directory.
func (c *Config) Path(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Dir, p)
}

// BootSource builds the boot loader's source: the jmod first, then the
// boot classpath.
func (c *Config) BootSource() loader.Source {
	var path loader.Path
	if c.Boot.Jmod != "" {
		path = append(path, loader.NewJmodSource(c.Path(c.Boot.Jmod)))
	}
	for _, d := range c.Boot.Classpath {
		path = append(path, loader.NewDirSource(c.Path(d)))
	}
	return path
}

// AppSource builds the application loader's source.
func (c *Config) AppSource() loader.Source {
	var path loader.Path
	for _, d := range c.App.Classpath {
		path = append(path, loader.NewDirSource(c.Path(d)))
	}
	return path
}

// HubOptions converts the configuration to registry options.
func (c *Config) HubOptions() []registry.Option {
	return []registry.Option{
		registry.WithBootSource(c.BootSource()),
		registry.WithRedefinition(c.Runtime.Redefinition),
		registry.WithConstraintOptions(
			constraint.MinRecordCapacity(c.Constraints.MinRecordCapacity),
			constraint.ShrinkDivisor(c.Constraints.ShrinkDivisor)),
	}
}

// EngineOptions converts the configuration to interpreter options.
func (c *Config) EngineOptions() []interp.Option {
	return []interp.Option{interp.WithMaxFrameDepth(c.Runtime.MaxFrameDepth)}
}

// LogFile returns the configured log file, or nil for stderr.
func (c *Config) LogFile() *string {
	if c.Log.File == "" {
		return nil
	}
	p := c.Path(c.Log.File)
	return &p
}
