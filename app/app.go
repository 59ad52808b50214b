// Package app locates and loads the configuration of the application that owns a transform pipeline.
package app

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	ConfigName = "app.yaml"
	EnvPrefix  = "PEERRUN_"

	DefaultTimeout = 5 * time.Second
)

var ErrNotFound = errors.New("no " + ConfigName + " found")

type RuleConfig struct {
	Pattern string `koanf:"pattern"`
	// Use holds transform descriptors, each a name or a {name, options} map.
	Use []any `koanf:"use"`
}

type WorkerConfig struct {
	Handshake   bool          `koanf:"handshake"`
	OpenTimeout time.Duration `koanf:"open_timeout"`
	JobTimeout  time.Duration `koanf:"job_timeout"`
}

type Config struct {
	Name       string       `koanf:"name"`
	Transforms []RuleConfig `koanf:"transforms"`
	Worker     WorkerConfig `koanf:"worker"`
}

// App is an application root directory and its loaded config.
type App struct {
	Name   string
	Dir    string
	Config Config
}

// Load reads <dir>/app.yaml if it exists and applies PEERRUN_ env overrides,
// e.g. PEERRUN_WORKER__JOB_TIMEOUT=2s.
func Load(dir string) (*App, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving app dir: %w", err)
	}

	k := koanf.New(".")
	path := filepath.Join(abs, ConfigName)
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	err = k.Load(env.Provider(EnvPrefix, "__", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("loading env overrides: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	applyDefaults(&cfg)

	name := cfg.Name
	if name == "" {
		name = filepath.Base(abs)
	}
	return &App{Name: name, Dir: abs, Config: cfg}, nil
}

func applyDefaults(c *Config) {
	if !c.Worker.Handshake {
		return
	}
	if c.Worker.OpenTimeout == 0 {
		c.Worker.OpenTimeout = DefaultTimeout
	}
	if c.Worker.JobTimeout == 0 {
		c.Worker.JobTimeout = DefaultTimeout
	}
}

// Find walks up from dir to the nearest directory containing app.yaml and loads it.
func Find(dir string) (*App, error) {
	path, err := findUp(ConfigName, dir)
	if err != nil {
		return nil, err
	}
	return Load(filepath.Dir(path))
}

func findUp(name, dir string) (string, error) {
	curDir, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	for {
		entries, err := os.ReadDir(curDir)
		if err != nil {
			return "", fmt.Errorf("reading %s: %w", curDir, err)
		}
		for _, e := range entries {
			if name == e.Name() {
				return filepath.Join(curDir, name), nil
			}
		}
		newDir := filepath.Dir(curDir)
		if newDir == curDir {
			return "", fmt.Errorf("%w above %s", ErrNotFound, dir)
		}
		curDir = newDir
	}
}
