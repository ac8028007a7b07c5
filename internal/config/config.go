// Package config loads the ember configuration file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/samcharles93/ember/internal/generate"
)

const (
	EnvCacheDir = "EMBER_CACHE_DIR"
	appName     = "ember"
)

// Config is the on-disk configuration. Empty strings and nil pointers mean
// "not set" so command-line flags and built-in defaults can fill them.
type Config struct {
	Repository    string `json:"repository" yaml:"repository" toml:"repository"`
	HubURL        string `json:"hub_url" yaml:"hub_url" toml:"hub_url"`
	Revision      string `json:"revision" yaml:"revision" toml:"revision"`
	HFToken       string `json:"hf_token" yaml:"hf_token" toml:"hf_token"`
	CacheDir      string `json:"cache_dir" yaml:"cache_dir" toml:"cache_dir"`
	DType         string `json:"dtype" yaml:"dtype" toml:"dtype"`
	ServerAddress string `json:"server_address" yaml:"server_address" toml:"server_address"`
	LogLevel      string `json:"log_level" yaml:"log_level" toml:"log_level"`
	LogFormat     string `json:"log_format" yaml:"log_format" toml:"log_format"`

	Generation Generation `json:"generation" yaml:"generation" toml:"generation"`
}

// Generation holds sampling defaults.
type Generation struct {
	Seed          *uint64  `json:"seed" yaml:"seed" toml:"seed"`
	Temperature   *float64 `json:"temperature" yaml:"temperature" toml:"temperature"`
	TopK          *int     `json:"top_k" yaml:"top_k" toml:"top_k"`
	TopP          *float64 `json:"top_p" yaml:"top_p" toml:"top_p"`
	SampleLen     *int     `json:"sample_len" yaml:"sample_len" toml:"sample_len"`
	RepeatPenalty *float64 `json:"repeat_penalty" yaml:"repeat_penalty" toml:"repeat_penalty"`
	RepeatLastN   *int     `json:"repeat_last_n" yaml:"repeat_last_n" toml:"repeat_last_n"`
	NoKVCache     *bool    `json:"no_kv_cache" yaml:"no_kv_cache" toml:"no_kv_cache"`
}

// Apply overlays the fields that are set onto base.
func (g Generation) Apply(base generate.Config) generate.Config {
	if g.Seed != nil {
		base.Seed = *g.Seed
	}
	if g.Temperature != nil {
		base.Temperature = *g.Temperature
	}
	if g.TopK != nil {
		base.TopK = *g.TopK
	}
	if g.TopP != nil {
		base.TopP = *g.TopP
	}
	if g.SampleLen != nil {
		base.SampleLen = *g.SampleLen
	}
	if g.RepeatPenalty != nil {
		base.RepeatPenalty = *g.RepeatPenalty
	}
	if g.RepeatLastN != nil {
		base.RepeatLastN = *g.RepeatLastN
	}
	if g.NoKVCache != nil {
		base.UseKVCache = !*g.NoKVCache
	}
	return base
}

// DefaultPath is <user config dir>/ember/config.yaml, or "" when the config
// directory is unknown.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, appName, "config.yaml")
}

// Load reads path, choosing the codec from its extension: .yaml, .yml, .toml
// or .json.
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, errors.New("empty config path")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	case ".toml":
		err = toml.Unmarshal(data, &cfg)
	case ".json":
		err = json.Unmarshal(data, &cfg)
	default:
		return cfg, fmt.Errorf("unsupported config extension: %q", ext)
	}
	if err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault loads path when it is set and must exist. With an empty path
// it tries DefaultPath and returns a zero Config if that file is missing.
func LoadOrDefault(path string) (Config, string, error) {
	if path != "" {
		cfg, err := Load(path)
		return cfg, path, err
	}
	path = DefaultPath()
	if path == "" {
		return Config{}, "", nil
	}
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Config{}, "", nil
	}
	return cfg, path, err
}

// ResolveCacheDir picks the asset cache directory: an explicit value, then
// $EMBER_CACHE_DIR, then the config file, then <user cache dir>/ember.
func ResolveCacheDir(flagValue string, cfg Config) (string, error) {
	for _, dir := range []string{flagValue, os.Getenv(EnvCacheDir), cfg.CacheDir} {
		if dir = strings.TrimSpace(dir); dir != "" {
			return expandHome(dir)
		}
	}
	base, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("resolve cache directory: %w", err)
	}
	return filepath.Join(base, appName), nil
}

func expandHome(p string) (string, error) {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("expand %s: %w", p, err)
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~")), nil
}
