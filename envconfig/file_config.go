package envconfig

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
)

// Config represents the TOML configuration structure
type Config struct {
	Server struct {
		Host    string   `toml:"host"`
		Origins []string `toml:"origins"`
	} `toml:"server"`

	Tokenizers struct {
		Path  string `toml:"path"`
		Rules string `toml:"rules"`
	} `toml:"tokenizers"`

	Generation struct {
		MaxLength  int `toml:"max_length"`
		Whitespace int `toml:"whitespace"`
		CacheSize  int `toml:"cache_size"`
	} `toml:"generation"`

	Logging struct {
		Debug int `toml:"debug"`
	} `toml:"logging"`
}

var (
	configOnce sync.Once
	config     *Config
	configPath string
)

// GetConfigPaths returns the list of possible config file paths for the current OS
func GetConfigPaths() []string {
	if p := os.Getenv("STRUCTURED_CONFIG"); p != "" {
		return []string{p}
	}

	var paths []string
	switch runtime.GOOS {
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			paths = append(paths, filepath.Join(appData, "structured", "config.toml"))
		}
	default:
		if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
			paths = append(paths, filepath.Join(xdgConfig, "structured", "config.toml"))
		}
	}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths,
			filepath.Join(home, ".config", "structured", "config.toml"),
			filepath.Join(home, ".structured", "config.toml"),
		)
	}

	return paths
}

// loadConfig loads the first available configuration file
func loadConfig() (*Config, string, error) {
	for _, path := range GetConfigPaths() {
		if _, err := os.Stat(path); err == nil {
			var cfg Config
			if _, err := toml.DecodeFile(path, &cfg); err != nil {
				return nil, "", fmt.Errorf("error parsing config file %s: %w", path, err)
			}
			return &cfg, path, nil
		}
	}
	return nil, "", nil
}

// GetConfigValue returns the value for a given environment variable key from the config file
func GetConfigValue(key string) string {
	configOnce.Do(func() {
		var err error
		config, configPath, err = loadConfig()
		if err != nil {
			slog.Warn("failed to load config file", "error", err)
		} else if config != nil {
			slog.Debug("loaded config file", "path", configPath)
		}
	})

	if config == nil {
		return ""
	}

	switch key {
	case "STRUCTURED_HOST":
		return config.Server.Host
	case "STRUCTURED_ORIGINS":
		return strings.Join(config.Server.Origins, ",")
	case "STRUCTURED_MODELS":
		return config.Tokenizers.Path
	case "STRUCTURED_TOKENIZER_RULES":
		return config.Tokenizers.Rules
	case "STRUCTURED_MAX_LENGTH":
		return nonzero(config.Generation.MaxLength)
	case "STRUCTURED_WHITESPACE":
		return nonzero(config.Generation.Whitespace)
	case "STRUCTURED_CACHE_SIZE":
		return nonzero(config.Generation.CacheSize)
	case "STRUCTURED_DEBUG":
		return nonzero(config.Logging.Debug)
	}

	return ""
}

func nonzero(n int) string {
	if n > 0 {
		return fmt.Sprintf("%d", n)
	}
	return ""
}

// resetConfigFile forces the next lookup to read the config file again.
func resetConfigFile() {
	configOnce = sync.Once{}
	config = nil
	configPath = ""
}
