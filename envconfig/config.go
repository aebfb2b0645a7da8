package envconfig

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ollama/structured/logutil"
)

var ErrInvalidHostPort = errors.New("invalid port specified in STRUCTURED_HOST")

var (
	// Set via STRUCTURED_HOST in the environment
	Host string
	// Set via STRUCTURED_ORIGINS in the environment
	AllowOrigins []string
	// Set via STRUCTURED_DEBUG in the environment
	Debug int
	// Set via STRUCTURED_MODELS in the environment
	Models string
	// Set via STRUCTURED_TOKENIZER_RULES in the environment
	TokenizerRules string
	// Set via STRUCTURED_CACHE_SIZE in the environment
	CacheSize int
	// Set via STRUCTURED_MAX_LENGTH in the environment
	MaxLength int
	// Set via STRUCTURED_WHITESPACE in the environment
	Whitespace int
)

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"STRUCTURED_DEBUG":           {"STRUCTURED_DEBUG", Debug, "Show additional debug information (1 = debug, 2 = trace)"},
		"STRUCTURED_HOST":            {"STRUCTURED_HOST", Host, "IP Address for the server (default 127.0.0.1:11500)"},
		"STRUCTURED_ORIGINS":         {"STRUCTURED_ORIGINS", AllowOrigins, "A comma separated list of allowed origins"},
		"STRUCTURED_MODELS":          {"STRUCTURED_MODELS", Models, "The path to the tokenizer directory"},
		"STRUCTURED_TOKENIZER_RULES": {"STRUCTURED_TOKENIZER_RULES", TokenizerRules, "YAML file replacing the built-in tokenizer rules"},
		"STRUCTURED_CACHE_SIZE":      {"STRUCTURED_CACHE_SIZE", CacheSize, "Maximum number of compiled constraints kept in memory (default 64)"},
		"STRUCTURED_MAX_LENGTH":      {"STRUCTURED_MAX_LENGTH", MaxLength, "Default generation step budget (default 512)"},
		"STRUCTURED_WHITESPACE":      {"STRUCTURED_WHITESPACE", Whitespace, "Whitespace bytes allowed at each structural point (default 1)"},
	}
}

// LogLevel maps Debug to a slog level.
func LogLevel() slog.Level {
	return logutil.Level(Debug)
}

var defaultAllowOrigins = []string{
	"localhost",
	"127.0.0.1",
	"0.0.0.0",
}

func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}

// Clean quotes and spaces from the value. The environment wins over the
// config file.
func clean(key string) string {
	if v, ok := os.LookupEnv(key); ok {
		return strings.Trim(v, "\"' ")
	}
	return strings.Trim(GetConfigValue(key), "\"' ")
}

func init() {
	LoadConfig()
}

func LoadConfig() {
	Debug = 0
	if debug := clean("STRUCTURED_DEBUG"); debug != "" {
		if d, err := strconv.Atoi(debug); err == nil {
			Debug = d
		} else if b, err := strconv.ParseBool(debug); err == nil {
			if b {
				Debug = 1
			}
		} else {
			Debug = 1
		}
	}

	h, err := hostport(clean("STRUCTURED_HOST"))
	if err != nil {
		slog.Error("invalid setting, using default", "STRUCTURED_HOST", clean("STRUCTURED_HOST"), "error", err)
		h = "127.0.0.1:11500"
	}
	Host = h

	AllowOrigins = nil
	if origins := clean("STRUCTURED_ORIGINS"); origins != "" {
		AllowOrigins = strings.Split(origins, ",")
	}
	for _, allowOrigin := range defaultAllowOrigins {
		AllowOrigins = append(AllowOrigins,
			fmt.Sprintf("http://%s", allowOrigin),
			fmt.Sprintf("https://%s", allowOrigin),
			fmt.Sprintf("http://%s:*", allowOrigin),
			fmt.Sprintf("https://%s:*", allowOrigin),
		)
	}

	Models = clean("STRUCTURED_MODELS")
	if Models == "" {
		if home, err := os.UserHomeDir(); err == nil {
			Models = filepath.Join(home, ".structured", "tokenizers")
		}
	}

	TokenizerRules = clean("STRUCTURED_TOKENIZER_RULES")

	CacheSize = positive("STRUCTURED_CACHE_SIZE", 64)
	MaxLength = positive("STRUCTURED_MAX_LENGTH", 512)

	Whitespace = 1
	if ws := clean("STRUCTURED_WHITESPACE"); ws != "" {
		val, err := strconv.Atoi(ws)
		if err != nil || val < 0 {
			slog.Error("invalid setting must not be negative", "STRUCTURED_WHITESPACE", ws, "error", err)
		} else {
			Whitespace = val
		}
	}
}

func positive(key string, fallback int) int {
	s := clean(key)
	if s == "" {
		return fallback
	}

	val, err := strconv.Atoi(s)
	if err != nil || val <= 0 {
		slog.Error("invalid setting must be greater than zero", key, s, "error", err)
		return fallback
	}
	return val
}

func hostport(s string) (string, error) {
	defaultPort := "11500"

	s = strings.TrimSpace(s)
	scheme, hostport, ok := strings.Cut(s, "://")
	if !ok {
		hostport = scheme
	}

	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		host, port = "127.0.0.1", defaultPort
		if ip := net.ParseIP(strings.Trim(hostport, "[]")); ip != nil {
			host = ip.String()
		} else if hostport != "" {
			host = hostport
		}
	}

	if n, err := strconv.ParseInt(port, 10, 32); err != nil || n > 65535 || n < 0 {
		return "", ErrInvalidHostPort
	}

	return net.JoinHostPort(host, port), nil
}
