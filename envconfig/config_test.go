package envconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig(t *testing.T) {
	t.Setenv("STRUCTURED_CONFIG", filepath.Join(t.TempDir(), "missing.toml"))
	resetConfigFile()

	t.Setenv("STRUCTURED_DEBUG", "")
	LoadConfig()
	require.Equal(t, 0, Debug)
	t.Setenv("STRUCTURED_DEBUG", "false")
	LoadConfig()
	require.Equal(t, 0, Debug)
	t.Setenv("STRUCTURED_DEBUG", "1")
	LoadConfig()
	require.Equal(t, 1, Debug)
	t.Setenv("STRUCTURED_DEBUG", "2")
	LoadConfig()
	require.Equal(t, 2, Debug)
	t.Setenv("STRUCTURED_DEBUG", "true")
	LoadConfig()
	require.Equal(t, 1, Debug)
}

func TestHostFromEnvironment(t *testing.T) {
	t.Setenv("STRUCTURED_CONFIG", filepath.Join(t.TempDir(), "missing.toml"))
	resetConfigFile()

	cases := map[string]struct {
		value  string
		expect string
	}{
		"empty":              {"", "127.0.0.1:11500"},
		"only address":       {"1.2.3.4", "1.2.3.4:11500"},
		"only port":          {":1234", ":1234"},
		"address and port":   {"1.2.3.4:1234", "1.2.3.4:1234"},
		"hostname":           {"example.com", "example.com:11500"},
		"hostname and port":  {"example.com:1234", "example.com:1234"},
		"scheme":             {"http://example.com:80", "example.com:80"},
		"too large port":     {":66000", "127.0.0.1:11500"},
		"ipv6 localhost":     {"[::1]", "[::1]:11500"},
		"ipv6 no brackets":   {"::1", "[::1]:11500"},
		"ipv6 + port":        {"[::1]:1337", "[::1]:1337"},
		"extra space":        {" 1.2.3.4 ", "1.2.3.4:11500"},
		"extra quotes":       {"\"1.2.3.4\"", "1.2.3.4:11500"},
		"extra single quote": {"'1.2.3.4'", "1.2.3.4:11500"},
	}

	for name, tt := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv("STRUCTURED_HOST", tt.value)
			LoadConfig()
			assert.Equal(t, tt.expect, Host)
		})
	}
}

func TestPositiveSettings(t *testing.T) {
	t.Setenv("STRUCTURED_CONFIG", filepath.Join(t.TempDir(), "missing.toml"))
	resetConfigFile()

	t.Setenv("STRUCTURED_CACHE_SIZE", "")
	t.Setenv("STRUCTURED_MAX_LENGTH", "")
	t.Setenv("STRUCTURED_WHITESPACE", "")
	LoadConfig()
	assert.Equal(t, 64, CacheSize)
	assert.Equal(t, 512, MaxLength)
	assert.Equal(t, 1, Whitespace)

	t.Setenv("STRUCTURED_CACHE_SIZE", "8")
	t.Setenv("STRUCTURED_MAX_LENGTH", "-3")
	t.Setenv("STRUCTURED_WHITESPACE", "0")
	LoadConfig()
	assert.Equal(t, 8, CacheSize)
	assert.Equal(t, 512, MaxLength)
	assert.Equal(t, 0, Whitespace)
}

func TestConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[server]
host = "0.0.0.0:9000"

[tokenizers]
path = "/srv/tokenizers"

[generation]
max_length = 128
`), 0o644))

	t.Setenv("STRUCTURED_CONFIG", path)
	t.Setenv("STRUCTURED_MODELS", "/from/env")
	for _, key := range []string{"STRUCTURED_HOST", "STRUCTURED_MAX_LENGTH"} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
	resetConfigFile()
	t.Cleanup(resetConfigFile)

	LoadConfig()
	assert.Equal(t, "0.0.0.0:9000", Host)
	assert.Equal(t, 128, MaxLength)
	assert.Equal(t, "/from/env", Models)
}

func TestValues(t *testing.T) {
	vals := Values()
	for _, key := range []string{"STRUCTURED_HOST", "STRUCTURED_DEBUG", "STRUCTURED_MODELS", "STRUCTURED_TOKENIZER_RULES"} {
		_, ok := vals[key]
		assert.True(t, ok, key)
	}
}

func TestOrigins(t *testing.T) {
	t.Setenv("STRUCTURED_CONFIG", filepath.Join(t.TempDir(), "missing.toml"))
	resetConfigFile()

	defaults := []string{
		"http://localhost", "https://localhost", "http://localhost:*", "https://localhost:*",
		"http://127.0.0.1", "https://127.0.0.1", "http://127.0.0.1:*", "https://127.0.0.1:*",
		"http://0.0.0.0", "https://0.0.0.0", "http://0.0.0.0:*", "https://0.0.0.0:*",
	}

	cases := []struct {
		value  string
		expect []string
	}{
		{"", defaults},
		{"http://10.0.0.1", append([]string{"http://10.0.0.1"}, defaults...)},
		{"http://10.0.0.1,https://example.com", append([]string{"http://10.0.0.1", "https://example.com"}, defaults...)},
	}

	for _, tt := range cases {
		t.Run(tt.value, func(t *testing.T) {
			t.Setenv("STRUCTURED_ORIGINS", tt.value)
			LoadConfig()
			assert.Equal(t, tt.expect, AllowOrigins)
		})
	}
}
