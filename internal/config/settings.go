// Package config loads the gateway settings from the environment and the
// provider/rule documents from their JSON files, and exposes them to the rest
// of the application as immutable snapshots that can be swapped on reload.
package config

import (
	"os"
	"strconv"
	"strings"
)

// Settings holds the process-level configuration read from environment
// variables at startup. Values are fixed for the lifetime of the process;
// only the provider/rule files are hot-reloadable.
type Settings struct {
	// Host is the listen address for the HTTP server.
	Host string
	// Port is the listen port for the HTTP server.
	Port int
	// GatewayAPIKey is the bearer token callers must present. Empty disables
	// authentication.
	GatewayAPIKey string
	// FallbackProvider names the provider used to synthesize a rule for
	// models that have no configured rule, and whose /models listing is
	// merged into GET /v1/models. Empty disables both behaviors.
	FallbackProvider string
	// LogLevel is the logrus level name (debug, info, warn, error).
	LogLevel string
	// DebugMode forces debug logging and gin debug mode.
	DebugMode bool
	// LogChatEnabled writes a per-request chat transcript file when true.
	LogChatEnabled bool
	// LogFileLimit caps the number of retained chat transcript files.
	LogFileLimit int
	// CORSAllowOrigins is the comma-separated allow list; "*" allows all.
	CORSAllowOrigins []string
	// ProxyURL routes upstream calls through an http/https/socks5 proxy.
	ProxyURL string
	// ProvidersFile is the path of the providers JSON document.
	ProvidersFile string
	// RulesFile is the path of the model fallback rules JSON document.
	RulesFile string
	// DBPath is the sqlite database file backing rotation and usage.
	DBPath string
}

// LoadSettings reads the settings from the environment, applying defaults
// for anything unset.
func LoadSettings() *Settings {
	s := &Settings{
		Host:             envOr("GATEWAY_HOST", "0.0.0.0"),
		Port:             envInt("GATEWAY_PORT", 9000),
		GatewayAPIKey:    strings.TrimSpace(os.Getenv("GATEWAY_API_KEY")),
		FallbackProvider: strings.TrimSpace(os.Getenv("FALLBACK_PROVIDER")),
		LogLevel:         envOr("LOG_LEVEL", "info"),
		DebugMode:        envBool("DEBUG_MODE", false),
		LogChatEnabled:   envBool("LOG_CHAT_ENABLED", true),
		LogFileLimit:     envInt("LOG_FILE_LIMIT", 15),
		ProxyURL:         strings.TrimSpace(os.Getenv("PROXY_URL")),
		ProvidersFile:    envOr("PROVIDERS_FILE", "config/providers.json"),
		RulesFile:        envOr("RULES_FILE", "config/models_fallback_rules.json"),
		DBPath:           envOr("DB_PATH", "db/llmgateway.db"),
	}
	origins := envOr("CORS_ALLOW_ORIGINS", "*")
	for _, o := range strings.Split(origins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			s.CORSAllowOrigins = append(s.CORSAllowOrigins, o)
		}
	}
	return s
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if v == "" {
		return def
	}
	switch v {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return def
}
