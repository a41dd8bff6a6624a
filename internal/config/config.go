// Package config reads the service configuration from the environment. Every
// knob has a default that works for local development.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/codeloft-io/loft/internal/llm"
)

// Config is the fully resolved service configuration.
type Config struct {
	// Addr is the HTTP listen address.
	Addr string

	// JWTSecret signs stream and resume tokens.
	JWTSecret string
	// ResumeTokenTTL bounds how long a stream/resume token stays usable.
	ResumeTokenTTL time.Duration

	// GatewayAPIKey authenticates against the model gateway. Empty disables
	// live model listing and fails agent runs.
	GatewayAPIKey string
	// GatewayBaseURL is the OpenAI-compatible gateway endpoint.
	GatewayBaseURL string
	// DefaultModel is used when requests do not pick a model.
	DefaultModel string

	// SandboxAPIURL is the sandbox service endpoint.
	SandboxAPIURL string
	// SandboxAPIToken authenticates sandbox calls; empty for local dev.
	SandboxAPIToken string
	// SandboxAppPort is the port play runs expose for FastAPI previews.
	SandboxAppPort int

	// RunStorePath is the sqlite database holding run records.
	RunStorePath string
	// RunStoreTTL is how long run records stay retrievable.
	RunStoreTTL time.Duration

	// CORSOrigins restricts cross-origin callers. Empty allows any origin,
	// which is the local-development default.
	CORSOrigins []string
}

// Load resolves the configuration from the environment.
func Load() Config {
	dataDir := envOr("LOFT_DATA_DIR", ".")
	return Config{
		Addr: envOr("LOFT_ADDR", ":8081"),

		JWTSecret:      envOr("JWT_SECRET", envOr("SSE_SECRET", "dev-secret")),
		ResumeTokenTTL: time.Duration(envOrInt("RESUME_TOKEN_TTL_SECONDS", 600)) * time.Second,

		GatewayAPIKey:  envOr("AI_GATEWAY_API_KEY", envOr("OPENAI_API_KEY", "")),
		GatewayBaseURL: envOr("AI_GATEWAY_BASE_URL", envOr("OPENAI_BASE_URL", llm.DefaultBaseURL)),
		DefaultModel:   envOr("DEFAULT_MODEL", llm.FallbackModel),

		SandboxAPIURL:   envOr("SANDBOX_API_URL", "http://localhost:8070"),
		SandboxAPIToken: envOr("SANDBOX_API_TOKEN", ""),
		SandboxAppPort:  envOrInt("SANDBOX_APP_PORT", 8000),

		RunStorePath: envOr("RUN_STORE_PATH", filepath.Join(dataDir, "runs.db")),
		RunStoreTTL:  time.Duration(envOrInt("RUN_STORE_TTL_SECONDS", 900)) * time.Second,

		CORSOrigins: envList("CORS_ALLOWED_ORIGINS"),
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envList(key string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envOrInt(key string, def int) int {
	if raw := os.Getenv(key); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			return n
		}
	}
	return def
}
