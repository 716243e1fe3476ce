// Package config loads rkhd settings from the environment.
package config

import (
	"crypto/rand"
	"encoding/hex"
	stderrors "errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"

	"github.com/JAG-UK/rkh-frontend/internal/address"
)

// =============================================================================
// Environment presets
// =============================================================================

// Environment names.
const (
	Development = "development"
	Staging     = "staging"
	Production  = "production"
)

const (
	glifRPC              = "https://api.node.glif.io/rpc/v1"
	metaAllocatorAddress = "0xB6F5d279AEad97dFA45209F3E53969c2EF43C21d"
)

// Environment holds the endpoints a deployment talks to.
type Environment struct {
	Name                  string
	APIBaseURL            string
	RPCURL                string
	MetaAllocatorContract string
}

var presets = map[string]Environment{
	Development: {
		Name:                  Development,
		APIBaseURL:            "http://localhost:3001/api/v1",
		RPCURL:                glifRPC,
		MetaAllocatorContract: metaAllocatorAddress,
	},
	Staging: {
		Name:                  Staging,
		APIBaseURL:            "https://allocator-rkh-backend-utcn6.ondigitalocean.app/api/v1",
		RPCURL:                glifRPC,
		MetaAllocatorContract: metaAllocatorAddress,
	},
	Production: {
		Name:                  Production,
		APIBaseURL:            "https://allocator-rkh-backend-utcn6.ondigitalocean.app/backend/api/v1",
		RPCURL:                glifRPC,
		MetaAllocatorContract: metaAllocatorAddress,
	},
}

// Preset returns the named environment preset.
func Preset(name string) (Environment, error) {
	env, ok := presets[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Environment{}, fmt.Errorf("unknown environment %q", name)
	}
	return env, nil
}

// =============================================================================
// Config
// =============================================================================

// Config is the full daemon configuration. Empty endpoint fields fall back to
// the environment preset.
type Config struct {
	Env string `env:"APP_ENV,default=production"`

	ListenAddr string `env:"RKH_LISTEN_ADDR,default=:8080"`
	LogLevel   string `env:"LOG_LEVEL,default=info"`
	LogFormat  string `env:"LOG_FORMAT,default=json"`

	// Application registry.
	APIBaseURL      string `env:"RKH_API_BASE_URL"`
	APIToken        string `env:"RKH_API_TOKEN"`
	RefreshSchedule string `env:"RKH_REFRESH_SCHEDULE,default=@every 30s"`

	// Chain.
	RPCURL                string  `env:"RKH_RPC_URL"`
	RPCToken              string  `env:"RKH_RPC_TOKEN"`
	RPCRateLimit          float64 `env:"RKH_RPC_RATE_LIMIT,default=10"`
	Testnet               bool    `env:"RKH_TESTNET,default=false"`
	MetaAllocatorContract string  `env:"RKH_META_ALLOCATOR_CONTRACT"`

	// Signing backends. An empty URL disables the backend.
	LedgerBridgeURL     string `env:"RKH_LEDGER_BRIDGE_URL,default=ws://127.0.0.1:8435"`
	FilsnapBridgeURL    string `env:"RKH_FILSNAP_BRIDGE_URL"`
	InjectedProviderURL string `env:"RKH_INJECTED_PROVIDER_URL"`

	RoleDirectory string `env:"RKH_ROLE_DIRECTORY"`
	DatabaseURL   string `env:"DATABASE_URL"`

	JWTSecret string        `env:"RKH_JWT_SECRET"`
	TokenTTL  time.Duration `env:"RKH_TOKEN_TTL,default=12h"`

	CORSOrigins    string        `env:"RKH_CORS_ORIGINS"`
	HTTPRateLimit  float64       `env:"RKH_HTTP_RATE_LIMIT,default=20"`
	HTTPRateBurst  int           `env:"RKH_HTTP_RATE_BURST,default=40"`
	RequestTimeout time.Duration `env:"RKH_REQUEST_TIMEOUT,default=30s"`

	// EphemeralSecret is set when no JWT secret was configured and one was
	// generated for this process.
	EphemeralSecret bool
}

// Load reads an optional .env file, decodes the environment, applies the
// preset and validates the result.
func Load(envFiles ...string) (*Config, error) {
	if err := loadDotEnv(envFiles...); err != nil {
		return nil, err
	}

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !stderrors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}

	if err := cfg.applyPreset(); err != nil {
		return nil, err
	}
	if cfg.JWTSecret == "" {
		secret, err := randomSecret()
		if err != nil {
			return nil, err
		}
		cfg.JWTSecret = secret
		cfg.EphemeralSecret = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// loadDotEnv loads the given files, or ./.env when none are named. Missing
// files are ignored; existing variables are never overridden.
func loadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

func (c *Config) applyPreset() error {
	env, err := Preset(c.Env)
	if err != nil {
		return err
	}
	c.Env = env.Name
	if c.APIBaseURL == "" {
		c.APIBaseURL = env.APIBaseURL
	}
	if c.RPCURL == "" {
		c.RPCURL = env.RPCURL
	}
	if c.MetaAllocatorContract == "" {
		c.MetaAllocatorContract = env.MetaAllocatorContract
	}
	return nil
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Validate checks the decoded configuration.
func (c *Config) Validate() error {
	var problems []string

	if _, err := Preset(c.Env); err != nil {
		problems = append(problems, err.Error())
	}
	if err := checkURL("RKH_API_BASE_URL", c.APIBaseURL, "http", "https"); err != nil {
		problems = append(problems, err.Error())
	}
	if err := checkURL("RKH_RPC_URL", c.RPCURL, "http", "https"); err != nil {
		problems = append(problems, err.Error())
	}
	if c.LedgerBridgeURL != "" {
		if err := checkURL("RKH_LEDGER_BRIDGE_URL", c.LedgerBridgeURL, "ws", "wss"); err != nil {
			problems = append(problems, err.Error())
		}
	}
	if c.FilsnapBridgeURL != "" {
		if err := checkURL("RKH_FILSNAP_BRIDGE_URL", c.FilsnapBridgeURL, "http", "https"); err != nil {
			problems = append(problems, err.Error())
		}
	}
	if c.InjectedProviderURL != "" {
		if err := checkURL("RKH_INJECTED_PROVIDER_URL", c.InjectedProviderURL, "http", "https"); err != nil {
			problems = append(problems, err.Error())
		}
	}
	if !address.IsEthereum(c.MetaAllocatorContract) {
		problems = append(problems, fmt.Sprintf("RKH_META_ALLOCATOR_CONTRACT %q is not a 0x address", c.MetaAllocatorContract))
	}
	if len(c.JWTSecret) < 32 {
		problems = append(problems, "RKH_JWT_SECRET must be at least 32 characters")
	}
	if c.RPCRateLimit <= 0 {
		problems = append(problems, "RKH_RPC_RATE_LIMIT must be positive")
	}
	if c.HTTPRateLimit <= 0 || c.HTTPRateBurst <= 0 {
		problems = append(problems, "RKH_HTTP_RATE_LIMIT and RKH_HTTP_RATE_BURST must be positive")
	}
	if c.TokenTTL <= 0 {
		problems = append(problems, "RKH_TOKEN_TTL must be positive")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

func checkURL(name, raw string, schemes ...string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", name)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %v", name, err)
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%s %q must be an absolute %s URL", name, raw, strings.Join(schemes, "/"))
}

// Origins splits CORSOrigins on commas.
func (c *Config) Origins() []string {
	return splitAndTrimCSV(c.CORSOrigins)
}

func splitAndTrimCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
