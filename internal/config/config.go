// Package config provides configuration loading and management for the admission service.
// It handles environment variable parsing and provides default values for all settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/RegistryAccord/registryaccord-admission-go/internal/model"
)

// init loads environment variables from .env files during package initialization.
// godotenv.Load does not override variables that are already set, so the
// process environment always takes precedence over .env files.
func init() {
	// Shared development config
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env file: %v\n", err)
		}
	}

	// Local overrides, gitignored
	if _, err := os.Stat(".env.local"); err == nil {
		if err := godotenv.Load(".env.local"); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env.local file: %v\n", err)
		}
	}
}

// Config captures environment-driven settings for the admission service.
type Config struct {
	Env         string // Deployment environment (dev, staging, prod)
	Port        string // HTTP server port
	DatabaseDSN string // PostgreSQL connection string; empty selects the in-memory store
	NATSURL     string // NATS server URL for alerts and the shared credential cache

	// Shared cache
	CacheTTL     time.Duration // Lifetime of cached credential entries
	CacheTimeout time.Duration // Upper bound on a single cache call before falling back to the store

	// Snapshot archive
	S3Endpoint  string // S3-compatible storage endpoint
	S3Region    string // S3 region
	S3Bucket    string // S3 bucket name; empty disables archiving
	S3AccessKey string // S3 access key
	S3SecretKey string // S3 secret key

	// Scanner authentication
	JWTIssuer   string // Expected issuer for JWT validation
	JWTAudience string // Expected audience for JWT validation
	JWKSURL     string // Key set location; defaults to the issuer's well-known path

	DirectoryURL string // Event and registration directory base URL

	// Credential keys
	EncryptionSecret string // Input keying material for payload encryption
	MACSecret        string // Input keying material for the detached tag, must differ from EncryptionSecret

	// Validation policy
	EarlyTolerance      time.Duration // How long before event start scans are accepted
	LateTolerance       time.Duration // How long after event end scans are accepted
	ValidationTimeout   time.Duration // Upper bound on one validation call
	ScanRateLimit       float64       // Scans per second allowed per actor
	ScanRateBurst       int           // Burst size for the per-actor limiter
	BlockedActors       []string      // Actors whose scans are refused outright
	SuspiciousThreshold int           // Failures within SuspiciousWindow that mark an actor suspicious
	SuspiciousWindow    time.Duration // Sliding window for failure counting
	CredentialTTL       time.Duration // Optional credential lifetime; zero means no expiry

	// Offline sync
	SnapshotTTL             time.Duration                   // Lifetime of an exported snapshot
	ConflictPolicy          model.ConflictPolicy            // Default conflict policy
	ConflictPolicyOverrides map[string]model.ConflictPolicy // Per-event policy overrides
	MaxSyncAttempts         int                             // Attempts before a failed item stops being retried

	// Blockchain anchoring
	RequireAnchor    bool          // Scans of anchored credentials need a confirmed anchor
	AnchorOnIssue    bool          // Enqueue an anchor for every issued credential
	ChainRPCURL      string        // EVM JSON-RPC endpoint; empty disables anchoring
	ChainSignerKey   string        // Hex secp256k1 key used to sign anchor transactions
	ChainNetwork     string        // Network label stored on anchor records
	AnchorAddress    string        // Recipient address of anchor transactions
	Confirmations    uint64        // Confirmations required before an anchor is confirmed
	AnchorMaxRetries int           // Resubmissions before a record is terminal
	PollInterval     time.Duration // Confirmation poll cadence
	RetryInterval    time.Duration // Failed-anchor retry cadence
	RetryBackoff     time.Duration // Base delay before a failed anchor is retried
	SubmitTimeout    time.Duration // Upper bound on a single submission
	ConfirmTimeout   time.Duration // Pending anchors older than this are failed for retry
	DropTimeout      time.Duration // Transactions unknown to the node for this long count as dropped
	GasBumpPercent   int64         // Gas price increase per retry

	ExpirySweepInterval time.Duration // Cadence of the expired credential sweep

	// CORS configuration
	CORSAllowedOrigins []string // Allowed origins for CORS (empty means deny all)
}

// Default configuration values used when environment variables are not set
const (
	defaultPort             = "8080"
	defaultS3Region         = "us-east-1"
	defaultEnv              = "dev"
	defaultChainNetwork     = "sepolia"
	defaultAnchorAddress    = "0x000000000000000000000000000000000000dEaD"
	defaultConflictPolicy   = model.PolicyOnlineWins
	defaultMaxSyncAttempts  = 3
	defaultConfirmations    = 12
	defaultAnchorMaxRetries = 5
	defaultGasBumpPercent   = 25
	defaultScanRateBurst    = 20
	defaultScanRateLimit    = 10
	defaultSuspicious       = 5
)

// Load reads environment variables and produces a Config suitable for wiring the service.
// Returns an error if required parameters are missing or invalid.
func Load() (Config, error) {
	cfg := Config{
		Env:          getEnv("ADMIT_ENV", defaultEnv),
		Port:         getEnv("ADMIT_PORT", defaultPort),
		DatabaseDSN:  os.Getenv("ADMIT_DB_DSN"),
		NATSURL:      os.Getenv("ADMIT_NATS_URL"),
		S3Endpoint:   os.Getenv("ADMIT_S3_ENDPOINT"),
		S3Region:     getEnv("ADMIT_S3_REGION", defaultS3Region),
		S3Bucket:     os.Getenv("ADMIT_S3_BUCKET"),
		S3AccessKey:  os.Getenv("ADMIT_S3_ACCESS_KEY"),
		S3SecretKey:  os.Getenv("ADMIT_S3_SECRET_KEY"),
		JWTIssuer:    os.Getenv("ADMIT_JWT_ISSUER"),
		JWTAudience:  os.Getenv("ADMIT_JWT_AUDIENCE"),
		JWKSURL:      os.Getenv("ADMIT_JWKS_URL"),
		DirectoryURL: os.Getenv("ADMIT_DIRECTORY_URL"),

		EncryptionSecret: os.Getenv("ADMIT_ENCRYPTION_SECRET"),
		MACSecret:        os.Getenv("ADMIT_MAC_SECRET"),

		BlockedActors: splitList(os.Getenv("ADMIT_BLOCKED_ACTORS")),

		RequireAnchor:  parseBool(os.Getenv("ADMIT_REQUIRE_ANCHOR")),
		AnchorOnIssue:  parseBool(os.Getenv("ADMIT_ANCHOR_ON_ISSUE")),
		ChainRPCURL:    os.Getenv("ADMIT_CHAIN_RPC_URL"),
		ChainSignerKey: os.Getenv("ADMIT_CHAIN_SIGNER_KEY"),
		ChainNetwork:   getEnv("ADMIT_CHAIN_NETWORK", defaultChainNetwork),
		AnchorAddress:  getEnv("ADMIT_ANCHOR_ADDRESS", defaultAnchorAddress),

		CORSAllowedOrigins: splitList(os.Getenv("ADMIT_CORS_ALLOWED_ORIGINS")),
	}

	var err error
	durations := []struct {
		key  string
		def  time.Duration
		dest *time.Duration
	}{
		{"ADMIT_CACHE_TTL", 5 * time.Minute, &cfg.CacheTTL},
		{"ADMIT_CACHE_TIMEOUT", 50 * time.Millisecond, &cfg.CacheTimeout},
		{"ADMIT_EARLY_TOLERANCE", 2 * time.Hour, &cfg.EarlyTolerance},
		{"ADMIT_LATE_TOLERANCE", time.Hour, &cfg.LateTolerance},
		{"ADMIT_VALIDATION_TIMEOUT", 800 * time.Millisecond, &cfg.ValidationTimeout},
		{"ADMIT_SUSPICIOUS_WINDOW", 5 * time.Minute, &cfg.SuspiciousWindow},
		{"ADMIT_CREDENTIAL_TTL", 0, &cfg.CredentialTTL},
		{"ADMIT_SNAPSHOT_TTL", 24 * time.Hour, &cfg.SnapshotTTL},
		{"ADMIT_ANCHOR_POLL_INTERVAL", 15 * time.Second, &cfg.PollInterval},
		{"ADMIT_ANCHOR_RETRY_INTERVAL", 30 * time.Second, &cfg.RetryInterval},
		{"ADMIT_ANCHOR_RETRY_BACKOFF", 30 * time.Second, &cfg.RetryBackoff},
		{"ADMIT_ANCHOR_SUBMIT_TIMEOUT", 10 * time.Second, &cfg.SubmitTimeout},
		{"ADMIT_ANCHOR_CONFIRM_TIMEOUT", 30 * time.Minute, &cfg.ConfirmTimeout},
		{"ADMIT_ANCHOR_DROP_TIMEOUT", 10 * time.Minute, &cfg.DropTimeout},
		{"ADMIT_EXPIRY_SWEEP_INTERVAL", time.Minute, &cfg.ExpirySweepInterval},
	}
	for _, d := range durations {
		if *d.dest, err = getDuration(d.key, d.def); err != nil {
			return cfg, err
		}
	}

	if cfg.ScanRateLimit, err = getFloat("ADMIT_SCAN_RATE_LIMIT", defaultScanRateLimit); err != nil {
		return cfg, err
	}
	if cfg.ScanRateBurst, err = getInt("ADMIT_SCAN_RATE_BURST", defaultScanRateBurst); err != nil {
		return cfg, err
	}
	if cfg.SuspiciousThreshold, err = getInt("ADMIT_SUSPICIOUS_THRESHOLD", defaultSuspicious); err != nil {
		return cfg, err
	}
	if cfg.MaxSyncAttempts, err = getInt("ADMIT_MAX_SYNC_ATTEMPTS", defaultMaxSyncAttempts); err != nil {
		return cfg, err
	}
	if cfg.AnchorMaxRetries, err = getInt("ADMIT_ANCHOR_MAX_RETRIES", defaultAnchorMaxRetries); err != nil {
		return cfg, err
	}
	confirmations, err := getInt("ADMIT_ANCHOR_CONFIRMATIONS", defaultConfirmations)
	if err != nil {
		return cfg, err
	}
	if confirmations < 1 {
		return cfg, fmt.Errorf("ADMIT_ANCHOR_CONFIRMATIONS must be at least 1")
	}
	cfg.Confirmations = uint64(confirmations)
	bump, err := getInt("ADMIT_ANCHOR_GAS_BUMP_PERCENT", defaultGasBumpPercent)
	if err != nil {
		return cfg, err
	}
	cfg.GasBumpPercent = int64(bump)

	cfg.ConflictPolicy = model.ConflictPolicy(getEnv("ADMIT_CONFLICT_POLICY", string(defaultConflictPolicy)))
	if !cfg.ConflictPolicy.Valid() {
		return cfg, fmt.Errorf("ADMIT_CONFLICT_POLICY: unknown policy %q", cfg.ConflictPolicy)
	}
	if cfg.ConflictPolicyOverrides, err = parsePolicyOverrides(os.Getenv("ADMIT_CONFLICT_POLICY_OVERRIDES")); err != nil {
		return cfg, err
	}

	// Validate required parameters
	if cfg.JWTIssuer == "" {
		return cfg, fmt.Errorf("ADMIT_JWT_ISSUER is required")
	}
	if cfg.JWTAudience == "" {
		return cfg, fmt.Errorf("ADMIT_JWT_AUDIENCE is required")
	}
	if cfg.JWKSURL == "" {
		cfg.JWKSURL = strings.TrimSuffix(cfg.JWTIssuer, "/") + "/.well-known/jwks.json"
	}
	if len(cfg.EncryptionSecret) < 32 {
		return cfg, fmt.Errorf("ADMIT_ENCRYPTION_SECRET is required and must be at least 32 bytes")
	}
	if len(cfg.MACSecret) < 32 {
		return cfg, fmt.Errorf("ADMIT_MAC_SECRET is required and must be at least 32 bytes")
	}
	if cfg.EncryptionSecret == cfg.MACSecret {
		return cfg, fmt.Errorf("ADMIT_MAC_SECRET must differ from ADMIT_ENCRYPTION_SECRET")
	}
	if cfg.ChainRPCURL != "" && cfg.ChainSignerKey == "" {
		return cfg, fmt.Errorf("ADMIT_CHAIN_SIGNER_KEY is required when ADMIT_CHAIN_RPC_URL is set")
	}

	return cfg, nil
}

// PolicyFor returns the conflict policy that applies to an event.
func (c Config) PolicyFor(eventID string) model.ConflictPolicy {
	if p, ok := c.ConflictPolicyOverrides[eventID]; ok {
		return p
	}
	return c.ConflictPolicy
}

// parsePolicyOverrides parses "E1=offline_wins,E2=manual_merge".
func parsePolicyOverrides(v string) (map[string]model.ConflictPolicy, error) {
	out := make(map[string]model.ConflictPolicy)
	for _, pair := range splitList(v) {
		eventID, policy, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(eventID) == "" {
			return nil, fmt.Errorf("ADMIT_CONFLICT_POLICY_OVERRIDES: malformed entry %q", pair)
		}
		p := model.ConflictPolicy(strings.TrimSpace(policy))
		if !p.Valid() {
			return nil, fmt.Errorf("ADMIT_CONFLICT_POLICY_OVERRIDES: unknown policy %q for %s", policy, eventID)
		}
		out[strings.TrimSpace(eventID)] = p
	}
	return out, nil
}

// getEnv retrieves an environment variable value, returning a fallback if not set or empty
func getEnv(key, fallback string) string {
	if v, exists := os.LookupEnv(key); exists && v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v, exists := os.LookupEnv(key)
	if !exists || v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func getInt(key string, fallback int) (int, error) {
	v, exists := os.LookupEnv(key)
	if !exists || v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getFloat(key string, fallback float64) (float64, error) {
	v, exists := os.LookupEnv(key)
	if !exists || v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}

// splitList splits a comma separated value and trims whitespace, dropping empty entries.
func splitList(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// parseBool converts a string to a boolean value, returning false if parsing fails
func parseBool(v string) bool {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false
	}
	return b
}
