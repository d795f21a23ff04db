// Package config loads the issuer configuration from the environment once at startup.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/allisson/go-env"
	"github.com/joho/godotenv"

	"github.com/jonanatree/cyberbank/internal/cardgen"
)

// Config holds the process-wide, read-only configuration.
type Config struct {
	// HTTPAddr is the issuer API listen address.
	HTTPAddr string
	// ISO8583Addr is the card verification listen address.
	ISO8583Addr string
	// MetricsAddr is the prometheus listen address; empty disables it.
	MetricsAddr string

	// LogLevel is one of debug, info, warn, error.
	LogLevel string

	// CardPrefix is the leading part of every card number (BANK_CARD_PREFIX).
	CardPrefix string
	// CardIssuerCode follows the prefix (BANK_CARD_CODE).
	CardIssuerCode string
	// CardNumberLength is the full card number length including the check digit.
	CardNumberLength int
	// CardUniqueRetries bounds regeneration on card number collisions.
	CardUniqueRetries int

	// CVVSecretKey keys the CVV derivation.
	CVVSecretKey string
	// CVVProvider selects the derivation backend: hmac or softhsm.
	CVVProvider string
	HSMLibPath  string
	HSMSlotID   int
	HSMPin      string
	HSMKeyLabel string

	// PANHashKey is the pepper used to index stored cards.
	PANHashKey string

	// CardProduct is the product used when a request does not name one.
	CardProduct string
	// ExpiryTZ is an IANA zone for expiry computation.
	ExpiryTZ string
	// ProductYears maps product to validity years, e.g. "credit=3,debit=5".
	ProductYears map[string]int
	// ReissueWindowDays is how long before expiry a card becomes due.
	ReissueWindowDays int
	// ReissueSchedule is a cron spec for the reissue scan; empty disables it.
	ReissueSchedule string

	// RepoBackend is pg or mem.
	RepoBackend          string
	DBDSN                string
	DBMaxOpenConnections int
	DBMaxIdleConnections int
	DBConnMaxLifetime    time.Duration

	// VerifyRateLimit is verification requests per second per client.
	VerifyRateLimit float64
	VerifyRateBurst int

	// MetricsNamespace prefixes metric names.
	MetricsNamespace string
}

// Load reads configuration from the environment, after loading the nearest .env file.
func Load() (*Config, error) {
	loadDotEnv()

	years, err := parseProductYears(env.GetString("CARD_PRODUCT_YEARS", "credit=3,debit=5"))
	if err != nil {
		return nil, err
	}

	return &Config{
		HTTPAddr:    env.GetString("HTTP_ADDR", "localhost:9090"),
		ISO8583Addr: env.GetString("ISO8583_ADDR", "localhost:8583"),
		MetricsAddr: env.GetString("METRICS_ADDR", "localhost:9091"),

		LogLevel: env.GetString("LOG_LEVEL", "info"),

		CardPrefix:        env.GetString("BANK_CARD_PREFIX", ""),
		CardIssuerCode:    env.GetString("BANK_CARD_CODE", ""),
		CardNumberLength:  env.GetInt("CARD_NUMBER_LENGTH", cardgen.DefaultLength),
		CardUniqueRetries: env.GetInt("CARD_UNIQUE_RETRIES", 10),

		CVVSecretKey: env.GetString("CVV_SECRET_KEY", ""),
		CVVProvider:  env.GetString("CVV_PROVIDER", "hmac"),
		HSMLibPath:   env.GetString("HSM_LIB", "/usr/lib/softhsm/libsofthsm2.so"),
		HSMSlotID:    env.GetInt("HSM_SLOT", 0),
		HSMPin:       env.GetString("HSM_PIN", ""),
		HSMKeyLabel:  env.GetString("HSM_KEY_LABEL", "cvv-key"),

		PANHashKey: env.GetString("PAN_HASH_KEY", ""),

		CardProduct:       env.GetString("CARD_PRODUCT", "debit"),
		ExpiryTZ:          env.GetString("EXPIRY_TZ", "UTC"),
		ProductYears:      years,
		ReissueWindowDays: env.GetInt("REISSUE_WINDOW_DAYS", 30),
		ReissueSchedule:   env.GetString("REISSUE_SCHEDULE", "@daily"),

		RepoBackend:          env.GetString("REPO_BACKEND", "pg"),
		DBDSN:                env.GetString("DB_DSN", ""),
		DBMaxOpenConnections: env.GetInt("DB_MAX_OPEN_CONNECTIONS", 10),
		DBMaxIdleConnections: env.GetInt("DB_MAX_IDLE_CONNECTIONS", 5),
		DBConnMaxLifetime:    env.GetDuration("DB_CONN_MAX_LIFETIME_MINUTES", 5, time.Minute),

		VerifyRateLimit: env.GetFloat64("VERIFY_RATE_LIMIT_RPS", 5),
		VerifyRateBurst: env.GetInt("VERIFY_RATE_LIMIT_BURST", 10),

		MetricsNamespace: env.GetString("METRICS_NAMESPACE", "issuer"),
	}, nil
}

// Validate reports deployment errors that must stop the process at startup.
func (c *Config) Validate() error {
	var errs []error
	if _, err := cardgen.NewGenerator(cardgen.GeneratorConfig{
		Prefix:     c.CardPrefix,
		IssuerCode: c.CardIssuerCode,
		Length:     c.CardNumberLength,
	}); err != nil {
		errs = append(errs, fmt.Errorf("card number layout: %w", err))
	}
	switch c.CVVProvider {
	case "hmac":
		if c.CVVSecretKey == "" {
			errs = append(errs, errors.New("CVV_SECRET_KEY is required"))
		}
	case "softhsm":
		if c.HSMPin == "" {
			errs = append(errs, errors.New("HSM_PIN is required for softhsm provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported CVV_PROVIDER=%s", c.CVVProvider))
	}
	switch c.RepoBackend {
	case "pg":
		if c.DBDSN == "" {
			errs = append(errs, errors.New("DB_DSN is required for pg backend"))
		}
		if c.PANHashKey == "" {
			errs = append(errs, errors.New("PAN_HASH_KEY is required for pg backend"))
		}
	case "mem":
	default:
		errs = append(errs, fmt.Errorf("unsupported REPO_BACKEND=%s", c.RepoBackend))
	}
	if _, err := time.LoadLocation(c.ExpiryTZ); err != nil {
		errs = append(errs, fmt.Errorf("invalid EXPIRY_TZ: %w", err))
	}
	return errors.Join(errs...)
}

// Location returns the expiry time zone, UTC when it cannot be loaded.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.ExpiryTZ)
	if err != nil {
		return time.UTC
	}
	return loc
}

// parseProductYears parses "credit=3,debit=5".
func parseProductYears(s string) (map[string]int, error) {
	out := map[string]int{}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, val, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("CARD_PRODUCT_YEARS entry %q must be product=years", part)
		}
		years, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil || years <= 0 {
			return nil, fmt.Errorf("CARD_PRODUCT_YEARS entry %q must have positive years", part)
		}
		out[strings.ToLower(strings.TrimSpace(name))] = years
	}
	return out, nil
}

// loadDotEnv loads the first .env found from the working directory upwards.
func loadDotEnv() {
	dir, err := os.Getwd()
	if err != nil {
		return
	}
	for {
		path := filepath.Join(dir, ".env")
		if _, err := os.Stat(path); err == nil {
			_ = godotenv.Load(path)
			return
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return
		}
		dir = parent
	}
}
