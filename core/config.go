package core

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"golang.org/x/crypto/bcrypt"
)

const (
	DefaultAPIBaseURL     = "https://api.mobile.azure.com/v0.1"
	DefaultInstallBaseURL = "https://install.mobile.azure.com"

	DefaultCorrelationTTL      = 10 * time.Minute
	DefaultSessionLifetime     = 24 * time.Hour
	DefaultRetryBackoff        = time.Minute
	DefaultCheckInterval       = 24 * time.Hour
	DefaultMaxReauthPerTrigger = 1
)

type Config struct {
	// Application identity sent to the release service
	AppID          string `yaml:"app_id"`
	CurrentVersion string `yaml:"current_version"`
	Platform       string `yaml:"platform"`
	OSVersion      string `yaml:"os_version"`

	// RedirectURI is where the update-setup portal sends the browser back to,
	// typically a custom scheme such as "myapp-updates://callback".
	RedirectURI string `yaml:"redirect_uri"`

	CorrelationTTL  time.Duration `yaml:"correlation_ttl"`  // how long an auth flow may stay outstanding
	SessionLifetime time.Duration `yaml:"session_lifetime"` // used when the token carries no exp claim

	CheckInterval       time.Duration `yaml:"check_interval"`         // timer trigger period
	MinCheckInterval    time.Duration `yaml:"min_check_interval"`     // automatic triggers closer than this to the last check are skipped
	RetryBackoff        time.Duration `yaml:"retry_backoff"`          // automatic triggers are skipped this long after a transient failure; negative disables
	MaxReauthPerTrigger int           `yaml:"max_reauth_per_trigger"` // negative disables re-authentication

	// EncryptionKey, when set, must be 32 bytes; session tokens are stored AES-256-GCM encrypted.
	EncryptionKey string `yaml:"encryption_key"`
	// HashCost is the bcrypt cost used for correlation IDs at rest.
	HashCost int `yaml:"hash_cost"`
}

func (c Config) withDefaults() Config {
	if c.CorrelationTTL <= 0 {
		c.CorrelationTTL = DefaultCorrelationTTL
	}
	if c.SessionLifetime <= 0 {
		c.SessionLifetime = DefaultSessionLifetime
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = DefaultCheckInterval
	}
	// Zero picks the default; a negative value disables the behavior.
	switch {
	case c.RetryBackoff == 0:
		c.RetryBackoff = DefaultRetryBackoff
	case c.RetryBackoff < 0:
		c.RetryBackoff = 0
	}
	if c.MinCheckInterval < 0 {
		c.MinCheckInterval = 0
	}
	switch {
	case c.MaxReauthPerTrigger == 0:
		c.MaxReauthPerTrigger = DefaultMaxReauthPerTrigger
	case c.MaxReauthPerTrigger < 0:
		c.MaxReauthPerTrigger = 0
	}
	if c.HashCost == 0 {
		c.HashCost = bcrypt.DefaultCost
	}
	return c
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.AppID) == "" {
		return fmt.Errorf("%w: app_id is required", ErrConfigurationMisuse)
	}
	if strings.TrimSpace(c.CurrentVersion) == "" {
		return fmt.Errorf("%w: current_version is required", ErrConfigurationMisuse)
	}
	if _, err := semver.NewVersion(c.CurrentVersion); err != nil {
		return fmt.Errorf("%w: current_version %q: %v", ErrConfigurationMisuse, c.CurrentVersion, err)
	}
	if strings.TrimSpace(c.Platform) == "" {
		return fmt.Errorf("%w: platform is required", ErrConfigurationMisuse)
	}
	redirect, err := url.Parse(c.RedirectURI)
	if err != nil || redirect.Scheme == "" {
		return fmt.Errorf("%w: redirect_uri %q must be an absolute URL", ErrConfigurationMisuse, c.RedirectURI)
	}
	if c.EncryptionKey != "" && len(c.EncryptionKey) != 32 {
		return fmt.Errorf("%w: %v", ErrConfigurationMisuse, ErrInvalidEncryptionKey)
	}
	if c.HashCost != 0 && (c.HashCost < bcrypt.MinCost || c.HashCost > bcrypt.MaxCost) {
		return fmt.Errorf("%w: hash_cost %d out of range", ErrConfigurationMisuse, c.HashCost)
	}
	return nil
}
