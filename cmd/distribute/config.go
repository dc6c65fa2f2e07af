package main

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"distribute/core"
	"distribute/storage"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "DISTRIBUTE"

const (
	KeyAppID       = "app.id"
	KeyAppVersion  = "app.version"
	KeyPlatform    = "app.platform"
	KeyOSVersion   = "app.os_version"
	KeyRedirectURI = "app.redirect_uri"

	KeyAPIURL     = "api_url"
	KeyInstallURL = "install_url"

	KeyCorrelationTTL   = "flow.correlation_ttl"
	KeySessionLifetime  = "flow.session_lifetime"
	KeyCheckInterval    = "flow.check_interval"
	KeyMinCheckInterval = "flow.min_check_interval"
	KeyRetryBackoff     = "flow.retry_backoff"
	KeyMaxReauth        = "flow.max_reauth_per_trigger"

	KeyEncryptionKey = "security.encryption_key"
	KeyHashCost      = "security.hash_cost"

	KeyDBType     = "db.type"
	KeyDBPath     = "db.path"
	KeyYDBDSN     = "db.ydb.dsn"
	KeyYDBSAKey   = "db.ydb.service_account_key_file"
	KeyYDBMeta    = "db.ydb.use_metadata"
	KeyYDBToken   = "db.ydb.access_token"
	KeyYDBTable   = "db.ydb.table"
	KeyListenAddr = "listen"
	KeyLogLevel   = "log_level"
	KeyPrompt     = "prompt"
	KeyBrowser    = "browser"

	// KeyDecideOverHTTP makes the listener leave offered releases pending
	// for POST /action instead of applying the default policy.
	KeyDecideOverHTTP = "decide_over_http"
)

type AppConfig struct {
	Core       core.Config
	APIURL     string
	InstallURL string
	DB         DBConfig
	Listen     string
	LogLevel   slog.Level
	Prompt     bool

	// Browser is the command that opens URLs; empty picks the platform
	// default and "none" only prints them.
	Browser        string
	DecideOverHTTP bool
}

type DBConfig struct {
	Type string
	Path string
	YDB  storage.YDBConfig
}

// bindFlags declares the flags shared by every subcommand. Each flag
// overrides the config key of the same meaning.
func bindFlags(flags *pflag.FlagSet) {
	flags.String("config", "distribute.yaml", "path to the YAML config file")
	flags.String("db", "", "state store: sqlite, file, ydb or mock")
	flags.String("db-path", "", "sqlite database or YAML state file path")
	flags.String("api-url", "", "release service base URL")
	flags.String("install-url", "", "update setup portal base URL")
	flags.String("listen", "", "callback listener address")
	flags.String("log-level", "", "debug, info, warn or error")
	flags.String("browser", "", `command used to open URLs ("none" only prints them)`)
	flags.Bool("no-prompt", false, "never ask on the terminal; apply the default policy")
}

var flagKeys = map[string]string{
	"db":          KeyDBType,
	"db-path":     KeyDBPath,
	"api-url":     KeyAPIURL,
	"install-url": KeyInstallURL,
	"listen":      KeyListenAddr,
	"log-level":   KeyLogLevel,
	"browser":     KeyBrowser,
}

// loadConfig resolves configuration with the precedence
// defaults < config file < environment variables < flags.
func loadConfig(flags *pflag.FlagSet) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	configPath, _ := flags.GetString("config")
	if env := os.Getenv(envPrefix + "_CONFIG"); env != "" && !flags.Changed("config") {
		configPath = env
	}
	if err := mergeConfigFile(v, configPath); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	for name, key := range flagKeys {
		if f := flags.Lookup(name); f != nil && f.Changed {
			v.Set(key, f.Value.String())
		}
	}
	if noPrompt, _ := flags.GetBool("no-prompt"); noPrompt {
		v.Set(KeyPrompt, false)
	}

	return fromViper(v)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(KeyPlatform, "linux")
	v.SetDefault(KeyRedirectURI, "http://127.0.0.1:8765/callback")
	v.SetDefault(KeyAPIURL, core.DefaultAPIBaseURL)
	v.SetDefault(KeyInstallURL, core.DefaultInstallBaseURL)
	v.SetDefault(KeyCorrelationTTL, core.DefaultCorrelationTTL)
	v.SetDefault(KeySessionLifetime, core.DefaultSessionLifetime)
	v.SetDefault(KeyCheckInterval, core.DefaultCheckInterval)
	v.SetDefault(KeyRetryBackoff, core.DefaultRetryBackoff)
	v.SetDefault(KeyMaxReauth, core.DefaultMaxReauthPerTrigger)
	v.SetDefault(KeyDBType, "sqlite")
	v.SetDefault(KeyDBPath, "distribute.db")
	v.SetDefault(KeyYDBTable, "update_state")
	v.SetDefault(KeyListenAddr, "127.0.0.1:8765")
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyPrompt, true)
	v.SetDefault(KeyBrowser, "")
	v.SetDefault(KeyDecideOverHTTP, false)
}

func fromViper(v *viper.Viper) (*AppConfig, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(v.GetString(KeyLogLevel))); err != nil {
		return nil, fmt.Errorf("log_level: %w", err)
	}

	cfg := &AppConfig{
		Core: core.Config{
			AppID:               v.GetString(KeyAppID),
			CurrentVersion:      v.GetString(KeyAppVersion),
			Platform:            v.GetString(KeyPlatform),
			OSVersion:           v.GetString(KeyOSVersion),
			RedirectURI:         v.GetString(KeyRedirectURI),
			CorrelationTTL:      v.GetDuration(KeyCorrelationTTL),
			SessionLifetime:     v.GetDuration(KeySessionLifetime),
			CheckInterval:       v.GetDuration(KeyCheckInterval),
			MinCheckInterval:    v.GetDuration(KeyMinCheckInterval),
			RetryBackoff:        v.GetDuration(KeyRetryBackoff),
			MaxReauthPerTrigger: v.GetInt(KeyMaxReauth),
			EncryptionKey:       v.GetString(KeyEncryptionKey),
			HashCost:            v.GetInt(KeyHashCost),
		},
		APIURL:     v.GetString(KeyAPIURL),
		InstallURL: v.GetString(KeyInstallURL),
		DB: DBConfig{
			Type: strings.ToLower(v.GetString(KeyDBType)),
			Path: v.GetString(KeyDBPath),
			YDB: storage.YDBConfig{
				DSN:                   v.GetString(KeyYDBDSN),
				ServiceAccountKeyFile: v.GetString(KeyYDBSAKey),
				UseMetadata:           v.GetBool(KeyYDBMeta),
				AccessToken:           v.GetString(KeyYDBToken),
				Table:                 v.GetString(KeyYDBTable),
			},
		},
		Listen:         v.GetString(KeyListenAddr),
		LogLevel:       level,
		Prompt:         v.GetBool(KeyPrompt),
		Browser:        v.GetString(KeyBrowser),
		DecideOverHTTP: v.GetBool(KeyDecideOverHTTP),
	}

	if err := cfg.Core.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func mergeConfigFile(v *viper.Viper, path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config path %s is a directory", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := v.MergeConfig(bytes.NewReader(data)); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}
