package core

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
)

// Settings holds the two base URLs the service talks to. They can be changed
// until the service is started; afterwards every write fails with
// ErrConfigurationMisuse.
type Settings struct {
	mu             sync.RWMutex
	apiBaseURL     string
	installBaseURL string
	locked         bool
	logger         *slog.Logger
}

func NewSettings() *Settings {
	return &Settings{
		apiBaseURL:     DefaultAPIBaseURL,
		installBaseURL: DefaultInstallBaseURL,
	}
}

func (s *Settings) SetAPIURL(rawURL string) error {
	return s.set("api_base_url", rawURL, &s.apiBaseURL)
}

func (s *Settings) SetInstallURL(rawURL string) error {
	return s.set("install_base_url", rawURL, &s.installBaseURL)
}

func (s *Settings) APIURL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.apiBaseURL
}

func (s *Settings) InstallURL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.installBaseURL
}

func (s *Settings) Locked() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.locked
}

func (s *Settings) set(name, rawURL string, dst *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.locked {
		err := fmt.Errorf("%w: %s cannot change after the update service started", ErrConfigurationMisuse, name)
		if s.logger != nil {
			s.logger.Error("settings write after activation", "setting", name, "value", rawURL)
		}
		return err
	}

	normalized, err := normalizeBaseURL(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrConfigurationMisuse, name, err)
	}
	*dst = normalized
	return nil
}

func (s *Settings) lock(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locked = true
	s.logger = logger
}

func normalizeBaseURL(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("missing host in %q", rawURL)
	}
	return strings.TrimRight(u.String(), "/"), nil
}
