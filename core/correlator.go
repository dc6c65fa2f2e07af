package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"

	"github.com/jonboulle/clockwork"
)

// Callback query parameters
const (
	ParamRequestID   = "request_id"
	ParamUpdateToken = "update_token"
	ParamSetupFailed = "update_setup_failed"
	ParamRedirectURI = "redirect_uri"
	ParamPlatform    = "platform"
	ParamInstallID   = "install_id"
)

// AuthFlow is a started update-setup handshake. URL must be opened in the
// user's browser; the browser comes back through the configured redirect URI.
type AuthFlow struct {
	Request *CorrelationRequest
	URL     string
}

// Correlator pairs inbound callback URLs with the auth flow that produced
// them. At most one flow is outstanding at a time and every ID is single use.
type Correlator struct {
	repo     *stateRepo
	crypto   *CryptoService
	config   Config
	redirect *url.URL
	clock    clockwork.Clock
	logger   *slog.Logger
	newID    func() (string, error)
}

type CorrelatorOption func(*Correlator)

// WithIDGenerator replaces the random correlation ID source.
func WithIDGenerator(fn func() (string, error)) CorrelatorOption {
	return func(c *Correlator) {
		c.newID = fn
	}
}

func WithCorrelatorClock(clock clockwork.Clock) CorrelatorOption {
	return func(c *Correlator) {
		c.clock = clock
	}
}

func WithCorrelatorLogger(logger *slog.Logger) CorrelatorOption {
	return func(c *Correlator) {
		c.logger = logger
	}
}

func NewCorrelator(store StateStore, crypto *CryptoService, config Config, opts ...CorrelatorOption) (*Correlator, error) {
	config = config.withDefaults()
	redirect, err := url.Parse(config.RedirectURI)
	if err != nil || redirect.Scheme == "" {
		return nil, fmt.Errorf("%w: redirect_uri %q must be an absolute URL", ErrConfigurationMisuse, config.RedirectURI)
	}

	c := &Correlator{
		repo:     newStateRepo(store, crypto),
		crypto:   crypto,
		config:   config,
		redirect: redirect,
		clock:    clockwork.NewRealClock(),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		newID:    GenerateCorrelationID,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// StartAuthFlow discards any outstanding correlation, persists a fresh one and
// returns the update-setup URL that carries it.
func (c *Correlator) StartAuthFlow(ctx context.Context, installBaseURL string) (*AuthFlow, error) {
	if err := c.repo.deleteCorrelation(ctx); err != nil {
		return nil, err
	}

	id, err := c.newID()
	if err != nil {
		return nil, err
	}
	if id == "" {
		return nil, errors.New("empty correlation ID")
	}

	installID, err := c.repo.installID(ctx)
	if err != nil {
		return nil, err
	}

	req := &CorrelationRequest{
		ID:           id,
		CreatedAt:    c.clock.Now(),
		ExpiresAfter: c.config.CorrelationTTL,
	}
	if err := c.repo.saveCorrelation(ctx, req); err != nil {
		return nil, err
	}

	setupURL, err := c.setupURL(installBaseURL, id, installID)
	if err != nil {
		_ = c.repo.deleteCorrelation(ctx)
		return nil, err
	}

	c.logger.Info("update setup flow started", "expires_at", req.ExpiresAt())
	return &AuthFlow{Request: req, URL: setupURL}, nil
}

func (c *Correlator) setupURL(installBaseURL, id, installID string) (string, error) {
	base, err := normalizeBaseURL(installBaseURL)
	if err != nil {
		return "", fmt.Errorf("%w: install base URL: %v", ErrConfigurationMisuse, err)
	}

	u, err := url.Parse(base + "/apps/" + url.PathEscape(c.config.AppID) + "/update-setup")
	if err != nil {
		return "", fmt.Errorf("failed to build setup URL: %w", err)
	}

	q := url.Values{}
	q.Set(ParamRequestID, id)
	q.Set(ParamRedirectURI, c.config.RedirectURI)
	q.Set(ParamPlatform, c.config.Platform)
	q.Set(ParamInstallID, installID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Outstanding returns the stored correlation, or nil when none is pending.
// The returned request never carries the plaintext ID.
func (c *Correlator) Outstanding(ctx context.Context) (*CorrelationRequest, error) {
	stored, err := c.repo.loadCorrelation(ctx)
	if err != nil || stored == nil {
		return nil, err
	}
	return stored.request(), nil
}

// Cancel drops the outstanding correlation, if any.
func (c *Correlator) Cancel(ctx context.Context) error {
	return c.repo.deleteCorrelation(ctx)
}

// HandleCallback verifies rawURL against the outstanding correlation and, on
// success, persists and returns the new session. Rejections are returned as
// *RejectedError. Other errors come from the state store.
func (c *Correlator) HandleCallback(ctx context.Context, rawURL string) (*Session, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Scheme == "" {
		return nil, reject(RejectMalformedURL, "")
	}
	if !c.matchesRedirect(u) {
		return nil, reject(RejectUnexpectedTarget, u.Scheme+"://"+u.Host+u.Path)
	}

	q, err := url.ParseQuery(u.RawQuery)
	if err != nil {
		return nil, reject(RejectMalformedURL, "unparsable query")
	}
	if len(q[ParamRequestID]) != 1 || q.Get(ParamRequestID) == "" {
		return nil, reject(RejectMalformedURL, "request_id must appear exactly once")
	}
	requestID := q.Get(ParamRequestID)

	stored, err := c.repo.loadCorrelation(ctx)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, reject(RejectNoOutstanding, "")
	}

	if !c.crypto.VerifyTokenHash(requestID, stored.IDHash) {
		return nil, reject(RejectIDMismatch, "")
	}

	// The callback proved it carries the outstanding ID; whatever happens next
	// the correlation is spent.
	if err := c.repo.deleteCorrelation(ctx); err != nil {
		return nil, err
	}

	now := c.clock.Now()
	if stored.request().Expired(now) {
		return nil, reject(RejectExpired, "")
	}

	if reason := q.Get(ParamSetupFailed); reason != "" {
		return nil, reject(RejectSetupFailed, reason)
	}

	token := q.Get(ParamUpdateToken)
	used, err := c.repo.tokenUsed(ctx, token)
	if err != nil {
		return nil, err
	}
	if used {
		return nil, reject(RejectReusedToken, "")
	}

	session, err := NewSession(token, requestID, now, c.config.SessionLifetime)
	switch {
	case errors.Is(err, ErrExpiredToken):
		return nil, reject(RejectTokenExpired, "")
	case err != nil:
		return nil, reject(RejectMalformedToken, err.Error())
	}

	if err := c.repo.saveSession(ctx, session); err != nil {
		return nil, err
	}

	c.logger.Info("update session established", "expires_at", session.ExpiresAt, "binding", session.Correlation)
	return session, nil
}

func (c *Correlator) matchesRedirect(u *url.URL) bool {
	return strings.EqualFold(u.Scheme, c.redirect.Scheme) &&
		strings.EqualFold(u.Host, c.redirect.Host) &&
		strings.TrimRight(u.Path, "/") == strings.TrimRight(c.redirect.Path, "/")
}
