package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// UpdateService drives the update flow: it authenticates through an external
// setup page, checks for releases and lets a Delegate decide what to do with
// them. All transitions are serialized on one mutex; network calls run in the
// background and their results are dropped if the flow moved on meanwhile.
type UpdateService struct {
	mu sync.Mutex
	wg sync.WaitGroup

	config     Config
	settings   *Settings
	repo       *stateRepo
	correlator *Correlator
	releases   ReleaseClient
	opener     URLOpener
	installer  Installer
	delegate   Delegate
	clock      clockwork.Clock
	logger     *slog.Logger
	corrOpts   []CorrelatorOption

	started     bool
	enabled     bool
	installID   string
	state       FlowState
	generation  uint64
	reauths     int
	lastFailure time.Time
}

type ServiceOption func(*UpdateService)

func WithClock(clock clockwork.Clock) ServiceOption {
	return func(s *UpdateService) {
		s.clock = clock
	}
}

func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *UpdateService) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithInstaller replaces the default BrowserInstaller.
func WithInstaller(installer Installer) ServiceOption {
	return func(s *UpdateService) {
		s.installer = installer
	}
}

// WithCorrelatorOptions passes extra options to the service's Correlator.
func WithCorrelatorOptions(opts ...CorrelatorOption) ServiceOption {
	return func(s *UpdateService) {
		s.corrOpts = append(s.corrOpts, opts...)
	}
}

func NewUpdateService(store StateStore, releases ReleaseClient, opener URLOpener, config Config, settings *Settings, opts ...ServiceOption) (*UpdateService, error) {
	if store == nil || releases == nil || opener == nil {
		return nil, fmt.Errorf("%w: store, release client and URL opener are required", ErrConfigurationMisuse)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config = config.withDefaults()

	crypto, err := NewCryptoService(config.EncryptionKey, config.HashCost)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigurationMisuse, err)
	}
	if settings == nil {
		settings = NewSettings()
	}

	s := &UpdateService{
		config:   config,
		settings: settings,
		repo:     newStateRepo(store, crypto),
		releases: releases,
		opener:   opener,
		clock:    clockwork.NewRealClock(),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		enabled:  true,
		state:    FlowState{Phase: PhaseIdle},
	}
	for _, opt := range opts {
		opt(s)
	}

	corrOpts := append([]CorrelatorOption{
		WithCorrelatorClock(s.clock),
		WithCorrelatorLogger(s.logger),
	}, s.corrOpts...)
	s.correlator, err = NewCorrelator(store, crypto, config, corrOpts...)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Start activates the service: settings become read-only and the flow phase
// is rebuilt from persisted state. Calling Start again is a no-op.
func (s *UpdateService) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}

	installID, err := s.repo.installID(ctx)
	if err != nil {
		return err
	}

	state, err := s.restore(ctx)
	if err != nil {
		return err
	}

	s.settings.lock(s.logger)
	s.installID = installID
	s.state = state
	s.started = true
	s.logger.Info("update service started", "phase", state.Phase, "api_base_url", s.settings.APIURL())
	return nil
}

func (s *UpdateService) restore(ctx context.Context) (FlowState, error) {
	now := s.clock.Now()

	pending, err := s.correlator.Outstanding(ctx)
	if err != nil {
		return FlowState{}, err
	}
	if pending != nil {
		if !pending.Expired(now) {
			return FlowState{Phase: PhaseAwaitingAuthCallback, Correlation: pending}, nil
		}
		if err := s.correlator.Cancel(ctx); err != nil {
			return FlowState{}, err
		}
	}

	marker, err := s.repo.loadPostponed(ctx)
	if err != nil {
		s.logger.Warn("discarding unreadable postpone marker", "error", err)
		if err := s.repo.deletePostponed(ctx); err != nil {
			return FlowState{}, err
		}
		marker = nil
	}
	if marker != nil && marker.Active(now) {
		return FlowState{Phase: PhasePostponed, Postponed: marker}, nil
	}
	return FlowState{Phase: PhaseIdle}, nil
}

// Enable lets triggers run again after Disable.
func (s *UpdateService) Enable(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.enabled {
		return nil
	}
	s.enabled = true
	if s.started {
		state, err := s.restore(ctx)
		if err != nil {
			return err
		}
		s.setState(state)
	}
	s.logger.Info("update distribution enabled")
	return nil
}

// Disable stops the flow: the outstanding correlation is dropped, in-flight
// checks are discarded and triggers fail with ErrDisabled until Enable.
func (s *UpdateService) Disable(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.enabled = false
	s.generation++
	if err := s.correlator.Cancel(ctx); err != nil {
		return err
	}
	s.setState(FlowState{Phase: PhaseIdle})
	s.logger.Info("update distribution disabled")
	return nil
}

func (s *UpdateService) SetDelegate(delegate Delegate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delegate = delegate
}

// State returns a snapshot of the flow.
func (s *UpdateService) State() FlowState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *UpdateService) ApplicationDidEnterForeground(ctx context.Context) error {
	return s.trigger(ctx, TriggerForeground)
}

// CheckForUpdate is the explicit trigger; it ignores the retry backoff.
func (s *UpdateService) CheckForUpdate(ctx context.Context) error {
	return s.trigger(ctx, TriggerExplicit)
}

// Run fires a startup trigger and then a timer trigger every CheckInterval
// until ctx is done.
func (s *UpdateService) Run(ctx context.Context) error {
	if err := s.trigger(ctx, TriggerStartup); err != nil {
		if !errors.Is(err, ErrDisabled) {
			return err
		}
	}

	ticker := s.clock.NewTicker(s.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
			if err := s.trigger(ctx, TriggerTimer); err != nil && !errors.Is(err, ErrDisabled) {
				s.logger.Error("timer trigger failed", "error", err)
			}
		}
	}
}

// Wait blocks until background checks have finished.
func (s *UpdateService) Wait() {
	s.wg.Wait()
}

func (s *UpdateService) trigger(ctx context.Context, t Trigger) error {
	s.mu.Lock()

	if !s.started {
		s.mu.Unlock()
		return ErrNotActivated
	}
	if !s.enabled {
		s.mu.Unlock()
		return ErrDisabled
	}

	now := s.clock.Now()
	if skip, why := s.coalesce(ctx, t, now); skip {
		s.logger.Debug("trigger coalesced", "trigger", t, "phase", s.state.Phase, "reason", why)
		s.mu.Unlock()
		return nil
	}

	s.reauths = 0
	if t == TriggerExplicit {
		s.lastFailure = time.Time{}
	}
	s.logger.Info("update check triggered", "trigger", t)

	session, err := s.repo.loadSession(ctx)
	if err != nil {
		s.logger.Warn("dropping unreadable session", "error", err)
		session = nil
	}
	if session.Valid(now) {
		s.beginCheck(ctx, session)
		s.mu.Unlock()
		return nil
	}

	if session != nil {
		if err := s.repo.deleteSession(ctx); err != nil {
			s.mu.Unlock()
			return err
		}
	}

	flow, gen, err := s.beginAuth(ctx)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.openAuthFlow(ctx, gen, flow)
	return nil
}

// coalesce reports whether trigger t should be dropped. Called with s.mu held.
func (s *UpdateService) coalesce(ctx context.Context, t Trigger, now time.Time) (bool, string) {
	switch {
	case s.state.Phase == PhaseAwaitingAuthCallback:
		if s.state.Correlation != nil && !s.state.Correlation.Expired(now) {
			return true, "auth flow outstanding"
		}
		s.abandonAuthFlow(ctx)
	case !s.state.Phase.resting():
		return true, string(s.state.Phase) + " in progress"
	}

	if !t.automatic() {
		return false, ""
	}
	if s.config.RetryBackoff > 0 && !s.lastFailure.IsZero() && now.Sub(s.lastFailure) < s.config.RetryBackoff {
		return true, "backing off after transient failure"
	}
	if s.config.MinCheckInterval > 0 {
		last, err := s.repo.lastCheckedAt(ctx)
		if err == nil && !last.IsZero() && now.Sub(last) < s.config.MinCheckInterval {
			return true, "checked recently"
		}
	}
	return false, ""
}

// abandonAuthFlow drops an expired auth flow. Called with s.mu held.
func (s *UpdateService) abandonAuthFlow(ctx context.Context) {
	if err := s.correlator.Cancel(ctx); err != nil {
		s.logger.Warn("failed to drop expired correlation", "error", err)
	}
	s.generation++
	s.setState(FlowState{Phase: PhaseIdle})
	s.logger.Info("expired update setup abandoned")
}

// beginAuth starts a fresh auth flow. Called with s.mu held; the caller opens
// the returned URL after unlocking.
func (s *UpdateService) beginAuth(ctx context.Context) (*AuthFlow, uint64, error) {
	flow, err := s.correlator.StartAuthFlow(ctx, s.settings.InstallURL())
	if err != nil {
		s.setState(FlowState{Phase: PhaseIdle})
		return nil, 0, fmt.Errorf("failed to start update setup: %w", err)
	}

	s.generation++
	pending := *flow.Request
	pending.ID = ""
	s.setState(FlowState{Phase: PhaseAwaitingAuthCallback, Correlation: &pending})
	return flow, s.generation, nil
}

func (s *UpdateService) openAuthFlow(ctx context.Context, gen uint64, flow *AuthFlow) {
	err := s.opener.OpenURL(ctx, flow.URL)
	if err == nil {
		return
	}

	s.logger.Error("failed to open update setup page", "error", err)
	s.mu.Lock()
	if gen == s.generation && s.state.Phase == PhaseAwaitingAuthCallback {
		if cerr := s.correlator.Cancel(ctx); cerr != nil {
			s.logger.Error("failed to cancel correlation", "error", cerr)
		}
		s.setState(FlowState{Phase: PhaseIdle})
	}
	s.mu.Unlock()
	s.report(fmt.Errorf("open update setup page: %w", err))
}

// beginCheck moves to CheckingForUpdate and runs the release check in the
// background. Called with s.mu held.
func (s *UpdateService) beginCheck(ctx context.Context, session *Session) {
	s.generation++
	gen := s.generation
	s.setState(FlowState{Phase: PhaseCheckingForUpdate})

	req := CheckRequest{
		BaseURL:        s.settings.APIURL(),
		AppID:          s.config.AppID,
		CurrentVersion: s.config.CurrentVersion,
		Platform:       s.config.Platform,
		OSVersion:      s.config.OSVersion,
		InstallID:      s.installID,
	}

	bg := context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		release, err := s.releases.CheckForUpdate(bg, session, req)
		s.completeCheck(bg, gen, release, err)
	}()
}

func (s *UpdateService) completeCheck(ctx context.Context, gen uint64, release *ReleaseInfo, err error) {
	s.mu.Lock()
	if gen != s.generation || s.state.Phase != PhaseCheckingForUpdate {
		s.logger.Debug("discarding stale check result", "generation", gen, "current", s.generation)
		s.mu.Unlock()
		return
	}

	if err != nil {
		s.failCheck(ctx, err)
		return
	}

	now := s.clock.Now()
	s.lastFailure = time.Time{}
	var releaseID int64
	if release != nil {
		releaseID = release.ReleaseID
	}
	if rerr := s.repo.recordCheck(ctx, releaseID, now); rerr != nil {
		s.logger.Warn("failed to record check", "error", rerr)
	}

	if release == nil {
		if derr := s.repo.deletePostponed(ctx); derr != nil {
			s.logger.Warn("failed to clear postpone marker", "error", derr)
		}
		s.setState(FlowState{Phase: PhaseUpToDate})
		s.mu.Unlock()
		s.logger.Info("no update available")
		return
	}

	marker, merr := s.repo.loadPostponed(ctx)
	if merr != nil {
		s.logger.Warn("ignoring unreadable postpone marker", "error", merr)
		marker = nil
	}
	if marker != nil && (marker.ReleaseID != release.ReleaseID || !marker.Active(now)) {
		s.logger.Info("clearing postpone marker", "postponed_release", marker.ReleaseID, "offered_release", release.ReleaseID)
		if derr := s.repo.deletePostponed(ctx); derr != nil {
			s.logger.Warn("failed to clear postpone marker", "error", derr)
		}
		marker = nil
	}
	if marker != nil && !release.Mandatory {
		s.setState(FlowState{Phase: PhasePostponed, Postponed: marker})
		s.mu.Unlock()
		s.logger.Info("release suppressed by postpone", "release_id", release.ReleaseID)
		return
	}

	offered := *release
	s.setState(FlowState{Phase: PhaseReleaseAvailable, Release: &offered})
	delegate := s.delegate
	s.mu.Unlock()

	s.logger.Info("release available", "release_id", offered.ReleaseID, "version", offered.Version, "mandatory", offered.Mandatory)
	if delegate != nil && delegate.ReleaseAvailable(offered) {
		return
	}
	s.applyDefaultPolicy(ctx, offered.ReleaseID)
}

// failCheck handles a failed release check. Called with s.mu held; returns
// with it released.
func (s *UpdateService) failCheck(ctx context.Context, err error) {
	kind, ok := FailureKindOf(err)
	if !ok {
		kind = FailureTransient
	}

	switch kind {
	case FailureUnauthorized:
		if derr := s.repo.deleteSession(ctx); derr != nil {
			s.logger.Error("failed to drop rejected session", "error", derr)
		}
		if s.reauths < s.config.MaxReauthPerTrigger {
			s.reauths++
			s.logger.Warn("session rejected, restarting update setup", "attempt", s.reauths)
			flow, gen, aerr := s.beginAuth(ctx)
			s.mu.Unlock()
			if aerr != nil {
				s.logger.Error("re-authentication failed", "error", aerr)
				s.report(aerr)
				return
			}
			s.openAuthFlow(ctx, gen, flow)
			return
		}
		s.setState(FlowState{Phase: PhaseIdle})
		s.mu.Unlock()
		s.logger.Error("session rejected after re-authentication", "error", err)
		s.report(err)

	case FailureMalformed:
		s.setState(FlowState{Phase: PhaseIdle})
		s.mu.Unlock()
		var checkErr *CheckError
		body := ""
		if errors.As(err, &checkErr) {
			body = checkErr.Body
		}
		s.logger.Error("malformed release response", "error", err, "body", body)
		s.report(err)

	default:
		s.lastFailure = s.clock.Now()
		s.setState(FlowState{Phase: PhaseIdle})
		s.mu.Unlock()
		s.logger.Warn("release check failed, will retry on a later trigger", "error", err)
	}
}

// applyDefaultPolicy resolves a release nobody claimed: optional releases are
// postponed until a newer one appears, mandatory ones are offered again on
// the next trigger.
func (s *UpdateService) applyDefaultPolicy(ctx context.Context, releaseID int64) {
	s.mu.Lock()
	if s.state.Phase != PhaseReleaseAvailable || s.state.Release.ReleaseID != releaseID {
		s.mu.Unlock()
		return
	}
	if s.state.Release.Mandatory {
		s.setState(FlowState{Phase: PhaseIdle})
		s.mu.Unlock()
		s.logger.Info("mandatory release left pending", "release_id", releaseID)
		return
	}
	err := s.postpone(ctx, PostponeIndefinitely())
	s.mu.Unlock()
	if err != nil {
		s.logger.Error("failed to postpone release", "release_id", releaseID, "error", err)
	}
}

// NotifyUpdateAction applies the user's decision about the release currently
// awaiting one.
func (s *UpdateService) NotifyUpdateAction(ctx context.Context, decision Decision) error {
	if err := decision.validate(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.state.Phase != PhaseReleaseAvailable || s.state.Release == nil {
		s.mu.Unlock()
		return ErrNoPendingRelease
	}
	release := *s.state.Release

	if decision.Action == ActionPostpone {
		defer s.mu.Unlock()
		if release.Mandatory {
			s.logger.Warn("postpone ignored for mandatory release", "release_id", release.ReleaseID)
			s.setState(FlowState{Phase: PhaseIdle})
			return nil
		}
		return s.postpone(ctx, decision)
	}

	if err := s.repo.deletePostponed(ctx); err != nil {
		s.mu.Unlock()
		return err
	}
	s.setState(FlowState{Phase: PhaseIdle})
	installer := s.installer
	if installer == nil {
		installer = &BrowserInstaller{Opener: s.opener, Exit: exitNotifier(s.delegate)}
	}
	s.mu.Unlock()

	s.logger.Info("installing release", "release_id", release.ReleaseID, "version", release.Version)
	if err := installer.Install(ctx, release); err != nil {
		s.logger.Error("installer hand-off failed", "release_id", release.ReleaseID, "error", err)
		s.report(err)
		return err
	}
	return nil
}

// postpone persists a marker for the pending release. Called with s.mu held.
func (s *UpdateService) postpone(ctx context.Context, decision Decision) error {
	marker := &PostponeMarker{
		ReleaseID: s.state.Release.ReleaseID,
		Until:     decision.until(s.clock.Now()),
	}
	if err := s.repo.savePostponed(ctx, marker); err != nil {
		return err
	}
	s.setState(FlowState{Phase: PhasePostponed, Postponed: marker})
	s.logger.Info("release postponed", "release_id", marker.ReleaseID, "until", marker.Until, "indefinite", marker.Indefinite())
	return nil
}

// HandleURL offers an inbound URL to the service. It returns true when the URL
// completed the outstanding update setup. Rejected URLs are logged and
// otherwise ignored.
func (s *UpdateService) HandleURL(ctx context.Context, rawURL string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started || !s.enabled {
		s.logger.Warn("callback ignored while inactive", "started", s.started, "enabled", s.enabled)
		return false
	}

	session, err := s.correlator.HandleCallback(ctx, rawURL)
	if err != nil {
		reason, ok := RejectReasonOf(err)
		if !ok {
			s.logger.Error("callback handling failed", "error", err)
			return false
		}
		s.logger.Warn("callback rejected", "reason", reason, "error", err)
		if reason.consumes() && s.state.Phase == PhaseAwaitingAuthCallback {
			s.generation++
			s.setState(FlowState{Phase: PhaseIdle})
		}
		return false
	}

	s.beginCheck(ctx, session)
	return true
}

// setState records a transition. Called with s.mu held.
func (s *UpdateService) setState(next FlowState) {
	if s.state.Phase != next.Phase {
		s.logger.Debug("flow transition", "from", s.state.Phase, "to", next.Phase)
	}
	s.state = next
}

func (s *UpdateService) report(err error) {
	s.mu.Lock()
	delegate := s.delegate
	s.mu.Unlock()

	if observer, ok := delegate.(FailureObserver); ok {
		observer.UpdateCheckFailed(err)
	}
}

func exitNotifier(delegate Delegate) ExitNotifier {
	if notifier, ok := delegate.(ExitNotifier); ok {
		return notifier
	}
	return nil
}
