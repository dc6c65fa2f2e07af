package core_test

import (
	"context"
	"net/url"
	"sync"
	"testing"
	"time"

	"distribute/core"
	"distribute/core/releases"
	"distribute/storage"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const testRedirectURI = "distribute-demo://callback"

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func testConfig() core.Config {
	return core.Config{
		AppID:           "demo-app",
		CurrentVersion:  "1.0.0",
		Platform:        "linux",
		OSVersion:       "6.1.0",
		RedirectURI:     testRedirectURI,
		SessionLifetime: 30 * 24 * time.Hour,
		HashCost:        bcrypt.MinCost,
	}
}

type recordingOpener struct {
	mu   sync.Mutex
	urls []string
	err  error
}

func (o *recordingOpener) OpenURL(ctx context.Context, rawURL string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.urls = append(o.urls, rawURL)
	return o.err
}

func (o *recordingOpener) URLs() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.urls...)
}

func (o *recordingOpener) Last() string {
	urls := o.URLs()
	if len(urls) == 0 {
		return ""
	}
	return urls[len(urls)-1]
}

// recordingDelegate counts release notifications. When decide is set it
// answers synchronously through the service.
type recordingDelegate struct {
	mu       sync.Mutex
	svc      *core.UpdateService
	decide   func(core.ReleaseInfo) (core.Decision, bool)
	decline  bool
	offered  []core.ReleaseInfo
	failures []error
	exits    int
}

func (d *recordingDelegate) ReleaseAvailable(release core.ReleaseInfo) bool {
	d.mu.Lock()
	d.offered = append(d.offered, release)
	decide, decline := d.decide, d.decline
	d.mu.Unlock()

	if decline {
		return false
	}
	if decide != nil {
		if decision, ok := decide(release); ok {
			_ = d.svc.NotifyUpdateAction(context.Background(), decision)
		}
	}
	return true
}

func (d *recordingDelegate) UpdateCheckFailed(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures = append(d.failures, err)
}

func (d *recordingDelegate) WillExitApp() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.exits++
}

func (d *recordingDelegate) Offered() []core.ReleaseInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]core.ReleaseInfo(nil), d.offered...)
}

func (d *recordingDelegate) Failures() []error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]error(nil), d.failures...)
}

func (d *recordingDelegate) Exits() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.exits
}

type harness struct {
	store    *storage.MockStore
	releases *releases.MockClient
	opener   *recordingOpener
	clock    *clockwork.FakeClock
	settings *core.Settings
	svc      *core.UpdateService
	delegate *recordingDelegate
}

func newHarness(t *testing.T, opts ...core.ServiceOption) *harness {
	t.Helper()
	h := &harness{
		store:    storage.NewMockStore(),
		releases: releases.NewMockClient(),
		opener:   &recordingOpener{},
		clock:    clockwork.NewFakeClockAt(t0),
		settings: core.NewSettings(),
	}
	h.svc = h.restart(t, testConfig(), opts...)
	return h
}

// restart builds a fresh service over the harness store, as after a process restart.
func (h *harness) restart(t *testing.T, cfg core.Config, opts ...core.ServiceOption) *core.UpdateService {
	t.Helper()
	opts = append([]core.ServiceOption{core.WithClock(h.clock)}, opts...)
	svc, err := core.NewUpdateService(h.store, h.releases, h.opener, cfg, h.settings, opts...)
	require.NoError(t, err)

	h.delegate = &recordingDelegate{svc: svc}
	svc.SetDelegate(h.delegate)
	require.NoError(t, svc.Start(context.Background()))
	h.svc = svc
	return svc
}

func storageForTest() core.StateStore {
	return storage.NewMockStore()
}

// callbackURL answers the setup page at setupURL with token.
func callbackURL(t *testing.T, setupURL, token string) string {
	t.Helper()
	u, err := url.Parse(setupURL)
	require.NoError(t, err)

	q := url.Values{}
	q.Set(core.ParamRequestID, u.Query().Get(core.ParamRequestID))
	q.Set(core.ParamUpdateToken, token)
	return testRedirectURI + "?" + q.Encode()
}

// authenticate runs an explicit trigger through the setup page and the
// callback, then waits for the resulting check.
func (h *harness) authenticate(t *testing.T, token string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.svc.CheckForUpdate(ctx))
	require.Equal(t, core.PhaseAwaitingAuthCallback, h.svc.State().Phase)
	require.True(t, h.svc.HandleURL(ctx, callbackURL(t, h.opener.Last(), token)))
	h.svc.Wait()
}

func fixedIDs(ids ...string) func() (string, error) {
	var mu sync.Mutex
	return func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		id := ids[0]
		if len(ids) > 1 {
			ids = ids[1:]
		}
		return id, nil
	}
}
