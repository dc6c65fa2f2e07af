package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"distribute/core"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type recordingOpener struct {
	mu   sync.Mutex
	urls []string
}

func (o *recordingOpener) OpenURL(ctx context.Context, rawURL string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.urls = append(o.urls, rawURL)
	return nil
}

func (o *recordingOpener) last() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.urls) == 0 {
		return ""
	}
	return o.urls[len(o.urls)-1]
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func parseFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	bindFlags(flags)
	require.NoError(t, flags.Parse(args))
	return flags
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "distribute.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const sampleConfig = `
app:
  id: demo-app
  version: 1.2.0
  os_version: 6.1.0
api_url: https://releases.example.test
flow:
  check_interval: 6h
  max_reauth_per_trigger: 2
db:
  type: file
  path: /tmp/state.yaml
log_level: debug
`

func TestLoadConfig_FromFile(t *testing.T) {
	path := writeConfig(t, sampleConfig)

	cfg, err := loadConfig(parseFlags(t, "--config", path))
	require.NoError(t, err)

	assert.Equal(t, "demo-app", cfg.Core.AppID)
	assert.Equal(t, "1.2.0", cfg.Core.CurrentVersion)
	assert.Equal(t, "linux", cfg.Core.Platform)
	assert.Equal(t, "6.1.0", cfg.Core.OSVersion)
	assert.Equal(t, 6*time.Hour, cfg.Core.CheckInterval)
	assert.Equal(t, 2, cfg.Core.MaxReauthPerTrigger)
	assert.Equal(t, core.DefaultCorrelationTTL, cfg.Core.CorrelationTTL)
	assert.Equal(t, "https://releases.example.test", cfg.APIURL)
	assert.Equal(t, core.DefaultInstallBaseURL, cfg.InstallURL)
	assert.Equal(t, "file", cfg.DB.Type)
	assert.Equal(t, "/tmp/state.yaml", cfg.DB.Path)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.True(t, cfg.Prompt)
}

func TestLoadConfig_Precedence(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	t.Setenv("DISTRIBUTE_APP_VERSION", "2.0.0")
	t.Setenv("DISTRIBUTE_DB_TYPE", "sqlite")
	t.Setenv("DISTRIBUTE_FLOW_RETRY_BACKOFF", "5m")

	cfg, err := loadConfig(parseFlags(t, "--config", path, "--db", "mock", "--no-prompt"))
	require.NoError(t, err)

	assert.Equal(t, "2.0.0", cfg.Core.CurrentVersion, "env overrides file")
	assert.Equal(t, 5*time.Minute, cfg.Core.RetryBackoff)
	assert.Equal(t, "mock", cfg.DB.Type, "flag overrides env")
	assert.False(t, cfg.Prompt)
}

func TestLoadConfig_ConfigPathFromEnv(t *testing.T) {
	t.Setenv("DISTRIBUTE_CONFIG", writeConfig(t, sampleConfig))

	cfg, err := loadConfig(parseFlags(t))
	require.NoError(t, err)
	assert.Equal(t, "demo-app", cfg.Core.AppID)
}

func TestLoadConfig_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"missing app id", "app:\n  version: 1.0.0\n"},
		{"bad version", "app:\n  id: demo\n  version: banana\n"},
		{"bad log level", "app:\n  id: demo\n  version: 1.0.0\nlog_level: loud\n"},
		{"not yaml", "app: [unterminated\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadConfig(parseFlags(t, "--config", writeConfig(t, tt.content)))
			assert.Error(t, err)
		})
	}
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	t.Setenv("DISTRIBUTE_APP_ID", "demo-app")
	t.Setenv("DISTRIBUTE_APP_VERSION", "1.0.0")

	cfg, err := loadConfig(parseFlags(t, "--config", filepath.Join(t.TempDir(), "absent.yaml")))
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.DB.Type)
	assert.Equal(t, "127.0.0.1:8765", cfg.Listen)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
}

func TestInitStore(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	tests := []struct {
		name string
		db   DBConfig
	}{
		{"sqlite", DBConfig{Type: "sqlite", Path: filepath.Join(dir, "state.db")}},
		{"file", DBConfig{Type: "file", Path: filepath.Join(dir, "state.yaml")}},
		{"mock", DBConfig{Type: "mock"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, closer, err := initStore(ctx, tt.db, discardLogger())
			require.NoError(t, err)
			if closer != nil {
				defer closer()
			}

			require.NoError(t, store.Set(ctx, "k", "v"))
			v, ok, err := store.Get(ctx, "k")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, "v", v)
		})
	}

	_, _, err := initStore(ctx, DBConfig{Type: "postgres"}, discardLogger())
	assert.ErrorContains(t, err, "unsupported db type")
}

func releaseServer(t *testing.T, release *core.ReleaseInfo) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if release == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(release)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testAppConfig(apiURL string) *AppConfig {
	return &AppConfig{
		Core: core.Config{
			AppID:          "demo-app",
			CurrentVersion: "1.0.0",
			Platform:       "linux",
			RedirectURI:    "http://127.0.0.1:8765/callback",
			HashCost:       bcrypt.MinCost,
		},
		APIURL:     apiURL,
		InstallURL: "https://install.example.test",
		DB:         DBConfig{Type: "mock"},
		LogLevel:   slog.LevelInfo,
	}
}

func callbackFor(t *testing.T, setupURL string) string {
	t.Helper()
	u, err := url.Parse(setupURL)
	require.NoError(t, err)
	return "http://127.0.0.1:8765/callback?request_id=" + u.Query().Get(core.ParamRequestID) + "&update_token=tok1"
}

func TestApp_CheckThenCallback(t *testing.T) {
	release := &core.ReleaseInfo{
		ReleaseID:    42,
		Version:      "1.1.0",
		ReleaseNotes: "## Fixes\n- crash on start",
		DownloadURL:  "https://downloads.example.test/42",
	}
	srv := releaseServer(t, release)
	ctx := context.Background()
	opener := &recordingOpener{}
	var out bytes.Buffer

	a, err := newApp(ctx, testAppConfig(srv.URL), discardLogger(), opener, strings.NewReader("s\n"), &out, true)
	require.NoError(t, err)
	defer a.close()

	require.NoError(t, a.run(ctx, "check", nil))
	assert.Equal(t, core.PhaseAwaitingAuthCallback, a.svc.State().Phase)
	assert.True(t, strings.HasPrefix(opener.last(), "https://install.example.test/apps/demo-app/update-setup?"))
	assert.Contains(t, out.String(), "State: awaiting_auth_callback")

	out.Reset()
	require.NoError(t, a.run(ctx, "open-url", []string{callbackFor(t, opener.last())}))

	state := a.svc.State()
	require.Equal(t, core.PhasePostponed, state.Phase)
	assert.True(t, state.Postponed.Indefinite())
	assert.Contains(t, out.String(), "Version 1.1.0 is available")
	assert.Contains(t, out.String(), "Release 42 skipped until a newer one appears")
}

func TestApp_InstallOpensDownload(t *testing.T) {
	release := &core.ReleaseInfo{
		ReleaseID:   44,
		Version:     "2.0.0",
		Mandatory:   true,
		DownloadURL: "https://downloads.example.test/44",
	}
	srv := releaseServer(t, release)
	ctx := context.Background()
	opener := &recordingOpener{}
	var out bytes.Buffer

	a, err := newApp(ctx, testAppConfig(srv.URL), discardLogger(), opener, strings.NewReader("what\ni\n"), &out, true)
	require.NoError(t, err)
	defer a.close()

	require.NoError(t, a.run(ctx, "check", nil))
	require.NoError(t, a.run(ctx, "open-url", []string{callbackFor(t, opener.last())}))

	assert.Equal(t, "https://downloads.example.test/44", opener.last())
	assert.Equal(t, core.PhaseIdle, a.svc.State().Phase)
	assert.Contains(t, out.String(), "(mandatory)")
	assert.Contains(t, out.String(), `Unrecognized answer "what"`)
	assert.Contains(t, out.String(), "application exits")
}

func TestApp_NonInteractiveAppliesDefaultPolicy(t *testing.T) {
	srv := releaseServer(t, &core.ReleaseInfo{ReleaseID: 7, Version: "1.0.1", DownloadURL: "https://downloads.example.test/7"})
	ctx := context.Background()
	opener := &recordingOpener{}
	var out bytes.Buffer

	a, err := newApp(ctx, testAppConfig(srv.URL), discardLogger(), opener, strings.NewReader(""), &out, false)
	require.NoError(t, err)
	defer a.close()

	require.NoError(t, a.run(ctx, "check", nil))
	require.NoError(t, a.run(ctx, "open-url", []string{callbackFor(t, opener.last())}))

	assert.Equal(t, core.PhasePostponed, a.svc.State().Phase)
	assert.NotContains(t, out.String(), "[i]nstall")
}

func TestApp_RejectedCallback(t *testing.T) {
	srv := releaseServer(t, nil)
	ctx := context.Background()
	opener := &recordingOpener{}
	var out bytes.Buffer

	a, err := newApp(ctx, testAppConfig(srv.URL), discardLogger(), opener, strings.NewReader(""), &out, false)
	require.NoError(t, err)
	defer a.close()

	require.NoError(t, a.run(ctx, "check", nil))
	err = a.run(ctx, "open-url", []string{"http://127.0.0.1:8765/callback?request_id=nope&update_token=tok1"})
	assert.ErrorContains(t, err, "not accepted")
	assert.Equal(t, core.PhaseAwaitingAuthCallback, a.svc.State().Phase)

	require.NoError(t, a.run(ctx, "open-url", []string{callbackFor(t, opener.last())}))
	assert.Equal(t, core.PhaseUpToDate, a.svc.State().Phase)
}

func TestApp_CommandErrors(t *testing.T) {
	ctx := context.Background()
	a, err := newApp(ctx, testAppConfig("https://releases.example.test"), discardLogger(), &recordingOpener{}, strings.NewReader(""), io.Discard, false)
	require.NoError(t, err)
	defer a.close()

	assert.ErrorContains(t, a.run(ctx, "open-url", nil), "exactly one URL")
	assert.ErrorContains(t, a.run(ctx, "frobnicate", nil), "unknown command")
	assert.NoError(t, a.run(ctx, "status", nil))
}

func TestApp_StatusListsKeys(t *testing.T) {
	ctx := context.Background()
	var out bytes.Buffer
	opener := &recordingOpener{}
	a, err := newApp(ctx, testAppConfig("https://releases.example.test"), discardLogger(), opener, strings.NewReader(""), &out, false)
	require.NoError(t, err)
	defer a.close()

	require.NoError(t, a.run(ctx, "check", nil))
	out.Reset()
	require.NoError(t, a.run(ctx, "status", nil))

	assert.Contains(t, out.String(), "State: awaiting_auth_callback")
	assert.Contains(t, out.String(), core.KeyCorrelationID)
	assert.Contains(t, out.String(), core.KeyInstallID)
}

func TestNewApp_RejectsBadSettings(t *testing.T) {
	cfg := testAppConfig("ftp://releases.example.test")
	_, err := newApp(context.Background(), cfg, discardLogger(), &recordingOpener{}, strings.NewReader(""), io.Discard, false)
	assert.ErrorIs(t, err, core.ErrConfigurationMisuse)
}

func TestAsk(t *testing.T) {
	optional := core.ReleaseInfo{ReleaseID: 1, Version: "1.1.0"}
	mandatory := core.ReleaseInfo{ReleaseID: 2, Version: "2.0.0", Mandatory: true}

	tests := []struct {
		name    string
		release core.ReleaseInfo
		input   string
		want    core.Decision
	}{
		{"install", optional, "i\n", core.Install()},
		{"later", optional, "later\n", core.PostponeFor(remindLaterIn)},
		{"skip", optional, "S\n", core.PostponeIndefinitely()},
		{"retry after junk", optional, "x\ni\n", core.Install()},
		{"mandatory quit", mandatory, "q\n", core.PostponeIndefinitely()},
		{"mandatory refuses later", mandatory, "l\ninstall\n", core.Install()},
		{"answer without newline", optional, "s", core.PostponeIndefinitely()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ask(bufio.NewReader(strings.NewReader(tt.input)), io.Discard, tt.release)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ask(bufio.NewReader(strings.NewReader("")), io.Discard, optional)
	assert.ErrorIs(t, err, io.EOF)
}

func TestTerminalDelegate(t *testing.T) {
	release := core.ReleaseInfo{ReleaseID: 3, Version: "3.0.0", ShortVersion: "3.0", Size: 5 << 20}

	var out bytes.Buffer
	passive := newTerminalDelegate(&out, false)
	assert.False(t, passive.ReleaseAvailable(release))
	_, ok := passive.pending()
	assert.False(t, ok)
	assert.Contains(t, out.String(), "Version 3.0 is available")
	assert.Contains(t, out.String(), "Download size: 5.0 MB")

	claiming := newTerminalDelegate(io.Discard, false)
	claiming.claim = true
	assert.True(t, claiming.ReleaseAvailable(release))
	_, ok = claiming.pending()
	assert.False(t, ok, "claimed releases are answered over HTTP")

	active := newTerminalDelegate(io.Discard, true)
	assert.True(t, active.ReleaseAvailable(release))
	assert.False(t, active.ReleaseAvailable(release), "only one release is queued at a time")
	queued, ok := active.pending()
	require.True(t, ok)
	assert.Equal(t, release, queued)
}

func TestRenderNotes(t *testing.T) {
	rendered := renderNotes("# Highlights\n\n- faster sync", 40)
	assert.Contains(t, rendered, "Highlights")
	assert.Contains(t, rendered, "faster sync")
}

func TestBrowserOpener(t *testing.T) {
	var out bytes.Buffer
	opener := &browserOpener{out: &out, command: func(string) (string, []string) { return "", nil }}

	require.NoError(t, opener.OpenURL(context.Background(), "https://install.example.test/x"))
	assert.Contains(t, out.String(), "https://install.example.test/x")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, opener.OpenURL(ctx, "https://install.example.test/y"), context.Canceled)
}

func TestNewBrowserOpener(t *testing.T) {
	name, _ := newBrowserOpener(io.Discard, "none").command("https://x.test")
	assert.Empty(t, name)

	name, args := newBrowserOpener(io.Discard, "firefox").command("https://x.test")
	assert.Equal(t, "firefox", name)
	assert.Equal(t, []string{"https://x.test"}, args)

	name, args = newBrowserOpener(io.Discard, "").command("https://x.test")
	assert.NotEmpty(t, name)
	assert.Contains(t, args, "https://x.test")
}
