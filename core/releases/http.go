package releases

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"distribute/core"
)

const (
	DefaultTimeout = 15 * time.Second
	// maxBodyBytes bounds how much of a release response is read.
	maxBodyBytes = 1 << 20
	userAgent    = "distribute-update-client"
)

// HTTPClient talks to the release service over HTTP
type HTTPClient struct {
	doer core.HTTPDoer
}

type HTTPOption func(*HTTPClient)

// WithDoer sets the transport used for release checks.
func WithDoer(doer core.HTTPDoer) HTTPOption {
	return func(c *HTTPClient) {
		c.doer = doer
	}
}

// WithTimeout replaces the default transport with one that gives up after timeout.
func WithTimeout(timeout time.Duration) HTTPOption {
	return func(c *HTTPClient) {
		c.doer = &http.Client{Timeout: timeout}
	}
}

func NewHTTPClient(opts ...HTTPOption) *HTTPClient {
	c := &HTTPClient{
		doer: &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CheckForUpdate fetches the latest release for req. The session token is sent
// as a bearer credential.
func (c *HTTPClient) CheckForUpdate(ctx context.Context, session *core.Session, req core.CheckRequest) (*core.ReleaseInfo, error) {
	if session == nil || session.Token == "" {
		return nil, core.NewCheckError(core.FailureUnauthorized, 0, "", fmt.Errorf("no session"))
	}

	endpoint, err := latestReleaseURL(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %v", core.ErrConfigurationMisuse, err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+session.Token)
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", userAgent)

	resp, err := c.doer.Do(httpReq)
	if err != nil {
		return nil, core.NewCheckError(core.FailureTransient, 0, "", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, core.NewCheckError(core.FailureTransient, resp.StatusCode, "", fmt.Errorf("read body: %w", err))
	}

	return decodeResponse(resp.StatusCode, body, req.OSVersion)
}

func latestReleaseURL(req core.CheckRequest) (string, error) {
	base, err := url.Parse(req.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return "", fmt.Errorf("%w: api base URL %q", core.ErrConfigurationMisuse, req.BaseURL)
	}

	u := base.JoinPath("sdk", "apps", req.AppID, "releases", "latest")
	q := url.Values{}
	q.Set("version", req.CurrentVersion)
	q.Set("platform", req.Platform)
	if req.OSVersion != "" {
		q.Set("os_version", req.OSVersion)
	}
	if req.InstallID != "" {
		q.Set("install_id", req.InstallID)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func decodeResponse(status int, body []byte, osVersion string) (*core.ReleaseInfo, error) {
	switch {
	case status == http.StatusOK:
	case status == http.StatusNoContent, status == http.StatusNotFound:
		return nil, nil
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return nil, core.NewCheckError(core.FailureUnauthorized, status, string(body), nil)
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		return nil, core.NewCheckError(core.FailureTransient, status, string(body), nil)
	default:
		return nil, core.NewCheckError(core.FailureMalformed, status, string(body), fmt.Errorf("unexpected status"))
	}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}

	var release core.ReleaseInfo
	if err := json.Unmarshal(trimmed, &release); err != nil {
		return nil, core.NewCheckError(core.FailureMalformed, status, string(body), fmt.Errorf("decode release: %w", err))
	}
	if err := validateRelease(&release); err != nil {
		return nil, core.NewCheckError(core.FailureMalformed, status, string(body), err)
	}

	if !release.SupportsOS(osVersion) {
		return nil, nil
	}
	return &release, nil
}

func validateRelease(r *core.ReleaseInfo) error {
	switch {
	case r.ReleaseID <= 0:
		return fmt.Errorf("release id missing")
	case r.Version == "":
		return fmt.Errorf("release version missing")
	case r.DownloadURL == "":
		return fmt.Errorf("release download_url missing")
	}
	if _, err := url.ParseRequestURI(r.DownloadURL); err != nil {
		return fmt.Errorf("release download_url: %w", err)
	}
	return nil
}
