package core

import (
	"context"
	"net/http"
)

// CheckRequest identifies the running build to the release service
type CheckRequest struct {
	BaseURL        string
	AppID          string
	CurrentVersion string
	Platform       string
	OSVersion      string
	InstallID      string
}

// ReleaseClient asks the release service for the newest applicable release.
// A nil release with a nil error means no update is available. Failures are
// *CheckError values classified by FailureKind.
type ReleaseClient interface {
	CheckForUpdate(ctx context.Context, session *Session, req CheckRequest) (*ReleaseInfo, error)
}

// HTTPDoer is the transport a ReleaseClient sends requests through
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}
