package core

import (
	"time"

	"github.com/Masterminds/semver/v3"
)

// Phase identifies where the update flow currently is
type Phase string

const (
	PhaseIdle                 Phase = "idle"
	PhaseAwaitingAuthCallback Phase = "awaiting_auth_callback"
	PhaseCheckingForUpdate    Phase = "checking_for_update"
	PhaseReleaseAvailable     Phase = "release_available"
	PhaseUpToDate             Phase = "up_to_date"
	PhasePostponed            Phase = "postponed"
)

// resting reports whether the phase accepts a new trigger.
func (p Phase) resting() bool {
	return p == PhaseIdle || p == PhaseUpToDate || p == PhasePostponed
}

// Trigger names what asked for a check
type Trigger string

const (
	TriggerForeground Trigger = "foreground"
	TriggerExplicit   Trigger = "explicit"
	TriggerTimer      Trigger = "timer"
	TriggerStartup    Trigger = "startup"
)

func (t Trigger) automatic() bool {
	return t != TriggerExplicit
}

// CorrelationRequest binds one external update-setup flow to the callback that completes it
type CorrelationRequest struct {
	ID           string
	CreatedAt    time.Time
	ExpiresAfter time.Duration
}

func (c *CorrelationRequest) ExpiresAt() time.Time {
	return c.CreatedAt.Add(c.ExpiresAfter)
}

func (c *CorrelationRequest) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt())
}

// Session authorizes release checks. It is replaced wholesale on every accepted callback.
type Session struct {
	Token      string
	ObtainedAt time.Time
	ExpiresAt  time.Time
	// Correlation is the fingerprint of the correlation ID the token was issued for.
	Correlation string
}

func (s *Session) Valid(now time.Time) bool {
	return s != nil && s.Token != "" && now.Before(s.ExpiresAt)
}

// ReleaseInfo describes a distributable build offered by the release service
type ReleaseInfo struct {
	ReleaseID    int64     `json:"id"`
	Version      string    `json:"version"`
	ShortVersion string    `json:"short_version"`
	ReleaseNotes string    `json:"release_notes"`
	Mandatory    bool      `json:"mandatory_update"`
	DownloadURL  string    `json:"download_url"`
	MinOSVersion string    `json:"min_os"`
	Size         int64     `json:"size"`
	UploadedAt   time.Time `json:"uploaded_at"`
	Fingerprint  string    `json:"fingerprint"`
}

// SupportsOS reports whether the release can run on osVersion. Unparsable
// versions on either side are treated as compatible; the release service is the
// authority in that case.
func (r *ReleaseInfo) SupportsOS(osVersion string) bool {
	if r.MinOSVersion == "" || osVersion == "" {
		return true
	}
	minOS, err := semver.NewVersion(r.MinOSVersion)
	if err != nil {
		return true
	}
	running, err := semver.NewVersion(osVersion)
	if err != nil {
		return true
	}
	return !running.LessThan(minOS)
}

// PostponeMarker records a user's decision to skip a release for a while.
// A zero Until means the release is postponed indefinitely.
type PostponeMarker struct {
	ReleaseID int64
	Until     time.Time
}

func (m *PostponeMarker) Indefinite() bool {
	return m.Until.IsZero()
}

func (m *PostponeMarker) Active(now time.Time) bool {
	return m.Indefinite() || now.Before(m.Until)
}

// FlowState is a snapshot of the orchestrator's state machine
type FlowState struct {
	Phase       Phase
	Correlation *CorrelationRequest
	Release     *ReleaseInfo
	Postponed   *PostponeMarker
}
