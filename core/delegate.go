package core

import (
	"context"
	"fmt"
	"time"
)

// Delegate decides how an available release is presented. Returning true
// means the delegate took ownership and will answer through
// UpdateService.NotifyUpdateAction; false applies the default policy.
type Delegate interface {
	ReleaseAvailable(release ReleaseInfo) bool
}

// ExitNotifier is an optional Delegate capability, called before a mandatory
// release is handed to the installer.
type ExitNotifier interface {
	WillExitApp()
}

// FailureObserver is an optional Delegate capability, told about release
// checks that failed for good.
type FailureObserver interface {
	UpdateCheckFailed(err error)
}

// URLOpener opens a URL outside the process, usually in the system browser.
type URLOpener interface {
	OpenURL(ctx context.Context, rawURL string) error
}

// Installer takes over once the user chose to install a release
type Installer interface {
	Install(ctx context.Context, release ReleaseInfo) error
}

// DelegateFunc adapts a plain function to Delegate.
type DelegateFunc func(release ReleaseInfo) bool

func (f DelegateFunc) ReleaseAvailable(release ReleaseInfo) bool {
	return f(release)
}

// UpdateAction is the user's answer to an available release
type UpdateAction string

const (
	ActionInstall  UpdateAction = "install"
	ActionPostpone UpdateAction = "postpone"
)

// Decision is an UpdateAction plus, for postpones, how long. A postpone with
// a zero Until lasts until a newer release appears.
type Decision struct {
	Action UpdateAction
	Until  time.Time
	For    time.Duration
}

func Install() Decision {
	return Decision{Action: ActionInstall}
}

func PostponeUntil(t time.Time) Decision {
	return Decision{Action: ActionPostpone, Until: t}
}

func PostponeIndefinitely() Decision {
	return Decision{Action: ActionPostpone}
}

// PostponeFor is resolved against the service clock when the decision is applied.
func PostponeFor(d time.Duration) Decision {
	return Decision{Action: ActionPostpone, For: d}
}

func (d Decision) validate() error {
	switch d.Action {
	case ActionInstall, ActionPostpone:
	default:
		return fmt.Errorf("%w: unknown update action %q", ErrConfigurationMisuse, d.Action)
	}
	if d.For < 0 {
		return fmt.Errorf("%w: negative postpone duration", ErrConfigurationMisuse)
	}
	return nil
}

// until resolves the postpone deadline; zero means indefinite.
func (d Decision) until(now time.Time) time.Time {
	if d.For > 0 {
		return now.Add(d.For)
	}
	return d.Until
}

// BrowserInstaller hands a release to the platform by opening its download URL.
type BrowserInstaller struct {
	Opener URLOpener
	// Exit is notified before a mandatory release is opened.
	Exit ExitNotifier
}

func (b *BrowserInstaller) Install(ctx context.Context, release ReleaseInfo) error {
	if b.Opener == nil {
		return fmt.Errorf("%w: no URL opener for installer", ErrConfigurationMisuse)
	}
	if release.Mandatory && b.Exit != nil {
		b.Exit.WillExitApp()
	}
	if err := b.Opener.OpenURL(ctx, release.DownloadURL); err != nil {
		return fmt.Errorf("failed to open download URL: %w", err)
	}
	return nil
}
