package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"distribute/core"

	"github.com/charmbracelet/glamour"
	"github.com/mattn/go-isatty"
)

const (
	notesWidth    = 80
	remindLaterIn = 24 * time.Hour
)

// terminalDelegate shows available releases on the terminal. When
// interactive it claims each release and queues it for prompt; otherwise the
// service's default policy applies unless claim is set.
type terminalDelegate struct {
	out         io.Writer
	interactive bool
	// claim leaves releases pending for an answer from elsewhere.
	claim  bool
	offers chan core.ReleaseInfo
}

func newTerminalDelegate(out io.Writer, interactive bool) *terminalDelegate {
	return &terminalDelegate{
		out:         out,
		interactive: interactive,
		offers:      make(chan core.ReleaseInfo, 1),
	}
}

// stdioInteractive reports whether both ends of the terminal are attached.
func stdioInteractive() bool {
	return isTerminal(os.Stdin.Fd()) && isTerminal(os.Stdout.Fd())
}

func isTerminal(fd uintptr) bool {
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func (d *terminalDelegate) ReleaseAvailable(release core.ReleaseInfo) bool {
	fmt.Fprint(d.out, describeRelease(release))
	if !d.interactive {
		return d.claim
	}
	select {
	case d.offers <- release:
		return true
	default:
		return false
	}
}

func (d *terminalDelegate) WillExitApp() {
	fmt.Fprintln(d.out, "This update is mandatory; the application exits once the installer opens.")
}

func (d *terminalDelegate) UpdateCheckFailed(err error) {
	fmt.Fprintf(d.out, "Update check failed: %v\n", err)
}

// pending returns a queued release without blocking.
func (d *terminalDelegate) pending() (core.ReleaseInfo, bool) {
	select {
	case release := <-d.offers:
		return release, true
	default:
		return core.ReleaseInfo{}, false
	}
}

func describeRelease(release core.ReleaseInfo) string {
	var b strings.Builder
	version := release.ShortVersion
	if version == "" {
		version = release.Version
	}
	fmt.Fprintf(&b, "\nVersion %s is available", version)
	if release.Mandatory {
		b.WriteString(" (mandatory)")
	}
	b.WriteString("\n")
	if release.Size > 0 {
		fmt.Fprintf(&b, "Download size: %.1f MB\n", float64(release.Size)/(1<<20))
	}
	if notes := strings.TrimSpace(release.ReleaseNotes); notes != "" {
		b.WriteString(renderNotes(notes, notesWidth))
	}
	return b.String()
}

// renderNotes renders markdown release notes, falling back to the raw text.
func renderNotes(notes string, width int) string {
	renderer, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle("dark"),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return notes + "\n"
	}
	rendered, err := renderer.Render(notes)
	if err != nil {
		return notes + "\n"
	}
	return rendered
}

// ask reads the user's answer for release from in.
func ask(in *bufio.Reader, out io.Writer, release core.ReleaseInfo) (core.Decision, error) {
	for {
		if release.Mandatory {
			fmt.Fprint(out, "[i]nstall now or [q]uit: ")
		} else {
			fmt.Fprint(out, "[i]nstall now, remind me [l]ater or [s]kip this version: ")
		}

		line, err := in.ReadString('\n')
		answer := strings.ToLower(strings.TrimSpace(line))
		switch {
		case answer == "i" || answer == "install":
			return core.Install(), nil
		case release.Mandatory && (answer == "q" || answer == "quit"):
			return core.PostponeIndefinitely(), nil
		case !release.Mandatory && (answer == "l" || answer == "later"):
			return core.PostponeFor(remindLaterIn), nil
		case !release.Mandatory && (answer == "s" || answer == "skip"):
			return core.PostponeIndefinitely(), nil
		}
		if err != nil {
			return core.Decision{}, err
		}
		fmt.Fprintf(out, "Unrecognized answer %q\n", answer)
	}
}

// promptLoop answers queued releases until ctx is done.
func promptLoop(ctx context.Context, svc *core.UpdateService, d *terminalDelegate, in *bufio.Reader) {
	for {
		select {
		case <-ctx.Done():
			return
		case release := <-d.offers:
			resolve(ctx, svc, d.out, in, release)
		}
	}
}

func resolve(ctx context.Context, svc *core.UpdateService, out io.Writer, in *bufio.Reader, release core.ReleaseInfo) {
	decision, err := ask(in, out, release)
	if err != nil {
		fmt.Fprintf(out, "\nNo answer (%v); keeping the default.\n", err)
		decision = core.PostponeIndefinitely()
	}
	if err := svc.NotifyUpdateAction(ctx, decision); err != nil {
		fmt.Fprintf(out, "Could not apply %s: %v\n", decision.Action, err)
	}
}
