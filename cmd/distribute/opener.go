package main

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"runtime"
)

// browserOpener launches the platform URL handler. When the handler cannot be
// started the URL is printed so the user can open it by hand.
type browserOpener struct {
	out     io.Writer
	command func(rawURL string) (string, []string)
}

func newBrowserOpener(out io.Writer, browser string) *browserOpener {
	b := &browserOpener{out: out, command: platformOpenCommand}
	switch browser {
	case "":
	case "none":
		b.command = func(string) (string, []string) { return "", nil }
	default:
		b.command = func(rawURL string) (string, []string) { return browser, []string{rawURL} }
	}
	return b
}

func (b *browserOpener) OpenURL(ctx context.Context, rawURL string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fmt.Fprintf(b.out, "Opening %s\n", rawURL)

	name, args := b.command(rawURL)
	if name == "" {
		return nil
	}
	// The handler outlives the caller's context.
	cmd := exec.Command(name, args...)
	if err := cmd.Start(); err != nil {
		fmt.Fprintln(b.out, "Could not launch a browser; open the address above manually.")
		return nil
	}
	go func() { _ = cmd.Wait() }()
	return nil
}

func platformOpenCommand(rawURL string) (string, []string) {
	switch runtime.GOOS {
	case "darwin":
		return "open", []string{rawURL}
	case "windows":
		return "rundll32", []string{"url.dll,FileProtocolHandler", rawURL}
	default:
		return "xdg-open", []string{rawURL}
	}
}
