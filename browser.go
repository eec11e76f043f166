package main

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"

	"github.com/mattn/go-isatty"
)

// browserCommand returns the platform's URL opener.
func browserCommand(url string) (string, []string) {
	switch runtime.GOOS {
	case "darwin":
		return "open", []string{url}
	case "windows":
		return "rundll32", []string{"url.dll,FileProtocolHandler", url}
	default:
		return "xdg-open", []string{url}
	}
}

// openBrowser starts the platform opener without waiting for it to exit.
func openBrowser(url string) error {
	name, args := browserCommand(url)

	cmd := exec.Command(name, args...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting %s: %w", name, err)
	}

	// Reap the child in the background.
	go cmd.Wait() //nolint:errcheck // exit status of the opener is irrelevant

	return nil
}

// browserOpener returns the OpenURL hook for interactive logins, or nil when
// the browser should not be launched: --no-browser, or stderr is not a
// terminal (ssh sessions, CI, cron).
func (cc *CLIContext) browserOpener() func(string) error {
	if cc.Flags.NoBrowser {
		return nil
	}

	if !isatty.IsTerminal(os.Stderr.Fd()) && !isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		return nil
	}

	return openBrowser
}
