package oidc

import (
	"errors"
	"os/exec"
	"runtime"

	"github.com/DevLabFoundry/claude-code-auth/internal/debug"
	"github.com/go-rod/rod/lib/launcher"
)

var ErrNoBrowser = errors.New("no usable browser found - set browser_executable_path in config.json")

// OpenBrowser launches the system default browser at the given URL. A custom
// executable from config wins; when the platform opener is missing (minimal
// containers, WSL without wslview) fall back to any chromium-like binary the
// rod launcher can discover.
func OpenBrowser(url, customExecutable string) error {
	if customExecutable != "" {
		debug.Logf("browser: %s", customExecutable)
		return exec.Command(customExecutable, url).Start()
	}

	var opener []string
	switch runtime.GOOS {
	case "darwin":
		opener = []string{"open", url}
	case "windows":
		opener = []string{"rundll32", "url.dll,FileProtocolHandler", url}
	default:
		opener = []string{"xdg-open", url}
	}
	if path, err := exec.LookPath(opener[0]); err == nil {
		return exec.Command(path, opener[1:]...).Start()
	}

	if chromium, found := launcher.LookPath(); found {
		debug.Logf("browser: %s", chromium)
		return exec.Command(chromium, url).Start()
	}
	return ErrNoBrowser
}
