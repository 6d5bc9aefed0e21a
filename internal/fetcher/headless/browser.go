package headless

import "os/exec"

// BrowserNames are searched on PATH when no executable is configured.
var BrowserNames = []string{
	"google-chrome",
	"google-chrome-stable",
	"chromium",
	"chromium-browser",
	"chrome",
	"headless-shell",
}

// FindBrowser resolves the Chrome executable once. A configured path must
// exist and be executable; otherwise BrowserNames are looked up on PATH.
func FindBrowser(configured string) (string, bool) {
	if configured != "" {
		path, err := exec.LookPath(configured)
		return path, err == nil
	}
	for _, name := range BrowserNames {
		if path, err := exec.LookPath(name); err == nil {
			return path, true
		}
	}
	return "", false
}
