package bridge

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"runtime"

	log "github.com/sirupsen/logrus"
	"github.com/skratchdot/open-golang/open"

	"github.com/router-for-me/AIStudioProxyAPI/internal/registry"
)

// chromiumCandidates lists Chromium-family binaries in order of preference.
// Only Chromium-family browsers support the app-window and profile flags the
// worker needs.
var chromiumCandidates = map[string][]string{
	"linux":   {"chromium", "chromium-browser", "google-chrome", "google-chrome-stable", "brave-browser"},
	"darwin":  {"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome", "/Applications/Chromium.app/Contents/MacOS/Chromium"},
	"windows": {`C:\Program Files\Google\Chrome\Application\chrome.exe`, `C:\Program Files (x86)\Google\Chrome\Application\chrome.exe`},
}

// lookupChromium probes for an installed Chromium-family browser binary.
func lookupChromium() (string, error) {
	for _, candidate := range chromiumCandidates[runtime.GOOS] {
		if path, err := exec.LookPath(candidate); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("no Chromium-family browser found for %s", runtime.GOOS)
}

// NewBrowserLauncher returns the launch function the bridge manager uses to
// start a headless worker. profileRoot holds one persistent profile per
// identity; the capture sub-feature seeds each profile with the identity's
// session state, and the worker reuses it so the page runs authenticated.
func NewBrowserLauncher(profileRoot string, headless bool) func(ctx context.Context, identity registry.Identity, pageURL string) (func(), error) {
	return func(ctx context.Context, identity registry.Identity, pageURL string) (func(), error) {
		binary, err := lookupChromium()
		if err != nil {
			// Fall back to the system default browser. No profile isolation,
			// but keeps single-identity setups working on unusual platforms.
			log.Warnf("bridge: %v, falling back to default browser", err)
			if errOpen := open.Run(pageURL); errOpen != nil {
				return nil, errOpen
			}
			return func() {}, nil
		}

		profileDir := filepath.Join(profileRoot, fmt.Sprintf("auth-%d", identity.Index))
		args := []string{
			"--user-data-dir=" + profileDir,
			"--no-first-run",
			"--no-default-browser-check",
			"--disable-sync",
			"--disable-background-networking",
			"--app=" + pageURL,
		}
		if headless {
			args = append([]string{"--headless=new", "--disable-gpu"}, args...)
		}

		// The worker outlives the request that triggered the launch, so its
		// lifetime is not bound to ctx; stop() is the only terminator.
		cmd := exec.Command(binary, args...)
		if err = cmd.Start(); err != nil {
			return nil, fmt.Errorf("start %s: %w", binary, err)
		}
		log.Infof("bridge: launched %s (pid %d) for identity %d", filepath.Base(binary), cmd.Process.Pid, identity.Index)

		// Reap the process in the background so it never zombifies.
		waitDone := make(chan struct{})
		go func() {
			_ = cmd.Wait()
			close(waitDone)
		}()

		stop := func() {
			if cmd.Process != nil {
				_ = cmd.Process.Kill()
			}
			<-waitDone
			log.Debugf("bridge: worker for identity %d stopped", identity.Index)
		}
		return stop, nil
	}
}
