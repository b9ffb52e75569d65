// Package main provides the entry point for the AI Studio proxy server. The
// server exposes OpenAI- and Gemini-compatible API interfaces and dispatches
// the real calls through a browser worker holding an authenticated AI Studio
// session.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/AIStudioProxyAPI/internal/api"
	"github.com/router-for-me/AIStudioProxyAPI/internal/bridge"
	"github.com/router-for-me/AIStudioProxyAPI/internal/buildinfo"
	"github.com/router-for-me/AIStudioProxyAPI/internal/clientagent"
	"github.com/router-for-me/AIStudioProxyAPI/internal/config"
	"github.com/router-for-me/AIStudioProxyAPI/internal/handler"
	"github.com/router-for-me/AIStudioProxyAPI/internal/logging"
	"github.com/router-for-me/AIStudioProxyAPI/internal/registry"
	"github.com/router-for-me/AIStudioProxyAPI/internal/rotation"
	openaigemini "github.com/router-for-me/AIStudioProxyAPI/internal/translator/openai/gemini"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

// init initializes the shared logger setup.
func init() {
	logging.SetupBaseLogger()
	buildinfo.Version = Version
	buildinfo.Commit = Commit
	buildinfo.BuildDate = BuildDate
}

func main() {
	var configPath string
	var noBrowserAgent bool
	var headless bool
	flag.StringVar(&configPath, "config", "config.yaml", "Path to the configuration file")
	flag.BoolVar(&noBrowserAgent, "no-browser-agent", false, "Execute upstream fetches in-process instead of a browser worker")
	flag.BoolVar(&headless, "headless", true, "Launch the browser worker headless")
	flag.Parse()

	// Environment overrides come from .env first, then the real environment.
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	if noBrowserAgent {
		cfg.NoBrowserAgent = true
	}

	if err = logging.ConfigureLogOutput(cfg.LoggingToFile, "logs"); err != nil {
		log.Errorf("failed to configure log output: %v", err)
		return
	}
	log.Infof("AIStudioProxyAPI Version: %s, Commit: %s, BuiltAt: %s", buildinfo.Version, buildinfo.Commit, buildinfo.BuildDate)

	if cfg.ProxyURL != "" {
		openaigemini.ConfigureImageProxy(cfg.ProxyURL)
	}

	reg := registry.NewRegistry(cfg.AuthDir)
	log.Infof("identity registry: %d valid identities in %s", reg.Count(), cfg.AuthDir)

	bridgeOpts := bridge.Options{}
	if cfg.NoBrowserAgent {
		bridgeOpts.LocalAgent = clientagent.NewLocalFactory(clientagent.Options{
			UpstreamHost: cfg.UpstreamHost,
			ProxyURL:     cfg.ProxyURL,
		})
	} else {
		bridgeOpts.LaunchBrowser = bridge.NewBrowserLauncher(filepath.Join(cfg.AuthDir, "profiles"), headless)
	}
	bridgeManager := bridge.NewManager(bridgeOpts)
	if err = bridgeManager.Start(); err != nil {
		log.Fatalf("failed to start bridge channel server: %v", err)
	}
	defer func() { _ = bridgeManager.Close() }()

	machine := rotation.NewMachine(reg, bridgeManager, cfg.SwitchOnUses, cfg.FailureThreshold)
	flags := config.NewFlags(cfg)
	core := handler.New(cfg, flags, bridgeManager, machine, reg)

	// Hot reload identities when capture writes or removes files.
	watcher, errWatcher := registry.NewWatcher(reg, nil)
	if errWatcher != nil {
		log.Warnf("identity watcher unavailable: %v", errWatcher)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if watcher != nil {
		watcher.Start(ctx)
	}

	router := api.NewRouter(cfg, core)
	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: router,
	}

	go func() {
		log.Infof("listening on %s", server.Addr)
		if errServe := server.ListenAndServe(); errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
			log.Errorf("server stopped: %v", errServe)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
}
