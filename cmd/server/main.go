// Package main provides the entry point for the LLM API gateway server.
// The server exposes an OpenAI-compatible API and routes each chat
// completion through configurable provider fallback and rotation rules.
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
	"golang.org/x/sync/errgroup"

	"github.com/fabiojbg/LLMApiGateway/internal/api"
	"github.com/fabiojbg/LLMApiGateway/internal/buildinfo"
	"github.com/fabiojbg/LLMApiGateway/internal/chatlog"
	"github.com/fabiojbg/LLMApiGateway/internal/config"
	"github.com/fabiojbg/LLMApiGateway/internal/logging"
	"github.com/fabiojbg/LLMApiGateway/internal/router"
	"github.com/fabiojbg/LLMApiGateway/internal/store"
	"github.com/fabiojbg/LLMApiGateway/internal/upstream"
	"github.com/fabiojbg/LLMApiGateway/internal/usage"
	"github.com/fabiojbg/LLMApiGateway/internal/watcher"
)

const usageRetention = 180 * 24 * time.Hour

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
	fmt.Printf("LLMApiGateway Version: %s, Commit: %s, BuiltAt: %s\n", buildinfo.Version, buildinfo.Commit, buildinfo.BuildDate)

	var envFile string
	flag.StringVar(&envFile, "env", ".env", "Environment file path")
	flag.Parse()

	if errLoad := godotenv.Load(envFile); errLoad != nil {
		if !errors.Is(errLoad, os.ErrNotExist) {
			log.WithError(errLoad).Warn("failed to load env file")
		}
	}

	settings := config.LoadSettings()
	logging.SetLevel(settings.LogLevel, settings.DebugMode)
	logging.ConfigureLogOutput("logs")

	if err := run(settings); err != nil {
		log.Errorf("gateway terminated: %v", err)
		os.Exit(1)
	}
}

func run(settings *config.Settings) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := config.NewStore(settings)
	if err := cfg.Load(); err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	db, err := store.Open(ctx, settings.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	usageStore := store.NewUsageStore(db)
	if deleted, errClean := usageStore.CleanupOlderThan(ctx, time.Now().Add(-usageRetention)); errClean != nil {
		log.Warnf("usage retention cleanup failed: %v", errClean)
	} else if deleted > 0 {
		log.Infof("purged %d usage records older than 180 days", deleted)
	}

	manager := usage.NewManager()
	manager.Start(ctx)
	defer manager.Stop()
	manager.Register(usageStore)

	client := upstream.NewClient(settings.ProxyURL)

	var chatLog *chatlog.Writer
	if settings.LogChatEnabled {
		chatLog = chatlog.NewWriter(filepath.Join("logs", "chats"), settings.LogFileLimit)
	}

	fileWatcher, err := watcher.NewWatcher(cfg)
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	if err = fileWatcher.Start(ctx); err != nil {
		return fmt.Errorf("start config watcher: %w", err)
	}
	defer func() { _ = fileWatcher.Stop() }()

	server := api.NewServer(api.Dependencies{
		Settings: settings,
		Config:   cfg,
		Router:   router.New(cfg, settings, client, store.NewRotationStore(db)),
		Usage:    usageStore,
		Manager:  manager,
		Client:   client,
		ChatLog:  chatLog,
	})

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.Infof("gateway listening on %s:%d", settings.Host, settings.Port)
		if errServe := server.Run(); errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
			return errServe
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutting down, draining in-flight requests")
		return server.Shutdown(context.Background())
	})

	return group.Wait()
}
