package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	// database/sql drivers for the message log
	_ "github.com/tursodatabase/go-libsql"
	_ "modernc.org/sqlite"

	"github.com/entrepeneur4lyf/chatgate/internal/api"
	"github.com/entrepeneur4lyf/chatgate/internal/auth"
	"github.com/entrepeneur4lyf/chatgate/internal/chat"
	"github.com/entrepeneur4lyf/chatgate/internal/config"
	"github.com/entrepeneur4lyf/chatgate/internal/llm"
	"github.com/entrepeneur4lyf/chatgate/internal/llm/providers"
	"github.com/entrepeneur4lyf/chatgate/internal/storage"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the chat gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		if servePort > 0 {
			cfg.Server.Port = servePort
		}
		return serve(cmd.Context(), cfg)
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Port to listen on (overrides server.port)")
	rootCmd.AddCommand(serveCmd)
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := log.Default()

	messageLog, closeLog, err := openMessageLog(cfg.Storage)
	if err != nil {
		return err
	}
	defer closeLog()

	writer := storage.NewWriter(messageLog, storage.WriterOptions{
		QueueSize: cfg.Storage.QueueSize,
		Logger:    logger.WithPrefix("storage"),
	})

	var backend llm.Provider
	if cfg.Backend.URL != "" {
		backend = providers.NewPollingProvider(providers.PollingConfig{
			BaseURL:              cfg.Backend.URL,
			SubmitPath:           cfg.Backend.SubmitPath,
			VerifyPath:           cfg.Backend.VerifyPath,
			APIKey:               cfg.Backend.APIKey,
			PollInterval:         cfg.Backend.PollInterval,
			Timeout:              cfg.Backend.Timeout,
			StrictResponseShapes: cfg.Backend.StrictResponseShapes,
			SubmitRetry:          submitRetry(cfg.Backend),
			Logger:               logger.WithPrefix("backend"),
		})
	} else {
		logger.Warn("No backend URL configured, answering locally")
	}

	responder := chat.NewResponder(backend, chat.ResponderOptions{
		DisableFallback: cfg.Fallback.Disabled,
		Logger:          logger.WithPrefix("responder"),
	})
	conversations := chat.NewConversationStore(responder, chat.StoreOptions{
		History:      messageLog,
		Persist:      writer,
		HistoryLimit: cfg.Storage.HistoryLimit,
		Logger:       logger.WithPrefix("chat"),
	})
	projects := chat.NewProjectRegistry(responder, writer, logger.WithPrefix("projects"))

	authenticator, err := buildAuthenticator(cfg.Auth, logger.WithPrefix("auth"))
	if err != nil {
		return err
	}
	if cfg.Auth.WatchKeysFile {
		watcher, err := auth.WatchKeysFile(authenticator, keysFilePath(cfg.Auth), auth.KeyFileWatcherOptions{
			Logger: logger.WithPrefix("auth"),
		})
		if err != nil {
			logger.Warn("Key file changes will need a restart", "error", err)
		} else {
			defer watcher.Close()
		}
	}
	gate := auth.NewGate(authenticator, auth.NewRateLimiter(cfg.Auth.RateWindow))

	server := api.NewServer(api.Services{
		Responder:     responder,
		Conversations: conversations,
		Projects:      projects,
		Gate:          gate,
		Persistence:   writer,
		Storage:       storageStats(messageLog),
	}, api.Options{
		CORSOrigins: cfg.Server.CORSOrigins,
		Realtime: api.GatewayOptions{
			FrameRate:      cfg.Realtime.FrameRate,
			FrameBurst:     cfg.Realtime.FrameBurst,
			PingInterval:   cfg.Realtime.PingInterval,
			PongWait:       cfg.Realtime.PongWait,
			MaxMessageSize: cfg.Realtime.MaxMessageSize,
		},
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		Logger:       logger.WithPrefix("api"),
	})

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Check the backend without holding up the listener
	go func() {
		initCtx, cancel := context.WithTimeout(ctx, cfg.Backend.Timeout)
		defer cancel()
		responder.Initialize(initCtx)
	}()

	done := make(chan error, 1)
	go func() { done <- server.Start(cfg.Server.Addr()) }()

	logger.Info("chatgate listening",
		"http", fmt.Sprintf("http://%s/api/v1", cfg.Server.Addr()),
		"realtime", fmt.Sprintf("ws://%s/api/v1/realtime", cfg.Server.Addr()),
		"keys", authenticator.Len())

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := server.Stop(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("server shutdown: %w", err))
	}
	if err := writer.Close(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("flush messages: %w", err))
	}
	return errors.Join(errs...)
}

func submitRetry(bc config.BackendConfig) providers.RetryPolicy {
	policy := providers.DefaultRetryPolicy()
	policy.MaxRetries = bc.SubmitRetries
	if bc.RetryDelay > 0 {
		policy.BaseDelay = bc.RetryDelay
	}
	return policy
}

// openMessageLog opens the configured message log and returns its closer
func openMessageLog(sc config.StorageConfig) (storage.MessageLog, func(), error) {
	if sc.Driver == "memory" {
		return storage.NewMemoryLog(), func() {}, nil
	}

	path := sc.Path
	if path == "" {
		var err error
		path, err = storage.NewPathManager().MessageDatabasePath()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to resolve database path: %w", err)
		}
	}

	sqlLog, err := storage.OpenSQLLog(sc.Driver, path)
	if err != nil {
		return nil, nil, err
	}
	log.Info("Message log opened", "driver", sc.Driver, "path", path)
	return sqlLog, func() {
		if err := sqlLog.Close(); err != nil {
			log.Warn("Failed to close message log", "error", err)
		}
	}, nil
}

// storageStats returns the log's counter for /health, or nil when it has none
func storageStats(messageLog storage.MessageLog) storage.StatsReporter {
	reporter, _ := messageLog.(storage.StatsReporter)
	return reporter
}

func keysFilePath(ac config.AuthConfig) string {
	if ac.KeysFile != "" {
		return ac.KeysFile
	}
	return storage.NewPathManager().KeysFilePath()
}

// buildAuthenticator loads keys from the key file and the inline config
func buildAuthenticator(ac config.AuthConfig, logger *log.Logger) (*auth.Authenticator, error) {
	authenticator := auth.NewAuthenticator(logger)

	path := keysFilePath(ac)
	n, err := authenticator.LoadKeysFile(path)
	if err != nil {
		return nil, err
	}
	if n > 0 {
		logger.Info("Loaded API keys", "path", path, "count", n)
	}

	for _, key := range ac.Keys {
		authenticator.Add(auth.APIKeyRecord{
			Key:         key.Key,
			Name:        key.Name,
			Permissions: key.Permissions,
			RateLimit:   key.RateLimit,
			IsActive:    true,
		})
	}

	if authenticator.Len() == 0 {
		logger.Warn("No API keys configured; every request will be rejected. Run 'chatgate keys generate'")
	}
	return authenticator, nil
}
