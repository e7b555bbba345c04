package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"github.com/alexjbarnes/chat-sync/internal/chatsync"
	"github.com/alexjbarnes/chat-sync/internal/config"
	"github.com/alexjbarnes/chat-sync/internal/keyring"
	"github.com/alexjbarnes/chat-sync/internal/logging"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/alexjbarnes/chat-sync/internal/paginate"
	"github.com/alexjbarnes/chat-sync/internal/passkey"
	"github.com/alexjbarnes/chat-sync/internal/remote"
	"github.com/alexjbarnes/chat-sync/internal/state"
)

var Version = "dev"

const (
	// syncRetryBase is the initial backoff for transient sync failures.
	syncRetryBase = 2 * time.Second

	// syncMaxRetries bounds retries within one sync pass; the next tick
	// starts fresh anyway.
	syncMaxRetries = 3
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("chat-sync starting",
		slog.String("version", Version),
		slog.String("backend", cfg.Backend),
		slog.String("device", cfg.DeviceName),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := state.LoadAt(cfg.StatePath)
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer store.Close()

	chats, err := buildChatStore(ctx, cfg)
	if err != nil {
		return err
	}

	keys := keyring.New()
	if err := activateKeys(ctx, cfg, keys, chats, store, logger); err != nil {
		return err
	}

	session := chatsync.NewSession(keys, store, chats, logging.ForComponent(logger, "session"), paginate.WithPageSize(cfg.PageSize))
	defer session.Close()

	session.OnSyncSettingChanged(func(enabled bool) {
		logger.Info("sync setting changed", slog.Bool("enabled", enabled))
	})
	session.SetSyncEnabled(true)

	if _, err := session.Pages().Initialize(ctx); err != nil {
		if !remote.IsTransient(err) {
			return fmt.Errorf("initializing chat listing: %w", err)
		}

		// The steady-state loop re-lists on the next pass.
		logger.Warn("initial listing failed, will retry", slog.String("error", err.Error()))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return runSyncLoop(gctx, cfg, session, logging.ForComponent(logger, "sync"))
	})

	return g.Wait()
}

// buildChatStore constructs the configured remote store implementation.
func buildChatStore(ctx context.Context, cfg *config.Config) (remote.ChatStore, error) {
	switch cfg.Backend {
	case config.BackendS3:
		s3store, err := remote.NewS3Store(ctx, cfg.S3Bucket, cfg.S3Region, cfg.S3Endpoint)
		if err != nil {
			return nil, fmt.Errorf("building s3 store: %w", err)
		}

		return s3store, nil
	default:
		tokens := remote.WithExpiryCheck(remote.StaticTokenSource(cfg.AuthToken))

		return remote.NewClient(cfg.BackendURL, tokens, nil), nil
	}
}

// activateKeys loads the chat key. A configured CHAT_SYNC_KEY wins;
// otherwise the passkey setup flow runs, which in this headless build
// has no platform authenticator and reports the feature unavailable.
func activateKeys(ctx context.Context, cfg *config.Config, keys *keyring.Keyring, chats remote.ChatStore, store *state.Store, logger *slog.Logger) error {
	key, err := cfg.Key()
	if err != nil {
		return err
	}

	if key != nil {
		logger.Info("using configured chat key")
		return keys.SetKey(key)
	}

	bundles, ok := chats.(passkey.BundleStore)
	if !ok {
		return fmt.Errorf("no CHAT_SYNC_KEY configured and the %s backend holds no key backups", cfg.Backend)
	}

	manager := passkey.NewManager(nil, keys, store, bundles, logging.ForComponent(logger, "passkey"))

	result, err := manager.Setup(ctx, models.UserInfo{ID: cfg.DeviceName, Name: cfg.DeviceName})
	if err != nil {
		return fmt.Errorf("passkey setup: %w", err)
	}

	if !result.SyncEnabled {
		return fmt.Errorf("no chat key available: set CHAT_SYNC_KEY or run setup from a client with passkey support")
	}

	return nil
}

// runSyncLoop uploads pending local changes on every tick, retrying
// transient failures with exponential backoff inside the pass.
func runSyncLoop(ctx context.Context, cfg *config.Config, session *chatsync.Session, logger *slog.Logger) error {
	ticker := time.NewTicker(cfg.SyncInterval)
	defer ticker.Stop()

	for {
		if err := syncPass(ctx, session, logger); err != nil {
			if ctx.Err() != nil {
				return nil
			}

			logger.Warn("sync pass failed", slog.String("error", err.Error()))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func syncPass(ctx context.Context, session *chatsync.Session, logger *slog.Logger) error {
	status, err := session.Status(ctx)
	if err != nil {
		return fmt.Errorf("reading sync status: %w", err)
	}

	if status.PendingUploads == 0 {
		return nil
	}

	logger.Debug("uploading pending chats", slog.Int("pending", status.PendingUploads))

	backoff := retry.WithMaxRetries(syncMaxRetries, retry.NewExponential(syncRetryBase))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := session.UploadPending(ctx); err != nil {
			if remote.IsTransient(err) {
				return retry.RetryableError(err)
			}

			return err
		}

		return nil
	})
}
