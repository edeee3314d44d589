// Command calconnect runs the delegated calendar-connection service:
// it issues single-use connect links, drives the provider consent flow,
// and refreshes stored calendar credentials.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/rosterly/calconnect/internal/config"
	"github.com/rosterly/calconnect/internal/connect"
	"github.com/rosterly/calconnect/internal/logging"
	"github.com/rosterly/calconnect/internal/provider"
	"github.com/rosterly/calconnect/internal/server"
	"github.com/rosterly/calconnect/internal/store"
)

var Version = "dev"

func main() {
	// Handle hash-key subcommand before anything else; it needs no
	// configuration.
	if len(os.Args) > 1 && os.Args[1] == "hash-key" {
		hashKey()
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// hashKey reads an admin API key from stdin and prints its bcrypt hash
// for use in ADMIN_API_KEYS.
func hashKey() {
	fmt.Fprint(os.Stderr, "Enter API key: ")
	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		fmt.Fprintln(os.Stderr, "no input")
		os.Exit(1)
	}
	key := scanner.Text()
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(hash))
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := logging.New(cfg.Environment, cfg.LogLevel)

	adminKeys, err := cfg.ParseAdminKeys()
	if err != nil {
		return fmt.Errorf("parsing admin keys: %w", err)
	}

	st, err := store.Open(cfg.StorePath)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("closing store", slog.String("error", err.Error()))
		}
	}()

	google := provider.NewGoogle(
		cfg.GoogleClientID,
		cfg.GoogleClientSecret,
		cfg.RedirectURL(),
		cfg.ProviderTimeout,
	)

	svc := connect.NewService(connect.Options{
		Store:      st,
		Provider:   google,
		Signer:     connect.NewStateSigner([]byte(cfg.StateSecret)),
		Logger:     logger,
		ConnectURL: cfg.ConnectURL,
		TokenTTL:   cfg.ConnectTokenTTL,
	})

	mux := server.NewMux(server.MuxConfig{
		Service:   svc,
		Store:     st,
		Config:    cfg,
		AdminKeys: adminKeys,
		Logger:    logger,
	})

	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Signal handling for graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.TokenPruneInterval > 0 {
		go pruneLoop(ctx, st, cfg.TokenPruneInterval, logger)
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("starting server",
		slog.String("version", Version),
		slog.String("listen", cfg.ListenAddr),
		slog.String("callback_url", cfg.RedirectURL()),
		slog.Int("admin_keys", len(adminKeys)),
	)

	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// pruneLoop periodically removes expired connection tokens. Expired
// tokens are already inert for the protocol; this just keeps the store
// from accumulating dead records.
func pruneLoop(ctx context.Context, st *store.Store, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n, err := st.PruneExpiredTokens(time.Now().UTC())
			if err != nil {
				logger.Error("pruning expired tokens", slog.String("error", err.Error()))
				continue
			}

			if n > 0 {
				logger.Info("pruned expired tokens", slog.Int("count", n))
			}
		case <-ctx.Done():
			return
		}
	}
}
