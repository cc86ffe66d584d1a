package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/danmuck/iolitectl/internal/auth"
	"github.com/danmuck/iolitectl/internal/client"
	"github.com/danmuck/iolitectl/internal/config"
	"github.com/danmuck/iolitectl/internal/credentials"
	"github.com/danmuck/iolitectl/internal/logging"
	"github.com/danmuck/iolitectl/internal/observability"
	"github.com/rs/zerolog/log"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML config file (optional)")
	flag.Parse()

	logging.ConfigureRuntime()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath); err != nil {
		fmt.Fprintf(os.Stderr, "iolitectl: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, path string) error {
	cfg, err := loadConfig(path, os.LookupEnv)
	if err != nil {
		return err
	}

	store, closer, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closer.Close()

	board := &observability.StatusBoard{}
	if cfg.MetricsAddr != "" {
		go func() {
			if err := observability.Serve(ctx, cfg.MetricsAddr, board); err != nil {
				log.Error().Err(err).Str("addr", cfg.MetricsAddr).Msg("iolitectl status server stopped")
			}
		}()
	}

	c, err := client.New(client.Config{
		Credentials: cfg.Credentials(),
		Scheme:      cfg.Scheme,
		Host:        cfg.Host,
		Session:     cfg.Session,
		Reconnect:   cfg.Reconnect.Enabled,
		MaxAttempts: cfg.Reconnect.MaxAttempts,
		Backoff:     cfg.Reconnect.Backoff,
	}, auth.NewAcquirer(cfg.AuthURL(), store), nil, board)
	if err != nil {
		return err
	}

	log.Info().
		Str("identity", cfg.Identity).
		Str("host", cfg.Host).
		Str("store", cfg.StoreBackend).
		Msg("iolitectl starting")
	return c.Run(ctx)
}

func loadConfig(path string, lookup func(string) (string, bool)) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	cfg.ApplyEnv(lookup)
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// openStore builds the credential store selected by cfg.StoreBackend.
func openStore(cfg config.Config) (credentials.Store, io.Closer, error) {
	switch cfg.StoreBackend {
	case config.StoreBackendSQLite:
		if err := os.MkdirAll(cfg.StoreDir, 0o700); err != nil {
			return nil, nil, err
		}
		s, err := credentials.OpenSQLiteStore(filepath.Join(cfg.StoreDir, cfg.StoreFile))
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	default:
		passphrase := ""
		if cfg.EncryptStore {
			passphrase = cfg.Secret
		}
		return credentials.NewFileStore(cfg.StoreDir, passphrase), nopCloser{}, nil
	}
}

// nopCloser stands in for stores that hold no open handle.
type nopCloser struct{}

func (nopCloser) Close() error { return nil }
