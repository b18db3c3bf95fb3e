// Package refresher runs the background maintenance loop that refreshes
// access tokens before they expire.
package refresher

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"time"

	"github.com/okonek/tokenvault/internal/custody"
	"github.com/okonek/tokenvault/internal/custody/audit"
	"github.com/okonek/tokenvault/internal/custody/provider"
	"github.com/okonek/tokenvault/internal/custody/secret"
	"github.com/okonek/tokenvault/internal/custody/storage"
	"github.com/okonek/tokenvault/internal/custody/storage/sqlite"
	"github.com/okonek/tokenvault/internal/platform/config"
	"github.com/okonek/tokenvault/internal/platform/otel"
)

// Config holds refresher command configuration.
type Config struct {
	DBPath          string
	ServiceSalt     string
	Interval        time.Duration
	ExpiryBuffer    time.Duration
	ProviderTimeout time.Duration
	BatchLimit      int
	Once            bool
}

type envConfig struct {
	DBPath          string        `env:"TOKENVAULT_DB_PATH"`
	ServiceSalt     string        `env:"TOKENVAULT_SERVICE_SALT"`
	Interval        time.Duration `env:"TOKENVAULT_REFRESH_INTERVAL" envDefault:"1m"`
	ExpiryBuffer    time.Duration `env:"TOKENVAULT_EXPIRY_BUFFER" envDefault:"5m"`
	ProviderTimeout time.Duration `env:"TOKENVAULT_PROVIDER_TIMEOUT" envDefault:"10s"`
	BatchLimit      int           `env:"TOKENVAULT_REFRESH_BATCH_LIMIT" envDefault:"100"`
}

// ErrMissingSalt is returned when no service salt is configured.
var ErrMissingSalt = errors.New("TOKENVAULT_SERVICE_SALT is required")

// ParseConfig parses flags into a Config. Environment values provide the
// flag defaults.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var envCfg envConfig
	if err := config.ParseEnv(&envCfg); err != nil {
		return Config{}, err
	}

	cfg := Config{
		DBPath:          envCfg.DBPath,
		ServiceSalt:     envCfg.ServiceSalt,
		Interval:        envCfg.Interval,
		ExpiryBuffer:    envCfg.ExpiryBuffer,
		ProviderTimeout: envCfg.ProviderTimeout,
		BatchLimit:      envCfg.BatchLimit,
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join("data", "tokenvault.db")
	}

	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "path to the credential sqlite database (default: TOKENVAULT_DB_PATH or data/tokenvault.db)")
	fs.DurationVar(&cfg.Interval, "interval", cfg.Interval, "delay between refresh sweeps (default: TOKENVAULT_REFRESH_INTERVAL or 1m)")
	fs.DurationVar(&cfg.ExpiryBuffer, "expiry-buffer", cfg.ExpiryBuffer, "refresh tokens expiring within this window (default: TOKENVAULT_EXPIRY_BUFFER or 5m)")
	fs.DurationVar(&cfg.ProviderTimeout, "provider-timeout", cfg.ProviderTimeout, "per-provider refresh call timeout (default: TOKENVAULT_PROVIDER_TIMEOUT or 10s)")
	fs.IntVar(&cfg.BatchLimit, "batch-limit", cfg.BatchLimit, "max credentials refreshed per sweep (default: TOKENVAULT_REFRESH_BATCH_LIMIT or 100)")
	fs.BoolVar(&cfg.Once, "once", false, "run a single sweep and exit")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if cfg.ServiceSalt == "" {
		return Config{}, ErrMissingSalt
	}
	if cfg.BatchLimit <= 0 {
		return Config{}, errors.New("batch limit must be greater than zero")
	}
	return cfg, nil
}

// refresher ensures one credential is fresh.
type refresher interface {
	EnsureFresh(ctx context.Context, userID string, prov storage.Provider) error
}

// expiryLister reports credentials expiring before a cutoff.
type expiryLister interface {
	ListExpiring(ctx context.Context, before time.Time, limit int) ([]storage.Key, error)
}

// Run starts the refresh loop and blocks until ctx is canceled.
func Run(ctx context.Context, cfg Config, out io.Writer) error {
	if out == nil {
		out = io.Discard
	}

	shutdown, err := otel.Setup(ctx, "tokenvault-refresher")
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			log.Printf("telemetry shutdown: %v", err)
		}
	}()

	salt, err := hex.DecodeString(cfg.ServiceSalt)
	if err != nil {
		return fmt.Errorf("decode service salt: %w", err)
	}
	service, store, emitter, err := buildService(cfg, salt)
	if err != nil {
		return err
	}
	defer emitter.Close()
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("close store: %v", err)
		}
	}()

	clock := time.Now
	if cfg.Once {
		return sweep(ctx, store, service, clock().UTC().Add(cfg.ExpiryBuffer), cfg.BatchLimit, out)
	}

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()
	for {
		if err := sweep(ctx, store, service, clock().UTC().Add(cfg.ExpiryBuffer), cfg.BatchLimit, out); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			log.Printf("sweep: %v", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func buildService(cfg Config, salt []byte) (*custody.Service, *sqlite.Store, *audit.AsyncEmitter, error) {
	deriver, err := secret.NewDeriver(salt)
	if err != nil {
		return nil, nil, nil, err
	}
	providerConfig, err := provider.LoadConfigFromEnv()
	if err != nil {
		return nil, nil, nil, err
	}
	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open credential store: %w", err)
	}

	emitter := audit.NewAsyncEmitter(audit.LogEmitter{}, 256, func(event audit.Event) {
		log.Printf("audit event dropped: %s %s/%s", event.Type, event.UserID, event.Provider)
	})
	service, err := custody.NewService(store, deriver, provider.NewHTTPExchanger(providerConfig, nil), emitter, custody.Config{
		ExpiryBuffer:    cfg.ExpiryBuffer,
		ProviderTimeout: cfg.ProviderTimeout,
	})
	if err != nil {
		emitter.Close()
		_ = store.Close()
		return nil, nil, nil, err
	}
	return service, store, emitter, nil
}

// sweep refreshes every credential expiring before the cutoff. Individual
// refresh failures are reported and skipped; the sweep continues.
func sweep(ctx context.Context, lister expiryLister, service refresher, before time.Time, limit int, out io.Writer) error {
	keys, err := lister.ListExpiring(ctx, before, limit)
	if err != nil {
		return fmt.Errorf("list expiring credentials: %w", err)
	}

	refreshed := 0
	failed := 0
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := service.EnsureFresh(ctx, key.UserID, key.Provider); err != nil {
			failed++
			fmt.Fprintf(out, "refresh %s/%s: %v\n", key.UserID, key.Provider, err)
			continue
		}
		refreshed++
	}
	fmt.Fprintf(out, "sweep complete: %d refreshed, %d failed, %d scanned\n", refreshed, failed, len(keys))
	return nil
}
