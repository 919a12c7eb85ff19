package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/rendis/chainflow/internal/actions"
	"github.com/rendis/chainflow/internal/engine"
	"github.com/rendis/chainflow/internal/logging"
	"github.com/rendis/chainflow/internal/sandbox"
	"github.com/rendis/chainflow/internal/secrets"
	"github.com/rendis/chainflow/internal/service"
	"github.com/rendis/chainflow/internal/store"
	"github.com/rendis/chainflow/internal/streaming"
	"github.com/rendis/chainflow/internal/tracing"
)

// app is the wired dependency graph shared by every command.
type app struct {
	cfg    Config
	logger *slog.Logger
	store  *store.LibSQLStore
	ledger *store.PGLedger
	vault  *secrets.AESVault
	svc    *service.Service
}

func newLogger(cfg Config, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}
	var inner slog.Handler = slog.NewTextHandler(w, opts)
	if strings.EqualFold(cfg.LogFormat, "json") {
		inner = slog.NewJSONHandler(w, opts)
	}
	return slog.New(logging.NewCorrelationHandler(inner))
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// openStore opens and migrates the libSQL database.
func openStore(ctx context.Context, cfg Config) (*store.LibSQLStore, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	s, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func openVault(cfg Config, s secrets.SecretStore) (*secrets.AESVault, error) {
	vc := secrets.VaultConfig{Passphrase: cfg.Vault.Passphrase, Salt: []byte(cfg.Vault.Salt)}
	if cfg.Vault.MasterKey != "" {
		key, err := cfg.masterKey()
		if err != nil {
			return nil, err
		}
		vc.MasterKey = key
	}
	return secrets.NewAESVault(s, vc)
}

// openApp wires the store, ledger, vault, actions and service. Logs go to
// logOut so the stdio MCP transport keeps stdout clean.
func openApp(ctx context.Context, cfg Config, logOut io.Writer) (*app, error) {
	a := &app{cfg: cfg, logger: newLogger(cfg, logOut)}

	if cfg.Trace {
		if err := tracing.Init("chainflow", version, logOut); err != nil {
			return nil, fmt.Errorf("init tracing: %w", err)
		}
	}

	var err error
	if a.store, err = openStore(ctx, cfg); err != nil {
		return nil, err
	}

	deps := service.Deps{
		Store:            a.store,
		Logger:           a.logger,
		Pricing:          cfg.Pricing,
		ScheduleInterval: cfg.Scheduler.Interval,
		RetryDelay:       cfg.Executor.RetryDelay,
	}
	breaker := engine.DefaultCircuitBreakerConfig()
	if cfg.Executor.BreakerThreshold > 0 {
		breaker.FailureThreshold = cfg.Executor.BreakerThreshold
	}
	if cfg.Executor.BreakerCooldown > 0 {
		breaker.Cooldown = cfg.Executor.BreakerCooldown
	}
	deps.CircuitBreaker = &breaker

	if cfg.LedgerDSN != "" {
		if a.ledger, err = store.NewPGLedger(ctx, cfg.LedgerDSN); err != nil {
			a.close()
			return nil, err
		}
		if err := a.ledger.Migrate(ctx); err != nil {
			a.close()
			return nil, err
		}
		deps.Ledger = a.ledger
		a.logger.Info("using postgres credit ledger")
	}

	if cfg.vaultConfigured() {
		if a.vault, err = openVault(cfg, a.store); err != nil {
			a.close()
			return nil, err
		}
		deps.Credentials = a.vault
	} else {
		a.logger.Warn("vault not configured; actions cannot use credentials")
	}

	runner := sandbox.NewRunner(sandbox.Options{
		DefaultTimeout:   cfg.Sandbox.Timeout,
		MaxLogEntries:    cfg.Sandbox.MaxLogEntries,
		MaxResponseBytes: cfg.Sandbox.MaxResponseBytes,
		Logger:           a.logger,
	})
	reg := actions.NewRegistry()
	if err := actions.RegisterBuiltins(reg, actions.HTTPConfig{
		MaxResponseBody: cfg.HTTPAction.MaxResponseBody,
		DefaultTimeout:  cfg.HTTPAction.Timeout,
	}, runner); err != nil {
		a.close()
		return nil, err
	}
	deps.Actions = reg

	if a.svc, err = service.New(deps); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) close() {
	if a.svc != nil {
		a.svc.Wait()
		if hub, ok := a.svc.Hub().(*streaming.MemoryHub); ok {
			hub.Close()
		}
	}
	if a.ledger != nil {
		a.ledger.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Error("close store", "error", err)
		}
	}
	if err := tracing.Shutdown(context.Background()); err != nil {
		a.logger.Error("flush traces", "error", err)
	}
}
