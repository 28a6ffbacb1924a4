package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/davidahmann/afu9/internal/adapters"
	"github.com/davidahmann/afu9/internal/api"
	"github.com/davidahmann/afu9/internal/auth"
	"github.com/davidahmann/afu9/internal/config"
	"github.com/davidahmann/afu9/internal/lawbook"
	"github.com/davidahmann/afu9/internal/ledger/ledgerdb"
	"github.com/davidahmann/afu9/internal/lifecycle"
	"github.com/davidahmann/afu9/internal/playbook"
	"github.com/davidahmann/afu9/internal/policy"
	"github.com/davidahmann/afu9/internal/remediation"
	"github.com/davidahmann/afu9/internal/telemetry"
)

var version = "dev"

func main() {
	if err := runFn(os.Args[1:], os.Getenv, listenAndServe, newServer); err != nil {
		fatalf("server error: %v", err)
	}
}

var runFn = run
var fatalf = log.Fatalf

// newServer wires the core against the configured ledger. The returned
// cleanup flushes telemetry and closes the database.
func newServer(cfg config.Config, logger *slog.Logger) (*http.Server, func(), error) {
	ctx := context.Background()
	providers, err := telemetry.Init(ctx, telemetry.Options{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "afu9-gateway",
		ServiceVersion: version,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("telemetry: %w", err)
	}

	db, err := ledgerdb.Open(ctx, cfg.DB.Driver, cfg.DB.DSN, true)
	if err != nil {
		_ = providers.Shutdown(ctx)
		return nil, nil, err
	}
	cleanup := func() {
		if err := providers.Shutdown(context.Background()); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
		if err := db.Close(); err != nil {
			logger.Warn("ledger close failed", "error", err)
		}
	}

	var source lawbook.Source = lawbook.LedgerSource{Store: db.Store}
	if cfg.LawbookPath != "" {
		source = lawbook.FileSource{Path: cfg.LawbookPath}
	}
	evaluator := policy.NewEvaluator(lawbook.NewCache(source, cfg.LawbookCacheTTL()), db.Store, policy.Options{
		DedupeWindow: cfg.DedupeWindow(),
		Logger:       logger,
	})

	reg := playbook.NewRegistry()
	if err := reg.Register(playbook.ActionHTTPCheck, playbook.NewHTTPCheck(nil, cfg.HTTPCheckTimeout())); err != nil {
		cleanup()
		return nil, nil, err
	}
	engine := playbook.NewEngine(db.Store, reg, playbook.EngineOptions{
		Retry:  retryPolicy(cfg.Retry),
		Logger: logger,
	})
	catalog := playbook.NewCatalog(reg)
	if err := remediation.Register(reg, remediation.Deps{
		ECS:          adapters.NewPolicyGuardedECS(adapters.Unconfigured{}, evaluator),
		Store:        db.Store,
		Verifier:     remediation.PlaybookVerifier{Engine: engine, Catalog: catalog},
		PollInterval: cfg.PollInterval(),
		Logger:       logger,
	}); err != nil {
		cleanup()
		return nil, nil, err
	}
	if err := remediation.LoadBuiltins(catalog); err != nil {
		cleanup()
		return nil, nil, err
	}
	if cfg.PlaybooksDir != "" {
		if err := catalog.LoadDir(cfg.PlaybooksDir); err != nil {
			cleanup()
			return nil, nil, err
		}
	}

	h := &api.Handler{
		Auth:   auth.NewAuthenticatorFromEnv(),
		Policy: evaluator,
		Remediation: &remediation.Service{
			Engine:  engine,
			Catalog: catalog,
			Store:   db.Store,
		},
		Lifecycle: lifecycle.NewMachine(db.Store, adapters.Unconfigured{}, lifecycle.Options{
			PublishingEnabled: cfg.Publishing.Enabled,
			Logger:            logger,
		}),
		Logger: logger,
	}
	return &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.NewRouter(h),
		ReadHeaderTimeout: 5 * time.Second,
	}, cleanup, nil
}

func retryPolicy(rc config.RetryConfig) playbook.RetryPolicy {
	p := playbook.DefaultRetryPolicy()
	if rc.InitialIntervalMS > 0 {
		p.InitialInterval = time.Duration(rc.InitialIntervalMS) * time.Millisecond
	}
	if rc.MaxIntervalMS > 0 {
		p.MaxInterval = time.Duration(rc.MaxIntervalMS) * time.Millisecond
	}
	return p
}

type envFn func(string) string
type listenFn func(*http.Server) error
type serverFactory func(cfg config.Config, logger *slog.Logger) (*http.Server, func(), error)

func run(args []string, getenv envFn, listen listenFn, factory serverFactory) error {
	fs := flag.NewFlagSet("afu9-gateway", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to afu9 config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfgFile := firstNonEmpty(*configPath, getenv("AFU9_CONFIG_PATH"))

	var cfg config.Config
	if cfgFile != "" {
		loaded, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	cfg.ListenAddr = firstNonEmpty(getenv("AFU9_LISTEN_ADDR"), cfg.ListenAddr, ":8080")
	cfg.DB.Driver = firstNonEmpty(getenv("AFU9_DB_DRIVER"), cfg.DB.Driver)
	cfg.DB.DSN = firstNonEmpty(getenv("AFU9_DB_DSN"), cfg.DB.DSN)
	cfg.LawbookPath = firstNonEmpty(getenv("AFU9_LAWBOOK_PATH"), cfg.LawbookPath)
	cfg.PlaybooksDir = firstNonEmpty(getenv("AFU9_PLAYBOOKS_DIR"), cfg.PlaybooksDir)
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := newLogger(cfg.Log, os.Stderr)
	slog.SetDefault(logger)

	server, cleanup, err := factory(cfg, logger)
	if err != nil {
		return err
	}
	if cleanup != nil {
		defer cleanup()
	}

	logger.Info("afu9-gateway listening", "addr", cfg.ListenAddr, "db_driver", firstNonEmpty(cfg.DB.Driver, "memory"))
	if err := listen(server); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func newLogger(lc config.LogConfig, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(lc.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(lc.Format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func listenAndServe(server *http.Server) error {
	return server.ListenAndServe()
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
