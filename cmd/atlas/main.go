// Copyright 2025 Atlas Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command atlas runs the enterprise assistant orchestrator.
//
// Usage:
//
//	atlas serve --config config.yaml
//	atlas capserver --db accounts.db --port 9090
//	atlas validate --config config.yaml
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/atlashq/atlas/pkg/auth"
	"github.com/atlashq/atlas/pkg/capability"
	"github.com/atlashq/atlas/pkg/capserver"
	"github.com/atlashq/atlas/pkg/config"
	"github.com/atlashq/atlas/pkg/ingest"
	"github.com/atlashq/atlas/pkg/llm"
	"github.com/atlashq/atlas/pkg/logger"
	"github.com/atlashq/atlas/pkg/observability"
	"github.com/atlashq/atlas/pkg/orchestrator"
	"github.com/atlashq/atlas/pkg/resolver"
	"github.com/atlashq/atlas/pkg/safety"
	"github.com/atlashq/atlas/pkg/server"
	"github.com/atlashq/atlas/pkg/store"
)

// CLI defines the command-line interface.
type CLI struct {
	Version   VersionCmd   `cmd:"" help:"Show version information."`
	Serve     ServeCmd     `cmd:"" help:"Start the orchestrator HTTP server."`
	Capserver CapserverCmd `cmd:"" help:"Start the reference SQL capability server."`
	Validate  ValidateCmd  `cmd:"" help:"Validate a configuration file."`

	Config    string `short:"c" help:"Path to config file." type:"path" default:"config.yaml"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple or verbose)." default:"simple"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("atlas version %s\n", version)
	return nil
}

// ValidateCmd loads and validates a configuration file.
type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	if _, err := config.LoadFromFile(cli.Config); err != nil {
		return err
	}
	fmt.Printf("%s: configuration is valid\n", cli.Config)
	return nil
}

// ServeCmd starts the orchestrator.
type ServeCmd struct {
	Port int `help:"Override the configured listen port."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := signalContext()
	defer cancel()

	cfg, err := config.LoadFromFile(cli.Config)
	if err != nil {
		return err
	}
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}

	log := slog.Default()

	extractor, err := auth.NewExtractor(cfg.Mode, log)
	if err != nil {
		return err
	}

	st, err := newStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer closeCancel()
		if err := st.Close(closeCtx); err != nil {
			log.Warn("store close failed", "error", err)
		}
	}()

	var metrics observability.Metrics = observability.NoopMetrics{}
	if cfg.Metrics.Enabled {
		prom, err := observability.Init()
		if err != nil {
			return err
		}
		metrics = prom
	}
	if _, err := observability.InitTracer(ctx, "atlas"); err != nil {
		return err
	}

	registry := capability.NewRegistry(cfg.Capabilities, cfg.RolesToCapabilities, cfg.AdminRoles)
	loader := capability.NewLoader(registry, log,
		capability.WithCallTimeout(cfg.Orchestrator.ToolTimeout.Duration()))
	defer loader.CloseAll()

	filters := safety.NewChain(
		safety.NewBlocklist(cfg.Orchestrator.DangerousPatterns),
		safety.NewTokenBudget(cfg.Orchestrator.TokenBudgetChars),
	)

	orch := orchestrator.New(cfg.Orchestrator, orchestrator.Dependencies{
		LLM:        llm.NewOpenAIClient(&cfg.LLM),
		Registry:   registry,
		Loader:     loader,
		Store:      st,
		Filters:    filters,
		Metrics:    metrics,
		Logger:     log,
		Model:      cfg.LLM.Model,
		CacheTTL:   cfg.Conversation.CacheTTL.Duration(),
		CacheScope: cfg.Conversation.CacheScope,
	})

	return server.New(cfg, orch, extractor, st, ingest.NewChromemAdapter(), log).Start(ctx)
}

// CapserverCmd starts the reference capability server against a SQLite
// database, fitting the account resolver from the accounts table.
type CapserverCmd struct {
	DB   string `help:"SQLite database path." default:":memory:"`
	Port int    `help:"Port to listen on." default:"9090"`
}

func (c *CapserverCmd) Run(cli *CLI) error {
	ctx, cancel := signalContext()
	defer cancel()

	log := slog.Default()

	db, err := capserver.OpenDB(c.DB)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := capserver.EnsureSchema(ctx, db); err != nil {
		return err
	}

	accounts, err := capserver.LoadAccounts(ctx, db)
	if err != nil {
		return err
	}
	accountResolver := resolver.New(resolver.DefaultConfig())
	accountResolver.Fit(accounts)
	log.Info("account resolver fitted", "accounts", len(accounts))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", c.Port),
		Handler:           capserver.New(db, accountResolver, log).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("capability server listening", "addr", srv.Addr, "db", c.DB)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func newStore(ctx context.Context, cfg *config.Config, log *slog.Logger) (store.Store, error) {
	switch cfg.Conversation.Backend {
	case "mongo":
		return store.NewMongoStore(ctx, cfg.Conversation.URI, cfg.Conversation.Database,
			cfg.Conversation.MaxTurnsRetained, log)
	default:
		return store.NewMemoryStore(cfg.Conversation.MaxTurnsRetained), nil
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("shutting down")
		cancel()
	}()
	return ctx, cancel
}

func main() {
	if err := config.LoadEnvFiles(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load env files: %v\n", err)
	}

	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("atlas"),
		kong.Description("Atlas - multi-tenant enterprise assistant orchestrator"),
		kong.UsageOnError(),
	)

	level, err := logger.ParseLevel(cli.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	output := os.Stderr
	cleanup := func() {}
	if cli.LogFile != "" {
		f, c, err := logger.OpenLogFile(cli.LogFile)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		output, cleanup = f, c
	}
	logger.Init(level, output, cli.LogFormat)
	defer cleanup()

	if err := kctx.Run(&cli); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
