// ABOUTME: Entry point for the coven-turns conversation server
// ABOUTME: Wires storage, caches, LLM services and tools, then serves the HTTP API

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/coven-turns/internal/builtins"
	"github.com/2389/coven-turns/internal/config"
	"github.com/2389/coven-turns/internal/conversation"
	"github.com/2389/coven-turns/internal/gateway"
	"github.com/2389/coven-turns/internal/llm"
	"github.com/2389/coven-turns/internal/llm/openai"
	"github.com/2389/coven-turns/internal/response"
	"github.com/2389/coven-turns/internal/router"
	"github.com/2389/coven-turns/internal/statecache"
	"github.com/2389/coven-turns/internal/store"
	"github.com/2389/coven-turns/internal/tools"
)

// Version is set at build time.
var version = "dev"

const banner = `
                                    _
  ___ _____   _____ _ __           | |_ _   _ _ __ _ __  ___
 / __/ _ \ \ / / _ \ '_ \   _____  | __| | | | '__| '_ \/ __|
| (_| (_) \ V /  __/ | | | |_____| | |_| |_| | |  | | | \__ \
 \___\___/ \_/ \___|_| |_|          \__|\__,_|_|  |_| |_|___/
`

// getConfigPath returns the path to the config file.
// Priority: COVEN_TURNS_CONFIG env var > XDG_CONFIG_HOME/coven/turns.yaml > ~/.config/coven/turns.yaml
func getConfigPath() string {
	if envPath := os.Getenv("COVEN_TURNS_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "turns.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "coven", "turns.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: coven-turns <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve     Start the server")
		fmt.Println("  health    Check server health")
		fmt.Println("  version   Print the version")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "health":
		err = runHealth(ctx)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	printStartup(configPath, cfg)

	logger.Info("starting coven-turns",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"services", len(cfg.Services),
		"redis", cfg.Redis.Enabled,
	)

	sqlStore, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("initializing store: %w", err)
	}
	defer func() {
		if err := sqlStore.Close(); err != nil {
			logger.Error("closing store", "error", err)
		}
	}()

	remote, closeRemote, err := setupRemoteCache(ctx, cfg.Redis, logger)
	if err != nil {
		return err
	}
	defer closeRemote()

	states := statecache.New(sqlStore, remote, statecache.Options{
		L1TTL:          cfg.Cache.L1TTL,
		L1MaxEntries:   cfg.Cache.L1MaxEntries,
		DebounceWindow: cfg.Cache.DebounceWindow,
		Logger:         logger,
	})
	defer func() {
		// Pending debounced writes must reach SQLite before the store closes
		flushCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := states.Close(flushCtx); err != nil {
			logger.Error("flushing state cache", "error", err)
		}
	}()

	counter := tokenCounter(cfg.Response.DefaultModel, logger)

	services := make([]llm.Service, 0, len(cfg.Services))
	for _, svc := range cfg.Services {
		services = append(services, openai.New(openai.Config{
			Name:            svc.Name,
			BaseURL:         svc.BaseURL,
			APIKey:          svc.APIKey,
			Model:           svc.Model,
			MaxOutputTokens: svc.MaxOutputTokens,
			ContextWindow:   svc.ContextWindow,
			Timeout:         svc.Timeout,
		}, counter, logger))
	}

	runner := tools.NewRunner(cfg.ApprovalPolicy(), logger)
	if cfg.Tools.Timeout > 0 {
		runner.SetDefaultTimeout(cfg.Tools.Timeout)
	}
	if err := builtins.Register(runner, sqlStore); err != nil {
		return fmt.Errorf("registering builtin tools: %w", err)
	}

	responder := response.New(states, router.New(services, logger), runner, response.Options{
		DefaultModel:          cfg.Response.DefaultModel,
		DefaultSystemPrompt:   cfg.Response.DefaultSystemPrompt,
		DefaultMaxTokens:      cfg.Response.DefaultMaxTokens,
		MaxRounds:             cfg.Response.MaxRounds,
		CreditsPerInputToken:  cfg.Response.CreditsPerInputToken,
		CreditsPerOutputToken: cfg.Response.CreditsPerOutputToken,
		ApprovalTTL:           cfg.Response.ApprovalTTL,
		TokenCounter:          counter,
		Logger:                logger,
	})

	broadcaster := conversation.NewBroadcaster(logger)
	defer broadcaster.Close()

	conv := conversation.New(sqlStore, states, responder, broadcaster, logger)
	if cfg.Response.HistoryLimit > 0 {
		conv.SetHistoryLimit(cfg.Response.HistoryLimit)
	}

	gw := gateway.New(gateway.Deps{
		States:       states,
		Conversation: conv,
		Watches:      broadcaster,
		Usage:        sqlStore,
		Tools:        runner,
		Approvals:    responder,
	}, gateway.Options{
		Addr:            cfg.Server.HTTPAddr,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		Logger:          logger,
	})

	return gw.Run(ctx)
}

func printStartup(configPath string, cfg *config.Config) {
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	gray := color.New(color.FgHiBlack)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Path)
	green.Print("    ▶ ")
	fmt.Printf("Redis:     ")
	if cfg.Redis.Enabled {
		fmt.Println(cfg.Redis.Addr)
	} else {
		yellow.Println("disabled")
	}
	for i, svc := range cfg.Services {
		green.Print("    ▶ ")
		fmt.Printf("Service:   %s ", svc.Name)
		gray.Printf("(%s", svc.BaseURL)
		if i == 0 {
			gray.Print(", primary")
		}
		gray.Println(")")
	}
	fmt.Println()
}

// setupRemoteCache connects the L2 tier. With Redis disabled, L2 is a no-op.
func setupRemoteCache(ctx context.Context, cfg config.RedisConfig, logger *slog.Logger) (statecache.RemoteCache, func(), error) {
	if !cfg.Enabled {
		logger.Info("redis disabled, running without L2 cache")
		return statecache.NoopCache{}, func() {}, nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	client, err := statecache.DialRedis(dialCtx, cfg.Addr, cfg.Password, cfg.DB)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to redis: %w", err)
	}
	logger.Info("connected to redis", "addr", cfg.Addr, "db", cfg.DB)

	closeFn := func() {
		if err := client.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}
	return statecache.NewRedisCache(client, cfg.KeyPrefix, cfg.TTL), closeFn, nil
}

// tokenCounter returns a tiktoken counter, or nil when no encoding can be loaded.
// Without one, context-window checks and usage estimates are skipped.
func tokenCounter(model string, logger *slog.Logger) llm.TokenCounter {
	if model == "" {
		model = "gpt-4o"
	}
	c, err := llm.NewTiktokenCounter(model)
	if err != nil {
		logger.Warn("token counting disabled", "error", err)
		return nil
	}
	return c
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/health", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}
