package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/basket/acp-bridge/internal/bridge"
	"github.com/basket/acp-bridge/internal/bus"
	"github.com/basket/acp-bridge/internal/config"
	"github.com/basket/acp-bridge/internal/cron"
	"github.com/basket/acp-bridge/internal/httpapi"
	otelbridge "github.com/basket/acp-bridge/internal/otel"
	"github.com/basket/acp-bridge/internal/persistence"
	"github.com/basket/acp-bridge/internal/repo"
	"github.com/basket/acp-bridge/internal/services/github"
	"github.com/basket/acp-bridge/internal/services/linear"
	"github.com/basket/acp-bridge/internal/services/slack"
	"github.com/basket/acp-bridge/internal/services/telegram"
	"github.com/basket/acp-bridge/internal/telemetry"
	"github.com/basket/acp-bridge/internal/viewer"
)

// runBridge assembles and runs the whole application. It returns when the
// context is cancelled (SIGINT/SIGTERM) and teardown has finished.
func runBridge(ctx context.Context) error {
	cfg, err := config.Load(os.Environ())
	if err != nil {
		return err
	}

	logger, logCloser, err := telemetry.NewLogger(cfg.DataDir, cfg.LogLevel, isInteractive())
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser.Close()

	otelProvider, err := otelbridge.Init(ctx, otelbridge.Config{
		Enabled:     cfg.Otel.Enabled,
		Exporter:    cfg.Otel.Exporter,
		Endpoint:    cfg.Otel.Endpoint,
		ServiceName: cfg.Otel.ServiceName,
		Version:     Version,
	})
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}

	eventBus := bus.New()
	metrics, err := otelbridge.NewMetrics(otelProvider.Meter)
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	go otelbridge.NewRecorder(metrics, eventBus).Run(ctx)

	store, err := persistence.OpenSessionStore(filepath.Join(cfg.DataDir, "sessions.json"))
	if err != nil {
		return err
	}
	journal, err := persistence.OpenJournal(filepath.Join(cfg.DataDir, "journal.db"))
	if err != nil {
		// The journal only feeds the viewer; run without it.
		logger.Warn("update journal unavailable", "error", err)
		journal = nil
	}

	// GitHub App auth doubles as the repository token vendor and the
	// GitHub adapter's API credential. One per agent when keys differ.
	githubAuths := buildGitHubAuths(cfg, logger)

	var tokens repo.TokenProvider
	if auth, ok := githubAuths[cfg.DefaultAgent().Name]; ok {
		tokens = auth
	}
	skills := repo.NewSkillInstaller(
		skillsSourceDir(),
		repo.DefaultSkillTargets(homeDir()),
		cfg.EnabledServices,
		logger,
	)
	repoProvider := repo.NewProvider(repo.Config{
		RepoID:   cfg.GitHubRepo,
		DataDir:  cfg.DataDir,
		Tokens:   tokens,
		AgentEnv: agentForwardEnv(cfg),
		Skills:   skills,
		Logger:   logger,
	})
	go func() {
		if err := skills.Watch(ctx); err != nil {
			logger.Warn("skills watcher stopped", "error", err)
		}
	}()

	manager := bridge.NewManager(bridge.ManagerConfig{
		Repo:    repoProvider,
		Store:   store,
		Journal: journalOrNil(journal),
		Bus:     eventBus,
		ResolveAgent: func(name string) (string, string, error) {
			agent, err := cfg.Agent(name)
			if err != nil {
				return "", "", err
			}
			return agent.Name, agent.Command, nil
		},
		Window:  cfg.DebounceWindow,
		BaseURL: cfg.BaseURL,
		Tracer:  otelProvider.Tracer,
		Metrics: metrics,
		Logger:  logger,
	})

	adapters := buildAdapters(cfg, manager, githubAuths, logger)
	if len(adapters) == 0 {
		logger.Warn("no adapters configured; only /health and the viewer are live")
	}

	server := httpapi.New(httpapi.Config{
		BindAddr: cfg.BindAddr,
		Services: adapterNames(adapters),
		Logger:   logger,
	})
	server.RegisterAdapters(adapters)
	server.Register(viewer.NewHandler(viewer.NewReader(homeDir(), logger), journal, logger))

	// Restore persisted sessions BEFORE adapters start receiving events,
	// then start each adapter.
	for _, adapter := range adapters {
		restored := manager.RestoreSessionsForAdapter(adapter)
		if err := adapter.Start(ctx); err != nil {
			logger.Error("adapter start failed", "service", adapter.ServiceName(), "error", err)
			continue
		}
		logger.Info("adapter started", "service", adapter.ServiceName(), "restored_sessions", restored)
	}

	// Startup sweep plus scheduled pruning of stale worktrees.
	scheduler, err := cron.NewScheduler(cron.Config{
		Schedule: cfg.CleanupSchedule,
		MaxAge:   time.Duration(cfg.WorktreeMaxAgeDays) * 24 * time.Hour,
		Cleanup:  repoProvider.CleanupStale,
		Active:   manager.ActiveCwds,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	scheduler.RunOnce(ctx)
	scheduler.Start(ctx)

	serverErr := make(chan error, 1)
	go func() { serverErr <- server.ListenAndServe() }()
	logger.Info("acp bridge started", "services", cfg.EnabledServices, "version", Version)

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	// Orderly shutdown: stop ingress, close agents (persistence stays for
	// restart), then adapters and the rest.
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", "error", err)
	}
	manager.Shutdown(shutdownCtx)
	for _, adapter := range adapters {
		if err := adapter.Close(shutdownCtx); err != nil {
			logger.Warn("adapter close failed", "service", adapter.ServiceName(), "error", err)
		}
	}
	scheduler.Stop()
	if journal != nil {
		journal.Close()
	}
	if err := otelProvider.Shutdown(shutdownCtx); err != nil {
		logger.Warn("otel shutdown failed", "error", err)
	}
	logger.Info("acp bridge stopped")
	return nil
}

// buildGitHubAuths creates one App authenticator per agent that has (a
// possibly overridden) App key configured.
func buildGitHubAuths(cfg *config.Config, logger *slog.Logger) map[string]*github.AppAuth {
	auths := make(map[string]*github.AppAuth)
	if cfg.GitHubInstallationID == 0 {
		return auths
	}
	for name := range cfg.Agents {
		appID := cfg.Credential("GITHUB_APP_ID", name)
		privateKey := cfg.Credential("GITHUB_PRIVATE_KEY", name)
		if appID == "" || privateKey == "" {
			continue
		}
		// Keys arrive through env with literal \n escapes.
		pemData := strings.ReplaceAll(privateKey, `\n`, "\n")
		auth, err := github.NewAppAuth(appID, cfg.GitHubInstallationID, []byte(pemData), "")
		if err != nil {
			logger.Warn("github app auth unavailable", "agent", name, "error", err)
			continue
		}
		auths[name] = auth
	}
	return auths
}

// buildAdapters instantiates one adapter per enabled service × configured
// agent, each with agent-scoped credentials.
func buildAdapters(cfg *config.Config, manager *bridge.Manager, githubAuths map[string]*github.AppAuth, logger *slog.Logger) []bridge.ServiceAdapter {
	var adapters []bridge.ServiceAdapter

	for name, agent := range cfg.Agents {
		isDefault := agent.Default

		for _, service := range cfg.EnabledServices {
			switch service {
			case "linear":
				token := cfg.Credential("LINEAR_ACCESS_TOKEN", name)
				if token == "" {
					logger.Warn("linear token missing, skipping adapter", "agent", name)
					continue
				}
				routePath := "/webhooks/linear"
				if !isDefault {
					routePath += "/" + name
				}
				adapters = append(adapters, linear.NewAdapter(linear.AdapterConfig{
					Manager:       manager,
					API:           linear.NewAPIClient(token, ""),
					AgentName:     name,
					WebhookSecret: cfg.Credential("LINEAR_WEBHOOK_SECRET", name),
					RoutePath:     routePath,
					Logger:        logger,
				}))

			case "slack":
				botToken := cfg.Credential("SLACK_BOT_TOKEN", name)
				appToken := cfg.Credential("SLACK_APP_TOKEN", name)
				if botToken == "" || appToken == "" {
					logger.Warn("slack tokens missing, skipping adapter", "agent", name)
					continue
				}
				adapters = append(adapters, slack.NewAdapter(slack.AdapterConfig{
					Manager:   manager,
					API:       slack.NewAPIClient(botToken, ""),
					AppToken:  appToken,
					AgentName: name,
					Logger:    logger,
				}))

			case "github":
				auth, ok := githubAuths[name]
				if !ok {
					logger.Warn("github app credentials missing, skipping adapter", "agent", name)
					continue
				}
				routePath := "/webhooks/github"
				if !isDefault {
					routePath += "/" + name
				}
				adapters = append(adapters, github.NewAdapter(github.AdapterConfig{
					Manager:       manager,
					API:           github.NewAPIClient(auth, ""),
					Auth:          auth,
					AgentName:     name,
					BotLogin:      cfg.Credential("GITHUB_BOT_LOGIN", name),
					WebhookSecret: cfg.Credential("GITHUB_WEBHOOK_SECRET", name),
					RoutePath:     routePath,
					Logger:        logger,
				}))

			case "telegram":
				token := cfg.Credential("TELEGRAM_BOT_TOKEN", name)
				if token == "" {
					logger.Warn("telegram token missing, skipping adapter", "agent", name)
					continue
				}
				adapters = append(adapters, telegram.NewAdapter(telegram.AdapterConfig{
					Manager:    manager,
					Token:      token,
					AllowedIDs: parseAllowedIDs(cfg.Credential("TELEGRAM_ALLOWED_IDS", name)),
					AgentName:  name,
					Logger:     logger,
				}))

			default:
				logger.Warn("unknown service, skipping", "service", service)
			}
		}
	}
	return adapters
}

// agentForwardEnv builds the static environment forwarded into every agent
// subprocess: model API keys plus tokens for the enabled services.
func agentForwardEnv(cfg *config.Config) []string {
	var env []string
	forward := func(key string) {
		if value := cfg.Env(key); value != "" {
			env = append(env, key+"="+value)
		}
	}
	forward("ANTHROPIC_API_KEY")
	forward("OPENAI_API_KEY")
	if cfg.ServiceEnabled("slack") {
		forward("SLACK_BOT_TOKEN")
		forward("SLACK_USER_TOKEN")
	}
	if cfg.ServiceEnabled("linear") {
		forward("LINEAR_ACCESS_TOKEN")
	}
	return env
}

func adapterNames(adapters []bridge.ServiceAdapter) []string {
	names := make([]string, 0, len(adapters))
	for _, adapter := range adapters {
		names = append(names, adapter.ServiceName())
	}
	return names
}

func parseAllowedIDs(raw string) []int64 {
	var out []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if id, err := strconv.ParseInt(part, 10, 64); err == nil {
			out = append(out, id)
		}
	}
	return out
}

func skillsSourceDir() string {
	// Baked into the image; falls back to a checkout-relative path for
	// local development.
	if _, err := os.Stat("/app/skills"); err == nil {
		return "/app/skills"
	}
	return "skills"
}

func homeDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return home
	}
	return "/root"
}

func journalOrNil(journal *persistence.Journal) bridge.UpdateJournal {
	if journal == nil {
		return nil
	}
	return journal
}

func jsonMarshalIndent(v any) ([]byte, error) {
	return json.MarshalIndent(v, "", "  ")
}
