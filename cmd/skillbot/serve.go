// ABOUTME: serve command wiring config, stores, NLU, skills, messengers and the gateway
// ABOUTME: Prints the startup banner and runs until SIGINT or SIGTERM

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/skillbot/internal/auth"
	"github.com/2389/skillbot/internal/config"
	"github.com/2389/skillbot/internal/conversation"
	"github.com/2389/skillbot/internal/flow"
	"github.com/2389/skillbot/internal/gateway"
	"github.com/2389/skillbot/internal/memory"
	"github.com/2389/skillbot/internal/messenger"
	"github.com/2389/skillbot/internal/messenger/line"
	"github.com/2389/skillbot/internal/messenger/matrix"
	"github.com/2389/skillbot/internal/metrics"
	"github.com/2389/skillbot/internal/nlu"
	"github.com/2389/skillbot/internal/parser"
	"github.com/2389/skillbot/internal/session"
	"github.com/2389/skillbot/internal/skill"
	"github.com/2389/skillbot/internal/translator"
)

const banner = `
     _    _ _ _ _           _
 ___| | _(_) | | |__   ___ | |_
/ __| |/ / | | | '_ \ / _ \| __|
\__ \   <| | | | |_) | (_) | |_
|___/_|\_\_|_|_|_.__/ \___/ \__|
`

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the webhook and push API server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := setupLogger(cfg.Logging, os.Stdout)

	green.Print("    ▶ ")
	fmt.Printf("Config:      %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Environment: %s\n", cfg.Environment)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:        %s\n", cfg.Server.HTTPAddr)
	if cfg.Server.GRPCAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("gRPC health: %s\n", cfg.Server.GRPCAddr)
	}
	green.Print("    ▶ ")
	fmt.Printf("Memory:      %s (retention %s)\n", cfg.Memory.Type, cfg.Memory.Retention)
	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale:   ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	fmt.Println()

	app, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.close()

	logger.Info("starting skillbot",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"messengers", app.messengers.Types(),
	)
	return app.gateway.Run(ctx)
}

// app holds the wired components owned by serve.
type app struct {
	store      memory.Store
	sessions   *session.Orchestrator
	messengers *messenger.Registry
	gateway    *gateway.Gateway
	closers    []func()
	logger     *slog.Logger
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// build wires every component from cfg. On error, everything opened so far
// is closed.
func build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{logger: logger}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	// The expiry hook needs the recorder, and a SQLite recorder needs the store.
	var recorderRef atomic.Pointer[conversation.Recorder]
	store, err := memory.New(ctx, cfg.Memory,
		memory.WithLogger(logger),
		memory.WithExpireHook(func(id string, c *conversation.Context) {
			if r := recorderRef.Load(); r != nil {
				memory.ExpiryLogger(r)(id, c)
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("creating context store: %w", err)
	}
	a.store = store
	a.closers = append(a.closers, func() {
		if err := store.Close(); err != nil {
			logger.Error("failed to close context store", "error", err)
		}
	})

	sink, _ := store.(conversation.LogSink)
	recorder := conversation.NewRecorder(sink, logger)
	recorderRef.Store(recorder)

	adapter, err := nlu.New(ctx, cfg.NLU, cfg.DefaultIntent, logger)
	if err != nil {
		return nil, fmt.Errorf("creating nlu adapter: %w", err)
	}

	parsers, err := parser.NewRegistry(logger, parser.NLU{Adapter: adapter, Unknown: cfg.DefaultIntent})
	if err != nil {
		return nil, fmt.Errorf("creating parser registry: %w", err)
	}

	skills, err := loadSkills(cfg, logger)
	if err != nil {
		return nil, err
	}

	tr, err := translator.New(ctx, cfg.Translator, logger)
	if err != nil {
		return nil, fmt.Errorf("creating translator: %w", err)
	}

	a.messengers, err = buildMessengers(cfg, logger, &a.closers)
	if err != nil {
		return nil, err
	}

	engine, err := flow.NewEngine(flow.Options{
		Config:     cfg,
		Skills:     skills,
		Parsers:    parsers,
		NLU:        adapter,
		Translator: tr,
		Recorder:   recorder,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating flow engine: %w", err)
	}

	m, err := metrics.New()
	if err != nil {
		return nil, fmt.Errorf("creating metrics: %w", err)
	}

	a.sessions, err = session.New(session.Options{
		Config:   cfg,
		Engine:   engine,
		Store:    store,
		Recorder: recorder,
		Metrics:  m,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating session orchestrator: %w", err)
	}
	a.closers = append(a.closers, a.sessions.Close)

	var verifier auth.TokenVerifier
	if cfg.Auth.JWTSecret != "" {
		verifier = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	}

	a.gateway, err = gateway.New(gateway.Options{
		Config:     cfg,
		Sessions:   a.sessions,
		Messengers: a.messengers,
		Verifier:   verifier,
		Metrics:    m,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating gateway: %w", err)
	}
	return a, nil
}

// loadSkills registers the builtin default skill and any declarative skills in skill.dir.
func loadSkills(cfg *config.Config, logger *slog.Logger) (*skill.Registry, error) {
	skills := skill.NewRegistry(logger)
	if err := skills.Register(skill.DefaultSkillName, skill.DefaultSkill(cfg.Skill.Fallback)); err != nil {
		return nil, err
	}
	if cfg.Skill.Dir != "" {
		if err := skill.RegisterDir(skills, cfg.Skill.Dir); err != nil {
			return nil, fmt.Errorf("loading skills from %s: %w", cfg.Skill.Dir, err)
		}
	}
	if !skills.Has(cfg.Skill.Default) {
		return nil, fmt.Errorf("default skill %q is not registered", cfg.Skill.Default)
	}
	return skills, nil
}

// buildMessengers creates and registers the enabled messengers.
func buildMessengers(cfg *config.Config, logger *slog.Logger, closers *[]func()) (*messenger.Registry, error) {
	registry := messenger.NewRegistry(logger)

	if cfg.Messenger.Line.Enabled {
		m, err := line.New(cfg.Messenger.Line, logger)
		if err != nil {
			return nil, fmt.Errorf("creating line messenger: %w", err)
		}
		if err := registry.Register(m); err != nil {
			return nil, err
		}
	}

	if cfg.Messenger.Matrix.Enabled {
		m, err := matrix.New(cfg.Messenger.Matrix, logger)
		if err != nil {
			return nil, fmt.Errorf("creating matrix messenger: %w", err)
		}
		*closers = append(*closers, m.Close)
		if err := registry.Register(m); err != nil {
			return nil, err
		}
	}

	if len(registry.Types()) == 0 {
		return nil, errors.New("no messenger enabled: enable messenger.line or messenger.matrix")
	}
	return registry, nil
}
