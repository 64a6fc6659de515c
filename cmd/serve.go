package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ledgerline/agentrun/internal/agent"
	"github.com/ledgerline/agentrun/internal/agents/chat"
	"github.com/ledgerline/agentrun/internal/agents/loganalysis"
	"github.com/ledgerline/agentrun/internal/agents/logdisplay"
	"github.com/ledgerline/agentrun/internal/agents/security"
	"github.com/ledgerline/agentrun/internal/bridge"
	"github.com/ledgerline/agentrun/internal/bus"
	"github.com/ledgerline/agentrun/internal/config"
	"github.com/ledgerline/agentrun/internal/dispatch"
	"github.com/ledgerline/agentrun/internal/tracing"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the agent runtime: agents, dispatch loop, and bridge relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	levelVar := new(slog.LevelVar)
	levelVar.Set(config.ParseLevel(cfg.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := bus.New(cfg.RedisURL)
	if err != nil {
		return err
	}
	defer client.Close()
	if err := client.Ping(ctx); err != nil {
		return fmt.Errorf("bus unreachable at %s: %w", cfg.RedisURL, err)
	}
	slog.Info("connected to message bus", "url", cfg.RedisURL)

	if cfg.ClearOnStartup {
		if err := client.ClearStreams(ctx); err != nil {
			return err
		}
		slog.Info("cleared streams from previous run")
	}

	collector := tracing.NewCollector()
	initOTelExporter(ctx, cfg, collector)
	collector.Start()
	defer collector.Stop()

	registry := buildAgents(cfg, client, collector)

	for _, reg := range registry.All() {
		if err := reg.Agent.Initialize(ctx); err != nil {
			return fmt.Errorf("initialize %s: %w", reg.Type, err)
		}
		if err := client.RegisterAgent(ctx, reg.Agent.Info()); err != nil {
			return fmt.Errorf("register %s: %w", reg.Type, err)
		}
	}
	slog.Info("agents initialized", "types", registry.Types())

	// Shut agents down in reverse registration order once the runtime ends.
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		all := registry.All()
		for i := len(all) - 1; i >= 0; i-- {
			if err := all[i].Agent.Shutdown(shutdownCtx); err != nil {
				slog.Warn("agent shutdown failed", "type", all[i].Type, "error", err)
			}
		}
	}()

	if watcher, err := config.WatchLevel(cfgPath, levelVar); err != nil {
		slog.Warn("config watcher unavailable", "path", cfgPath, "error", err)
	} else {
		defer watcher.Stop()
	}

	loop := dispatch.New(client, registry, collector,
		time.Duration(cfg.Dispatch.BlockMS)*time.Millisecond,
		time.Duration(cfg.Dispatch.SleepMS)*time.Millisecond)
	relay := bridge.NewServer(client)
	responder := agent.NewStatusResponder(client, registry)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return loop.Run(gctx) })
	g.Go(func() error { return relay.Run(gctx, cfg.Bridge.Listen) })
	g.Go(func() error { return responder.Run(gctx) })

	slog.Info("agent runtime started", "bridge", cfg.Bridge.Listen)
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		slog.Info("agent runtime stopped")
		return nil
	}
	return err
}

// buildAgents constructs the enabled agents and registers them for
// dispatch. Registration order fixes startup and shutdown sequence.
func buildAgents(cfg *config.Config, client *bus.Client, collector *tracing.Collector) *agent.Registry {
	registry := agent.NewRegistry()

	if cfg.Agents.Enabled(security.AgentType) {
		a := security.New(client, client, collector)
		registry.Register(agent.Registration{Type: security.AgentType, Name: a.Info().Name, Handler: a, Agent: a})
	}
	if cfg.Agents.Enabled(loganalysis.AgentType) {
		a := loganalysis.New(client, client)
		registry.Register(agent.Registration{Type: loganalysis.AgentType, Name: a.Info().Name, Handler: a, Agent: a})
	}
	if cfg.Agents.Enabled(chat.AgentType) {
		a := chat.New(client, client)
		registry.Register(agent.Registration{Type: chat.AgentType, Name: a.Info().Name, Handler: a, Agent: a})
	}
	if cfg.Agents.Enabled(logdisplay.AgentType) {
		a := logdisplay.New(client, client)
		registry.Register(agent.Registration{Type: logdisplay.AgentType, Name: a.Info().Name, Handler: a, Agent: a})
	}
	return registry
}
