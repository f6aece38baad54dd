// Package main is the entry point for the agentdeck runner binary.
// It launches one coding agent run from the command line, streams the
// normalized patch log to stdout, and mirrors it onto the event bus for
// external consumers.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/config"
	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/events"
	"github.com/agentdeck/agentdeck/internal/events/relay"
	"github.com/agentdeck/agentdeck/internal/executor"
	"github.com/agentdeck/agentdeck/internal/executor/approvals"
	"github.com/agentdeck/agentdeck/internal/executor/logs"
	"github.com/agentdeck/agentdeck/internal/executor/msgstore"
	"github.com/agentdeck/agentdeck/internal/executor/session"
)

func main() {
	if len(os.Args) < 3 {
		fmt.Fprintf(os.Stderr, "usage: %s <variant> <prompt>\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "variants: %v\n", executor.Variants())
		os.Exit(2)
	}
	variant := executor.Variant(os.Args[1])
	prompt := os.Args[2]

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	if !variant.Valid() {
		log.Fatal("unknown agent variant", zap.String("variant", string(variant)))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Event bus: NATS when configured, in-memory otherwise
	provided, cleanupBus, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer func() { _ = cleanupBus() }()

	// Core executor services
	store := msgstore.NewStore(log)
	sessions := session.NewManager(log)

	var approvalOpts []approvals.Option
	if d := cfg.Approvals.TimeoutDuration(); d > 0 {
		approvalOpts = append(approvalOpts, approvals.WithTimeout(d))
	}
	approvalMgr := approvals.NewManager(provided.Bus, log, approvalOpts...)

	launcherOpts := []executor.LauncherOption{
		executor.WithStopGrace(cfg.Executor.StopGraceDuration()),
	}
	if cfg.Executor.RulesPath != "" {
		rules, err := loadLineRules(cfg.Executor.RulesPath)
		if err != nil {
			log.Fatal("Failed to load classifier rules", zap.Error(err))
		}
		launcherOpts = append(launcherOpts, executor.WithLineRules(rules))
	}
	launcher := executor.NewLauncher(store, sessions, approvalMgr, log, launcherOpts...)

	patchRelay := relay.New(store, provided.Bus, log)
	defer patchRelay.Close()

	// Resolve the agent configuration for the requested variant
	agentCfg := cfg.Agents[string(variant)]
	agentCfg.Variant = variant
	if agentCfg.Workdir == "" {
		agentCfg.Workdir = cfg.Executor.DefaultWorkdir
	}

	run, err := launcher.Spawn(ctx, agentCfg, prompt)
	if err != nil {
		log.Fatal("Failed to spawn agent", zap.Error(err))
	}
	log.Info("agent spawned",
		zap.String("session_id", run.Session.ID),
		zap.String("variant", string(variant)))

	patchRelay.Follow(run.Session.ID, 0)

	// Print committed patches as JSON lines while the run progresses
	printed := make(chan struct{})
	patches := make(chan logs.Patch, 64)
	go func() {
		defer close(printed)
		enc := json.NewEncoder(os.Stdout)
		for p := range patches {
			if err := enc.Encode(p); err != nil {
				log.Warn("patch encode failed", zap.Error(err))
			}
		}
	}()
	go func() {
		if err := store.Subscribe(ctx, run.Session.ID, 0, patches); err != nil && ctx.Err() == nil {
			log.Warn("patch subscription ended", zap.Error(err))
		}
	}()

	// First signal stops gracefully, the second kills
	quit := make(chan os.Signal, 2)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		log.Info("stopping agent, signal again to kill")
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*cfg.Executor.StopGraceDuration())
		defer stopCancel()
		if err := run.Stop(stopCtx); err != nil {
			log.Warn("graceful stop failed", zap.Error(err))
		}
		<-quit
		killCtx, killCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer killCancel()
		_ = run.Kill(killCtx)
	}()

	exit, err := run.Wait(ctx)
	if err != nil {
		log.Fatal("run did not finish", zap.Error(err))
	}
	<-printed

	// Archive the finished session when a database is configured
	if cfg.Archive.Path != "" {
		if err := archiveSession(ctx, cfg.Archive.Path, store, run.Session.ID); err != nil {
			log.Error("session archive failed", zap.Error(err))
		}
	}

	log.Info("run finished",
		zap.String("session_id", run.Session.ID),
		zap.Int("exit_code", exit.Code),
		zap.String("signal", exit.Signal),
		zap.Bool("success", exit.Success()))

	if !exit.Success() {
		os.Exit(1)
	}
}

// loadLineRules reads the per-variant classifier rule file.
func loadLineRules(path string) (map[executor.Variant][]logs.Rule, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	sets, err := logs.LoadRuleSets(f)
	if err != nil {
		return nil, err
	}
	out := make(map[executor.Variant][]logs.Rule, len(sets))
	for name, rules := range sets {
		variant := executor.Variant(name)
		if !variant.Valid() {
			return nil, fmt.Errorf("rule set for unknown variant %q", name)
		}
		out[variant] = rules
	}
	return out, nil
}

// archiveSession copies the session's full patch history into the
// SQLite archive.
func archiveSession(ctx context.Context, path string, store *msgstore.Store, sessionID string) error {
	archive, err := msgstore.OpenArchive(path)
	if err != nil {
		return err
	}
	defer archive.Close()

	history, err := store.History(sessionID)
	if err != nil {
		return err
	}
	return archive.ArchiveSession(ctx, sessionID, history)
}
