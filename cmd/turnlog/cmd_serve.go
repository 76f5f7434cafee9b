package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/turnlog/internal/approval"
	"github.com/user/turnlog/internal/config"
	ctxengine "github.com/user/turnlog/internal/context"
	"github.com/user/turnlog/internal/delivery"
	"github.com/user/turnlog/internal/gateway"
	"github.com/user/turnlog/internal/notify"
	"github.com/user/turnlog/internal/runtime"
	"github.com/user/turnlog/internal/runtime/tools"
	"github.com/user/turnlog/internal/scheduler"
	"github.com/user/turnlog/internal/telegram"
	"github.com/user/turnlog/internal/types"
	"github.com/user/turnlog/internal/webhook"
	"github.com/user/turnlog/pkg/llm"
	"github.com/user/turnlog/pkg/llm/openai"
)

const shutdownTimeout = 30 * time.Second

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the turnlog daemon",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func writePIDFile(dataDir string) (string, error) {
	pidPath := filepath.Join(dataDir, "turnlog.pid")
	pid := os.Getpid()
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return pidPath, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	restart, err := serve(cfg)
	if err != nil || !restart {
		return err
	}
	// Every deferred shutdown in serve has run by now, so the persistence
	// queue is drained before the new process starts.
	slog.Info("restarting")
	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("restart: %w", err)
	}
	if err := syscall.Exec(execPath, os.Args, os.Environ()); err != nil {
		return fmt.Errorf("restart: re-exec: %w", err)
	}
	return nil
}

// serve runs the daemon until a signal arrives. It reports whether the
// signal asked for a restart.
func serve(cfg *config.Config) (bool, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return false, fmt.Errorf("create data dir: %w", err)
	}

	pidPath, err := writePIDFile(cfg.DataDir)
	if err != nil {
		return false, err
	}
	defer os.Remove(pidPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := openStores(cfg)
	if err != nil {
		return false, err
	}
	defer st.Close()

	pl, err := newPipeline(ctx, cfg, st)
	if err != nil {
		return false, err
	}
	defer pl.Close()

	pl.queue.Start(ctx)
	defer pl.drain(shutdownTimeout)

	// LLM provider
	provider := openai.New(&llm.Config{
		BaseURL:     cfg.LLM.BaseURL,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: cfg.LLM.Temperature,
	})

	// Context engine
	engine, err := ctxengine.New(cfg.LLM.Model, cfg.LLM.MaxContextTokens, cfg.LLM.OutputReserve)
	if err != nil {
		return false, fmt.Errorf("create context engine: %w", err)
	}

	// Tool registry
	registry := runtime.NewRegistry(cfg.Approval.WritePrefixes...)
	for _, t := range tools.NewNotebook(filepath.Join(cfg.DataDir, "notes.md")).Tools() {
		registry.Register(t)
	}
	registry.Register(tools.NewFetchURL())

	// Approvals are routed to the channel each conversation arrived on.
	// HTTP clients learn about them from the notification stream.
	broker := notify.NewBroker(notify.DefaultHistoryLimit * 4)
	router := delivery.NewRegistry(st.conversations)
	router.Register("http:", approval.NotifierFunc(func(context.Context, *types.ApprovalRequest) error {
		return nil
	}))
	gate := approval.NewGate(st.approvals, router, cfg.Approval.TTL.Duration)
	defer gate.Close(context.Background())

	// Gateway and runtime
	gw := gateway.New(st.conversations, int64(cfg.MaxConcurrent))
	rt := runtime.New(runtime.Deps{
		Provider:    provider,
		Engine:      engine,
		Log:         pl.log,
		Sequences:   pl.allocator,
		Writer:      pl.writer,
		Gate:        gate,
		Sink:        broker,
		Registry:    registry,
		MaxRounds:   cfg.MaxToolRounds,
		Model:       cfg.LLM.Model,
		ApprovalTTL: cfg.Approval.TTL.Duration,
	})
	gw.Queue.SetProcessor(rt.ProcessRun)
	gw.Start(ctx)
	defer gw.Stop()

	slog.Info("turnlog started",
		"data_dir", cfg.DataDir,
		"log_level", cfg.LogLevel,
		"max_concurrent", cfg.MaxConcurrent,
		"max_tool_rounds", cfg.MaxToolRounds,
		"llm_provider", cfg.LLM.Provider,
		"llm_model", cfg.LLM.Model,
		"tools", registry.Names(),
		"pid_file", pidPath,
	)

	// Telegram adapter
	if cfg.Telegram.Token != "" {
		adapter, err := telegram.New(cfg.Telegram.Token, telegram.Options{
			Gateway:       gw,
			Approvals:     gate,
			Events:        st.events,
			Conversations: st.conversations,
			ChatID:        cfg.Telegram.ChatID,
		})
		if err != nil {
			return false, fmt.Errorf("create telegram adapter: %w", err)
		}
		go adapter.Start(ctx)
		router.Register("telegram:", adapter)
		if cfg.Telegram.ChatID != 0 {
			router.Register("", adapter)
		}
		slog.Info("telegram adapter started")
	} else {
		slog.Warn("telegram adapter disabled (no token)")
	}

	// Maintenance
	sched := scheduler.New()
	maint := &scheduler.Maintenance{
		Approvals: gate,
		Backlog:   st.events,
		Writer:    pl.writer,
		Pruners:   pl.pruners,
		Grace:     cfg.Maintenance.ReplayGrace.Duration,
		Batch:     cfg.Maintenance.ReplayBatch,
	}
	if err := maint.Register(sched, cfg.Maintenance.Schedule); err != nil {
		return false, fmt.Errorf("schedule maintenance: %w", err)
	}
	sched.Start()
	defer sched.Stop()

	// HTTP API
	httpServer := &http.Server{
		Addr: cfg.HTTP.Addr,
		Handler: webhook.NewServer(webhook.Options{
			Turns:         gw,
			Responder:     gate,
			Approvals:     st.approvals,
			Conversations: st.conversations,
			Events:        st.events,
			Messages:      st.messages,
			DeadLetters:   pl.queue,
			Stream:        broker,
			Token:         cfg.HTTP.Token,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("http server started", "listen", cfg.HTTP.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server error", "error", err)
		}
	}()
	defer func() {
		stopCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		httpServer.Shutdown(stopCtx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	return waitForSignal(sigChan), nil
}

// waitForSignal blocks until a shutdown signal and reports whether it was
// SIGHUP, which asks for a restart.
func waitForSignal(sigs <-chan os.Signal) bool {
	sig := <-sigs
	slog.Info("shutting down", "signal", sig)
	return sig == syscall.SIGHUP
}
