// Command lcgateway is the LibertyCall telephony gateway: it answers calls
// handed over by the softswitch, runs streaming recognition and the
// rule-based dialogue engine, and plays prerecorded reply templates.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/libertycall/gateway/internal/app"
	"github.com/libertycall/gateway/internal/config"
)

const shutdownTimeout = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "lcgateway: config file %q not found (copy configs/example.yaml to get started)\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "lcgateway: %v\n", err)
		}
		return 1
	}

	logger := newLogger(cfg.Server.LogLevel, cfg.Server.LogFile)
	slog.SetDefault(logger)

	slog.Info("lcgateway starting",
		"config", *configPath,
		"rtp_port", cfg.Server.RTPPort,
		"switch_addr", cfg.Switch.Addr,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gateway, err := app.New(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialise gateway", "error", err)
		return 1
	}

	slog.Info("gateway ready")

	if err := gateway.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "error", err)
		return 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	slog.Info("shutdown signal received, stopping")
	if err := gateway.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// newLogger builds the process logger. When logFile is set, output is teed
// to a size-rotated file next to stderr.
func newLogger(level config.LogLevel, logFile string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	var w io.Writer = os.Stderr
	if logFile != "" {
		w = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    100, // megabytes
			MaxBackups: 5,
			MaxAge:     30, // days
			Compress:   true,
		})
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
}
