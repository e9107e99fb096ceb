// wamprouter serves WAMP sessions over WebSocket.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/lightforgemedia/go-wamprouter"
	"github.com/lightforgemedia/go-wamprouter/pkg/config"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "wamprouter:", err)
		os.Exit(2)
	}
	level, _ := config.ParseLevel(cfg.LogLevel)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		AddSource: true,
		Level:     level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.SourceKey {
				src := a.Value.Any().(*slog.Source)
				a.Value = slog.StringValue(fmt.Sprintf("%s:%d (%s)", filepath.Base(src.File), src.Line, src.Function))
			}
			return a
		},
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := wamprouter.Run(ctx, cfg, *configPath, logger); err != nil {
		logger.Error("wamprouter stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("wamprouter stopped")
}
