package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/levenlabs/go-lflag"
	"github.com/levenlabs/go-llog"

	"github.com/enlightenev/enlightenev/pkg/coordinator"
	"github.com/enlightenev/enlightenev/pkg/entity"
	"github.com/enlightenev/enlightenev/pkg/log"
	"github.com/enlightenev/enlightenev/pkg/server"
	"github.com/enlightenev/enlightenev/pkg/storage"
)

func main() {
	// init packages
	s := storage.Configured()
	m := coordinator.Configured(s)
	reg := entity.Configured(s)

	// init server
	srv := server.Configured(m, reg, s)

	// parse flags
	lflag.Configure()

	var level slog.Level
	// lflag automatically sets llog's level, but we need to set the slog level
	switch llog.GetLevel() {
	case llog.DebugLevel:
		level = slog.LevelDebug
	case llog.InfoLevel:
		level = slog.LevelInfo
	case llog.WarnLevel:
		level = slog.LevelWarn
	case llog.ErrorLevel:
		level = slog.LevelError
	default:
		panic(fmt.Errorf("unknown log level: %s", llog.GetLevel().String()))
	}
	log.SetDefaultLogLevel(level)
	slog.SetDefault(log.Ctx(context.Background()))
	slog.Debug("logger configured", slog.String("level", level.String()))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	defer func() {
		if err := s.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close storage", "error", err)
		}
	}()

	loaded, err := m.Load(ctx)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to load entries", "error", err)
		os.Exit(1)
	}
	if loaded == 0 {
		log.Ctx(ctx).WarnContext(ctx, "no entries configured; run login to add one")
	}
	for _, c := range m.All() {
		if err := reg.Setup(ctx, c); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to set up entities", slog.String("entryID", c.EntryID()), slog.Any("error", err))
			os.Exit(1)
		}
	}
	m.Subscribe(reg.Listen(ctx))
	log.Ctx(ctx).InfoContext(ctx, "entries loaded", slog.Int("entries", loaded))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.Run(ctx)
	}()

	// Run will block until context is canceled or error happens
	if err := srv.Run(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "server failed", "error", err)
		cancel()
		wg.Wait()
		os.Exit(1)
	}
	wg.Wait()
	log.Ctx(ctx).InfoContext(ctx, "server exited cleanly")
}
