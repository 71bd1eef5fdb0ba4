// Command finetune runs a fine-tuning session described by a configuration
// file, either as one process of a multi-process group or as a group of
// in-process replicas.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tsawler/go-finetune/config"
	"github.com/tsawler/go-finetune/distributed"
	"github.com/tsawler/go-finetune/session"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if err := run(os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			fmt.Fprintln(os.Stderr, exitErr.Message)
			os.Exit(exitErr.Code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(outW, logW io.Writer, args []string) error {
	cfg, shouldExit, err := parse(args, outW)
	if err != nil {
		return err
	}
	if shouldExit {
		return nil
	}

	logger := newLogger(logW, cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ds := cfg.Distributed
	switch {
	case ds.LocalProcesses > 1:
		return runLocal(ctx, cfg, outW, logger)
	case ds.WorldSize == 1:
		g := distributed.Single(logger)
		defer g.Close()
		return runOne(ctx, cfg, g, outW, logger)
	}

	if ds.Rank == distributed.CoordinatorRank {
		srv := distributed.NewServer(ds.WorldSize, logger)
		errc := make(chan error, 1)
		go func() { errc <- srv.Start(ds.CoordinatorAddr) }()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("rendezvous shutdown", "error", err)
			}
			if err := <-errc; err != nil {
				logger.Error("rendezvous server", "error", err)
			}
		}()
	}

	dialCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeoutDuration())
	g, err := distributed.Dial(dialCtx, ds.CoordinatorAddr, ds.Rank, ds.WorldSize, logger)
	cancel()
	if err != nil {
		return err
	}
	defer g.Close()
	return runOne(ctx, cfg, g, outW, logger)
}

// runLocal drives every replica of an in-process group on its own goroutine.
func runLocal(ctx context.Context, cfg *config.Config, outW io.Writer, logger *slog.Logger) error {
	groups := distributed.NewLocalGroups(cfg.Distributed.LocalProcesses, logger)
	eg, ctx := errgroup.WithContext(ctx)
	for _, g := range groups {
		eg.Go(func() error {
			defer g.Close()
			return runOne(ctx, cfg, g, outW, logger)
		})
	}
	return eg.Wait()
}

func runOne(ctx context.Context, cfg *config.Config, g distributed.Group, outW io.Writer, logger *slog.Logger) error {
	out := io.Discard
	if g.IsCoordinator() {
		out = outW
	}
	res, err := session.Run(ctx, session.Options{Config: cfg, Group: g, Out: out, Logger: logger})
	if err != nil {
		return fmt.Errorf("rank %d: %w", g.Rank(), err)
	}
	logger.Info("session complete",
		"rank", g.Rank(),
		"run_id", res.RunID,
		"epoch", res.State.Epoch,
		"global_step", res.State.GlobalStep)
	return nil
}

func newLogger(w io.Writer, level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
