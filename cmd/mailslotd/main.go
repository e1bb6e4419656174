package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/danmuck/mailslot/internal/config"
	"github.com/danmuck/mailslot/internal/observability"
	"github.com/danmuck/mailslot/internal/worker"
	"golang.org/x/sync/errgroup"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "mailslotd: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("mailslotd", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "usage: mailslotd [flags]\n\nRuns a mailslot worker and its admin endpoint.\n\n")
		fs.PrintDefaults()
	}
	configPath := fs.String("config", "", "path to config.toml")
	initPath := fs.String("init", "", "write a default config.toml to this path and exit")
	force := fs.Bool("force", false, "overwrite an existing config with -init")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *initPath != "" {
		if err := config.WriteTemplate(*initPath, *force); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "wrote %s\n", *initPath)
		return nil
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	logger := observability.InitLogger("mailslotd")

	srv := worker.NewServer(cfg.WorkerConfig(), worker.NewDefaultMux())
	ln, err := srv.Listen()
	if err != nil {
		return err
	}
	logger.Info().
		Str("listen", ln.Addr().String()).
		Str("admin", cfg.AdminAddr).
		Str("security_mode", string(cfg.Session.SecurityMode)).
		Msg("mailslotd starting")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Serve(gctx, ln) })
	if strings.TrimSpace(cfg.AdminAddr) != "" {
		router := observability.NewAdminRouter(cfg.Name, logger, func() map[string]any {
			return map[string]any{
				"connections": srv.Connections(),
				"served":      srv.Served(),
			}
		})
		g.Go(func() error { return observability.ServeAdmin(gctx, cfg.AdminAddr, router, logger) })
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info().Msg("mailslotd stopped")
	return nil
}
