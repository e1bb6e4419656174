package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/danmuck/mailslot/internal/config"
	"github.com/danmuck/mailslot/internal/link"
	"github.com/danmuck/mailslot/internal/logging"
	"github.com/danmuck/mailslot/internal/mailbox"
	"github.com/danmuck/mailslot/internal/protocol/wire"
	"golang.org/x/sync/errgroup"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "mailslotctl: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	configPath string
	address    string
	kind       string
	payload    string
	count      int
	timeout    string
	publish    bool
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var o options
	fs := flag.NewFlagSet("mailslotctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "usage: mailslotctl [flags]\n\nSends records to a mailslot worker and prints each result.\n\n")
		fs.PrintDefaults()
	}
	fs.StringVar(&o.configPath, "config", "", "path to config.toml")
	fs.StringVar(&o.address, "addr", "", "worker address (overrides config)")
	fs.StringVar(&o.kind, "kind", "ping", "record kind")
	fs.StringVar(&o.payload, "payload", "", "record payload")
	fs.IntVar(&o.count, "n", 1, "number of concurrent requests")
	fs.StringVar(&o.timeout, "timeout", "", "response timeout in seconds, or \"none\" (overrides config)")
	fs.BoolVar(&o.publish, "publish", false, "send without waiting for a result")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if o.count <= 0 {
		return options{}, fmt.Errorf("-n must be positive")
	}
	return o, nil
}

// resolveTimeout maps the -timeout flag onto a mailbox timeout. Non-finite
// values surface as ErrInvalidTimeout when waited on.
func resolveTimeout(raw string, fallback mailbox.Timeout) (mailbox.Timeout, error) {
	switch raw {
	case "":
		return fallback, nil
	case "none":
		return mailbox.NoTimeout(), nil
	}
	secs, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return mailbox.Timeout{}, fmt.Errorf("-timeout: %w", err)
	}
	t := mailbox.Seconds(secs)
	if err := t.Validate(); err != nil {
		return mailbox.Timeout{}, err
	}
	return t, nil
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	o, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}
	logging.ConfigureRuntime()

	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}
	if o.address != "" {
		cfg.Address = o.address
	}
	timeout, err := resolveTimeout(o.timeout, cfg.Timeout())
	if err != nil {
		return err
	}

	l, err := link.Dial(ctx, cfg.LinkConfig())
	if err != nil {
		return err
	}
	defer l.Close()

	if o.publish {
		for range o.count {
			if err := l.Publish(ctx, &wire.Record{Kind: o.kind, Payload: []byte(o.payload)}); err != nil {
				return err
			}
		}
		fmt.Fprintf(stdout, "published %d %s record(s)\n", o.count, o.kind)
		return nil
	}

	var outMu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for i := range o.count {
		g.Go(func() error {
			start := time.Now()
			rec := &wire.Record{Kind: o.kind, Payload: []byte(o.payload)}
			res, err := l.Call(gctx, rec, timeout)
			outMu.Lock()
			defer outMu.Unlock()
			if err != nil {
				fmt.Fprintf(stdout, "%d\t%s\terror\t%v\n", i, rec.Slot, err)
				if errors.Is(err, link.ErrLinkClosed) {
					return err
				}
				return nil
			}
			fmt.Fprintf(stdout, "%d\t%s\t%s\t%s\t%s\n", i, res.Slot, res.Status, time.Since(start).Round(time.Microsecond), res.Payload)
			if res.Error != "" {
				fmt.Fprintf(stdout, "\terror: %s\n", res.Error)
			}
			return nil
		})
	}
	return g.Wait()
}
