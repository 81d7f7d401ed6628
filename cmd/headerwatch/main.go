// Package main implements headerwatch, which follows bitcoind's ZMQ
// hashblock feed and self-tests the header of every new tip.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	_ "go.uber.org/automaxprocs"

	"github.com/bardlex/gomine/internal/app"
	"github.com/bardlex/gomine/internal/bitcoin"
	"github.com/bardlex/gomine/internal/config"
	"github.com/bardlex/gomine/internal/validation"
	"github.com/bardlex/gomine/pkg/log"
)

const serviceName = "headerwatch"

type options struct {
	configFile string
	backfill   int
	once       bool
}

func main() {
	opts, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if err == flag.ErrHelp {
			os.Exit(0)
		}
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "headerwatch: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string, stderr io.Writer) (*options, error) {
	opts := &options{}

	fs := flag.NewFlagSet(serviceName, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.configFile, "config", "", "path to a YAML config file")
	fs.IntVar(&opts.backfill, "backfill", 1, "number of recent blocks to check before following ZMQ")
	fs.BoolVar(&opts.once, "once", false, "check the backfill blocks and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if opts.backfill < 0 {
		return nil, fmt.Errorf("-backfill must not be negative")
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	return opts, nil
}

func run(ctx context.Context, opts *options, stdout io.Writer) error {
	cfg, err := config.Load(opts.configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := log.New(serviceName, cfg.Service.Version, cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("starting headerwatch",
		"version", cfg.Service.Version,
		"bitcoin_host", cfg.Bitcoin.RPCHost,
		"bitcoin_port", cfg.Bitcoin.RPCPort,
		"zmq", cfg.Bitcoin.ZMQAddr,
	)

	client, err := bitcoin.NewRPCClient(cfg.Conn(), logger)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Ping(ctx); err != nil {
		return fmt.Errorf("failed to connect to Bitcoin Core: %w", err)
	}
	logger.Info("connected to Bitcoin Core")

	a, err := app.New(ctx, serviceName, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to open sinks: %w", err)
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.WithError(err).Warn("failed to close sinks")
		}
	}()

	metricsCtx, stopMetrics := context.WithCancel(ctx)
	defer stopMetrics()
	go func() {
		if err := a.ServeMetrics(metricsCtx); err != nil {
			logger.WithError(err).Error("metrics server failed")
		}
	}()

	w := NewWatcher(a, client, stdout)
	w.Backfill(ctx, opts.backfill)
	if opts.once {
		return nil
	}

	notifier, err := bitcoin.NewZMQNotifier(cfg.Bitcoin.ZMQAddr, logger)
	if err != nil {
		return err
	}
	defer func() { _ = notifier.Close() }()

	err = w.Follow(ctx, notifier, bitcoin.NewBlockNotificationHandler(logger))
	if errors.Is(err, context.Canceled) {
		logger.Info("headerwatch stopped")
		return nil
	}
	return err
}

// Watcher self-tests headers as they are announced.
type Watcher struct {
	app       *app.App
	validator *validation.Validator
	logger    *log.Logger

	mu  sync.Mutex
	out io.Writer
}

// NewWatcher creates a watcher reading headers from source through the
// app's header cache.
func NewWatcher(a *app.App, source validation.HeaderSource, out io.Writer) *Watcher {
	logger := a.Logger.WithComponent("watcher")
	return &Watcher{
		app: a,
		validator: validation.NewValidator(a.HeaderSource(source), logger,
			validation.WithSearchWindow(a.Config.Validation.SearchWindow)),
		logger: logger,
		out:    out,
	}
}

// Check self-tests the block ref points to and hands the report to the
// app's sinks. A fetch failure is reported like any other failed stage.
func (w *Watcher) Check(ctx context.Context, ref bitcoin.BlockRef) *validation.Report {
	report, err := w.validator.Check(ctx, ref)
	if err != nil {
		w.logger.WithError(err).Error("failed to fetch header", "ref", ref.String())
	}
	w.app.RecordValidation(ctx, report)

	w.mu.Lock()
	fmt.Fprintln(w.out, report.String())
	w.mu.Unlock()
	return report
}

// Backfill checks the n most recent blocks, oldest first.
func (w *Watcher) Backfill(ctx context.Context, n int) {
	for i := n; i >= 1; i-- {
		if ctx.Err() != nil {
			return
		}
		w.Check(ctx, bitcoin.BlockRef{Height: -int64(i)})
	}
}

// Follow subscribes to hashblock and checks every announced block until
// ctx is done.
func (w *Watcher) Follow(ctx context.Context, zmq bitcoin.ZMQInterface, handler bitcoin.BlockNotificationInterface) error {
	if err := zmq.Subscribe(bitcoin.TopicHashBlock); err != nil {
		return err
	}
	if err := zmq.Connect(); err != nil {
		return err
	}

	handler.SetNewBlockHandler(func(hash chainhash.Hash) error {
		report := w.Check(ctx, bitcoin.ByHash(hash))
		if !report.OK() {
			return fmt.Errorf("block %s failed at %s", hash, report.FailedStep())
		}
		return nil
	})
	return zmq.Listen(ctx, handler.HandleMessage)
}
