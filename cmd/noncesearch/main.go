// Package main implements noncesearch, which runs the midstate nonce search
// over a block header taken from bitcoind, from getwork or from a network's
// genesis block, and prints every header meeting the search difficulty.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"math"
	"os"
	"os/signal"
	"syscall"

	_ "go.uber.org/automaxprocs"

	"github.com/bardlex/gomine/internal/app"
	"github.com/bardlex/gomine/internal/bitcoin"
	"github.com/bardlex/gomine/internal/config"
	"github.com/bardlex/gomine/internal/database/postgres"
	"github.com/bardlex/gomine/internal/header"
	"github.com/bardlex/gomine/internal/mining"
	"github.com/bardlex/gomine/internal/sha256x"
	"github.com/bardlex/gomine/pkg/log"
)

const serviceName = "noncesearch"

// historyLimit is how many earlier runs over the same template are checked
// for one that already covered the requested range.
const historyLimit = 20

type options struct {
	configFile string
	block      string
	work       bool
	genesis    bool
	network    string
	start      uint64
	end        uint64
	difficulty string
	limit      int
	trace      bool

	// set holds the names of the flags given on the command line
	set map[string]bool
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
		fmt.Fprintf(os.Stderr, "noncesearch: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string, stderr io.Writer) (*options, error) {
	opts := &options{set: map[string]bool{}}

	fs := flag.NewFlagSet(serviceName, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.configFile, "config", "", "path to a YAML config file")
	fs.StringVar(&opts.block, "block", "", "block hash or height to take the header from (default: the tip)")
	fs.BoolVar(&opts.work, "work", false, "take the header from getwork")
	fs.BoolVar(&opts.genesis, "genesis", false, "search the genesis header of the network without contacting a node")
	fs.StringVar(&opts.network, "network", "", "network for -genesis (default from config)")
	fs.Uint64Var(&opts.start, "start", 0, "first nonce")
	fs.Uint64Var(&opts.end, "end", math.MaxUint32, "last nonce, inclusive")
	fs.StringVar(&opts.difficulty, "difficulty", "", "minimum difficulty of reported headers (default from config)")
	fs.IntVar(&opts.limit, "limit", 0, "stop after this many headers (0 means no limit)")
	fs.BoolVar(&opts.trace, "trace", false, "print every SHA-256 round of the header at the start nonce")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	fs.Visit(func(f *flag.Flag) { opts.set[f.Name] = true })

	if opts.work && opts.genesis {
		return nil, fmt.Errorf("-work and -genesis are mutually exclusive")
	}
	if opts.block != "" && (opts.work || opts.genesis) {
		return nil, fmt.Errorf("-block cannot be combined with -work or -genesis")
	}
	if opts.start > math.MaxUint32 || opts.end > math.MaxUint32 {
		return nil, fmt.Errorf("nonces must fit in 32 bits")
	}
	if opts.limit < 0 {
		return nil, fmt.Errorf("-limit must not be negative")
	}
	return opts, nil
}

// apply lets flags given on the command line override the configuration.
func (o *options) apply(cfg *config.Config) {
	if o.set["network"] {
		cfg.Bitcoin.Network = o.network
	}
	if o.set["start"] {
		cfg.Search.Start = uint32(o.start)
	}
	if o.set["end"] {
		cfg.Search.End = uint32(o.end)
	}
	if o.set["difficulty"] {
		cfg.Search.Difficulty = o.difficulty
	}
}

func run(ctx context.Context, opts *options, stdout io.Writer) error {
	cfg, err := config.Load(opts.configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	opts.apply(cfg)

	logger := log.New(serviceName, cfg.Service.Version, cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("starting noncesearch",
		"version", cfg.Service.Version,
		"network", cfg.Bitcoin.Network,
		"start", cfg.Search.Start,
		"end", cfg.Search.End,
		"difficulty", cfg.Search.Difficulty,
	)

	h, err := loadHeader(ctx, opts, cfg, logger)
	if err != nil {
		return err
	}

	if opts.trace {
		if err := traceHeader(stdout, h, cfg.Search.Start); err != nil {
			return err
		}
	}

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

	found, err := search(ctx, a, h, opts.limit, stdout)
	if err != nil {
		return err
	}
	logger.Info("noncesearch finished", "found", found)
	return nil
}

// loadHeader returns the template header the search runs over.
func loadHeader(ctx context.Context, opts *options, cfg *config.Config, logger *log.Logger) (*header.Header, error) {
	if opts.genesis {
		params, err := bitcoin.NetParams(cfg.Bitcoin.Network)
		if err != nil {
			return nil, err
		}
		h := header.FromWire(&params.GenesisBlock.Header)
		h.SetHeight(0)
		return h, nil
	}

	client, err := bitcoin.NewRPCClient(cfg.Conn(), logger)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	if opts.work {
		return client.GetWorkHeader(ctx)
	}

	ref := bitcoin.Tip
	if opts.block != "" {
		if ref, err = bitcoin.ParseBlockRef(opts.block); err != nil {
			return nil, err
		}
	}
	return client.GetHeader(ctx, ref)
}

// search runs the configured range over h, printing each header found,
// and returns how many were found.
func search(ctx context.Context, a *app.App, h *header.Header, limit int, stdout io.Writer) (int, error) {
	cfg := a.Config
	logger := a.Logger.WithComponent("search")

	difficulty, err := cfg.SearchDifficulty()
	if err != nil {
		return 0, err
	}

	var stats mining.Stats
	opts := mining.Range(cfg.Search.Start, cfg.Search.End)
	opts.Difficulty = difficulty
	opts.Observer = func(s mining.Stats) { stats = s }
	opts.ProgressInterval = cfg.Search.ProgressInterval
	opts.Progress = func(s mining.Stats) {
		a.Metrics.ObserveProgress(a.Source, s)
		logger.LogThroughput("nonce_search", s.Tried, s.Elapsed)
	}

	template := templateID(h)
	if run := coveringRun(a.SearchHistory(ctx, template, historyLimit), opts.Start, *opts.End); run != nil {
		logger.Info("range already searched for this template",
			"template", template,
			"start", run.Start,
			"end", run.End,
			"found", run.Found,
			"searched_at", run.CreatedAt,
		)
	}

	seq, err := mining.FindNonces(ctx, h, opts)
	if err != nil {
		return 0, err
	}

	found := 0
	for solved := range seq {
		hash, _ := solved.Hash()
		nonce, _ := solved.Nonce()
		raw, err := solved.Bytes()
		if err != nil {
			return found, err
		}

		fmt.Fprintf(stdout, "%s nonce=%d header=%s\n", hash, nonce, hex.EncodeToString(raw))
		logger.LogNonceFound(hash.String(), nonce, cfg.Search.Difficulty)
		a.RecordFound(ctx, solved, cfg.Search.Difficulty)

		found++
		if limit > 0 && found >= limit {
			break
		}
	}

	logger.LogSearchStats(stats.Start, stats.End, stats.Tried, stats.EarlyExits, stats.Found, stats.Elapsed)
	a.RecordSearch(context.WithoutCancel(ctx), template, stats)
	return found, nil
}

// coveringRun returns the most recent run that finished [start, end]
// without stopping early, or nil.
func coveringRun(runs []*postgres.SearchRun, start, end uint32) *postgres.SearchRun {
	for _, r := range runs {
		if !r.Stopped && r.Start <= start && r.End >= end {
			return r
		}
	}
	return nil
}

// templateID names a header template by the hash of its nonce-zero form.
func templateID(h *header.Header) string {
	c := h.Clone()
	c.SetNonce(0)
	raw, err := c.Bytes()
	if err != nil {
		return ""
	}
	return header.DoubleHash(nil, raw).String()
}

// traceHeader prints the 192 rounds of the double hash of h at nonce.
func traceHeader(w io.Writer, h *header.Header, nonce uint32) error {
	c := h.Clone()
	c.SetNonce(nonce)
	raw, err := c.Bytes()
	if err != nil {
		return err
	}

	engine := sha256x.NewEngine(sha256x.WithTracer(func(index int, word uint32, s sha256x.State) {
		fmt.Fprintf(w, "round %3d w=%08x a=%08x b=%08x c=%08x d=%08x e=%08x f=%08x g=%08x h=%08x\n",
			index, word, s.A, s.B, s.C, s.D, s.E, s.F, s.G, s.H)
	}))
	hash := header.DoubleHash(engine, raw)
	fmt.Fprintf(w, "hash %s nonce=%d\n", hash, nonce)
	return nil
}
