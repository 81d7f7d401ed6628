// Package main implements headerverify, which self-tests block headers.
// Headers come from bitcoind by height or hash, from getwork, from raw hex
// on the command line, or, with -follow, from the headers.found topic
// noncesearch publishes to.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/bardlex/gomine/internal/app"
	"github.com/bardlex/gomine/internal/bitcoin"
	"github.com/bardlex/gomine/internal/config"
	"github.com/bardlex/gomine/internal/database/influx"
	"github.com/bardlex/gomine/internal/database/postgres"
	"github.com/bardlex/gomine/internal/header"
	"github.com/bardlex/gomine/internal/messaging"
	"github.com/bardlex/gomine/internal/validation"
	"github.com/bardlex/gomine/pkg/log"
)

const serviceName = "headerverify"

// errFailed is returned when at least one header failed its self-test.
var errFailed = errors.New("one or more headers failed")

type options struct {
	configFile string
	work       bool
	raw        string
	follow     bool
	group      string
	window     uint
	history    bool
	refs       []string

	windowSet bool
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
		fmt.Fprintf(os.Stderr, "headerverify: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string, stderr io.Writer) (*options, error) {
	opts := &options{}

	fs := flag.NewFlagSet(serviceName, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "usage: %s [flags] [height|hash ...]\n", serviceName)
		fs.PrintDefaults()
	}
	fs.StringVar(&opts.configFile, "config", "", "path to a YAML config file")
	fs.BoolVar(&opts.work, "work", false, "check the header carried by getwork")
	fs.StringVar(&opts.raw, "raw", "", "check an 80-byte header given as hex, without contacting a node")
	fs.BoolVar(&opts.follow, "follow", false, "check every header published to "+messaging.TopicHeadersFound)
	fs.StringVar(&opts.group, "group", serviceName, "Kafka consumer group for -follow")
	fs.UintVar(&opts.window, "window", 0, "nonces either side of the header's own to search (default from config)")
	fs.BoolVar(&opts.history, "history", false, "also print the stored records at each height and the recent search hash rate")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "window" {
			opts.windowSet = true
		}
	})
	opts.refs = fs.Args()

	modes := 0
	for _, on := range []bool{opts.work, opts.raw != "", opts.follow, len(opts.refs) > 0} {
		if on {
			modes++
		}
	}
	if modes > 1 {
		return nil, fmt.Errorf("-work, -raw, -follow and block references are mutually exclusive")
	}
	if opts.history && opts.follow {
		return nil, fmt.Errorf("-history cannot be combined with -follow")
	}
	if opts.window > 1<<31 {
		return nil, fmt.Errorf("-window is too large")
	}
	return opts, nil
}

func run(ctx context.Context, opts *options, stdout io.Writer) error {
	cfg, err := config.Load(opts.configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if opts.windowSet {
		cfg.Validation.SearchWindow = uint32(opts.window)
	}

	logger := log.New(serviceName, cfg.Service.Version, cfg.Logging.Level, cfg.Logging.Format)

	a, err := app.New(ctx, serviceName, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to open sinks: %w", err)
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.WithError(err).Warn("failed to close sinks")
		}
	}()

	if opts.history && (a.DB == nil || a.DB.Postgres == nil) {
		return fmt.Errorf("-history needs PostgreSQL to be enabled")
	}

	if opts.raw != "" {
		h, err := parseRaw(opts.raw)
		if err != nil {
			return err
		}
		v := NewVerifier(a, nil, stdout)
		return v.finish(ctx, opts.history, v.CheckHeader(ctx, h))
	}

	if opts.follow {
		if a.Kafka() == nil {
			return fmt.Errorf("-follow needs Kafka to be enabled")
		}
		metricsCtx, stopMetrics := context.WithCancel(ctx)
		defer stopMetrics()
		go func() {
			if err := a.ServeMetrics(metricsCtx); err != nil {
				logger.WithError(err).Error("metrics server failed")
			}
		}()

		v := NewVerifier(a, nil, stdout)
		err := a.Kafka().StartConsumer(ctx, messaging.TopicHeadersFound, opts.group,
			func() proto.Message { return &structpb.Struct{} }, v)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}

	client, err := bitcoin.NewRPCClient(cfg.Conn(), logger)
	if err != nil {
		return err
	}
	defer client.Close()

	v := NewVerifier(a, client, stdout)
	if opts.work {
		h, err := client.GetWorkHeader(ctx)
		if err != nil {
			return err
		}
		return v.finish(ctx, opts.history, v.CheckHeader(ctx, h))
	}

	refs := opts.refs
	if len(refs) == 0 {
		refs = []string{bitcoin.Tip.String()}
	}
	var reports []*validation.Report
	for _, s := range refs {
		ref, err := bitcoin.ParseBlockRef(s)
		if err != nil {
			return err
		}
		reports = append(reports, v.Check(ctx, ref))
	}
	return v.finish(ctx, opts.history, reports...)
}

func parseRaw(s string) (*header.Header, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("invalid -raw hex: %w", err)
	}
	return header.FromBytes(raw)
}

// Verifier self-tests headers and reports each result.
type Verifier struct {
	app       *app.App
	validator *validation.Validator
	logger    *log.Logger

	mu  sync.Mutex
	out io.Writer
}

var _ messaging.MessageHandler = (*Verifier)(nil)

// NewVerifier creates a verifier. source may be nil when only headers in
// hand are checked.
func NewVerifier(a *app.App, source validation.HeaderSource, out io.Writer) *Verifier {
	logger := a.Logger.WithComponent("verifier")
	if source != nil {
		source = a.HeaderSource(source)
	}
	return &Verifier{
		app: a,
		validator: validation.NewValidator(source, logger,
			validation.WithSearchWindow(a.Config.Validation.SearchWindow)),
		logger: logger,
		out:    out,
	}
}

// Check fetches and self-tests the block ref points to.
func (v *Verifier) Check(ctx context.Context, ref bitcoin.BlockRef) *validation.Report {
	report, err := v.validator.Check(ctx, ref)
	if err != nil {
		v.logger.WithError(err).Error("failed to fetch header", "ref", ref.String())
	}
	v.report(ctx, report)
	return report
}

// CheckHeader self-tests a header already in hand.
func (v *Verifier) CheckHeader(ctx context.Context, h *header.Header) *validation.Report {
	report := v.validator.CheckHeader(ctx, h)
	v.report(ctx, report)
	return report
}

// HandleMessage checks a header announced on headers.found.
func (v *Verifier) HandleMessage(ctx context.Context, key string, msg proto.Message) error {
	s, ok := msg.(*structpb.Struct)
	if !ok {
		return fmt.Errorf("unexpected message type %T", msg)
	}
	e, err := messaging.HeaderEventFromProto(s)
	if err != nil {
		return err
	}
	if e.Kind != messaging.KindFound {
		v.logger.Debug("ignoring event", "kind", e.Kind, "key", key)
		return nil
	}

	report := v.CheckHeader(ctx, e.Header)
	if !report.OK() {
		return fmt.Errorf("header %s from %s failed at %s", key, e.Source, report.FailedStep())
	}
	return nil
}

func (v *Verifier) report(ctx context.Context, r *validation.Report) {
	v.app.RecordValidation(ctx, r)

	v.mu.Lock()
	defer v.mu.Unlock()
	fmt.Fprintln(v.out, r.String())
}

func (v *Verifier) finish(ctx context.Context, history bool, reports ...*validation.Report) error {
	if history {
		if err := v.History(ctx, reports...); err != nil {
			return err
		}
	}
	return v.Result(reports...)
}

// hashRateWindow is how far back History reports the search hash rate.
const hashRateWindow = 24 * time.Hour

// History prints the records stored for the height of each report and,
// when InfluxDB is enabled, the hash rate noncesearch reported over the
// last day.
func (v *Verifier) History(ctx context.Context, reports ...*validation.Report) error {
	seen := make(map[int64]bool)
	for _, r := range reports {
		if r.Header == nil {
			continue
		}
		height, ok := r.Header.Height()
		if !ok || seen[height] {
			continue
		}
		seen[height] = true

		recs, err := v.app.StoredHeaders(ctx, height)
		if err != nil {
			return err
		}
		v.mu.Lock()
		printStored(v.out, height, recs)
		v.mu.Unlock()
	}

	if v.app.DB == nil || v.app.DB.Influx == nil {
		return nil
	}
	points, err := v.app.HashRateHistory(ctx, "noncesearch", hashRateWindow)
	if err != nil {
		return err
	}
	v.mu.Lock()
	printHashRate(v.out, points)
	v.mu.Unlock()
	return nil
}

func printStored(w io.Writer, height int64, recs []*postgres.HeaderRecord) {
	if len(recs) == 0 {
		fmt.Fprintf(w, "  stored height=%d none\n", height)
		return
	}
	for _, rec := range recs {
		status := "valid"
		if !rec.Valid {
			status = "invalid"
			if rec.FailedStep != "" {
				status += "(" + rec.FailedStep + ")"
			}
		}
		fmt.Fprintf(w, "  stored height=%d %s source=%s %s at=%s\n",
			height, rec.Hash, rec.Source, status, rec.CreatedAt.UTC().Format(time.RFC3339))
	}
}

func printHashRate(w io.Writer, points []influx.HashRatePoint) {
	for _, p := range points {
		fmt.Fprintf(w, "hashrate %s %.0f H/s\n", p.Time.UTC().Format(time.RFC3339), p.HashRate)
	}
}

// Result returns errFailed if any report failed.
func (v *Verifier) Result(reports ...*validation.Report) error {
	for _, r := range reports {
		if !r.OK() {
			return errFailed
		}
	}
	return nil
}
