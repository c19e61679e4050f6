// Command catchcore denormalizes catch batch trees and manages stored catches
// and their exports.
//
//	catchcore denormalize -in tree.json [-ref referential.json] [-format json|text]
//	catchcore import -kind operation -id 12 -in rows.json
//	catchcore run (-kind operation -id 12 | -all)
//	catchcore export -kind operation -id 12 [-format csv,xlsx]
//	catchcore serve [-addr :8080]
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"catchcore/internal/adapters/exports"
	"catchcore/internal/blob"
	"catchcore/internal/core"
	"catchcore/internal/denormalize"
	"catchcore/internal/referential"
)

// Environment variables read on top of the storage and blob settings.
const (
	EnvReferentialPath = "CATCHCORE_REFERENTIAL_PATH"
	EnvWorkers         = "CATCHCORE_WORKERS"
)

const exportTimeout = 2 * time.Minute

var (
	exitFunc = os.Exit
	// openStore is swapped in tests.
	openStore = core.OpenPersistentStore
)

func main() {
	exitFunc(run(os.Args[1:], os.Stdout, os.Stderr))
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: catchcore <denormalize|import|run|export|serve> [flags]")
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		usage(stderr)
		return 2
	}
	logger := &log.Logger{Handler: cli.New(stderr), Level: log.InfoLevel}
	var err error
	switch args[0] {
	case "denormalize":
		err = denormalizeCmd(args[1:], stdout, stderr)
	case "import":
		err = importCmd(args[1:], stdout, stderr, logger)
	case "run":
		err = runCmd(args[1:], stdout, stderr, logger)
	case "export":
		err = exportCmd(args[1:], stdout, stderr, logger)
	case "serve":
		err = serveCmd(args[1:], stderr, logger)
	case "-h", "--help", "help":
		usage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command %q\n", args[0])
		usage(stderr)
		return 2
	}
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		var usageErr usageError
		if errors.As(err, &usageErr) {
			fmt.Fprintln(stderr, usageErr.Error())
			return 2
		}
		logger.WithError(err).Error(args[0] + " failed")
		return 1
	}
	return 0
}

type usageError string

func (e usageError) Error() string { return string(e) }

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

// engineConfig loads the reference file at path, falling back to
// CATCHCORE_REFERENTIAL_PATH. Without either the engine runs on defaults.
func engineConfig(path string) (denormalize.Config, error) {
	if path == "" {
		path = os.Getenv(EnvReferentialPath)
	}
	if path == "" {
		return denormalize.Config{}, nil
	}
	ref, err := referential.Load(path)
	if err != nil {
		return denormalize.Config{}, err
	}
	return ref.Config(), nil
}

func newService(logger log.Interface, extra ...core.Option) (*core.Service, error) {
	cfg, err := engineConfig("")
	if err != nil {
		return nil, err
	}
	store, err := openStore(core.NewDefaultRulesEngine())
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	opts := []core.Option{core.WithConfig(cfg), core.WithLogger(core.NewApexLogger(logger))}
	if raw := os.Getenv(EnvWorkers); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("%s must be a positive integer, got %q", EnvWorkers, raw)
		}
		opts = append(opts, core.WithWorkers(n))
	}
	return core.NewService(store, append(opts, extra...)...), nil
}

func catchFlags(fs *flag.FlagSet) (*string, *string) {
	kind := fs.String("kind", string(core.CatchKindOperation), "catch kind (operation|sale)")
	id := fs.String("id", "", "catch id")
	return kind, id
}

func catchRef(kind, id string) (core.CatchRef, error) {
	ref := core.CatchRef{Kind: core.CatchKind(kind), ID: id}
	if err := ref.Validate(); err != nil {
		return core.CatchRef{}, usageError(err.Error())
	}
	return ref, nil
}

func readInput(path string) ([]byte, error) {
	if path == "" {
		return nil, usageError("-in is required")
	}
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	// #nosec G304 -- path is supplied by the operator.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read input: %w", err)
	}
	return data, nil
}

// decodeRows accepts either a nested tree object or a flat array of rows.
func decodeRows(data []byte) (root *core.SourceBatch, rows []core.SourceBatch, err error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &rows); err != nil {
			return nil, nil, fmt.Errorf("decode rows: %w", err)
		}
		return nil, rows, nil
	}
	var tree core.SourceBatch
	if err := json.Unmarshal(trimmed, &tree); err != nil {
		return nil, nil, fmt.Errorf("decode tree: %w", err)
	}
	return &tree, nil, nil
}

func denormalizeCmd(args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("denormalize", stderr)
	in := fs.String("in", "", "catch tree or rows JSON file (- for stdin)")
	refPath := fs.String("ref", "", "referential JSON file (default $"+EnvReferentialPath+")")
	format := fs.String("format", "json", "output format (json|text)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *format != "json" && *format != "text" {
		return usageError(fmt.Sprintf("unsupported output format %q", *format))
	}
	data, err := readInput(*in)
	if err != nil {
		return err
	}
	cfg, err := engineConfig(*refPath)
	if err != nil {
		return err
	}
	root, rows, err := decodeRows(data)
	if err != nil {
		return err
	}
	var (
		tree     core.DenormalizedTree
		warnings []core.Warning
	)
	if root != nil {
		tree, err = denormalize.Denormalize(*root, cfg)
	} else {
		tree, warnings, err = denormalize.DenormalizeRows(rows, cfg)
	}
	if err != nil {
		return err
	}
	for _, w := range warnings {
		fmt.Fprintf(stderr, "warning: %s\n", w.Message)
	}
	if *format == "text" {
		return writeTextTree(stdout, tree)
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(tree.Batches)
}

// writeTextTree prints one line per batch: indent, label, then the elevated
// weight and count when known.
func writeTextTree(w io.Writer, tree core.DenormalizedTree) error {
	for _, b := range tree.Batches {
		line := b.TreeIndent + " " + b.Label
		if b.ElevateWeight != nil {
			line += " weight=" + exports.FormatValue(*b.ElevateWeight)
		}
		if b.ElevateIndividualCount != nil {
			line += " count=" + strconv.Itoa(*b.ElevateIndividualCount)
		}
		if b.SortingValuesText != "" {
			line += " [" + b.SortingValuesText + "]"
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}

func printResult(w io.Writer, res core.Result) {
	for _, v := range res.Violations {
		fmt.Fprintf(w, "%s %s: %s\n", v.Severity, v.Rule, v.Message)
	}
}

func importCmd(args []string, stdout, stderr io.Writer, logger log.Interface) error {
	fs := newFlagSet("import", stderr)
	kind, id := catchFlags(fs)
	in := fs.String("in", "", "catch tree or rows JSON file (- for stdin)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	ref, err := catchRef(*kind, *id)
	if err != nil {
		return err
	}
	data, err := readInput(*in)
	if err != nil {
		return err
	}
	root, rows, err := decodeRows(data)
	if err != nil {
		return err
	}
	if root != nil {
		rows = root.Flatten()
	}
	svc, err := newService(logger)
	if err != nil {
		return err
	}
	res, err := svc.ImportRows(context.Background(), ref, rows)
	if err != nil {
		return err
	}
	printResult(stdout, res)
	fmt.Fprintf(stdout, "imported %d batches into %s\n", len(rows), ref)
	return nil
}

func runCmd(args []string, stdout, stderr io.Writer, logger log.Interface) error {
	fs := newFlagSet("run", stderr)
	kind, id := catchFlags(fs)
	all := fs.Bool("all", false, "denormalize every stored catch")
	if err := fs.Parse(args); err != nil {
		return err
	}
	var refs []core.CatchRef
	svc, err := newService(logger)
	if err != nil {
		return err
	}
	if *all {
		refs = svc.ListCatches()
	} else {
		ref, err := catchRef(*kind, *id)
		if err != nil {
			return err
		}
		refs = []core.CatchRef{ref}
	}
	runs, err := svc.DenormalizeCatches(context.Background(), refs)
	for _, r := range runs {
		if r.Err != nil {
			fmt.Fprintf(stdout, "%s failed: %v\n", r.Ref, r.Err)
			continue
		}
		printResult(stdout, r.Result)
		fmt.Fprintf(stdout, "%s denormalized %d batches\n", r.Ref, r.Batches)
	}
	return err
}

func exportCmd(args []string, stdout, stderr io.Writer, logger log.Interface) error {
	fs := newFlagSet("export", stderr)
	kind, id := catchFlags(fs)
	formats := fs.String("format", "json", "comma separated export formats (json,csv,xlsx)")
	requestedBy := fs.String("requested-by", "", "actor recorded in the audit trail")
	if err := fs.Parse(args); err != nil {
		return err
	}
	ref, err := catchRef(*kind, *id)
	if err != nil {
		return err
	}
	parsed, err := exports.ParseFormats(*formats)
	if err != nil {
		return usageError(err.Error())
	}
	svc, err := newService(logger)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), exportTimeout)
	defer cancel()
	store, err := blob.Open(ctx)
	if err != nil {
		return err
	}
	worker := exports.NewWorker(svc, store, nil, exports.WithLogger(core.NewApexLogger(logger)))
	worker.Start()
	defer func() { _ = worker.Stop(context.Background()) }()

	record, err := worker.EnqueueExport(ctx, exports.Input{Catch: ref, Formats: parsed, RequestedBy: *requestedBy})
	if err != nil {
		return err
	}
	record, err = waitForExport(ctx, worker, record.ID)
	if err != nil {
		return err
	}
	if record.Status == exports.StatusFailed {
		return errors.New(record.Error)
	}
	for _, a := range record.Artifacts {
		fmt.Fprintf(stdout, "%s\t%s\t%d\t%s\n", a.Format, a.Key, a.SizeBytes, a.URL)
	}
	return nil
}

func waitForExport(ctx context.Context, worker *exports.Worker, id string) (exports.Record, error) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		record, ok := worker.GetExport(id)
		if !ok {
			return exports.Record{}, fmt.Errorf("export %s not found", id)
		}
		if record.Done() {
			return record, nil
		}
		select {
		case <-ctx.Done():
			return record, fmt.Errorf("wait for export %s: %w", id, ctx.Err())
		case <-ticker.C:
		}
	}
}

// newMux routes the catch API and the Prometheus scrape endpoint.
func newMux(svc *core.Service, worker *exports.Worker, gatherer prometheus.Gatherer) *http.ServeMux {
	api := exports.NewHandler(svc)
	api.Exports = worker
	mux := http.NewServeMux()
	mux.Handle("/api/", api)
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "ok\n")
	})
	return mux
}

func serveCmd(args []string, stderr io.Writer, logger log.Interface) error {
	fs := newFlagSet("serve", stderr)
	addr := fs.String("addr", ":8080", "listen address")
	if err := fs.Parse(args); err != nil {
		return err
	}
	reg := prometheus.NewRegistry()
	metrics, err := core.NewPrometheusMetricsRecorder(reg)
	if err != nil {
		return err
	}
	svc, err := newService(logger, core.WithMetricsRecorder(metrics))
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	store, err := blob.Open(ctx)
	if err != nil {
		return err
	}
	worker := exports.NewWorker(svc, store, nil, exports.WithLogger(core.NewApexLogger(logger)))
	worker.Start()

	server := &http.Server{Addr: *addr, Handler: newMux(svc, worker, reg), ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()
	logger.WithField("addr", *addr).Info("listening")

	select {
	case err := <-errCh:
		_ = worker.Stop(context.Background())
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdown); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return worker.Stop(shutdown)
}
