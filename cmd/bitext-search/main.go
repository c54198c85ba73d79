package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/tei-tools/bitext-search/internal/assoc"
	"github.com/tei-tools/bitext-search/internal/index"
	"github.com/tei-tools/bitext-search/internal/search"
	"github.com/tei-tools/bitext-search/internal/watch"
	"github.com/tei-tools/bitext-search/pkg/config"
	"github.com/tei-tools/bitext-search/pkg/logger"
	"github.com/tei-tools/bitext-search/pkg/metrics"
)

const usage = `usage: bitext-search <command> [flags]

commands:
  build    build or incrementally update the index
  search   run a substring search against the index
  assoc    search, then rank co-occurring characters and n-grams
  watch    watch the corpus and rebuild on changes
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "build":
		err = runBuild(ctx, os.Args[2:])
	case "search":
		err = runSearch(ctx, os.Args[2:])
	case "assoc":
		err = runAssoc(ctx, os.Args[2:])
	case "watch":
		err = runWatch(ctx, os.Args[2:])
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		slog.Error("command failed", "command", os.Args[1], "error", err)
		os.Exit(1)
	}
}

type env struct {
	cfg    *config.Config
	store  *index.Store
	met    *metrics.Metrics
	finish func()
}

// setup loads config, applies common flag overrides, and wires the store.
func setup(fs *flag.FlagSet, args []string) (*env, error) {
	configPath := fs.String("config", "", "path to config file")
	root := fs.String("root", "", "corpus root directory")
	originalDir := fs.String("original", "", "original-side directory (relative to root unless absolute)")
	translatedDir := fs.String("translated", "", "translated-side directory (relative to root unless absolute)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return nil, err
	}
	if *root != "" {
		cfg.Corpus.Root = *root
	}
	if *originalDir != "" {
		cfg.Corpus.OriginalDir = *originalDir
	}
	if *translatedDir != "" {
		cfg.Corpus.TranslatedDir = *translatedDir
	}
	if cfg.Corpus.Root == "" {
		return nil, fmt.Errorf("corpus root not set (use -root or BTS_CORPUS_ROOT)")
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)

	var met *metrics.Metrics
	finish := func() {}
	if cfg.Metrics.Enabled {
		met = metrics.New()
		shutdown := metrics.StartServer(cfg.Metrics.Port)
		finish = func() {
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			shutdown(shutCtx)
		}
	}
	corpus := index.Corpus{
		Root:          cfg.Corpus.Root,
		OriginalDir:   cfg.Corpus.OriginalDir,
		TranslatedDir: cfg.Corpus.TranslatedDir,
	}
	return &env{
		cfg:    cfg,
		store:  index.NewStore(corpus, cfg.Index, met),
		met:    met,
		finish: finish,
	}, nil
}

func runBuild(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("build", flag.ExitOnError)
	force := fs.Bool("force", false, "recompute every filter block")
	e, err := setup(fs, args)
	if err != nil {
		return err
	}
	defer e.finish()
	defer e.store.Close()

	return e.store.BuildOrUpdate(ctx, index.BuildOptions{
		Force: *force,
		Progress: func(done, total int, phase string) {
			slog.Info("build progress", "phase", phase, "done", done, "total", total)
		},
	})
}

func searchFlags(fs *flag.FlagSet) (query *string, sides *string, contextWidth *int, pathPrefix *string) {
	query = fs.String("query", "", "substring to search for")
	sides = fs.String("sides", "both", "sides to search: original, translated, or both")
	contextWidth = fs.Int("context", 0, "context characters per side (0 = config default)")
	pathPrefix = fs.String("path-prefix", "", "only search documents whose relative path starts with this prefix")
	return
}

func runQuery(ctx context.Context, e *env, query, sides string, contextWidth int, pathPrefix string) ([]search.ResultGroup, error) {
	if query == "" {
		return nil, fmt.Errorf("query must not be empty")
	}
	opts := search.Options{
		IncludeOriginal:   sides == "both" || sides == "original",
		IncludeTranslated: sides == "both" || sides == "translated",
		ContextWidth:      contextWidth,
		Metadata:          func(relPath string) search.Metadata { return search.Metadata{Title: relPath} },
	}
	if !opts.IncludeOriginal && !opts.IncludeTranslated {
		return nil, fmt.Errorf("unknown sides %q", sides)
	}
	if pathPrefix != "" {
		opts.PathFilter = func(relPath string) bool {
			return strings.HasPrefix(strings.ToLower(relPath), strings.ToLower(pathPrefix))
		}
	}
	searcher := search.NewSearcher(e.store, e.cfg.Search, e.met)
	return searcher.SearchAll(ctx, query, opts)
}

func runSearch(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	query, sides, contextWidth, pathPrefix := searchFlags(fs)
	e, err := setup(fs, args)
	if err != nil {
		return err
	}
	defer e.finish()
	defer e.store.Close()

	groups, err := runQuery(ctx, e, *query, *sides, *contextWidth, *pathPrefix)
	if err != nil {
		return err
	}
	for _, g := range groups {
		fmt.Printf("%s (%d hits)\n", g.RelPath, g.HitCount())
		printHits("original", g.Original)
		printHits("translated", g.Translated)
	}
	fmt.Printf("%d documents matched\n", len(groups))
	return nil
}

func printHits(side string, hits []search.Hit) {
	for _, h := range hits {
		fmt.Printf("  [%s @%d] %s<<%s>>%s\n", side, h.Index, h.Left, h.Match, h.Right)
	}
}

func runAssoc(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("assoc", flag.ExitOnError)
	query, sides, contextWidth, pathPrefix := searchFlags(fs)
	metric := fs.String("metric", string(assoc.MetricFrequency), "ranking metric: frequency, range, dispersion, dominance, pmi, logdice, tscore")
	topK := fs.Int("top", 20, "rows per ranking")
	e, err := setup(fs, args)
	if err != nil {
		return err
	}
	defer e.finish()
	defer e.store.Close()

	groups, err := runQuery(ctx, e, *query, *sides, *contextWidth, *pathPrefix)
	if err != nil {
		return err
	}
	width := *contextWidth
	if width <= 0 {
		width = e.cfg.Search.ContextWidth
	}
	result := assoc.ComputeAssociations(groups, *query, width, assoc.Metric(*metric), *topK)

	fmt.Printf("windows: %d, metric: %s\n", result.TotalWindows, result.Metric)
	fmt.Println("characters:")
	printRows(result.Chars)
	fmt.Println("n-grams:")
	printRows(result.Grams)
	fmt.Println("zipf (by raw frequency):")
	for _, z := range result.ZipfTop {
		fmt.Printf("  %3d. %-6s %d\n", z.Rank, z.Key, z.Frequency)
	}
	if len(result.Dominance) > 0 {
		fmt.Println("dominated by a single document:")
		for _, d := range result.Dominance {
			fmt.Printf("  %-6s share=%.2f freq=%d doc=%s\n", d.Key, d.Share, d.Frequency, d.TopDoc)
		}
	}
	return nil
}

func printRows(rows []assoc.Row) {
	for _, r := range rows {
		fmt.Printf("  %-6s score=%.4f freq=%d range=%d\n", r.Key, r.Score, r.Frequency, r.Range)
	}
}

func runWatch(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	e, err := setup(fs, args)
	if err != nil {
		return err
	}
	defer e.finish()
	defer e.store.Close()

	// An initial build so the watcher starts from a fresh generation.
	if err := e.store.BuildOrUpdate(ctx, index.BuildOptions{}); err != nil {
		return err
	}
	rebuild := func(ctx context.Context) error {
		return e.store.BuildOrUpdate(ctx, index.BuildOptions{})
	}
	w := watch.New(e.store.Corpus(), e.cfg.Watcher.MergeEventsDelay, rebuild, e.met)
	err = w.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
