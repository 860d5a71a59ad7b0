package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/surgecrawl/surgecrawl/internal/autoscale"
	"github.com/surgecrawl/surgecrawl/internal/config"
	"github.com/surgecrawl/surgecrawl/internal/crawl/basiccrawler"
	"github.com/surgecrawl/surgecrawl/internal/crawl/requestlist"
	"github.com/surgecrawl/surgecrawl/internal/crawl/requestqueue"
	"github.com/surgecrawl/surgecrawl/internal/crawl/types"
	"github.com/surgecrawl/surgecrawl/internal/httpfetch"
	"github.com/surgecrawl/surgecrawl/internal/snapshot"
	"github.com/surgecrawl/surgecrawl/internal/storage/sqlitequeue"
	"github.com/surgecrawl/surgecrawl/internal/sysstatus"
	"github.com/surgecrawl/surgecrawl/internal/utils"
)

var (
	seedFile       string
	queueDBPath    string
	noQueue        bool
	maxConcurrency int
	maxRetries     int
	maxRequests    int
	maxDepth       int
)

var crawlCmd = &cobra.Command{
	Use:   "crawl",
	Short: "Crawl a seed file through an autoscaled, retrying worker pool",
	Long: `crawl reads one URL per line from --seed-file, feeds them through a
RequestList, reinjects every request into a SQLite-backed RequestQueue so
retries and link-followed requests survive a crash, and runs it all
through a BasicCrawler behind an AutoscaledPool.`,
	RunE: runCrawl,
}

func init() {
	rootCmd.AddCommand(crawlCmd)

	crawlCmd.Flags().StringVar(&seedFile, "seed-file", "", "path to a file with one seed URL per line (required)")
	crawlCmd.Flags().StringVar(&queueDBPath, "queue-db", "", "path to the SQLite request queue (default: state dir)/queue.db")
	crawlCmd.Flags().BoolVar(&noQueue, "no-queue", false, "run against the seed list only, without a durable queue")
	crawlCmd.Flags().IntVar(&maxConcurrency, "max-concurrency", 0, "override the pool's max concurrency (0: use default)")
	crawlCmd.Flags().IntVar(&maxRetries, "max-retries", -1, "override maxRequestRetries (-1: use default)")
	crawlCmd.Flags().IntVar(&maxRequests, "max-requests", 0, "stop after this many requests (0: unbounded)")
	crawlCmd.Flags().IntVar(&maxDepth, "max-depth", 2, "how many link hops beyond the seed set to follow")
	_ = crawlCmd.MarkFlagRequired("seed-file")
}

func runCrawl(cmd *cobra.Command, args []string) error {
	seeds, err := readSeedFile(seedFile)
	if err != nil {
		return fmt.Errorf("crawl: %w", err)
	}

	cfg := config.Default()
	if maxConcurrency > 0 {
		cfg.Pool.MaxConcurrency = maxConcurrency
	}
	if maxRetries >= 0 {
		cfg.Crawler.MaxRequestRetries = maxRetries
	}
	cfg.Crawler.MaxRequestsPerCrawl = maxRequests
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("crawl: %w", err)
	}

	var queue *requestqueue.RequestQueue
	var storage *sqlitequeue.Client
	if !noQueue {
		dbPath := queueDBPath
		if dbPath == "" {
			dbPath = filepath.Join(config.GetStateDir(), "queue.db")
		}
		storage, err = sqlitequeue.Open(dbPath)
		if err != nil {
			return fmt.Errorf("crawl: opening queue db %s: %w", dbPath, err)
		}
		defer storage.Close()
		queue = requestqueue.New("default", storage)
	}

	var fetchOpts []httpfetch.Option
	if storage != nil {
		fetchOpts = append(fetchOpts, httpfetch.WithRetryRecorder("default", storage))
	}
	fetcher := httpfetch.New(cfg.Fetch, fetchOpts...)

	sources := make([]requestlist.Source, 0, len(seeds))
	for _, u := range seeds {
		sources = append(sources, requestlist.Source{Request: types.NewRequest(u)})
	}
	list := requestlist.New(sources, requestlist.WithFetcher(fetcher))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := list.Initialize(ctx); err != nil {
		return fmt.Errorf("crawl: initializing seed list: %w", err)
	}

	var snapOpts []snapshot.Option
	if storage != nil {
		snapOpts = append(snapOpts, snapshot.WithClientErrorSource(storage))
	}
	snap := snapshot.New(cfg.Snapshotter, snapOpts...)
	snap.Start(ctx)
	defer snap.Stop()
	status := sysstatus.New(cfg.SystemStatus, snap)

	handle := crawlHandler(fetcher, queue, maxDepth)
	failed := func(ctx context.Context, req *types.Request, err error) {
		fmt.Fprintf(os.Stderr, "FAIL %-7s %s: %v (after %d retries)\n", req.Method, req.URL, err, req.RetryCount)
	}

	opts := []basiccrawler.Option{
		basiccrawler.WithRequestList(list),
		basiccrawler.WithFailedHandler(failed),
		basiccrawler.WithPoolOptions(autoscale.WithSystemStatus(status)),
	}
	if queue != nil {
		opts = append(opts, basiccrawler.WithRequestQueue(queue))
	}

	crawler, err := basiccrawler.New(cfg.Crawler, cfg.Pool, handle, opts...)
	if err != nil {
		return fmt.Errorf("crawl: %w", err)
	}

	if err := crawler.Run(ctx); err != nil {
		return fmt.Errorf("crawl: %w", err)
	}
	fmt.Printf("done: %d requests handled\n", crawler.HandledCount())
	return nil
}

// crawlHandler fetches req, logs the outcome, and (when queue is non-nil
// and req hasn't hit maxDepth) enqueues every absolute link it finds as a
// child request one depth deeper.
func crawlHandler(fetcher *httpfetch.Client, queue *requestqueue.RequestQueue, maxDepth int) basiccrawler.Handler {
	return func(ctx context.Context, req *types.Request) error {
		body, err := fetcher.FetchRequest(ctx, req)
		if err != nil {
			return err
		}
		fmt.Printf("OK   %-7s %s (%d bytes)\n", req.Method, req.URL, len(body))

		if queue == nil {
			return nil
		}
		depth := 0
		switch d := req.UserData["depth"].(type) {
		case int:
			depth = d
		case float64:
			depth = int(d)
		}
		if depth >= maxDepth {
			return nil
		}
		for _, link := range extractLinks(body) {
			child := types.NewRequest(link)
			child.UserData = map[string]any{"depth": depth + 1}
			if _, err := queue.AddRequest(ctx, child, false); err != nil {
				utils.Warn("crawl: enqueue %s: %v", link, err)
			}
		}
		return nil
	}
}

func extractLinks(body []byte) []string {
	matches := types.DefaultLinkPattern.FindAll(body, -1)
	seen := make(map[string]bool, len(matches))
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		u := string(m)
		if seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, u)
	}
	return out
}

func readSeedFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var urls []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(urls) == 0 {
		return nil, fmt.Errorf("seed file %s contains no URLs", path)
	}
	return urls, nil
}
