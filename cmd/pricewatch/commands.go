package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/aluiziolira/go-price-watch/catalog"
	"github.com/aluiziolira/go-price-watch/config"
	"github.com/aluiziolira/go-price-watch/crawl"
	"github.com/aluiziolira/go-price-watch/extractor"
	"github.com/aluiziolira/go-price-watch/models"
	"github.com/aluiziolira/go-price-watch/pipeline"
	"github.com/aluiziolira/go-price-watch/reconcile"
	"github.com/aluiziolira/go-price-watch/scraper"
	"github.com/aluiziolira/go-price-watch/store"
	"github.com/urfave/cli/v2"
)

const separator = "--------------------------------------------------"

func crawlCommand(a *app) *cli.Command {
	return &cli.Command{
		Name:  "crawl",
		Usage: "discover product URLs on supplier sites and record prices and offers",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{Name: "site", Usage: "supplier site root; repeatable, replaces configured sites"},
			&cli.IntFlag{Name: "concurrency", Usage: "pages fetched at once"},
			&cli.IntFlag{Name: "batch-size", Usage: "discoveries per store write"},
			&cli.DurationFlag{Name: "flush-interval", Usage: "maximum time a partial batch waits"},
			&cli.StringFlag{Name: "mapper", Usage: "URL source: sitemap or service"},
			&cli.StringSliceFlag{Name: "export", Usage: "also write discoveries to a .csv or .jsonl file; repeatable"},
			&cli.BoolFlag{Name: "skip-health", Usage: "do not check the fetch service before crawling"},
		},
		Action: a.crawlAction,
	}
}

func (a *app) crawlAction(c *cli.Context) error {
	cfg := a.cfg
	if c.IsSet("site") {
		cfg.Sites = c.StringSlice("site")
	}
	if c.IsSet("concurrency") {
		cfg.Concurrency = c.Int("concurrency")
	}
	if c.IsSet("batch-size") {
		cfg.BatchSize = c.Int("batch-size")
	}
	if c.IsSet("flush-interval") {
		cfg.FlushInterval = c.Duration("flush-interval")
	}
	if c.IsSet("mapper") {
		cfg.MapperMode = c.String("mapper")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if len(cfg.Sites) == 0 {
		return errors.New("no sites configured; pass --site or list sites in the config file")
	}

	fetcher := scraper.NewServiceClient(cfg, a.metrics)
	if !c.Bool("skip-health") {
		healthCtx, cancel := context.WithTimeout(c.Context, 10*time.Second)
		err := fetcher.Health(healthCtx)
		cancel()
		if err != nil {
			return err
		}
	}

	return a.withStore(c, func(s *store.Store) error {
		orch := a.orchestrator(fetcher, s)
		if paths := c.StringSlice("export"); len(paths) > 0 {
			w, err := pipeline.OpenReport(paths, pipeline.DiscoveryHeader, pipeline.DiscoveryRow)
			if err != nil {
				return err
			}
			defer func() {
				if err := w.Close(); err != nil {
					slog.Error("close export", slog.Any("error", err))
				}
			}()
			orch.WithExport(w)
		}

		slog.Info("starting crawl",
			slog.Any("sites", cfg.Sites),
			slog.Int("workers", cfg.Concurrency),
			slog.String("mapper", cfg.MapperMode),
		)
		startTime := time.Now()
		report, err := orch.Run(c.Context, cfg.Sites)
		if report != nil && report.Run != nil {
			printCrawlSummary(report, time.Since(startTime), a.breakers.Snapshot())
		}
		return err
	})
}

func (a *app) orchestrator(fetcher scraper.Fetcher, s *store.Store) *crawl.Orchestrator {
	cfg := a.cfg

	var mapper scraper.Mapper
	if cfg.MapperMode == config.MapperService {
		mapper = scraper.NewRemoteMapper(scraper.NewExtractClient(cfg.ExtractServiceURL, cfg.FetchTimeout, a.metrics), cfg.MaxURLsPerSite)
	} else {
		mapper = scraper.NewSitemapMapper(cfg.UserAgent, cfg.FetchTimeout, cfg.MaxURLsPerSite)
	}

	var fallback extractor.Fallback
	if cfg.LLMFallback && cfg.ExtractServiceURL != "" {
		fallback = extractor.GuardedFallback{
			Fallback: scraper.NewExtractClient(cfg.ExtractServiceURL, cfg.FetchTimeout, a.metrics),
			Guard:    a.guard("extract"),
		}
	}
	ex := extractor.New(extractor.OptionsFromConfig(cfg, a.profiles, fallback), a.metrics)

	return crawl.New(crawl.OptionsFromConfig(cfg), mapper, fetcher, ex, s, a.guard("fetch"), a.metrics).
		WithMapGuard(a.guard("map"))
}

func printCrawlSummary(report *crawl.RunReport, duration time.Duration, breakers []models.CircuitBreakerState) {
	run := report.Run
	fmt.Println("\n" + separator)
	fmt.Printf("Crawl %s\n", run.Status)
	fmt.Printf("  Run ID:        %s\n", run.ID)
	fmt.Printf("  Discovered:    %d\n", run.URLsDiscovered)
	fmt.Printf("  New products:  %d\n", run.NewProductsFound)
	fmt.Printf("  New offers:    %d\n", run.NewOffersFound)
	fmt.Printf("  Errors:        %d\n", run.ErrorCount)
	fmt.Printf("  Batches:       %d\n", report.Flushes)
	if run.ErrorMessage != nil {
		fmt.Printf("  Failure:       %s\n", *run.ErrorMessage)
	}
	if len(report.Errors) > 0 {
		byStage := make(map[string]int)
		for _, e := range report.Errors {
			byStage[e.Stage]++
		}
		fmt.Printf("  Error stages:  %v\n", byStage)
	}
	for _, b := range breakers {
		fmt.Printf("  Breaker %-6s %s (failures %d)\n", b.Name+":", b.State, b.FailureCount)
	}
	fmt.Printf("  Duration:      %v\n", duration.Round(time.Millisecond))
	fmt.Println(separator)
}

func rescrapeCommand(a *app) *cli.Command {
	return &cli.Command{
		Name:      "rescrape",
		Usage:     "fetch one or more supplier URLs again and refresh their cached price",
		ArgsUsage: "URL [URL...]",
		Action:    a.rescrapeAction,
	}
}

func (a *app) rescrapeAction(c *cli.Context) error {
	if c.NArg() == 0 {
		return errors.New("rescrape needs at least one URL")
	}
	fetcher := scraper.NewServiceClient(a.cfg, a.metrics)
	return a.withStore(c, func(s *store.Store) error {
		orch := a.orchestrator(fetcher, s)
		for _, raw := range c.Args().Slice() {
			out, err := orch.Rescrape(c.Context, raw)
			if err != nil {
				return fmt.Errorf("rescrape %s: %w", raw, err)
			}
			fmt.Printf("%-13s %s  %s\n", out.Status, out.CanonicalURL, out.Message)
		}
		return nil
	})
}

func syncCatalogCommand(a *app) *cli.Command {
	return &cli.Command{
		Name:  "sync-catalog",
		Usage: "copy the store platform's product listing into the catalog cache",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "prune", Usage: "unlink cached platform products missing from this listing"},
		},
		Action: a.syncCatalogAction,
	}
}

func (a *app) syncCatalogAction(c *cli.Context) error {
	client, err := catalog.NewClient(a.cfg, a.guard("catalog"), a.metrics)
	if err != nil {
		return err
	}
	return a.withStore(c, func(s *store.Store) error {
		report, err := catalog.NewSyncer(client, s).Sync(c.Context, c.Bool("prune"))
		if err != nil {
			return err
		}
		fmt.Printf("fetched %d, stored %d, skipped %d, pruned %d\n", report.Fetched, report.Stored, report.Skipped, report.Pruned)
		return nil
	})
}

func reconcileCommand(a *app) *cli.Command {
	return &cli.Command{
		Name:  "reconcile",
		Usage: "record supplier products missing from the catalog and catalog products missing from suppliers",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "dedup", Usage: "none or suppress_pending"},
			&cli.BoolFlag{Name: "verify", Usage: "check liveness of the new discrepancies"},
			&cli.IntFlag{Name: "verify-limit", Value: 500, Usage: "maximum discrepancies checked with --verify"},
			&cli.BoolFlag{Name: "list", Usage: "print every discrepancy URL"},
			&cli.StringSliceFlag{Name: "export", Usage: "write this run's results to a .csv or .jsonl file; repeatable"},
		},
		Action: a.reconcileAction,
	}
}

func (a *app) reconcileAction(c *cli.Context) error {
	policy := a.cfg.DedupPolicy
	if c.IsSet("dedup") {
		policy = c.String("dedup")
		if policy != config.DedupNone && policy != config.DedupSuppressPending {
			return fmt.Errorf("dedup policy must be %s or %s", config.DedupNone, config.DedupSuppressPending)
		}
	}

	return a.withStore(c, func(s *store.Store) error {
		engine := reconcile.NewEngine(s, policy, a.metrics)
		report, err := engine.Reconcile(c.Context)
		if err != nil {
			return err
		}
		fmt.Printf("run %s: %d supplier_only, %d target_only", report.RunID, len(report.SupplierOnly), len(report.TargetOnly))
		if report.Suppressed > 0 {
			fmt.Printf(", %d suppressed", report.Suppressed)
		}
		fmt.Println()
		if c.Bool("list") {
			for _, u := range report.SupplierOnly {
				fmt.Printf("  %s  %s\n", models.SupplierOnly, u)
			}
			for _, u := range report.TargetOnly {
				fmt.Printf("  %s    %s\n", models.TargetOnly, u)
			}
		}

		if c.Bool("verify") {
			counts, err := engine.VerifyPending(c.Context, a.livenessChecker(), report.RunID, c.Int("verify-limit"))
			printCounts(counts)
			if err != nil {
				return err
			}
		}

		if paths := c.StringSlice("export"); len(paths) > 0 {
			return exportResults(c.Context, s, store.ResultFilter{RunID: report.RunID}, paths)
		}
		return nil
	})
}

func (a *app) livenessChecker() *reconcile.LivenessChecker {
	return reconcile.NewLivenessChecker(a.cfg.UserAgent, a.cfg.FetchTimeout, a.cfg.LivenessCacheTTL, a.breakers.Get("liveness"), a.metrics)
}

func verifyCommand(a *app) *cli.Command {
	return &cli.Command{
		Name:  "verify",
		Usage: "check liveness of pending discrepancies and record active, redirect or 404",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "run", Usage: "only results of this reconcile run"},
			&cli.IntFlag{Name: "limit", Value: 500, Usage: "maximum results checked"},
		},
		Action: func(c *cli.Context) error {
			return a.withStore(c, func(s *store.Store) error {
				engine := reconcile.NewEngine(s, a.cfg.DedupPolicy, a.metrics)
				counts, err := engine.VerifyPending(c.Context, a.livenessChecker(), c.String("run"), c.Int("limit"))
				printCounts(counts)
				return err
			})
		},
	}
}

func printCounts(counts map[string]int) {
	labels := make([]string, 0, len(counts))
	for label := range counts {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	for _, label := range labels {
		fmt.Printf("  %-9s %d\n", label, counts[label])
	}
}

func checkCommand(a *app) *cli.Command {
	return &cli.Command{
		Name:      "check",
		Usage:     "probe URLs without recording anything",
		ArgsUsage: "URL [URL...]",
		Action: func(c *cli.Context) error {
			if c.NArg() == 0 {
				return errors.New("check needs at least one URL")
			}
			checker := a.livenessChecker()
			for _, u := range c.Args().Slice() {
				live := checker.Check(c.Context, u)
				switch {
				case live.Err != nil:
					fmt.Printf("%-8s %s  %v\n", live.Label(), u, live.Err)
				case live.Location != "":
					fmt.Printf("%-8s %s -> %s\n", live.Label(), u, live.Location)
				default:
					fmt.Printf("%-8s %s\n", live.Label(), u)
				}
			}
			return nil
		},
	}
}

func resultsCommand(a *app) *cli.Command {
	return &cli.Command{
		Name:  "results",
		Usage: "list reconcile results",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "run", Usage: "only results of this reconcile run"},
			&cli.BoolFlag{Name: "open", Usage: "only unresolved results"},
			&cli.StringFlag{Name: "status", Usage: "only results with this status"},
			&cli.IntFlag{Name: "limit", Value: 100},
			&cli.StringSliceFlag{Name: "export", Usage: "write the results to a .csv or .jsonl file instead of printing"},
		},
		Action: func(c *cli.Context) error {
			filter := store.ResultFilter{
				RunID:      c.String("run"),
				OnlyOpen:   c.Bool("open"),
				OnlyStatus: models.DiscrepancyStatus(c.String("status")),
				Limit:      c.Int("limit"),
			}
			return a.withStore(c, func(s *store.Store) error {
				if paths := c.StringSlice("export"); len(paths) > 0 {
					return exportResults(c.Context, s, filter, paths)
				}
				results, err := s.ListResults(c.Context, filter)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tTYPE\tSTATUS\tURL\tDETECTED\tRESOLVED")
				for _, r := range results {
					resolved := "-"
					if r.ResolvedAt != nil {
						resolved = r.ResolvedAt.Format(time.RFC3339)
					}
					fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n", r.ID, r.ProductType, r.Status, r.CanonicalURL, r.DetectedAt.Format(time.RFC3339), resolved)
				}
				return tw.Flush()
			})
		},
	}
}

func exportResults(ctx context.Context, s *store.Store, filter store.ResultFilter, paths []string) error {
	results, err := s.ListResults(ctx, filter)
	if err != nil {
		return err
	}
	w, err := pipeline.OpenReport(paths, pipeline.ResultHeader, pipeline.ResultRow)
	if err != nil {
		return err
	}
	if err := w.Write(results); err != nil {
		w.Close()
		return err
	}
	if len(results) > 0 {
		if err := w.Validate(); err != nil {
			w.Close()
			return fmt.Errorf("export validation failed: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return err
	}
	slog.Info("results exported", slog.Int("count", len(results)), slog.Any("paths", paths))
	return nil
}

func resolveCommand(a *app) *cli.Command {
	return &cli.Command{
		Name:      "resolve",
		Usage:     "mark reconcile results as resolved",
		ArgsUsage: "ID [ID...]",
		Action: func(c *cli.Context) error {
			if c.NArg() == 0 {
				return errors.New("resolve needs at least one result ID")
			}
			ids := make([]int64, 0, c.NArg())
			for _, raw := range c.Args().Slice() {
				id, err := strconv.ParseInt(raw, 10, 64)
				if err != nil {
					return fmt.Errorf("invalid result ID %q", raw)
				}
				ids = append(ids, id)
			}
			return a.withStore(c, func(s *store.Store) error {
				for _, id := range ids {
					if err := s.ResolveDiscrepancy(c.Context, id); err != nil {
						if errors.Is(err, store.ErrNotFound) {
							return fmt.Errorf("result %d not found", id)
						}
						return err
					}
					fmt.Printf("resolved %d\n", id)
				}
				return nil
			})
		},
	}
}

func runsCommand(a *app) *cli.Command {
	return &cli.Command{
		Name:  "runs",
		Usage: "list recent crawl runs",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "limit", Value: 20},
		},
		Action: func(c *cli.Context) error {
			return a.withStore(c, func(s *store.Store) error {
				runs, err := s.ListRuns(c.Context, c.Int("limit"))
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tSTATUS\tDISCOVERED\tNEW\tOFFERS\tERRORS\tSTARTED\tMESSAGE")
				for _, run := range runs {
					msg := ""
					if run.ErrorMessage != nil {
						msg = *run.ErrorMessage
					}
					fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\t%s\t%s\n",
						run.ID, run.Status, run.URLsDiscovered, run.NewProductsFound, run.NewOffersFound,
						run.ErrorCount, run.StartedAt.Format(time.RFC3339), msg)
				}
				return tw.Flush()
			})
		},
	}
}
