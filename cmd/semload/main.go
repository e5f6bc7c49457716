package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/semload/semload/internal/config"
	"github.com/semload/semload/internal/logging"
	"github.com/semload/semload/internal/orchestrator"
	"github.com/semload/semload/internal/state"
	"github.com/semload/semload/internal/util"
	"github.com/semload/semload/internal/version"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:    version.Name,
		Usage:   version.Description,
		Version: version.Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "config.yaml",
				Usage:   "Path to configuration file",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Override log level (debug, info, warn, error)",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "Override log format (text, json)",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Load all tables, verify them, and build semantic views",
				Action: runPipeline,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "tables",
						Usage: "Comma-separated table names (default: all configured)",
					},
					&cli.BoolFlag{
						Name:  "truncate",
						Usage: "Truncate target tables before loading",
					},
				},
			},
			{
				Name:   "load",
				Usage:  "Load tables without verification or view compilation",
				Action: runLoadOnly,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "tables",
						Usage: "Comma-separated table names (default: all configured)",
					},
					&cli.BoolFlag{
						Name:  "truncate",
						Usage: "Truncate target tables before loading",
					},
				},
			},
			{
				Name:   "verify",
				Usage:  "Re-check row counts and duplicates for already-loaded tables",
				Action: runVerify,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "tables",
						Usage: "Comma-separated table names (default: all configured)",
					},
				},
			},
			{
				Name:   "views",
				Usage:  "Compile the semantic model and install its views",
				Action: runViews,
			},
			{
				Name:  "history",
				Usage: "List recent runs, or show details of a specific run",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "run",
						Usage: "Show details for a specific run ID",
					},
					&cli.IntFlag{
						Name:  "limit",
						Value: 20,
						Usage: "Number of runs to list",
					},
				},
				Action: showHistory,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if c.IsSet("log-level") {
		cfg.Logging.Level = c.String("log-level")
	}
	if c.IsSet("log-format") {
		cfg.Logging.Format = c.String("log-format")
	}
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	logging.SetLevel(level)
	logging.SetFormat(cfg.Logging.Format)

	return cfg, nil
}

// signalContext cancels on SIGINT/SIGTERM so a run stops between files
// instead of mid-batch.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nInterrupted. Finishing current batch...")
		cancel()
	}()

	return ctx, cancel
}

func runPipeline(c *cli.Context) error {
	return runWith(c, orchestrator.Options{
		Tables:  util.SplitCSV(c.String("tables")),
		ShowBar: true,
	})
}

func runLoadOnly(c *cli.Context) error {
	return runWith(c, orchestrator.Options{
		Tables:     util.SplitCSV(c.String("tables")),
		SkipVerify: true,
		SkipViews:  true,
		ShowBar:    true,
	})
}

func runWith(c *cli.Context, opts orchestrator.Options) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if c.Bool("truncate") {
		cfg.Load.Truncate = true
	}

	orch, err := orchestrator.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to connect to warehouse: %w", err)
	}
	defer orch.Close()

	ctx, cancel := signalContext()
	defer cancel()

	report, err := orch.Run(ctx, opts)
	if err != nil {
		return err
	}

	printReport(report)
	if !report.Success {
		return cli.Exit("run completed with failures", 1)
	}
	return nil
}

func runVerify(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	orch, err := orchestrator.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to connect to warehouse: %w", err)
	}
	defer orch.Close()

	ctx, cancel := signalContext()
	defer cancel()

	reports, err := orch.VerifyTables(ctx, util.SplitCSV(c.String("tables")))
	if err != nil {
		return err
	}

	failed := false
	for _, rep := range reports {
		fmt.Printf("%-28s %-4s source=%s warehouse=%s duplicates=%s\n",
			rep.Table, rep.Verdict,
			util.FormatCount(rep.SourceRows),
			util.FormatCount(rep.WarehouseRows),
			util.FormatCount(rep.DuplicateRows))
		if rep.Verdict == "FAIL" {
			failed = true
		}
	}
	if failed {
		return cli.Exit("verification failed", 1)
	}
	return nil
}

func runViews(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if cfg.Semantic.Model == "" {
		return fmt.Errorf("no semantic model configured")
	}

	orch, err := orchestrator.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to connect to warehouse: %w", err)
	}
	defer orch.Close()

	ctx, cancel := signalContext()
	defer cancel()

	views, err := orch.InstallViews(ctx)
	if err != nil {
		return err
	}
	for _, v := range views {
		fmt.Printf("created view %s over %s\n", v.View, v.Table)
	}
	return nil
}

func showHistory(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	store, err := state.Open(cfg.State.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	if runID := c.String("run"); runID != "" {
		results, err := store.GetTableResults(runID)
		if err != nil {
			return err
		}
		if len(results) == 0 {
			return fmt.Errorf("no run found with ID %s", runID)
		}
		for _, r := range results {
			fmt.Printf("%-28s %-8s source=%s inserted=%s malformed=%s duplicates=%s (%dms)\n",
				r.Table, r.Verdict,
				util.FormatCount(r.SourceRows),
				util.FormatCount(r.RowsInserted),
				util.FormatCount(r.MalformedRows),
				util.FormatCount(r.DuplicateRows),
				r.ElapsedMS)
			if r.Error != "" {
				fmt.Printf("    %s\n", r.Error)
			}
		}
		return nil
	}

	runs, err := store.GetRuns(c.Int("limit"))
	if err != nil {
		return err
	}
	for _, r := range runs {
		fmt.Printf("%s  %-8s %s  %s\n",
			r.ID, r.Status, r.StartedAt.Format("2006-01-02 15:04:05"), r.SourceDir)
	}
	return nil
}

func printReport(report *orchestrator.RunReport) {
	fmt.Printf("\nRun %s\n", report.RunID)
	for _, tr := range report.Tables {
		switch {
		case tr.CatalogErr != nil:
			fmt.Printf("  %-28s SKIPPED  %v\n", tr.Name, tr.CatalogErr)
		case tr.Integrity != nil:
			fmt.Printf("  %-28s %-8s source=%s warehouse=%s duplicates=%s\n",
				tr.Name, tr.Integrity.Verdict,
				util.FormatCount(tr.Integrity.SourceRows),
				util.FormatCount(tr.Integrity.WarehouseRows),
				util.FormatCount(tr.Integrity.DuplicateRows))
		case tr.Load != nil:
			fmt.Printf("  %-28s LOADED   inserted=%s malformed=%s\n",
				tr.Name,
				util.FormatCount(tr.Load.RowsInserted),
				util.FormatCount(tr.Load.MalformedRows))
		default:
			fmt.Printf("  %-28s NO FILES\n", tr.Name)
		}
	}
	if report.ViewErr != nil {
		fmt.Printf("  views: %v\n", report.ViewErr)
	} else {
		for _, v := range report.Views {
			note := ""
			if v.IncompleteData {
				note = " (incomplete data)"
			}
			fmt.Printf("  view %s over %s%s\n", v.View, v.Table, note)
		}
	}
}
