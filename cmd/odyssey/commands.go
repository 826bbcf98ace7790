package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/odyssey-erp/odyssey-posting/cmd/odyssey/cli"
	"github.com/odyssey-erp/odyssey-posting/internal/app"
	"github.com/odyssey-erp/odyssey-posting/internal/outbox"
	"github.com/odyssey-erp/odyssey-posting/internal/platform/db"
)

const usage = `usage:
  odyssey [serve]
  odyssey migrate up|down
  odyssey jobs trigger [-company id] <job>
  odyssey jobs stats`

var errUsage = errors.New(usage)

func runCommand(ctx context.Context, cfg *app.Config, logger *slog.Logger, args []string) error {
	switch args[0] {
	case "migrate":
		if len(args) != 2 {
			return errUsage
		}
		return migrate(cfg, logger, args[1])
	case "jobs":
		return runJobs(ctx, cfg, args[1:])
	default:
		return errUsage
	}
}

func migrate(cfg *app.Config, logger *slog.Logger, direction string) error {
	m, err := db.NewMigrator(cfg.PGDSN, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := m.Close(); err != nil {
			logger.Warn("migrator close", slog.Any("error", err))
		}
	}()
	switch direction {
	case "up":
		return m.Up()
	case "down":
		return m.Down()
	default:
		return errUsage
	}
}

func runJobs(ctx context.Context, cfg *app.Config, args []string) error {
	if len(args) == 0 {
		return errUsage
	}

	var counter cli.OutboxCounter
	if args[0] == "stats" {
		pool, err := db.New(ctx, cfg.PGDSN, 2)
		if err != nil {
			return err
		}
		defer pool.Close()
		counter = outbox.NewRepository(pool)
	}

	jobsCLI := cli.NewJobsCLI(cfg.RedisOptions().AsynqOpt(), counter, cfg.IdempotencyRetention)
	defer func() {
		_ = jobsCLI.Close()
	}()

	switch args[0] {
	case "trigger":
		fs := flag.NewFlagSet("jobs trigger", flag.ContinueOnError)
		companyID := fs.Int64("company", 0, "restrict the scan to one company (0 scans all)")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		if fs.NArg() != 1 {
			return errUsage
		}
		if *companyID < 0 {
			return fmt.Errorf("invalid company id %d", *companyID)
		}
		info, err := jobsCLI.Trigger(ctx, fs.Arg(0), *companyID)
		if err != nil {
			return err
		}
		fmt.Printf("enqueued %s id=%s queue=%s\n", info.Type, info.ID, info.Queue)
		return nil
	case "stats":
		return printStats(ctx, jobsCLI)
	default:
		return errUsage
	}
}

func printStats(ctx context.Context, jobsCLI *cli.JobsCLI) error {
	queues, err := jobsCLI.InspectQueues(ctx)
	if err != nil {
		return err
	}
	events, err := jobsCLI.OutboxStats(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "QUEUE\tPENDING\tACTIVE\tSCHEDULED\tRETRY\tARCHIVED")
	for _, q := range queues {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\n", q.Queue, q.Pending, q.Active, q.Scheduled, q.Retry, q.Archived)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "OUTBOX\tCOUNT")
	statuses := make([]string, 0, len(events))
	for status := range events {
		statuses = append(statuses, string(status))
	}
	sort.Strings(statuses)
	for _, status := range statuses {
		fmt.Fprintf(w, "%s\t%d\n", status, events[outbox.Status(status)])
	}
	return w.Flush()
}
