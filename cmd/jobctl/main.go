// Command jobctl inspects and removes recurring job schedules stored in Redis.
//
//	jobctl [-redis URL] list
//	jobctl [-redis URL] [-dry-run] unregister <job-id>...
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/url"
	"os"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/pscheid92/presencepulse/internal/adapter/metrics"
	"github.com/pscheid92/presencepulse/internal/adapter/redis"
	"github.com/pscheid92/presencepulse/internal/domain"
	"github.com/pscheid92/presencepulse/internal/platform/logging"
)

const commandTimeout = 30 * time.Second

type jobStore interface {
	List(ctx context.Context) ([]domain.ScheduledJob, error)
	Remove(ctx context.Context, jobID string) error
}

func main() {
	var (
		redisURL = flag.String("redis", os.Getenv("REDIS_URL"), "Redis URL (or set REDIS_URL env)")
		dryRun   = flag.Bool("dry-run", false, "Report what unregister would remove without writing")
		verbose  = flag.Bool("verbose", false, "Verbose logging")
	)
	flag.Usage = usage
	flag.Parse()

	if *redisURL == "" {
		log.Fatal("Redis URL required (--redis or REDIS_URL env)")
	}
	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}

	level := "info"
	if *verbose {
		level = "debug"
	}
	slog.SetDefault(logging.New(os.Stderr, level, "text"))

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	rdb, err := redis.NewClient(ctx, *redisURL, metrics.NewRedisMetrics(prometheus.NewRegistry()))
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer func() { _ = rdb.Close() }()
	slog.Debug("Connected to Redis", "url", sanitizeURL(*redisURL))

	queue := redis.NewJobQueue(rdb)

	switch cmd, args := flag.Arg(0), flag.Args()[1:]; cmd {
	case "list":
		err = listJobs(ctx, queue, os.Stdout)
	case "unregister":
		err = unregisterJobs(ctx, queue, args, *dryRun)
	default:
		err = fmt.Errorf("unknown command %q", cmd)
	}
	if err != nil {
		log.Fatalf("jobctl: %v", err)
	}
}

func usage() {
	out := flag.CommandLine.Output()
	_, _ = fmt.Fprintf(out, "Usage: jobctl [flags] list | unregister <job-id>...\n\nFlags:\n")
	flag.PrintDefaults()
}

func listJobs(ctx context.Context, store jobStore, w io.Writer) error {
	jobs, err := store.List(ctx)
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tREPEAT\tNEXT RUN\tMAX ATTEMPTS\tBACKOFF")
	for _, job := range jobs {
		def := job.Definition
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
			def.ID, describeRepeat(def.Repeat), describeNextRun(job.NextRun), def.Retry.MaxAttempts, def.Retry.Backoff)
	}
	return tw.Flush()
}

// unregisterJobs removes each schedule. Unknown ids are reported and skipped.
func unregisterJobs(ctx context.Context, store jobStore, ids []string, dryRun bool) error {
	if len(ids) == 0 {
		return errors.New("unregister needs at least one job id")
	}

	jobs, err := store.List(ctx)
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}
	known := make(map[string]bool, len(jobs))
	for _, job := range jobs {
		known[job.Definition.ID] = true
	}

	var errs []error
	for _, id := range ids {
		if !known[id] {
			errs = append(errs, fmt.Errorf("%w: %s", domain.ErrUnknownJob, id))
			continue
		}
		if dryRun {
			slog.Info("Would unregister job", "job_id", id)
			continue
		}
		if err := store.Remove(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", id, err))
			continue
		}
		slog.Info("Unregistered job", "job_id", id)
	}
	return errors.Join(errs...)
}

func describeRepeat(p domain.RepeatPolicy) string {
	switch {
	case p.Cron != "":
		return "cron " + p.Cron
	case p.Every > 0:
		return "every " + p.Every.String()
	default:
		return "once"
	}
}

func describeNextRun(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

// sanitizeURL hides the password of a Redis URL for logging.
func sanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "redis://invalid"
	}
	return u.Redacted()
}
