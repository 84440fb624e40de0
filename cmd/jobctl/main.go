// Command jobctl inspects and settles generation jobs directly in PostgreSQL.
// It is meant for operators when the API process is down; a running API
// resumes unfinished jobs on its own.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/champi-dev/aipics/internal/adapter/repo"
	"github.com/champi-dev/aipics/internal/domain"
	"github.com/champi-dev/aipics/internal/infra"
)

func main() {
	var (
		listFlag   bool
		failFlag   string
		reasonFlag string
		olderFlag  time.Duration
	)

	flag.BoolVar(&listFlag, "list", false, "list QUEUED and GENERATING jobs")
	flag.StringVar(&failFlag, "fail", "", "job ID to mark FAILED")
	flag.StringVar(&reasonFlag, "reason", "cancelled by operator", "failure reason recorded with -fail")
	flag.DurationVar(&olderFlag, "older-than", 0, "with -list, only show jobs created longer ago than this")
	flag.Parse()

	jobID := strings.TrimSpace(failFlag)
	if !listFlag && jobID == "" {
		exitWithError(errors.New("either -list or -fail must be provided"))
	}

	infra.LoadDotEnv()
	dbURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dbURL == "" {
		exitWithError(errors.New("DATABASE_URL is required"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		exitWithError(fmt.Errorf("failed to connect database: %w", err))
	}
	defer pool.Close()

	logger := infra.NewLogger("cli").With().Str("cmd", "jobctl").Logger()
	posts := repo.NewPostRepository(infra.NewSQLRunner(pool, logger))

	if jobID != "" {
		applied, err := posts.Finalize(ctx, jobID, domain.Finalization{
			Status: domain.JobStatusFailed,
			Cause:  domain.FailureCauseProvider,
			Reason: reasonFlag,
		})
		if err != nil {
			exitWithError(fmt.Errorf("failed to fail job %s: %w", jobID, err))
		}
		if !applied {
			fmt.Printf("Job %s is already terminal; nothing changed\n", jobID)
		} else {
			fmt.Printf("Job %s marked FAILED (%s)\n", jobID, reasonFlag)
		}
	}

	if listFlag {
		unfinished, err := posts.ListUnfinished(ctx)
		if err != nil {
			exitWithError(fmt.Errorf("failed to list jobs: %w", err))
		}
		cutoff := time.Now().Add(-olderFlag)
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tSTATUS\tPROVIDER\tAGE\tOWNER")
		for _, p := range unfinished {
			if olderFlag > 0 && p.CreatedAt.After(cutoff) {
				continue
			}
			age := time.Since(p.CreatedAt).Round(time.Second)
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", p.ID, p.Status, p.Provider, age, p.OwnerID)
		}
		_ = tw.Flush()
	}
}

func exitWithError(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
