// Command trainctl is the operator CLI for mergebot: it dumps persisted
// train state from the SQLite store and queries aggregated train metrics
// from Prometheus.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"mergebot/pkg/metrics"
	"mergebot/pkg/persistence"
	"mergebot/pkg/version"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]
	args := os.Args[2:]

	var err error
	switch command {
	case "dump":
		err = runDump(args)
	case "metrics":
		err = runMetrics(args)
	case "version":
		fmt.Printf("trainctl %s (commit %s, built %s)\n", version.Version, version.Commit, version.Date)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n\n", command)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`trainctl - mergebot operator tool

Usage:
  trainctl dump -db <path> [-repo <id>] [-branch <name>]
      Print persisted train records as JSON.

  trainctl metrics -prometheus <url> -branch <name>
      Print aggregated train metrics for a branch.

  trainctl version
      Print version information.`)
}

// runDump prints persisted train records, optionally filtered by repository
// ID and branch.
func runDump(args []string) error {
	flagSet := flag.NewFlagSet("dump", flag.ExitOnError)
	dbPath := flagSet.String("db", "mergebot.db", "Path to the mergebot SQLite database")
	repoID := flagSet.Int64("repo", 0, "Filter by repository ID (0 = all)")
	branch := flagSet.String("branch", "", "Filter by branch (empty = all)")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	db, err := persistence.InitializeDatabase(*dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	records, err := persistence.NewTrainStore(db).ListTrains(ctx)
	if err != nil {
		return err
	}

	matched := 0
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	for _, rec := range records {
		if *repoID != 0 && rec.RepositoryID != *repoID {
			continue
		}
		if *branch != "" && rec.Branch != *branch {
			continue
		}
		matched++

		out := map[string]interface{}{
			"repository_id": rec.RepositoryID,
			"branch":        rec.Branch,
			"updated_at":    rec.UpdatedAt.Format(time.RFC3339),
		}
		if rec.State != nil {
			out["state"] = rec.State
		} else {
			out["corrupt"] = true
		}
		if err := encoder.Encode(out); err != nil {
			return err
		}
	}

	if matched == 0 {
		fmt.Fprintln(os.Stderr, "no matching train records")
	}
	return nil
}

// runMetrics prints aggregated train metrics for one branch.
func runMetrics(args []string) error {
	flagSet := flag.NewFlagSet("metrics", flag.ExitOnError)
	promURL := flagSet.String("prometheus", "http://localhost:9090", "Prometheus base URL")
	branch := flagSet.String("branch", "main", "Train branch")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	svc, err := metrics.NewQueryService(*promURL)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	branchMetrics, err := svc.GetBranchMetrics(ctx, *branch)
	if err != nil {
		return fmt.Errorf("query metrics: %w", err)
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(branchMetrics)
}
