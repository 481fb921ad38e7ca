package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/bdougie/formcheck/internal/pipeline"
	"github.com/bdougie/formcheck/internal/queue"
	"github.com/bdougie/formcheck/internal/storage"
)

var (
	headerColor = color.New(color.FgCyan, color.Bold)
	goodColor   = color.New(color.FgGreen)
	warnColor   = color.New(color.FgYellow)
	badColor    = color.New(color.FgRed)
	labelColor  = color.New(color.Bold)
)

var statusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show the state of a job and its result",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		jobID := args[0]

		rc, err := connectRedis(ctx)
		if err != nil {
			return err
		}
		defer rc.Close()

		st, err := queue.NewRedisStatusStore(rc.Client(), cfg.Redis.StatusTTL).Get(ctx, jobID)
		if errors.Is(err, queue.ErrJobNotFound) && cfg.HasDatabase() {
			st, err = storedStatus(ctx, jobID)
		}
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		headerColor.Fprintf(w, "JOB %s\n", jobID)
		printStatus(w, st)
		w.Flush()

		if st.State != queue.StateCompleted {
			return nil
		}
		db, err := openStores(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		var result *pipeline.Result
		switch {
		case db.postgres != nil:
			result, err = db.postgres.GetResult(ctx, jobID)
		default:
			var rec *storage.Record
			rec, err = db.files.GetRecord(jobID)
			if err == nil {
				result = rec.Result
			}
		}
		if errors.Is(err, storage.ErrNotFound) {
			warnColor.Println("\nresult not stored on this host")
			return nil
		}
		if err != nil {
			return err
		}

		fmt.Println()
		w = tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		printResult(w, result)
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

// storedStatus rebuilds a status from the database once the Redis record
// has expired.
func storedStatus(ctx context.Context, jobID string) (queue.Status, error) {
	pg, err := requirePostgres(ctx)
	if err != nil {
		return queue.Status{}, err
	}
	defer pg.Close()

	state, msg, err := pg.JobStatus(ctx, jobID)
	if errors.Is(err, storage.ErrNotFound) {
		return queue.Status{}, fmt.Errorf("job %s: %w", jobID, queue.ErrJobNotFound)
	}
	if err != nil {
		return queue.Status{}, err
	}
	st := queue.Status{JobID: jobID, State: state, Error: msg}
	if state == queue.StateCompleted {
		st.Progress = 100
	}
	return st, nil
}

func stateColor(state string) *color.Color {
	switch state {
	case queue.StateCompleted:
		return goodColor
	case queue.StateFailed:
		return badColor
	default:
		return warnColor
	}
}

func printStatus(w io.Writer, st queue.Status) {
	fmt.Fprintf(w, "%s\t%s\n", labelColor.Sprint("State:"), stateColor(st.State).Sprint(st.State))
	fmt.Fprintf(w, "%s\t%d%%\t%s\n", labelColor.Sprint("Progress:"), st.Progress, st.Stage)
	fmt.Fprintf(w, "%s\t%d\n", labelColor.Sprint("Attempts:"), st.Attempts)
	if st.CacheHit {
		fmt.Fprintf(w, "%s\t%s\n", labelColor.Sprint("Cache:"), goodColor.Sprint("hit"))
	}
	if st.Error != "" {
		fmt.Fprintf(w, "%s\t%s\n", labelColor.Sprint("Error:"), badColor.Sprint(st.Error))
	}
	if !st.UpdatedAt.IsZero() {
		fmt.Fprintf(w, "%s\t%s\n", labelColor.Sprint("Updated:"), st.UpdatedAt.Local().Format(time.DateTime))
	}
}

func printResult(w io.Writer, r *pipeline.Result) {
	scoreColor := goodColor
	switch {
	case r.Score < 5:
		scoreColor = badColor
	case r.Score < 7:
		scoreColor = warnColor
	}
	headerColor.Fprintln(w, "RESULT")
	fmt.Fprintf(w, "%s\t%s (%s)\n", labelColor.Sprint("Score:"), scoreColor.Sprintf("%.1f/10", r.Score), r.Classification)
	fmt.Fprintf(w, "%s\t%.0f%%\n", labelColor.Sprint("Similarity:"), r.Similarity*100)
	for _, d := range r.Deviations {
		fmt.Fprintf(w, "  %s\t%s\t%.0f%% of frames\n", d.Type, d.Severity, d.Percentage)
	}
	if r.Deep != nil {
		fmt.Fprintf(w, "%s\t%s, %d sources\n", labelColor.Sprint("Deep analysis:"), r.Deep.Model, len(r.Deep.Sources))
	} else {
		fmt.Fprintf(w, "%s\tskipped (%s)\n", labelColor.Sprint("Deep analysis:"), r.Decision.Reason)
	}
	if len(r.Protocols) > 0 {
		names := make([]string, len(r.Protocols))
		for i, p := range r.Protocols {
			names[i] = p.Name
		}
		fmt.Fprintf(w, "%s\t%s\n", labelColor.Sprint("Protocols:"), strings.Join(names, ", "))
	}
	if len(r.Fallbacks) > 0 {
		fmt.Fprintf(w, "%s\t%s\n", labelColor.Sprint("Fallbacks:"), warnColor.Sprint(strings.Join(r.Fallbacks, ", ")))
	}
}
