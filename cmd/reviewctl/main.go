package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/narrativekit/review/internal/config"
	"github.com/narrativekit/review/internal/db"
	"github.com/narrativekit/review/internal/domain"
	"github.com/narrativekit/review/internal/export"
	"github.com/narrativekit/review/internal/history"
	"github.com/narrativekit/review/internal/repository"
)

var (
	flagConfigPath   string
	flagProjectID    int64
	flagLimit        int
	flagUndoableOnly bool
	flagFormat       string
	flagExportDir    string
)

// app holds the wired-up services for one command invocation.
type app struct {
	conn    *db.Connection
	manager *history.Manager
	cfg     config.Config
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(flagConfigPath)
	if err != nil {
		return nil, err
	}
	if err := db.RunMigrations(cfg.Database); err != nil {
		return nil, err
	}
	conn, err := db.NewConnection(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	store := repository.NewStore(conn.Pool)
	manager := history.NewManager(flagProjectID, store, store, store)
	return &app{conn: conn, manager: manager, cfg: cfg}, nil
}

func (a *app) close() {
	a.conn.Close()
}

// withApp wires the services, runs fn, and renders undo refusals as exit
// messages rather than stack noise.
func withApp(fn func(ctx context.Context, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		err = fn(ctx, a, args)
		var reqErr *history.RequestError
		if errors.As(err, &reqErr) {
			printRefusal(reqErr)
			os.Exit(1)
		}
		return err
	}
}

func printRefusal(reqErr *history.RequestError) {
	fmt.Fprintf(os.Stderr, "cannot undo: %v\n", reqErr)
	for _, blocker := range reqErr.Blockers {
		fmt.Fprintf(os.Stderr, "  blocked by entry %d (%s on %s:%d)\n",
			blocker.ID, blocker.ActionKind, blocker.TargetType, blocker.TargetID)
	}
}

func main() {
	rootCmd := &cobra.Command{
		Use:           "reviewctl",
		Short:         "Inspect and undo manuscript review actions",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVar(&flagConfigPath, "config", ".", "directory containing config.yaml")
	rootCmd.PersistentFlags().Int64Var(&flagProjectID, "project", 0, "project id (required)")
	_ = rootCmd.MarkPersistentFlagRequired("project")

	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "List the project's review timeline, newest first",
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			entries, err := a.manager.List(ctx, domain.HistoryFilter{UndoableOnly: flagUndoableOnly}, flagLimit, 0)
			if err != nil {
				return err
			}
			for _, entry := range entries {
				printEntry(entry)
			}
			return nil
		}),
	}
	historyCmd.Flags().IntVar(&flagLimit, "limit", 50, "maximum entries to show")
	historyCmd.Flags().BoolVar(&flagUndoableOnly, "undoable", false, "only show entries that can be undone")

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarize the ledger by action kind",
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			stats, err := a.manager.Stats(ctx)
			if err != nil {
				return err
			}
			undoable, err := a.manager.UndoableCount(ctx)
			if err != nil {
				return err
			}
			kinds := make([]string, 0, len(stats.ByKind))
			for kind := range stats.ByKind {
				kinds = append(kinds, string(kind))
			}
			sort.Strings(kinds)
			for _, kind := range kinds {
				fmt.Printf("%-24s %d\n", kind, stats.ByKind[domain.ActionKind(kind)])
			}
			fmt.Printf("%-24s %d\n", "total", stats.Total)
			fmt.Printf("%-24s %d\n", "undoable", undoable)
			return nil
		}),
	}

	undoCmd := &cobra.Command{
		Use:   "undo <entry-id>",
		Short: "Reverse one history entry",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			entryID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid entry id %q", args[0])
			}
			result, err := a.manager.Undo(ctx, entryID)
			if err != nil {
				return err
			}
			fmt.Printf("undone entry %d (reversal entry %d)\n", result.EntryID, result.ReversalEntryID)
			return nil
		}),
	}

	undoLastCmd := &cobra.Command{
		Use:   "undo-last",
		Short: "Reverse the most recent undoable entry",
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			result, err := a.manager.UndoLast(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("undone entry %d (reversal entry %d)\n", result.EntryID, result.ReversalEntryID)
			return nil
		}),
	}

	undoBatchCmd := &cobra.Command{
		Use:   "undo-batch <batch-id>",
		Short: "Reverse every entry in a batch, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			result, err := a.manager.UndoBatch(ctx, args[0])
			for _, id := range result.UndoneEntryIDs {
				fmt.Printf("undone entry %d\n", id)
			}
			if err != nil {
				return err
			}
			fmt.Printf("batch %s fully undone (%d entries)\n", result.BatchID, len(result.UndoneEntryIDs))
			return nil
		}),
	}

	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Write the project's timeline to a CSV or XLSX file",
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			dir := a.cfg.ExportDir
			if flagExportDir != "" {
				dir = flagExportDir
			}
			svc := export.NewService(a.manager, export.WithExportDirectory(dir))
			result, err := svc.ExportTimeline(ctx, export.Request{
				ProjectID:    flagProjectID,
				Format:       export.Format(flagFormat),
				UndoableOnly: flagUndoableOnly,
			})
			if err != nil {
				return err
			}
			fmt.Printf("wrote %d entries to %s\n", result.Rows, result.Path)
			return nil
		}),
	}
	exportCmd.Flags().StringVar(&flagFormat, "format", "csv", "output format: csv or xlsx")
	exportCmd.Flags().StringVar(&flagExportDir, "dir", "", "output directory (defaults to config export.dir)")
	exportCmd.Flags().BoolVar(&flagUndoableOnly, "undoable", false, "only export entries that can be undone")

	rootCmd.AddCommand(historyCmd, statsCmd, undoCmd, undoLastCmd, undoBatchCmd, exportCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("reviewctl: %v", err)
	}
}

func printEntry(entry domain.HistoryEntry) {
	status := " "
	if entry.IsReversed() {
		status = "R"
	}
	target := ""
	if entry.TargetType != "" {
		target = fmt.Sprintf(" %s:%d", entry.TargetType, entry.TargetID)
	}
	note := entry.Note
	if note != "" {
		note = "  " + note
	}
	fmt.Printf("%6d %s %-22s%s  %s%s\n",
		entry.ID, status, entry.ActionKind, target,
		entry.CreatedAt.Local().Format("2006-01-02 15:04"), note)
}
