package cli

import (
	"fmt"
	"io"
	"maps"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/tuplespace/internal/space"
	"github.com/roach88/tuplespace/internal/tuple"
	"github.com/roach88/tuplespace/internal/txn"
)

// InspectOptions holds flags for the inspect command.
type InspectOptions struct {
	*RootOptions
	DataPath string
	Type     string
	Limit    int
}

// InspectResult describes what a recovery log holds.
type InspectResult struct {
	DataPath    string           `json:"data_path"`
	LastSeq     int64            `json:"last_seq"`
	SnapshotSeq int64            `json:"snapshot_seq"`
	Records     map[string]int64 `json:"records"`
	Stats       space.Stats      `json:"stats"`
	Types       []tuple.Schema   `json:"types"`
	Entries     []space.Match    `json:"entries,omitempty"`
}

// WriteText implements textWriter.
func (r InspectResult) WriteText(w io.Writer) {
	fmt.Fprintf(w, "Log:           %s (last seq %d, snapshot at %d)\n", r.DataPath, r.LastSeq, r.SnapshotSeq)
	for _, kind := range slices.Sorted(maps.Keys(r.Records)) {
		fmt.Fprintf(w, "  %-10s %d records\n", kind, r.Records[kind])
	}
	fmt.Fprintf(w, "Entries:       %d\n", r.Stats.Entries)
	for _, name := range slices.Sorted(maps.Keys(r.Stats.EntriesByType)) {
		fmt.Fprintf(w, "  %-10s %d\n", name, r.Stats.EntriesByType[name])
	}
	fmt.Fprintf(w, "Registrations: %d\n", r.Stats.Registrations)
	fmt.Fprintf(w, "Pending txns:  %d\n", r.Stats.PendingTransactions)
	fmt.Fprintf(w, "Types:         %d\n", len(r.Types))
	for _, m := range r.Entries {
		fmt.Fprintf(w, "  %s %s\n", m.Cookie, m.Entry)
	}
}

// NewInspectCommand creates the inspect command.
func NewInspectCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InspectOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Summarize what a recovery log holds",
		Long: `Replay a copy of the recovery log and report the space it describes:
record counts, entries per type, registrations and pending transactions.
With --type, list the committed entries of that type.

The log itself is not modified, so inspect is safe against a running server.

Examples:
  tuplespace inspect --data ./space.db
  tuplespace inspect --data ./space.db --type Task --limit 20 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.DataPath, "data", "", "path to the SQLite recovery log (overrides config)")
	cmd.Flags().StringVar(&opts.Type, "type", "", "list entries of this type")
	cmd.Flags().IntVar(&opts.Limit, "limit", 100, "maximum entries to list")

	return cmd
}

func runInspect(opts *InspectOptions, cmd *cobra.Command) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	if opts.DataPath != "" {
		cfg.DataPath = opts.DataPath
	}
	ctx := cmd.Context()
	logger := opts.logger(cmd.ErrOrStderr(), cfg)

	sc, err := openScratch(ctx, cfg, logger)
	if err != nil {
		return exitForRecovery(err)
	}
	defer sc.Close()

	result := InspectResult{
		DataPath:    cfg.DataPath,
		LastSeq:     sc.lastSeq,
		SnapshotSeq: sc.space.Recovered().SnapshotSeq,
		Records:     make(map[string]int64, len(sc.records)),
		Stats:       sc.space.Stats(),
		Types:       sc.space.Types().Schemas(),
	}
	for kind, n := range sc.records {
		result.Records[string(kind)] = n
	}

	if opts.Type != "" {
		result.Entries, err = sc.space.Contents(ctx, tuple.Template{Type: opts.Type}, txn.None, opts.Limit)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to list entries", err)
		}
	}

	return opts.formatter(cmd).Success(result)
}

// exitForRecovery maps a corrupt log to ExitFailure; other errors keep
// their exit code.
func exitForRecovery(err error) error {
	if space.IsRecoveryCorruptionError(err) {
		return WrapExitError(ExitFailure, "recovery log cannot be replayed", err)
	}
	return err
}
