package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/tuplespace/internal/space"
	"github.com/roach88/tuplespace/internal/store"
)

// SnapshotOptions holds flags for the snapshot command.
type SnapshotOptions struct {
	*RootOptions
	DataPath string
}

// SnapshotResult reports a saved snapshot.
type SnapshotResult struct {
	DataPath string `json:"data_path"`
	LogSeq   int64  `json:"log_seq"`
	Entries  int    `json:"entries"`
	Records  int64  `json:"records_remaining"`
}

// WriteText implements textWriter.
func (r SnapshotResult) WriteText(w io.Writer) {
	fmt.Fprintf(w, "Snapshot of %s saved at log seq %d (%d entries, %d records remain)\n",
		r.DataPath, r.LogSeq, r.Entries, r.Records)
}

// NewSnapshotCommand creates the snapshot command.
func NewSnapshotCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SnapshotOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Compact an offline recovery log",
		Long: `Replay the recovery log, save a snapshot of the recovered space and
truncate the records it covers. Run it only while no server uses the log;
a running server takes its own snapshots.

Examples:
  tuplespace snapshot --data ./space.db`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSnapshot(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.DataPath, "data", "", "path to the SQLite recovery log (overrides config)")

	return cmd
}

func runSnapshot(opts *SnapshotOptions, cmd *cobra.Command) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	if opts.DataPath != "" {
		cfg.DataPath = opts.DataPath
	}
	if cfg.DataPath == "" {
		return NewExitError(ExitCommandError, "no data path configured")
	}
	ctx := cmd.Context()
	logger := opts.logger(cmd.ErrOrStderr(), cfg)

	types, err := loadTypes(cfg)
	if err != nil {
		return err
	}
	st, err := store.Open(cfg.DataPath, store.WithSyncDurability(cfg.Recovery.SyncDurability))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	sp, err := space.Open(ctx,
		space.WithLog(st),
		space.WithTypes(types),
		space.WithLeasePolicy(cfg.LeasePolicy()),
		space.WithLogger(logger),
	)
	if err != nil {
		return exitForRecovery(err)
	}
	defer sp.Close()

	seq, err := sp.Snapshot(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "snapshot failed", err)
	}
	remaining, err := st.CountRecords(ctx, seq)
	if err != nil {
		return err
	}
	return opts.formatter(cmd).Success(SnapshotResult{
		DataPath: cfg.DataPath,
		LogSeq:   seq,
		Entries:  sp.Stats().Entries,
		Records:  remaining,
	})
}
