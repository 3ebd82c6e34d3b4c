package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/tuplespace/internal/space"
)

// VerifyOptions holds flags for the verify command.
type VerifyOptions struct {
	*RootOptions
	DataPath string
}

// VerifyResult reports a successful replay.
type VerifyResult struct {
	DataPath string              `json:"data_path"`
	LastSeq  int64               `json:"last_seq"`
	Recovery space.RecoveryStats `json:"recovery"`
}

// WriteText implements textWriter.
func (r VerifyResult) WriteText(w io.Writer) {
	fmt.Fprintf(w, "✓ %s replays cleanly\n", r.DataPath)
	fmt.Fprintf(w, "  snapshot at %d, %d records replayed up to %d\n", r.Recovery.SnapshotSeq, r.Recovery.Records, r.LastSeq)
	fmt.Fprintf(w, "  %d entries, %d registrations, %d pending transactions, %d expired during downtime\n",
		r.Recovery.Entries, r.Recovery.Registrations, r.Recovery.PendingTxns, r.Recovery.Expired)
}

// NewVerifyCommand creates the verify command.
func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &VerifyOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check that a recovery log replays",
		Long: `Replay a copy of the recovery log into a scratch space, exactly as the
server does at startup, and report what was recovered or the first record
that cannot be replayed.

Exit codes:
  0 - The log replays
  1 - The log is corrupt
  2 - Command error (database not found, bad config)

Examples:
  tuplespace verify --data ./space.db
  tuplespace verify --config ./tuplespace.yaml --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.DataPath, "data", "", "path to the SQLite recovery log (overrides config)")

	return cmd
}

func runVerify(opts *VerifyOptions, cmd *cobra.Command) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	if opts.DataPath != "" {
		cfg.DataPath = opts.DataPath
	}
	out := opts.formatter(cmd)

	sc, err := openScratch(cmd.Context(), cfg, opts.logger(cmd.ErrOrStderr(), cfg))
	if err != nil {
		var se *space.Error
		if errors.As(err, &se) && se.Code == space.ErrCodeRecoveryCorruption {
			if ferr := out.Error(ErrorCode(err), se.Error(), se.Details); ferr != nil {
				return ferr
			}
		}
		return exitForRecovery(err)
	}
	defer sc.Close()

	return out.Success(VerifyResult{
		DataPath: cfg.DataPath,
		LastSeq:  sc.lastSeq,
		Recovery: sc.space.Recovered(),
	})
}
