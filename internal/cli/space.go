package cli

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/roach88/tuplespace/internal/config"
	"github.com/roach88/tuplespace/internal/schema"
	"github.com/roach88/tuplespace/internal/space"
	"github.com/roach88/tuplespace/internal/store"
	"github.com/roach88/tuplespace/internal/tuple"
)

// loadTypes builds the entry-type registry from the configured CUE schema
// directory. Types declared there are not logged, so every command that
// replays the log loads them first.
func loadTypes(cfg *config.Config) (*tuple.Registry, error) {
	reg := tuple.NewRegistry()
	if cfg.Schemas == "" {
		return reg, nil
	}
	schemas, err := schema.LoadDir(cfg.Schemas)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load schemas", err)
	}
	if err := schema.Register(reg, schemas); err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to register schemas", err)
	}
	return reg, nil
}

// scratch is a space recovered from a private copy of a recovery log.
// Recovery appends expiration records, so commands that only look at a
// log never replay the original.
type scratch struct {
	space *space.Space
	log   *store.Store
	dir   string

	// lastSeq and records describe the log as copied, before replay.
	lastSeq int64
	records map[store.Kind]int64
}

func openScratch(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*scratch, error) {
	if cfg.DataPath == "" {
		return nil, NewExitError(ExitCommandError, "no data path configured")
	}
	if _, err := os.Stat(cfg.DataPath); errors.Is(err, fs.ErrNotExist) {
		return nil, NewExitError(ExitCommandError, fmt.Sprintf("database not found: %s", cfg.DataPath))
	}
	types, err := loadTypes(cfg)
	if err != nil {
		return nil, err
	}

	src, err := store.Open(cfg.DataPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	dir, err := os.MkdirTemp("", "tuplespace-scratch-")
	if err != nil {
		src.Close()
		return nil, err
	}
	copyPath := filepath.Join(dir, "scratch.db")
	err = src.Backup(ctx, copyPath)
	src.Close()
	if err != nil {
		os.RemoveAll(dir)
		return nil, WrapExitError(ExitCommandError, "failed to copy database", err)
	}

	st, err := store.Open(copyPath)
	if err != nil {
		os.RemoveAll(dir)
		return nil, WrapExitError(ExitCommandError, "failed to open database copy", err)
	}
	logger.Debug("replaying copy of recovery log", "source", cfg.DataPath, "copy", st.Path())
	sc := &scratch{log: st, dir: dir}
	if sc.lastSeq, err = st.LastSeq(ctx); err == nil {
		sc.records, err = st.CountByKind(ctx)
	}
	if err != nil {
		st.Close()
		os.RemoveAll(dir)
		return nil, WrapExitError(ExitCommandError, "failed to read database copy", err)
	}

	sc.space, err = space.Open(ctx,
		space.WithLog(st),
		space.WithTypes(types),
		space.WithLeasePolicy(cfg.LeasePolicy()),
		space.WithLogger(logger),
	)
	if err != nil {
		st.Close()
		os.RemoveAll(dir)
		return nil, err
	}
	return sc, nil
}

func (s *scratch) Close() error {
	err := errors.Join(s.space.Close(), s.log.Close())
	if rerr := os.RemoveAll(s.dir); rerr != nil {
		err = errors.Join(err, rerr)
	}
	return err
}
