package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/tuplespace/internal/config"
	"github.com/roach88/tuplespace/internal/httpapi"
	"github.com/roach88/tuplespace/internal/metrics"
	"github.com/roach88/tuplespace/internal/notify"
	"github.com/roach88/tuplespace/internal/space"
	"github.com/roach88/tuplespace/internal/store"
)

// shutdownTimeout bounds how long in-flight requests may run after a
// shutdown signal.
const shutdownTimeout = 10 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Listen   string
	DataPath string
	Schemas  string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the space server",
		Long: `Run the tuple space behind its HTTP transport.

The recovery log is replayed before the listener opens; a log that cannot
be replayed stops the server. SIGINT or SIGTERM shut it down gracefully.

Examples:
  tuplespace serve
  tuplespace serve --config ./tuplespace.yaml
  tuplespace serve --listen :7420 --data ./space.db --schemas ./schemas --log-format tint`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "HTTP listen address (overrides config)")
	cmd.Flags().StringVar(&opts.DataPath, "data", "", "path to the SQLite recovery log (overrides config)")
	cmd.Flags().StringVar(&opts.Schemas, "schemas", "", "directory of CUE entry-type schemas (overrides config)")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	if opts.Listen != "" {
		cfg.Listen = opts.Listen
	}
	if opts.DataPath != "" {
		cfg.DataPath = opts.DataPath
	}
	if opts.Schemas != "" {
		cfg.Schemas = opts.Schemas
	}
	if err := cfg.Validate(); err != nil {
		return WrapExitError(ExitCommandError, "invalid config", err)
	}

	logger := opts.logger(cmd.ErrOrStderr(), cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := NewService(ctx, cfg, logger)
	if err != nil {
		if space.IsRecoveryCorruptionError(err) {
			return WrapExitError(ExitFailure, "recovery failed", err)
		}
		return err
	}

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		svc.Close()
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Serving on http://%s\n", ln.Addr())

	return svc.Serve(ctx, ln)
}

// Service is a running space with its recovery log, metrics and HTTP
// transport.
type Service struct {
	Space    *space.Space
	Registry *prometheus.Registry

	log     *store.Store
	handler http.Handler
	logger  *slog.Logger
}

// NewService opens the recovery log, replays it into a space and starts
// the space's workers.
func NewService(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Service, error) {
	types, err := loadTypes(cfg)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	svc := &Service{Registry: reg, logger: logger}
	opts := []space.Option{
		space.WithTypes(types),
		space.WithNotifier(notify.NewHTTPNotifier(cfg.HTTPNotifier(), logger)),
		space.WithLeasePolicy(cfg.LeasePolicy()),
		space.WithConfig(cfg.Space()),
		space.WithLogger(logger),
		space.WithMetrics(metrics.New(reg)),
	}
	if cfg.DataPath != "" {
		st, err := store.Open(cfg.DataPath, store.WithSyncDurability(cfg.Recovery.SyncDurability))
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to open database", err)
		}
		svc.log = st
		opts = append(opts, space.WithLog(st))
	} else {
		logger.Warn("no data path configured; the space will not survive a restart")
	}

	sp, err := space.Open(ctx, opts...)
	if err != nil {
		svc.closeLog()
		return nil, err
	}
	if err := sp.Start(ctx); err != nil {
		sp.Close()
		svc.closeLog()
		return nil, err
	}
	svc.Space = sp
	svc.handler = httpapi.New(sp,
		httpapi.WithLogger(logger),
		httpapi.WithGatherer(reg),
	)
	return svc, nil
}

// Handler returns the HTTP transport.
func (s *Service) Handler() http.Handler {
	return s.handler
}

// Serve answers requests on ln until ctx is cancelled, then shuts down the
// listener, the space and the log, in that order.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("http listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	var result *multierror.Error
	if err := g.Wait(); err != nil {
		result = multierror.Append(result, fmt.Errorf("http: %w", err))
	}
	if err := s.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// Close stops the space and closes the log.
func (s *Service) Close() error {
	var result *multierror.Error
	if s.Space != nil {
		if err := s.Space.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("space: %w", err))
		}
	}
	if err := s.closeLog(); err != nil {
		result = multierror.Append(result, fmt.Errorf("log: %w", err))
	}
	return result.ErrorOrNil()
}

func (s *Service) closeLog() error {
	if s.log == nil {
		return nil
	}
	err := s.log.Close()
	s.log = nil
	return err
}
