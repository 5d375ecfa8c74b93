package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/fieldsync/internal/metrics"
	"github.com/roach88/fieldsync/internal/syncer"
)

// AgentOptions holds flags for the agent command.
type AgentOptions struct {
	*RootOptions
	MetricsAddr string
	Interval    time.Duration

	// Ready, when set, receives the bound metrics address once the agent
	// is serving (for testing).
	Ready func(addr string)
}

// NewAgentCommand creates the agent command.
func NewAgentCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AgentOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Sync in the background until stopped",
		Long: `Run sync cycles on a schedule: every sync.interval after a success,
backing off exponentially after failures.

The agent serves Prometheus metrics on GET /metrics, its state on
GET /healthz and runs a cycle immediately on POST /sync (for example when
the device regains connectivity).

Example:
  fieldsync agent
  fieldsync agent --metrics-addr 127.0.0.1:9464 --interval 1m`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "listen address for /metrics (default metrics.addr; \"off\" disables)")
	cmd.Flags().DurationVar(&opts.Interval, "interval", 0, "time between successful cycles (default sync.interval)")
	return cmd
}

func runAgent(opts *AgentOptions, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)
	a, err := openApp(cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	c, err := a.coordinator(ctx, m)
	if err != nil {
		return formatter.Fault("failed to configure remote", err)
	}

	interval := opts.Interval
	if interval <= 0 {
		interval = a.cfg.Sync.Interval
	}
	s := syncer.NewScheduler(c, interval,
		syncer.WithBackoff(a.cfg.Sync.BackoffInitial, a.cfg.Sync.BackoffMax),
		syncer.WithSchedulerLogger(a.log),
		syncer.WithObserver(func(rep syncer.Report, next time.Duration) {
			if formatter.Format == "text" {
				formatter.StatusLine(fmt.Sprintf("%s (next in %s)", rep.Summary(), next.Round(time.Second)), rep.Err)
			}
		}))

	addr := opts.MetricsAddr
	if addr == "" {
		addr = a.cfg.Metrics.Addr
	}

	g, gctx := errgroup.WithContext(ctx)
	if addr != "off" && addr != "" {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to listen for metrics", err)
		}
		srv := &http.Server{Handler: agentHandler(m, c, s), ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
		a.log.Info("serving metrics", zap.String("addr", ln.Addr().String()))
		if opts.Ready != nil {
			opts.Ready(ln.Addr().String())
		}
	}
	g.Go(func() error { return s.Run(gctx) })

	a.log.Info("agent started", zap.Duration("interval", interval), zap.String("source", a.cfg.Remote.Source))
	if err := g.Wait(); err != nil {
		return WrapExitError(ExitFailure, "agent error", err)
	}
	a.log.Info("agent stopped")
	return nil
}

// agentHandler serves the agent's HTTP surface.
func agentHandler(m *metrics.Metrics, c *syncer.Coordinator, s *syncer.Scheduler) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", m.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintln(w, c.State())
	})
	mux.HandleFunc("POST /sync", func(w http.ResponseWriter, r *http.Request) {
		s.Trigger()
		w.WriteHeader(http.StatusAccepted)
	})
	return mux
}
