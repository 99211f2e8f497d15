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

	"github.com/roach88/hyperdoc/internal/transport"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Listen string
	Peers  []string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a long-lived peer",
		Long: `Run a repo on the local database, accept websocket peers on the listen
address and dial every configured peer. Documents stored locally are
offered to peers that ask for them.

Examples:
  hyperdoc serve --listen 127.0.0.1:7420
  hyperdoc serve --peer ws://10.0.0.2:7420/sync --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "address to accept peers on (overrides config)")
	cmd.Flags().StringSliceVar(&opts.Peers, "peer", nil, "websocket URL of a peer to dial (repeatable, overrides config)")

	return cmd
}

func serve(opts *ServeOptions, cmd *cobra.Command) error {
	overrides := map[string]any{}
	if opts.Listen != "" {
		overrides["listen"] = opts.Listen
	}
	if len(opts.Peers) > 0 {
		overrides["peers"] = opts.Peers
	}
	cfg, err := loadConfig(opts.RootOptions, overrides)
	if err != nil {
		return err
	}
	if cfg.Listen == "" && len(cfg.Peers) == 0 {
		return NewExitError(ExitCommandError, "nothing to serve: set listen or peers")
	}

	n, err := startNode(cmd, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := n.close(); closeErr != nil {
			n.logger.Error("error during shutdown", "error", closeErr)
		}
	}()

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			n.logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	if st, err := n.store.Stats(ctx); err != nil {
		n.logger.Warn("database stats", "error", err)
	} else {
		n.logger.Info("database ready", "path", cfg.Database,
			"documents", st.Documents, "actors", st.Actors, "writable", st.Writable, "records", st.Records)
	}

	settings := transport.DefaultWebSocketSettings()
	settings.Logger = n.logger

	serveErr := make(chan error, 1)
	var srv *http.Server
	if cfg.Listen != "" {
		ln, err := net.Listen("tcp", cfg.Listen)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to listen", err)
		}
		mux := http.NewServeMux()
		mux.Handle("/sync", transport.NewHandler(n.repo.ID(), settings, func(s transport.Session) {
			n.logger.Info("peer connected", "peer", s.RemoteID(), "direction", "inbound")
			if err := n.repo.AddPeer(s); err != nil {
				n.logger.Warn("peer rejected", "peer", s.RemoteID(), "error", err)
			}
		}))
		srv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() { serveErr <- srv.Serve(ln) }()

		n.logger.Info("listening", "addr", ln.Addr().String())
		fmt.Fprintf(cmd.OutOrStdout(), "Listening on ws://%s/sync as %s\n", ln.Addr(), n.repo.ID())
	}

	for _, peerURL := range cfg.Peers {
		go dialPeer(ctx, n, peerURL, settings)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl-C to stop.")

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = WrapExitError(ExitFailure, "server error", err)
		}
	}

	if srv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			n.logger.Warn("server shutdown", "error", err)
		}
	}
	n.logger.Info("serve stopped")
	return runErr
}

// Redial delays start at dialBackoffMin and double up to dialBackoffMax.
const (
	dialBackoffMin = 500 * time.Millisecond
	dialBackoffMax = 30 * time.Second
)

func nextDialBackoff(d time.Duration) time.Duration {
	return min(max(d*2, dialBackoffMin), dialBackoffMax)
}

// dialPeer connects to peerURL, retrying with backoff until it succeeds or
// ctx ends.
func dialPeer(ctx context.Context, n *node, peerURL string, settings transport.WebSocketSettings) {
	backoff := dialBackoffMin
	for {
		s, err := transport.Dial(ctx, peerURL, n.repo.ID(), settings)
		if err == nil {
			n.logger.Info("peer connected", "peer", s.RemoteID(), "url", peerURL, "direction", "outbound")
			if err := n.repo.AddPeer(s); err != nil {
				n.logger.Warn("peer rejected", "url", peerURL, "error", err)
			}
			return
		}
		n.logger.Warn("dial failed", "url", peerURL, "error", err, "retry_in", backoff)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = nextDialBackoff(backoff)
	}
}
