package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/hyperdoc/internal/config"
	"github.com/roach88/hyperdoc/internal/ir"
	"github.com/roach88/hyperdoc/internal/logging"
	"github.com/roach88/hyperdoc/internal/repo"
	"github.com/roach88/hyperdoc/internal/store"
)

// operationTimeout bounds one-shot document commands.
const operationTimeout = 30 * time.Second

// node is a running repo backed by the configured SQLite database.
type node struct {
	cfg    *config.Config
	logger *slog.Logger
	repo   *repo.Repo
	store  *store.Store

	logCloser io.Closer
	cancel    context.CancelFunc
	done      chan error
}

// loadConfig layers the config file, HYPERDOC_* environment and flags.
func loadConfig(opts *RootOptions, overrides map[string]any) (*config.Config, error) {
	if overrides == nil {
		overrides = map[string]any{}
	}
	if opts.Database != "" {
		overrides["database"] = opts.Database
	}
	if opts.Verbose {
		overrides["log.level"] = "debug"
	}
	cfg, err := config.Load(opts.ConfigFile, overrides)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	return cfg, nil
}

// startNode opens the database and starts a repo on it. Logs go to the
// command's stderr unless the config names a log file.
func startNode(cmd *cobra.Command, cfg *config.Config) (*node, error) {
	logger, logCloser, err := logging.New(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to configure logging", err)
	}

	if dir := filepath.Dir(cfg.Database); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			logCloser.Close()
			return nil, WrapExitError(ExitCommandError, "failed to create data directory", err)
		}
	}
	logger.Debug("opening database", "path", cfg.Database)
	st, err := store.Open(cfg.Database)
	if err != nil {
		logCloser.Close()
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}

	r := repo.New(repo.Options{
		Feeds:                  st,
		Metadata:               st,
		HeartbeatInterval:      cfg.HeartbeatInterval,
		HeartbeatTimeoutFactor: cfg.HeartbeatTimeoutFactor,
		Logger:                 logger,
	})

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	n := &node{
		cfg:       cfg,
		logger:    logger,
		repo:      r,
		store:     st,
		logCloser: logCloser,
		cancel:    cancel,
		done:      make(chan error, 1),
	}
	go func() { n.done <- r.Run(ctx) }()
	return n, nil
}

// close stops the repo, waits for its loop to exit and then releases the
// database and log file.
func (n *node) close() error {
	n.repo.Stop()
	runErr := <-n.done
	n.cancel()

	var errs []error
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		errs = append(errs, fmt.Errorf("repo: %w", runErr))
	}
	if err := n.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close database: %w", err))
	}
	if err := n.logCloser.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close log: %w", err))
	}
	return errors.Join(errs...)
}

// withNode runs fn against a freshly started node and always closes it.
func withNode(cmd *cobra.Command, opts *RootOptions, fn func(ctx context.Context, n *node) error) error {
	cfg, err := loadConfig(opts, nil)
	if err != nil {
		return err
	}
	n, err := startNode(cmd, cfg)
	if err != nil {
		return err
	}

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, operationTimeout)
	defer cancel()
	runErr := fn(ctx, n)
	if closeErr := n.close(); closeErr != nil && runErr == nil {
		runErr = WrapExitError(ExitFailure, "shutdown failed", closeErr)
	}
	return runErr
}

func formatterFor(cmd *cobra.Command, opts *RootOptions) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}

// docArg validates a document URL or id argument.
func docArg(arg string) (string, error) {
	docID, err := ir.ParseDocURL(arg)
	if err != nil {
		return "", WrapExitError(ExitCommandError, "invalid document", err)
	}
	return docID, nil
}
