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

	"github.com/spf13/cobra"

	"github.com/roach88/meshsync/internal/target"
)

// FakeTargetOptions holds flags for the fake-target command.
type FakeTargetOptions struct {
	*RootOptions
	Listen string

	// Ready receives the bound address once the server listens (for testing).
	Ready chan<- string
}

// NewFakeTargetCommand creates the fake-target command.
func NewFakeTargetCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &FakeTargetOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "fake-target",
		Short: "Serve an in-memory target repository over HTTP",
		Long: `Serve an in-memory repository with the target's REST API, for local
end-to-end runs. State lives only as long as the process.

Point target.url at http://<listen> to use it; routes live under ` + target.APIPrefix + `.

Examples:
  meshsync fake-target --listen :8080`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFakeTarget(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "127.0.0.1:8080", "address to listen on")

	return cmd
}

func runFakeTarget(opts *FakeTargetOptions, cmd *cobra.Command) error {
	repo := opts.Repository
	if repo == nil {
		repo = target.NewMemory()
	}

	ln, err := net.Listen("tcp", opts.Listen)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}
	srv := &http.Server{
		Handler:           target.NewServer(repo),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()

	addr := ln.Addr().String()
	slog.Info("fake target listening", "addr", addr)
	fmt.Fprintf(cmd.OutOrStdout(), "Fake target listening on http://%s\n", addr)
	if opts.Ready != nil {
		opts.Ready <- addr
	}

	select {
	case err := <-errc:
		return WrapExitError(ExitFailure, "server error", err)
	case <-ctx.Done():
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return WrapExitError(ExitFailure, "shutdown failed", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return WrapExitError(ExitFailure, "server error", err)
	}
	slog.Info("fake target stopped")
	return nil
}
