package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/opendap/dmrpatch/internal/patch/engine"
)

// signalCancelContext returns a context cancelled by SIGINT or SIGTERM. The
// cause names the signal so collaborator failures report why they stopped.
func signalCancelContext() (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(context.Background())
	sigCh := make(chan os.Signal, 1)
	stopCh := make(chan struct{})
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for {
			select {
			case sig := <-sigCh:
				cancel(fmt.Errorf("stopped by signal %s", sig.String()))
			case <-stopCh:
				return
			}
		}
	}()
	cleanup := func() {
		signal.Stop(sigCh)
		close(stopCh)
		cancel(nil)
	}
	return ctx, cleanup
}

func main() {
	ctx, cleanup := signalCancelContext()
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	cleanup()
	os.Exit(code)
}

// run executes the command line and returns the process exit code. Every
// fatal error becomes one diagnostic line on stderr.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(stderr, engine.Diagnostic(err))
		return 1
	}
	return 0
}
