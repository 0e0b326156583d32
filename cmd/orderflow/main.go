// Command orderflow drives the order fulfillment engine from the terminal.
//
// The store and queue are chosen through the environment (see
// internal/config); by default everything lives in ./orderflow.db.
//
//	orderflow start -id o-1 -item BOOK-1:2:12.50
//	orderflow approve -id o-1
//	orderflow status -id o-1
//	orderflow run -demo 20
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/petrijr/orderflow/internal/config"
	"github.com/petrijr/orderflow/internal/logging"
)

const usage = `usage: orderflow <command> [flags]

commands:
  run             recover in-flight orders and process until interrupted
  start           start an order and run it up to the approval gate
  approve         approve an order and run it to completion
  cancel          cancel an order waiting for approval
  update-address  change the shipping address of an order
  status          print the status of an order
  audit           print the audit log of an order
  health          print the health report of an order
  list            list orders
  stats           print aggregate statistics
  performance     print attempt statistics per activity
  failures        list failed activity attempts (-since 24h)
  retries         print attempt counts of recent orders
`

var errUsage = errors.New("bad usage")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if !errors.Is(err, errUsage) {
			fmt.Fprintln(os.Stderr, "orderflow:", err)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return errUsage
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := logging.New(ctx, cfg.LoggingOptions(stderr))
	if err != nil {
		return err
	}
	defer func() { _ = logger.Shutdown(context.WithoutCancel(ctx)) }()

	c := &cli{cfg: cfg, logger: logger.Logger, out: stdout, errOut: stderr}

	name, rest := args[0], args[1:]
	cmd, ok := c.commands()[name]
	if !ok {
		fmt.Fprintf(stderr, "unknown command %q\n\n%s", name, usage)
		return errUsage
	}

	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	exec := cmd(fs)
	if err := fs.Parse(rest); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return errUsage
	}
	return exec(ctx)
}
