// Command fvtool inspects and edits UEFI firmware volume images.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/appkins-org/go-uefi-fv/internal/cli"
)

func main() {
	ctx, done := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGHUP, syscall.SIGTERM)
	code := cli.Execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	done()
	os.Exit(code)
}
