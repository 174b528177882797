package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/orrn/httprint/internal/config"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "httprint: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &serveOptions{}
	serve := newServeCmd(opts)

	cmd := &cobra.Command{
		Use:   "httprint",
		Short: "Print files uploaded over HTTP",
		Long: `httprint accepts file uploads over HTTP and sends them to a printer. By default
an upload answers with a short code and nothing is printed until the code is
entered with POST /api/print/<code>.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          serve.RunE,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", config.DefaultPath, "Configuration file")
	opts.bind(cmd.Flags())

	cmd.AddCommand(serve, newHashPasswordCmd())
	return cmd
}
