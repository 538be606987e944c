// Command soho runs the SOHO credit agents: the credentials provider and
// the merchant payment processor.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "soho",
		Short:         "SOHO credit payment agents",
		Long:          "soho serves the SOHO credit credentials provider and the merchant payment processor over HTTP.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file (SOHO_* environment variables override it)")

	root.AddCommand(newProviderCmd(&configPath))
	root.AddCommand(newProcessorCmd(&configPath))
	return root
}
