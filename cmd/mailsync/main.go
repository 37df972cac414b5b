package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nhle/mailsync/internal/model"
)

var (
	// Set via -ldflags at build time.
	version = "dev"
	commit  = ""
)

type rootOptions struct {
	configPath string
	debugIMAP  bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	o := &rootOptions{}
	root := &cobra.Command{
		Use:          "mailsync",
		Short:        "Synchronize and thread campaign mail from Gmail over IMAP",
		SilenceUsage: true,
		Version:      versionString(),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	root.PersistentFlags().StringVarP(&o.configPath, "config", "c", model.DefaultConfigPath(), "Path to the YAML configuration file")
	root.PersistentFlags().BoolVar(&o.debugIMAP, "debug-imap", false, "Write the raw IMAP exchange to stderr")

	root.AddCommand(
		newServeCmd(o),
		newFetchCmd(o),
		newListenCmd(o),
		newBackfillCmd(o),
		newResyncCmd(o),
		newSecretCmd(o),
		newDeliveryCmd(o),
	)
	return root
}

func versionString() string {
	if commit == "" {
		return version
	}
	return fmt.Sprintf("%s (%s)", version, commit)
}
