// Command projectsync runs the sync engine: an HTTP API with a live status
// stream, a document store front end, a local directory mirror, and one-shot
// save/load/queue commands.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// flagKeys maps persistent flags to their config keys.
var flagKeys = map[string]string{
	"profile":   "profile",
	"data-dir":  "data_dir",
	"log-level": "log.level",
	"docs-dsn":  "docs.dsn",
	"blob-dsn":  "blob.dsn",
	"queue-dsn": "queue.dsn",
	"owner":     "engine.owner",
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "projectsync",
		Short:         "Offline-first project sync against a document and blob store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := cmd.PersistentFlags()
	flags.String("config", "", "path to a YAML config file")
	flags.String("profile", "", "storage profile: memory, durable-local or production")
	flags.String("data-dir", "", "data directory for the durable-local profile")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.String("docs-dsn", "", "document store DSN (memory://, postgres://, http://)")
	flags.String("blob-dsn", "", "blob store DSN (memory://, file://, s3://)")
	flags.String("queue-dsn", "", "offline queue DSN (memory://, file://, postgres://)")
	flags.String("owner", "", "owner id used when the request carries none")

	cmd.AddCommand(
		newServeCmd(),
		newDocServerCmd(),
		newSaveCmd(),
		newLoadCmd(),
		newUploadCmd(),
		newQueueCmd(),
		newMountCmd(),
		newTokenCmd(),
	)
	return cmd
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "projectsync:", err)
		os.Exit(1)
	}
}
