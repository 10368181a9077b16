package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/projectsync/internal/opqueue"
	"github.com/agentworkforce/projectsync/internal/projectsync"
)

func newQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and drive the offline operation queue",
	}
	cmd.AddCommand(
		queueSubcommand("stats", "Print queue depth by priority", cobra.NoArgs,
			func(cmd *cobra.Command, e *projectsync.Engine, _ []string) error {
				return printJSON(cmd, e.QueueStats())
			}),
		queueSubcommand("dead-letter", "List operations that will not be retried", cobra.NoArgs,
			func(cmd *cobra.Command, e *projectsync.Engine, _ []string) error {
				items := e.DeadLetters()
				if items == nil {
					items = []opqueue.DeadLetter{}
				}
				return printJSON(cmd, items)
			}),
		queueSubcommand("process", "Run one pass over due operations", cobra.NoArgs,
			func(cmd *cobra.Command, e *projectsync.Engine, _ []string) error {
				report, err := e.ProcessQueue(cmd.Context())
				if perr := printJSON(cmd, report); perr != nil {
					return perr
				}
				return err
			}),
		queueSubcommand("retry <dead-letter-id>", "Move a dead letter back onto the queue", cobra.ExactArgs(1),
			func(cmd *cobra.Command, e *projectsync.Engine, args []string) error {
				op, err := e.RetryDeadLetter(args[0])
				if err != nil {
					return fmt.Errorf("retry %s: %w", args[0], err)
				}
				return printJSON(cmd, op)
			}),
		queueSubcommand("ack <dead-letter-id>", "Discard a dead letter", cobra.ExactArgs(1),
			func(cmd *cobra.Command, e *projectsync.Engine, args []string) error {
				if err := e.AcknowledgeDeadLetter(args[0]); err != nil {
					return fmt.Errorf("ack %s: %w", args[0], err)
				}
				return printJSON(cmd, map[string]string{"id": args[0], "status": "acknowledged"})
			}),
	)
	return cmd
}

// queueSubcommand opens an engine over the configured queue for fn. No owner
// is needed: queued operations replay as the owner that saved them.
func queueSubcommand(use, short string, args cobra.PositionalArgs,
	fn func(cmd *cobra.Command, e *projectsync.Engine, args []string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  args,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime(cmd, nil)
			if err != nil {
				return err
			}
			defer rt.Close()
			engine, err := rt.openEngine(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer engine.Close()
			return fn(cmd, engine, args)
		},
	}
}
