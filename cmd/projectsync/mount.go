package main

import (
	"github.com/spf13/cobra"

	"github.com/agentworkforce/projectsync/internal/mountsync"
	"github.com/agentworkforce/projectsync/internal/opqueue"
)

func newMountCmd() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "mount <dir>",
		Short: "Mirror projects into a local directory of JSON files",
		Long: "mount keeps <dir>/<project>.json in step with the cloud copy. Local edits\n" +
			"are saved, remote changes are pulled, and a conflict leaves the remote\n" +
			"version in <project>.conflict.json until that file is deleted.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime(cmd, map[string]string{
				"project":  "mount.projects",
				"priority": "mount.priority",
				"interval": "mount.interval",
			})
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx := cmd.Context()
			engine, err := rt.openEngine(ctx, true)
			if err != nil {
				return err
			}
			defer engine.Close()

			mc := rt.cfg.Mount
			priority, err := opqueue.ParsePriority(mc.Priority)
			if err != nil {
				return err
			}
			mirror, err := mountsync.NewMirror(engine, mountsync.Options{
				LocalRoot:      args[0],
				StateFile:      mc.StateFile,
				Projects:       mc.Projects,
				Priority:       priority,
				Interval:       mc.Interval,
				IntervalJitter: mc.IntervalJitter,
				Debounce:       mc.Debounce,
				Timeout:        mc.Timeout,
				Logger:         rt.logger.With().Str("component", "mount").Logger(),
			})
			if err != nil {
				return err
			}
			if once {
				report, err := mirror.SyncOnce(ctx)
				if perr := printJSON(cmd, report); perr != nil {
					return perr
				}
				return err
			}
			engine.Start()
			return mirror.Run(ctx)
		},
	}
	cmd.Flags().StringSlice("project", nil, "project id to mirror even before a local file exists (repeatable)")
	cmd.Flags().String("priority", "", "queue priority for saves made while offline")
	cmd.Flags().Duration("interval", 0, "poll interval for remote changes")
	cmd.Flags().BoolVar(&once, "once", false, "run a single sync pass and exit")
	return cmd
}
