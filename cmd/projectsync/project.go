package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/projectsync/internal/opqueue"
	"github.com/agentworkforce/projectsync/internal/projectsync"
)

func newSaveCmd() *cobra.Command {
	var (
		priority string
		validate bool
		expected int64
	)
	cmd := &cobra.Command{
		Use:   "save <project-id> <file|->",
		Short: "Save a project's fields from a JSON object",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(cmd, args[1])
			if err != nil {
				return err
			}
			var fields map[string]any
			if err := json.Unmarshal(data, &fields); err != nil {
				return fmt.Errorf("project fields must be a JSON object: %w", err)
			}
			p, err := opqueue.ParsePriority(priority)
			if err != nil {
				return err
			}
			opts := projectsync.SaveOptions{Priority: p, Validate: validate}
			if cmd.Flags().Changed("expected-revision") {
				opts.ExpectedRevision = &expected
			}

			rt, err := loadRuntime(cmd, nil)
			if err != nil {
				return err
			}
			defer rt.Close()
			engine, err := rt.openEngine(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer engine.Close()

			res := engine.Save(cmd.Context(), args[0], fields, opts)
			if err := printJSON(cmd, res); err != nil {
				return err
			}
			return resultErr("save", res)
		},
	}
	cmd.Flags().StringVar(&priority, "priority", "", "queue priority if the save is deferred (HIGH, NORMAL, LOW)")
	cmd.Flags().BoolVar(&validate, "validate", false, "read offloaded fields back after upload")
	cmd.Flags().Int64Var(&expected, "expected-revision", 0, "fail with a conflict unless the remote is at this revision")
	return cmd
}

func newLoadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "load <project-id>",
		Short: "Load a project and print the result",
		Args:  cobra.ExactArgs(1),
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

			// With --owner set, another owner's project is refused.
			ctx := cmd.Context()
			if owner := rt.cfg.Engine.Owner; owner != "" {
				ctx = projectsync.WithIdentity(ctx, owner)
			}
			res := engine.Load(ctx, args[0])
			if err := printJSON(cmd, res); err != nil {
				return err
			}
			return resultErr("load", res)
		},
	}
}

func newUploadCmd() *cobra.Command {
	var (
		priority    string
		validate    bool
		revision    int64
		contentType string
	)
	cmd := &cobra.Command{
		Use:   "upload <project-id> <name> <file|->",
		Short: "Upload a binary artifact for a project to the blob store",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(cmd, args[2])
			if err != nil {
				return err
			}
			opts := projectsync.ArtifactOptions{
				Validate:    validate,
				Revision:    revision,
				ContentType: contentType,
			}
			if priority != "" {
				if opts.Priority, err = opqueue.ParsePriority(priority); err != nil {
					return err
				}
			}

			rt, err := loadRuntime(cmd, nil)
			if err != nil {
				return err
			}
			defer rt.Close()
			engine, err := rt.openEngine(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer engine.Close()

			res := engine.UploadArtifact(cmd.Context(), args[0], args[1], data, opts)
			if err := printJSON(cmd, res); err != nil {
				return err
			}
			return resultErr("upload", res)
		},
	}
	cmd.Flags().StringVar(&priority, "priority", "", "queue priority if the upload is deferred (defaults to LOW)")
	cmd.Flags().BoolVar(&validate, "validate", false, "read the object back after upload")
	cmd.Flags().Int64Var(&revision, "revision", 0, "project revision the artifact belongs to")
	cmd.Flags().StringVar(&contentType, "content-type", "", "content type; sniffed when empty")
	return cmd
}

func readInput(cmd *cobra.Command, name string) ([]byte, error) {
	if name == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(name)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// resultErr turns a failed result into the command's error. Queued results
// are successes.
func resultErr(op string, res projectsync.SyncResult) error {
	if res.Success {
		return nil
	}
	if res.Error != nil {
		return fmt.Errorf("%s: %w", op, res.Error)
	}
	return fmt.Errorf("%s failed", op)
}
