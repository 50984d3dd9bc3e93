package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/me/comfyrun/internal/batch"
)

func newBatchCmd() *cobra.Command {
	var jf jobFlags
	var concurrency int

	cmd := &cobra.Command{
		Use:   "batch <dir> <workflow_id>",
		Short: "Run a workflow once per image in a folder",
		Long: `Uploads every .png, .jpg, .jpeg and .webp file in the folder and runs the
workflow for each with the image bound to the "image" parameter. A failing
image does not stop the others; the command fails if any image failed.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := jf.params()
			if err != nil {
				return err
			}
			kind, err := jf.contentKind()
			if err != nil {
				return err
			}

			c, err := wire(cmd.Context(), ledgerOptional)
			if err != nil {
				return err
			}
			defer c.Close()

			items, err := batch.NewDriver(c.runner, logger).Run(cmd.Context(), batch.Spec{
				Dir:         args[0],
				WorkflowID:  args[1],
				Params:      params,
				Kind:        kind,
				OutputDir:   jf.outDir,
				Concurrency: concurrency,
				MaxAttempts: jf.maxAttempts,
				Interval:    jf.interval,
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, it := range items {
				if it.Err != nil {
					fmt.Fprintf(out, "FAIL  %s: %v\n", it.Source, it.Err)
					continue
				}
				fmt.Fprintf(out, "OK    %s -> %s\n", it.Source, it.Path)
			}

			ok, failed := batch.Summarize(items)
			fmt.Fprintf(cmd.ErrOrStderr(), "%d succeeded, %d failed\n", ok, failed)
			if failed > 0 {
				return fmt.Errorf("%d of %d images failed", failed, len(items))
			}
			return nil
		},
	}

	jf.register(cmd)
	cmd.Flags().IntVarP(&concurrency, "concurrency", "c", batch.DefaultConcurrency, "Images processed at once")
	return cmd
}
