package cli

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/me/comfyrun/internal/job"
)

func newRunCmd() *cobra.Command {
	var jf jobFlags
	var image string

	cmd := &cobra.Command{
		Use:   "run <workflow_id>",
		Short: "Run a workflow and download its output",
		Long: `Loads the workflow template and its parameter mapping, injects the
parameters, submits the graph, polls until the output appears and downloads
it. Prints the local path of the artifact.`,
		Example: `  comfyrun run extend_image_api --image cat.png --set left=64 --set right=64
  comfyrun run text_to_video -p params.yaml --kind videos --out clips/`,
		Args: cobra.ExactArgs(1),
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

			res, err := c.runner.Run(cmd.Context(), job.Request{
				WorkflowID:  args[0],
				Params:      params,
				Kind:        kind,
				OutputDir:   jf.outDir,
				MaxAttempts: jf.maxAttempts,
				Interval:    jf.interval,
				UploadImage: image,
			})
			if err != nil {
				return err
			}

			size := ""
			if fi, err := os.Stat(res.Path); err == nil {
				size = humanize.Bytes(uint64(fi.Size())) + ", "
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Job %s (prompt %s): %sattempts %d\n", res.JobID, res.PromptID, size, res.Attempts)
			fmt.Fprintln(cmd.OutOrStdout(), res.Path)
			return nil
		},
	}

	jf.register(cmd)
	cmd.Flags().StringVar(&image, "image", "", "Local image uploaded and bound to the \"image\" parameter")
	return cmd
}
