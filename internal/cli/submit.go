package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/me/comfyrun/internal/job"
	"github.com/me/comfyrun/pkg/model"
)

func newSubmitCmd() *cobra.Command {
	var paramsFile, image string
	var sets []string

	cmd := &cobra.Command{
		Use:   "submit <workflow_id>",
		Short: "Inject parameters and submit a workflow without waiting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := loadParams(paramsFile, sets)
			if err != nil {
				return err
			}

			c, err := wire(cmd.Context(), ledgerOff)
			if err != nil {
				return err
			}
			defer c.Close()

			if image != "" {
				name, err := c.client.Upload(cmd.Context(), image)
				if err != nil {
					return err
				}
				if _, set := params[job.ImageParam]; !set {
					params[job.ImageParam] = name
				}
			}

			promptID, err := c.runner.Submit(cmd.Context(), args[0], params)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), promptID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&paramsFile, "params", "p", "", "YAML or JSON file of workflow parameters")
	cmd.Flags().StringArrayVar(&sets, "set", nil, "Set a parameter: name=value (repeatable)")
	cmd.Flags().StringVar(&image, "image", "", "Local image uploaded and bound to the \"image\" parameter")
	return cmd
}

func newWaitCmd() *cobra.Command {
	var kind, outDir string
	var maxAttempts int
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "wait <prompt_id>",
		Short: "Wait for a submitted job's output and download it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := model.ParseContentKind(kind)
			if err != nil {
				return err
			}

			c, err := wire(cmd.Context(), ledgerOff)
			if err != nil {
				return err
			}
			defer c.Close()

			res, err := c.runner.Wait(cmd.Context(), args[0], k, maxAttempts, interval, outDir)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), res.Path)
			return nil
		},
	}

	cmd.Flags().StringVar(&kind, "kind", "images", "Output kind to wait for (images, videos, audios)")
	cmd.Flags().StringVarP(&outDir, "out", "o", "", "Directory for the downloaded artifact")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "History polls before giving up (default 60)")
	cmd.Flags().DurationVar(&interval, "interval", 0, "Delay between history polls (default 2s)")
	return cmd
}
