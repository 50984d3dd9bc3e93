package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/me/comfyrun/internal/comfy"
	"github.com/me/comfyrun/internal/template"
)

func newUploadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "upload <file>",
		Short: "Upload an input image to the backend",
		Long:  "Uploads the file to the backend's input directory, overwriting any file of the same name, and prints the server-side name.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := comfy.New(cmd.Context(), cfg.Client, logger)
			name, err := client.Upload(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), name)
			return nil
		},
	}
}

func newModelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List checkpoint models reported by the backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := comfy.New(cmd.Context(), cfg.Client, logger)
			models := client.Models()
			if len(models) == 0 {
				fmt.Fprintln(cmd.ErrOrStderr(), "No models reported.")
				return nil
			}
			for _, m := range models {
				fmt.Fprintln(cmd.OutOrStdout(), m)
			}
			return nil
		},
	}
}

func newWorkflowsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "workflows",
		Short: "List stored workflow templates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			graphs := template.NewGraphStore(cfg.Paths.WorkflowsDir, logger)
			mappings := template.NewMappingTable(cfg.Paths.MappingsDir, logger)

			ids, err := graphs.List()
			if err != nil {
				return err
			}
			if len(ids) == 0 {
				fmt.Fprintf(cmd.ErrOrStderr(), "No workflows in %s.\n", graphs.Dir())
				return nil
			}

			mapped, err := mappings.List()
			if err != nil {
				logger.Warn("cannot list mappings", "error", err)
			}
			has := make(map[string]bool, len(mapped))
			for _, id := range mapped {
				has[id] = true
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-40s  %s\n", "WORKFLOW", "MAPPING")
			for _, id := range ids {
				mark := "missing"
				if has[id] {
					mark = "yes"
				}
				fmt.Fprintf(out, "%-40s  %s\n", id, mark)
			}
			return nil
		},
	}
}
