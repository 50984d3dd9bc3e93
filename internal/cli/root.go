package cli

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/me/comfyrun/internal/config"
	"github.com/me/comfyrun/internal/logging"
)

var (
	flagHost      string
	flagWorkflows string
	flagMappings  string
	flagDB        string
	flagEnvFile   string
	flagDebug     bool
	flagLogLevel  string
	flagLogFormat string

	cfg    config.Config
	logger *slog.Logger
)

// NewRootCmd creates the root cobra command for the comfyrun CLI.
func NewRootCmd() *cobra.Command {
	defaults := config.Default()

	root := &cobra.Command{
		Use:   "comfyrun",
		Short: "comfyrun: run stored node-graph workflows on an image backend",
		Long: `comfyrun fills a stored workflow template with parameters, submits it to
the image backend, waits for the job's output and downloads the artifact.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadDotEnv(flagEnvFile); err != nil {
				return err
			}
			cfg = resolveConfig(cmd)
			logger = logging.New(logging.Config{Level: flagLogLevel, Format: flagLogFormat, Debug: flagDebug})
			return nil
		},
		SilenceUsage: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flagHost, "host", defaults.Client.Host, "Backend URL (or "+config.EnvHost+" env)")
	pf.StringVar(&flagWorkflows, "workflows", defaults.Paths.WorkflowsDir, "Workflow template directory (or "+config.EnvWorkflowsDir+" env)")
	pf.StringVar(&flagMappings, "mappings", defaults.Paths.MappingsDir, "Parameter mapping directory (or "+config.EnvMappingsDir+" env)")
	pf.StringVar(&flagDB, "db", "", "Job ledger path (or "+config.EnvDBPath+" env; default ~/.comfyrun/comfyrun.db)")
	pf.StringVar(&flagEnvFile, "env-file", ".env", "Dotenv file loaded before reading the environment")
	pf.BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	pf.StringVar(&flagLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	pf.StringVar(&flagLogFormat, "log-format", "text", "Log format (text, json)")

	root.AddCommand(
		newRunCmd(),
		newSubmitCmd(),
		newWaitCmd(),
		newUploadCmd(),
		newModelsCmd(),
		newWorkflowsCmd(),
		newBatchCmd(),
		newJobsCmd(),
		newServeCmd(),
	)

	return root
}

// resolveConfig layers explicitly set flags over the environment over the
// defaults.
func resolveConfig(cmd *cobra.Command) config.Config {
	c := config.FromEnv()
	flags := cmd.Flags()
	if flags.Changed("host") {
		c.Client.Host = flagHost
	}
	if flags.Changed("workflows") {
		c.Paths.WorkflowsDir = flagWorkflows
	}
	if flags.Changed("mappings") {
		c.Paths.MappingsDir = flagMappings
	}
	if flags.Changed("db") {
		c.Paths.DBPath = flagDB
	}
	return c
}
