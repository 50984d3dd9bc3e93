package cli

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/me/comfyrun/pkg/model"
)

// jobFlags are the flags shared by run and batch.
type jobFlags struct {
	paramsFile  string
	sets        []string
	kind        string
	outDir      string
	maxAttempts int
	interval    time.Duration
}

func (f *jobFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.paramsFile, "params", "p", "", "YAML or JSON file of workflow parameters")
	cmd.Flags().StringArrayVar(&f.sets, "set", nil, "Set a parameter: name=value (repeatable; value parsed as YAML)")
	cmd.Flags().StringVar(&f.kind, "kind", string(model.KindImages), "Output kind to wait for (images, videos, audios)")
	cmd.Flags().StringVarP(&f.outDir, "out", "o", "", "Directory for downloaded artifacts (default output, or COMFYRUN_OUTPUT_DIR env)")
	cmd.Flags().IntVar(&f.maxAttempts, "max-attempts", 0, "History polls before giving up (default 60)")
	cmd.Flags().DurationVar(&f.interval, "interval", 0, "Delay between history polls (default 2s)")
}

func (f *jobFlags) params() (map[string]any, error) {
	return loadParams(f.paramsFile, f.sets)
}

func (f *jobFlags) contentKind() (model.ContentKind, error) {
	return model.ParseContentKind(f.kind)
}

// loadParams reads the parameter file, if any, and applies name=value
// overrides on top. Values are decoded as YAML so 40 is an integer, true
// a boolean and "40" a string.
func loadParams(path string, sets []string) (map[string]any, error) {
	params := map[string]any{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read params file: %w", err)
		}
		if err := yaml.Unmarshal(data, &params); err != nil {
			return nil, fmt.Errorf("parse params file %s: %w", path, err)
		}
		if params == nil {
			params = map[string]any{}
		}
	}

	for _, kv := range sets {
		name, raw, ok := strings.Cut(kv, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid --set %q: want name=value", kv)
		}
		params[name] = parseScalar(raw)
	}
	return params, nil
}

// parseScalar decodes raw as a YAML value, falling back to the raw string.
func parseScalar(raw string) any {
	if strings.TrimSpace(raw) == "" {
		return raw
	}
	var v any
	if err := yaml.Unmarshal([]byte(raw), &v); err != nil || v == nil {
		return raw
	}
	return v
}
