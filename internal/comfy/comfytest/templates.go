package comfytest

import (
	"os"
	"path/filepath"
	"testing"
)

// ExtendGraph is a small outpainting template: node 3 loads the input
// image, node 5 pads it and node 9 saves the result.
const ExtendGraph = `{
  "3": {"class_type": "LoadImage", "inputs": {"image": "placeholder.png"}},
  "5": {"class_type": "ImagePadForOutpaint", "inputs": {"image": ["3", 0], "left": 0, "right": 0, "top": 0, "bottom": 0, "feathering": 24}},
  "9": {"class_type": "SaveImage", "inputs": {"images": ["5", 0], "filename_prefix": "extend"}}
}`

// ExtendMapping binds the logical parameters of ExtendGraph.
const ExtendMapping = `{
  "image": ["3", "image"],
  "left": ["5", "left"],
  "right": ["5", "right"],
  "top": ["5", "top"],
  "bottom": ["5", "bottom"]
}`

// WriteTemplates stores ExtendGraph and ExtendMapping under workflowID in
// fresh temporary directories and returns them.
func WriteTemplates(t testing.TB, workflowID string) (workflowsDir, mappingsDir string) {
	t.Helper()
	root := t.TempDir()
	workflowsDir = filepath.Join(root, "workflows")
	mappingsDir = filepath.Join(root, "mappings")
	for dir, content := range map[string]string{workflowsDir: ExtendGraph, mappingsDir: ExtendMapping} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", dir, err)
		}
		if err := os.WriteFile(filepath.Join(dir, workflowID+".json"), []byte(content), 0o644); err != nil {
			t.Fatalf("write template: %v", err)
		}
	}
	return workflowsDir, mappingsDir
}
