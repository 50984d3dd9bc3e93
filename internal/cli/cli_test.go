package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/me/comfyrun/internal/comfy/comfytest"
	"github.com/me/comfyrun/internal/config"
	"github.com/me/comfyrun/internal/logging"
	"github.com/me/comfyrun/internal/server"
	"github.com/me/comfyrun/internal/store"
	"github.com/me/comfyrun/pkg/model"
)

const testWorkflow = "extend_image_api"

// env is a fake backend plus the template directories and ledger the CLI
// is pointed at.
type env struct {
	backend   *comfytest.Backend
	workflows string
	mappings  string
	db        string
}

func newEnv(t *testing.T, cfg comfytest.Config) *env {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	for _, k := range []string{config.EnvHost, config.EnvWorkflowsDir, config.EnvMappingsDir, config.EnvOutputDir, config.EnvDBPath} {
		t.Setenv(k, "")
	}
	workflows, mappings := comfytest.WriteTemplates(t, testWorkflow)
	return &env{
		backend:   comfytest.New(t, cfg),
		workflows: workflows,
		mappings:  mappings,
		db:        filepath.Join(t.TempDir(), "ledger.db"),
	}
}

// run executes the root command with the environment's global flags and
// returns stdout and stderr.
func (e *env) run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	full := append([]string{
		"--host", e.backend.URL,
		"--workflows", e.workflows,
		"--mappings", e.mappings,
		"--db", e.db,
		"--env-file", filepath.Join(t.TempDir(), "absent.env"),
		"--log-level", "error",
	}, args...)

	root := NewRootCmd()
	var stdout, stderr bytes.Buffer
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(full)
	err := root.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func submittedGraph(t *testing.T, b *comfytest.Backend, i int) model.Graph {
	t.Helper()
	sent := b.Submitted()
	if len(sent) <= i {
		t.Fatalf("only %d submissions", len(sent))
	}
	var g model.Graph
	if err := json.Unmarshal(sent[i], &g); err != nil {
		t.Fatalf("decode submitted graph: %v", err)
	}
	return g
}

func TestLoadParams(t *testing.T) {
	dir := t.TempDir()
	file := writeFile(t, dir, "params.yaml", []byte("left: 16\nprompt: a cat\nseed: 7\n"))

	params, err := loadParams(file, []string{"left=64", "tag='40'", "flag=true"})
	if err != nil {
		t.Fatalf("loadParams: %v", err)
	}
	if params["left"] != 64 || params["prompt"] != "a cat" || params["seed"] != 7 {
		t.Errorf("params = %v", params)
	}
	if params["tag"] != "40" || params["flag"] != true {
		t.Errorf("overrides = %v", params)
	}

	jsonFile := writeFile(t, dir, "params.json", []byte(`{"steps": 20, "cfg": 7.5}`))
	params, err = loadParams(jsonFile, nil)
	if err != nil {
		t.Fatalf("loadParams json: %v", err)
	}
	if params["steps"] != 20 || params["cfg"] != 7.5 {
		t.Errorf("json params = %v", params)
	}

	params, err = loadParams("", nil)
	if err != nil || params == nil || len(params) != 0 {
		t.Errorf("no input: params=%v err=%v", params, err)
	}
}

func TestLoadParams_Errors(t *testing.T) {
	if _, err := loadParams("", []string{"novalue"}); err == nil {
		t.Error("expected error for --set without '='")
	}
	if _, err := loadParams("", []string{"=5"}); err == nil {
		t.Error("expected error for --set without a name")
	}
	if _, err := loadParams(filepath.Join(t.TempDir(), "missing.yaml"), nil); err == nil {
		t.Error("expected error for a missing params file")
	}
	bad := writeFile(t, t.TempDir(), "bad.yaml", []byte("- a list\n- not a map\n"))
	if _, err := loadParams(bad, nil); err == nil {
		t.Error("expected error for a non-mapping params file")
	}
}

func TestParseScalar(t *testing.T) {
	tests := []struct {
		raw  string
		want any
	}{
		{"40", 40},
		{"1.5", 1.5},
		{"true", true},
		{"hello world", "hello world"},
		{"'40'", "40"},
		{"", ""},
		{"null", "null"},
		{"[unclosed", "[unclosed"},
	}
	for _, tt := range tests {
		if got := parseScalar(tt.raw); got != tt.want {
			t.Errorf("parseScalar(%q) = %#v, want %#v", tt.raw, got, tt.want)
		}
	}
}

func TestWorkflowsCmd(t *testing.T) {
	e := newEnv(t, comfytest.Config{})
	writeFile(t, e.workflows, "unmapped.json", []byte(`{"1": {"class_type": "X", "inputs": {}}}`))

	out, _, err := e.run(t, "workflows")
	if err != nil {
		t.Fatalf("workflows: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 3 {
		t.Fatalf("output:\n%s", out)
	}
	if !strings.HasPrefix(lines[1], testWorkflow) || !strings.HasSuffix(lines[1], "yes") {
		t.Errorf("line = %q", lines[1])
	}
	if !strings.HasPrefix(lines[2], "unmapped") || !strings.HasSuffix(lines[2], "missing") {
		t.Errorf("line = %q", lines[2])
	}
}

func TestRunCmd(t *testing.T) {
	artifact := []byte("\x89PNG extended image")
	e := newEnv(t, comfytest.Config{ReadyAfter: 1, Files: map[string][]byte{"out.png": artifact}})
	input := writeFile(t, t.TempDir(), "cat.png", []byte("cat pixels"))
	outDir := filepath.Join(t.TempDir(), "results")

	out, stderr, err := e.run(t, "run", testWorkflow,
		"--image", input, "--set", "left=64", "--out", outDir, "--interval", "1ms")
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	path := strings.TrimSpace(out)
	if path != filepath.Join(outDir, "out.png") {
		t.Errorf("path = %q", path)
	}
	got, err := os.ReadFile(path)
	if err != nil || !bytes.Equal(got, artifact) {
		t.Errorf("artifact = %q, err = %v", got, err)
	}
	if !strings.Contains(stderr, "attempts 2") {
		t.Errorf("stderr = %q", stderr)
	}

	if _, ok := e.backend.Upload("cat.png"); !ok {
		t.Error("input image was not uploaded")
	}
	g := submittedGraph(t, e.backend, 0)
	if g["3"].Inputs["image"] != "cat.png" || g["5"].Inputs["left"] != json.Number("64") {
		t.Errorf("submitted inputs: %v %v", g["3"].Inputs, g["5"].Inputs)
	}

	list, _, err := e.run(t, "jobs")
	if err != nil {
		t.Fatalf("jobs: %v", err)
	}
	if !strings.Contains(list, "COMPLETED") || !strings.Contains(list, testWorkflow) {
		t.Errorf("jobs output:\n%s", list)
	}
}

func TestRunCmd_UnknownWorkflow(t *testing.T) {
	e := newEnv(t, comfytest.Config{})
	_, _, err := e.run(t, "run", "missing")
	var nf *model.NotFoundError
	if !errors.As(err, &nf) || nf.ID != "missing" {
		t.Fatalf("err = %v, want NotFoundError", err)
	}
	if len(e.backend.Submitted()) != 0 {
		t.Error("nothing should be submitted")
	}
}

func TestRunCmd_InvalidKind(t *testing.T) {
	e := newEnv(t, comfytest.Config{})
	if _, _, err := e.run(t, "run", testWorkflow, "--kind", "meshes"); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestSubmitThenWait(t *testing.T) {
	e := newEnv(t, comfytest.Config{ReadyAfter: 2})

	out, _, err := e.run(t, "submit", testWorkflow, "--set", "top=32")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	promptID := strings.TrimSpace(out)
	if promptID != "prompt-1" {
		t.Fatalf("prompt id = %q", promptID)
	}
	if g := submittedGraph(t, e.backend, 0); g["5"].Inputs["top"] != json.Number("32") {
		t.Errorf("top = %v", g["5"].Inputs["top"])
	}

	outDir := t.TempDir()
	out, _, err = e.run(t, "wait", promptID, "--out", outDir, "--interval", "1ms")
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if got := strings.TrimSpace(out); got != filepath.Join(outDir, "out.png") {
		t.Errorf("path = %q", got)
	}
	if e.backend.Polls(promptID) != 3 {
		t.Errorf("polls = %d, want 3", e.backend.Polls(promptID))
	}
}

func TestWaitCmd_Timeout(t *testing.T) {
	e := newEnv(t, comfytest.Config{ReadyAfter: 100})
	if _, _, err := e.run(t, "submit", testWorkflow); err != nil {
		t.Fatal(err)
	}
	_, _, err := e.run(t, "wait", "prompt-1", "--max-attempts", "2", "--interval", "1ms", "--out", t.TempDir())
	if err == nil || !strings.Contains(err.Error(), "no output after 2 attempts") {
		t.Fatalf("err = %v", err)
	}
}

func TestUploadCmd(t *testing.T) {
	e := newEnv(t, comfytest.Config{})
	input := writeFile(t, t.TempDir(), "dog.webp", []byte("dog"))

	out, _, err := e.run(t, "upload", input)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if strings.TrimSpace(out) != "dog.webp" {
		t.Errorf("output = %q", out)
	}
	if data, ok := e.backend.Upload("dog.webp"); !ok || string(data) != "dog" {
		t.Errorf("upload = %q, %v", data, ok)
	}
}

func TestModelsCmd(t *testing.T) {
	e := newEnv(t, comfytest.Config{Models: []string{"sd_xl_base.safetensors", "v1-5.ckpt"}})
	out, _, err := e.run(t, "models")
	if err != nil {
		t.Fatalf("models: %v", err)
	}
	if out != "sd_xl_base.safetensors\nv1-5.ckpt\n" {
		t.Errorf("output = %q", out)
	}
}

func TestBatchCmd(t *testing.T) {
	e := newEnv(t, comfytest.Config{})
	dir := t.TempDir()
	writeFile(t, dir, "a.png", []byte("a"))
	writeFile(t, dir, "b.JPG", []byte("b"))
	writeFile(t, dir, "notes.txt", []byte("skip"))

	out, stderr, err := e.run(t, "batch", dir, testWorkflow, "--out", t.TempDir(), "--interval", "1ms", "-c", "2")
	if err != nil {
		t.Fatalf("batch: %v\n%s", err, out)
	}
	if strings.Count(out, "OK") != 2 {
		t.Errorf("output:\n%s", out)
	}
	if !strings.Contains(stderr, "2 succeeded, 0 failed") {
		t.Errorf("stderr = %q", stderr)
	}
	if len(e.backend.Submitted()) != 2 {
		t.Errorf("submissions = %d", len(e.backend.Submitted()))
	}
}

func TestJobsCmd_FromServer(t *testing.T) {
	e := newEnv(t, comfytest.Config{})

	st, err := store.NewSQLiteStore(":memory:", logging.Discard())
	if err != nil {
		t.Fatal(err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	rec := &model.JobRecord{
		ID:         "job_remote",
		WorkflowID: testWorkflow,
		PromptID:   "prompt-9",
		State:      model.JobStateFailed,
		Kind:       model.KindImages,
		Params:     map[string]any{"left": 8},
		Error:      "no output after 60 attempts",
		CreatedAt:  time.Now().UTC(),
	}
	if err := st.CreateJob(context.Background(), rec); err != nil {
		t.Fatal(err)
	}

	srv := server.New(config.DefaultServerConfig(), nil, nil, st, logging.Discard())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	out, _, err := e.run(t, "jobs", "--server", ts.URL)
	if err != nil {
		t.Fatalf("jobs: %v", err)
	}
	if !strings.Contains(out, "job_remote") || !strings.Contains(out, "1 failed") {
		t.Errorf("list output:\n%s", out)
	}

	out, _, err = e.run(t, "jobs", "--server", ts.URL, "job_remote")
	if err != nil {
		t.Fatalf("jobs job_remote: %v", err)
	}
	if !strings.Contains(out, "prompt-9") || !strings.Contains(out, "no output after 60 attempts") {
		t.Errorf("detail output:\n%s", out)
	}

	if _, _, err := e.run(t, "jobs", "--server", ts.URL, "job_absent"); err == nil {
		t.Error("expected error for unknown job")
	}
}

func TestJobsCmd_LocalNotFound(t *testing.T) {
	e := newEnv(t, comfytest.Config{})
	if _, _, err := e.run(t, "jobs", "job_absent"); err == nil {
		t.Error("expected error for unknown job")
	}
}
