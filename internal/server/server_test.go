package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/me/comfyrun/internal/comfy"
	"github.com/me/comfyrun/internal/comfy/comfytest"
	"github.com/me/comfyrun/internal/config"
	"github.com/me/comfyrun/internal/job"
	"github.com/me/comfyrun/internal/store"
	"github.com/me/comfyrun/internal/template"
	"github.com/me/comfyrun/pkg/model"
)

const workflowID = "extend_image_api"

// envelope is used to decode the standard response envelope.
type envelope struct {
	Status     string            `json:"status"`
	RequestID  string            `json:"request_id"`
	Timestamp  string            `json:"timestamp"`
	Data       json.RawMessage   `json:"data"`
	Pagination *model.Pagination `json:"pagination"`
	Error      *model.APIError   `json:"error"`
}

type testEnv struct {
	srv     *Server
	backend *comfytest.Backend
	store   *store.SQLiteStore
}

func newTestEnv(t *testing.T, backendCfg comfytest.Config, srvCfg config.ServerConfig, poll config.PollConfig) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError}))

	b := comfytest.New(t, backendCfg)
	workflows, mappings := comfytest.WriteTemplates(t, workflowID)
	st, err := store.NewSQLiteStore(":memory:", logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	client := comfy.New(context.Background(), config.ClientConfig{Host: b.URL}, logger)
	graphs := template.NewGraphStore(workflows, logger)
	runner := job.NewRunner(graphs, template.NewMappingTable(mappings, logger), client, st,
		job.Config{Poll: poll, OutputDir: t.TempDir()}, logger)

	srv := New(srvCfg, runner, graphs, st, logger, WithModels(client), WithBackendURL(b.URL))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Drain(ctx)
		st.Close()
	})
	return &testEnv{srv: srv, backend: b, store: st}
}

func defaultEnv(t *testing.T) *testEnv {
	return newTestEnv(t, comfytest.Config{Models: []string{"sd_xl_base_1.0.safetensors"}},
		config.DefaultServerConfig(), config.PollConfig{MaxAttempts: 10, Interval: time.Millisecond})
}

func (e *testEnv) do(t *testing.T, method, path, body string) (int, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	e.srv.ServeHTTP(w, req)

	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("%s %s: invalid JSON: %v (%s)", method, path, err, w.Body.String())
	}
	return w.Code, env
}

func (e *testEnv) waitForState(t *testing.T, id string, want model.JobState) *model.JobRecord {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := e.store.GetJob(context.Background(), id)
		if err != nil {
			t.Fatal(err)
		}
		if rec != nil && rec.State == want {
			return rec
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never reached %s", id, want)
	return nil
}

func TestHealth(t *testing.T) {
	e := defaultEnv(t)
	code, env := e.do(t, "GET", "/api/v1/health", "")
	if code != http.StatusOK || env.Status != "ok" || env.RequestID == "" {
		t.Fatalf("code=%d env=%+v", code, env)
	}
	var data healthResponse
	json.Unmarshal(env.Data, &data)
	if data.Status != "healthy" || data.Version != Version || data.Models != 1 || data.MaxJobs != 4 {
		t.Errorf("health = %+v", data)
	}
	if data.Backend != e.backend.URL {
		t.Errorf("backend = %q", data.Backend)
	}
}

func TestRequestIDPropagation(t *testing.T) {
	e := defaultEnv(t)
	req := httptest.NewRequest("GET", "/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "trace-42")
	w := httptest.NewRecorder()
	e.srv.ServeHTTP(w, req)
	if got := w.Header().Get("X-Request-ID"); got != "trace-42" {
		t.Errorf("X-Request-ID = %q", got)
	}

	req = httptest.NewRequest("GET", "/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "bad id with spaces")
	w = httptest.NewRecorder()
	e.srv.ServeHTTP(w, req)
	if got := w.Header().Get("X-Request-ID"); !strings.HasPrefix(got, "req_") {
		t.Errorf("X-Request-ID = %q, want generated", got)
	}
}

func TestDiscovery(t *testing.T) {
	e := defaultEnv(t)
	_, env := e.do(t, "GET", "/api/v1/", "")
	var data discoveryResponse
	json.Unmarshal(env.Data, &data)
	if data.Name != "comfyrun API" || len(data.Endpoints) != 5 {
		t.Errorf("discovery = %+v", data)
	}
}

func TestCatalog(t *testing.T) {
	e := defaultEnv(t)

	_, env := e.do(t, "GET", "/api/v1/models", "")
	var models struct {
		Models []string `json:"models"`
	}
	json.Unmarshal(env.Data, &models)
	if len(models.Models) != 1 || models.Models[0] != "sd_xl_base_1.0.safetensors" {
		t.Errorf("models = %v", models.Models)
	}

	_, env = e.do(t, "GET", "/api/v1/workflows", "")
	var wfs struct {
		Workflows []string `json:"workflows"`
	}
	json.Unmarshal(env.Data, &wfs)
	if len(wfs.Workflows) != 1 || wfs.Workflows[0] != workflowID {
		t.Errorf("workflows = %v", wfs.Workflows)
	}
}

func TestCreateJob_RunsInBackground(t *testing.T) {
	e := defaultEnv(t)

	code, env := e.do(t, "POST", "/api/v1/jobs",
		`{"workflow_id": "extend_image_api", "params": {"left": 40, "image": "cat.png"}, "kind": "image"}`)
	if code != http.StatusAccepted {
		t.Fatalf("code = %d, error = %+v", code, env.Error)
	}
	var rec model.JobRecord
	if err := json.Unmarshal(env.Data, &rec); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(rec.ID, "job_") || rec.Kind != model.KindImages {
		t.Errorf("record = %+v", rec)
	}

	done := e.waitForState(t, rec.ID, model.JobStateCompleted)
	if done.PromptID == "" || done.OutputPath == "" {
		t.Errorf("completed record = %+v", done)
	}

	var g model.Graph
	json.Unmarshal(e.backend.Submitted()[0], &g)
	if g["5"].Inputs["left"] != json.Number("40") || g["3"].Inputs["image"] != "cat.png" {
		t.Errorf("submitted graph inputs: %v %v", g["5"].Inputs, g["3"].Inputs)
	}

	code, env = e.do(t, "GET", "/api/v1/jobs/"+rec.ID, "")
	if code != http.StatusOK {
		t.Fatalf("GET job: %d", code)
	}
	var got model.JobRecord
	json.Unmarshal(env.Data, &got)
	if got.State != model.JobStateCompleted {
		t.Errorf("state = %s", got.State)
	}
}

func TestCreateJob_Validation(t *testing.T) {
	e := defaultEnv(t)
	tests := []struct {
		name string
		body string
		code int
		want model.ErrorCode
	}{
		{"bad json", `{"workflow_id": `, http.StatusBadRequest, model.ErrValidation},
		{"missing workflow", `{"params": {}}`, http.StatusBadRequest, model.ErrValidation},
		{"bad kind", `{"workflow_id": "extend_image_api", "kind": "gif"}`, http.StatusBadRequest, model.ErrValidation},
		{"negative attempts", `{"workflow_id": "extend_image_api", "max_attempts": -1}`, http.StatusBadRequest, model.ErrValidation},
		{"unknown workflow", `{"workflow_id": "nope"}`, http.StatusNotFound, model.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, env := e.do(t, "POST", "/api/v1/jobs", tt.body)
			if code != tt.code || env.Error == nil || env.Error.Code != tt.want || env.Status != "error" {
				t.Errorf("code=%d env=%+v", code, env)
			}
		})
	}
	if len(e.backend.Submitted()) != 0 {
		t.Error("invalid requests reached the backend")
	}
}

func TestCreateJob_BusyAndDrain(t *testing.T) {
	e := newTestEnv(t, comfytest.Config{ReadyAfter: 1 << 20},
		config.ServerConfig{MaxConcurrentJobs: 1},
		config.PollConfig{MaxAttempts: 100000, Interval: 5 * time.Millisecond})

	code, env := e.do(t, "POST", "/api/v1/jobs", `{"workflow_id": "extend_image_api"}`)
	if code != http.StatusAccepted {
		t.Fatalf("first POST: %d %+v", code, env.Error)
	}
	var rec model.JobRecord
	json.Unmarshal(env.Data, &rec)

	code, env = e.do(t, "POST", "/api/v1/jobs", `{"workflow_id": "extend_image_api"}`)
	if code != http.StatusTooManyRequests || env.Error == nil || env.Error.Code != model.ErrBusy {
		t.Fatalf("second POST: code=%d env=%+v", code, env)
	}

	e.waitForState(t, rec.ID, model.JobStateSubmitted)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := e.srv.Drain(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Drain = %v, want deadline exceeded", err)
	}
	failed := e.waitForState(t, rec.ID, model.JobStateFailed)
	if !strings.Contains(failed.Error, "context canceled") {
		t.Errorf("error = %q", failed.Error)
	}
}

func TestListJobs(t *testing.T) {
	e := defaultEnv(t)
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	for i, state := range []model.JobState{model.JobStateCompleted, model.JobStateFailed, model.JobStateCompleted} {
		rec := &model.JobRecord{
			ID: "job_" + string(rune('a'+i)), WorkflowID: workflowID, State: state,
			Kind: model.KindImages, CreatedAt: base.Add(time.Duration(i) * time.Hour),
		}
		if err := e.store.CreateJob(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}

	code, env := e.do(t, "GET", "/api/v1/jobs?limit=2", "")
	if code != http.StatusOK {
		t.Fatalf("code = %d", code)
	}
	var jobs []model.JobRecord
	json.Unmarshal(env.Data, &jobs)
	if len(jobs) != 2 || jobs[0].ID != "job_c" {
		t.Errorf("jobs = %+v", jobs)
	}
	if env.Pagination == nil || env.Pagination.Total != 3 || !env.Pagination.HasMore {
		t.Errorf("pagination = %+v", env.Pagination)
	}

	_, env = e.do(t, "GET", "/api/v1/jobs?state=completed", "")
	json.Unmarshal(env.Data, &jobs)
	if len(jobs) != 2 || env.Pagination.Total != 2 {
		t.Errorf("completed jobs = %+v", jobs)
	}

	for _, q := range []string{"limit=zero", "offset=-1", "state=RUNNING"} {
		code, env = e.do(t, "GET", "/api/v1/jobs?"+q, "")
		if code != http.StatusBadRequest || env.Error.Code != model.ErrValidation {
			t.Errorf("%s: code=%d env=%+v", q, code, env)
		}
	}
}

func TestGetJob_NotFound(t *testing.T) {
	e := defaultEnv(t)
	code, env := e.do(t, "GET", "/api/v1/jobs/job_missing", "")
	if code != http.StatusNotFound || env.Error == nil || env.Error.Code != model.ErrNotFound {
		t.Errorf("code=%d env=%+v", code, env)
	}
}
