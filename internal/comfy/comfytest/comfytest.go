// Package comfytest provides an in-process fake of the graph workflow
// backend for tests: it accepts prompts, answers history queries after a
// configurable number of polls, serves artifacts and records uploads.
package comfytest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// DefaultOutputs is the outputs object returned for a ready prompt when
// Config.Outputs is empty.
const DefaultOutputs = `{"9": {"images": [{"filename": "out.png", "subfolder": "", "type": "output"}]}}`

// Config shapes the fake backend's behaviour.
type Config struct {
	// Models is returned by /object_info/CheckpointLoaderSimple.
	Models []string
	// ObjectInfoStatus overrides the object_info status when non-zero.
	ObjectInfoStatus int

	// SubmitStatus and SubmitBody override the /prompt response when set.
	SubmitStatus int
	SubmitBody   string

	// HistoryFailures is the number of leading history queries per prompt
	// answered with HTTP 500.
	HistoryFailures int
	// ReadyAfter is the number of further queries answered with {} before
	// the prompt's entry appears.
	ReadyAfter int
	// Outputs is the raw outputs object of a ready prompt.
	Outputs string

	// Files are served by /view keyed by filename.
	Files map[string][]byte
}

// Backend is a running fake backend.
type Backend struct {
	*httptest.Server

	mu        sync.Mutex
	cfg       Config
	seq       int
	submitted []json.RawMessage
	polls     map[string]int
	uploads   map[string][]byte
	views     int
}

// New starts a fake backend that is closed when the test ends.
func New(t testing.TB, cfg Config) *Backend {
	t.Helper()
	if cfg.Outputs == "" {
		cfg.Outputs = DefaultOutputs
	}
	if cfg.Files == nil {
		cfg.Files = map[string][]byte{"out.png": []byte("\x89PNG fake image bytes")}
	}
	b := &Backend{
		cfg:     cfg,
		polls:   make(map[string]int),
		uploads: make(map[string][]byte),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /prompt", b.handlePrompt)
	mux.HandleFunc("GET /history/{id}", b.handleHistory)
	mux.HandleFunc("GET /view", b.handleView)
	mux.HandleFunc("POST /api/upload/image", b.handleUpload)
	mux.HandleFunc("GET /object_info/CheckpointLoaderSimple", b.handleObjectInfo)

	b.Server = httptest.NewServer(mux)
	t.Cleanup(b.Server.Close)
	return b
}

// Submitted returns the raw "prompt" graphs received, in order.
func (b *Backend) Submitted() []json.RawMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]json.RawMessage(nil), b.submitted...)
}

// Polls returns the number of history queries received for promptID.
func (b *Backend) Polls(promptID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.polls[promptID]
}

// Upload returns the bytes uploaded under name.
func (b *Backend) Upload(name string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.uploads[name]
	return data, ok
}

// Views returns the number of /view requests served.
func (b *Backend) Views() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.views
}

func (b *Backend) handlePrompt(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Prompt json.RawMessage `json:"prompt"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Prompt) == 0 {
		http.Error(w, `{"error": "invalid prompt"}`, http.StatusBadRequest)
		return
	}

	b.mu.Lock()
	b.submitted = append(b.submitted, req.Prompt)
	b.seq++
	id := fmt.Sprintf("prompt-%d", b.seq)
	status, body := b.cfg.SubmitStatus, b.cfg.SubmitBody
	b.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if status != 0 {
		w.WriteHeader(status)
	}
	if body != "" {
		io.WriteString(w, body)
		return
	}
	fmt.Fprintf(w, `{"prompt_id": %q, "number": %d, "node_errors": {}}`, id, b.seq)
}

func (b *Backend) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	b.mu.Lock()
	b.polls[id]++
	n := b.polls[id]
	known := b.isSubmitted(id)
	cfg := b.cfg
	b.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch {
	case n <= cfg.HistoryFailures:
		http.Error(w, "backend busy", http.StatusInternalServerError)
	case !known || n <= cfg.HistoryFailures+cfg.ReadyAfter:
		io.WriteString(w, `{}`)
	default:
		fmt.Fprintf(w, `{%q: {"prompt": [], "outputs": %s, "status": {"status_str": "success", "completed": true}}}`, id, cfg.Outputs)
	}
}

// isSubmitted reports whether id was handed out. Callers hold b.mu.
func (b *Backend) isSubmitted(id string) bool {
	var n int
	if _, err := fmt.Sscanf(id, "prompt-%d", &n); err != nil {
		return false
	}
	return n >= 1 && n <= b.seq
}

func (b *Backend) handleView(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("filename")

	b.mu.Lock()
	b.views++
	data, ok := b.cfg.Files[name]
	b.mu.Unlock()

	if !ok || r.URL.Query().Get("type") != "output" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(data)
}

func (b *Backend) handleUpload(w http.ResponseWriter, r *http.Request) {
	f, hdr, err := r.FormFile("image")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer f.Close()
	if r.FormValue("overwrite") != "true" {
		http.Error(w, "overwrite must be true", http.StatusBadRequest)
		return
	}
	data, err := io.ReadAll(f)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	name := strings.TrimSpace(hdr.Filename)
	b.mu.Lock()
	b.uploads[name] = data
	b.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"name": name, "subfolder": "", "type": "input"})
}

func (b *Backend) handleObjectInfo(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	status, models := b.cfg.ObjectInfoStatus, b.cfg.Models
	b.mu.Unlock()

	if status != 0 && status != http.StatusOK {
		http.Error(w, "unavailable", status)
		return
	}
	if models == nil {
		models = []string{}
	}
	doc := map[string]any{
		"CheckpointLoaderSimple": map[string]any{
			"input": map[string]any{
				"required": map[string]any{
					"ckpt_name": []any{models},
				},
			},
		},
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(doc)
}
