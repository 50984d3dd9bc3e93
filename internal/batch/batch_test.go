package batch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/me/comfyrun/internal/comfy"
	"github.com/me/comfyrun/internal/comfy/comfytest"
	"github.com/me/comfyrun/internal/config"
	"github.com/me/comfyrun/internal/job"
	"github.com/me/comfyrun/internal/logging"
	"github.com/me/comfyrun/internal/template"
)

// fakeRunner records requests and tracks peak concurrency.
type fakeRunner struct {
	mu       sync.Mutex
	requests []job.Request
	current  int32
	peak     int32
	failOn   string
}

func (f *fakeRunner) Run(_ context.Context, req job.Request) (*job.Result, error) {
	c := atomic.AddInt32(&f.current, 1)
	defer atomic.AddInt32(&f.current, -1)
	for {
		old := atomic.LoadInt32(&f.peak)
		if c <= old || atomic.CompareAndSwapInt32(&f.peak, old, c) {
			break
		}
	}

	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	time.Sleep(10 * time.Millisecond)
	if f.failOn != "" && strings.HasSuffix(req.UploadImage, f.failOn) {
		return nil, errors.New("backend rejected image")
	}
	base := filepath.Base(req.UploadImage)
	return &job.Result{JobID: "job_" + base, PromptID: "p_" + base, Path: filepath.Join(req.OutputDir, base)}, nil
}

func imageDir(t *testing.T, names ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, n := range names {
		if err := os.WriteFile(filepath.Join(dir, n), []byte("img:"+n), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "nested.png"), 0o755); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestListImages(t *testing.T) {
	dir := imageDir(t, "b.JPG", "a.png", "notes.txt", "c.jpeg", "d.webp", "e.gif")

	images, err := ListImages(dir)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, p := range images {
		names = append(names, filepath.Base(p))
	}
	if got := strings.Join(names, ","); got != "a.png,b.JPG,c.jpeg,d.webp" {
		t.Errorf("images = %s", got)
	}
}

func TestListImages_MissingDir(t *testing.T) {
	if _, err := ListImages(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Error("expected error for missing dir")
	}
}

func TestRun_BoundsConcurrencyAndKeepsOrder(t *testing.T) {
	dir := imageDir(t, "1.png", "2.png", "3.png", "4.png", "5.png", "6.png")
	r := &fakeRunner{}

	items, err := NewDriver(r, logging.Discard()).Run(context.Background(), Spec{
		Dir:         dir,
		WorkflowID:  "extend",
		Params:      map[string]any{"left": 40},
		OutputDir:   "out",
		Concurrency: 2,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(items) != 6 {
		t.Fatalf("items = %d", len(items))
	}
	for i, it := range items {
		want := filepath.Join(dir, string(rune('1'+i))+".png")
		if it.Source != want || it.Err != nil || it.Path != filepath.Join("out", filepath.Base(want)) {
			t.Errorf("item %d = %+v", i, it)
		}
	}
	if r.peak > 2 {
		t.Errorf("peak concurrency %d exceeds 2", r.peak)
	}
	for _, req := range r.requests {
		if req.WorkflowID != "extend" || req.Params["left"] != 40 {
			t.Errorf("request = %+v", req)
		}
	}
}

func TestRun_FailureDoesNotStopOthers(t *testing.T) {
	dir := imageDir(t, "a.png", "bad.png", "c.png")
	r := &fakeRunner{failOn: "bad.png"}

	items, err := NewDriver(r, logging.Discard()).Run(context.Background(), Spec{Dir: dir, WorkflowID: "w"})
	if err != nil {
		t.Fatal(err)
	}
	ok, failed := Summarize(items)
	if ok != 2 || failed != 1 {
		t.Errorf("ok=%d failed=%d", ok, failed)
	}
	if items[1].Err == nil || items[0].Err != nil || items[2].Err != nil {
		t.Errorf("items = %+v", items)
	}
}

func TestRun_EmptyDir(t *testing.T) {
	dir := imageDir(t, "readme.md")
	if _, err := NewDriver(&fakeRunner{}, logging.Discard()).Run(context.Background(), Spec{Dir: dir}); err == nil {
		t.Error("expected error for a folder without images")
	}
}

func TestRun_CancelledContext(t *testing.T) {
	dir := imageDir(t, "a.png", "b.png", "c.png")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	items, err := NewDriver(&fakeRunner{}, logging.Discard()).Run(ctx, Spec{Dir: dir, Concurrency: 1})
	if err != nil {
		t.Fatal(err)
	}
	for _, it := range items {
		if !errors.Is(it.Err, context.Canceled) {
			t.Errorf("%s: err = %v, want context.Canceled", it.Source, it.Err)
		}
	}
}

func TestRun_EndToEnd(t *testing.T) {
	b := comfytest.New(t, comfytest.Config{ReadyAfter: 1})
	workflows, mappings := comfytest.WriteTemplates(t, "extend")
	client := comfy.New(context.Background(), config.ClientConfig{Host: b.URL}, logging.Discard())
	runner := job.NewRunner(
		template.NewGraphStore(workflows, logging.Discard()),
		template.NewMappingTable(mappings, logging.Discard()),
		client, nil,
		job.Config{Poll: config.PollConfig{MaxAttempts: 5, Interval: time.Millisecond}},
		logging.Discard(),
	)
	dir := imageDir(t, "x.png", "y.jpg")
	out := t.TempDir()

	items, err := NewDriver(runner, logging.Discard()).Run(context.Background(), Spec{Dir: dir, WorkflowID: "extend", OutputDir: out})
	if err != nil {
		t.Fatal(err)
	}
	for _, it := range items {
		if it.Err != nil {
			t.Errorf("%s: %v", it.Source, it.Err)
		}
	}
	if _, ok := b.Upload("x.png"); !ok {
		t.Error("x.png not uploaded")
	}
	if _, ok := b.Upload("y.jpg"); !ok {
		t.Error("y.jpg not uploaded")
	}
	if len(b.Submitted()) != 2 {
		t.Errorf("submitted = %d", len(b.Submitted()))
	}
}
