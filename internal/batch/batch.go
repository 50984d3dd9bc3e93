// Package batch runs one pipeline job per image in a folder with bounded
// concurrency.
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/me/comfyrun/internal/job"
	"github.com/me/comfyrun/pkg/model"
)

// DefaultConcurrency is the number of images processed at once when Spec
// leaves it unset.
const DefaultConcurrency = 2

// imageExts are the input extensions picked up from a folder.
var imageExts = []string{".png", ".jpg", ".jpeg", ".webp"}

// Runner executes one pipeline run. *job.Runner satisfies it.
type Runner interface {
	Run(ctx context.Context, req job.Request) (*job.Result, error)
}

// Spec describes a folder run.
type Spec struct {
	Dir         string
	WorkflowID  string
	Params      map[string]any // shared by every image
	Kind        model.ContentKind
	OutputDir   string
	Concurrency int
	MaxAttempts int
	Interval    time.Duration
}

// Item is the outcome for one input image.
type Item struct {
	Source   string
	JobID    string
	PromptID string
	Path     string
	Err      error
}

// Driver runs folder batches.
type Driver struct {
	runner Runner
	logger *slog.Logger
}

// NewDriver creates a Driver that submits through r.
func NewDriver(r Runner, logger *slog.Logger) *Driver {
	return &Driver{
		runner: r,
		logger: logger.With("component", "batch"),
	}
}

// Run processes every image in spec.Dir. A failing image does not stop the
// others; its error is carried on its Item. Items are returned in the
// sorted order of the inputs. The error return covers only listing the
// folder and ctx cancellation before any work started.
func (d *Driver) Run(ctx context.Context, spec Spec) ([]Item, error) {
	images, err := ListImages(spec.Dir)
	if err != nil {
		return nil, err
	}
	if len(images) == 0 {
		return nil, fmt.Errorf("no images (%s) in %s", strings.Join(imageExts, ", "), spec.Dir)
	}

	concurrency := spec.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	sem := NewSemaphore(concurrency)

	d.logger.Info("batch started", "dir", spec.Dir, "workflow_id", spec.WorkflowID, "images", len(images), "concurrency", concurrency)
	start := time.Now()

	items := make([]Item, len(images))
	var wg sync.WaitGroup
	for i, src := range images {
		items[i].Source = src
		if ctx.Err() != nil || !sem.Acquire(ctx) {
			items[i].Err = ctx.Err()
			continue
		}
		wg.Add(1)
		go func(it *Item) {
			defer wg.Done()
			defer sem.Release()
			d.runOne(ctx, spec, it)
		}(&items[i])
	}
	wg.Wait()

	ok, failed := Summarize(items)
	d.logger.Info("batch finished", "succeeded", ok, "failed", failed, "elapsed", time.Since(start).Round(time.Millisecond))
	return items, nil
}

func (d *Driver) runOne(ctx context.Context, spec Spec, it *Item) {
	res, err := d.runner.Run(ctx, job.Request{
		WorkflowID:  spec.WorkflowID,
		Params:      spec.Params,
		Kind:        spec.Kind,
		OutputDir:   spec.OutputDir,
		MaxAttempts: spec.MaxAttempts,
		Interval:    spec.Interval,
		UploadImage: it.Source,
	})
	if err != nil {
		it.Err = err
		d.logger.Warn("image failed", "source", it.Source, "error", err)
		return
	}
	it.JobID = res.JobID
	it.PromptID = res.PromptID
	it.Path = res.Path
}

// ListImages returns the image files directly inside dir, sorted by name.
// Extensions are matched case-insensitively.
func ListImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read batch dir: %w", err)
	}
	var images []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if slices.Contains(imageExts, strings.ToLower(filepath.Ext(e.Name()))) {
			images = append(images, filepath.Join(dir, e.Name()))
		}
	}
	slices.Sort(images)
	return images, nil
}

// Summarize counts succeeded and failed items.
func Summarize(items []Item) (succeeded, failed int) {
	for _, it := range items {
		if it.Err != nil {
			failed++
		} else {
			succeeded++
		}
	}
	return succeeded, failed
}
