// Package artifact streams finished job outputs from the backend to local disk.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/me/comfyrun/pkg/model"
)

// ChunkSize is the fixed buffer size used when copying an artifact body.
const ChunkSize = 64 * 1024

// Viewer opens an artifact body for streaming. *comfy.Client satisfies it.
type Viewer interface {
	View(ctx context.Context, url string) (io.ReadCloser, int64, error)
}

// Downloader writes artifacts to a destination directory.
type Downloader struct {
	viewer Viewer
	logger *slog.Logger
}

// New creates a Downloader reading from v.
func New(v Viewer, logger *slog.Logger) *Downloader {
	return &Downloader{
		viewer: v,
		logger: logger.With("component", "downloader"),
	}
}

// Download retrieves out.URL into destDir/<base(out.Filename)> and returns
// the local path. The body is written to a temporary file in destDir and
// renamed into place once complete, so the destination never holds a
// partial artifact. Every failure is a *model.DownloadError.
func (d *Downloader) Download(ctx context.Context, out model.OutputDescriptor, destDir string) (string, error) {
	name := filepath.Base(filepath.Clean("/" + out.Filename))
	if name == "/" || name == "." {
		return "", &model.DownloadError{URL: out.URL, Err: fmt.Errorf("invalid filename %q", out.Filename)}
	}
	if destDir == "" {
		destDir = "."
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", &model.DownloadError{URL: out.URL, Err: fmt.Errorf("mkdir: %w", err)}
	}
	destPath := filepath.Join(destDir, name)

	start := time.Now()
	body, size, err := d.viewer.View(ctx, out.URL)
	if err != nil {
		var de *model.DownloadError
		if errors.As(err, &de) {
			return "", err
		}
		return "", &model.DownloadError{URL: out.URL, Err: err}
	}
	defer body.Close()

	tmp, err := os.CreateTemp(destDir, "."+name+".*.part")
	if err != nil {
		return "", &model.DownloadError{URL: out.URL, Err: fmt.Errorf("create temp file: %w", err)}
	}
	tmpPath := tmp.Name()

	w := &onlyWriter{w: tmp}
	written, err := io.CopyBuffer(w, body, make([]byte, ChunkSize))
	local := w.err != nil
	if err == nil {
		err = tmp.Sync()
		local = err != nil
	}
	if closeErr := tmp.Close(); closeErr != nil && err == nil {
		err, local = closeErr, true
	}
	if err == nil && size >= 0 && written != size {
		err = fmt.Errorf("short body: got %d of %d bytes", written, size)
	}
	if err != nil {
		os.Remove(tmpPath)
		de := &model.DownloadError{URL: out.URL, Err: fmt.Errorf("write %s: %w", name, err)}
		if !local {
			// The response was 200; the body broke off.
			de.StatusCode = http.StatusOK
		}
		return "", de
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		os.Remove(tmpPath)
		return "", &model.DownloadError{URL: out.URL, Err: fmt.Errorf("rename temp file: %w", err)}
	}

	d.logger.Info("artifact saved",
		"path", destPath,
		"size", humanize.Bytes(uint64(written)),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return destPath, nil
}

// onlyWriter hides *os.File's ReadFrom so io.CopyBuffer uses the fixed
// chunk buffer. It remembers write failures so they can be told apart from
// a broken response body.
type onlyWriter struct {
	w   io.Writer
	err error
}

func (o *onlyWriter) Write(p []byte) (int, error) {
	n, err := o.w.Write(p)
	if err != nil {
		o.err = err
	}
	return n, err
}
