package comfy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"

	"github.com/me/comfyrun/pkg/model"
)

// Upload sends the file at path to the backend's input directory and
// returns the server-side name to reference in graph parameters.
func (c *Client) Upload(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", &model.UploadError{Filename: path, Err: err}
	}
	defer f.Close()
	return c.UploadReader(ctx, filepath.Base(path), f)
}

// UploadReader uploads r under name, overwriting any existing file.
func (c *Client) UploadReader(ctx context.Context, name string, r io.Reader) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("image", name)
	if err != nil {
		return "", &model.UploadError{Filename: name, Err: err}
	}
	if _, err := io.Copy(part, r); err != nil {
		return "", &model.UploadError{Filename: name, Err: err}
	}
	if err := mw.WriteField("overwrite", "true"); err != nil {
		return "", &model.UploadError{Filename: name, Err: err}
	}
	if err := mw.Close(); err != nil {
		return "", &model.UploadError{Filename: name, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/upload/image", &buf)
	if err != nil {
		return "", &model.UploadError{Filename: name, Err: err}
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &model.UploadError{Filename: name, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &model.UploadError{Filename: name, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return "", &model.UploadError{Filename: name, StatusCode: resp.StatusCode, Body: string(body)}
	}

	var out struct {
		Name      string `json:"name"`
		Subfolder string `json:"subfolder"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", &model.UploadError{Filename: name, Err: fmt.Errorf("decode response: %w", err)}
	}
	if out.Name == "" {
		return "", &model.UploadError{Filename: name, Err: fmt.Errorf("response missing name: %s", body)}
	}

	c.logger.Info("image uploaded", "file", name, "name", out.Name)
	return out.Name, nil
}
