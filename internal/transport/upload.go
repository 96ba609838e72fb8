package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
)

type (
	// UploadOptions constrains an attachment before it leaves the device.
	// The upload service re-validates server-side; this is the client gate.
	UploadOptions struct {
		MaxBytes         int64
		AllowedMimeTypes []string
	}

	uploadResponse struct {
		URL string `json:"url"`
	}
)

// Upload pushes a media attachment or group avatar and returns its URL.
// The stored object is opaque to the messaging core.
func (c *Client) Upload(ctx context.Context, filename, mimeType string, r io.Reader, opts UploadOptions) (string, error) {
	if len(opts.AllowedMimeTypes) > 0 && !contains(opts.AllowedMimeTypes, mimeType) {
		return "", fmt.Errorf("mime type %s not allowed", mimeType)
	}
	if opts.MaxBytes > 0 {
		r = io.LimitReader(r, opts.MaxBytes+1)
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("file", filename)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		n, err := io.Copy(part, r)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if opts.MaxBytes > 0 && n > opts.MaxBytes {
			pw.CloseWithError(fmt.Errorf("file exceeds %d bytes", opts.MaxBytes))
			return
		}
		pw.CloseWithError(mw.Close())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/upload", pr)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if c.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearer)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTransportFailure, err)
	}
	defer resp.Body.Close()
	defer io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("%w: upload status %d", ErrTransportFailure, resp.StatusCode)
	}

	var out uploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: decode upload response: %v", ErrTransportFailure, err)
	}
	return out.URL, nil
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
