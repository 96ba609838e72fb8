package server

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"movemsg/internal/utils/log"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const maxUploadBytes = 25 << 20

var allowedUploadTypes = map[string]string{
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
	"image/gif":       ".gif",
	"image/webp":      ".webp",
	"video/mp4":       ".mp4",
	"application/pdf": ".pdf",
}

// handleUpload stores a multipart attachment on local disk and returns its
// URL. Attachments arrive already encrypted client-side, so the served
// bytes are opaque.
func (s *HttpServer) handleUpload() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if identityOf(r) == "" {
			http.Error(w, "missing credential", http.StatusUnauthorized)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
		file, header, err := r.FormFile("file")
		if err != nil {
			http.Error(w, "malformed upload", http.StatusBadRequest)
			return
		}
		defer file.Close()

		ext, ok := allowedUploadTypes[header.Header.Get("Content-Type")]
		if !ok {
			http.Error(w, "unsupported media type", http.StatusUnsupportedMediaType)
			return
		}

		if err := os.MkdirAll(s.cfg.UploadDir, 0o755); err != nil {
			log.Error("create upload dir failed", zap.Error(err))
			http.Error(w, "upload failed", http.StatusInternalServerError)
			return
		}

		name := uuid.NewString() + ext
		dst, err := os.Create(filepath.Join(s.cfg.UploadDir, name))
		if err != nil {
			log.Error("create upload file failed", zap.Error(err))
			http.Error(w, "upload failed", http.StatusInternalServerError)
			return
		}
		defer dst.Close()

		if _, err := io.Copy(dst, file); err != nil {
			log.Error("write upload failed", zap.Error(err))
			http.Error(w, "upload failed", http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusCreated, map[string]string{
			"url": fmt.Sprintf("/uploads/%s", name),
		})
	}
}
