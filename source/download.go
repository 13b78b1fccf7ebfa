package source

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"airweave.ai/core/common"
	"airweave.ai/core/entity"
)

// defaultMaxFileBytes caps how much of a file-backed entity is pulled to
// local disk before processing. Oversized files are skipped, not failed.
const defaultMaxFileBytes = 1 << 30 // 1 GiB

// ErrFileTooLarge marks a file-backed entity whose payload exceeds the
// download cap. The pipeline skips the entity and keeps streaming.
var ErrFileTooLarge = common.NewError(common.KindValidation, "file exceeds download size limit")

// FileDownloader pulls file-backed entity payloads to the job's temp
// directory through the rate-limited client.
type FileDownloader struct {
	client   *HTTPClient
	jobDir   string
	maxBytes int64
	logger   *common.ContextLogger
}

// NewFileDownloader creates a downloader writing into jobDir. maxBytes
// zero takes the default cap.
func NewFileDownloader(client *HTTPClient, jobDir string, maxBytes int64, logger *common.ContextLogger) *FileDownloader {
	if maxBytes <= 0 {
		maxBytes = defaultMaxFileBytes
	}
	if logger == nil {
		logger = common.NewContextLogger(nil, map[string]interface{}{"component": "downloader"})
	}
	return &FileDownloader{client: client, jobDir: jobDir, maxBytes: maxBytes, logger: logger}
}

// Fetch downloads the entity's file URL into the job directory, filling in
// LocalPath, Size and Checksum on the entity's file attributes. Entities
// whose reported or actual size exceeds the cap return ErrFileTooLarge.
// authorize, when non-nil, decorates the request with source credentials.
func (d *FileDownloader) Fetch(ctx context.Context, e *entity.Entity, authorize func(*http.Request)) error {
	if e.File == nil || e.File.URL == "" {
		return common.NewError(common.KindValidation, "entity has no file URL to download")
	}
	if e.File.Size > d.maxBytes {
		return ErrFileTooLarge
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.File.URL, nil)
	if err != nil {
		return fmt.Errorf("building download request for %s: %w", e.SourceEntityID, err)
	}
	if authorize != nil {
		authorize(req)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("downloading %s: %w", e.SourceEntityID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return common.NewError(common.KindProviderTransient,
			fmt.Sprintf("file download for %s returned %d", e.SourceEntityID, resp.StatusCode))
	}

	name := entity.SafeName(e.SourceEntityID + "_" + e.Name)
	dest := filepath.Join(d.jobDir, name)
	if err := os.MkdirAll(d.jobDir, 0o755); err != nil {
		return fmt.Errorf("creating job directory: %w", err)
	}

	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("creating %s: %w", dest, err)
	}
	defer f.Close()

	hasher := sha256.New()
	// +1 so a stream exactly at the cap is distinguishable from one over it.
	limited := io.LimitReader(resp.Body, d.maxBytes+1)
	written, err := io.Copy(io.MultiWriter(f, hasher), limited)
	if err != nil {
		os.Remove(dest)
		return fmt.Errorf("writing %s: %w", dest, err)
	}
	if written > d.maxBytes {
		os.Remove(dest)
		return ErrFileTooLarge
	}

	e.File.LocalPath = dest
	e.File.Size = written
	e.File.Checksum = hex.EncodeToString(hasher.Sum(nil))

	if e.File.MimeType == "" {
		e.File.MimeType = resp.Header.Get("Content-Type")
	}

	d.logger.WithFields(map[string]interface{}{
		"entity_id": e.SourceEntityID,
		"bytes":     written,
	}).Debug("Downloaded file entity")
	return nil
}
