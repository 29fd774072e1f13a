// Package client is the consumer side of the orchestrator: it uploads
// sources, submits jobs, polls job status until a terminal state, and
// retrieves artifacts that may not be materialized yet. A 202 response is a
// retry signal with a bounded budget; any other non-success is fatal.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"geoclip/internal/storage"
)

// ErrRetriesExhausted is returned when the artifact stayed not-ready for the
// whole retry budget. It is distinct from a server-reported failure.
var ErrRetriesExhausted = errors.New("artifact retries exhausted")

// ErrNotFound is returned for unknown image or job identifiers; retrying is
// pointless.
var ErrNotFound = errors.New("not found")

// Coordinator drives the polling state machine against the orchestrator API.
type Coordinator struct {
	baseURL      string
	httpc        *http.Client
	log          *slog.Logger
	maxAttempts  int
	retryDelay   time.Duration
	pollInterval time.Duration
}

// New creates a Coordinator for the given API base URL.
func New(baseURL string, maxAttempts int, retryDelay, pollInterval time.Duration, log *slog.Logger) *Coordinator {
	return &Coordinator{
		baseURL:      strings.TrimRight(baseURL, "/"),
		httpc:        &http.Client{},
		log:          log,
		maxAttempts:  maxAttempts,
		retryDelay:   retryDelay,
		pollInterval: pollInterval,
	}
}

type uploadResponse struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
}

// UploadImage uploads a source raster and returns its identifier.
func (c *Coordinator) UploadImage(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("image", filepath.Base(path))
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", err
	}
	mw.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/images", &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fatalResponse("upload", resp)
	}

	var out uploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	c.log.Info("image uploaded", "id", out.ID, "size", out.Size)
	return out.ID, nil
}

// SubmitJob creates a clip-and-register job and returns its identifier.
func (c *Coordinator) SubmitJob(ctx context.Context, imageA, imageB string, aoi storage.AOI) (string, error) {
	payload, err := json.Marshal(map[string]any{
		"imageA": imageA,
		"imageB": imageB,
		"aoi":    aoi,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/jobs", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fatalResponse("submit", resp)
	}

	var out map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	if out["jobId"] == "" {
		return "", errors.New("submit: response carried no jobId")
	}
	return out["jobId"], nil
}

// JobStatus fetches the full job record once.
func (c *Coordinator) JobStatus(ctx context.Context, jobID string) (storage.JobRecord, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/jobs/"+jobID, nil)
	if err != nil {
		return storage.JobRecord{}, err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return storage.JobRecord{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return storage.JobRecord{}, fmt.Errorf("%w: job %s", ErrNotFound, jobID)
	}
	if resp.StatusCode != http.StatusOK {
		return storage.JobRecord{}, fatalResponse("status", resp)
	}

	var rec storage.JobRecord
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return storage.JobRecord{}, err
	}
	return rec, nil
}

// PollJob polls job status at the configured interval until the record
// reaches a terminal state. onProgress, when non-nil, is invoked for every
// observed sample.
func (c *Coordinator) PollJob(ctx context.Context, jobID string, onProgress func(status storage.JobStatus, progress int)) (storage.JobRecord, error) {
	for {
		rec, err := c.JobStatus(ctx, jobID)
		if err != nil {
			return storage.JobRecord{}, err
		}
		if onProgress != nil {
			onProgress(rec.Status, rec.Progress)
		}
		if rec.Status.Terminal() {
			return rec, nil
		}

		select {
		case <-ctx.Done():
			return storage.JobRecord{}, ctx.Err()
		case <-time.After(c.pollInterval):
		}
	}
}

// FetchArtifact retrieves artifact bytes from path (e.g.
// /api/jobs/{id}/raster/a). A 202 schedules a retry after the fixed delay
// until the attempt budget runs out; any other non-200 is immediately fatal
// with the response body as the message.
func (c *Coordinator) FetchArtifact(ctx context.Context, path string) ([]byte, error) {
	url := c.baseURL + path
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.httpc.Do(req)
		if err != nil {
			return nil, err
		}

		switch resp.StatusCode {
		case http.StatusOK:
			body, err := io.ReadAll(resp.Body)
			resp.Body.Close()
			if err != nil {
				return nil, err
			}
			return body, nil
		case http.StatusAccepted:
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			c.log.Debug("artifact not ready", "path", path, "attempt", attempt)
			if attempt == c.maxAttempts {
				break
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.retryDelay):
			}
		default:
			err := fatalResponse("fetch "+path, resp)
			resp.Body.Close()
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %s after %d attempts", ErrRetriesExhausted, path, c.maxAttempts)
}

// fatalResponse folds a non-success response into an error carrying the
// server's body verbatim.
func fatalResponse(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("%s: %s: %s", op, resp.Status, strings.TrimSpace(string(body)))
}
