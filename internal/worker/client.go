// Package worker talks to the external compute worker service that performs
// the actual raster work: clipping two sources to an AOI with sub-pixel
// registration, and downsampling oversized rasters for preview.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"geoclip/internal/storage"
)

// Well-known output filenames written by the worker inside a job's output
// directory.
const (
	OutputA = "A_clipped.tif"
	OutputB = "B_clipped_aligned.tif"
)

// Client issues requests to the compute worker over HTTP.
type Client struct {
	baseURL string
	httpc   *http.Client
	log     *slog.Logger
}

// NewClient creates a worker client for the given base URL. No request
// timeout is imposed; a clip-and-register run can legitimately take minutes
// and a hung worker leaves the job running for operator intervention.
func NewClient(baseURL string, log *slog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{},
		log:     log,
	}
}

// ProcessRequest is the clip-and-register payload.
type ProcessRequest struct {
	ImageA string      `json:"imageA"`
	ImageB string      `json:"imageB"`
	AOI    storage.AOI `json:"aoi"`
	OutDir string      `json:"outDir"`
	JobID  string      `json:"jobId"`
}

// DownsampleRequest asks the worker to write a scaled-down copy of a raster.
type DownsampleRequest struct {
	Input  string  `json:"input"`
	Output string  `json:"output"`
	Scale  float64 `json:"scale"`
}

type workerResponse struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	OutputDir string `json:"outputDir"`
	Output    string `json:"output"`
}

// ProcessAOI runs the clip-and-register pipeline for one job. On success the
// outputs OutputA and OutputB exist inside req.OutDir.
func (c *Client) ProcessAOI(ctx context.Context, req ProcessRequest) error {
	start := time.Now()
	c.log.Info("dispatching clip-and-register", "job_id", req.JobID, "out_dir", req.OutDir)

	resp, err := c.post(ctx, "/process_aoi", req)
	if err != nil {
		return err
	}
	if resp.Status != "done" {
		return fmt.Errorf("worker reported %q: %s", resp.Status, resp.Message)
	}

	c.log.Info("clip-and-register finished",
		"job_id", req.JobID,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// Downsample writes a scaled copy of input to output.
func (c *Client) Downsample(ctx context.Context, req DownsampleRequest) error {
	c.log.Info("dispatching downsample", "input", req.Input, "scale", req.Scale)

	resp, err := c.post(ctx, "/downsample", req)
	if err != nil {
		return err
	}
	if resp.Status != "ok" && resp.Status != "done" {
		return fmt.Errorf("worker reported %q: %s", resp.Status, resp.Message)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, payload any) (workerResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return workerResponse{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return workerResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpc.Do(req)
	if err != nil {
		return workerResponse{}, fmt.Errorf("worker call %s: %w", path, err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return workerResponse{}, fmt.Errorf("worker call %s: read response: %w", path, err)
	}

	var resp workerResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		// Non-JSON failure body; fold it into the error.
		if httpResp.StatusCode >= 300 {
			return workerResponse{}, fmt.Errorf("worker call %s: %s: %s", path, httpResp.Status, strings.TrimSpace(string(raw)))
		}
		return workerResponse{}, fmt.Errorf("worker call %s: decode response: %w", path, err)
	}

	// The worker reports failures as {"status":"error","message":...} with a
	// 5xx status; callers inspect resp.Status, so the status code itself is
	// not load-bearing here.
	return resp, nil
}
