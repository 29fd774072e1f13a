// Package dispatch owns the job lifecycle: validate a clip-and-register
// request, persist it queued, and hand it to the compute worker without
// blocking the caller. The dispatcher is the only writer of a job record
// while it runs; the single terminal transition comes from the worker
// response.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"geoclip/internal/events"
	"geoclip/internal/storage"
	"geoclip/internal/worker"
)

// ErrInvalidRequest marks synchronous validation failures; no job record
// exists when Submit returns one of these.
var ErrInvalidRequest = errors.New("invalid job request")

// computeClient is the slice of the worker client the dispatcher needs.
type computeClient interface {
	ProcessAOI(ctx context.Context, req worker.ProcessRequest) error
}

// Dispatcher submits clip-and-register jobs to the compute worker.
type Dispatcher struct {
	store      *storage.Store
	worker     computeClient
	hub        *events.Hub
	uploadsDir string
	outputRoot string
	log        *slog.Logger

	// progressTick drives the coarse progress heartbeat while the worker
	// call is in flight.
	progressTick time.Duration
}

// New creates a Dispatcher. hub may be nil.
func New(store *storage.Store, wc computeClient, hub *events.Hub, uploadsDir, outputRoot string, log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:        store,
		worker:       wc,
		hub:          hub,
		uploadsDir:   uploadsDir,
		outputRoot:   outputRoot,
		log:          log,
		progressTick: 2 * time.Second,
	}
}

// Submit validates the request, persists the job in queued and kicks off the
// asynchronous dispatch. It returns the new job identifier before any work
// happens.
func (d *Dispatcher) Submit(imageA, imageB string, aoi storage.AOI) (string, error) {
	recA, err := d.resolveImage(imageA)
	if err != nil {
		return "", err
	}
	recB, err := d.resolveImage(imageB)
	if err != nil {
		return "", err
	}
	if !aoi.Valid() {
		return "", fmt.Errorf("%w: AOI bounds must be finite with north > south and east > west", ErrInvalidRequest)
	}

	jobID := uuid.NewString()
	outDir := filepath.Join(d.outputRoot, jobID)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir for job %s: %w", jobID, err)
	}

	job := storage.JobRecord{
		ID:     jobID,
		Status: storage.JobQueued,
		ImageA: imageA,
		ImageB: imageB,
		AOI:    aoi,
		Log:    []string{"job created"},
	}
	if err := d.store.CreateJob(job); err != nil {
		return "", err
	}
	d.log.Info("job queued", "job_id", jobID, "image_a", imageA, "image_b", imageB)
	d.publish(job.Status, jobID, 0)

	pathA := filepath.Join(d.uploadsDir, recA.StoredFilename)
	pathB := filepath.Join(d.uploadsDir, recB.StoredFilename)
	go d.run(jobID, pathA, pathB, aoi, outDir)

	return jobID, nil
}

func (d *Dispatcher) resolveImage(id string) (storage.ImageRecord, error) {
	rec, err := d.store.GetImage(id)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.ImageRecord{}, fmt.Errorf("%w: unknown image %q", ErrInvalidRequest, id)
	}
	if err != nil {
		return storage.ImageRecord{}, err
	}
	return rec, nil
}

func (d *Dispatcher) run(jobID, pathA, pathB string, aoi storage.AOI, outDir string) {
	start := time.Now().UTC()
	running := storage.JobRunning
	p := 5
	line := "dispatching to compute worker"
	if _, err := d.store.UpdateJob(jobID, storage.JobPatch{
		Status:    &running,
		Progress:  &p,
		StartedAt: &start,
		LogLine:   &line,
	}); err != nil {
		d.log.Error("cannot mark job running", "job_id", jobID, "error", err)
		return
	}
	d.publish(running, jobID, p)

	stopTicks := make(chan struct{})
	go d.tickProgress(jobID, stopTicks)

	// No timeout on the worker call: a hung worker leaves the job running
	// until an operator steps in.
	err := d.worker.ProcessAOI(context.Background(), worker.ProcessRequest{
		ImageA: pathA,
		ImageB: pathB,
		AOI:    aoi,
		OutDir: outDir,
		JobID:  jobID,
	})
	close(stopTicks)

	now := time.Now().UTC()
	if err != nil {
		msg := err.Error()
		failed := storage.JobError
		line := "compute worker failed: " + msg
		if _, uerr := d.store.UpdateJob(jobID, storage.JobPatch{
			Status:      &failed,
			Error:       &msg,
			CompletedAt: &now,
			LogLine:     &line,
		}); uerr != nil {
			d.log.Error("cannot record job failure", "job_id", jobID, "error", uerr)
		}
		d.log.Error("job failed", "job_id", jobID, "error", err)
		d.publish(failed, jobID, 0)
		return
	}

	done := storage.JobDone
	p = 100
	line = "compute worker finished"
	outputs := &storage.JobOutputs{
		ImageA: filepath.Join(outDir, worker.OutputA),
		ImageB: filepath.Join(outDir, worker.OutputB),
	}
	if _, err := d.store.UpdateJob(jobID, storage.JobPatch{
		Status:      &done,
		Progress:    &p,
		Outputs:     outputs,
		CompletedAt: &now,
		LogLine:     &line,
	}); err != nil {
		d.log.Error("cannot record job completion", "job_id", jobID, "error", err)
		return
	}
	d.log.Info("job done", "job_id", jobID, "duration_ms", time.Since(start).Milliseconds())
	d.publish(done, jobID, 100)
}

// tickProgress nudges the progress field while the worker call is in flight
// so pollers see movement. The store clamps progress non-decreasing and
// terminal records ignore it, so ticks racing the final transition are
// harmless.
func (d *Dispatcher) tickProgress(jobID string, stop <-chan struct{}) {
	ticker := time.NewTicker(d.progressTick)
	defer ticker.Stop()

	progress := 5
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if progress >= 90 {
				continue
			}
			progress += 10
			p := progress
			rec, err := d.store.UpdateJob(jobID, storage.JobPatch{Progress: &p})
			if err != nil {
				d.log.Warn("progress update failed", "job_id", jobID, "error", err)
				continue
			}
			d.publish(rec.Status, jobID, rec.Progress)
		}
	}
}

func (d *Dispatcher) publish(status storage.JobStatus, jobID string, progress int) {
	d.hub.Publish(events.Event{
		Type:     "job",
		JobID:    jobID,
		Status:   string(status),
		Progress: progress,
	})
}
