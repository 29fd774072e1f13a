package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"geoclip/internal/dispatch"
	"geoclip/internal/events"
	"geoclip/internal/materialize"
	"geoclip/internal/storage"
	"geoclip/internal/worker"
)

const maxUploadMemory = 32 << 20

type uploadResponse struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
}

type createJobRequest struct {
	ImageA string       `json:"imageA"`
	ImageB string       `json:"imageB"`
	AOI    *storage.AOI `json:"aoi"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		writeError(w, http.StatusBadRequest, "malformed multipart body: "+err.Error())
		return
	}
	file, header, err := r.FormFile("image")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing image field")
		return
	}
	defer file.Close()

	id := uuid.NewString()
	storedName := id + filepath.Ext(header.Filename)
	storedPath := filepath.Join(s.cfg.UploadsDir(), storedName)

	dst, err := os.Create(storedPath)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "cannot store upload: "+err.Error())
		return
	}
	size, err := io.Copy(dst, file)
	dst.Close()
	if err != nil {
		os.Remove(storedPath)
		writeError(w, http.StatusInternalServerError, "cannot store upload: "+err.Error())
		return
	}

	rec := storage.ImageRecord{
		ID:               id,
		OriginalFilename: header.Filename,
		StoredFilename:   storedName,
		Size:             size,
		Status:           storage.ImageReady,
	}
	oversized := size > s.cfg.Preview.ThresholdBytes
	if oversized {
		rec.Status = storage.ImageProcessing
	}
	if err := s.store.CreateImage(rec); err != nil {
		os.Remove(storedPath)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.log.Info("image uploaded",
		"id", id,
		"filename", header.Filename,
		"size", size,
		"needs_preview", oversized,
	)

	if oversized {
		// Kick off preview generation now; raster reads stay 202 until the
		// record flips to ready.
		s.mat.Resolve(s.previewTarget(rec), s.previewGenerator(rec))
	}

	writeJSON(w, http.StatusOK, uploadResponse{ID: id, Filename: header.Filename, Size: size})
}

func (s *Server) handleImageRaster(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rec, err := s.store.GetImage(id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown image "+id)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	switch rec.Status {
	case storage.ImageProcessing:
		writeNotReady(w, "processing", "preview still generating, try again later")
		return
	case storage.ImageError:
		writeError(w, http.StatusInternalServerError, rec.Error)
		return
	}

	if rec.PreviewFilename == "" {
		// Small source: serve the original directly.
		s.serveRaster(w, r, filepath.Join(s.cfg.UploadsDir(), rec.StoredFilename))
		return
	}

	s.resolveAndServe(w, r, filepath.Join(s.cfg.PreviewsDir(), rec.PreviewFilename), s.previewGenerator(rec))
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body: "+err.Error())
		return
	}
	if req.ImageA == "" || req.ImageB == "" || req.AOI == nil {
		writeError(w, http.StatusBadRequest, "imageA, imageB and aoi are required")
		return
	}

	jobID, err := s.dispatcher.Submit(req.ImageA, req.ImageB, *req.AOI)
	if errors.Is(err, dispatch.ErrInvalidRequest) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"jobId": jobID})
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rec, err := s.store.GetJob(id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown job "+id)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleRecentJobs(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.RecentJobs(100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleJobRaster(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, which := vars["id"], vars["which"]
	if which != "a" && which != "b" {
		writeError(w, http.StatusBadRequest, "output selector must be \"a\" or \"b\"")
		return
	}

	rec, err := s.store.GetJob(id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown job "+id)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	switch rec.Status {
	case storage.JobQueued, storage.JobRunning:
		writeNotReady(w, string(rec.Status), "job still processing, try again later")
		return
	case storage.JobError:
		writeError(w, http.StatusNotFound, "job failed: "+rec.Error)
		return
	}

	if rec.Outputs == nil {
		writeError(w, http.StatusInternalServerError, "done job has no outputs")
		return
	}
	outPath := rec.Outputs.ImageA
	if which == "b" {
		outPath = rec.Outputs.ImageB
	}

	st, err := os.Stat(outPath)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "output missing on disk: "+err.Error())
		return
	}

	if st.Size() <= s.cfg.Preview.ThresholdBytes {
		s.serveRaster(w, r, outPath)
		return
	}

	// Oversized output: hand out a downsampled substitute instead,
	// generated on demand.
	target := filepath.Join(filepath.Dir(outPath), "preview_"+filepath.Base(outPath))
	s.resolveAndServe(w, r, target, s.outputPreviewGenerator(rec.ID, outPath, target))
}

// resolveAndServe runs a target through the materializer and maps the result
// onto the HTTP contract: ready streams the file, pending is 202, a recorded
// generation failure is 500.
func (s *Server) resolveAndServe(w http.ResponseWriter, r *http.Request, target string, gen materialize.Generator) {
	path, err := s.mat.Resolve(target, gen)
	if errors.Is(err, materialize.ErrPending) {
		writeNotReady(w, "processing", "artifact still generating, try again later")
		return
	}
	var genErr *materialize.GenerationError
	if errors.As(err, &genErr) {
		writeError(w, http.StatusInternalServerError, genErr.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.serveRaster(w, r, path)
}

func (s *Server) serveRaster(w http.ResponseWriter, r *http.Request, path string) {
	w.Header().Set("Content-Type", "image/tiff")
	http.ServeFile(w, r, path)
}

// previewTarget is the downsampled substitute path for an oversized source.
func (s *Server) previewTarget(rec storage.ImageRecord) string {
	return filepath.Join(s.cfg.PreviewsDir(), rec.ID+"_preview.tif")
}

// previewGenerator downsamples an oversized source and flips its record from
// processing to ready (or error). The record is the owner of the outcome.
func (s *Server) previewGenerator(rec storage.ImageRecord) materialize.Generator {
	input := filepath.Join(s.cfg.UploadsDir(), rec.StoredFilename)
	target := s.previewTarget(rec)
	return func(ctx context.Context) error {
		err := s.workerc.Downsample(ctx, worker.DownsampleRequest{
			Input:  input,
			Output: target,
			Scale:  s.cfg.Preview.Scale,
		})
		if err != nil {
			st := storage.ImageError
			msg := err.Error()
			if _, uerr := s.store.UpdateImage(rec.ID, storage.ImagePatch{Status: &st, Error: &msg}); uerr != nil {
				s.log.Error("cannot record preview failure", "image_id", rec.ID, "error", uerr)
			}
			return err
		}

		st := storage.ImageReady
		preview := filepath.Base(target)
		if _, uerr := s.store.UpdateImage(rec.ID, storage.ImagePatch{Status: &st, PreviewFilename: &preview}); uerr != nil {
			return fmt.Errorf("preview written but record update failed: %w", uerr)
		}
		s.hub.Publish(events.Event{Type: "artifact", Path: target, Message: "preview ready"})
		return nil
	}
}

// outputPreviewGenerator downsamples an oversized job output. Failures land
// in the job's log; the job itself stays done.
func (s *Server) outputPreviewGenerator(jobID, input, target string) materialize.Generator {
	return func(ctx context.Context) error {
		err := s.workerc.Downsample(ctx, worker.DownsampleRequest{
			Input:  input,
			Output: target,
			Scale:  s.cfg.Preview.Scale,
		})
		if err != nil {
			line := fmt.Sprintf("output preview failed: %v", err)
			if _, uerr := s.store.UpdateJob(jobID, storage.JobPatch{LogLine: &line}); uerr != nil {
				s.log.Error("cannot record output preview failure", "job_id", jobID, "error", uerr)
			}
			return err
		}
		s.hub.Publish(events.Event{Type: "artifact", JobID: jobID, Path: target, Message: "output preview ready"})
		return nil
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeNotReady is the "come back later" signal: 202 with a status body and
// no file bytes.
func writeNotReady(w http.ResponseWriter, status, message string) {
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":  status,
		"message": message,
	})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
