package client

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"geoclip/internal/storage"
)

func newCoordinator(url string, attempts int) *Coordinator {
	return New(url, attempts, time.Millisecond, time.Millisecond, slog.Default())
}

func TestFetchArtifactSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/tiff")
		w.Write([]byte("raster bytes"))
	}))
	defer srv.Close()

	c := newCoordinator(srv.URL, 3)
	body, err := c.FetchArtifact(context.Background(), "/api/jobs/j1/raster/a")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if string(body) != "raster bytes" {
		t.Fatalf("unexpected body %q", body)
	}
}

func TestFetchArtifactRetriesThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusAccepted)
			json.NewEncoder(w).Encode(map[string]string{"status": "processing", "message": "try again later"})
			return
		}
		w.Write([]byte("finally"))
	}))
	defer srv.Close()

	c := newCoordinator(srv.URL, 5)
	body, err := c.FetchArtifact(context.Background(), "/x")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if string(body) != "finally" {
		t.Fatalf("unexpected body %q", body)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestFetchArtifactBoundedRetryTermination(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{"status": "processing"})
	}))
	defer srv.Close()

	const attempts = 7
	c := newCoordinator(srv.URL, attempts)
	_, err := c.FetchArtifact(context.Background(), "/x")
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("expected ErrRetriesExhausted, got %v", err)
	}
	if n := atomic.LoadInt32(&calls); n != attempts {
		t.Fatalf("expected exactly %d attempts, got %d", attempts, n)
	}
}

func TestFetchArtifactFatalOnServerError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"job failed: registration diverged"}`))
	}))
	defer srv.Close()

	c := newCoordinator(srv.URL, 5)
	_, err := c.FetchArtifact(context.Background(), "/x")
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, ErrRetriesExhausted) {
		t.Fatal("server error must not be classified as retry timeout")
	}
	if !strings.Contains(err.Error(), "registration diverged") {
		t.Fatalf("response body not surfaced: %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("fatal responses must not be retried, got %d calls", calls)
	}
}

func TestPollJobUntilTerminal(t *testing.T) {
	states := []storage.JobRecord{
		{ID: "j1", Status: storage.JobQueued, Progress: 0},
		{ID: "j1", Status: storage.JobRunning, Progress: 25},
		{ID: "j1", Status: storage.JobRunning, Progress: 70},
		{ID: "j1", Status: storage.JobDone, Progress: 100, Outputs: &storage.JobOutputs{ImageA: "a", ImageB: "b"}},
	}
	var idx int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		i := atomic.AddInt32(&idx, 1) - 1
		if int(i) >= len(states) {
			i = int32(len(states) - 1)
		}
		json.NewEncoder(w).Encode(states[i])
	}))
	defer srv.Close()

	c := newCoordinator(srv.URL, 3)
	var progress []int
	rec, err := c.PollJob(context.Background(), "j1", func(_ storage.JobStatus, p int) {
		progress = append(progress, p)
	})
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if rec.Status != storage.JobDone || rec.Outputs == nil {
		t.Fatalf("unexpected terminal record: %+v", rec)
	}
	if len(progress) != 4 {
		t.Fatalf("expected 4 samples, got %v", progress)
	}
	for i := 1; i < len(progress); i++ {
		if progress[i] < progress[i-1] {
			t.Fatalf("progress decreased: %v", progress)
		}
	}
}

func TestJobStatusNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"error": "unknown job"})
	}))
	defer srv.Close()

	c := newCoordinator(srv.URL, 3)
	_, err := c.JobStatus(context.Background(), "ghost")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSubmitJobSurfacesValidationError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid job request: unknown image \"ghost\""}`))
	}))
	defer srv.Close()

	c := newCoordinator(srv.URL, 3)
	_, err := c.SubmitJob(context.Background(), "a1", "ghost", storage.AOI{North: 1, South: 0, East: 1, West: 0})
	if err == nil || !strings.Contains(err.Error(), "unknown image") {
		t.Fatalf("validation body not surfaced: %v", err)
	}
}
