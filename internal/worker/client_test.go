package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"geoclip/internal/storage"
)

func testAOI() storage.AOI {
	return storage.AOI{North: 12.45, South: 12.15, East: 77.65, West: 77.25}
}

func TestProcessAOISuccess(t *testing.T) {
	var got ProcessRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/process_aoi" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "done", "outputDir": got.OutDir})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, slog.Default())
	req := ProcessRequest{
		ImageA: "/data/uploads/a.tif",
		ImageB: "/data/uploads/b.tif",
		AOI:    testAOI(),
		OutDir: "/data/outputs/job-1",
		JobID:  "job-1",
	}
	if err := c.ProcessAOI(context.Background(), req); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if got.ImageA != req.ImageA || got.JobID != "job-1" {
		t.Fatalf("request not forwarded verbatim: %+v", got)
	}
	if got.AOI != testAOI() {
		t.Fatalf("AOI mangled: %+v", got.AOI)
	}
}

func TestProcessAOIWorkerFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]string{"status": "error", "message": "raster CRS mismatch"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, slog.Default())
	err := c.ProcessAOI(context.Background(), ProcessRequest{JobID: "job-1", AOI: testAOI()})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "raster CRS mismatch") {
		t.Fatalf("worker message not surfaced: %v", err)
	}
}

func TestProcessAOITransportFailure(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", slog.Default())
	if err := c.ProcessAOI(context.Background(), ProcessRequest{JobID: "job-1"}); err == nil {
		t.Fatal("expected transport error")
	}
}

func TestDownsample(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/downsample" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req DownsampleRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req.Scale != 0.25 {
			t.Errorf("scale not forwarded: %v", req.Scale)
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "ok", "output": req.Output})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, slog.Default())
	err := c.Downsample(context.Background(), DownsampleRequest{
		Input:  "/data/uploads/big.tif",
		Output: "/data/previews/big_preview.tif",
		Scale:  0.25,
	})
	if err != nil {
		t.Fatalf("downsample: %v", err)
	}
}

func TestDownsampleNonJSONFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, slog.Default())
	err := c.Downsample(context.Background(), DownsampleRequest{Input: "x", Output: "y", Scale: 0.5})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "bad gateway") {
		t.Fatalf("failure body not surfaced: %v", err)
	}
}
